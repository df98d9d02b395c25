// Package audit records security-relevant events as JSON lines and, when a
// store is attached, as queryable audit entries.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventAuth         EventType = "auth"
	EventAuthFailure  EventType = "auth_failure"
	EventAdminOp      EventType = "admin_op"
	EventDataChange   EventType = "data_change"
	EventSchemaChange EventType = "schema_change"
	EventQuery        EventType = "query"
	EventContent      EventType = "content"
)

// Event is a single audit log entry.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"type"`
	Action       string         `json:"action"`
	TenantID     *uuid.UUID     `json:"tenant_id,omitempty"`
	ActorID      *uuid.UUID     `json:"actor_id,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	SourceIP     string         `json:"source_ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Success      bool           `json:"success"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events. It is safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	sink   store.AuditStore
	slog   *slog.Logger
}

// NewLogger creates a Logger that writes JSON events to w and, when sink is
// non-nil, persists them. If w is nil, it defaults to os.Stdout.
func NewLogger(w io.Writer, sink store.AuditStore) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{
		writer: w,
		sink:   sink,
		slog:   slog.Default(),
	}
}

// Log records an audit event. Write and persistence failures are logged and
// never fail the caller's operation.
func (l *Logger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		l.slog.Error("failed to marshal audit event", "error", err)
		return
	}

	l.mu.Lock()
	// Write one JSON line per event
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		l.slog.Error("failed to write audit event", "error", err)
	}
	l.mu.Unlock()

	if l.sink == nil {
		return
	}
	entry := &store.AuditEntry{
		TenantID:     event.TenantID,
		UserID:       event.ActorID,
		Action:       string(event.Type) + "." + event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		IPAddress:    event.SourceIP,
		UserAgent:    event.UserAgent,
	}
	details := map[string]any{"success": event.Success}
	if event.Detail != "" {
		details["detail"] = event.Detail
	}
	for k, v := range event.Metadata {
		details[k] = v
	}
	if entry.Details, err = json.Marshal(details); err != nil {
		l.slog.Error("failed to marshal audit details", "error", err)
		return
	}
	if err := l.sink.Record(context.WithoutCancel(ctx), entry); err != nil {
		l.slog.Error("failed to persist audit event", "action", entry.Action, "error", err)
	}
}

// LogAuth records an authentication attempt.
func (l *Logger) LogAuth(ctx context.Context, action, actor string, actorID *uuid.UUID, sourceIP string, success bool, detail string) {
	eventType := EventAuth
	if !success {
		eventType = EventAuthFailure
	}
	l.Log(ctx, Event{
		Type:     eventType,
		Action:   action,
		Actor:    actor,
		ActorID:  actorID,
		SourceIP: sourceIP,
		Success:  success,
		Detail:   detail,
	})
}

// LogChange records a successful mutation of a tenant resource.
func (l *Logger) LogChange(ctx context.Context, typ EventType, tenantID, actorID uuid.UUID, action, resourceType, resourceID string, meta map[string]any) {
	l.Log(ctx, Event{
		Type:         typ,
		Action:       action,
		TenantID:     &tenantID,
		ActorID:      &actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Success:      true,
		Metadata:     meta,
	})
}
