package content

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/dashboard/events"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
)

// TopicPublish prefixes the subject a publish job is sent to; the platform is
// appended as the last token.
const TopicPublish = "content.publish"

// Publisher delivers a post to one platform and returns the platform's id
// for it.
type Publisher interface {
	Publish(ctx context.Context, post *store.Post, platform store.Platform) (string, error)
}

// LogPublisher only logs posts. It is the development publisher.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, post *store.Post, platform store.Platform) (string, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := "log-" + uuid.NewString()
	logger.Info("post published", "post_id", post.ID, "tenant_id", post.TenantID, "platform", platform, "external_id", id)
	return id, nil
}

// PublishJob is the message BusPublisher sends for a platform worker.
type PublishJob struct {
	JobID       string         `json:"job_id"`
	PostID      uuid.UUID      `json:"post_id"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	Platform    store.Platform `json:"platform"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	MediaKeys   []string       `json:"media_keys,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

// BusPublisher hands posts to platform workers over the event bus or NATS.
// The returned id is the job id.
type BusPublisher struct {
	Events events.Publisher
}

func (p BusPublisher) Publish(ctx context.Context, post *store.Post, platform store.Platform) (string, error) {
	job := PublishJob{
		JobID:       uuid.NewString(),
		PostID:      post.ID,
		TenantID:    post.TenantID,
		Platform:    platform,
		Title:       post.Title,
		Body:        post.Body,
		MediaKeys:   post.MediaKeys,
		Tags:        post.Tags,
		ScheduledAt: post.ScheduledAt,
		RequestedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal publish job: %w", err)
	}
	if err := p.Events.Publish(ctx, TopicPublish+"."+string(platform), data); err != nil {
		return "", fmt.Errorf("publish to %s: %w", platform, err)
	}
	return job.JobID, nil
}
