package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/dashboard/observability/tracing"
	"github.com/GoCodeAlone/dashboard/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Interval between ticks. Defaults to 30s.
	Interval time.Duration `yaml:"interval"`
	// Batch caps the posts claimed per tick. Defaults to 50.
	Batch int `yaml:"batch"`
	// PublishTimeout bounds one platform publish. Defaults to 30s.
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	Logger *slog.Logger `yaml:"-"`
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time `yaml:"-"`
	// OnPublish, when set, observes each platform publish.
	OnPublish func(platform store.Platform, ok bool) `yaml:"-"`
	// Tracer, when set, wraps each tick in a span.
	Tracer *tracing.Operations `yaml:"-"`
}

// TickResult summarises one dispatcher tick.
type TickResult struct {
	Claimed   int
	Published int
	Failed    int
	Spawned   int
}

// Dispatcher publishes due posts.
type Dispatcher struct {
	posts     store.PostStore
	publisher Publisher
	opts      DispatcherOptions
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(posts store.PostStore, publisher Publisher, opts DispatcherOptions) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{posts: posts, publisher: publisher, opts: opts, logger: logger}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	d.logger.Info("content dispatcher started", "interval", d.opts.Interval)
	for {
		if res, err := d.Tick(ctx); err != nil {
			d.logger.Error("content dispatch failed", "error", err)
		} else if res.Claimed > 0 {
			d.logger.Info("content dispatched", "claimed", res.Claimed, "published", res.Published,
				"failed", res.Failed, "spawned", res.Spawned)
		}
		select {
		case <-ctx.Done():
			d.logger.Info("content dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick claims the due posts and publishes them. Posts claimed by another
// dispatcher are skipped.
func (d *Dispatcher) Tick(ctx context.Context) (res TickResult, err error) {
	if d.opts.Tracer != nil {
		var span trace.Span
		ctx, span = d.opts.Tracer.StartDispatch(ctx)
		defer func() {
			span.SetAttributes(attribute.Int("content.claimed", res.Claimed))
			d.opts.Tracer.End(span, err)
		}()
	}
	now := d.opts.Now()
	due, err := d.posts.ListDue(ctx, now, d.opts.Batch)
	if err != nil {
		return res, fmt.Errorf("list due posts: %w", err)
	}
	for _, p := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		err := d.posts.Transition(ctx, p.ID, store.PostScheduled, store.PostPublishing)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("claim post %s: %w", p.ID, err)
		}
		res.Claimed++

		status, spawned, err := d.process(ctx, p, now)
		if err != nil {
			return res, err
		}
		switch status {
		case store.PostPublished:
			res.Published++
		case store.PostFailed:
			res.Failed++
		}
		if spawned {
			res.Spawned++
		}
	}
	return res, nil
}

// process publishes a claimed post to every platform it has not reached yet,
// records the outcome and spawns the next occurrence of a recurring post.
// When the outcome cannot be recorded the post is released as failed, so it
// never stays claimed, and the error is returned.
func (d *Dispatcher) process(ctx context.Context, p *store.Post, now time.Time) (store.PostStatus, bool, error) {
	var pubs []store.Publication
	done := map[store.Platform]bool{}
	for _, pub := range p.Publications {
		if pub.Error == "" {
			pubs = append(pubs, pub)
			done[pub.Platform] = true
		}
	}

	failed := 0
	for _, platform := range p.Platforms {
		if done[platform] {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, d.opts.PublishTimeout)
		id, err := d.publisher.Publish(pctx, p, platform)
		cancel()
		pub := store.Publication{Platform: platform, ExternalID: id, At: d.opts.Now().UTC()}
		if err != nil {
			failed++
			pub.ExternalID = ""
			pub.Error = err.Error()
			d.logger.Warn("post publish failed", "post_id", p.ID, "platform", platform, "error", err)
		}
		if d.opts.OnPublish != nil {
			d.opts.OnPublish(platform, err == nil)
		}
		pubs = append(pubs, pub)
	}

	var next *store.Post
	if p.Recurrence != "" {
		if next = d.spawnNext(ctx, p, now); next != nil {
			p.Recurrence = ""
		}
	}

	p.Publications = pubs
	p.Status = store.PostPublished
	if failed > 0 {
		p.Status = store.PostFailed
	} else {
		t := d.opts.Now().UTC()
		p.PublishedAt = &t
	}
	if err := d.posts.Advance(ctx, p, store.PostPublishing); err != nil {
		d.release(ctx, p, next, err)
		return store.PostFailed, false, fmt.Errorf("record outcome of post %s: %w", p.ID, err)
	}
	return p.Status, next != nil, nil
}

// release undoes a claim whose outcome could not be stored: the spawned
// occurrence is removed, since the series stays on p, and p becomes failed
// so it can be retried.
func (d *Dispatcher) release(ctx context.Context, p *store.Post, next *store.Post, cause error) {
	ctx = context.WithoutCancel(ctx)
	d.logger.Error("record publish outcome failed", "post_id", p.ID, "status", p.Status, "error", cause)
	if next != nil {
		if err := d.posts.Delete(ctx, next.ID); err != nil {
			d.logger.Error("remove spawned occurrence failed", "post_id", next.ID, "error", err)
		}
	}
	if err := d.posts.Transition(ctx, p.ID, store.PostPublishing, store.PostFailed); err != nil {
		d.logger.Error("release claimed post failed", "post_id", p.ID, "error", err)
	}
}

// spawnNext schedules the next occurrence of a recurring post. The series
// moves to the new post.
func (d *Dispatcher) spawnNext(ctx context.Context, p *store.Post, now time.Time) *store.Post {
	after := now
	if p.ScheduledAt != nil && p.ScheduledAt.After(after) {
		after = *p.ScheduledAt
	}
	next, err := NextOccurrence(p.Recurrence, after)
	if err != nil {
		d.logger.Warn("recurrence dropped", "post_id", p.ID, "recurrence", p.Recurrence, "error", err)
		return nil
	}
	n := &store.Post{
		TenantID:    p.TenantID,
		CampaignID:  p.CampaignID,
		Title:       p.Title,
		Body:        p.Body,
		Platforms:   append([]store.Platform(nil), p.Platforms...),
		MediaKeys:   append([]string(nil), p.MediaKeys...),
		Tags:        append([]string(nil), p.Tags...),
		Status:      store.PostScheduled,
		ScheduledAt: &next,
		Recurrence:  p.Recurrence,
		CreatedBy:   p.CreatedBy,
		ApprovedBy:  p.ApprovedBy,
	}
	if err := d.posts.Create(ctx, n); err != nil {
		d.logger.Error("schedule next occurrence failed", "post_id", p.ID, "error", err)
		return nil
	}
	d.logger.Info("next occurrence scheduled", "post_id", p.ID, "next_post_id", n.ID, "at", next)
	return n
}
