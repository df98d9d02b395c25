package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
)

const (
	maxTitleLen = 200
	maxTags     = 20
	maxTagLen   = 50
	maxNameLen  = 120
)

// Options configures a Service.
type Options struct {
	Logger *slog.Logger
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Service implements the content-planning operations for one or more tenants.
type Service struct {
	posts     store.PostStore
	campaigns store.CampaignStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service.
func NewService(posts store.PostStore, campaigns store.CampaignStore, opts Options) *Service {
	s := &Service{posts: posts, campaigns: campaigns, logger: opts.Logger, now: opts.Now}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Actor is the user performing an operation and their tenant role.
type Actor struct {
	UserID uuid.UUID
	Role   store.Role
}

// PostInput is the editable part of a post.
type PostInput struct {
	CampaignID  *uuid.UUID       `json:"campaign_id,omitempty"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	Platforms   []store.Platform `json:"platforms"`
	MediaKeys   []string         `json:"media_keys,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	Recurrence  string           `json:"recurrence,omitempty"`
}

func (s *Service) validatePost(ctx context.Context, tenantID uuid.UUID, in *PostInput) error {
	in.Title = strings.TrimSpace(in.Title)
	if n := utf8.RuneCountInString(in.Title); n == 0 || n > maxTitleLen {
		return fmt.Errorf("%w: title must be 1-%d characters", ErrValidation, maxTitleLen)
	}
	ps, err := normalizePlatforms(in.Platforms)
	if err != nil {
		return err
	}
	in.Platforms = ps
	if err := checkBody(in.Body, len(in.MediaKeys), ps); err != nil {
		return err
	}
	if len(in.Tags) > maxTags {
		return fmt.Errorf("%w: at most %d tags", ErrValidation, maxTags)
	}
	tags := in.Tags[:0]
	for _, t := range in.Tags {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		if t == "" {
			continue
		}
		if utf8.RuneCountInString(t) > maxTagLen {
			return fmt.Errorf("%w: tag %q is too long", ErrValidation, t)
		}
		tags = append(tags, t)
	}
	in.Tags = tags
	if in.ScheduledAt != nil {
		at := in.ScheduledAt.UTC()
		if !at.After(s.now()) {
			return fmt.Errorf("%w: scheduled time must be in the future", ErrValidation)
		}
		in.ScheduledAt = &at
	}
	in.Recurrence = strings.TrimSpace(in.Recurrence)
	if in.Recurrence != "" {
		if _, err := ParseRecurrence(in.Recurrence); err != nil {
			return err
		}
	}
	if in.CampaignID != nil {
		c, err := s.campaigns.Get(ctx, *in.CampaignID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && c.TenantID != tenantID) {
			return fmt.Errorf("%w: campaign does not exist", ErrValidation)
		}
		if err != nil {
			return fmt.Errorf("get campaign: %w", err)
		}
	}
	return nil
}

// CreatePost creates a draft.
func (s *Service) CreatePost(ctx context.Context, tenantID uuid.UUID, actor Actor, in PostInput) (*store.Post, error) {
	if err := s.validatePost(ctx, tenantID, &in); err != nil {
		return nil, err
	}
	p := &store.Post{
		TenantID:    tenantID,
		CampaignID:  in.CampaignID,
		Title:       in.Title,
		Body:        in.Body,
		Platforms:   in.Platforms,
		MediaKeys:   in.MediaKeys,
		Tags:        in.Tags,
		Status:      store.PostDraft,
		ScheduledAt: in.ScheduledAt,
		Recurrence:  in.Recurrence,
		CreatedBy:   actor.UserID,
	}
	if err := s.posts.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return p, nil
}

// GetPost returns a post of the tenant.
func (s *Service) GetPost(ctx context.Context, tenantID, id uuid.UUID) (*store.Post, error) {
	p, err := s.posts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// ListPosts lists the tenant's posts.
func (s *Service) ListPosts(ctx context.Context, tenantID uuid.UUID, f store.PostFilter) ([]*store.Post, error) {
	f.TenantID = &tenantID
	return s.posts.List(ctx, f)
}

// UpdatePost replaces the editable fields of a post. Posts that are
// scheduled, publishing, published or archived cannot be edited; editing an
// approved post returns it to draft.
func (s *Service) UpdatePost(ctx context.Context, tenantID, id uuid.UUID, in PostInput) (*store.Post, error) {
	p, err := s.GetPost(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !editable(p.Status) {
		return nil, fmt.Errorf("%w: a %s post cannot be edited", ErrInvalidTransition, p.Status)
	}
	if err := s.validatePost(ctx, tenantID, &in); err != nil {
		return nil, err
	}
	p.CampaignID = in.CampaignID
	p.Title = in.Title
	p.Body = in.Body
	p.Platforms = in.Platforms
	p.MediaKeys = in.MediaKeys
	p.Tags = in.Tags
	p.ScheduledAt = in.ScheduledAt
	p.Recurrence = in.Recurrence
	from := p.Status
	if p.Status == store.PostApproved {
		p.Status = store.PostDraft
		p.ApprovedBy = nil
	}
	if err := s.posts.Advance(ctx, p, from); err != nil {
		return nil, fmt.Errorf("update post: %w", err)
	}
	return p, nil
}

// DeletePost deletes a post unless it is being published.
func (s *Service) DeletePost(ctx context.Context, tenantID, id uuid.UUID) error {
	p, err := s.GetPost(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if p.Status == store.PostPublishing {
		return fmt.Errorf("%w: the post is being published", ErrInvalidTransition)
	}
	return s.posts.Delete(ctx, id)
}

// TransitionRequest asks for a status change. At sets the schedule time for
// ActionSchedule and ActionRetry.
type TransitionRequest struct {
	Action Action     `json:"action"`
	At     *time.Time `json:"at,omitempty"`
}

// Transition applies a user action to a post. The status change is a
// compare-and-set, so a concurrent change fails with store.ErrConflict.
func (s *Service) Transition(ctx context.Context, tenantID, id uuid.UUID, actor Actor, req TransitionRequest) (*store.Post, error) {
	p, err := s.GetPost(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	to, role, err := Next(p.Status, req.Action)
	if err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(role) {
		return nil, fmt.Errorf("%w: %s needs the %s role", store.ErrForbidden, req.Action, role)
	}
	from := p.Status
	now := s.now()

	switch req.Action {
	case ActionSchedule, ActionRetry:
		at := req.At
		if at == nil {
			at = p.ScheduledAt
		}
		switch {
		case at == nil && req.Action == ActionRetry:
			t := now.UTC()
			at = &t
		case at == nil:
			return nil, fmt.Errorf("%w: a schedule time is required", ErrValidation)
		case !at.After(now) && req.Action == ActionSchedule:
			return nil, fmt.Errorf("%w: scheduled time must be in the future", ErrValidation)
		case !at.After(now):
			// A retry of a missed slot runs on the next tick.
			t := now.UTC()
			at = &t
		}
		utc := at.UTC()
		p.ScheduledAt = &utc
	case ActionApprove:
		p.ApprovedBy = &actor.UserID
	case ActionRequestChanges, ActionRestore:
		p.ApprovedBy = nil
	}

	// Status and fields change together, and only from the status read above.
	p.Status = to
	if err := s.posts.Advance(ctx, p, from); err != nil {
		return nil, err
	}
	s.logger.Info("post status changed", "post_id", id, "tenant_id", tenantID, "action", req.Action,
		"from", from, "to", to, "user_id", actor.UserID)
	return s.posts.Get(ctx, id)
}

// CountScheduled returns how many posts of the tenant are scheduled.
func (s *Service) CountScheduled(ctx context.Context, tenantID uuid.UUID) (int, error) {
	return s.posts.Count(ctx, tenantID, store.PostScheduled)
}

// CampaignInput is the editable part of a campaign.
type CampaignInput struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
}

func (in *CampaignInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	if n := utf8.RuneCountInString(in.Name); n == 0 || n > maxNameLen {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrValidation, maxNameLen)
	}
	if in.StartsAt != nil && in.EndsAt != nil && !in.EndsAt.After(*in.StartsAt) {
		return fmt.Errorf("%w: a campaign must end after it starts", ErrValidation)
	}
	return nil
}

// CreateCampaign creates a campaign.
func (s *Service) CreateCampaign(ctx context.Context, tenantID uuid.UUID, actor Actor, in CampaignInput) (*store.Campaign, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	c := &store.Campaign{
		TenantID:    tenantID,
		Name:        in.Name,
		Description: in.Description,
		StartsAt:    in.StartsAt,
		EndsAt:      in.EndsAt,
		CreatedBy:   actor.UserID,
	}
	if err := s.campaigns.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	return c, nil
}

// GetCampaign returns a campaign of the tenant.
func (s *Service) GetCampaign(ctx context.Context, tenantID, id uuid.UUID) (*store.Campaign, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return c, nil
}

// ListCampaigns lists the tenant's campaigns.
func (s *Service) ListCampaigns(ctx context.Context, tenantID uuid.UUID, pg store.Pagination) ([]*store.Campaign, error) {
	return s.campaigns.List(ctx, store.CampaignFilter{TenantID: &tenantID, Pagination: pg})
}

// UpdateCampaign replaces a campaign's editable fields.
func (s *Service) UpdateCampaign(ctx context.Context, tenantID, id uuid.UUID, in CampaignInput) (*store.Campaign, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	c, err := s.GetCampaign(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	c.Name, c.Description, c.StartsAt, c.EndsAt = in.Name, in.Description, in.StartsAt, in.EndsAt
	if err := s.campaigns.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	return c, nil
}

// DeleteCampaign deletes a campaign. Its posts are kept without a campaign.
func (s *Service) DeleteCampaign(ctx context.Context, tenantID, id uuid.UUID) error {
	if _, err := s.GetCampaign(ctx, tenantID, id); err != nil {
		return err
	}
	return s.campaigns.Delete(ctx, id)
}
