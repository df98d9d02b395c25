package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	campaignColumns = `id, tenant_id, name, description, starts_at, ends_at, created_by, created_at, updated_at`
	postColumns     = `id, tenant_id, campaign_id, title, body, platforms, media_keys, tags, status,
	scheduled_at, published_at, recurrence, publications, created_by, approved_by, created_at, updated_at`
)

// PGCampaignStore implements CampaignStore backed by PostgreSQL.
type PGCampaignStore struct {
	pool *pgxpool.Pool
}

func (s *PGCampaignStore) Create(ctx context.Context, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, description, starts_at, ends_at, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
		RETURNING created_at, updated_at`,
		c.ID, c.TenantID, c.Name, c.Description, c.StartsAt, c.EndsAt, c.CreatedBy).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func (s *PGCampaignStore) Get(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	return getOne(ctx, s.pool, rowToCampaign, "campaign", `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
}

func (s *PGCampaignStore) Update(ctx context.Context, c *Campaign) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET name=$2, description=$3, starts_at=$4, ends_at=$5, updated_at=NOW()
		WHERE id=$1`,
		c.ID, c.Name, c.Description, c.StartsAt, c.EndsAt)
	return mustAffect(tag, err, "update campaign")
}

func (s *PGCampaignStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	return mustAffect(tag, err, "delete campaign")
}

func (s *PGCampaignStore) List(ctx context.Context, f CampaignFilter) ([]*Campaign, error) {
	var p predicates
	if f.TenantID != nil {
		p.add("tenant_id = $%d", *f.TenantID)
	}
	q := `SELECT ` + campaignColumns + ` FROM campaigns` + p.where() + ` ORDER BY created_at DESC` + p.page(f.Pagination)
	return getAll(ctx, s.pool, rowToCampaign, "campaigns", q, p.args...)
}

func rowToCampaign(row pgx.CollectableRow) (*Campaign, error) {
	c := new(Campaign)
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Description, &c.StartsAt, &c.EndsAt,
		&c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// PGPostStore implements PostStore backed by PostgreSQL.
type PGPostStore struct {
	pool *pgxpool.Pool
}

func (s *PGPostStore) Create(ctx context.Context, p *Post) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	pubs, err := encodePublications(p.Publications)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO posts (id, tenant_id, campaign_id, title, body, platforms, media_keys, tags, status,
			scheduled_at, published_at, recurrence, publications, created_by, approved_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW(),NOW())
		RETURNING created_at, updated_at`,
		p.ID, p.TenantID, p.CampaignID, p.Title, p.Body, platformStrings(p.Platforms),
		nonNil(p.MediaKeys), nonNil(p.Tags), string(p.Status), p.ScheduledAt, p.PublishedAt,
		p.Recurrence, pubs, p.CreatedBy, p.ApprovedBy).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if fkViolation(err) {
			return fmt.Errorf("%w: tenant or campaign", ErrNotFound)
		}
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (s *PGPostStore) Get(ctx context.Context, id uuid.UUID) (*Post, error) {
	return getOne(ctx, s.pool, rowToPost, "post", `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
}

func (s *PGPostStore) Update(ctx context.Context, p *Post) error {
	return s.write(ctx, p, p.Status)
}

func (s *PGPostStore) Advance(ctx context.Context, p *Post, from PostStatus) error {
	return s.write(ctx, p, from)
}

// write stores the fields of p, p.Status included, if the post is in from.
func (s *PGPostStore) write(ctx context.Context, p *Post, from PostStatus) error {
	pubs, err := encodePublications(p.Publications)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET campaign_id=$2, title=$3, body=$4, platforms=$5, media_keys=$6, tags=$7,
			status=$8, scheduled_at=$9, published_at=$10, recurrence=$11, publications=$12,
			approved_by=$13, updated_at=NOW()
		WHERE id=$1 AND status=$14`,
		p.ID, p.CampaignID, p.Title, p.Body, platformStrings(p.Platforms), nonNil(p.MediaKeys),
		nonNil(p.Tags), string(p.Status), p.ScheduledAt, p.PublishedAt, p.Recurrence, pubs, p.ApprovedBy,
		string(from))
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.notIn(ctx, p.ID, from)
	}
	return nil
}

// notIn explains a guarded write that matched no row.
func (s *PGPostStore) notIn(ctx context.Context, id uuid.UUID, status PostStatus) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: post %s is not %s", ErrConflict, id, status)
}

func (s *PGPostStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id)
	return mustAffect(tag, err, "delete post")
}

func (s *PGPostStore) List(ctx context.Context, f PostFilter) ([]*Post, error) {
	var p predicates
	if f.TenantID != nil {
		p.add("tenant_id = $%d", *f.TenantID)
	}
	if f.CampaignID != nil {
		p.add("campaign_id = $%d", *f.CampaignID)
	}
	if f.Status != "" {
		p.add("status = $%d", string(f.Status))
	}
	if f.Platform != "" {
		p.add("$%d = ANY(platforms)", string(f.Platform))
	}
	if f.ScheduledFrom != nil {
		p.add("scheduled_at >= $%d", *f.ScheduledFrom)
	}
	if f.ScheduledTo != nil {
		p.add("scheduled_at < $%d", *f.ScheduledTo)
	}
	q := `SELECT ` + postColumns + ` FROM posts` + p.where() +
		` ORDER BY scheduled_at NULLS LAST, created_at DESC` + p.page(f.Pagination)
	return getAll(ctx, s.pool, rowToPost, "posts", q, p.args...)
}

func (s *PGPostStore) Count(ctx context.Context, tenantID uuid.UUID, status PostStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM posts WHERE tenant_id = $1 AND status = $2`,
		tenantID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

func (s *PGPostStore) Transition(ctx context.Context, id uuid.UUID, from, to PostStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET status=$3, updated_at=NOW()
		WHERE id=$1 AND status=$2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("transition post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.notIn(ctx, id, from)
	}
	return nil
}

func (s *PGPostStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Post, error) {
	if limit <= 0 {
		limit = 50
	}
	return getAll(ctx, s.pool, rowToPost, "due posts", `
		SELECT `+postColumns+` FROM posts
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2`, now, limit)
}

func rowToPost(row pgx.CollectableRow) (*Post, error) {
	var (
		p         Post
		platforms []string
		status    string
		pubs      []byte
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.CampaignID, &p.Title, &p.Body, &platforms, &p.MediaKeys,
		&p.Tags, &status, &p.ScheduledAt, &p.PublishedAt, &p.Recurrence, &pubs, &p.CreatedBy,
		&p.ApprovedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan post: %w", err)
	}
	p.Status = PostStatus(status)
	p.Platforms = make([]Platform, len(platforms))
	for i, pl := range platforms {
		p.Platforms[i] = Platform(pl)
	}
	if len(pubs) > 0 {
		if err := json.Unmarshal(pubs, &p.Publications); err != nil {
			return nil, fmt.Errorf("decode publications: %w", err)
		}
	}
	return &p, nil
}

func encodePublications(pubs []Publication) ([]byte, error) {
	if pubs == nil {
		pubs = []Publication{}
	}
	b, err := json.Marshal(pubs)
	if err != nil {
		return nil, fmt.Errorf("encode publications: %w", err)
	}
	return b, nil
}

func platformStrings(ps []Platform) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
