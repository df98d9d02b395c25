package tenant

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrQuotaExceeded is returned when a tenant would exceed a resource limit.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrRateLimited is returned when a tenant exceeds its API request rate.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Quota defines resource limits for a tenant. A zero limit means unlimited.
type Quota struct {
	// APIRequestsPerMinute is the sustained API rate; bursts up to the same
	// number of requests are allowed.
	APIRequestsPerMinute int   `yaml:"api_requests_per_minute" json:"api_requests_per_minute"`
	MaxDashboards        int   `yaml:"max_dashboards" json:"max_dashboards"`
	MaxTables            int   `yaml:"max_tables" json:"max_tables"`
	MaxScheduledPosts    int   `yaml:"max_scheduled_posts" json:"max_scheduled_posts"`
	MaxMediaBytes        int64 `yaml:"max_media_bytes" json:"max_media_bytes"`
}

// DefaultQuota returns the quota applied to tenants without an override.
func DefaultQuota() Quota {
	return Quota{
		APIRequestsPerMinute: 600,
		MaxDashboards:        50,
		MaxTables:            100,
		MaxScheduledPosts:    500,
		MaxMediaBytes:        1 << 30, // 1 GB
	}
}

// Resource names a counted tenant resource.
type Resource string

const (
	ResourceDashboards     Resource = "dashboards"
	ResourceTables         Resource = "tables"
	ResourceScheduledPosts Resource = "scheduled posts"
)

// QuotaRegistry holds the default quota, per-tenant overrides and each
// tenant's API rate limiter.
type QuotaRegistry struct {
	mu        sync.Mutex
	def       Quota
	overrides map[uuid.UUID]Quota
	limiters  map[uuid.UUID]*rate.Limiter
}

// NewQuotaRegistry creates a registry applying def to every tenant.
func NewQuotaRegistry(def Quota) *QuotaRegistry {
	return &QuotaRegistry{
		def:       def,
		overrides: make(map[uuid.UUID]Quota),
		limiters:  make(map[uuid.UUID]*rate.Limiter),
	}
}

// SetDefault replaces the default quota. Limiters of tenants without an
// override pick up the new rate on their next request.
func (r *QuotaRegistry) SetDefault(q Quota) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = q
	for id := range r.limiters {
		if _, ok := r.overrides[id]; !ok {
			delete(r.limiters, id)
		}
	}
}

// SetQuota sets an override for one tenant.
func (r *QuotaRegistry) SetQuota(tenantID uuid.UUID, q Quota) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[tenantID] = q
	delete(r.limiters, tenantID)
}

// RemoveQuota drops a tenant's override and limiter.
func (r *QuotaRegistry) RemoveQuota(tenantID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, tenantID)
	delete(r.limiters, tenantID)
}

// Quota returns the quota in effect for a tenant.
func (r *QuotaRegistry) Quota(tenantID uuid.UUID) Quota {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quotaLocked(tenantID)
}

func (r *QuotaRegistry) quotaLocked(tenantID uuid.UUID) Quota {
	if q, ok := r.overrides[tenantID]; ok {
		return q
	}
	return r.def
}

// AllowAPI consumes one request from the tenant's API rate.
func (r *QuotaRegistry) AllowAPI(tenantID uuid.UUID) error {
	r.mu.Lock()
	q := r.quotaLocked(tenantID)
	if q.APIRequestsPerMinute <= 0 {
		r.mu.Unlock()
		return nil
	}
	lim, ok := r.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(q.APIRequestsPerMinute)/60), q.APIRequestsPerMinute)
		r.limiters[tenantID] = lim
	}
	r.mu.Unlock()

	if !lim.Allow() {
		return fmt.Errorf("%w: %d requests per minute", ErrRateLimited, q.APIRequestsPerMinute)
	}
	return nil
}

// Check reports whether the tenant may create one more of res given its
// current count.
func (r *QuotaRegistry) Check(tenantID uuid.UUID, res Resource, current int) error {
	q := r.Quota(tenantID)
	var limit int
	switch res {
	case ResourceDashboards:
		limit = q.MaxDashboards
	case ResourceTables:
		limit = q.MaxTables
	case ResourceScheduledPosts:
		limit = q.MaxScheduledPosts
	default:
		return fmt.Errorf("unknown resource %q", res)
	}
	if limit > 0 && current >= limit {
		return fmt.Errorf("%w: at most %d %s", ErrQuotaExceeded, limit, res)
	}
	return nil
}

// CheckStorage reports whether the tenant can store additional bytes on top
// of used.
func (r *QuotaRegistry) CheckStorage(tenantID uuid.UUID, used, additional int64) error {
	q := r.Quota(tenantID)
	if q.MaxMediaBytes > 0 && used+additional > q.MaxMediaBytes {
		return fmt.Errorf("%w: media storage limit is %d bytes", ErrQuotaExceeded, q.MaxMediaBytes)
	}
	return nil
}
