package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// MockUserStore
// ---------------------------------------------------------------------------

// MockUserStore is an in-memory implementation of UserStore for testing.
type MockUserStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]*User
}

// NewMockUserStore creates a new MockUserStore.
func NewMockUserStore() *MockUserStore {
	return &MockUserStore{users: make(map[uuid.UUID]*User)}
}

func (s *MockUserStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return ErrDuplicate
		}
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MockUserStore) Get(_ context.Context, id uuid.UUID) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MockUserStore) GetByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MockUserStore) Update(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range s.users {
		if id != u.ID && existing.Email == u.Email {
			return ErrDuplicate
		}
	}
	u.UpdatedAt = time.Now()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MockUserStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *MockUserStore) List(_ context.Context, f UserFilter) ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*User
	for _, u := range s.users {
		if f.Email != "" && u.Email != f.Email {
			continue
		}
		if f.Active != nil && u.Active != *f.Active {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Pagination), nil
}

// ---------------------------------------------------------------------------
// MockTenantStore
// ---------------------------------------------------------------------------

// MockTenantStore is an in-memory implementation of TenantStore for testing.
// ListForUser consults the attached membership store when present.
type MockTenantStore struct {
	mu          sync.Mutex
	tenants     map[uuid.UUID]*Tenant
	memberships *MockMembershipStore
}

// NewMockTenantStore creates a new MockTenantStore.
func NewMockTenantStore(memberships *MockMembershipStore) *MockTenantStore {
	return &MockTenantStore{tenants: make(map[uuid.UUID]*Tenant), memberships: memberships}
}

func (s *MockTenantStore) Create(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	for _, existing := range s.tenants {
		if existing.Slug == t.Slug {
			return ErrDuplicate
		}
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *MockTenantStore) Get(_ context.Context, id uuid.UUID) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MockTenantStore) GetBySlug(_ context.Context, slug string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MockTenantStore) Update(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tenants[t.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = t.Name
	existing.Metadata = t.Metadata
	existing.UpdatedAt = time.Now()
	t.UpdatedAt = existing.UpdatedAt
	return nil
}

func (s *MockTenantStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return ErrNotFound
	}
	delete(s.tenants, id)
	return nil
}

func (s *MockTenantStore) List(_ context.Context, f TenantFilter) ([]*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Tenant
	for _, t := range s.tenants {
		if f.OwnerID != nil && t.OwnerID != *f.OwnerID {
			continue
		}
		if f.Slug != "" && t.Slug != f.Slug {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Pagination), nil
}

func (s *MockTenantStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]*Tenant, error) {
	ids := map[uuid.UUID]bool{}
	if s.memberships != nil {
		ms, _ := s.memberships.List(ctx, MembershipFilter{UserID: &userID, Pagination: Pagination{Limit: 1 << 20}})
		for _, m := range ms {
			ids[m.TenantID] = true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Tenant
	for _, t := range s.tenants {
		if ids[t.ID] || t.OwnerID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---------------------------------------------------------------------------
// MockMembershipStore
// ---------------------------------------------------------------------------

// MockMembershipStore is an in-memory implementation of MembershipStore for testing.
type MockMembershipStore struct {
	mu          sync.Mutex
	memberships map[uuid.UUID]*Membership
}

// NewMockMembershipStore creates a new MockMembershipStore.
func NewMockMembershipStore() *MockMembershipStore {
	return &MockMembershipStore{memberships: make(map[uuid.UUID]*Membership)}
}

func (s *MockMembershipStore) Create(_ context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	for _, existing := range s.memberships {
		if existing.UserID == m.UserID && existing.TenantID == m.TenantID {
			return ErrDuplicate
		}
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := *m
	s.memberships[m.ID] = &cp
	return nil
}

func (s *MockMembershipStore) Get(_ context.Context, id uuid.UUID) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MockMembershipStore) Update(_ context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.memberships[m.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Role = m.Role
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *MockMembershipStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[id]; !ok {
		return ErrNotFound
	}
	delete(s.memberships, id)
	return nil
}

func (s *MockMembershipStore) List(_ context.Context, f MembershipFilter) ([]*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Membership
	for _, m := range s.memberships {
		if f.UserID != nil && m.UserID != *f.UserID {
			continue
		}
		if f.TenantID != nil && m.TenantID != *f.TenantID {
			continue
		}
		if f.Role != "" && m.Role != f.Role {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, f.Pagination), nil
}

func (s *MockMembershipStore) GetRole(_ context.Context, userID, tenantID uuid.UUID) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID && m.TenantID == tenantID {
			return m.Role, nil
		}
	}
	return "", ErrNotFound
}

// ---------------------------------------------------------------------------
// MockDashboardStore
// ---------------------------------------------------------------------------

// MockDashboardStore is an in-memory implementation of DashboardStore for testing.
// Deleting a dashboard cascades to the attached menu store when present.
type MockDashboardStore struct {
	mu         sync.Mutex
	dashboards map[uuid.UUID]*Dashboard
	menus      *MockMenuStore
}

// NewMockDashboardStore creates a new MockDashboardStore.
func NewMockDashboardStore(menus *MockMenuStore) *MockDashboardStore {
	return &MockDashboardStore{dashboards: make(map[uuid.UUID]*Dashboard), menus: menus}
}

func (s *MockDashboardStore) Create(_ context.Context, d *Dashboard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	for _, existing := range s.dashboards {
		if existing.TenantID == d.TenantID && existing.Slug == d.Slug {
			return ErrDuplicate
		}
	}
	if d.IsDefault {
		s.clearDefault(d.TenantID, d.ID)
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	cp := *d
	s.dashboards[d.ID] = &cp
	return nil
}

func (s *MockDashboardStore) clearDefault(tenantID, except uuid.UUID) {
	for id, existing := range s.dashboards {
		if existing.TenantID == tenantID && id != except {
			existing.IsDefault = false
		}
	}
}

func (s *MockDashboardStore) Get(_ context.Context, id uuid.UUID) (*Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dashboards[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MockDashboardStore) GetBySlug(_ context.Context, tenantID uuid.UUID, slug string) (*Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dashboards {
		if d.TenantID == tenantID && d.Slug == slug {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MockDashboardStore) Update(_ context.Context, d *Dashboard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dashboards[d.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range s.dashboards {
		if id != d.ID && existing.TenantID == d.TenantID && existing.Slug == d.Slug {
			return ErrDuplicate
		}
	}
	if d.IsDefault {
		s.clearDefault(d.TenantID, d.ID)
	}
	d.UpdatedAt = time.Now()
	cp := *d
	s.dashboards[d.ID] = &cp
	return nil
}

func (s *MockDashboardStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	if _, ok := s.dashboards[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.dashboards, id)
	s.mu.Unlock()
	if s.menus != nil {
		s.menus.deleteDashboard(id)
	}
	return nil
}

func (s *MockDashboardStore) List(_ context.Context, f DashboardFilter) ([]*Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Dashboard
	for _, d := range s.dashboards {
		if f.TenantID != nil && d.TenantID != *f.TenantID {
			continue
		}
		if f.Slug != "" && d.Slug != f.Slug {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].Name < out[j].Name
	})
	return paginate(out, f.Pagination), nil
}

func (s *MockDashboardStore) Count(_ context.Context, tenantID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.dashboards {
		if d.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// MockMenuStore
// ---------------------------------------------------------------------------

// MockMenuStore is an in-memory implementation of MenuStore for testing.
// Calls counts ListGroups invocations so cache behaviour can be asserted.
type MockMenuStore struct {
	mu     sync.Mutex
	groups map[uuid.UUID]*MenuGroup
	items  map[uuid.UUID]*MenuItem
	Calls  atomic.Int64
	// Err, when set, is returned by every list call.
	Err error
}

// NewMockMenuStore creates a new MockMenuStore.
func NewMockMenuStore() *MockMenuStore {
	return &MockMenuStore{
		groups: make(map[uuid.UUID]*MenuGroup),
		items:  make(map[uuid.UUID]*MenuItem),
	}
}

// SetErr makes list calls fail with err until cleared with nil.
func (s *MockMenuStore) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

func (s *MockMenuStore) deleteDashboard(dashboardID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, g := range s.groups {
		if g.DashboardID == dashboardID {
			delete(s.groups, id)
		}
	}
	for id, it := range s.items {
		if it.DashboardID == dashboardID {
			delete(s.items, id)
		}
	}
}

func (s *MockMenuStore) CreateGroup(_ context.Context, g *MenuGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now
	cp := *g
	s.groups[g.ID] = &cp
	return nil
}

func (s *MockMenuStore) GetGroup(_ context.Context, id uuid.UUID) (*MenuGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *MockMenuStore) UpdateGroup(_ context.Context, g *MenuGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.groups[g.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Title = g.Title
	existing.Collapsible = g.Collapsible
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *MockMenuStore) DeleteGroup(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return ErrNotFound
	}
	delete(s.groups, id)
	for itemID, it := range s.items {
		if it.GroupID == id {
			delete(s.items, itemID)
		}
	}
	return nil
}

func (s *MockMenuStore) ListGroups(_ context.Context, dashboardID uuid.UUID) ([]*MenuGroup, error) {
	s.Calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*MenuGroup
	for _, g := range s.groups {
		if g.DashboardID == dashboardID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MockMenuStore) CreateItem(_ context.Context, it *MenuItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[it.GroupID]; !ok {
		return ErrNotFound
	}
	if it.ParentID != nil {
		if _, ok := s.items[*it.ParentID]; !ok {
			return ErrNotFound
		}
	}
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	now := time.Now()
	it.CreatedAt = now
	it.UpdatedAt = now
	cp := *it
	s.items[it.ID] = &cp
	return nil
}

func (s *MockMenuStore) GetItem(_ context.Context, id uuid.UUID) (*MenuItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (s *MockMenuStore) UpdateItem(_ context.Context, it *MenuItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[it.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Title = it.Title
	existing.Path = it.Path
	existing.Icon = it.Icon
	existing.Badge = it.Badge
	existing.Hidden = it.Hidden
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *MockMenuStore) DeleteItem(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	for childID, it := range s.items {
		if it.ParentID != nil && *it.ParentID == id {
			delete(s.items, childID)
		}
	}
	return nil
}

func (s *MockMenuStore) ListItems(_ context.Context, dashboardID uuid.UUID) ([]*MenuItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*MenuItem
	for _, it := range s.items {
		if it.DashboardID == dashboardID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MockMenuStore) RepositionGroups(_ context.Context, dashboardID uuid.UUID, order []MenuPlacement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range order {
		g, ok := s.groups[p.ID]
		if !ok || g.DashboardID != dashboardID {
			return ErrNotFound
		}
	}
	for _, p := range order {
		s.groups[p.ID].Position = p.Position
	}
	return nil
}

func (s *MockMenuStore) RepositionItems(_ context.Context, dashboardID uuid.UUID, placements []MenuPlacement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range placements {
		it, ok := s.items[p.ID]
		if !ok || it.DashboardID != dashboardID {
			return ErrNotFound
		}
	}
	for _, p := range placements {
		it := s.items[p.ID]
		it.GroupID = p.GroupID
		it.ParentID = p.ParentID
		it.Position = p.Position
	}
	return nil
}

// ---------------------------------------------------------------------------
// MockPreferenceStore
// ---------------------------------------------------------------------------

// MockPreferenceStore is an in-memory implementation of PreferenceStore for testing.
type MockPreferenceStore struct {
	mu    sync.Mutex
	prefs map[[2]uuid.UUID]*MenuPreference
}

// NewMockPreferenceStore creates a new MockPreferenceStore.
func NewMockPreferenceStore() *MockPreferenceStore {
	return &MockPreferenceStore{prefs: make(map[[2]uuid.UUID]*MenuPreference)}
}

func (s *MockPreferenceStore) GetMenuPreference(_ context.Context, userID, dashboardID uuid.UUID) (*MenuPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[[2]uuid.UUID{userID, dashboardID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.Collapsed = append([]uuid.UUID(nil), p.Collapsed...)
	return &cp, nil
}

func (s *MockPreferenceStore) SaveMenuPreference(_ context.Context, p *MenuPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now()
	cp := *p
	cp.Collapsed = append([]uuid.UUID(nil), p.Collapsed...)
	s.prefs[[2]uuid.UUID{p.UserID, p.DashboardID}] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// MockCampaignStore
// ---------------------------------------------------------------------------

// MockCampaignStore is an in-memory implementation of CampaignStore for testing.
type MockCampaignStore struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*Campaign
}

// NewMockCampaignStore creates a new MockCampaignStore.
func NewMockCampaignStore() *MockCampaignStore {
	return &MockCampaignStore{campaigns: make(map[uuid.UUID]*Campaign)}
}

func (s *MockCampaignStore) Create(_ context.Context, c *Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *MockCampaignStore) Get(_ context.Context, id uuid.UUID) (*Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MockCampaignStore) Update(_ context.Context, c *Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now()
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *MockCampaignStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return ErrNotFound
	}
	delete(s.campaigns, id)
	return nil
}

func (s *MockCampaignStore) List(_ context.Context, f CampaignFilter) ([]*Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Campaign
	for _, c := range s.campaigns {
		if f.TenantID != nil && c.TenantID != *f.TenantID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Pagination), nil
}

// ---------------------------------------------------------------------------
// MockPostStore
// ---------------------------------------------------------------------------

// MockPostStore is an in-memory implementation of PostStore for testing.
type MockPostStore struct {
	mu    sync.Mutex
	posts map[uuid.UUID]*Post
}

// NewMockPostStore creates a new MockPostStore.
func NewMockPostStore() *MockPostStore {
	return &MockPostStore{posts: make(map[uuid.UUID]*Post)}
}

func copyPost(p *Post) *Post {
	cp := *p
	cp.Platforms = append([]Platform(nil), p.Platforms...)
	cp.MediaKeys = append([]string(nil), p.MediaKeys...)
	cp.Tags = append([]string(nil), p.Tags...)
	cp.Publications = append([]Publication(nil), p.Publications...)
	return &cp
}

func (s *MockPostStore) Create(_ context.Context, p *Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.posts[p.ID] = copyPost(p)
	return nil
}

func (s *MockPostStore) Get(_ context.Context, id uuid.UUID) (*Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPost(p), nil
}

func (s *MockPostStore) Update(ctx context.Context, p *Post) error {
	return s.Advance(ctx, p, p.Status)
}

func (s *MockPostStore) Advance(_ context.Context, p *Post, from PostStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.posts[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrConflict
	}
	p.UpdatedAt = time.Now()
	s.posts[p.ID] = copyPost(p)
	return nil
}

func (s *MockPostStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return ErrNotFound
	}
	delete(s.posts, id)
	return nil
}

func (s *MockPostStore) List(_ context.Context, f PostFilter) ([]*Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Post
	for _, p := range s.posts {
		if f.TenantID != nil && p.TenantID != *f.TenantID {
			continue
		}
		if f.CampaignID != nil && (p.CampaignID == nil || *p.CampaignID != *f.CampaignID) {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Platform != "" && !hasPlatform(p.Platforms, f.Platform) {
			continue
		}
		if f.ScheduledFrom != nil && (p.ScheduledAt == nil || p.ScheduledAt.Before(*f.ScheduledFrom)) {
			continue
		}
		if f.ScheduledTo != nil && (p.ScheduledAt == nil || !p.ScheduledAt.Before(*f.ScheduledTo)) {
			continue
		}
		out = append(out, copyPost(p))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ScheduledAt, out[j].ScheduledAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, f.Pagination), nil
}

func hasPlatform(ps []Platform, p Platform) bool {
	for _, x := range ps {
		if x == p {
			return true
		}
	}
	return false
}

func (s *MockPostStore) Count(_ context.Context, tenantID uuid.UUID, status PostStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.posts {
		if p.TenantID == tenantID && p.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MockPostStore) Transition(_ context.Context, id uuid.UUID, from, to PostStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrConflict
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MockPostStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Post
	for _, p := range s.posts {
		if p.Status == PostScheduled && p.ScheduledAt != nil && !p.ScheduledAt.After(now) {
			out = append(out, copyPost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// MockAuditStore
// ---------------------------------------------------------------------------

// MockAuditStore is an in-memory implementation of AuditStore for testing.
type MockAuditStore struct {
	mu      sync.Mutex
	entries []*AuditEntry
	nextID  int64
}

// NewMockAuditStore creates a new MockAuditStore.
func NewMockAuditStore() *MockAuditStore {
	return &MockAuditStore{}
}

func (s *MockAuditStore) Record(_ context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	e.CreatedAt = time.Now()
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MockAuditStore) Query(_ context.Context, f AuditFilter) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.TenantID != nil && (e.TenantID == nil || *e.TenantID != *f.TenantID) {
			continue
		}
		if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.CreatedAt.After(*f.Until) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return paginate(out, f.Pagination), nil
}

func paginate[T any](items []T, p Pagination) []T {
	if p.Offset >= len(items) {
		return nil
	}
	items = items[p.Offset:]
	if lim := p.limit(); len(items) > lim {
		items = items[:lim]
	}
	return items
}
