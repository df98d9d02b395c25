package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func ctx() context.Context { return context.Background() }

func makeUser(email string) *User {
	return &User{Email: email, DisplayName: "Test", Active: true}
}

func makeTenant(slug string, ownerID uuid.UUID) *Tenant {
	return &Tenant{Name: slug, Slug: slug, OwnerID: ownerID}
}

// ---------------------------------------------------------------------------
// Role
// ---------------------------------------------------------------------------

func TestRoleAtLeast(t *testing.T) {
	tests := []struct {
		role, min Role
		want      bool
	}{
		{RoleOwner, RoleAdmin, true},
		{RoleAdmin, RoleAdmin, true},
		{RoleEditor, RoleAdmin, false},
		{RoleViewer, RoleViewer, true},
		{RoleViewer, RoleEditor, false},
		{Role("superuser"), RoleViewer, false},
		{Role(""), RoleViewer, false},
	}
	for _, tt := range tests {
		if got := tt.role.AtLeast(tt.min); got != tt.want {
			t.Errorf("%q.AtLeast(%q) = %v, want %v", tt.role, tt.min, got, tt.want)
		}
	}
}

func TestTenantNamespace(t *testing.T) {
	id := uuid.MustParse("0191a2b3-c4d5-7e6f-8091-a2b3c4d5e6f7")
	tn := &Tenant{ID: id, Slug: "acme"}
	if got, want := tn.Namespace(), "t_0191a2b3c4d57e6f8091a2b3c4d5e6f7"; got != want {
		t.Errorf("Namespace() = %q, want %q", got, want)
	}
	tn.Slug = "acme-renamed"
	if tn.Namespace() != "t_0191a2b3c4d57e6f8091a2b3c4d5e6f7" {
		t.Error("expected the namespace to ignore the slug")
	}
}

func TestTenantNamespace_DistinctForSharedSlugPrefix(t *testing.T) {
	a := &Tenant{ID: uuid.New(), Slug: "northwind-traders-international-holdings-emea"}
	b := &Tenant{ID: uuid.New(), Slug: "northwind-traders-international-holdings-apac"}
	if a.Namespace() == b.Namespace() {
		t.Fatalf("tenants share namespace %q", a.Namespace())
	}
	for _, tn := range []*Tenant{a, b} {
		if ns := tn.Namespace(); len(ns) > 63 || strings.Contains(ns, "__") {
			t.Errorf("namespace %q is not a valid identifier prefix", ns)
		}
	}
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func TestMockUserStore_DuplicateEmail(t *testing.T) {
	s := NewMockUserStore()
	if err := s.Create(ctx(), makeUser("a@example.com")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx(), makeUser("a@example.com"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMockUserStore_ReturnsCopies(t *testing.T) {
	s := NewMockUserStore()
	u := makeUser("copy@example.com")
	if err := s.Create(ctx(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, _ := s.Get(ctx(), u.ID)
	got.DisplayName = "mutated"
	again, _ := s.Get(ctx(), u.ID)
	if again.DisplayName != "Test" {
		t.Fatalf("store was mutated through returned pointer: %q", again.DisplayName)
	}
}

// ---------------------------------------------------------------------------
// Tenants and memberships
// ---------------------------------------------------------------------------

func TestMockTenantStore_ListForUser(t *testing.T) {
	members := NewMockMembershipStore()
	tenants := NewMockTenantStore(members)
	owner := uuid.New()
	guest := uuid.New()

	a := makeTenant("alpha", owner)
	b := makeTenant("beta", owner)
	for _, tn := range []*Tenant{a, b} {
		if err := tenants.Create(ctx(), tn); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := members.Create(ctx(), &Membership{UserID: guest, TenantID: b.ID, Role: RoleViewer}); err != nil {
		t.Fatalf("Create membership: %v", err)
	}

	list, err := tenants.ListForUser(ctx(), guest)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(list) != 1 || list[0].ID != b.ID {
		t.Fatalf("expected only beta, got %+v", list)
	}

	if err := tenants.Create(ctx(), makeTenant("alpha", owner)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate slug error, got %v", err)
	}
}

func TestMockMembershipStore_GetRole(t *testing.T) {
	s := NewMockMembershipStore()
	user, tenant := uuid.New(), uuid.New()
	if _, err := s.GetRole(ctx(), user, tenant); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Create(ctx(), &Membership{UserID: user, TenantID: tenant, Role: RoleEditor}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	role, err := s.GetRole(ctx(), user, tenant)
	if err != nil || role != RoleEditor {
		t.Fatalf("GetRole = %q, %v", role, err)
	}
	if err := s.Create(ctx(), &Membership{UserID: user, TenantID: tenant, Role: RoleAdmin}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Dashboards and menus
// ---------------------------------------------------------------------------

func TestMockDashboardStore_SingleDefault(t *testing.T) {
	s := NewMockDashboardStore(nil)
	tenant := uuid.New()
	first := &Dashboard{TenantID: tenant, Name: "One", Slug: "one", IsDefault: true}
	second := &Dashboard{TenantID: tenant, Name: "Two", Slug: "two", IsDefault: true}
	if err := s.Create(ctx(), first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx(), second); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, _ := s.Get(ctx(), first.ID)
	if got.IsDefault {
		t.Fatal("first dashboard should no longer be default")
	}
	n, _ := s.Count(ctx(), tenant)
	if n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
}

func TestMockDashboardStore_DeleteCascadesToMenu(t *testing.T) {
	menus := NewMockMenuStore()
	dashboards := NewMockDashboardStore(menus)
	d := &Dashboard{TenantID: uuid.New(), Name: "Main", Slug: "main"}
	if err := dashboards.Create(ctx(), d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	g := &MenuGroup{DashboardID: d.ID, Title: "General"}
	if err := menus.CreateGroup(ctx(), g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := menus.CreateItem(ctx(), &MenuItem{DashboardID: d.ID, GroupID: g.ID, Title: "Home"}); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	if err := dashboards.Delete(ctx(), d.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	groups, _ := menus.ListGroups(ctx(), d.ID)
	items, _ := menus.ListItems(ctx(), d.ID)
	if len(groups) != 0 || len(items) != 0 {
		t.Fatalf("menu not cascaded: %d groups, %d items", len(groups), len(items))
	}
}

func TestMockMenuStore_DeleteItemCascadesToChildren(t *testing.T) {
	s := NewMockMenuStore()
	dash := uuid.New()
	g := &MenuGroup{DashboardID: dash, Title: "G"}
	_ = s.CreateGroup(ctx(), g)
	parent := &MenuItem{DashboardID: dash, GroupID: g.ID, Title: "Parent"}
	_ = s.CreateItem(ctx(), parent)
	child := &MenuItem{DashboardID: dash, GroupID: g.ID, ParentID: &parent.ID, Title: "Child"}
	if err := s.CreateItem(ctx(), child); err != nil {
		t.Fatalf("CreateItem child: %v", err)
	}
	if err := s.DeleteItem(ctx(), parent.ID); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if _, err := s.GetItem(ctx(), child.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("child should be deleted, got %v", err)
	}
}

func TestMockMenuStore_RepositionRejectsForeignDashboard(t *testing.T) {
	s := NewMockMenuStore()
	g := &MenuGroup{DashboardID: uuid.New(), Title: "G"}
	_ = s.CreateGroup(ctx(), g)
	err := s.RepositionGroups(ctx(), uuid.New(), []MenuPlacement{{ID: g.ID, Position: 3}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, _ := s.GetGroup(ctx(), g.ID)
	if got.Position != 0 {
		t.Fatalf("position changed to %d", got.Position)
	}
}

// ---------------------------------------------------------------------------
// Posts
// ---------------------------------------------------------------------------

func TestMockPostStore_TransitionCompareAndSet(t *testing.T) {
	s := NewMockPostStore()
	p := &Post{TenantID: uuid.New(), Status: PostScheduled}
	if err := s.Create(ctx(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Transition(ctx(), p.ID, PostScheduled, PostPublishing); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := s.Transition(ctx(), p.ID, PostScheduled, PostPublishing); !errors.Is(err, ErrConflict) {
		t.Fatalf("second claim should conflict, got %v", err)
	}
	if err := s.Transition(ctx(), uuid.New(), PostDraft, PostInReview); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMockPostStore_UpdateKeepsStatus(t *testing.T) {
	s := NewMockPostStore()
	p := &Post{TenantID: uuid.New(), Title: "a", Status: PostApproved}
	if err := s.Create(ctx(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stale := *p
	if err := s.Transition(ctx(), p.ID, PostApproved, PostScheduled); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	stale.Title = "b"
	if err := s.Update(ctx(), &stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update should conflict, got %v", err)
	}
	stale.Status = PostPublished
	if err := s.Update(ctx(), &stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("update must not move status, got %v", err)
	}
	got, _ := s.Get(ctx(), p.ID)
	if got.Status != PostScheduled || got.Title != "a" {
		t.Fatalf("post changed: status=%s title=%q", got.Status, got.Title)
	}

	got.Title = "c"
	got.Status = PostPublishing
	if err := s.Advance(ctx(), got, PostScheduled); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := s.Advance(ctx(), got, PostScheduled); !errors.Is(err, ErrConflict) {
		t.Fatalf("second advance should conflict, got %v", err)
	}
	got, _ = s.Get(ctx(), p.ID)
	if got.Status != PostPublishing || got.Title != "c" {
		t.Fatalf("advance not applied: status=%s title=%q", got.Status, got.Title)
	}
}

func TestMockPostStore_ListDue(t *testing.T) {
	s := NewMockPostStore()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	tenant := uuid.New()
	due := &Post{TenantID: tenant, Status: PostScheduled, ScheduledAt: &past}
	later := &Post{TenantID: tenant, Status: PostScheduled, ScheduledAt: &future}
	draft := &Post{TenantID: tenant, Status: PostDraft, ScheduledAt: &past}
	for _, p := range []*Post{due, later, draft} {
		_ = s.Create(ctx(), p)
	}
	got, err := s.ListDue(ctx(), now, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("ListDue = %+v", got)
	}
}

func TestMockAuditStore_QueryNewestFirst(t *testing.T) {
	s := NewMockAuditStore()
	tenant := uuid.New()
	for _, action := range []string{"create", "update", "delete"} {
		_ = s.Record(ctx(), &AuditEntry{TenantID: &tenant, Action: action, ResourceType: "dashboard"})
	}
	_ = s.Record(ctx(), &AuditEntry{Action: "login", ResourceType: "user"})

	got, err := s.Query(ctx(), AuditFilter{TenantID: &tenant, Pagination: Pagination{Limit: 2}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 || got[0].Action != "delete" || got[1].Action != "update" {
		t.Fatalf("unexpected entries: %+v", got)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	migs, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	if len(migs) == 0 || migs[0].Version != "0001_init" {
		t.Fatalf("unexpected migrations %+v", migs)
	}
	if !strings.Contains(migs[0].SQL, "CREATE TABLE") {
		t.Error("expected the init migration to create tables")
	}
}
