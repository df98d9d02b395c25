package navigation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/GoCodeAlone/dashboard/events"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc   *Service
	menus *store.MockMenuStore
	prefs *store.MockPreferenceStore
	cache *cache.Memory
	bus   *events.Bus
	dash  uuid.UUID

	mu      sync.Mutex
	results []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		menus: store.NewMockMenuStore(),
		prefs: store.NewMockPreferenceStore(),
		cache: cache.NewMemory(cache.DefaultConfig()),
		bus:   events.NewBus(),
		dash:  uuid.New(),
	}
	h.svc = NewService(h.menus, h.prefs, h.cache, h.bus, Options{
		TTL: time.Minute,
		OnCache: func(r string) {
			h.mu.Lock()
			h.results = append(h.results, r)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) cacheResults() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.results...)
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func TestServiceCreateAndRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	g, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("  Main  ")})
	require.NoError(t, err)
	assert.Equal(t, "Main", g.Title)
	assert.True(t, g.Collapsible)

	parent, err := h.svc.CreateItem(ctx, h.dash, ItemInput{GroupID: &g.ID, Title: strp("Reports"), Path: strp("/reports")})
	require.NoError(t, err)
	_, err = h.svc.CreateItem(ctx, h.dash, ItemInput{GroupID: &g.ID, ParentID: &parent.ID, Title: strp("Daily"), Path: strp("/reports/daily")})
	require.NoError(t, err)
	second, err := h.svc.CreateItem(ctx, h.dash, ItemInput{GroupID: &g.ID, Title: strp("Docs"), Path: strp("https://example.com/docs")})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Position)

	tree, err := h.svc.Menu(ctx, h.dash, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, tree.Groups, 1)
	assert.Equal(t, []string{"Reports", "Docs"}, titles(tree.Groups[0].Items))
	assert.Equal(t, []string{"Daily"}, titles(tree.Groups[0].Items[0].Children))
}

func TestServiceValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("   ")})
	assert.ErrorIs(t, err, ErrInvalid)

	g, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("g")})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   ItemInput
		want error
	}{
		{"missing group", ItemInput{Title: strp("x")}, ErrInvalid},
		{"bad path", ItemInput{GroupID: &g.ID, Title: strp("x"), Path: strp("javascript:alert(1)")}, ErrInvalid},
		{"protocol relative", ItemInput{GroupID: &g.ID, Title: strp("x"), Path: strp("//evil.example")}, ErrInvalid},
		{"long badge", ItemInput{GroupID: &g.ID, Title: strp("x"), Badge: strp("12345678901234567")}, ErrInvalid},
		{"unknown group", ItemInput{GroupID: ptrUUID(uuid.New()), Title: strp("x")}, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateItem(ctx, h.dash, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func ptrUUID(id uuid.UUID) *uuid.UUID { return &id }

func TestServiceRejectsForeignDashboard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("g")})
	require.NoError(t, err)

	other := uuid.New()
	_, err = h.svc.UpdateGroup(ctx, other, g.ID, GroupInput{Title: strp("stolen")})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.svc.CreateItem(ctx, other, ItemInput{GroupID: &g.ID, Title: strp("x")})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestServiceCacheAside(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("g")})
	require.NoError(t, err)

	base := h.menus.Calls.Load()
	_, err = h.svc.Menu(ctx, h.dash, uuid.Nil)
	require.NoError(t, err)
	_, err = h.svc.Menu(ctx, h.dash, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, base+1, h.menus.Calls.Load(), "second read served from cache")
	assert.Equal(t, []string{"miss", "hit"}, h.cacheResults())

	_, err = h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("h")})
	require.NoError(t, err)
	tree, err := h.svc.Menu(ctx, h.dash, uuid.Nil)
	require.NoError(t, err)
	assert.Len(t, tree.Groups, 2, "mutation invalidates the cached tree")
}

func TestServiceStaleFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("g")})
	require.NoError(t, err)
	_, err = h.svc.Menu(ctx, h.dash, uuid.Nil)
	require.NoError(t, err)

	require.NoError(t, h.cache.Delete(ctx, freshKey(h.dash)))
	h.menus.SetErr(errors.New("db down"))

	tree, err := h.svc.Menu(ctx, h.dash, uuid.Nil)
	require.NoError(t, err)
	assert.True(t, tree.Stale)
	assert.Len(t, tree.Groups, 1)

	_, err = h.svc.Menu(ctx, uuid.New(), uuid.Nil)
	assert.Error(t, err, "no fallback for a dashboard never loaded")
	assert.Error(t, h.svc.Ping(ctx))

	h.menus.SetErr(nil)
	tree, err = h.svc.Menu(ctx, h.dash, uuid.Nil)
	require.NoError(t, err)
	assert.False(t, tree.Stale)
	assert.NoError(t, h.svc.Ping(ctx))
}

func TestServiceSingleflight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("g")})
	require.NoError(t, err)

	base := h.menus.Calls.Load()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Menu(ctx, h.dash, uuid.Nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, h.menus.Calls.Load()-base, int64(20))
	assert.GreaterOrEqual(t, h.menus.Calls.Load()-base, int64(1))
}

func TestServicePublishesChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ch, cancel := h.bus.Subscribe(TopicChanged+".>", 8)
	defer cancel()

	_, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("g")})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, TopicChanged+"."+h.dash.String(), ev.Topic)
		var ce ChangeEvent
		require.NoError(t, json.Unmarshal(ev.Data, &ce))
		assert.Equal(t, h.dash, ce.DashboardID)
		assert.Equal(t, "group.created", ce.Action)
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}
}

func TestServiceMoveAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("a")})
	require.NoError(t, err)
	b, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("b")})
	require.NoError(t, err)
	c, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("c"), Position: intp(0)})
	require.NoError(t, err)
	assert.Equal(t, 0, c.Position)

	tree, err := h.svc.Menu(ctx, h.dash, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, groupTitles(tree))

	require.NoError(t, h.svc.MoveGroup(ctx, h.dash, c.ID, 5))
	tree, err = h.svc.Menu(ctx, h.dash, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, groupTitles(tree))

	require.NoError(t, h.svc.DeleteGroup(ctx, h.dash, a.ID))
	groups, err := h.menus.ListGroups(ctx, h.dash)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, b.ID, groups[0].ID)
	assert.Equal(t, 0, groups[0].Position)
	assert.Equal(t, 1, groups[1].Position)

	x, err := h.svc.CreateItem(ctx, h.dash, ItemInput{GroupID: &b.ID, Title: strp("x")})
	require.NoError(t, err)
	y, err := h.svc.CreateItem(ctx, h.dash, ItemInput{GroupID: &b.ID, Title: strp("y")})
	require.NoError(t, err)
	require.NoError(t, h.svc.MoveItem(ctx, h.dash, ItemMove{ItemID: y.ID, GroupID: c.ID}))
	require.NoError(t, h.svc.DeleteItem(ctx, h.dash, x.ID))

	tree, err = h.svc.Menu(ctx, h.dash, uuid.Nil)
	require.NoError(t, err)
	assert.Empty(t, tree.Groups[0].Items)
	assert.Equal(t, []string{"y"}, titles(tree.Groups[1].Items))
}

func groupTitles(t *Tree) []string {
	out := make([]string, len(t.Groups))
	for i, g := range t.Groups {
		out[i] = g.Title
	}
	return out
}

func TestServiceCollapsed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := uuid.New()
	g, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("g")})
	require.NoError(t, err)

	require.NoError(t, h.svc.SetCollapsed(ctx, h.dash, user, g.ID, true))
	tree, err := h.svc.Menu(ctx, h.dash, user)
	require.NoError(t, err)
	assert.True(t, tree.Groups[0].Collapsed)

	other, err := h.svc.Menu(ctx, h.dash, uuid.New())
	require.NoError(t, err)
	assert.False(t, other.Groups[0].Collapsed, "collapse state is per user")

	require.NoError(t, h.svc.SetCollapsed(ctx, h.dash, user, g.ID, false))
	tree, err = h.svc.Menu(ctx, h.dash, user)
	require.NoError(t, err)
	assert.False(t, tree.Groups[0].Collapsed)

	err = h.svc.SetCollapsed(ctx, h.dash, user, uuid.New(), true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// stuckMenus fails every reposition.
type stuckMenus struct {
	*store.MockMenuStore
}

func (stuckMenus) RepositionGroups(context.Context, uuid.UUID, []store.MenuPlacement) error {
	return errors.New("deadlock detected")
}

func (stuckMenus) RepositionItems(context.Context, uuid.UUID, []store.MenuPlacement) error {
	return errors.New("deadlock detected")
}

func TestServiceRepositionFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("a")})
	require.NoError(t, err)
	b, err := h.svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("b")})
	require.NoError(t, err)
	x, err := h.svc.CreateItem(ctx, h.dash, ItemInput{GroupID: &b.ID, Title: strp("x")})
	require.NoError(t, err)
	_, err = h.svc.CreateItem(ctx, h.dash, ItemInput{GroupID: &b.ID, Title: strp("y")})
	require.NoError(t, err)

	svc := NewService(stuckMenus{h.menus}, h.prefs, h.cache, nil, Options{TTL: time.Minute})

	t.Run("insert at position is undone", func(t *testing.T) {
		_, err := svc.CreateGroup(ctx, h.dash, GroupInput{Title: strp("c"), Position: intp(0)})
		require.Error(t, err)
		groups, err := h.menus.ListGroups(ctx, h.dash)
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, a.ID, groups[0].ID)
		assert.Equal(t, b.ID, groups[1].ID)
	})

	t.Run("item compaction error is returned", func(t *testing.T) {
		assert.Error(t, svc.DeleteItem(ctx, h.dash, x.ID))
	})

	t.Run("group compaction error is returned", func(t *testing.T) {
		assert.Error(t, svc.DeleteGroup(ctx, h.dash, a.ID))
		tree, err := svc.Menu(ctx, h.dash, uuid.Nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, groupTitles(tree), "deleted group is not served from cache")
	})
}

// gatedMenus holds ListGroups until release is closed.
type gatedMenus struct {
	*store.MockMenuStore
	entered chan struct{}
	release chan struct{}
}

func newGatedMenus(m *store.MockMenuStore) *gatedMenus {
	return &gatedMenus{MockMenuStore: m, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedMenus) ListGroups(ctx context.Context, dashboardID uuid.UUID) ([]*store.MenuGroup, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.MockMenuStore.ListGroups(ctx, dashboardID)
}

func TestServiceLoadOutlivesCaller(t *testing.T) {
	ctx := context.Background()
	menus := store.NewMockMenuStore()
	dash := uuid.New()
	require.NoError(t, menus.CreateGroup(ctx, &store.MenuGroup{DashboardID: dash, Title: "a"}))
	gated := newGatedMenus(menus)
	c := cache.NewMemory(cache.DefaultConfig())
	svc := NewService(gated, store.NewMockPreferenceStore(), c, nil, Options{TTL: time.Minute})

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := svc.Menu(cctx, dash, uuid.Nil)
		done <- err
	}()
	<-gated.entered
	cancel()
	close(gated.release)

	require.NoError(t, <-done)
	_, err := c.Get(ctx, freshKey(dash))
	assert.NoError(t, err, "tree cached although the first caller left")
}

func TestServiceInvalidateDuringLoad(t *testing.T) {
	ctx := context.Background()
	menus := store.NewMockMenuStore()
	dash := uuid.New()
	require.NoError(t, menus.CreateGroup(ctx, &store.MenuGroup{DashboardID: dash, Title: "a"}))
	gated := newGatedMenus(menus)
	c := cache.NewMemory(cache.DefaultConfig())
	svc := NewService(gated, store.NewMockPreferenceStore(), c, nil, Options{TTL: time.Minute})

	done := make(chan *Tree, 1)
	go func() {
		tree, err := svc.Menu(ctx, dash, uuid.Nil)
		assert.NoError(t, err)
		done <- tree
	}()
	<-gated.entered
	require.NoError(t, menus.CreateGroup(ctx, &store.MenuGroup{DashboardID: dash, Title: "b", Position: 1}))
	svc.Invalidate(ctx, dash, "group.created")
	close(gated.release)

	old := <-done
	require.NotNil(t, old)
	_, err := c.Get(ctx, freshKey(dash))
	assert.ErrorIs(t, err, cache.ErrMiss, "a load older than the invalidation is not cached")

	tree, err := svc.Menu(ctx, dash, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, groupTitles(tree))
}
