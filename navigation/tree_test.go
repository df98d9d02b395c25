package navigation

import (
	"testing"

	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dash   uuid.UUID
	groups []*store.MenuGroup
	items  []*store.MenuItem
}

func (f *fixture) group(title string, pos int) *store.MenuGroup {
	g := &store.MenuGroup{ID: uuid.New(), DashboardID: f.dash, Title: title, Position: pos, Collapsible: true}
	f.groups = append(f.groups, g)
	return g
}

func (f *fixture) item(g *store.MenuGroup, parent *store.MenuItem, title string, pos int) *store.MenuItem {
	it := &store.MenuItem{ID: uuid.New(), DashboardID: f.dash, GroupID: g.ID, Title: title, Path: "/" + title, Position: pos}
	if parent != nil {
		id := parent.ID
		it.ParentID = &id
	}
	f.items = append(f.items, it)
	return it
}

func newFixture() *fixture { return &fixture{dash: uuid.New()} }

func titles(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Title
	}
	return out
}

func TestBuildTreeOrdering(t *testing.T) {
	f := newFixture()
	second := f.group("second", 1)
	first := f.group("first", 0)
	f.item(first, nil, "b", 1)
	a := f.item(first, nil, "a", 0)
	f.item(first, a, "a2", 1)
	f.item(first, a, "a1", 0)
	// Equal positions fall back to title.
	f.item(second, nil, "z", 0)
	f.item(second, nil, "y", 0)

	tree := BuildTree(f.dash, f.groups, f.items)
	require.Len(t, tree.Groups, 2)
	assert.Equal(t, "first", tree.Groups[0].Title)
	assert.Equal(t, []string{"a", "b"}, titles(tree.Groups[0].Items))
	assert.Equal(t, []string{"a1", "a2"}, titles(tree.Groups[0].Items[0].Children))
	assert.Equal(t, []string{"y", "z"}, titles(tree.Groups[1].Items))
	assert.Empty(t, tree.Orphans)
}

func TestBuildTreeOrphans(t *testing.T) {
	f := newFixture()
	g := f.group("g", 0)
	other := f.group("other", 1)
	top := f.item(g, nil, "top", 0)
	sub := f.item(g, top, "sub", 0)
	tooDeep := f.item(g, sub, "deep", 0)
	crossGroup := f.item(other, top, "cross", 0)

	missingGroup := &store.MenuItem{ID: uuid.New(), DashboardID: f.dash, GroupID: uuid.New(), Title: "lost"}
	f.items = append(f.items, missingGroup)

	tree := BuildTree(f.dash, f.groups, f.items)
	assert.ElementsMatch(t, []uuid.UUID{tooDeep.ID, crossGroup.ID, missingGroup.ID}, tree.Orphans)
	assert.Equal(t, []string{"sub"}, titles(tree.Groups[0].Items[0].Children))
}

func TestBuildTreeIgnoresOtherDashboards(t *testing.T) {
	f := newFixture()
	f.group("mine", 0)
	foreign := &store.MenuGroup{ID: uuid.New(), DashboardID: uuid.New(), Title: "theirs"}
	tree := BuildTree(f.dash, append(f.groups, foreign), nil)
	require.Len(t, tree.Groups, 1)
	assert.Equal(t, "mine", tree.Groups[0].Title)
}

func TestWithCollapsed(t *testing.T) {
	f := newFixture()
	g := f.group("g", 0)
	fixed := f.group("fixed", 1)
	fixed.Collapsible = false
	parent := f.item(g, nil, "parent", 0)
	f.item(g, parent, "child", 0)
	leaf := f.item(g, nil, "leaf", 1)

	tree := BuildTree(f.dash, f.groups, f.items)
	got := tree.WithCollapsed([]uuid.UUID{g.ID, fixed.ID, parent.ID, leaf.ID})

	assert.True(t, got.Groups[0].Collapsed)
	assert.False(t, got.Groups[1].Collapsed, "non-collapsible group")
	assert.True(t, got.Groups[0].Items[0].Collapsed)
	assert.False(t, got.Groups[0].Items[1].Collapsed, "leaf items cannot collapse")

	// The source tree is untouched.
	assert.False(t, tree.Groups[0].Collapsed)
	assert.False(t, tree.Groups[0].Items[0].Collapsed)
}

func TestContainsAndFlatten(t *testing.T) {
	f := newFixture()
	g := f.group("g", 0)
	parent := f.item(g, nil, "parent", 0)
	child := f.item(g, parent, "child", 0)
	hidden := f.item(g, nil, "hidden", 1)
	hidden.Hidden = true
	f.item(g, hidden, "under-hidden", 0)

	tree := BuildTree(f.dash, f.groups, f.items)
	assert.True(t, tree.Contains(g.ID))
	assert.True(t, tree.Contains(child.ID))
	assert.False(t, tree.Contains(uuid.New()))
	assert.Equal(t, []string{"/parent", "/child"}, tree.Flatten())
}

func TestPlanGroupMove(t *testing.T) {
	f := newFixture()
	a := f.group("a", 0)
	b := f.group("b", 1)
	c := f.group("c", 2)

	placements, err := PlanGroupMove(f.groups, c.ID, 0)
	require.NoError(t, err)
	want := map[uuid.UUID]int{c.ID: 0, a.ID: 1, b.ID: 2}
	require.Len(t, placements, 3)
	for _, p := range placements {
		assert.Equal(t, want[p.ID], p.Position)
	}

	placements, err = PlanGroupMove(f.groups, a.ID, 99)
	require.NoError(t, err)
	got := map[uuid.UUID]int{}
	for _, p := range placements {
		got[p.ID] = p.Position
	}
	assert.Equal(t, map[uuid.UUID]int{b.ID: 0, c.ID: 1, a.ID: 2}, got)

	placements, err = PlanGroupMove(f.groups, b.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, placements)

	_, err = PlanGroupMove(f.groups, uuid.New(), 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func apply(items []*store.MenuItem, placements []store.MenuPlacement) {
	byID := map[uuid.UUID]*store.MenuItem{}
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, p := range placements {
		it := byID[p.ID]
		it.GroupID = p.GroupID
		it.ParentID = p.ParentID
		it.Position = p.Position
	}
}

func TestPlanItemMoveAcrossGroups(t *testing.T) {
	f := newFixture()
	g1 := f.group("g1", 0)
	g2 := f.group("g2", 1)
	a := f.item(g1, nil, "a", 0)
	b := f.item(g1, nil, "b", 1)
	c := f.item(g1, nil, "c", 2)
	childOfB := f.item(g1, b, "b1", 0)
	x := f.item(g2, nil, "x", 0)

	placements, err := PlanItemMove(f.groups, f.items, ItemMove{ItemID: b.ID, GroupID: g2.ID, Index: 0})
	require.NoError(t, err)
	apply(f.items, placements)

	assert.Equal(t, 0, a.Position)
	assert.Equal(t, 1, c.Position, "source list is compacted")
	assert.Equal(t, g2.ID, b.GroupID)
	assert.Equal(t, 0, b.Position)
	assert.Equal(t, 1, x.Position)
	assert.Equal(t, g2.ID, childOfB.GroupID, "children follow their parent")

	tree := BuildTree(f.dash, f.groups, f.items)
	assert.Empty(t, tree.Orphans)
	assert.Equal(t, []string{"b", "x"}, titles(tree.Groups[1].Items))
}

func TestPlanItemMoveNesting(t *testing.T) {
	f := newFixture()
	g := f.group("g", 0)
	a := f.item(g, nil, "a", 0)
	b := f.item(g, nil, "b", 1)
	c := f.item(g, nil, "c", 2)
	sub := f.item(g, a, "sub", 0)

	placements, err := PlanItemMove(f.groups, f.items, ItemMove{ItemID: c.ID, GroupID: g.ID, ParentID: &a.ID, Index: 0})
	require.NoError(t, err)
	apply(f.items, placements)
	require.NotNil(t, c.ParentID)
	assert.Equal(t, a.ID, *c.ParentID)
	assert.Equal(t, 0, c.Position)
	assert.Equal(t, 1, sub.Position)
	assert.Equal(t, 1, b.Position)

	tests := []struct {
		name string
		mv   ItemMove
	}{
		{"under sub-item", ItemMove{ItemID: b.ID, GroupID: g.ID, ParentID: &sub.ID}},
		{"parent with children", ItemMove{ItemID: a.ID, GroupID: g.ID, ParentID: &b.ID}},
		{"under itself", ItemMove{ItemID: b.ID, GroupID: g.ID, ParentID: &b.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PlanItemMove(f.groups, f.items, tt.mv)
			assert.ErrorIs(t, err, ErrInvalidMove)
		})
	}
}

func TestPlanItemMoveWithinList(t *testing.T) {
	f := newFixture()
	g := f.group("g", 0)
	a := f.item(g, nil, "a", 0)
	b := f.item(g, nil, "b", 1)
	c := f.item(g, nil, "c", 2)

	placements, err := PlanItemMove(f.groups, f.items, ItemMove{ItemID: a.ID, GroupID: g.ID, Index: 2})
	require.NoError(t, err)
	apply(f.items, placements)
	assert.Equal(t, []int{0, 1, 2}, []int{b.Position, c.Position, a.Position})

	_, err = PlanItemMove(f.groups, f.items, ItemMove{ItemID: a.ID, GroupID: uuid.New()})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompact(t *testing.T) {
	f := newFixture()
	g := f.group("g", 3)
	a := f.item(g, nil, "a", 2)
	b := f.item(g, nil, "b", 7)
	sub := f.item(g, a, "s", 4)

	apply(f.items, Compact(f.items))
	assert.Equal(t, 0, a.Position)
	assert.Equal(t, 1, b.Position)
	assert.Equal(t, 0, sub.Position)

	gp := CompactGroups(f.groups)
	require.Len(t, gp, 1)
	assert.Equal(t, 0, gp[0].Position)
}
