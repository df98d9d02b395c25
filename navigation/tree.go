// Package navigation owns the dashboard sidebar model: groups of items with
// at most one level of sub-items, ordering, collapse state and caching.
package navigation

import (
	"sort"
	"time"

	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
)

// Node is a menu item in a built tree.
type Node struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Path      string    `json:"path,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	Badge     string    `json:"badge,omitempty"`
	Position  int       `json:"position"`
	Hidden    bool      `json:"hidden,omitempty"`
	Collapsed bool      `json:"collapsed,omitempty"`
	Children  []*Node   `json:"children,omitempty"`
}

// Group is a titled section of the tree.
type Group struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Position    int       `json:"position"`
	Collapsible bool      `json:"collapsible"`
	Collapsed   bool      `json:"collapsed,omitempty"`
	Items       []*Node   `json:"items"`
}

// Tree is the full menu of one dashboard.
type Tree struct {
	DashboardID uuid.UUID   `json:"dashboard_id"`
	Groups      []*Group    `json:"groups"`
	Orphans     []uuid.UUID `json:"orphans,omitempty"`
	// Stale is set when the tree was served from the fallback copy because
	// the store could not be read.
	Stale    bool      `json:"stale,omitempty"`
	LoadedAt time.Time `json:"loaded_at"`
}

// BuildTree assembles a tree from flat records. Siblings are ordered by
// position, then title, then id. Items that reference an unknown group or
// parent, a parent in another group, or a parent that is itself a sub-item
// are excluded and listed in Orphans.
func BuildTree(dashboardID uuid.UUID, groups []*store.MenuGroup, items []*store.MenuItem) *Tree {
	t := &Tree{DashboardID: dashboardID, Groups: []*Group{}, LoadedAt: time.Now().UTC()}

	sortedGroups := append([]*store.MenuGroup(nil), groups...)
	sort.SliceStable(sortedGroups, func(i, j int) bool {
		a, b := sortedGroups[i], sortedGroups[j]
		return lessSibling(a.Position, b.Position, a.Title, b.Title, a.ID, b.ID)
	})

	byGroup := make(map[uuid.UUID]*Group, len(groups))
	for _, g := range sortedGroups {
		if g.DashboardID != dashboardID {
			continue
		}
		ng := &Group{ID: g.ID, Title: g.Title, Position: g.Position, Collapsible: g.Collapsible, Items: []*Node{}}
		byGroup[g.ID] = ng
		t.Groups = append(t.Groups, ng)
	}

	sortedItems := append([]*store.MenuItem(nil), items...)
	sort.SliceStable(sortedItems, func(i, j int) bool {
		a, b := sortedItems[i], sortedItems[j]
		return lessSibling(a.Position, b.Position, a.Title, b.Title, a.ID, b.ID)
	})

	records := make(map[uuid.UUID]*store.MenuItem, len(items))
	for _, it := range sortedItems {
		records[it.ID] = it
	}

	nodes := make(map[uuid.UUID]*Node, len(items))
	for _, it := range sortedItems {
		g, ok := byGroup[it.GroupID]
		if !ok || it.DashboardID != dashboardID || it.ParentID != nil {
			continue
		}
		n := newNode(it)
		nodes[it.ID] = n
		g.Items = append(g.Items, n)
	}

	for _, it := range sortedItems {
		if _, ok := nodes[it.ID]; ok {
			continue
		}
		if it.ParentID == nil {
			// Top-level item whose group is missing.
			t.Orphans = append(t.Orphans, it.ID)
			continue
		}
		parent, ok := nodes[*it.ParentID]
		if !ok || records[*it.ParentID].GroupID != it.GroupID {
			t.Orphans = append(t.Orphans, it.ID)
			continue
		}
		parent.Children = append(parent.Children, newNode(it))
	}
	return t
}

func newNode(it *store.MenuItem) *Node {
	return &Node{
		ID:       it.ID,
		Title:    it.Title,
		Path:     it.Path,
		Icon:     it.Icon,
		Badge:    it.Badge,
		Position: it.Position,
		Hidden:   it.Hidden,
	}
}

func lessSibling(pa, pb int, ta, tb string, ia, ib uuid.UUID) bool {
	if pa != pb {
		return pa < pb
	}
	if ta != tb {
		return ta < tb
	}
	return ia.String() < ib.String()
}

// WithCollapsed returns a deep copy of t with the collapse flags set for the
// given ids. Only collapsible groups and items with children can collapse.
func (t *Tree) WithCollapsed(collapsed []uuid.UUID) *Tree {
	set := make(map[uuid.UUID]bool, len(collapsed))
	for _, id := range collapsed {
		set[id] = true
	}
	out := &Tree{
		DashboardID: t.DashboardID,
		Groups:      make([]*Group, len(t.Groups)),
		Orphans:     append([]uuid.UUID(nil), t.Orphans...),
		Stale:       t.Stale,
		LoadedAt:    t.LoadedAt,
	}
	for i, g := range t.Groups {
		ng := *g
		ng.Collapsed = g.Collapsible && set[g.ID]
		ng.Items = copyNodes(g.Items, set)
		out.Groups[i] = &ng
	}
	return out
}

func copyNodes(nodes []*Node, set map[uuid.UUID]bool) []*Node {
	if nodes == nil {
		return nil
	}
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		nn := *n
		nn.Children = copyNodes(n.Children, set)
		nn.Collapsed = len(n.Children) > 0 && set[n.ID]
		out[i] = &nn
	}
	return out
}

// Contains reports whether id names a group or item in the tree.
func (t *Tree) Contains(id uuid.UUID) bool {
	for _, g := range t.Groups {
		if g.ID == id {
			return true
		}
		for _, n := range g.Items {
			if n.ID == id {
				return true
			}
			for _, c := range n.Children {
				if c.ID == id {
					return true
				}
			}
		}
	}
	return false
}

// Flatten returns the visible paths in display order, skipping hidden items
// and the children of hidden parents.
func (t *Tree) Flatten() []string {
	var out []string
	for _, g := range t.Groups {
		for _, n := range g.Items {
			if n.Hidden {
				continue
			}
			if n.Path != "" {
				out = append(out, n.Path)
			}
			for _, c := range n.Children {
				if !c.Hidden && c.Path != "" {
					out = append(out, c.Path)
				}
			}
		}
	}
	return out
}
