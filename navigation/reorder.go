package navigation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
)

// Errors returned for invalid menu operations.
var (
	ErrInvalid     = errors.New("invalid menu input")
	ErrInvalidMove = errors.New("invalid menu move")
)

// ItemMove describes where an item should go. A nil ParentID places the item
// at the top level of GroupID.
type ItemMove struct {
	ItemID   uuid.UUID
	GroupID  uuid.UUID
	ParentID *uuid.UUID
	Index    int
}

// PlanGroupMove returns the placements needed to move group id to index
// among groups. Indexes outside the list are clamped. Only groups whose
// position changes are returned.
func PlanGroupMove(groups []*store.MenuGroup, id uuid.UUID, index int) ([]store.MenuPlacement, error) {
	sorted := append([]*store.MenuGroup(nil), groups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		return lessSibling(a.Position, b.Position, a.Title, b.Title, a.ID, b.ID)
	})

	var moving *store.MenuGroup
	rest := make([]*store.MenuGroup, 0, len(sorted))
	for _, g := range sorted {
		if g.ID == id {
			moving = g
			continue
		}
		rest = append(rest, g)
	}
	if moving == nil {
		return nil, fmt.Errorf("%w: group %s", store.ErrNotFound, id)
	}

	index = clamp(index, len(rest))
	ordered := make([]*store.MenuGroup, 0, len(sorted))
	ordered = append(ordered, rest[:index]...)
	ordered = append(ordered, moving)
	ordered = append(ordered, rest[index:]...)

	var out []store.MenuPlacement
	for pos, g := range ordered {
		if g.Position != pos {
			out = append(out, store.MenuPlacement{ID: g.ID, Position: pos})
		}
	}
	return out, nil
}

// PlanItemMove returns the placements needed to apply mv. Both the source and
// destination sibling lists are renumbered densely from zero. Moving an item
// that has children under another item, nesting under a sub-item, or nesting
// an item under itself is rejected with ErrInvalidMove. When an item with
// children changes group, its children follow it.
func PlanItemMove(groups []*store.MenuGroup, items []*store.MenuItem, mv ItemMove) ([]store.MenuPlacement, error) {
	groupOK := false
	for _, g := range groups {
		if g.ID == mv.GroupID {
			groupOK = true
			break
		}
	}
	if !groupOK {
		return nil, fmt.Errorf("%w: group %s", store.ErrNotFound, mv.GroupID)
	}

	byID := make(map[uuid.UUID]*store.MenuItem, len(items))
	hasChildren := make(map[uuid.UUID]bool)
	for _, it := range items {
		byID[it.ID] = it
		if it.ParentID != nil {
			hasChildren[*it.ParentID] = true
		}
	}
	item, ok := byID[mv.ItemID]
	if !ok {
		return nil, fmt.Errorf("%w: item %s", store.ErrNotFound, mv.ItemID)
	}

	if mv.ParentID != nil {
		parent, ok := byID[*mv.ParentID]
		switch {
		case !ok:
			return nil, fmt.Errorf("%w: parent item %s", store.ErrNotFound, *mv.ParentID)
		case parent.ID == item.ID:
			return nil, fmt.Errorf("%w: item cannot be its own parent", ErrInvalidMove)
		case parent.ParentID != nil:
			return nil, fmt.Errorf("%w: sub-items cannot have children", ErrInvalidMove)
		case hasChildren[item.ID]:
			return nil, fmt.Errorf("%w: an item with sub-items cannot become a sub-item", ErrInvalidMove)
		case parent.GroupID != mv.GroupID:
			return nil, fmt.Errorf("%w: parent belongs to another group", ErrInvalidMove)
		}
	}

	type slot struct {
		group  uuid.UUID
		parent uuid.UUID
	}
	slotOf := func(groupID uuid.UUID, parentID *uuid.UUID) slot {
		s := slot{group: groupID}
		if parentID != nil {
			s.parent = *parentID
		}
		return s
	}
	src := slotOf(item.GroupID, item.ParentID)
	dst := slotOf(mv.GroupID, mv.ParentID)

	siblings := func(s slot) []*store.MenuItem {
		var out []*store.MenuItem
		for _, it := range items {
			if it.ID != item.ID && slotOf(it.GroupID, it.ParentID) == s {
				out = append(out, it)
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i], out[j]
			return lessSibling(a.Position, b.Position, a.Title, b.Title, a.ID, b.ID)
		})
		return out
	}

	type placement struct {
		groupID  uuid.UUID
		parentID *uuid.UUID
		position int
	}
	next := make(map[uuid.UUID]placement)

	if src != dst {
		for pos, it := range siblings(src) {
			next[it.ID] = placement{it.GroupID, it.ParentID, pos}
		}
	}
	target := siblings(dst)
	index := clamp(mv.Index, len(target))
	ordered := make([]*store.MenuItem, 0, len(target)+1)
	ordered = append(ordered, target[:index]...)
	ordered = append(ordered, item)
	ordered = append(ordered, target[index:]...)
	for pos, it := range ordered {
		if it.ID == item.ID {
			next[it.ID] = placement{mv.GroupID, mv.ParentID, pos}
			continue
		}
		next[it.ID] = placement{it.GroupID, it.ParentID, pos}
	}

	if item.GroupID != mv.GroupID {
		for _, it := range items {
			if it.ParentID != nil && *it.ParentID == item.ID {
				next[it.ID] = placement{mv.GroupID, it.ParentID, it.Position}
			}
		}
	}

	var out []store.MenuPlacement
	for _, it := range items {
		p, ok := next[it.ID]
		if !ok {
			continue
		}
		if p.groupID == it.GroupID && sameParent(p.parentID, it.ParentID) && p.position == it.Position {
			continue
		}
		out = append(out, store.MenuPlacement{ID: it.ID, GroupID: p.groupID, ParentID: p.parentID, Position: p.position})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// Compact renumbers every sibling list densely from zero and returns the
// placements for items whose position changed.
func Compact(items []*store.MenuItem) []store.MenuPlacement {
	type key struct {
		group, parent uuid.UUID
	}
	lists := map[key][]*store.MenuItem{}
	for _, it := range items {
		k := key{group: it.GroupID}
		if it.ParentID != nil {
			k.parent = *it.ParentID
		}
		lists[k] = append(lists[k], it)
	}
	var out []store.MenuPlacement
	for _, list := range lists {
		sort.SliceStable(list, func(i, j int) bool {
			a, b := list[i], list[j]
			return lessSibling(a.Position, b.Position, a.Title, b.Title, a.ID, b.ID)
		})
		for pos, it := range list {
			if it.Position != pos {
				out = append(out, store.MenuPlacement{ID: it.ID, GroupID: it.GroupID, ParentID: it.ParentID, Position: pos})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// CompactGroups renumbers groups densely from zero.
func CompactGroups(groups []*store.MenuGroup) []store.MenuPlacement {
	sorted := append([]*store.MenuGroup(nil), groups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		return lessSibling(a.Position, b.Position, a.Title, b.Title, a.ID, b.ID)
	})
	var out []store.MenuPlacement
	for pos, g := range sorted {
		if g.Position != pos {
			out = append(out, store.MenuPlacement{ID: g.ID, Position: pos})
		}
	}
	return out
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
