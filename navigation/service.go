package navigation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/GoCodeAlone/dashboard/events"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// TopicChanged prefixes the topic published after a menu mutation; the
// dashboard id is appended as the last token.
const TopicChanged = "menu.changed"

const (
	maxTitleLen = 120
	maxIconLen  = 64
	maxBadgeLen = 16
)

// ChangeEvent is the payload published on TopicChanged.
type ChangeEvent struct {
	DashboardID uuid.UUID `json:"dashboard_id"`
	Action      string    `json:"action"`
	At          time.Time `json:"at"`
}

// Options configures a Service.
type Options struct {
	// TTL bounds how long a built tree is served from cache.
	TTL time.Duration
	// StaleTTL bounds how long the last good tree is kept for fallback.
	StaleTTL time.Duration
	Logger   *slog.Logger
	// OnCache, when set, is called with "hit", "miss" or "stale" for every read.
	OnCache func(result string)
}

// Service serves and mutates dashboard menus.
type Service struct {
	menus     store.MenuStore
	prefs     store.PreferenceStore
	cache     cache.Store
	publisher events.Publisher
	opts      Options
	logger    *slog.Logger
	loads     singleflight.Group
	// gens counts invalidations per dashboard; a load only caches its tree
	// if no invalidation happened while it ran.
	gens sync.Map
}

// NewService creates a Service. publisher may be nil.
func NewService(menus store.MenuStore, prefs store.PreferenceStore, c cache.Store, publisher events.Publisher, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.StaleTTL < opts.TTL {
		opts.StaleTTL = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{menus: menus, prefs: prefs, cache: c, publisher: publisher, opts: opts, logger: logger}
}

func freshKey(dashboardID uuid.UUID) string { return "menu:" + dashboardID.String() }
func staleKey(dashboardID uuid.UUID) string { return "menu-stale:" + dashboardID.String() }

// Menu returns the dashboard's tree with userID's collapse state applied.
func (s *Service) Menu(ctx context.Context, dashboardID, userID uuid.UUID) (*Tree, error) {
	tree, err := s.tree(ctx, dashboardID)
	if err != nil {
		return nil, err
	}
	var collapsed []uuid.UUID
	if userID != uuid.Nil {
		pref, err := s.prefs.GetMenuPreference(ctx, userID, dashboardID)
		switch {
		case err == nil:
			collapsed = pref.Collapsed
		case errors.Is(err, store.ErrNotFound):
		default:
			s.logger.Warn("menu preferences unavailable", "dashboard_id", dashboardID, "user_id", userID, "error", err)
		}
	}
	return tree.WithCollapsed(collapsed), nil
}

func (s *Service) tree(ctx context.Context, dashboardID uuid.UUID) (*Tree, error) {
	if raw, err := s.cache.Get(ctx, freshKey(dashboardID)); err == nil {
		var t Tree
		if err := json.Unmarshal(raw, &t); err == nil {
			s.observe("hit")
			return &t, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("menu cache read failed", "dashboard_id", dashboardID, "error", err)
	}
	s.observe("miss")

	// The load is shared, so it must outlive the caller that started it.
	lctx := context.WithoutCancel(ctx)
	v, err, _ := s.loads.Do(dashboardID.String(), func() (any, error) {
		return s.load(lctx, dashboardID)
	})
	if err == nil {
		return v.(*Tree), nil
	}

	raw, cerr := s.cache.Get(ctx, staleKey(dashboardID))
	if cerr != nil {
		return nil, err
	}
	var t Tree
	if jerr := json.Unmarshal(raw, &t); jerr != nil {
		return nil, err
	}
	s.observe("stale")
	s.logger.Warn("serving stale menu", "dashboard_id", dashboardID, "error", err)
	t.Stale = true
	return &t, nil
}

func (s *Service) generation(dashboardID uuid.UUID) *atomic.Uint64 {
	v, _ := s.gens.LoadOrStore(dashboardID, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (s *Service) load(ctx context.Context, dashboardID uuid.UUID) (*Tree, error) {
	gen := s.generation(dashboardID)
	started := gen.Load()
	groups, err := s.menus.ListGroups(ctx, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("load menu groups: %w", err)
	}
	items, err := s.menus.ListItems(ctx, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("load menu items: %w", err)
	}
	t := BuildTree(dashboardID, groups, items)
	if len(t.Orphans) > 0 {
		s.logger.Warn("menu has orphaned items", "dashboard_id", dashboardID, "count", len(t.Orphans))
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode menu: %w", err)
	}
	if gen.Load() != started {
		return t, nil
	}
	if err := s.cache.Set(ctx, freshKey(dashboardID), raw, s.opts.TTL); err != nil {
		s.logger.Warn("menu cache write failed", "dashboard_id", dashboardID, "error", err)
	}
	if err := s.cache.Set(ctx, staleKey(dashboardID), raw, s.opts.StaleTTL); err != nil {
		s.logger.Warn("menu cache write failed", "dashboard_id", dashboardID, "error", err)
	}
	// An invalidation that raced the writes above must not leave this tree
	// behind.
	if gen.Load() != started {
		if err := s.cache.Delete(ctx, freshKey(dashboardID)); err != nil {
			s.logger.Warn("menu cache invalidation failed", "dashboard_id", dashboardID, "error", err)
		}
	}
	return t, nil
}

func (s *Service) observe(result string) {
	if s.opts.OnCache != nil {
		s.opts.OnCache(result)
	}
}

// Invalidate drops the cached tree and notifies subscribers.
func (s *Service) Invalidate(ctx context.Context, dashboardID uuid.UUID, action string) {
	s.generation(dashboardID).Add(1)
	s.loads.Forget(dashboardID.String())
	if err := s.cache.Delete(ctx, freshKey(dashboardID)); err != nil {
		s.logger.Warn("menu cache invalidation failed", "dashboard_id", dashboardID, "error", err)
	}
	if s.publisher == nil {
		return
	}
	data, _ := json.Marshal(ChangeEvent{DashboardID: dashboardID, Action: action, At: time.Now().UTC()})
	if err := s.publisher.Publish(ctx, TopicChanged+"."+dashboardID.String(), data); err != nil {
		s.logger.Warn("menu change publish failed", "dashboard_id", dashboardID, "error", err)
	}
}

// Purge removes every cached copy of the dashboard's menu, including the
// fallback. It is used when the dashboard itself is deleted.
func (s *Service) Purge(ctx context.Context, dashboardID uuid.UUID) {
	if err := s.cache.Delete(ctx, freshKey(dashboardID), staleKey(dashboardID)); err != nil {
		s.logger.Warn("menu cache purge failed", "dashboard_id", dashboardID, "error", err)
	}
	s.Invalidate(ctx, dashboardID, "dashboard.deleted")
}

// Ping checks that the menu store and cache are reachable.
func (s *Service) Ping(ctx context.Context) error {
	if _, err := s.menus.ListGroups(ctx, uuid.Nil); err != nil {
		return fmt.Errorf("menu store: %w", err)
	}
	if err := s.cache.Ping(ctx); err != nil {
		return fmt.Errorf("menu cache: %w", err)
	}
	return nil
}

// --- groups ---

// GroupInput carries the fields of a group create or update. Nil fields are
// left unchanged on update.
type GroupInput struct {
	Title       *string `json:"title"`
	Collapsible *bool   `json:"collapsible"`
	// Position, on create, inserts the group at that index.
	Position *int `json:"position"`
}

// CreateGroup appends a group to the dashboard's menu, or inserts it at
// in.Position when set.
func (s *Service) CreateGroup(ctx context.Context, dashboardID uuid.UUID, in GroupInput) (*store.MenuGroup, error) {
	if in.Title == nil {
		return nil, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	title, err := cleanTitle(*in.Title)
	if err != nil {
		return nil, err
	}
	groups, err := s.menus.ListGroups(ctx, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("list menu groups: %w", err)
	}
	g := &store.MenuGroup{DashboardID: dashboardID, Title: title, Position: len(groups), Collapsible: true}
	if in.Collapsible != nil {
		g.Collapsible = *in.Collapsible
	}
	if err := s.menus.CreateGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("create menu group: %w", err)
	}
	if in.Position != nil && *in.Position < len(groups) {
		placements, err := PlanGroupMove(append(groups, g), g.ID, *in.Position)
		if err == nil {
			err = s.menus.RepositionGroups(ctx, dashboardID, placements)
		}
		if err != nil {
			// The group is removed again so a failed insert leaves no trace.
			if derr := s.menus.DeleteGroup(context.WithoutCancel(ctx), g.ID); derr != nil {
				s.logger.Error("remove unplaced menu group failed", "dashboard_id", dashboardID, "group_id", g.ID, "error", derr)
				s.Invalidate(ctx, dashboardID, "group.created")
			}
			return nil, fmt.Errorf("reposition menu groups: %w", err)
		}
		g.Position = clamp(*in.Position, len(groups))
	}
	s.Invalidate(ctx, dashboardID, "group.created")
	return g, nil
}

// UpdateGroup changes a group's title or collapsibility.
func (s *Service) UpdateGroup(ctx context.Context, dashboardID, groupID uuid.UUID, in GroupInput) (*store.MenuGroup, error) {
	g, err := s.group(ctx, dashboardID, groupID)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		if g.Title, err = cleanTitle(*in.Title); err != nil {
			return nil, err
		}
	}
	if in.Collapsible != nil {
		g.Collapsible = *in.Collapsible
	}
	if err := s.menus.UpdateGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("update menu group: %w", err)
	}
	s.Invalidate(ctx, dashboardID, "group.updated")
	return g, nil
}

// DeleteGroup removes a group with its items and closes the gap it leaves.
func (s *Service) DeleteGroup(ctx context.Context, dashboardID, groupID uuid.UUID) error {
	if _, err := s.group(ctx, dashboardID, groupID); err != nil {
		return err
	}
	if err := s.menus.DeleteGroup(ctx, groupID); err != nil {
		return fmt.Errorf("delete menu group: %w", err)
	}
	// The group is gone either way, so cached trees are dropped before the
	// gap is closed.
	s.Invalidate(ctx, dashboardID, "group.deleted")
	groups, err := s.menus.ListGroups(ctx, dashboardID)
	if err == nil {
		if p := CompactGroups(groups); len(p) > 0 {
			err = s.menus.RepositionGroups(ctx, dashboardID, p)
		}
	}
	if err != nil {
		return fmt.Errorf("compact menu groups: %w", err)
	}
	return nil
}

// MoveGroup moves a group to index.
func (s *Service) MoveGroup(ctx context.Context, dashboardID, groupID uuid.UUID, index int) error {
	if _, err := s.group(ctx, dashboardID, groupID); err != nil {
		return err
	}
	groups, err := s.menus.ListGroups(ctx, dashboardID)
	if err != nil {
		return fmt.Errorf("list menu groups: %w", err)
	}
	placements, err := PlanGroupMove(groups, groupID, index)
	if err != nil {
		return err
	}
	if len(placements) == 0 {
		return nil
	}
	if err := s.menus.RepositionGroups(ctx, dashboardID, placements); err != nil {
		return fmt.Errorf("reposition menu groups: %w", err)
	}
	s.Invalidate(ctx, dashboardID, "group.moved")
	return nil
}

func (s *Service) group(ctx context.Context, dashboardID, groupID uuid.UUID) (*store.MenuGroup, error) {
	g, err := s.menus.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("get menu group: %w", err)
	}
	if g.DashboardID != dashboardID {
		return nil, fmt.Errorf("get menu group: %w", store.ErrNotFound)
	}
	return g, nil
}

// --- items ---

// ItemInput carries the fields of an item create or update. Nil fields are
// left unchanged on update; GroupID and ParentID are only read on create.
type ItemInput struct {
	GroupID  *uuid.UUID `json:"group_id"`
	ParentID *uuid.UUID `json:"parent_id"`
	Title    *string    `json:"title"`
	Path     *string    `json:"path"`
	Icon     *string    `json:"icon"`
	Badge    *string    `json:"badge"`
	Hidden   *bool      `json:"hidden"`
}

// CreateItem appends an item to its group, or to its parent's sub-items.
func (s *Service) CreateItem(ctx context.Context, dashboardID uuid.UUID, in ItemInput) (*store.MenuItem, error) {
	if in.GroupID == nil {
		return nil, fmt.Errorf("%w: group_id is required", ErrInvalid)
	}
	if in.Title == nil {
		return nil, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if _, err := s.group(ctx, dashboardID, *in.GroupID); err != nil {
		return nil, err
	}
	it := &store.MenuItem{DashboardID: dashboardID, GroupID: *in.GroupID, ParentID: in.ParentID}
	if err := applyItemInput(it, in); err != nil {
		return nil, err
	}

	items, err := s.menus.ListItems(ctx, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("list menu items: %w", err)
	}
	if in.ParentID != nil {
		var parent *store.MenuItem
		for _, x := range items {
			if x.ID == *in.ParentID {
				parent = x
				break
			}
		}
		switch {
		case parent == nil:
			return nil, fmt.Errorf("get parent item: %w", store.ErrNotFound)
		case parent.ParentID != nil:
			return nil, fmt.Errorf("%w: sub-items cannot have children", ErrInvalidMove)
		case parent.GroupID != *in.GroupID:
			return nil, fmt.Errorf("%w: parent belongs to another group", ErrInvalidMove)
		}
	}
	for _, x := range items {
		if x.GroupID == it.GroupID && sameParent(x.ParentID, it.ParentID) {
			it.Position++
		}
	}
	if err := s.menus.CreateItem(ctx, it); err != nil {
		return nil, fmt.Errorf("create menu item: %w", err)
	}
	s.Invalidate(ctx, dashboardID, "item.created")
	return it, nil
}

// UpdateItem changes an item's display fields.
func (s *Service) UpdateItem(ctx context.Context, dashboardID, itemID uuid.UUID, in ItemInput) (*store.MenuItem, error) {
	it, err := s.item(ctx, dashboardID, itemID)
	if err != nil {
		return nil, err
	}
	if err := applyItemInput(it, in); err != nil {
		return nil, err
	}
	if err := s.menus.UpdateItem(ctx, it); err != nil {
		return nil, fmt.Errorf("update menu item: %w", err)
	}
	s.Invalidate(ctx, dashboardID, "item.updated")
	return it, nil
}

// DeleteItem removes an item with its sub-items and closes the gap.
func (s *Service) DeleteItem(ctx context.Context, dashboardID, itemID uuid.UUID) error {
	if _, err := s.item(ctx, dashboardID, itemID); err != nil {
		return err
	}
	if err := s.menus.DeleteItem(ctx, itemID); err != nil {
		return fmt.Errorf("delete menu item: %w", err)
	}
	s.Invalidate(ctx, dashboardID, "item.deleted")
	items, err := s.menus.ListItems(ctx, dashboardID)
	if err == nil {
		if p := Compact(items); len(p) > 0 {
			err = s.menus.RepositionItems(ctx, dashboardID, p)
		}
	}
	if err != nil {
		return fmt.Errorf("compact menu items: %w", err)
	}
	return nil
}

// MoveItem applies mv within the dashboard.
func (s *Service) MoveItem(ctx context.Context, dashboardID uuid.UUID, mv ItemMove) error {
	if _, err := s.item(ctx, dashboardID, mv.ItemID); err != nil {
		return err
	}
	if _, err := s.group(ctx, dashboardID, mv.GroupID); err != nil {
		return err
	}
	groups, err := s.menus.ListGroups(ctx, dashboardID)
	if err != nil {
		return fmt.Errorf("list menu groups: %w", err)
	}
	items, err := s.menus.ListItems(ctx, dashboardID)
	if err != nil {
		return fmt.Errorf("list menu items: %w", err)
	}
	placements, err := PlanItemMove(groups, items, mv)
	if err != nil {
		return err
	}
	if len(placements) == 0 {
		return nil
	}
	if err := s.menus.RepositionItems(ctx, dashboardID, placements); err != nil {
		return fmt.Errorf("reposition menu items: %w", err)
	}
	s.Invalidate(ctx, dashboardID, "item.moved")
	return nil
}

func (s *Service) item(ctx context.Context, dashboardID, itemID uuid.UUID) (*store.MenuItem, error) {
	it, err := s.menus.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("get menu item: %w", err)
	}
	if it.DashboardID != dashboardID {
		return nil, fmt.Errorf("get menu item: %w", store.ErrNotFound)
	}
	return it, nil
}

// SetCollapsed records whether nodeID is collapsed for userID. The node must
// be a group or item of the dashboard.
func (s *Service) SetCollapsed(ctx context.Context, dashboardID, userID, nodeID uuid.UUID, collapsed bool) error {
	tree, err := s.tree(ctx, dashboardID)
	if err != nil {
		return err
	}
	if !tree.Contains(nodeID) {
		return fmt.Errorf("menu node %s: %w", nodeID, store.ErrNotFound)
	}

	pref, err := s.prefs.GetMenuPreference(ctx, userID, dashboardID)
	if errors.Is(err, store.ErrNotFound) {
		pref = &store.MenuPreference{UserID: userID, DashboardID: dashboardID}
	} else if err != nil {
		return fmt.Errorf("get menu preference: %w", err)
	}

	next := make([]uuid.UUID, 0, len(pref.Collapsed)+1)
	for _, id := range pref.Collapsed {
		// Drop ids of nodes that no longer exist.
		if id != nodeID && tree.Contains(id) {
			next = append(next, id)
		}
	}
	if collapsed {
		next = append(next, nodeID)
	}
	pref.Collapsed = next
	if err := s.prefs.SaveMenuPreference(ctx, pref); err != nil {
		return fmt.Errorf("save menu preference: %w", err)
	}
	return nil
}

func applyItemInput(it *store.MenuItem, in ItemInput) error {
	var err error
	if in.Title != nil {
		if it.Title, err = cleanTitle(*in.Title); err != nil {
			return err
		}
	}
	if in.Path != nil {
		p := strings.TrimSpace(*in.Path)
		if err := validatePath(p); err != nil {
			return err
		}
		it.Path = p
	}
	if in.Icon != nil {
		icon := strings.TrimSpace(*in.Icon)
		if utf8.RuneCountInString(icon) > maxIconLen {
			return fmt.Errorf("%w: icon exceeds %d characters", ErrInvalid, maxIconLen)
		}
		it.Icon = icon
	}
	if in.Badge != nil {
		badge := strings.TrimSpace(*in.Badge)
		if utf8.RuneCountInString(badge) > maxBadgeLen {
			return fmt.Errorf("%w: badge exceeds %d characters", ErrInvalid, maxBadgeLen)
		}
		it.Badge = badge
	}
	if in.Hidden != nil {
		it.Hidden = *in.Hidden
	}
	return nil
}

func cleanTitle(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if utf8.RuneCountInString(s) > maxTitleLen {
		return "", fmt.Errorf("%w: title exceeds %d characters", ErrInvalid, maxTitleLen)
	}
	return s, nil
}

// validatePath accepts an empty path (a pure parent entry), an absolute
// in-app path, or an http(s) URL.
func validatePath(p string) error {
	if p == "" {
		return nil
	}
	if strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") {
		return nil
	}
	u, err := url.Parse(p)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: path must start with / or be an http(s) URL", ErrInvalid)
	}
	return nil
}
