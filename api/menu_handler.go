package api

import (
	"net/http"
	"time"

	"github.com/GoCodeAlone/dashboard/audit"
	"github.com/GoCodeAlone/dashboard/events"
	"github.com/GoCodeAlone/dashboard/navigation"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongDelay  = 90 * time.Second
	pingPeriod = (pongDelay * 8) / 10
)

// Subscriber delivers events on topics matching a pattern.
type Subscriber interface {
	Subscribe(pattern string, buffer int) (<-chan events.Event, func())
}

// Tokens are passed in the query string and never in cookies, so any origin
// may open the stream.
var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// MenuHandler serves dashboard menus and their change stream.
type MenuHandler struct {
	base
	dashboards store.DashboardStore
	menus      *navigation.Service
	events     Subscriber
	stop       <-chan struct{}
}

// dashboard resolves {did} for the request's tenant.
func (h *MenuHandler) dashboard(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	d, ok := dashboardFromPath(w, r, h.base, h.dashboards)
	if !ok {
		return uuid.Nil, false
	}
	return d.ID, true
}

// Get handles GET .../dashboards/{did}/menu.
func (h *MenuHandler) Get(w http.ResponseWriter, r *http.Request) {
	did, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	tree, err := h.menus.Menu(r.Context(), did, access(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, tree)
}

// CreateGroup handles POST .../menu/groups.
func (h *MenuHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	did, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	var in navigation.GroupInput
	if !decodeJSON(w, r, &in) {
		return
	}
	g, err := h.menus.CreateGroup(r.Context(), did, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "create", "menu_group", g.ID.String(), map[string]any{"dashboard_id": did})
	WriteJSON(w, http.StatusCreated, g)
}

// UpdateGroup handles PUT .../menu/groups/{gid}.
func (h *MenuHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	did, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	gid, ok := pathUUID(w, r, "gid", "group")
	if !ok {
		return
	}
	var in navigation.GroupInput
	if !decodeJSON(w, r, &in) {
		return
	}
	g, err := h.menus.UpdateGroup(r.Context(), did, gid, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "update", "menu_group", gid.String(), map[string]any{"dashboard_id": did})
	WriteJSON(w, http.StatusOK, g)
}

// DeleteGroup handles DELETE .../menu/groups/{gid}.
func (h *MenuHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	did, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	gid, ok := pathUUID(w, r, "gid", "group")
	if !ok {
		return
	}
	if err := h.menus.DeleteGroup(r.Context(), did, gid); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "delete", "menu_group", gid.String(), map[string]any{"dashboard_id": did})
	w.WriteHeader(http.StatusNoContent)
}

// MoveGroup handles POST .../menu/groups/{gid}/move.
func (h *MenuHandler) MoveGroup(w http.ResponseWriter, r *http.Request) {
	did, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	gid, ok := pathUUID(w, r, "gid", "group")
	if !ok {
		return
	}
	var req struct {
		Index *int `json:"index"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Index == nil {
		WriteError(w, http.StatusBadRequest, "index is required")
		return
	}
	if err := h.menus.MoveGroup(r.Context(), did, gid, *req.Index); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "move", "menu_group", gid.String(), map[string]any{"index": *req.Index})
	h.Get(w, r)
}

// CreateItem handles POST .../menu/items.
func (h *MenuHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	did, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	var in navigation.ItemInput
	if !decodeJSON(w, r, &in) {
		return
	}
	it, err := h.menus.CreateItem(r.Context(), did, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "create", "menu_item", it.ID.String(), map[string]any{"dashboard_id": did})
	WriteJSON(w, http.StatusCreated, it)
}

// UpdateItem handles PUT .../menu/items/{iid}.
func (h *MenuHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	did, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	iid, ok := pathUUID(w, r, "iid", "item")
	if !ok {
		return
	}
	var in navigation.ItemInput
	if !decodeJSON(w, r, &in) {
		return
	}
	it, err := h.menus.UpdateItem(r.Context(), did, iid, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "update", "menu_item", iid.String(), map[string]any{"dashboard_id": did})
	WriteJSON(w, http.StatusOK, it)
}

// DeleteItem handles DELETE .../menu/items/{iid}. Sub-items go with it.
func (h *MenuHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	did, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	iid, ok := pathUUID(w, r, "iid", "item")
	if !ok {
		return
	}
	if err := h.menus.DeleteItem(r.Context(), did, iid); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "delete", "menu_item", iid.String(), map[string]any{"dashboard_id": did})
	w.WriteHeader(http.StatusNoContent)
}

// MoveItem handles POST .../menu/items/{iid}/move. A null or missing
// parent_id places the item at the top level of group_id.
func (h *MenuHandler) MoveItem(w http.ResponseWriter, r *http.Request) {
	did, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	iid, ok := pathUUID(w, r, "iid", "item")
	if !ok {
		return
	}
	var req struct {
		GroupID  uuid.UUID  `json:"group_id"`
		ParentID *uuid.UUID `json:"parent_id"`
		Index    *int       `json:"index"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.GroupID == uuid.Nil || req.Index == nil {
		WriteError(w, http.StatusBadRequest, "group_id and index are required")
		return
	}
	mv := navigation.ItemMove{ItemID: iid, GroupID: req.GroupID, ParentID: req.ParentID, Index: *req.Index}
	if err := h.menus.MoveItem(r.Context(), did, mv); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "move", "menu_item", iid.String(),
		map[string]any{"group_id": req.GroupID, "index": *req.Index})
	h.Get(w, r)
}

// SetCollapsed handles PUT .../menu/collapsed for the calling user.
func (h *MenuHandler) SetCollapsed(w http.ResponseWriter, r *http.Request) {
	did, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	var req struct {
		NodeID    uuid.UUID `json:"node_id"`
		Collapsed bool      `json:"collapsed"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == uuid.Nil {
		WriteError(w, http.StatusBadRequest, "node_id is required")
		return
	}
	if err := h.menus.SetCollapsed(r.Context(), did, access(r).UserID, req.NodeID, req.Collapsed); err != nil {
		h.fail(w, r, err)
		return
	}
	h.Get(w, r)
}

// Events handles GET .../menu/events. Each menu change of the dashboard is
// sent as one JSON text message; clients refetch the menu on receipt.
func (h *MenuHandler) Events(w http.ResponseWriter, r *http.Request) {
	did, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	if h.events == nil {
		WriteError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	// Subscribe first so no change is missed once the client sees the handshake.
	changes, cancel := h.events.Subscribe(navigation.TopicChanged+"."+did.String(), 32)
	defer cancel()

	socket, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Debug("menu stream upgrade failed", "error", err)
		return
	}
	defer socket.Close()

	// Ping so a vanished client is noticed through the read deadline.
	_ = socket.SetReadDeadline(time.Now().Add(pongDelay))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongDelay))
	})
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			// Client messages are ignored; reading processes control frames.
			if _, _, err := socket.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-h.stop:
			deadline := time.Now().Add(writeWait)
			_ = socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-changes:
			if !ok {
				// The subscription was dropped after falling behind; the
				// client reconnects and refetches.
				_ = socket.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "missed menu changes"), time.Now().Add(writeWait))
				return
			}
			_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := socket.WriteMessage(websocket.TextMessage, ev.Data); err != nil {
				h.logger.Debug("menu stream write failed", "dashboard_id", did, "error", err)
				return
			}
		}
	}
}
