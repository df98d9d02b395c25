package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/dashboard/navigation"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// menuFixture is a tenant with one dashboard and its owner's token.
type menuFixture struct {
	tenant    *store.Tenant
	dashboard *store.Dashboard
	token     string
	path      string
}

func newMenuFixture(e *testEnv) menuFixture {
	e.t.Helper()
	_, token := e.newUser("owner@example.com")
	ten := e.newTenant(token, "Acme")
	w := e.do(http.MethodPost, dashboardsPath(ten), token, map[string]any{"name": "Main"})
	expectStatus(e.t, w, http.StatusCreated)
	d := decodeData[*store.Dashboard](e.t, w)
	return menuFixture{
		tenant:    ten,
		dashboard: d,
		token:     token,
		path:      dashboardsPath(ten) + "/" + d.ID.String() + "/menu",
	}
}

func (f menuFixture) group(e *testEnv, title string) *store.MenuGroup {
	e.t.Helper()
	w := e.do(http.MethodPost, f.path+"/groups", f.token, map[string]any{"title": title, "collapsible": true})
	expectStatus(e.t, w, http.StatusCreated)
	return decodeData[*store.MenuGroup](e.t, w)
}

func (f menuFixture) item(e *testEnv, groupID uuid.UUID, parentID *uuid.UUID, title string) *store.MenuItem {
	e.t.Helper()
	body := map[string]any{"group_id": groupID, "title": title, "path": "/" + strings.ToLower(title)}
	if parentID != nil {
		body["parent_id"] = parentID
	}
	w := e.do(http.MethodPost, f.path+"/items", f.token, body)
	expectStatus(e.t, w, http.StatusCreated)
	return decodeData[*store.MenuItem](e.t, w)
}

func (f menuFixture) tree(e *testEnv, token string) *navigation.Tree {
	e.t.Helper()
	w := e.do(http.MethodGet, f.path, token, nil)
	expectStatus(e.t, w, http.StatusOK)
	return decodeData[*navigation.Tree](e.t, w)
}

func titles(nodes []*navigation.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Title
	}
	return out
}

func TestMenuTree(t *testing.T) {
	e := newTestEnv(t)
	f := newMenuFixture(e)

	reports := f.group(e, "Reports")
	settings := f.group(e, "Settings")
	sales := f.item(e, reports.ID, nil, "Sales")
	f.item(e, reports.ID, nil, "Traffic")
	f.item(e, reports.ID, &sales.ID, "Regional")

	tree := f.tree(e, f.token)
	if len(tree.Groups) != 2 || tree.Groups[0].Title != "Reports" || tree.Groups[1].Title != "Settings" {
		t.Fatalf("unexpected groups %+v", tree.Groups)
	}
	items := tree.Groups[0].Items
	if got := strings.Join(titles(items), ","); got != "Sales,Traffic" {
		t.Errorf("expected Sales,Traffic, got %s", got)
	}
	if len(items[0].Children) != 1 || items[0].Children[0].Title != "Regional" {
		t.Errorf("expected Regional under Sales, got %+v", items[0].Children)
	}

	t.Run("sub-items cannot nest", func(t *testing.T) {
		regional := items[0].Children[0]
		w := e.do(http.MethodPost, f.path+"/items", f.token, map[string]any{
			"group_id": reports.ID, "parent_id": regional.ID, "title": "Deep",
		})
		expectStatus(t, w, http.StatusBadRequest)
	})

	t.Run("invalid path", func(t *testing.T) {
		w := e.do(http.MethodPost, f.path+"/items", f.token, map[string]any{
			"group_id": reports.ID, "title": "Bad", "path": "javascript:alert(1)",
		})
		expectStatus(t, w, http.StatusBadRequest)
	})

	t.Run("move group", func(t *testing.T) {
		w := e.do(http.MethodPost, f.path+"/groups/"+settings.ID.String()+"/move", f.token, map[string]any{"index": 0})
		expectStatus(t, w, http.StatusOK)
		tree := decodeData[*navigation.Tree](t, w)
		if tree.Groups[0].Title != "Settings" {
			t.Errorf("expected Settings first, got %s", tree.Groups[0].Title)
		}

		w = e.do(http.MethodPost, f.path+"/groups/"+settings.ID.String()+"/move", f.token, map[string]any{})
		expectStatus(t, w, http.StatusBadRequest)
	})

	t.Run("move item to another group", func(t *testing.T) {
		w := e.do(http.MethodPost, f.path+"/items/"+sales.ID.String()+"/move", f.token, map[string]any{
			"group_id": settings.ID, "index": 0,
		})
		expectStatus(t, w, http.StatusOK)
		tree := decodeData[*navigation.Tree](t, w)
		var moved *navigation.Group
		for _, g := range tree.Groups {
			if g.ID == settings.ID {
				moved = g
			}
		}
		if moved == nil || len(moved.Items) != 1 || moved.Items[0].Title != "Sales" {
			t.Fatalf("expected Sales in Settings, got %+v", moved)
		}
		if len(moved.Items[0].Children) != 1 {
			t.Errorf("expected the sub-item to move with its parent, got %+v", moved.Items[0].Children)
		}
	})

	t.Run("collapsed state is per user", func(t *testing.T) {
		viewer, viewerToken := e.newUser("viewer@example.com")
		e.addMember(f.tenant.ID, viewer.ID, store.RoleViewer)

		w := e.do(http.MethodPut, f.path+"/collapsed", viewerToken, map[string]any{"node_id": reports.ID, "collapsed": true})
		expectStatus(t, w, http.StatusOK)

		collapsed := func(tree *navigation.Tree) bool {
			for _, g := range tree.Groups {
				if g.ID == reports.ID {
					return g.Collapsed
				}
			}
			t.Fatal("reports group missing")
			return false
		}
		if !collapsed(f.tree(e, viewerToken)) {
			t.Error("expected the group collapsed for the viewer")
		}
		if collapsed(f.tree(e, f.token)) {
			t.Error("expected the group expanded for the owner")
		}

		w = e.do(http.MethodPost, f.path+"/groups", viewerToken, map[string]any{"title": "Nope"})
		expectStatus(t, w, http.StatusForbidden)
	})

	t.Run("delete group removes its items", func(t *testing.T) {
		w := e.do(http.MethodDelete, f.path+"/groups/"+settings.ID.String(), f.token, nil)
		expectStatus(t, w, http.StatusNoContent)
		tree := f.tree(e, f.token)
		if len(tree.Groups) != 1 {
			t.Fatalf("expected 1 group, got %d", len(tree.Groups))
		}
		w = e.do(http.MethodPut, f.path+"/items/"+sales.ID.String(), f.token, map[string]any{"title": "Gone"})
		expectStatus(t, w, http.StatusNotFound)
	})
}

func TestMenuEventsStream(t *testing.T) {
	e := newTestEnv(t)
	f := newMenuFixture(e)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + f.path + "/events?access_token=" + f.token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	f.group(e, "Reports")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.TextMessage {
		t.Errorf("expected a text message, got %d", typ)
	}
	var ev navigation.ChangeEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.DashboardID != f.dashboard.ID {
		t.Errorf("expected dashboard %s, got %s", f.dashboard.ID, ev.DashboardID)
	}
}

func TestMenuEventsClosesLaggingStream(t *testing.T) {
	e := newTestEnv(t)
	f := newMenuFixture(e)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + f.path + "/events?access_token=" + f.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Publish faster than the stream can forward until the bus evicts it.
	topic := navigation.TopicChanged + "." + f.dashboard.ID.String()
	deadline := time.Now().Add(5 * time.Second)
	for e.bus.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was never evicted")
		}
		_ = e.bus.Publish(context.Background(), topic, []byte(`{}`))
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
			t.Fatalf("expected a try-again-later close, got %v", err)
		}
		break
	}
}

func TestMenuEventsRequiresToken(t *testing.T) {
	e := newTestEnv(t)
	f := newMenuFixture(e)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + f.path + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}
