package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/dashboard/audit"
	"github.com/GoCodeAlone/dashboard/content"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/GoCodeAlone/dashboard/tenant"
	"github.com/google/uuid"
)

const maxRecurrencePreview = 50

// ContentHandler serves campaigns, posts and the content calendar.
type ContentHandler struct {
	base
	content *content.Service
	quotas  *tenant.QuotaRegistry
}

func actor(a *tenant.Access) content.Actor {
	return content.Actor{UserID: a.UserID, Role: a.Role}
}

// postView is a post with the actions the caller may take on it.
type postView struct {
	*store.Post
	Actions []content.Action `json:"actions"`
}

func viewPost(p *store.Post, role store.Role) postView {
	actions := content.Actions(p.Status, role)
	if actions == nil {
		actions = []content.Action{}
	}
	return postView{Post: p, Actions: actions}
}

// --- campaigns ---

// CreateCampaign handles POST /api/v1/tenants/{tid}/campaigns.
func (h *ContentHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	var in content.CampaignInput
	if !decodeJSON(w, r, &in) {
		return
	}
	c, err := h.content.CreateCampaign(r.Context(), a.Tenant.ID, actor(a), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventContent, "create", "campaign", c.ID.String(), nil)
	WriteJSON(w, http.StatusCreated, c)
}

// ListCampaigns handles GET /api/v1/tenants/{tid}/campaigns.
func (h *ContentHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	campaigns, err := h.content.ListCampaigns(r.Context(), access(r).Tenant.ID, pagination(page, pageSize))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WritePaginated(w, campaigns, len(campaigns), page, pageSize)
}

// GetCampaign handles GET /api/v1/tenants/{tid}/campaigns/{cid}.
func (h *ContentHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "cid", "campaign")
	if !ok {
		return
	}
	c, err := h.content.GetCampaign(r.Context(), access(r).Tenant.ID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

// UpdateCampaign handles PUT /api/v1/tenants/{tid}/campaigns/{cid}.
func (h *ContentHandler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "cid", "campaign")
	if !ok {
		return
	}
	var in content.CampaignInput
	if !decodeJSON(w, r, &in) {
		return
	}
	c, err := h.content.UpdateCampaign(r.Context(), access(r).Tenant.ID, id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventContent, "update", "campaign", id.String(), nil)
	WriteJSON(w, http.StatusOK, c)
}

// DeleteCampaign handles DELETE /api/v1/tenants/{tid}/campaigns/{cid}.
func (h *ContentHandler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "cid", "campaign")
	if !ok {
		return
	}
	if err := h.content.DeleteCampaign(r.Context(), access(r).Tenant.ID, id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventContent, "delete", "campaign", id.String(), nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- posts ---

// CreatePost handles POST /api/v1/tenants/{tid}/posts. Posts start as drafts.
func (h *ContentHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	var in content.PostInput
	if !decodeJSON(w, r, &in) {
		return
	}
	p, err := h.content.CreatePost(r.Context(), a.Tenant.ID, actor(a), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventContent, "create", "post", p.ID.String(), map[string]any{"platforms": p.Platforms})
	WriteJSON(w, http.StatusCreated, viewPost(p, a.Role))
}

// ListPosts handles GET /api/v1/tenants/{tid}/posts with optional status,
// platform and campaign_id filters.
func (h *ContentHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	page, pageSize := parsePagination(r)
	q := r.URL.Query()
	f := store.PostFilter{
		Status:     store.PostStatus(q.Get("status")),
		Platform:   store.Platform(q.Get("platform")),
		Pagination: pagination(page, pageSize),
	}
	if v := q.Get("campaign_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid campaign_id")
			return
		}
		f.CampaignID = &id
	}
	posts, err := h.content.ListPosts(r.Context(), a.Tenant.ID, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]postView, len(posts))
	for i, p := range posts {
		views[i] = viewPost(p, a.Role)
	}
	WritePaginated(w, views, len(views), page, pageSize)
}

// GetPost handles GET /api/v1/tenants/{tid}/posts/{pid}.
func (h *ContentHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	id, ok := pathUUID(w, r, "pid", "post")
	if !ok {
		return
	}
	p, err := h.content.GetPost(r.Context(), a.Tenant.ID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, viewPost(p, a.Role))
}

// UpdatePost handles PUT /api/v1/tenants/{tid}/posts/{pid}.
func (h *ContentHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	id, ok := pathUUID(w, r, "pid", "post")
	if !ok {
		return
	}
	var in content.PostInput
	if !decodeJSON(w, r, &in) {
		return
	}
	p, err := h.content.UpdatePost(r.Context(), a.Tenant.ID, id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventContent, "update", "post", id.String(), nil)
	WriteJSON(w, http.StatusOK, viewPost(p, a.Role))
}

// DeletePost handles DELETE /api/v1/tenants/{tid}/posts/{pid}.
func (h *ContentHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "pid", "post")
	if !ok {
		return
	}
	if err := h.content.DeletePost(r.Context(), access(r).Tenant.ID, id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventContent, "delete", "post", id.String(), nil)
	w.WriteHeader(http.StatusNoContent)
}

// Transition handles POST /api/v1/tenants/{tid}/posts/{pid}/transition.
// Scheduling counts against the tenant's scheduled post quota.
func (h *ContentHandler) Transition(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	id, ok := pathUUID(w, r, "pid", "post")
	if !ok {
		return
	}
	var req content.TransitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if h.quotas != nil && (req.Action == content.ActionSchedule || req.Action == content.ActionRetry) {
		n, err := h.content.CountScheduled(r.Context(), a.Tenant.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if err := h.quotas.Check(a.Tenant.ID, tenant.ResourceScheduledPosts, n); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	p, err := h.content.Transition(r.Context(), a.Tenant.ID, id, actor(a), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventContent, string(req.Action), "post", id.String(),
		map[string]any{"status": p.Status})
	WriteJSON(w, http.StatusOK, viewPost(p, a.Role))
}

// Calendar handles GET /api/v1/tenants/{tid}/calendar. from and to accept
// RFC 3339 times or YYYY-MM-DD dates in tz (default UTC). The range
// defaults to 30 days from the start of today.
func (h *ContentHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	q := r.URL.Query()
	cq := content.CalendarQuery{Location: time.UTC, Platform: store.Platform(q.Get("platform"))}
	if tz := q.Get("tz"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "unknown time zone "+strconv.Quote(tz))
			return
		}
		cq.Location = loc
	}
	now := time.Now().In(cq.Location)
	cq.From = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, cq.Location)
	if v := q.Get("from"); v != "" {
		t, err := parseCalendarTime(v, cq.Location)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid from")
			return
		}
		cq.From = t
	}
	cq.To = cq.From.AddDate(0, 0, 30)
	if v := q.Get("to"); v != "" {
		t, err := parseCalendarTime(v, cq.Location)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid to")
			return
		}
		cq.To = t
	}
	if v := q.Get("campaign_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid campaign_id")
			return
		}
		cq.Campaign = &id
	}

	days, err := h.content.Calendar(r.Context(), a.Tenant.ID, cq)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, days)
}

func parseCalendarTime(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateOnly, v, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

// Recurrence handles GET /api/v1/tenants/{tid}/recurrence?expr=...&n=5 and
// previews the next runs of a recurrence expression.
func (h *ContentHandler) Recurrence(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := 5
	if v := q.Get("n"); v != "" {
		var err error
		if n, err = strconv.Atoi(v); err != nil || n < 1 || n > maxRecurrencePreview {
			WriteError(w, http.StatusBadRequest, "n must be between 1 and "+strconv.Itoa(maxRecurrencePreview))
			return
		}
	}
	runs, err := content.NextRuns(q.Get("expr"), time.Now(), n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, runs)
}
