package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/dashboard/audit"
	"github.com/GoCodeAlone/dashboard/media"
	"github.com/GoCodeAlone/dashboard/tenant"
)

// MediaHandler uploads and serves tenant media.
type MediaHandler struct {
	base
	media  *media.Service
	quotas *tenant.QuotaRegistry
}

// Upload handles POST /api/v1/tenants/{tid}/media. The body is either a
// multipart form with a "file" part or the raw file.
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	ctx := r.Context()
	st := h.media.Store()

	var used int64
	if h.quotas != nil {
		var err error
		if used, err = mediaBytes(ctx, st, a.Tenant.ID); err != nil {
			h.fail(w, r, err)
			return
		}
		if err := h.quotas.CheckStorage(a.Tenant.ID, used, max(r.ContentLength, 0)); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	body, declared := io.Reader(r.Body), r.Header.Get("Content-Type")
	if mt, _, _ := mime.ParseMediaType(declared); mt == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				WriteError(w, http.StatusBadRequest, `multipart body has no "file" part`)
				return
			}
			if err != nil {
				WriteError(w, http.StatusBadRequest, "invalid multipart body")
				return
			}
			if part.FormName() == "file" {
				body, declared = part, part.Header.Get("Content-Type")
				break
			}
		}
	}

	asset, err := h.media.Upload(ctx, a.Tenant.ID, declared, body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.quotas != nil {
		// Content-Length may be absent or cover multipart framing only.
		if err := h.quotas.CheckStorage(a.Tenant.ID, used, asset.Size); err != nil {
			if delErr := st.Delete(ctx, a.Tenant.ID, asset.Key); delErr != nil {
				h.logger.Error("remove over-quota upload failed", "key", asset.Key, "error", delErr)
			}
			h.fail(w, r, err)
			return
		}
	}
	h.record(r, audit.EventContent, "upload", "media", asset.Key,
		map[string]any{"content_type": asset.ContentType, "size": asset.Size})
	WriteJSON(w, http.StatusCreated, asset)
}

// List handles GET /api/v1/tenants/{tid}/media.
func (h *MediaHandler) List(w http.ResponseWriter, r *http.Request) {
	assets, err := h.media.Store().List(r.Context(), access(r).Tenant.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if assets == nil {
		assets = []media.Asset{}
	}
	WriteJSON(w, http.StatusOK, assets)
}

// Get handles GET /api/v1/tenants/{tid}/media/{key} and streams the asset.
func (h *MediaHandler) Get(w http.ResponseWriter, r *http.Request) {
	rc, asset, err := h.media.Store().Get(r.Context(), access(r).Tenant.ID, r.PathValue("key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer rc.Close()

	etag := strconv.Quote(asset.Checksum)
	if asset.Checksum != "" && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	hdr := w.Header()
	hdr.Set("Content-Type", asset.ContentType)
	hdr.Set("Content-Length", strconv.FormatInt(asset.Size, 10))
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Cache-Control", "private, max-age=3600")
	if asset.Checksum != "" {
		hdr.Set("ETag", etag)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug("media stream interrupted", "key", asset.Key, "error", err)
	}
}

// Delete handles DELETE /api/v1/tenants/{tid}/media/{key}.
func (h *MediaHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := h.media.Store().Delete(r.Context(), access(r).Tenant.ID, key); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventContent, "delete", "media", key, nil)
	w.WriteHeader(http.StatusNoContent)
}
