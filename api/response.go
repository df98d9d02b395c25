package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/dashboard/content"
	"github.com/GoCodeAlone/dashboard/media"
	"github.com/GoCodeAlone/dashboard/navigation"
	"github.com/GoCodeAlone/dashboard/schema"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/GoCodeAlone/dashboard/tenant"
)

// envelope is a standard JSON response wrapper.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// paginatedEnvelope wraps a list response with pagination metadata.
type paginatedEnvelope struct {
	Data     any `json:"data"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: message})
}

// WritePaginated writes a paginated JSON response.
func WritePaginated(w http.ResponseWriter, items any, total, page, pageSize int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(paginatedEnvelope{
		Data:     items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// errorStatus maps domain errors to HTTP status codes. Zero means the error
// is internal.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, schema.ErrTableNotFound),
		errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, schema.ErrTableExists),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, content.ErrInvalidTransition),
		errors.Is(err, schema.ErrDestructive):
		return http.StatusConflict
	case errors.Is(err, store.ErrForbidden),
		errors.Is(err, tenant.ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, content.ErrValidation),
		errors.Is(err, schema.ErrInvalid),
		errors.Is(err, schema.ErrReadOnly),
		errors.Is(err, navigation.ErrInvalid),
		errors.Is(err, navigation.ErrInvalidMove),
		errors.Is(err, media.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return 0
}

// writeServiceError writes err with its mapped status. Internal errors are
// logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if status := errorStatus(err); status != 0 {
		WriteError(w, status, err.Error())
		return
	}
	logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
		"error", err)
	WriteError(w, http.StatusInternalServerError, "internal error")
}

// decodeJSON decodes the request body into dst, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decode(w, json.NewDecoder(r.Body), dst)
}

// decodeRowJSON decodes numbers as json.Number so column values keep their
// precision.
func decodeRowJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return decode(w, dec, dst)
}

func decode(w http.ResponseWriter, dec *json.Decoder, dst any) bool {
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parsePagination(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = 50
	if v := r.URL.Query().Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 100 {
			pageSize = ps
		}
	}
	return
}

func pagination(page, pageSize int) store.Pagination {
	return store.Pagination{Offset: (page - 1) * pageSize, Limit: pageSize}
}
