package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/arencloud/hoadesk/internal/documents"
	"github.com/arencloud/hoadesk/internal/storage"

	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError records an error event into the current trace and writes a JSON error.
func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	addEvent(r, "error", map[string]any{"code": code, "message": msg})
	writeJSON(w, code, map[string]any{"error": msg})
}

// respondServiceError maps domain and storage errors to HTTP statuses.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, documents.ErrNotFound), errors.Is(err, storage.ErrObjectNotFound):
		respondError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, documents.ErrInvalid):
		respondError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, documents.ErrTooLarge):
		respondError(w, r, http.StatusRequestEntityTooLarge, "payload too large")
	case errors.Is(err, storage.ErrBucketNotFound), errors.Is(err, storage.ErrAccessDenied):
		respondError(w, r, http.StatusServiceUnavailable, "document storage is unavailable")
	default:
		respondError(w, r, http.StatusInternalServerError, err.Error())
	}
}

func idParam(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
