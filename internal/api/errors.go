package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kalambet/memoir/internal/journal"
	"github.com/kalambet/memoir/internal/pipeline"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/retrieval"
	"github.com/kalambet/memoir/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps a service error onto a status code and error type.
func writeError(w http.ResponseWriter, err error) {
	var pe *provider.Error
	switch {
	case errors.Is(err, journal.ErrNotAuthenticated):
		httpError(w, http.StatusUnauthorized, "not_authenticated", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "entry not found")
	case errors.Is(err, journal.ErrInvalidEntry), errors.Is(err, retrieval.ErrEmptyInput):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, pipeline.ErrSuperseded):
		httpError(w, http.StatusConflict, "superseded", "%v", err)
	case errors.As(err, &pe):
		slog.Warn("provider call failed", "service", pe.Service, "op", pe.Op, "status", pe.StatusCode, "error", pe.Err)
		httpError(w, http.StatusBadGateway, "upstream_error", "%v", err)
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
