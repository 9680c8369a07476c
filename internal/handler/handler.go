package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"transitdata/internal/publish"
	"transitdata/internal/realtime"
)

// Reader is the subscriber side of the store.
type Reader interface {
	CurrentTimestamp(ctx context.Context) (int64, error)
	DataFull(ctx context.Context) ([]byte, error)
	DataDiff(ctx context.Context, since int64) ([]byte, error)
	DiffTimestamps(ctx context.Context) ([]int64, error)
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}

// Handler holds shared dependencies for all HTTP handlers.
type Handler struct {
	store  Reader
	status *realtime.Store
	logger *slog.Logger
}

// New creates a Handler.
func New(store Reader, status *realtime.Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, status: status, logger: logger}
}

// Health reports the state of the realtime pipeline. It answers 503 until
// the first cycle has been published.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.status.Health()
	status := http.StatusOK
	if health.LastSuccess.IsZero() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// storeError maps a store error onto a response. Missing keys become
// notFound; an unreachable store is 503.
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error, notFound int) {
	switch {
	case errors.Is(err, publish.ErrNotFound):
		if notFound == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "5")
		}
		http.Error(w, http.StatusText(notFound), notFound)
	case errors.Is(err, publish.ErrUnavailable):
		h.logger.Warn("store unavailable", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "2")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("store read failed", "path", r.URL.Path, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
