package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// keepAlive is how often an idle stream gets a comment line so proxies
// don't drop it.
const keepAlive = 30 * time.Second

// SSEUpdates relays new_data notifications as Server-Sent Events. Each
// event carries the timestamp of the newly published snapshot.
func (h *Handler) SSEUpdates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	updates, err := h.store.Subscribe(ctx)
	if err != nil {
		h.storeError(w, r, err, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Send the current state immediately so clients can sync.
	h.sendUpdateEvent(ctx, w, flusher)

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
			h.sendUpdateEvent(ctx, w, flusher)
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// sendUpdateEvent writes one new_data event with the current timestamp.
func (h *Handler) sendUpdateEvent(ctx context.Context, w http.ResponseWriter, flusher http.Flusher) {
	ts, err := h.store.CurrentTimestamp(ctx)
	if err != nil {
		h.logger.Debug("no timestamp for SSE event", "error", err)
		return
	}
	fmt.Fprintf(w, "event: new_data\ndata: %d\n\n", ts)
	flusher.Flush()
}
