package handler

import (
	"net/http"
	"strconv"
)

const payloadContentType = "application/zstd"

// CurrentTimestamp returns the timestamp of the published snapshot as text.
func (h *Handler) CurrentTimestamp(w http.ResponseWriter, r *http.Request) {
	ts, err := h.store.CurrentTimestamp(r.Context())
	if err != nil {
		h.storeError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(strconv.FormatInt(ts, 10)))
}

// DataFull returns the compressed DataFull payload as stored.
func (h *Handler) DataFull(w http.ResponseWriter, r *http.Request) {
	b, err := h.store.DataFull(r.Context())
	if err != nil {
		h.storeError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	writePayload(w, b)
}

// DiffList returns the timestamps diffs are currently available from.
func (h *Handler) DiffList(w http.ResponseWriter, r *http.Request) {
	stamps, err := h.store.DiffTimestamps(r.Context())
	if err != nil {
		h.storeError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stamps)
}

// DataDiff returns the compressed DataUpdate from the snapshot taken at
// {timestamp} to the current one.
func (h *Handler) DataDiff(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(r.PathValue("timestamp"), 10, 64)
	if err != nil {
		http.Error(w, "invalid timestamp", http.StatusBadRequest)
		return
	}
	b, err := h.store.DataDiff(r.Context(), since)
	if err != nil {
		h.storeError(w, r, err, http.StatusNotFound)
		return
	}
	writePayload(w, b)
}

func writePayload(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", payloadContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(b)
}
