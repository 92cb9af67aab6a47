package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-orders/internal/models"
	"ms-orders/internal/sse"
)

// StreamTransactionStatus handles GET /transactions/{localID}/stream-status.
// The client gets a snapshot event immediately (cache first, database as
// fallback), then live updates until it disconnects. Terminal snapshots
// close the stream right after the first event.
func (h *Handler) StreamTransactionStatus(w http.ResponseWriter, r *http.Request) {
	localID := chi.URLParam(r, "localID")
	if localID == "" {
		http.Error(w, "Transaction local ID is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()

	// Subscribe before reading the snapshot so no update can fall between.
	updates := h.Emitter.Subscribe(ctx, localID)

	status, found := h.snapshotStatus(r, localID)
	if !found {
		http.Error(w, "Transaction not found", http.StatusNotFound)
		return
	}

	h.setupSSEHeaders(w)
	h.writeStatusEvent(w, sse.StatusUpdate{LocalID: localID, Status: status, At: time.Now()})
	flusher.Flush()
	h.Logger.Info("SSE", fmt.Sprintf("Client connected to status stream for transaction: %s", localID))

	if status.Terminal() {
		return
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				h.Logger.Debug("SSE", fmt.Sprintf("Channel closed for transaction: %s", localID))
				return
			}
			h.writeStatusEvent(w, update)
			flusher.Flush()
			if update.Status.Terminal() {
				return
			}

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from status stream for: %s", localID))
			return
		}
	}
}

// snapshotStatus resolves the current status, preferring the redis mirror.
func (h *Handler) snapshotStatus(r *http.Request, localID string) (models.TransactionStatus, bool) {
	if h.Cache != nil {
		if status, ok, err := h.Cache.GetStatus(r.Context(), localID); err == nil && ok {
			return status, true
		}
	}
	tx, err := h.Store.GetTransactionByLocalID(r.Context(), localID)
	if err != nil {
		return "", false
	}
	return tx.Status, true
}

func (h *Handler) writeStatusEvent(w http.ResponseWriter, update sse.StatusUpdate) {
	jsonData, err := json.Marshal(update)
	if err != nil {
		h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize status update: %v", err))
		return
	}
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", jsonData)
}

func (h *Handler) setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
