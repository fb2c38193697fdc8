package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bythron/trackerd/internal/events"
)

// subscriberBuffer bounds how far a slow SSE client may lag before events are
// dropped for it.
const subscriberBuffer = 64

// eventsHandler streams gateway events as server-sent events until the client
// disconnects.
func (h *Handler) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Broadcaster == nil {
		h.writeJSONError(w, http.StatusNotFound, "event stream not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan events.Event, subscriberBuffer)
	unsubscribe := h.cfg.Broadcaster.Subscribe(ch)
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("event marshal failed", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
