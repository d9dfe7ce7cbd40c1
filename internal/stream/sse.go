package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// SSEHandler serves the hub as a text/event-stream.
type SSEHandler struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewSSEHandler binds an SSE endpoint to hub.
func NewSSEHandler(hub *Hub, logger zerolog.Logger) *SSEHandler {
	return &SSEHandler{hub: hub, logger: logger.With().Str("component", "sse").Logger()}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "retry: %d\n\n", retryHint.Milliseconds())
	flusher.Flush()

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				if sub.Evicted() {
					_, _ = fmt.Fprint(w, "event: error\ndata: {\"error\":\"subscriber too slow\"}\n\n")
				}
				flusher.Flush()
				return
			}
			if err := writeSSE(w, ev); err != nil {
				h.logger.Debug().Err(err).Uint64("subscriber", sub.ID).Msg("sse write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.ID, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, payload)
	return err
}

// retryHint is sent as the reconnect delay for EventSource clients.
var retryHint = 5 * time.Second
