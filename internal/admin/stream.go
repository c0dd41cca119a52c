package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/taskworker/internal/feed"
)

// handleStreamDispatches streams dispatch records as server-sent events. With
// ?session=<id> the stream follows one session and ends with a "done" event
// when it closes; without it, every session is followed until the client
// disconnects.
func (s *Server) handleStreamDispatches(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "dispatch feed disabled")
		return
	}

	topic := r.URL.Query().Get("session")
	if topic == "" {
		topic = feed.All
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.events.Subscribe(topic)
	defer unsub()
	adminStreams.Inc()
	defer adminStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case d, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "session closed")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(d)
			if err != nil {
				s.logger.Error("encode dispatch event", "error", err)
				continue
			}
			if err := writeSSEData(w, data); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEData writes one single-line JSON payload as an SSE data event.
func writeSSEData(w http.ResponseWriter, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
