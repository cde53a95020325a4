package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

const streamHeartbeat = 15 * time.Second

// handleStream pushes committed events to the client as Server-Sent Events.
// The stream is best-effort and starts at "now"; a client that needs every
// event pages GET /v1/events by watermark and uses the stream as a nudge.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ce, ok := <-ch:
			if !ok {
				return
			}
			frame, err := ce.SSEFormat()
			if err != nil {
				s.log.Warn("sse encode", zap.String("event_id", ce.ID), zap.Error(err))
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
