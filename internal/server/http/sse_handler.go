package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"atp/internal/atperr"
	"atp/internal/engine"
	"atp/internal/logging"
	"atp/internal/server/app"
	"atp/internal/shared/jsonx"
)

const heartbeatInterval = 30 * time.Second

// SSEHandler streams execution progress as Server-Sent Events.
type SSEHandler struct {
	coordinator *app.Coordinator
	logger      logging.Logger
}

func NewSSEHandler(coordinator *app.Coordinator) *SSEHandler {
	return &SSEHandler{
		coordinator: coordinator,
		logger:      logging.NewComponentLogger("SSEHandler"),
	}
}

// HandleExecuteStream runs an execution and streams its lifecycle. The
// first result (terminal or paused) arrives as a "result" event; while the
// execution stays paused the stream remains open and later resume outcomes
// delivered through the broadcaster are pushed as further events.
func (h *SSEHandler) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := CurrentSession(r.Context())
	if !ok {
		writeError(h.logger, w, errSessionMismatch)
		return
	}

	var req executeRequest
	body := jsonx.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := body.Decode(&req); err != nil {
		writeBadRequest(h.logger, w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeBadRequest(h.logger, w, "code required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)

	h.sendEvent(w, flusher, "progress", map[string]any{"state": "accepted"})

	type outcome struct {
		result *engine.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h.coordinator.Execute(r.Context(), sess, req.Code, req.Config)
		done <- outcome{result, err}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var result *engine.Result
	for result == nil {
		select {
		case out := <-done:
			if out.err != nil {
				h.sendEvent(w, flusher, "error", apiErrorResponse{Error: out.err.Error(), Code: atperr.ClientCode(out.err)})
				return
			}
			result = out.result
		case <-ticker.C:
			h.heartbeat(w, flusher)
		case <-r.Context().Done():
			return
		}
	}

	h.sendEvent(w, flusher, "result", result)
	if result.Status != engine.StatusPaused {
		return
	}

	// Stay open across resumes; the broadcaster relays every subsequent
	// run of this execution until a terminal status lands.
	events, cancel := h.coordinator.Broadcaster.Subscribe(result.ExecutionID)
	defer cancel()
	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			h.sendEvent(w, flusher, "result", event.Payload)
			if event.Type != engine.StatusPaused {
				return
			}
		case <-ticker.C:
			h.heartbeat(w, flusher)
		case <-r.Context().Done():
			h.logger.Debug("SSE stream closed by client")
			return
		}
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to serialize %s event: %v", event, err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		h.logger.Debug("Failed to send SSE message: %v", err)
		return
	}
	flusher.Flush()
}

func (h *SSEHandler) heartbeat(w http.ResponseWriter, flusher http.Flusher) {
	if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
		return
	}
	flusher.Flush()
}
