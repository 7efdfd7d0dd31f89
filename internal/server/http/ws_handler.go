package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"atp/internal/atperr"
	"atp/internal/engine"
	"atp/internal/logging"
	"atp/internal/server/app"
	"atp/internal/session"
	"atp/internal/shared/jsonx"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsRequest is one client frame: an execute or a resume.
type wsRequest struct {
	Type        string            `json:"type"` // execute | resume
	RequestID   string            `json:"requestId,omitempty"`
	Code        string            `json:"code,omitempty"`
	Config      engine.ExecConfig `json:"config,omitempty"`
	ExecutionID string            `json:"executionId,omitempty"`

	Result          jsonx.RawMessage        `json:"result,omitempty"`
	Error           *engine.ErrorInfo       `json:"error,omitempty"`
	Results         []engine.CallbackResult `json:"results,omitempty"`
	ProvenanceHints []string                `json:"provenanceHints,omitempty"`
}

// wsResponse is one server frame.
type wsResponse struct {
	Type      string         `json:"type"` // result | error
	RequestID string         `json:"requestId,omitempty"`
	Result    *engine.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer and the
// ping loop runs beside the request loop.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// WSHandler runs the execute/resume protocol over a single WebSocket, so
// interactive clients avoid one HTTP round trip per callback delivery.
type WSHandler struct {
	coordinator *app.Coordinator
	upgrader    websocket.Upgrader
	logger      logging.Logger
}

func NewWSHandler(coordinator *app.Coordinator, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		coordinator: coordinator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if origin == allowed || allowed == "*" {
						return true
					}
				}
				return false
			},
		},
		logger: logging.NewComponentLogger("WSHandler"),
	}
}

// HandleExecuteWS upgrades the connection and serves frames until the
// client hangs up. Authentication happened in middleware; the session is
// pinned for the socket's lifetime.
func (h *WSHandler) HandleExecuteWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := CurrentSession(r.Context())
	if !ok {
		writeError(h.logger, w, errSessionMismatch)
		return
	}
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	defer raw.Close()
	h.logger.Info("WebSocket opened for session %s", sess.SessionID)

	conn := &wsConn{conn: raw}
	raw.SetReadLimit(maxRequestBodyBytes)
	_ = raw.SetReadDeadline(time.Now().Add(wsPongTimeout))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.pingLoop(ctx, conn)

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read error: %v", err)
			}
			return
		}
		var req wsRequest
		if err := jsonx.Unmarshal(data, &req); err != nil {
			h.send(conn, wsResponse{Type: "error", Error: "invalid JSON frame", Code: "badRequest"})
			continue
		}
		h.serve(ctx, conn, sess, req)
	}
}

func (h *WSHandler) serve(ctx context.Context, conn *wsConn, sess *session.Session, req wsRequest) {
	var (
		result *engine.Result
		err    error
	)
	switch req.Type {
	case "execute":
		if strings.TrimSpace(req.Code) == "" {
			h.send(conn, wsResponse{Type: "error", RequestID: req.RequestID, Error: "code required", Code: "badRequest"})
			return
		}
		result, err = h.coordinator.Execute(ctx, sess, req.Code, req.Config)
	case "resume":
		if req.ExecutionID == "" {
			h.send(conn, wsResponse{Type: "error", RequestID: req.RequestID, Error: "executionId required", Code: "badRequest"})
			return
		}
		results := req.Results
		if len(results) == 0 && (len(req.Result) > 0 || req.Error != nil) {
			results = []engine.CallbackResult{{Value: req.Result, Error: req.Error}}
		}
		result, err = h.coordinator.Resume(ctx, sess, req.ExecutionID, results, req.ProvenanceHints)
	default:
		h.send(conn, wsResponse{Type: "error", RequestID: req.RequestID, Error: "unknown frame type", Code: "badRequest"})
		return
	}
	if err != nil {
		h.send(conn, wsResponse{
			Type:      "error",
			RequestID: req.RequestID,
			Error:     err.Error(),
			Code:      atperr.ClientCode(err),
		})
		return
	}
	h.send(conn, wsResponse{Type: "result", RequestID: req.RequestID, Result: result})
}

func (h *WSHandler) send(conn *wsConn, resp wsResponse) {
	if err := conn.writeJSON(resp); err != nil {
		h.logger.Debug("WebSocket write failed: %v", err)
	}
}

func (h *WSHandler) pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
