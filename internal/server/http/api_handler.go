// Package http exposes the protocol over HTTP/1.1 + JSON, with an SSE
// stream and a WebSocket channel for clients that want push delivery.
package http

import (
	"io"
	"net/http"
	"strings"

	"atp/internal/engine"
	"atp/internal/logging"
	"atp/internal/server/app"
	"atp/internal/shared/jsonx"
	"atp/internal/toolregistry"
)

// maxRequestBodyBytes bounds every JSON request body.
const maxRequestBodyBytes = 1 << 20

// APIHandler serves the JSON endpoints.
type APIHandler struct {
	coordinator *app.Coordinator
	logger      logging.Logger
}

func NewAPIHandler(coordinator *app.Coordinator) *APIHandler {
	return &APIHandler{
		coordinator: coordinator,
		logger:      logging.NewComponentLogger("APIHandler"),
	}
}

func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeBadRequest(h.logger, w, "unreadable request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := jsonx.Unmarshal(body, into); err != nil {
		writeBadRequest(h.logger, w, "invalid JSON body")
		return false
	}
	return true
}

// HandleInfo advertises server identity and capabilities. Unauthenticated.
func (h *APIHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, h.coordinator.Info())
}

type initRequest struct {
	ClientInfo   map[string]string `json:"clientInfo"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// HandleInit allocates a session and issues its first token.
func (h *APIHandler) HandleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !h.decode(w, r, &req) {
		return
	}
	for k, v := range req.ClientInfo {
		if len(k) > 128 || len(v) > 1024 {
			writeBadRequest(h.logger, w, "clientInfo entry too large")
			return
		}
	}
	creds, err := h.coordinator.InitSession(r.Context(), req.ClientInfo, req.Capabilities)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, creds)
}

// HandleDefinitions renders the tool surface as TypeScript declarations.
func (h *APIHandler) HandleDefinitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"typescript": h.coordinator.Definitions(),
		"version":    app.ProtocolVersion,
		"apiGroups":  h.coordinator.Registry.Groups(),
	})
}

type searchRequest struct {
	Query      string   `json:"query"`
	APIGroups  []string `json:"apiGroups,omitempty"`
	MaxResults int      `json:"maxResults,omitempty"`
}

// HandleSearch rank-searches tools against a query.
func (h *APIHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeBadRequest(h.logger, w, "query required")
		return
	}
	results, err := h.coordinator.SearchTools(r.Context(), req.Query, req.APIGroups, req.MaxResults)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if results == nil {
		results = []toolregistry.SearchResult{}
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{"results": results})
}

type exploreRequest struct {
	Path string `json:"path"`
}

// HandleExplore lists one level of the tool namespace tree.
func (h *APIHandler) HandleExplore(w http.ResponseWriter, r *http.Request) {
	var req exploreRequest
	if !h.decode(w, r, &req) {
		return
	}
	entries, err := h.coordinator.Explore(req.Path)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"path":    req.Path,
		"entries": entries,
	})
}

type executeRequest struct {
	Code   string            `json:"code"`
	Config engine.ExecConfig `json:"config,omitempty"`
}

// HandleExecute starts an execution and returns its first result,
// terminal or paused.
func (h *APIHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	sess, ok := CurrentSession(r.Context())
	if !ok {
		writeError(h.logger, w, errSessionMismatch)
		return
	}
	var req executeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeBadRequest(h.logger, w, "code required")
		return
	}
	result, err := h.coordinator.Execute(r.Context(), sess, req.Code, req.Config)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	h.logCallbacks(result)
	writeJSON(h.logger, w, http.StatusOK, result)
}

func (h *APIHandler) logCallbacks(result *engine.Result) {
	if result.Status != engine.StatusPaused {
		return
	}
	for _, cb := range result.Callbacks() {
		h.logger.Debug("execution %s awaiting %s (%s) args=%v", result.ExecutionID, cb.Operation, cb.ID, sanitizeArguments(cb.Payload))
	}
}

type resumeRequest struct {
	// Single-callback form.
	Result jsonx.RawMessage  `json:"result,omitempty"`
	Error  *engine.ErrorInfo `json:"error,omitempty"`
	// Batch form.
	Results []engine.CallbackResult `json:"results,omitempty"`

	ProvenanceHints []string `json:"provenanceHints,omitempty"`
}

// HandleResume delivers callback results for a paused execution. The
// execution id rides on the path: /api/resume/{execId}.
func (h *APIHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	sess, ok := CurrentSession(r.Context())
	if !ok {
		writeError(h.logger, w, errSessionMismatch)
		return
	}
	executionID := strings.TrimPrefix(r.URL.Path, "/api/resume/")
	if executionID == "" || strings.Contains(executionID, "/") {
		writeBadRequest(h.logger, w, "execution id required")
		return
	}
	var req resumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	results := req.Results
	if len(results) == 0 && (len(req.Result) > 0 || req.Error != nil) {
		results = []engine.CallbackResult{{Value: req.Result, Error: req.Error}}
	}
	if len(results) == 0 {
		writeBadRequest(h.logger, w, "result or results required")
		return
	}
	result, err := h.coordinator.Resume(r.Context(), sess, executionID, results, req.ProvenanceHints)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	h.logCallbacks(result)
	writeJSON(h.logger, w, http.StatusOK, result)
}

// HandleHealth reports liveness detail.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"status":   "ok",
		"protocol": app.ProtocolVersion,
	})
}

// methodHandler rejects anything but the given method.
func methodHandler(method string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	})
}
