package http

import (
	"net/http"
	"strconv"

	"atp/internal/logging"
	"atp/internal/observability"
	"atp/internal/server/app"
	"atp/internal/session"
)

// RouterConfig carries the transport knobs the router needs.
type RouterConfig struct {
	AllowedOrigins     []string
	RateLimitPerMinute int
	Metrics            *observability.Metrics
}

// NewRouter assembles all endpoints with their middleware chain. The auth
// middleware wraps only the endpoints that require a session; /api/info,
// /api/init and /api/health stay open.
func NewRouter(coordinator *app.Coordinator, sessions *session.Manager, cfg RouterConfig) http.Handler {
	logger := logging.NewComponentLogger("Router")

	apiHandler := NewAPIHandler(coordinator)
	sseHandler := NewSSEHandler(coordinator)
	wsHandler := NewWSHandler(coordinator, cfg.AllowedOrigins)

	auth := AuthMiddleware(sessions, logger)
	// One limiter shared by every route. Protected routes apply it inside
	// auth so the bucket is keyed by session; open routes key by client IP.
	rl := RateLimitMiddleware(RateLimitConfig{RequestsPerMinute: cfg.RateLimitPerMinute})
	wrap := func(handler http.Handler) http.Handler { return auth(rl(handler)) }

	mux := http.NewServeMux()

	mux.Handle("/api/info", rl(methodHandler(http.MethodGet, apiHandler.HandleInfo)))
	mux.Handle("/api/init", rl(methodHandler(http.MethodPost, apiHandler.HandleInit)))
	mux.Handle("/api/health", rl(methodHandler(http.MethodGet, apiHandler.HandleHealth)))

	mux.Handle("/api/definitions", wrap(methodHandler(http.MethodGet, apiHandler.HandleDefinitions)))
	mux.Handle("/api/search", wrap(methodHandler(http.MethodPost, apiHandler.HandleSearch)))
	mux.Handle("/api/explore", wrap(methodHandler(http.MethodPost, apiHandler.HandleExplore)))
	mux.Handle("/api/execute", wrap(methodHandler(http.MethodPost, apiHandler.HandleExecute)))
	mux.Handle("/api/execute/stream", wrap(methodHandler(http.MethodPost, sseHandler.HandleExecuteStream)))
	mux.Handle("/api/execute/ws", wrap(http.HandlerFunc(wsHandler.HandleExecuteWS)))
	mux.Handle("/api/resume/", wrap(methodHandler(http.MethodPost, apiHandler.HandleResume)))

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}

	var handler http.Handler = mux
	if cfg.Metrics != nil {
		handler = metricsMiddleware(cfg.Metrics)(handler)
	}
	handler = LoggingMiddleware(logger)(handler)
	handler = CORSMiddleware(cfg.AllowedOrigins)(handler)
	return handler
}

// metricsMiddleware counts requests by path and status class.
func metricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			class := strconv.Itoa(recorder.status/100) + "xx"
			metrics.HTTPRequests.WithLabelValues(r.URL.Path, class).Inc()
		})
	}
}
