package http

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"atp/internal/atperr"
	"atp/internal/logging"
	"atp/internal/session"
)

var errSessionMismatch = atperr.New(atperr.KindForbidden, atperr.CodeForbidden, "client id does not match session")

type contextKey string

const sessionContextKey contextKey = "atpSession"

// Rotation headers. When a rotation is due the fresh token rides back on
// the same response; clients swap it in before the old one expires.
const (
	headerRotatedToken  = "X-Rotated-Token"
	headerTokenExpires  = "X-Token-Expires-At"
	headerTokenRotateAt = "X-Token-Rotate-At"
	headerClientID      = "X-Client-ID"
)

// CORSMiddleware handles CORS headers for the configured origins.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin || allowedOrigin == "*" {
					allowed = true
					break
				}
			}

			if origin != "" && allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+headerClientID)
				w.Header().Set("Access-Control-Expose-Headers", strings.Join([]string{headerRotatedToken, headerTokenExpires, headerTokenRotateAt}, ", "))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs incoming requests with their latency and status.
func LoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			logger.Info("%s %s -> %d (%s)", r.Method, r.URL.Path, recorder.status, time.Since(started).Round(time.Millisecond))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

// AuthMiddleware enforces bearer token authentication. A verified session
// lands in the request context; when rotation is due the fresh credentials
// ride back on response headers so the request itself still succeeds.
func AuthMiddleware(sessions *session.Manager, logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			token := extractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = strings.TrimSpace(r.URL.Query().Get("access_token"))
			}
			sess, err := sessions.Verify(r.Context(), token)
			if err != nil {
				writeError(logger, w, err)
				return
			}
			// The client id header, when present, must agree with the token.
			if claimed := r.Header.Get(headerClientID); claimed != "" && claimed != sess.SessionID {
				writeError(logger, w, errSessionMismatch)
				return
			}
			if creds, err := sessions.MaybeRotate(r.Context(), sess); err == nil && creds != nil {
				w.Header().Set(headerRotatedToken, creds.Token)
				w.Header().Set(headerTokenExpires, creds.ExpiresAt.Format(time.RFC3339))
				w.Header().Set(headerTokenRotateAt, creds.RotateAt.Format(time.RFC3339))
			} else if err != nil {
				logger.Warn("token rotation failed for %s: %v", sess.SessionID, err)
			}
			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CurrentSession extracts the authenticated session from request context.
func CurrentSession(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*session.Session)
	return sess, ok
}

func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
