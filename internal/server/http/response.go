package http

import (
	"net/http"
	"strings"

	"atp/internal/atperr"
	"atp/internal/logging"
	"atp/internal/shared/jsonx"
)

type apiErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(logger logging.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonx.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

// writeError maps an error to its transport status and client-safe code.
// Authentication subcategories collapse to the opaque unauthenticated code
// before anything reaches the wire.
func writeError(logger logging.Logger, w http.ResponseWriter, err error) {
	status := atperr.HTTPStatus(atperr.KindOf(err))
	code := atperr.ClientCode(err)
	message := err.Error()
	if status == http.StatusUnauthorized {
		message = "unauthenticated"
	}
	if status >= http.StatusInternalServerError {
		logger.Error("HTTP %d (%s): %v", status, code, err)
	} else {
		logger.Warn("HTTP %d (%s): %v", status, code, err)
	}
	writeJSON(logger, w, status, apiErrorResponse{Error: message, Code: code})
}

func writeBadRequest(logger logging.Logger, w http.ResponseWriter, message string) {
	logger.Warn("HTTP 400 - %s", message)
	writeJSON(logger, w, http.StatusBadRequest, apiErrorResponse{Error: message, Code: "badRequest"})
}

// sensitiveArgKeys are redacted from any payload echoed back in logs.
var sensitiveArgKeys = map[string]bool{
	"token":         true,
	"secret":        true,
	"password":      true,
	"authorization": true,
	"apikey":        true,
	"api_key":       true,
}

// sanitizeArguments returns a copy of args safe to log.
func sanitizeArguments(args map[string]any) map[string]any {
	if len(args) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if sensitiveArgKeys[strings.ToLower(k)] {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}
