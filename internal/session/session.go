// Package session issues, rotates and verifies the bearer tokens that bind
// every authenticated request to a client session. Session metadata lives in
// the shared cache so any instance can verify any client.
package session

import (
	"regexp"
	"time"
)

// Session is the per-client identity record stored under sess:{sessionId}.
type Session struct {
	SessionID           string            `json:"session_id"`
	CreatedAt           time.Time         `json:"created_at"`
	ExpiresAt           time.Time         `json:"expires_at"`
	RotateAt            time.Time         `json:"rotate_at"`
	ClientInfo          map[string]string `json:"client_info,omitempty"`
	CapabilitiesClaimed []string          `json:"capabilities_claimed,omitempty"`
	// LastIssuedAt enforces monotonic token issuance per session.
	LastIssuedAt time.Time `json:"last_issued_at"`
}

// Credentials is what Init hands back to the client.
type Credentials struct {
	SessionID string    `json:"clientId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	RotateAt  time.Time `json:"rotateAt"`
}

// sessionIDPattern is the exact accepted format. Anything else is rejected
// before a cache lookup happens.
var sessionIDPattern = regexp.MustCompile(`^cli_[0-9a-f]{32}$`)

// ValidSessionID reports whether id matches the required format.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
