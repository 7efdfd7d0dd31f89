package provenance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"atp/internal/shared/jsonx"
)

// tokenVersion guards against payload layout changes.
const tokenVersion = 1

// tokenPayload is the signed tuple inside a provenance token.
type tokenPayload struct {
	Version     int    `json:"v"`
	SessionID   string `json:"sid"`
	ExecutionID string `json:"eid"`
	ExpiresAt   int64  `json:"exp"`
	ValueDigest string `json:"dig"`
	MetadataID  string `json:"mid"`
}

func signToken(secret []byte, payload tokenPayload) (string, error) {
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return encoded + "." + sig, nil
}

// verifyToken checks the signature in constant time, then expiry, then
// returns the payload. The signature is checked before the payload is
// parsed so forged envelopes never reach the decoder.
func verifyToken(secret []byte, raw string, now time.Time) (tokenPayload, error) {
	var zero tokenPayload
	dot := strings.LastIndexByte(raw, '.')
	if dot <= 0 || dot == len(raw)-1 {
		return zero, fmt.Errorf("malformed provenance token")
	}
	encoded, sig := raw[:dot], raw[dot+1:]
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return zero, fmt.Errorf("invalid provenance token signature")
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return zero, fmt.Errorf("malformed provenance token body")
	}
	var payload tokenPayload
	if err := jsonx.Unmarshal(body, &payload); err != nil {
		return zero, fmt.Errorf("malformed provenance token payload")
	}
	if payload.Version != tokenVersion {
		return zero, fmt.Errorf("unsupported provenance token version %d", payload.Version)
	}
	if now.Unix() >= payload.ExpiresAt {
		return zero, fmt.Errorf("provenance token expired")
	}
	return payload, nil
}
