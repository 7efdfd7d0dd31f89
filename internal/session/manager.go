package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"atp/internal/atperr"
	"atp/internal/cachestore"
	"atp/internal/logging"
	"atp/internal/shared/jsonx"
)

// MinSecretLen is the minimum accepted signing secret length in bytes.
// Anything shorter is a fatal startup error, never a warning.
const MinSecretLen = 32

// rotationGrace keeps a superseded token verifiable after rotation so
// in-flight requests signed with it do not fail mid-air.
const rotationGrace = 30 * time.Second

// Config tunes token lifetimes.
type Config struct {
	TokenTTL    time.Duration // bearer token lifetime (default 1h)
	SessionTTL  time.Duration // session record lifetime (default 24h)
	RotateEvery time.Duration // rotation cadence (default 15m)
}

func (c *Config) applyDefaults() {
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.RotateEvery <= 0 {
		c.RotateEvery = 15 * time.Minute
	}
}

// Manager implements init/verify/rotate over HS256-signed token envelopes.
// Signature verification is constant-time (HMAC compare inside jwt).
type Manager struct {
	secret []byte
	cfg    Config
	cache  cachestore.Store
	logger logging.Logger
	now    func() time.Time
}

// claims is the signed token envelope.
type claims struct {
	Nonce    string `json:"nonce"`
	RotateAt int64  `json:"rot"`
	jwt.RegisteredClaims
}

// NewManager validates the secret and builds a Manager. A short or missing
// secret is a hard error so the caller refuses to start.
func NewManager(secret []byte, cfg Config, cache cachestore.Store) (*Manager, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("session: signing secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	cfg.applyDefaults()
	return &Manager{
		secret: secret,
		cfg:    cfg,
		cache:  cache,
		logger: logging.NewComponentLogger("SessionManager"),
		now:    time.Now,
	}, nil
}

// Init allocates a fresh session and issues its first token. capabilities
// are recorded as claimed, not verified; the scope checker judges them.
func (m *Manager) Init(ctx context.Context, clientInfo map[string]string, capabilities []string) (*Session, Credentials, error) {
	now := m.now()
	sess := &Session{
		SessionID:           newSessionID(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(m.cfg.SessionTTL),
		RotateAt:            now.Add(m.cfg.RotateEvery),
		ClientInfo:          clientInfo,
		CapabilitiesClaimed: capabilities,
		LastIssuedAt:        now,
	}
	token, expiresAt, err := m.sign(sess.SessionID, now, sess.RotateAt)
	if err != nil {
		return nil, Credentials{}, err
	}
	if err := m.save(ctx, sess); err != nil {
		return nil, Credentials{}, err
	}
	m.logger.Info("session %s initialized", sess.SessionID)
	return sess, Credentials{
		SessionID: sess.SessionID,
		Token:     token,
		ExpiresAt: expiresAt,
		RotateAt:  sess.RotateAt,
	}, nil
}

// Verify parses and verifies a raw bearer token and loads its session.
// Every failure mode carries an internal code but the same opaque
// unauthenticated kind; handlers must not distinguish them to clients.
func (m *Manager) Verify(ctx context.Context, rawToken string) (*Session, error) {
	if rawToken == "" {
		return nil, atperr.New(atperr.KindUnauthenticated, atperr.CodeMalformedToken, "missing token")
	}
	var cl claims
	// WithValidMethods rejects alg=none and any non-HMAC envelope before
	// the payload is trusted.
	_, err := jwt.ParseWithClaims(rawToken, &cl, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, atperr.Wrap(atperr.KindUnauthenticated, atperr.CodeTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, atperr.Wrap(atperr.KindUnauthenticated, atperr.CodeSignatureInvalid, err)
		default:
			return nil, atperr.Wrap(atperr.KindUnauthenticated, atperr.CodeMalformedToken, err)
		}
	}
	sessionID := cl.Subject
	if !ValidSessionID(sessionID) {
		return nil, atperr.New(atperr.KindUnauthenticated, atperr.CodeMalformedToken, "bad session id format")
	}
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if m.now().After(sess.ExpiresAt) {
		return nil, atperr.New(atperr.KindUnauthenticated, atperr.CodeTokenExpired, "session expired")
	}
	// A token issued before the latest rotation is superseded; it stays
	// verifiable only through the grace window so in-flight requests
	// signed with it land. iat is second-precision, so the issuance mark
	// is truncated before comparing.
	if cl.IssuedAt != nil && cl.IssuedAt.Time.Before(sess.LastIssuedAt.Truncate(time.Second)) {
		if m.now().After(sess.LastIssuedAt.Add(rotationGrace)) {
			return nil, atperr.New(atperr.KindUnauthenticated, atperr.CodeTokenExpired, "token superseded by rotation")
		}
	}
	return sess, nil
}

// MaybeRotate issues a fresh token when the session is due. The previous
// token stays verifiable for the rotation grace window, then Verify
// rejects it as superseded.
func (m *Manager) MaybeRotate(ctx context.Context, sess *Session) (*Credentials, error) {
	now := m.now()
	if now.Before(sess.RotateAt) {
		return nil, nil
	}
	// issuedAt is monotonic per session even under clock skew.
	if !now.After(sess.LastIssuedAt) {
		now = sess.LastIssuedAt.Add(time.Millisecond)
	}
	sess.RotateAt = now.Add(m.cfg.RotateEvery)
	sess.LastIssuedAt = now
	token, expiresAt, err := m.sign(sess.SessionID, now, sess.RotateAt)
	if err != nil {
		return nil, err
	}
	if err := m.save(ctx, sess); err != nil {
		return nil, err
	}
	m.logger.Debug("session %s rotated, next rotation %s", sess.SessionID, sess.RotateAt.Format(time.RFC3339))
	return &Credentials{
		SessionID: sess.SessionID,
		Token:     token,
		ExpiresAt: expiresAt,
		RotateAt:  sess.RotateAt,
	}, nil
}

// Revoke drops the session record; outstanding tokens die with it.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	return m.cache.Delete(ctx, cachestore.PrefixSession+sessionID)
}

// RotationGrace is the window during which a superseded token remains valid.
func RotationGrace() time.Duration { return rotationGrace }

func (m *Manager) sign(sessionID string, issuedAt, rotateAt time.Time) (string, time.Time, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", time.Time{}, err
	}
	expiresAt := issuedAt.Add(m.cfg.TokenTTL)
	cl := claims{
		Nonce:    hex.EncodeToString(nonce),
		RotateAt: rotateAt.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (m *Manager) save(ctx context.Context, sess *Session) error {
	data, err := jsonx.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return m.cache.Set(ctx, cachestore.PrefixSession+sess.SessionID, data, ttl)
}

func (m *Manager) load(ctx context.Context, sessionID string) (*Session, error) {
	data, err := m.cache.Get(ctx, cachestore.PrefixSession+sessionID)
	if err != nil || data == nil {
		return nil, atperr.New(atperr.KindUnauthenticated, atperr.CodeUnauthenticated, "unknown session")
	}
	var sess Session
	if err := jsonx.Unmarshal(data, &sess); err != nil {
		return nil, atperr.Wrap(atperr.KindUnauthenticated, atperr.CodeUnauthenticated, err)
	}
	return &sess, nil
}

func newSessionID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable for identity material.
		panic(fmt.Sprintf("session: crypto/rand unavailable: %v", err))
	}
	return "cli_" + hex.EncodeToString(buf)
}
