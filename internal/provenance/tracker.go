package provenance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"atp/internal/logging"
	"atp/internal/shared/canonjson"
)

const (
	// MinSecretLen mirrors the session secret floor.
	MinSecretLen = 32

	defaultTokenTTL     = time.Hour
	defaultMaxTokens    = 5000 // hard issuance cap per execution
	defaultRegistrySize = 10000
	defaultWalkDepth    = 8
)

// Config tunes the tracker.
type Config struct {
	TokenTTL     time.Duration
	MaxTokens    int // per-execution issuance cap
	RegistrySize int // metadata registry LRU bound
	RegistryTTL  time.Duration
	WalkDepth    int
}

func (c *Config) applyDefaults() {
	if c.TokenTTL <= 0 {
		c.TokenTTL = defaultTokenTTL
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.RegistrySize <= 0 {
		c.RegistrySize = defaultRegistrySize
	}
	if c.RegistryTTL <= 0 {
		c.RegistryTTL = defaultTokenTTL
	}
	if c.WalkDepth <= 0 {
		c.WalkDepth = defaultWalkDepth
	}
}

// IssuedToken pairs a signed token with the path of the value it labels.
type IssuedToken struct {
	Token string `json:"token"`
	Path  string `json:"path"`
}

// Budget is the per-execution issuance counter. The engine owns one per
// execution record; past the cap, values label as unknown and no token is
// issued.
type Budget struct {
	used int
	max  int
}

// NewBudget returns a fresh issuance budget (0 uses the tracker default).
func NewBudget(max int) *Budget {
	if max <= 0 {
		max = defaultMaxTokens
	}
	return &Budget{max: max}
}

// Exhausted reports whether the cap was hit.
func (b *Budget) Exhausted() bool { return b.used >= b.max }

func (b *Budget) take() bool {
	if b.used >= b.max {
		return false
	}
	b.used++
	return true
}

// Tracker issues and verifies provenance tokens and holds the metadata
// registry that maps token metadata IDs back to labels.
type Tracker struct {
	secret   []byte
	cfg      Config
	registry *expirable.LRU[string, Label]
	logger   logging.Logger
	now      func() time.Time
}

// NewTracker validates the secret and builds a tracker. Pass mode through
// the engine config; the tracker itself is mode-agnostic.
func NewTracker(secret []byte, cfg Config) (*Tracker, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("provenance: secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	cfg.applyDefaults()
	return &Tracker{
		secret:   secret,
		cfg:      cfg,
		registry: expirable.NewLRU[string, Label](cfg.RegistrySize, nil, cfg.RegistryTTL),
		logger:   logging.NewComponentLogger("Provenance"),
		now:      time.Now,
	}, nil
}

// IssueForValue walks a tool/LLM return value to bounded depth, labels each
// distinct node, and issues one token per labeled value until the budget
// runs out. It returns the tokens and a digest->label map the engine merges
// into the execution's label table.
func (t *Tracker) IssueForValue(sessionID, executionID string, value any, base Label, budget *Budget) ([]IssuedToken, map[string]Label, error) {
	if budget == nil {
		budget = NewBudget(t.cfg.MaxTokens)
	}
	tokens := make([]IssuedToken, 0, 4)
	labels := make(map[string]Label)
	walk := func(path string, node any) error {
		digest, err := canonjson.Digest(node)
		if err != nil {
			return err
		}
		if _, seen := labels[digest]; seen {
			return nil
		}
		label := base
		label.Digest = digest
		if !budget.take() {
			labels[digest] = Label{SourceKind: SourceUnknown, Digest: digest}
			return nil
		}
		labels[digest] = label
		token, err := t.issueOne(sessionID, executionID, digest, label)
		if err != nil {
			return err
		}
		tokens = append(tokens, IssuedToken{Token: token, Path: path})
		return nil
	}
	if err := t.walkValue("$", value, t.cfg.WalkDepth, walk); err != nil {
		return nil, nil, err
	}
	return tokens, labels, nil
}

func (t *Tracker) walkValue(path string, node any, depth int, visit func(path string, node any) error) error {
	if err := visit(path, node); err != nil {
		return err
	}
	if depth <= 0 {
		return nil
	}
	switch typed := node.(type) {
	case map[string]any:
		for key, child := range typed {
			if err := t.walkValue(path+"."+key, child, depth-1, visit); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range typed {
			if err := t.walkValue(fmt.Sprintf("%s[%d]", path, i), child, depth-1, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tracker) issueOne(sessionID, executionID, digest string, label Label) (string, error) {
	metadataID := uuid.NewString()
	t.registry.Add(metadataID, label)
	return signToken(t.secret, tokenPayload{
		Version:     tokenVersion,
		SessionID:   sessionID,
		ExecutionID: executionID,
		ExpiresAt:   t.now().Add(t.cfg.TokenTTL).Unix(),
		ValueDigest: digest,
		MetadataID:  metadataID,
	})
}

// VerifyHint validates a client-replayed token for a session and returns
// the digest it labels plus the reconstructed label. Tokens from other
// sessions, expired tokens and forged tokens all fail closed.
func (t *Tracker) VerifyHint(sessionID, raw string) (string, Label, error) {
	payload, err := verifyToken(t.secret, raw, t.now())
	if err != nil {
		return "", Label{}, err
	}
	if payload.SessionID != sessionID {
		return "", Label{}, fmt.Errorf("provenance token bound to a different session")
	}
	label, ok := t.registry.Get(payload.MetadataID)
	if !ok {
		// Metadata evicted or expired; the digest alone still lets the
		// engine treat the value as tool-derived rather than trusted.
		label = Label{SourceKind: SourceDerived, Digest: payload.ValueDigest}
	}
	return payload.ValueDigest, label, nil
}
