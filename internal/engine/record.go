package engine

import (
	"time"

	"atp/internal/provenance"
	"atp/internal/shared/jsonx"
)

// Execution statuses surfaced to clients.
const (
	StatusCompleted         = "completed"
	StatusPaused            = "paused"
	StatusFailed            = "failed"
	StatusSecurityViolation = "security_violation"
	StatusParseError        = "parse_error"
)

// ExecConfig is the per-execution slice of configuration a client may set.
// Policy selection can only narrow the registered list.
type ExecConfig struct {
	TimeoutMs        int      `json:"timeoutMs,omitempty"`
	MemoryBytes      int64    `json:"memoryBytes,omitempty"`
	LLMCalls         int      `json:"llmCalls,omitempty"`
	ProvenanceMode   string   `json:"provenanceMode,omitempty"`
	SecurityPolicies []string `json:"securityPolicies,omitempty"`
}

// effectEntry is one recorded suspendable-call result. Value keeps the
// exact bytes first recorded; replays decode the same bytes every time.
// Failed calls record Error instead, so a replay rejects identically
// without re-running the handler.
type effectEntry struct {
	Value jsonx.RawMessage `json:"value,omitempty"`
	Error *ErrorInfo       `json:"error,omitempty"`
	Label provenance.Label `json:"label,omitempty"`
	Type  string           `json:"type"`
}

// pendingEffect pairs a client-visible effect id with the effect-log slot
// its result must land in.
type pendingEffect struct {
	EffectID    string         `json:"effectId"`
	CallSiteKey string         `json:"callSiteKey"`
	ArgDigest   string         `json:"argDigest"`
	Type        string         `json:"type"`
	Operation   string         `json:"operation"`
	Payload     map[string]any `json:"payload"`
}

// executionRecord is the full serialized state of one execution, stored
// under exec:{executionId}. Any instance can load it and resume.
type executionRecord struct {
	ExecutionID string     `json:"executionId"`
	SessionID   string     `json:"sessionId"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	Config      ExecConfig `json:"config"`

	Effects map[string]effectEntry `json:"effects"`
	Pending []pendingEffect        `json:"pending,omitempty"`
	// Labels accumulates digest-to-label assignments from tool returns and
	// verified provenance hints; policies consult it on later calls.
	Labels map[string]provenance.Label `json:"labels,omitempty"`

	// RandomSeed and StartTimeMs pin the sandbox's deterministic sources.
	RandomSeed  int64 `json:"randomSeed"`
	StartTimeMs int64 `json:"startTimeMs"`

	CreatedAt time.Time `json:"createdAt"`
	Deadline  time.Time `json:"deadline"`

	// TokensIssued counts provenance tokens across every run of this
	// execution; the per-run budget is the cap minus this figure.
	TokensIssued int `json:"tokensIssued"`

	Stats ExecStats `json:"stats"`
}

// ExecStats is surfaced on every terminal result.
type ExecStats struct {
	DurationMs int64 `json:"duration"`
	Memory     int64 `json:"memory"`
	LLMCalls   int   `json:"llmCalls"`
	HTTPCalls  int   `json:"httpCalls"`
	LLMTokens  int   `json:"llmTokens,omitempty"`
}

func effectSlot(callSiteKey, argDigest string) string {
	return callSiteKey + "|" + argDigest
}

// recordEffect writes one slot, first write wins. Re-recording an already
// filled slot is a no-op so duplicate resume deliveries stay idempotent.
func (r *executionRecord) recordEffect(callSiteKey, argDigest string, entry effectEntry) {
	slot := effectSlot(callSiteKey, argDigest)
	if _, exists := r.Effects[slot]; exists {
		return
	}
	if r.Effects == nil {
		r.Effects = map[string]effectEntry{}
	}
	r.Effects[slot] = entry
}

// countEffects tallies recorded slots of one call type.
func (r *executionRecord) countEffects(typ string) int {
	n := 0
	for _, entry := range r.Effects {
		if entry.Type == typ {
			n++
		}
	}
	return n
}

func (r *executionRecord) lookupEffect(callSiteKey, argDigest string) (effectEntry, bool) {
	entry, ok := r.Effects[effectSlot(callSiteKey, argDigest)]
	return entry, ok
}

func (r *executionRecord) addLabel(digest string, label provenance.Label) {
	if label.SourceKind == "" || digest == "" {
		return
	}
	if r.Labels == nil {
		r.Labels = map[string]provenance.Label{}
	}
	if _, exists := r.Labels[digest]; !exists {
		r.Labels[digest] = label
	}
}

// NeedsCallback is one entry of a paused result.
type NeedsCallback struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Operation string         `json:"operation"`
	Payload   map[string]any `json:"payload"`
}

// ErrorInfo describes a failed execution.
type ErrorInfo struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// IssuedToken is a provenance token attached to a result.
type IssuedToken struct {
	Token string `json:"token"`
	Path  string `json:"path"`
}

// Callbacks flattens the single/batch callback shapes for consumers that
// do not care which one the protocol used.
func (r *Result) Callbacks() []NeedsCallback {
	if r.NeedsCallback != nil {
		return []NeedsCallback{*r.NeedsCallback}
	}
	return r.NeedsCallbacks
}

// Result is the execution result shape returned by execute and resume.
type Result struct {
	Status           string           `json:"status"`
	ExecutionID      string           `json:"executionId"`
	Value            any              `json:"result,omitempty"`
	Error            *ErrorInfo       `json:"error,omitempty"`
	NeedsCallback    *NeedsCallback   `json:"needsCallback,omitempty"`
	NeedsCallbacks   []NeedsCallback  `json:"needsCallbacks,omitempty"`
	ProvenanceTokens []IssuedToken    `json:"provenanceTokens,omitempty"`
	Stats            *ExecStats       `json:"stats,omitempty"`
	Logs             []string         `json:"logs,omitempty"`
}
