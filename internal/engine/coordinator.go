// Package engine coordinates program executions: it compiles and runs
// sandboxed programs, persists paused executions to the shared cache under
// exec:{executionId}, and replays them from the effect log on resume. Any
// instance sharing the cache can resume any paused execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"github.com/pkoukk/tiktoken-go"

	"atp/internal/approval"
	"atp/internal/atperr"
	"atp/internal/cachestore"
	"atp/internal/logging"
	"atp/internal/policy"
	"atp/internal/provenance"
	"atp/internal/sandbox"
	"atp/internal/shared/jsonx"
	"atp/internal/toolregistry"
)

// Config carries the engine-wide execution defaults. Per-execution configs
// may lower budgets, never raise them past the configured maximums.
type Config struct {
	DefaultTimeout      time.Duration
	MaxTimeout          time.Duration
	DefaultMemoryBytes  int64
	DefaultLLMCalls     int
	ProvenanceMode      string
	MaxProvenanceTokens int
	// CompletedTTL keeps terminal records around briefly so a duplicate
	// resume gets a clean notFound instead of resurrecting the execution.
	CompletedTTL time.Duration
	UserCacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 5 * time.Minute
	}
	if c.DefaultMemoryBytes <= 0 {
		c.DefaultMemoryBytes = sandbox.DefaultMaxMemoryBytes
	}
	if c.DefaultLLMCalls <= 0 {
		c.DefaultLLMCalls = 20
	}
	if c.ProvenanceMode == "" {
		c.ProvenanceMode = string(provenance.ModeProxy)
	}
	if c.MaxProvenanceTokens <= 0 {
		c.MaxProvenanceTokens = 5000
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = time.Minute
	}
	if c.UserCacheTTL <= 0 {
		c.UserCacheTTL = 24 * time.Hour
	}
}

// Session identifies the caller of an execute or resume.
type Session struct {
	ID           string
	Capabilities []string
}

// CallbackResult is one delivered effect result on resume. Exactly one of
// Value and Error is meaningful.
type CallbackResult struct {
	ID    string           `json:"id"`
	Value jsonx.RawMessage `json:"result,omitempty"`
	Error *ErrorInfo       `json:"error,omitempty"`
}

// Engine owns execution lifecycles.
type Engine struct {
	store     cachestore.Store
	registry  *toolregistry.Registry
	policies  *policy.Engine
	tracker   *provenance.Tracker
	approvals approval.Handler
	cfg       Config
	logger    logging.Logger

	inflight sync.Map // executionID -> struct{}, the single-resume lock
	now      func() time.Time

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// New wires an engine. tracker may be nil when provenance is disabled;
// approvals defaults to fail-closed auto-deny.
func New(store cachestore.Store, registry *toolregistry.Registry, policies *policy.Engine, tracker *provenance.Tracker, approvals approval.Handler, cfg Config) *Engine {
	cfg.applyDefaults()
	if approvals == nil {
		approvals = approval.AutoDeny()
	}
	return &Engine{
		store:     store,
		registry:  registry,
		policies:  policies,
		tracker:   tracker,
		approvals: approvals,
		cfg:       cfg,
		logger:    logging.NewComponentLogger("Engine"),
		now:       time.Now,
	}
}

// Execute compiles and runs a program for a session. Parse and security
// failures are in-band results, not transport errors.
func (e *Engine) Execute(ctx context.Context, sess Session, source string, cfg ExecConfig) (*Result, error) {
	executionID := uuid.NewString()
	prog, err := sandbox.Compile(source)
	if err != nil {
		var parseErr *sandbox.ParseError
		if errors.As(err, &parseErr) {
			return &Result{
				Status:      StatusParseError,
				ExecutionID: executionID,
				Error:       &ErrorInfo{Message: parseErr.Error(), Code: atperr.CodeParseError},
			}, nil
		}
		var secErr *sandbox.SecurityError
		if errors.As(err, &secErr) {
			return &Result{
				Status:      StatusSecurityViolation,
				ExecutionID: executionID,
				Error:       &ErrorInfo{Message: secErr.Error(), Code: atperr.CodeSecurityViolation},
			}, nil
		}
		return nil, err
	}

	resolved, err := e.resolveConfig(cfg)
	if err != nil {
		return nil, err
	}

	now := e.now()
	rec := &executionRecord{
		ExecutionID: executionID,
		SessionID:   sess.ID,
		Source:      source,
		Status:      StatusPaused,
		Config:      resolved,
		RandomSeed:  seedFor(executionID),
		StartTimeMs: now.UnixMilli(),
		CreatedAt:   now,
		Deadline:    now.Add(time.Duration(resolved.TimeoutMs) * time.Millisecond),
	}
	e.logger.Info("execute %s session=%s timeout=%dms", executionID, sess.ID, resolved.TimeoutMs)
	return e.runRecord(ctx, rec, prog, sess.Capabilities, nil)
}

// Resume delivers callback results to a paused execution and replays it.
// Only the owning session may resume; one resume at a time per execution.
func (e *Engine) Resume(ctx context.Context, sess Session, executionID string, results []CallbackResult, provenanceHints []string) (*Result, error) {
	if _, loaded := e.inflight.LoadOrStore(executionID, struct{}{}); loaded {
		return nil, atperr.New(atperr.KindBusy, atperr.CodeBusy, "execution %s is already resuming", executionID)
	}
	defer e.inflight.Delete(executionID)

	rec, err := e.loadRecord(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if rec.SessionID != sess.ID {
		return nil, atperr.New(atperr.KindForbidden, atperr.CodeForbidden, "execution %s belongs to a different session", executionID)
	}
	if rec.Status != StatusPaused {
		return nil, atperr.New(atperr.KindNotFound, atperr.CodeNotFound, "execution %s is not resumable", executionID)
	}
	if !e.now().Before(rec.Deadline) {
		rec.Status = StatusFailed
		e.saveRecord(ctx, rec, e.cfg.CompletedTTL)
		return &Result{
			Status:      StatusFailed,
			ExecutionID: executionID,
			Error:       &ErrorInfo{Message: "execution wall budget exhausted", Code: atperr.CodeExecutionTimeout},
			Stats:       statsOf(rec),
		}, nil
	}

	prog, err := sandbox.Compile(rec.Source)
	if err != nil {
		// The source compiled when the record was created; this is corruption.
		return nil, atperr.Wrap(atperr.KindInfra, atperr.CodeCacheUnavailable, err)
	}

	issued, err := e.applyResults(rec, sess, results, provenanceHints)
	if err != nil {
		return nil, err
	}
	e.logger.Info("resume %s session=%s delivered=%d", executionID, sess.ID, len(results))
	return e.runRecord(ctx, rec, prog, sess.Capabilities, issued)
}

// resolveConfig clamps a client config against engine limits and validates
// its policy selection against the registered list.
func (e *Engine) resolveConfig(cfg ExecConfig) (ExecConfig, error) {
	out := cfg
	if out.TimeoutMs <= 0 {
		out.TimeoutMs = int(e.cfg.DefaultTimeout.Milliseconds())
	}
	if max := int(e.cfg.MaxTimeout.Milliseconds()); out.TimeoutMs > max {
		out.TimeoutMs = max
	}
	if out.MemoryBytes <= 0 || out.MemoryBytes > e.cfg.DefaultMemoryBytes {
		out.MemoryBytes = e.cfg.DefaultMemoryBytes
	}
	if out.LLMCalls <= 0 || out.LLMCalls > e.cfg.DefaultLLMCalls {
		out.LLMCalls = e.cfg.DefaultLLMCalls
	}
	if out.ProvenanceMode == "" {
		out.ProvenanceMode = e.cfg.ProvenanceMode
	}
	registered := map[string]bool{}
	for _, p := range e.policies.Policies() {
		registered[p.ID()] = true
	}
	for _, id := range out.SecurityPolicies {
		if !registered[id] {
			return ExecConfig{}, atperr.New(atperr.KindValidation, atperr.CodeInvalidArguments, "unknown security policy: %s", id)
		}
	}
	return out, nil
}

// runRecord replays the program against the record's effect log and turns
// the outcome into a client-facing result, persisting the record.
func (e *Engine) runRecord(ctx context.Context, rec *executionRecord, prog *sandbox.Program, capabilities []string, priorTokens []IssuedToken) (*Result, error) {
	started := e.now()
	remaining := rec.Deadline.Sub(started)
	runCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	env := &hostEnv{
		eng:          e,
		rec:          rec,
		capabilities: capabilities,
		budget:       e.budgetFor(rec),
		tokens:       append([]IssuedToken(nil), priorTokens...),
		newLLMSlots:  map[string]bool{},
	}
	res, runErr := prog.Run(runCtx, sandbox.RunOptions{
		Host:       env,
		Tools:      e.toolNames(),
		Mode:       provenance.ParseMode(rec.Config.ProvenanceMode),
		Limits:     sandbox.Limits{MaxMemoryBytes: rec.Config.MemoryBytes},
		RandomSeed: rec.RandomSeed,
		StartTime:  time.UnixMilli(rec.StartTimeMs),
	})

	rec.Stats.DurationMs += e.now().Sub(started).Milliseconds()
	rec.Stats.LLMCalls = rec.countEffects(sandbox.CallTypeLLM)
	rec.Stats.HTTPCalls = rec.countEffects(sandbox.CallTypeTool)

	if runErr == nil {
		rec.Status = StatusCompleted
		rec.Pending = nil
		rec.Stats.Memory = res.Memory
		e.saveRecord(ctx, rec, e.cfg.CompletedTTL)
		return &Result{
			Status:           StatusCompleted,
			ExecutionID:      rec.ExecutionID,
			Value:            res.Value,
			ProvenanceTokens: env.tokens,
			Stats:            statsOf(rec),
			Logs:             res.Logs,
		}, nil
	}

	var suspension *sandbox.Suspension
	if errors.As(runErr, &suspension) {
		return e.pause(ctx, rec, env, suspension)
	}

	var thrown *sandbox.ThrownError
	if errors.As(runErr, &thrown) {
		return e.fail(ctx, rec, &ErrorInfo{Message: thrown.Message, Code: thrownCode(thrown)}), nil
	}

	if errors.Is(runErr, context.DeadlineExceeded) {
		return e.fail(ctx, rec, &ErrorInfo{Message: "execution wall budget exhausted", Code: atperr.CodeExecutionTimeout}), nil
	}
	var typed *atperr.Error
	if errors.As(runErr, &typed) {
		if typed.Kind == atperr.KindInfra {
			return nil, typed
		}
		return e.fail(ctx, rec, &ErrorInfo{Message: typed.Error(), Code: atperr.ClientCode(typed)}), nil
	}
	return nil, runErr
}

// pause persists the suspended execution and shapes the callback request.
// TTL is the remaining wall budget: an expired record simply vanishes.
func (e *Engine) pause(ctx context.Context, rec *executionRecord, env *hostEnv, s *sandbox.Suspension) (*Result, error) {
	rec.Status = StatusPaused
	rec.Pending = rec.Pending[:0]
	callbacks := make([]NeedsCallback, 0, len(s.Calls))
	for _, call := range s.Calls {
		pending := pendingEffect{
			EffectID:    uuid.NewString(),
			CallSiteKey: call.CallSiteKey,
			ArgDigest:   call.ArgDigest,
			Type:        call.Type,
			Operation:   call.Operation,
			Payload:     call.Args,
		}
		rec.Pending = append(rec.Pending, pending)
		callbacks = append(callbacks, NeedsCallback{
			ID:        pending.EffectID,
			Type:      pending.Type,
			Operation: pending.Operation,
			Payload:   pending.Payload,
		})
	}
	ttl := rec.Deadline.Sub(e.now())
	if ttl <= 0 {
		return e.fail(ctx, rec, &ErrorInfo{Message: "execution wall budget exhausted", Code: atperr.CodeExecutionTimeout}), nil
	}
	if err := e.persistRecord(ctx, rec, ttl); err != nil {
		return nil, atperr.Wrap(atperr.KindInfra, atperr.CodeCacheUnavailable, err)
	}

	result := &Result{
		Status:           StatusPaused,
		ExecutionID:      rec.ExecutionID,
		ProvenanceTokens: env.tokens,
		Stats:            statsOf(rec),
	}
	if len(callbacks) == 1 {
		result.NeedsCallback = &callbacks[0]
	} else {
		result.NeedsCallbacks = callbacks
	}
	return result, nil
}

func (e *Engine) fail(ctx context.Context, rec *executionRecord, info *ErrorInfo) *Result {
	rec.Status = StatusFailed
	rec.Pending = nil
	e.saveRecord(ctx, rec, e.cfg.CompletedTTL)
	return &Result{
		Status:      StatusFailed,
		ExecutionID: rec.ExecutionID,
		Error:       info,
		Stats:       statsOf(rec),
	}
}

// applyResults writes delivered callback results into the effect log and
// issues provenance tokens for the new values.
func (e *Engine) applyResults(rec *executionRecord, sess Session, results []CallbackResult, hints []string) ([]IssuedToken, error) {
	byID := map[string]pendingEffect{}
	for _, p := range rec.Pending {
		byID[p.EffectID] = p
	}

	if e.tracker != nil {
		for _, raw := range hints {
			digest, label, err := e.tracker.VerifyHint(rec.SessionID, raw)
			if err != nil {
				e.logger.Warn("rejected provenance hint for execution %s: %v", rec.ExecutionID, err)
				continue
			}
			rec.addLabel(digest, label)
		}
	}

	var issued []IssuedToken
	budget := e.budgetFor(rec)
	for _, res := range results {
		// The single-callback resume form omits the effect id; accept it
		// only when exactly one callback is outstanding.
		if res.ID == "" && len(rec.Pending) == 1 {
			res.ID = rec.Pending[0].EffectID
		}
		pending, ok := byID[res.ID]
		if !ok {
			return nil, atperr.New(atperr.KindValidation, atperr.CodeInvalidArguments, "unknown effect id: %s", res.ID)
		}
		if res.Error != nil {
			rec.recordEffect(pending.CallSiteKey, pending.ArgDigest, effectEntry{
				Error: res.Error,
				Type:  pending.Type,
			})
			continue
		}
		value, err := decodeDelivered(pending, res.Value)
		if err != nil {
			return nil, atperr.New(atperr.KindValidation, atperr.CodeInvalidArguments, "effect %s: %v", res.ID, err)
		}
		data, err := jsonx.Marshal(value)
		if err != nil {
			return nil, atperr.New(atperr.KindValidation, atperr.CodeInvalidArguments, "effect %s: %v", res.ID, err)
		}
		label := labelFor(pending)
		rec.recordEffect(pending.CallSiteKey, pending.ArgDigest, effectEntry{
			Value: data,
			Label: label,
			Type:  pending.Type,
		})
		if e.tracker != nil && rec.Config.ProvenanceMode != string(provenance.ModeNone) {
			tokens, labels, err := e.tracker.IssueForValue(rec.SessionID, rec.ExecutionID, value, label, budget)
			if err != nil {
				e.logger.Warn("provenance issue failed for execution %s: %v", rec.ExecutionID, err)
				continue
			}
			for digest, l := range labels {
				rec.addLabel(digest, l)
			}
			for _, tok := range tokens {
				issued = append(issued, IssuedToken{Token: tok.Token, Path: tok.Path})
			}
			rec.TokensIssued += len(tokens)
		}
	}
	rec.Pending = nil
	return issued, nil
}

// decodeDelivered parses one delivered result. Extraction results that
// arrive as almost-JSON strings are repaired and parsed, so programs can
// destructure them without hand-rolled cleanup.
func decodeDelivered(pending pendingEffect, raw jsonx.RawMessage) (any, error) {
	var value any
	if len(raw) > 0 {
		if err := jsonx.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("result is not valid JSON: %w", err)
		}
	}
	if pending.Operation != "llm.extract" {
		return value, nil
	}
	text, isString := value.(string)
	if !isString {
		return value, nil
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return value, nil
	}
	var parsed any
	if err := jsonx.Unmarshal([]byte(repaired), &parsed); err != nil {
		return value, nil
	}
	return parsed, nil
}

func labelFor(pending pendingEffect) provenance.Label {
	switch pending.Type {
	case sandbox.CallTypeLLM:
		return provenance.Label{SourceKind: provenance.SourceLLM}
	case sandbox.CallTypeTool:
		return provenance.Label{SourceKind: provenance.SourceTool, ToolName: pending.Operation}
	case sandbox.CallTypeApproval:
		return provenance.Label{SourceKind: provenance.SourceApproval}
	default:
		return provenance.Label{SourceKind: provenance.SourceDerived}
	}
}

// budgetFor builds the remaining per-execution token budget.
func (e *Engine) budgetFor(rec *executionRecord) *provenance.Budget {
	remaining := e.cfg.MaxProvenanceTokens - rec.TokensIssued
	if remaining < 1 {
		remaining = 1
	}
	return provenance.NewBudget(remaining)
}

func (e *Engine) toolNames() []string {
	tools := e.registry.List()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func (e *Engine) loadRecord(ctx context.Context, executionID string) (*executionRecord, error) {
	data, err := e.store.Get(ctx, cachestore.PrefixExecution+executionID)
	if err != nil {
		return nil, atperr.Wrap(atperr.KindInfra, atperr.CodeCacheUnavailable, err)
	}
	if data == nil {
		return nil, atperr.New(atperr.KindNotFound, atperr.CodeNotFound, "execution %s not found or expired", executionID)
	}
	var rec executionRecord
	if err := jsonx.Unmarshal(data, &rec); err != nil {
		return nil, atperr.Wrap(atperr.KindInfra, atperr.CodeCacheUnavailable, err)
	}
	return &rec, nil
}

func (e *Engine) persistRecord(ctx context.Context, rec *executionRecord, ttl time.Duration) error {
	data, err := jsonx.Marshal(rec)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, cachestore.PrefixExecution+rec.ExecutionID, data, ttl)
}

// saveRecord is persistRecord for paths where a write failure must not
// mask the execution outcome.
func (e *Engine) saveRecord(ctx context.Context, rec *executionRecord, ttl time.Duration) {
	if err := e.persistRecord(ctx, rec, ttl); err != nil {
		e.logger.Error("persist of execution %s failed: %v", rec.ExecutionID, err)
	}
}

func statsOf(rec *executionRecord) *ExecStats {
	stats := rec.Stats
	return &stats
}

// thrownCode lifts a code property off a thrown error object when present.
func thrownCode(t *sandbox.ThrownError) string {
	if obj, ok := t.Value.(map[string]any); ok {
		if code, ok := obj["code"].(string); ok {
			return code
		}
	}
	return "runtimeError"
}

// countTokens estimates prompt tokens for stats. Encoder setup failures
// disable counting rather than failing calls.
func (e *Engine) countTokens(args map[string]any) int {
	e.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			e.logger.Warn("token encoder unavailable: %v", err)
			return
		}
		e.enc = enc
	})
	if e.enc == nil {
		return 0
	}
	data, err := jsonx.Marshal(args)
	if err != nil {
		return 0
	}
	return len(e.enc.Encode(string(data), nil, nil))
}

func seedFor(executionID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(executionID))
	return int64(h.Sum64())
}
