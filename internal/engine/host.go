package engine

import (
	"context"
	"strings"

	"atp/internal/approval"
	"atp/internal/atperr"
	"atp/internal/cachestore"
	"atp/internal/policy"
	"atp/internal/provenance"
	"atp/internal/sandbox"
	"atp/internal/shared/canonjson"
	"atp/internal/shared/jsonx"
	"atp/internal/toolregistry"
)

// hostEnv services one run of one execution. It implements sandbox.Host:
// every suspendable call lands here, consults the effect log, and either
// replays, resolves server-side, or suspends.
type hostEnv struct {
	eng          *Engine
	rec          *executionRecord
	capabilities []string
	budget       *provenance.Budget
	tokens       []IssuedToken
	// newLLMSlots tracks llm calls first seen during this run so the call
	// budget counts each slot once even across replays.
	newLLMSlots map[string]bool
}

func (h *hostEnv) Invoke(ctx context.Context, call *sandbox.HostCall) (*sandbox.HostResult, error) {
	for digest, label := range call.Labels {
		h.rec.addLabel(digest, label)
	}

	if entry, ok := h.rec.lookupEffect(call.CallSiteKey, call.ArgDigest); ok {
		return replayEntry(entry)
	}

	switch call.Type {
	case sandbox.CallTypeCache:
		return h.serveCache(ctx, call)
	case sandbox.CallTypeTool:
		return h.serveTool(ctx, call)
	case sandbox.CallTypeLLM:
		if res, halted, err := h.checkLLMPolicy(ctx, call); halted || err != nil {
			return res, err
		}
		if err := h.chargeLLM(call); err != nil {
			return nil, err
		}
		return &sandbox.HostResult{Suspend: true}, nil
	default:
		// Approval requests, embeddings, and anything future-shaped are
		// client-owned: they suspend, and the resumed decision replays from
		// the effect log. The server-side approval.Handler serves only the
		// policy approve gate.
		return &sandbox.HostResult{Suspend: true}, nil
	}
}

// replayEntry decodes a recorded slot. The stored bytes are decoded the
// same way every time, so replays observe byte-identical results.
func replayEntry(entry effectEntry) (*sandbox.HostResult, error) {
	if entry.Error != nil {
		hostErr := &sandbox.HostError{
			Message: entry.Error.Message,
			Code:    entry.Error.Code,
			Context: entry.Error.Context,
		}
		if id, ok := entry.Error.Context["policy"].(string); ok {
			hostErr.Policy = id
		}
		return &sandbox.HostResult{Err: hostErr}, nil
	}
	var value any
	if len(entry.Value) > 0 {
		if err := jsonx.Unmarshal(entry.Value, &value); err != nil {
			return nil, atperr.Wrap(atperr.KindInfra, atperr.CodeCacheUnavailable, err)
		}
	}
	return &sandbox.HostResult{Value: value, Label: entry.Label}, nil
}

// serveCache resolves atp.cache.* against the session-scoped store. Results
// are recorded: a value observed before a pause must be the value observed
// after resume, even if the underlying key changed in between.
func (h *hostEnv) serveCache(ctx context.Context, call *sandbox.HostCall) (*sandbox.HostResult, error) {
	key, _ := call.Args["key"].(string)
	storeKey := cachestore.SessionCacheKey(h.rec.SessionID, key)
	switch call.Operation {
	case "cache.set":
		data, err := jsonx.Marshal(call.Args["value"])
		if err != nil {
			return h.recordError(call, &ErrorInfo{Message: "cache value is not serializable", Code: atperr.CodeInvalidArguments})
		}
		if err := h.eng.store.Set(ctx, storeKey, data, h.eng.cfg.UserCacheTTL); err != nil {
			return nil, atperr.Wrap(atperr.KindInfra, atperr.CodeCacheUnavailable, err)
		}
		return h.recordValue(call, jsonx.RawMessage("true"), provenance.Label{})
	default: // cache.get
		data, err := h.eng.store.Get(ctx, storeKey)
		if err != nil {
			return nil, atperr.Wrap(atperr.KindInfra, atperr.CodeCacheUnavailable, err)
		}
		if data == nil {
			data = []byte("null")
		}
		return h.recordValue(call, data, provenance.Label{})
	}
}

// serveTool runs the full gate chain for an api.* invocation: scope check,
// argument validation, policies, approval, then either the server-side
// handler or a suspension toward the client.
func (h *hostEnv) serveTool(ctx context.Context, call *sandbox.HostCall) (*sandbox.HostResult, error) {
	tool, found := h.eng.registry.Resolve(call.Operation)
	if !found {
		return h.recordError(call, &ErrorInfo{
			Message: "unknown tool: " + call.Operation,
			Code:    atperr.CodeNotFound,
		})
	}
	if err := h.eng.registry.CheckScopes(ctx, call.Operation, h.capabilities); err != nil {
		return h.recordError(call, &ErrorInfo{
			Message: err.Error(),
			Code:    atperr.ClientCode(err),
		})
	}
	if err := tool.ValidateArgs(call.Args); err != nil {
		return h.recordError(call, &ErrorInfo{Message: err.Error(), Code: atperr.CodeInvalidArguments})
	}

	decision := h.eng.policies.Evaluate(ctx, policy.Input{
		Tool:             call.Operation,
		OperationType:    string(tool.Metadata.OperationType),
		SensitivityLevel: string(tool.Metadata.SensitivityLevel),
		RequiresApproval: tool.Metadata.RequiresApproval,
		Args:             call.Args,
		Lookup:           h.labelLookup(),
	}, h.rec.Config.SecurityPolicies)

	switch decision.Action.Kind {
	case policy.ActionBlock:
		return h.recordPolicyBlock(call, decision)
	case policy.ActionApprove:
		if res, halted, err := h.runApprovalGate(ctx, call, tool.Name, decision.Action.Message, decision.Action.Context); halted || err != nil {
			return res, err
		}
	default:
		if tool.Metadata.NeedsApproval() {
			if res, halted, err := h.runApprovalGate(ctx, call, tool.Name, "", nil); halted || err != nil {
				return res, err
			}
		}
	}

	if tool.Handler == nil {
		return &sandbox.HostResult{Suspend: true}, nil
	}
	return h.runHandler(ctx, call, tool)
}

// checkLLMPolicy runs the policy list against an llm call before it goes to
// the client. The policy surface names llm operations "atp/llm/<op>".
func (h *hostEnv) checkLLMPolicy(ctx context.Context, call *sandbox.HostCall) (*sandbox.HostResult, bool, error) {
	policyName := "atp/llm/" + strings.TrimPrefix(call.Operation, "llm.")
	decision := h.eng.policies.Evaluate(ctx, policy.Input{
		Tool:   policyName,
		Args:   call.Args,
		Lookup: h.labelLookup(),
	}, h.rec.Config.SecurityPolicies)
	switch decision.Action.Kind {
	case policy.ActionBlock:
		res, err := h.recordPolicyBlock(call, decision)
		return res, true, err
	case policy.ActionApprove:
		res, halted, err := h.runApprovalGate(ctx, call, policyName, decision.Action.Message, decision.Action.Context)
		return res, halted, err
	default:
		return nil, false, nil
	}
}

// runApprovalGate consults the gate slot for this call, asking the handler
// only once per (callSiteKey, argDigest). halted is true when the call must
// not proceed; res carries the denial the program can catch.
func (h *hostEnv) runApprovalGate(ctx context.Context, call *sandbox.HostCall, toolName, message string, policyContext map[string]any) (res *sandbox.HostResult, halted bool, err error) {
	gateKey := call.CallSiteKey + "#gate"
	if entry, ok := h.rec.lookupEffect(gateKey, call.ArgDigest); ok {
		if entry.Error != nil {
			replayed, rerr := replayEntry(entry)
			return replayed, true, rerr
		}
		return nil, false, nil
	}
	if message == "" {
		message = "approval required for " + toolName
	}
	decision, err := h.eng.approvals.Approve(ctx, approval.Request{
		SessionID:   h.rec.SessionID,
		ExecutionID: h.rec.ExecutionID,
		Tool:        toolName,
		Message:     message,
		Args:        call.Args,
		Context:     policyContext,
	})
	if err != nil {
		return nil, true, atperr.Wrap(atperr.KindInfra, atperr.CodeCacheUnavailable, err)
	}
	if decision.Approved {
		h.rec.recordEffect(gateKey, call.ArgDigest, effectEntry{
			Value: jsonx.RawMessage("true"),
			Type:  sandbox.CallTypeApproval,
		})
		return nil, false, nil
	}
	reason := decision.Reason
	if reason == "" {
		reason = "approval denied for " + toolName
	}
	h.rec.recordEffect(gateKey, call.ArgDigest, effectEntry{
		Error: &ErrorInfo{Message: reason, Code: "approvalDenied"},
		Type:  sandbox.CallTypeApproval,
	})
	return &sandbox.HostResult{Err: &sandbox.HostError{Message: reason, Code: "approvalDenied"}}, true, nil
}

// runHandler executes a server-side tool, records the result, and issues
// provenance tokens for the returned value.
func (h *hostEnv) runHandler(ctx context.Context, call *sandbox.HostCall, tool *toolregistry.Tool) (*sandbox.HostResult, error) {
	value, err := tool.Handler(ctx, call.Args)
	if err != nil {
		code := atperr.ClientCode(err)
		if code == "internal" {
			code = "toolError"
		}
		return h.recordError(call, &ErrorInfo{Message: err.Error(), Code: code})
	}
	data, err := jsonx.Marshal(value)
	if err != nil {
		return h.recordError(call, &ErrorInfo{Message: "tool returned an unserializable value", Code: "toolError"})
	}
	base := provenance.Label{SourceKind: provenance.SourceTool, ToolName: tool.Name}
	h.issueTokens(value, base)
	return h.recordValue(call, data, base)
}

// issueTokens labels a server-resolved value and collects its tokens for
// the terminal result. Failures degrade to unlabeled values.
func (h *hostEnv) issueTokens(value any, base provenance.Label) {
	if h.eng.tracker == nil || h.rec.Config.ProvenanceMode == string(provenance.ModeNone) {
		return
	}
	tokens, labels, err := h.eng.tracker.IssueForValue(h.rec.SessionID, h.rec.ExecutionID, value, base, h.budget)
	if err != nil {
		h.eng.logger.Warn("provenance issue failed for execution %s: %v", h.rec.ExecutionID, err)
		return
	}
	for digest, label := range labels {
		h.rec.addLabel(digest, label)
	}
	for _, tok := range tokens {
		h.tokens = append(h.tokens, IssuedToken{Token: tok.Token, Path: tok.Path})
	}
	h.rec.TokensIssued += len(tokens)
}

// chargeLLM enforces the per-execution llm call budget. Each distinct
// effect slot counts once, however many replays pass through it.
func (h *hostEnv) chargeLLM(call *sandbox.HostCall) error {
	slot := effectSlot(call.CallSiteKey, call.ArgDigest)
	if h.newLLMSlots[slot] {
		return nil
	}
	limit := h.rec.Config.LLMCalls
	if limit > 0 && h.rec.countEffects(sandbox.CallTypeLLM)+len(h.newLLMSlots) >= limit {
		return atperr.New(atperr.KindResource, atperr.CodeCallBudgetExceeded,
			"llm call budget of %d exceeded", limit)
	}
	h.newLLMSlots[slot] = true
	h.rec.Stats.LLMTokens += h.eng.countTokens(call.Args)
	return nil
}

func (h *hostEnv) labelLookup() policy.LabelLookup {
	return func(value any) (provenance.Label, bool) {
		digest, err := canonjson.Digest(value)
		if err != nil {
			return provenance.Label{}, false
		}
		label, ok := h.rec.Labels[digest]
		return label, ok
	}
}

func (h *hostEnv) recordValue(call *sandbox.HostCall, data jsonx.RawMessage, label provenance.Label) (*sandbox.HostResult, error) {
	h.rec.recordEffect(call.CallSiteKey, call.ArgDigest, effectEntry{
		Value: data,
		Label: label,
		Type:  call.Type,
	})
	entry, _ := h.rec.lookupEffect(call.CallSiteKey, call.ArgDigest)
	return replayEntry(entry)
}

func (h *hostEnv) recordError(call *sandbox.HostCall, info *ErrorInfo) (*sandbox.HostResult, error) {
	h.rec.recordEffect(call.CallSiteKey, call.ArgDigest, effectEntry{
		Error: info,
		Type:  call.Type,
	})
	return &sandbox.HostResult{Err: &sandbox.HostError{
		Message: info.Message,
		Code:    info.Code,
		Context: info.Context,
	}}, nil
}

func (h *hostEnv) recordPolicyBlock(call *sandbox.HostCall, decision policy.Decision) (*sandbox.HostResult, error) {
	reason := decision.Action.Reason
	if reason == "" {
		reason = "blocked by security policy"
	}
	h.rec.recordEffect(call.CallSiteKey, call.ArgDigest, effectEntry{
		Error: &ErrorInfo{
			Message: reason,
			Code:    atperr.CodePolicyBlocked,
			Context: map[string]any{"policy": decision.PolicyID},
		},
		Type: call.Type,
	})
	return &sandbox.HostResult{Err: &sandbox.HostError{
		Message: reason,
		Code:    atperr.CodePolicyBlocked,
		Policy:  decision.PolicyID,
		Context: decision.Action.Context,
	}}, nil
}
