// Package policy evaluates security policies on tool invocations. Policies
// are registered once at server start; the list is immutable afterwards.
// Every invocation runs all policies in registration order: the first
// non-log action wins, log actions accumulate.
package policy

import (
	"context"
	"fmt"
	"sync/atomic"

	"atp/internal/logging"
	"atp/internal/provenance"
)

// ActionKind enumerates what a policy can ask for.
type ActionKind int

const (
	// ActionLog records the decision and continues.
	ActionLog ActionKind = iota
	// ActionBlock aborts the tool call; the program receives a catchable error.
	ActionBlock
	// ActionApprove suspends the call pending the server-side approval handler.
	ActionApprove
)

func (k ActionKind) String() string {
	switch k {
	case ActionBlock:
		return "block"
	case ActionApprove:
		return "approve"
	default:
		return "log"
	}
}

// Action is a policy's verdict on one invocation.
type Action struct {
	Kind    ActionKind
	Reason  string         // block reason
	Message string         // approval prompt
	Context map[string]any // surfaced to the approval handler and audit log
}

// Log is the pass-through action.
func Log() Action { return Action{Kind: ActionLog} }

// Block aborts the invocation.
func Block(reason string) Action { return Action{Kind: ActionBlock, Reason: reason} }

// Approve suspends the invocation pending approval.
func Approve(message string, context map[string]any) Action {
	return Action{Kind: ActionApprove, Message: message, Context: context}
}

// LabelLookup resolves a value to its provenance label, when known.
type LabelLookup func(value any) (provenance.Label, bool)

// Input is everything a policy may inspect about one invocation.
type Input struct {
	Tool             string
	OperationType    string // read, write, destructive
	SensitivityLevel string // public, sensitive
	RequiresApproval bool
	Args             map[string]any
	Lookup           LabelLookup
}

// Policy decides on a single tool invocation.
type Policy interface {
	ID() string
	Description() string
	Evaluate(ctx context.Context, input Input) Action
}

// Decision is the engine's aggregate verdict.
type Decision struct {
	Action   Action
	PolicyID string   // policy that produced the winning action
	Logged   []string // policies that emitted log actions before the winner
}

// Engine runs an ordered, immutable policy list.
type Engine struct {
	policies []Policy
	sealed   atomic.Bool
	logger   logging.Logger
}

// NewEngine builds an engine with the given registration-ordered policies.
func NewEngine(policies ...Policy) *Engine {
	e := &Engine{
		policies: append([]Policy(nil), policies...),
		logger:   logging.NewComponentLogger("PolicyEngine"),
	}
	return e
}

// Register appends a policy. Registering after Seal is a programming error
// and panics, matching the registry's post-start immutability contract.
func (e *Engine) Register(p Policy) {
	if e.sealed.Load() {
		panic(fmt.Sprintf("policy: registration of %q after server start", p.ID()))
	}
	e.policies = append(e.policies, p)
}

// Seal freezes the policy list. Called when the server accepts its first
// connection.
func (e *Engine) Seal() { e.sealed.Store(true) }

// Policies returns the registered list for introspection.
func (e *Engine) Policies() []Policy {
	return append([]Policy(nil), e.policies...)
}

// Evaluate runs the ordered list against one invocation. selected, when
// non-empty, restricts evaluation to a subset of registered policy IDs
// (per-execution configs may narrow, never extend, the list).
func (e *Engine) Evaluate(ctx context.Context, input Input, selected []string) Decision {
	subset := map[string]bool{}
	for _, id := range selected {
		subset[id] = true
	}
	decision := Decision{Action: Log()}
	for _, p := range e.policies {
		if len(subset) > 0 && !subset[p.ID()] {
			continue
		}
		action := p.Evaluate(ctx, input)
		if action.Kind == ActionLog {
			decision.Logged = append(decision.Logged, p.ID())
			e.logger.Debug("policy %s logged tool=%s", p.ID(), input.Tool)
			continue
		}
		decision.Action = action
		decision.PolicyID = p.ID()
		e.logger.Info("policy %s -> %s tool=%s reason=%q", p.ID(), action.Kind, input.Tool, action.Reason)
		return decision
	}
	return decision
}
