package sandbox

import (
	"context"
	"fmt"
	"strings"

	"atp/internal/provenance"
)

// Call types crossing the host boundary.
const (
	CallTypeTool      = "tool"
	CallTypeLLM       = "llm"
	CallTypeApproval  = "approval"
	CallTypeEmbedding = "embedding"
	CallTypeCache     = "cache"
)

// HostCall is one suspendable invocation leaving the sandbox. The pair
// (CallSiteKey, ArgDigest) indexes the effect log; identical pairs replay
// the recorded result.
type HostCall struct {
	CallSiteKey string
	ArgDigest   string
	Type        string
	Operation   string
	Args        map[string]any
	// Labels maps canonical digests of argument values to their provenance
	// labels, for policy evaluation on the host side.
	Labels map[string]provenance.Label
}

// HostError is a catchable failure: tool errors, policy blocks, scope
// rejections. The program sees it in its catch blocks.
type HostError struct {
	Message string
	Code    string
	Policy  string
	Context map[string]any
}

func (e *HostError) Error() string { return e.Message }

// HostResult is the host's answer to one call.
type HostResult struct {
	// Suspend marks the call as unservable right now: no effect-log entry
	// and no server-side handler. The execution pauses.
	Suspend bool
	Value   any
	Label   provenance.Label
	Err     *HostError
}

// Host services suspendable calls. An error return is engine-level and
// aborts evaluation without entering the program's catch blocks.
type Host interface {
	Invoke(ctx context.Context, call *HostCall) (*HostResult, error)
}

// Suspension unwinds evaluation when the program needs results only the
// caller can provide. Calls carries one entry, or the whole batch when a
// wait-all barrier collapsed several.
type Suspension struct {
	Calls []*HostCall
}

func (s *Suspension) Error() string {
	ops := make([]string, len(s.Calls))
	for i, c := range s.Calls {
		ops[i] = c.Operation
	}
	return fmt.Sprintf("execution suspended on %s", strings.Join(ops, ", "))
}

// ThrownError is an uncaught program exception.
type ThrownError struct {
	Message string
	Value   any
}

func (e *ThrownError) Error() string { return e.Message }
