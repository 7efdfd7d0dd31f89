// Package approval gates sensitive tool invocations. Policies and tool
// metadata decide WHEN a gate runs; the installed Handler decides the
// outcome. Gate results land in the effect log, so a replay never asks
// twice for the same invocation.
package approval

import (
	"context"

	"atp/internal/logging"
)

// Request describes one invocation awaiting approval.
type Request struct {
	SessionID   string
	ExecutionID string
	Tool        string
	Message     string
	Args        map[string]any
	Context     map[string]any
}

// Decision is the handler's verdict.
type Decision struct {
	Approved bool
	Reason   string
}

// Handler resolves approval requests server-side. An error return is
// infrastructural (the gate could not run); a denied Decision is a normal,
// catchable outcome for the program.
type Handler interface {
	Approve(ctx context.Context, req Request) (Decision, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Decision, error)

func (f HandlerFunc) Approve(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// AutoDeny rejects everything. The default when no handler is installed:
// sensitive operations fail closed rather than silently proceeding.
func AutoDeny() Handler {
	logger := logging.NewComponentLogger("Approval")
	return HandlerFunc(func(_ context.Context, req Request) (Decision, error) {
		logger.Warn("auto-denied %s for execution %s (no approval handler installed)", req.Tool, req.ExecutionID)
		return Decision{Approved: false, Reason: "no approval handler installed"}, nil
	})
}

// AutoApprove accepts everything. For development and tests only.
func AutoApprove() Handler {
	logger := logging.NewComponentLogger("Approval")
	return HandlerFunc(func(_ context.Context, req Request) (Decision, error) {
		logger.Info("auto-approved %s for execution %s", req.Tool, req.ExecutionID)
		return Decision{Approved: true}, nil
	})
}
