package builtin

import (
	"context"
	"fmt"
	"strings"

	"atp/internal/sandbox"
)

const maxExpressionLen = 1024

// evalExpression evaluates an arithmetic expression inside the sandbox with
// no host attached: nothing can suspend, call out, or allocate much.
func evalExpression(ctx context.Context, args map[string]any) (any, error) {
	expression, _ := args["expression"].(string)
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	if len(expression) > maxExpressionLen {
		return nil, fmt.Errorf("expression exceeds %d characters", maxExpressionLen)
	}

	prog, err := sandbox.Compile("return (" + expression + ");")
	if err != nil {
		return nil, fmt.Errorf("invalid expression: %w", err)
	}
	res, err := prog.Run(ctx, sandbox.RunOptions{
		Limits: sandbox.Limits{MaxSteps: 10_000, MaxMemoryBytes: 1 << 20},
	})
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	switch v := res.Value.(type) {
	case float64, bool, string, nil:
		return map[string]any{"value": v}, nil
	default:
		return nil, fmt.Errorf("expression did not produce a primitive value")
	}
}
