// Package sandbox evaluates untrusted programs in an isolated value
// universe. Programs see a curated set of globals plus the atp.* and api.*
// namespaces; every call that needs the outside world goes through a Host
// and is replayable from the effect log.
package sandbox

import (
	"context"
	"math/rand"
	"time"

	"atp/internal/provenance"
	"atp/internal/shared/canonjson"
)

// Default resource limits, overridable per execution.
const (
	DefaultMaxSteps       = 2_000_000
	DefaultMaxMemoryBytes = 64 << 20
)

// Limits bounds one evaluation.
type Limits struct {
	MaxSteps       int
	MaxMemoryBytes int64
}

func (l Limits) withDefaults() Limits {
	if l.MaxSteps == 0 {
		l.MaxSteps = DefaultMaxSteps
	}
	if l.MaxMemoryBytes == 0 {
		l.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	return l
}

// RunOptions configures one evaluation of a compiled program.
type RunOptions struct {
	Host  Host
	Tools []string
	Mode  provenance.Mode
	Limits Limits
	// RandomSeed and StartTime pin Math.random and Date for the execution;
	// replays must pass the same values to keep arg digests stable.
	RandomSeed int64
	StartTime  time.Time
}

// Result is a completed evaluation.
type Result struct {
	Value any
	// Labels maps canonical digests of labeled values inside Value to
	// their provenance labels.
	Labels map[string]provenance.Label
	Logs   []string
	Steps  int
	Memory int64
}

// Program is a compiled, validated program, safe to evaluate repeatedly.
type Program struct {
	Source string
	ast    *program
}

// Compile parses and statically validates source. Errors are *ParseError
// for syntax and *SecurityError for blocked constructs.
func Compile(source string) (*Program, error) {
	ast, err := parseProgram(source)
	if err != nil {
		return nil, err
	}
	if err := validate(ast); err != nil {
		return nil, err
	}
	return &Program{Source: source, ast: ast}, nil
}

// Run evaluates the program from the start. It returns *Suspension when
// the program needs callback results, *ThrownError for uncaught program
// exceptions, and engine-level errors (resource budgets, host failures)
// unchanged.
func (p *Program) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	it := &interp{
		ctx:     ctx,
		host:    opts.Host,
		mode:    opts.Mode,
		limits:  opts.Limits.withDefaults(),
		random:  rand.New(rand.NewSource(opts.RandomSeed)),
		started: start,
	}
	it.global = it.newGlobalEnv(opts.Tools)

	topEnv := newEnvironment(it.global)
	value := Value(undef)
	_, err := it.runBody(p.ast.body, topEnv)
	if err != nil {
		switch e := err.(type) {
		case ctrlReturn:
			value = e.value
		case ctrlBreak, ctrlContinue:
			return nil, &ThrownError{Message: "break or continue outside a loop"}
		case *thrownError:
			return nil, thrownToHost(e)
		default:
			return nil, err
		}
	}

	// A program ending on an unawaited pending value still needs its
	// effects resolved before it can produce a result.
	bare, _, _ := unwrap(value)
	switch pv := bare.(type) {
	case *pendingValue:
		return nil, &Suspension{Calls: pv.calls}
	case *promiseValue:
		if pv.state == promisePending {
			return nil, &Suspension{Calls: pv.pending}
		}
		if pv.state == promiseRejected {
			return nil, thrownToHost(&thrownError{value: pv.reason})
		}
		value = pv.value
	}

	labels := map[string]provenance.Label{}
	digest := func(v any) string {
		d, err := canonjson.Digest(v)
		if err != nil {
			return ""
		}
		return d
	}
	return &Result{
		Value:  toGo(value, digest, labels),
		Labels: labels,
		Logs:   it.logs,
		Steps:  it.steps,
		Memory: it.memory,
	}, nil
}

// thrownToHost converts an uncaught sandbox exception for the caller.
func thrownToHost(t *thrownError) *ThrownError {
	message := toDisplayString(t.value)
	bare, _, _ := unwrap(t.value)
	if obj, ok := bare.(*objectValue); ok {
		if msg, found := obj.get("message"); found {
			message = toDisplayString(msg)
		}
	}
	return &ThrownError{Message: message, Value: toGo(t.value, nil, nil)}
}
