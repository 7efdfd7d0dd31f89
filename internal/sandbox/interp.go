package sandbox

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"atp/internal/atperr"
	"atp/internal/provenance"
	"atp/internal/shared/canonjson"
)

// --- control-flow signals, propagated as errors and caught by frames ---

type ctrlReturn struct{ value Value }

func (ctrlReturn) Error() string { return "return outside function" }

type ctrlBreak struct{}

func (ctrlBreak) Error() string { return "break outside loop" }

type ctrlContinue struct{}

func (ctrlContinue) Error() string { return "continue outside loop" }

type thrownError struct{ value Value }

func (t *thrownError) Error() string { return toDisplayString(t.value) }

// errDeferred unwinds an async body when a pending effect's concrete value
// is demanded; the async call turns it into a pending promise.
type errDeferred struct{ calls []*HostCall }

func (errDeferred) Error() string { return "pending effect demanded" }

// pendingValue is the placeholder an await yields inside an async body
// when the awaited effect has no recorded result yet.
type pendingValue struct{ calls []*HostCall }

func (*pendingValue) valueKind() string { return "pending" }

// batchCollector buffers pending host calls produced inside an iteration
// barrier. Slots are deduplicated so a call awaited twice suspends once.
type batchCollector struct {
	calls []*HostCall
	seen  map[string]bool
}

func (b *batchCollector) add(calls ...*HostCall) {
	for _, c := range calls {
		key := c.CallSiteKey + "|" + c.ArgDigest
		if b.seen[key] {
			continue
		}
		b.seen[key] = true
		b.calls = append(b.calls, c)
	}
}

// hostFn is a leaf of the atp.* / api.* namespaces.
type hostFn struct {
	typ       string
	operation string
}

func (*hostFn) valueKind() string { return "function" }

const ctxCheckInterval = 1024

type interp struct {
	ctx     context.Context
	host    Host
	mode    provenance.Mode
	limits  Limits
	random  *rand.Rand
	started time.Time

	steps  int
	memory int64
	global *environment
	// asyncDepth > 0 while evaluating an async function body; awaits on
	// pending effects defer instead of suspending the whole execution.
	asyncDepth int
	// collector is non-nil inside an iteration barrier; deferred awaits
	// feed it so the whole loop suspends as one batch.
	collector *batchCollector
	logs      []string
}

// batchBarrier runs fn in collection mode: awaits on unrecorded effects
// yield placeholders and buffer their calls, and the buffered batch
// suspends as one when fn returns. A body that demands a placeholder
// (branches on it, feeds it to an operator) suspends with the batch
// gathered so far; replay then carries it past that point.
func (it *interp) batchBarrier(fn func() error) error {
	if it.asyncDepth > 0 {
		// Already deferring: pendings flow to the enclosing barrier or
		// async call.
		return fn()
	}
	collector := &batchCollector{seen: map[string]bool{}}
	it.collector = collector
	it.asyncDepth++
	err := fn()
	it.asyncDepth--
	it.collector = nil
	switch e := err.(type) {
	case nil:
	case errDeferred:
		collector.add(e.calls...)
		err = nil
	case *thrownError, ctrlReturn:
		// Unwinds that do not depend on the batch reproduce themselves on
		// replay once the effects are recorded.
	default:
		return err
	}
	if len(collector.calls) > 0 {
		return &Suspension{Calls: collector.calls}
	}
	return err
}

func (it *interp) step(line int) error {
	it.steps++
	if it.limits.MaxSteps > 0 && it.steps > it.limits.MaxSteps {
		return atperr.New(atperr.KindResource, atperr.CodeExecutionTimeout,
			"step budget exhausted at line %d", line)
	}
	if it.steps%ctxCheckInterval == 0 {
		if err := it.ctx.Err(); err != nil {
			return atperr.Wrap(atperr.KindResource, atperr.CodeExecutionTimeout, err)
		}
	}
	return nil
}

func (it *interp) alloc(bytes int64) error {
	it.memory += bytes
	if it.limits.MaxMemoryBytes > 0 && it.memory > it.limits.MaxMemoryBytes {
		return atperr.New(atperr.KindResource, atperr.CodeMemoryExceeded, "memory budget exhausted")
	}
	return nil
}

// demand requires a concrete value: conditions, operands, receivers. A
// pending placeholder here means the program branched on an unresolved
// effect; inside an async body that defers, at top level it suspends.
func (it *interp) demand(v Value) (Value, error) {
	bare, _, _ := unwrap(v)
	if pv, ok := bare.(*pendingValue); ok {
		if it.asyncDepth > 0 {
			return nil, errDeferred{calls: pv.calls}
		}
		return nil, &Suspension{Calls: pv.calls}
	}
	return v, nil
}

func (it *interp) throwType(line int, format string, args ...any) error {
	return &thrownError{value: errObject("TypeError", fmt.Sprintf(format, args...)+fmt.Sprintf(" (line %d)", line))}
}

func (it *interp) throwRef(line int, name string) error {
	return &thrownError{value: errObject("ReferenceError", fmt.Sprintf("%s is not defined (line %d)", name, line))}
}

func errObject(name, message string) *objectValue {
	obj := newObject()
	obj.set("name", stringValue(name))
	obj.set("message", stringValue(message))
	return obj
}

// --- statements ---

func (it *interp) runBody(body []node, env *environment) (Value, error) {
	it.hoistFunctions(body, env)
	var last Value = undef
	for _, stmt := range body {
		v, err := it.eval(stmt, env)
		if err != nil {
			return nil, err
		}
		if v != nil {
			last = v
		}
	}
	return last, nil
}

// hoistFunctions declares function statements before the body runs, so
// helpers defined below first use still resolve.
func (it *interp) hoistFunctions(body []node, env *environment) {
	for _, stmt := range body {
		if fd, ok := stmt.(*funcDecl); ok {
			closure := &closureValue{name: fd.name, fn: fd.fn, env: env}
			_ = env.declare(fd.name, closure, false)
		}
	}
}

func (it *interp) eval(n node, env *environment) (Value, error) {
	if err := it.step(n.nodeLine()); err != nil {
		return nil, err
	}
	switch t := n.(type) {
	case *blockStmt:
		inner := newEnvironment(env)
		_, err := it.runBody(t.body, inner)
		return nil, err
	case *varDecl:
		return nil, it.evalVarDecl(t, env)
	case *funcDecl:
		// Declared during hoisting; redeclare quietly if the block was
		// entered through a non-hoisting path.
		if _, ok := env.vars[t.name]; !ok {
			return nil, env.declare(t.name, &closureValue{name: t.name, fn: t.fn, env: env}, false)
		}
		return nil, nil
	case *exprStmt:
		return it.evalExpr(t.expr, env)
	case *returnStmt:
		value := Value(undef)
		if t.value != nil {
			v, err := it.evalExpr(t.value, env)
			if err != nil {
				return nil, err
			}
			value = v
		}
		return nil, ctrlReturn{value: value}
	case *ifStmt:
		cond, err := it.evalExpr(t.cond, env)
		if err != nil {
			return nil, err
		}
		cond, err = it.demand(cond)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return it.eval(t.then, env)
		}
		if t.alt != nil {
			return it.eval(t.alt, env)
		}
		return nil, nil
	case *whileStmt:
		return nil, it.evalWhile(t, env)
	case *forStmt:
		return nil, it.evalFor(t, env)
	case *forOfStmt:
		return nil, it.evalForOf(t, env)
	case *breakStmt:
		return nil, ctrlBreak{}
	case *continueStmt:
		return nil, ctrlContinue{}
	case *throwStmt:
		v, err := it.evalExpr(t.value, env)
		if err != nil {
			return nil, err
		}
		return nil, &thrownError{value: v}
	case *tryStmt:
		return nil, it.evalTry(t, env)
	default:
		return it.evalExpr(n, env)
	}
}

func (it *interp) evalVarDecl(t *varDecl, env *environment) error {
	var init Value = undef
	if t.init != nil {
		v, err := it.evalExpr(t.init, env)
		if err != nil {
			return err
		}
		init = v
	}
	if t.pattern == nil {
		return env.declare(t.name, init, t.kind == "const")
	}
	return it.destructureInto(t.pattern, init, env, t.kind == "const", t.nodeLine())
}

func (it *interp) destructureInto(pattern *destructure, source Value, env *environment, constant bool, line int) error {
	source, err := it.demand(source)
	if err != nil {
		return err
	}
	bare, label, tainted := unwrap(source)
	propagate := func(v Value) Value {
		if tainted {
			return taint(v, label)
		}
		return v
	}
	if pattern.isArray {
		arr, ok := bare.(*arrayValue)
		if !ok {
			return it.throwType(line, "cannot destructure non-array value")
		}
		for i, field := range pattern.fields {
			var v Value = undef
			if i < len(arr.elems) {
				v = propagate(arr.elems[i])
			}
			if isUndefined(v) && field.fallback != nil {
				fb, err := it.evalExpr(field.fallback, env)
				if err != nil {
					return err
				}
				v = fb
			}
			if err := env.declare(field.name, v, constant); err != nil {
				return err
			}
		}
		return nil
	}
	obj, ok := bare.(*objectValue)
	if !ok {
		return it.throwType(line, "cannot destructure non-object value")
	}
	for _, field := range pattern.fields {
		var v Value = undef
		if pv, found := obj.get(field.key); found {
			v = propagate(pv)
		}
		if isUndefined(v) && field.fallback != nil {
			fb, err := it.evalExpr(field.fallback, env)
			if err != nil {
				return err
			}
			v = fb
		}
		if err := env.declare(field.name, v, constant); err != nil {
			return err
		}
	}
	return nil
}

func isUndefined(v Value) bool {
	bare, _, _ := unwrap(v)
	_, ok := bare.(undefinedValue)
	return ok
}

func (it *interp) evalWhile(t *whileStmt, env *environment) error {
	for {
		cond, err := it.evalExpr(t.cond, env)
		if err != nil {
			return err
		}
		cond, err = it.demand(cond)
		if err != nil {
			return err
		}
		if !truthy(cond) {
			return nil
		}
		if _, err := it.eval(t.body, env); err != nil {
			switch err.(type) {
			case ctrlBreak:
				return nil
			case ctrlContinue:
				continue
			}
			return err
		}
	}
}

func (it *interp) evalFor(t *forStmt, env *environment) error {
	loopEnv := newEnvironment(env)
	if t.init != nil {
		if _, err := it.eval(t.init, loopEnv); err != nil {
			return err
		}
	}
	for {
		if t.cond != nil {
			cond, err := it.evalExpr(t.cond, loopEnv)
			if err != nil {
				return err
			}
			cond, err = it.demand(cond)
			if err != nil {
				return err
			}
			if !truthy(cond) {
				return nil
			}
		}
		if _, err := it.eval(t.body, loopEnv); err != nil {
			switch err.(type) {
			case ctrlBreak:
				return nil
			case ctrlContinue:
			default:
				return err
			}
		}
		if t.post != nil {
			if _, err := it.evalExpr(t.post, loopEnv); err != nil {
				return err
			}
		}
	}
}

func (it *interp) evalForOf(t *forOfStmt, env *environment) error {
	iterable, err := it.evalExpr(t.iterable, env)
	if err != nil {
		return err
	}
	iterable, err = it.demand(iterable)
	if err != nil {
		return err
	}
	bare, label, tainted := unwrap(iterable)
	var items []Value
	switch coll := bare.(type) {
	case *arrayValue:
		items = append(items, coll.elems...)
	case stringValue:
		for _, r := range string(coll) {
			items = append(items, stringValue(string(r)))
		}
	default:
		return it.throwType(t.nodeLine(), "value is not iterable")
	}
	// Iterations run behind a batch barrier: awaits on unrecorded effects
	// defer, and the loop suspends once with every buffered call.
	return it.batchBarrier(func() error {
		for _, item := range items {
			if tainted {
				item = taint(item, label)
			}
			iterEnv := newEnvironment(env)
			if err := iterEnv.declare(t.name, item, t.declKind == "const"); err != nil {
				return err
			}
			if _, err := it.eval(t.body, iterEnv); err != nil {
				switch err.(type) {
				case ctrlBreak:
					return nil
				case ctrlContinue:
					continue
				}
				return err
			}
		}
		return nil
	})
}

func (it *interp) evalTry(t *tryStmt, env *environment) error {
	_, tryErr := it.eval(t.block, env)
	if thrown, ok := tryErr.(*thrownError); ok && t.catchBlock != nil {
		catchEnv := newEnvironment(env)
		if t.catchParam != "" {
			if err := catchEnv.declare(t.catchParam, thrown.value, false); err != nil {
				return err
			}
		}
		_, tryErr = it.eval(t.catchBlock, catchEnv)
	}
	if t.finallyBlock != nil {
		if _, finErr := it.eval(t.finallyBlock, env); finErr != nil {
			return finErr
		}
	}
	return tryErr
}

// --- expressions ---

func (it *interp) evalExpr(n node, env *environment) (Value, error) {
	if err := it.step(n.nodeLine()); err != nil {
		return nil, err
	}
	switch t := n.(type) {
	case *numberLit:
		return numberValue(t.value), nil
	case *stringLit:
		if err := it.alloc(int64(len(t.value))); err != nil {
			return nil, err
		}
		return stringValue(t.value), nil
	case *boolLit:
		if t.value {
			return trueVal, nil
		}
		return falseVal, nil
	case *nullLit:
		return nullVal, nil
	case *undefinedLit:
		return undef, nil
	case *identifier:
		if t.name == "this" {
			if b, ok := env.lookup("this"); ok {
				return b.value, nil
			}
			return undef, nil
		}
		b, ok := env.lookup(t.name)
		if !ok {
			return nil, it.throwRef(t.nodeLine(), t.name)
		}
		return b.value, nil
	case *templateLit:
		return it.evalTemplate(t, env)
	case *arrayLit:
		return it.evalArrayLit(t, env)
	case *objectLit:
		return it.evalObjectLit(t, env)
	case *funcLit:
		return &closureValue{fn: t, env: env}, nil
	case *callExpr:
		return it.evalCall(t, env)
	case *newExpr:
		return it.evalNew(t, env)
	case *memberExpr:
		obj, err := it.evalExpr(t.object, env)
		if err != nil {
			return nil, err
		}
		if t.optional && isNullish(obj) {
			return undef, nil
		}
		return it.getMember(obj, t.property, t.nodeLine())
	case *indexExpr:
		return it.evalIndex(t, env)
	case *binaryExpr:
		return it.evalBinary(t, env)
	case *logicalExpr:
		return it.evalLogical(t, env)
	case *unaryExpr:
		return it.evalUnary(t, env)
	case *updateExpr:
		return it.evalUpdate(t, env)
	case *assignExpr:
		return it.evalAssign(t, env)
	case *conditionalExpr:
		cond, err := it.evalExpr(t.cond, env)
		if err != nil {
			return nil, err
		}
		cond, err = it.demand(cond)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return it.evalExpr(t.then, env)
		}
		return it.evalExpr(t.alt, env)
	case *awaitExpr:
		v, err := it.evalExpr(t.value, env)
		if err != nil {
			return nil, err
		}
		return it.await(v)
	case *sequenceExpr:
		var last Value = undef
		for _, e := range t.exprs {
			v, err := it.evalExpr(e, env)
			if err != nil {
				return nil, err
			}
			last = v
		}
		return last, nil
	case *spreadExpr:
		return nil, it.throwType(t.nodeLine(), "unexpected spread")
	default:
		return nil, fmt.Errorf("sandbox: unhandled node %T", n)
	}
}

// await settles a promise or yields the execution on pending effects.
func (it *interp) await(v Value) (Value, error) {
	bare, label, tainted := unwrap(v)
	switch t := bare.(type) {
	case *promiseValue:
		switch t.state {
		case promiseResolved:
			if tainted {
				return taint(t.value, label), nil
			}
			return t.value, nil
		case promiseRejected:
			return nil, &thrownError{value: t.reason}
		default:
			if it.asyncDepth > 0 {
				if it.collector != nil {
					it.collector.add(t.pending...)
				}
				return &pendingValue{calls: t.pending}, nil
			}
			return nil, &Suspension{Calls: t.pending}
		}
	case *pendingValue:
		if it.asyncDepth > 0 {
			if it.collector != nil {
				it.collector.add(t.calls...)
			}
			return bare, nil
		}
		return nil, &Suspension{Calls: t.calls}
	default:
		return v, nil
	}
}

func (it *interp) evalTemplate(t *templateLit, env *environment) (Value, error) {
	var b strings.Builder
	var labels []provenance.Label
	for _, part := range t.parts {
		v, err := it.evalExpr(part, env)
		if err != nil {
			return nil, err
		}
		v, err = it.demand(v)
		if err != nil {
			return nil, err
		}
		if _, label, tainted := unwrap(v); tainted {
			labels = append(labels, label)
		}
		b.WriteString(toDisplayString(v))
	}
	if err := it.alloc(int64(b.Len())); err != nil {
		return nil, err
	}
	result := Value(stringValue(b.String()))
	// Template interpolation keeps labels only under AST instrumentation.
	if it.mode == provenance.ModeAST && len(labels) > 0 {
		result = taint(result, provenance.Merge(labels...))
	}
	return result, nil
}

func (it *interp) evalArrayLit(t *arrayLit, env *environment) (Value, error) {
	arr := &arrayValue{}
	for _, elem := range t.elements {
		if spread, ok := elem.(*spreadExpr); ok {
			v, err := it.evalExpr(spread.value, env)
			if err != nil {
				return nil, err
			}
			v, err = it.demand(v)
			if err != nil {
				return nil, err
			}
			bare, label, tainted := unwrap(v)
			src, ok := bare.(*arrayValue)
			if !ok {
				return nil, it.throwType(spread.nodeLine(), "spread source is not an array")
			}
			for _, e := range src.elems {
				if tainted {
					e = taint(e, label)
				}
				arr.elems = append(arr.elems, e)
			}
			continue
		}
		v, err := it.evalExpr(elem, env)
		if err != nil {
			return nil, err
		}
		arr.elems = append(arr.elems, v)
	}
	if err := it.alloc(int64(16 * (len(arr.elems) + 1))); err != nil {
		return nil, err
	}
	return arr, nil
}

func (it *interp) evalObjectLit(t *objectLit, env *environment) (Value, error) {
	obj := newObject()
	for _, entry := range t.entries {
		switch {
		case entry.spread != nil:
			v, err := it.evalExpr(entry.spread, env)
			if err != nil {
				return nil, err
			}
			v, err = it.demand(v)
			if err != nil {
				return nil, err
			}
			bare, label, tainted := unwrap(v)
			src, ok := bare.(*objectValue)
			if !ok {
				continue // spreading non-objects copies nothing
			}
			for _, k := range src.keys {
				pv := src.props[k]
				if tainted {
					pv = taint(pv, label)
				}
				obj.set(k, pv)
			}
		case entry.computed != nil:
			keyVal, err := it.evalExpr(entry.computed, env)
			if err != nil {
				return nil, err
			}
			keyVal, err = it.demand(keyVal)
			if err != nil {
				return nil, err
			}
			v, err := it.evalExpr(entry.value, env)
			if err != nil {
				return nil, err
			}
			obj.set(toDisplayString(keyVal), v)
		default:
			v, err := it.evalExpr(entry.value, env)
			if err != nil {
				return nil, err
			}
			obj.set(entry.key, v)
		}
	}
	if err := it.alloc(int64(32 * (len(obj.keys) + 1))); err != nil {
		return nil, err
	}
	return obj, nil
}

func (it *interp) evalIndex(t *indexExpr, env *environment) (Value, error) {
	obj, err := it.evalExpr(t.object, env)
	if err != nil {
		return nil, err
	}
	idx, err := it.evalExpr(t.index, env)
	if err != nil {
		return nil, err
	}
	idx, err = it.demand(idx)
	if err != nil {
		return nil, err
	}
	obj, err = it.demand(obj)
	if err != nil {
		return nil, err
	}
	bare, label, tainted := unwrap(obj)
	propagate := func(v Value, err error) (Value, error) {
		if err == nil && tainted {
			v = taint(v, label)
		}
		return v, err
	}
	switch recv := bare.(type) {
	case *arrayValue:
		if num, ok := unwrapNumber(idx); ok {
			i := int(num)
			if i < 0 || i >= len(recv.elems) {
				return undef, nil
			}
			return propagate(recv.elems[i], nil)
		}
		return it.getMember(obj, toDisplayString(idx), t.nodeLine())
	case stringValue:
		if num, ok := unwrapNumber(idx); ok {
			i := int(num)
			runes := []rune(string(recv))
			if i < 0 || i >= len(runes) {
				return undef, nil
			}
			return propagate(stringValue(string(runes[i])), nil)
		}
		return it.getMember(obj, toDisplayString(idx), t.nodeLine())
	case *objectValue:
		key := toDisplayString(idx)
		if blocked, found := blockedProperties[key]; found {
			return nil, it.throwType(t.nodeLine(), "property %q is blocked (%s)", key, blocked)
		}
		if v, found := recv.get(key); found {
			return propagate(v, nil)
		}
		return undef, nil
	default:
		return it.getMember(obj, toDisplayString(idx), t.nodeLine())
	}
}

func unwrapNumber(v Value) (float64, bool) {
	bare, _, _ := unwrap(v)
	if n, ok := bare.(numberValue); ok {
		return float64(n), true
	}
	return 0, false
}

func (it *interp) evalBinary(t *binaryExpr, env *environment) (Value, error) {
	left, err := it.evalExpr(t.left, env)
	if err != nil {
		return nil, err
	}
	right, err := it.evalExpr(t.right, env)
	if err != nil {
		return nil, err
	}
	if left, err = it.demand(left); err != nil {
		return nil, err
	}
	if right, err = it.demand(right); err != nil {
		return nil, err
	}
	result, err := it.applyBinary(t.op, left, right, t.nodeLine())
	if err != nil {
		return nil, err
	}
	// AST instrumentation: derived expressions keep merged labels.
	if it.mode == provenance.ModeAST {
		var labels []provenance.Label
		if _, label, tainted := unwrap(left); tainted {
			labels = append(labels, label)
		}
		if _, label, tainted := unwrap(right); tainted {
			labels = append(labels, label)
		}
		if len(labels) > 0 {
			result = taint(result, provenance.Merge(labels...))
		}
	}
	return result, nil
}

func (it *interp) applyBinary(op string, left, right Value, line int) (Value, error) {
	switch op {
	case "+":
		lBare, _, _ := unwrap(left)
		rBare, _, _ := unwrap(right)
		_, lStr := lBare.(stringValue)
		_, rStr := rBare.(stringValue)
		lPrim := isPrimitiveNonString(lBare)
		rPrim := isPrimitiveNonString(rBare)
		if lStr || rStr || !lPrim || !rPrim {
			s := toDisplayString(left) + toDisplayString(right)
			if err := it.alloc(int64(len(s))); err != nil {
				return nil, err
			}
			return stringValue(s), nil
		}
		return numberValue(toNumber(left) + toNumber(right)), nil
	case "-":
		return numberValue(toNumber(left) - toNumber(right)), nil
	case "*":
		return numberValue(toNumber(left) * toNumber(right)), nil
	case "/":
		return numberValue(toNumber(left) / toNumber(right)), nil
	case "%":
		return numberValue(math.Mod(toNumber(left), toNumber(right))), nil
	case "**":
		return numberValue(math.Pow(toNumber(left), toNumber(right))), nil
	case "===":
		return boolValue(strictEquals(left, right)), nil
	case "!==":
		return boolValue(!strictEquals(left, right)), nil
	case "==":
		return boolValue(looseEquals(left, right)), nil
	case "!=":
		return boolValue(!looseEquals(left, right)), nil
	case "<", "<=", ">", ">=":
		return compareValues(op, left, right), nil
	case "instanceof":
		return falseVal, nil
	case "in":
		bare, _, _ := unwrap(right)
		obj, ok := bare.(*objectValue)
		if !ok {
			return nil, it.throwType(line, "'in' requires an object")
		}
		_, found := obj.get(toDisplayString(left))
		return boolValue(found), nil
	default:
		return nil, fmt.Errorf("sandbox: unhandled operator %q", op)
	}
}

func isPrimitiveNonString(v Value) bool {
	switch v.(type) {
	case numberValue, boolValue, nullValue, undefinedValue:
		return true
	}
	return false
}

func compareValues(op string, left, right Value) Value {
	lBare, _, _ := unwrap(left)
	rBare, _, _ := unwrap(right)
	if ls, ok := lBare.(stringValue); ok {
		if rs, ok := rBare.(stringValue); ok {
			switch op {
			case "<":
				return boolValue(ls < rs)
			case "<=":
				return boolValue(ls <= rs)
			case ">":
				return boolValue(ls > rs)
			default:
				return boolValue(ls >= rs)
			}
		}
	}
	l, r := toNumber(left), toNumber(right)
	if math.IsNaN(l) || math.IsNaN(r) {
		return falseVal
	}
	switch op {
	case "<":
		return boolValue(l < r)
	case "<=":
		return boolValue(l <= r)
	case ">":
		return boolValue(l > r)
	default:
		return boolValue(l >= r)
	}
}

func (it *interp) evalLogical(t *logicalExpr, env *environment) (Value, error) {
	left, err := it.evalExpr(t.left, env)
	if err != nil {
		return nil, err
	}
	left, err = it.demand(left)
	if err != nil {
		return nil, err
	}
	switch t.op {
	case "&&":
		if !truthy(left) {
			return left, nil
		}
	case "||":
		if truthy(left) {
			return left, nil
		}
	case "??":
		if !isNullish(left) {
			return left, nil
		}
	}
	return it.evalExpr(t.right, env)
}

func (it *interp) evalUnary(t *unaryExpr, env *environment) (Value, error) {
	if t.op == "delete" {
		return it.evalDelete(t, env)
	}
	if t.op == "typeof" {
		// typeof of an undeclared identifier is "undefined", not a throw.
		if ident, ok := t.operand.(*identifier); ok {
			if _, found := env.lookup(ident.name); !found {
				return stringValue("undefined"), nil
			}
		}
	}
	v, err := it.evalExpr(t.operand, env)
	if err != nil {
		return nil, err
	}
	v, err = it.demand(v)
	if err != nil {
		return nil, err
	}
	switch t.op {
	case "!":
		return boolValue(!truthy(v)), nil
	case "-":
		return numberValue(-toNumber(v)), nil
	case "+":
		return numberValue(toNumber(v)), nil
	case "typeof":
		return stringValue(typeOf(v)), nil
	case "void":
		return undef, nil
	default:
		return nil, fmt.Errorf("sandbox: unhandled unary %q", t.op)
	}
}

func (it *interp) evalDelete(t *unaryExpr, env *environment) (Value, error) {
	member, ok := t.operand.(*memberExpr)
	if ok {
		obj, err := it.evalExpr(member.object, env)
		if err != nil {
			return nil, err
		}
		bare, _, _ := unwrap(obj)
		if o, isObj := bare.(*objectValue); isObj {
			o.delete(member.property)
		}
		return trueVal, nil
	}
	if idx, isIdx := t.operand.(*indexExpr); isIdx {
		obj, err := it.evalExpr(idx.object, env)
		if err != nil {
			return nil, err
		}
		key, err := it.evalExpr(idx.index, env)
		if err != nil {
			return nil, err
		}
		bare, _, _ := unwrap(obj)
		if o, isObj := bare.(*objectValue); isObj {
			o.delete(toDisplayString(key))
		}
		return trueVal, nil
	}
	return trueVal, nil
}

func (it *interp) evalUpdate(t *updateExpr, env *environment) (Value, error) {
	old, err := it.readTarget(t.operand, env)
	if err != nil {
		return nil, err
	}
	oldNum := toNumber(old)
	delta := 1.0
	if t.op == "--" {
		delta = -1
	}
	updated := numberValue(oldNum + delta)
	if err := it.writeTarget(t.operand, updated, env); err != nil {
		return nil, err
	}
	if t.prefix {
		return updated, nil
	}
	return numberValue(oldNum), nil
}

func (it *interp) evalAssign(t *assignExpr, env *environment) (Value, error) {
	if t.op == "&&=" || t.op == "||=" || t.op == "??=" {
		old, err := it.readTarget(t.target, env)
		if err != nil {
			return nil, err
		}
		skip := false
		switch t.op {
		case "&&=":
			skip = !truthy(old)
		case "||=":
			skip = truthy(old)
		case "??=":
			skip = !isNullish(old)
		}
		if skip {
			return old, nil
		}
		v, err := it.evalExpr(t.value, env)
		if err != nil {
			return nil, err
		}
		return v, it.writeTarget(t.target, v, env)
	}

	value, err := it.evalExpr(t.value, env)
	if err != nil {
		return nil, err
	}
	if t.op != "=" {
		old, err := it.readTarget(t.target, env)
		if err != nil {
			return nil, err
		}
		if value, err = it.demand(value); err != nil {
			return nil, err
		}
		if old, err = it.demand(old); err != nil {
			return nil, err
		}
		op := strings.TrimSuffix(t.op, "=")
		value, err = it.applyBinary(op, old, value, t.nodeLine())
		if err != nil {
			return nil, err
		}
	}
	return value, it.writeTarget(t.target, value, env)
}

func (it *interp) readTarget(target node, env *environment) (Value, error) {
	return it.evalExpr(target, env)
}

func (it *interp) writeTarget(target node, value Value, env *environment) error {
	switch t := target.(type) {
	case *identifier:
		if err := env.assign(t.name, value); err != nil {
			return &thrownError{value: errObject("TypeError", err.Error())}
		}
		return nil
	case *memberExpr:
		obj, err := it.evalExpr(t.object, env)
		if err != nil {
			return err
		}
		bare, _, _ := unwrap(obj)
		o, ok := bare.(*objectValue)
		if !ok {
			return it.throwType(t.nodeLine(), "cannot set property %q on %s", t.property, typeOf(obj))
		}
		o.set(t.property, value)
		return nil
	case *indexExpr:
		obj, err := it.evalExpr(t.object, env)
		if err != nil {
			return err
		}
		key, err := it.evalExpr(t.index, env)
		if err != nil {
			return err
		}
		if key, err = it.demand(key); err != nil {
			return err
		}
		bare, _, _ := unwrap(obj)
		switch o := bare.(type) {
		case *arrayValue:
			if num, ok := unwrapNumber(key); ok {
				i := int(num)
				if i < 0 {
					return it.throwType(t.nodeLine(), "negative array index")
				}
				for len(o.elems) <= i {
					o.elems = append(o.elems, undef)
				}
				o.elems[i] = value
				return nil
			}
			return it.throwType(t.nodeLine(), "array index must be a number")
		case *objectValue:
			o.set(toDisplayString(key), value)
			return nil
		default:
			return it.throwType(t.nodeLine(), "cannot set index on %s", typeOf(obj))
		}
	default:
		return it.throwType(target.nodeLine(), "invalid assignment target")
	}
}

// --- calls ---

func (it *interp) evalCall(t *callExpr, env *environment) (Value, error) {
	var this Value = undef
	var callee Value
	var err error
	switch c := t.callee.(type) {
	case *memberExpr:
		obj, objErr := it.evalExpr(c.object, env)
		if objErr != nil {
			return nil, objErr
		}
		if c.optional && isNullish(obj) {
			return undef, nil
		}
		if obj, err = it.demand(obj); err != nil {
			return nil, err
		}
		callee, err = it.getMember(obj, c.property, c.nodeLine())
		if err != nil {
			return nil, err
		}
		this = obj
	default:
		callee, err = it.evalExpr(t.callee, env)
		if err != nil {
			return nil, err
		}
	}
	if t.optional && isNullish(callee) {
		return undef, nil
	}
	if callee, err = it.demand(callee); err != nil {
		return nil, err
	}

	args, err := it.evalArgs(t.args, env)
	if err != nil {
		return nil, err
	}

	bare, _, _ := unwrap(callee)
	switch fn := bare.(type) {
	case *hostFn:
		return it.hostInvoke(t.callSiteKey, fn, args, t.nodeLine())
	case *builtinValue:
		return fn.fn(it, this, args)
	case *closureValue:
		return it.callClosure(fn, this, args)
	case *dateValue:
		return fn.ctor.fn(it, this, args)
	default:
		return nil, it.throwType(t.nodeLine(), "%s is not a function", typeOf(callee))
	}
}

func (it *interp) evalArgs(nodes []node, env *environment) ([]Value, error) {
	var args []Value
	for _, argNode := range nodes {
		if spread, ok := argNode.(*spreadExpr); ok {
			v, err := it.evalExpr(spread.value, env)
			if err != nil {
				return nil, err
			}
			if v, err = it.demand(v); err != nil {
				return nil, err
			}
			bare, label, tainted := unwrap(v)
			arr, isArr := bare.(*arrayValue)
			if !isArr {
				return nil, it.throwType(spread.nodeLine(), "spread source is not an array")
			}
			for _, e := range arr.elems {
				if tainted {
					e = taint(e, label)
				}
				args = append(args, e)
			}
			continue
		}
		v, err := it.evalExpr(argNode, env)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// callClosure invokes a user function. Async functions run in a deferral
// scope: pending effects inside become a pending promise instead of
// pausing the whole execution.
func (it *interp) callClosure(c *closureValue, this Value, args []Value) (Value, error) {
	env := newEnvironment(c.env)
	if !c.fn.isArrow {
		_ = env.declare("this", this, true)
	}
	for i, p := range c.fn.params {
		var v Value = undef
		if p.rest {
			rest := &arrayValue{}
			if i < len(args) {
				rest.elems = append(rest.elems, args[i:]...)
			}
			if err := env.declare(p.name, rest, false); err != nil {
				return nil, err
			}
			break
		}
		if i < len(args) {
			v = args[i]
		}
		if isUndefined(v) && p.fallback != nil {
			fb, err := it.evalExpr(p.fallback, env)
			if err != nil {
				return nil, err
			}
			v = fb
		}
		if err := env.declare(p.name, v, false); err != nil {
			return nil, err
		}
	}

	run := func() (Value, error) {
		if c.fn.exprBody {
			return it.evalExpr(c.fn.body, env)
		}
		block := c.fn.body.(*blockStmt)
		bodyEnv := newEnvironment(env)
		if _, err := it.runBody(block.body, bodyEnv); err != nil {
			if ret, ok := err.(ctrlReturn); ok {
				return ret.value, nil
			}
			return nil, err
		}
		return undef, nil
	}

	if !c.fn.isAsync {
		return run()
	}

	it.asyncDepth++
	v, err := run()
	it.asyncDepth--
	if err != nil {
		switch e := err.(type) {
		case *thrownError:
			return &promiseValue{state: promiseRejected, reason: e.value}, nil
		case errDeferred:
			return &promiseValue{state: promisePending, pending: e.calls}, nil
		default:
			return nil, err
		}
	}
	bare, label, tainted := unwrap(v)
	switch res := bare.(type) {
	case *pendingValue:
		return &promiseValue{state: promisePending, pending: res.calls}, nil
	case *promiseValue:
		return res, nil
	default:
		if tainted {
			v = taint(bare, label)
		}
		return &promiseValue{state: promiseResolved, value: v}, nil
	}
}

func (it *interp) evalNew(t *newExpr, env *environment) (Value, error) {
	callee, err := it.evalExpr(t.callee, env)
	if err != nil {
		return nil, err
	}
	args, err := it.evalArgs(t.args, env)
	if err != nil {
		return nil, err
	}
	bare, _, _ := unwrap(callee)
	switch ctor := bare.(type) {
	case *builtinValue:
		return ctor.fn(it, undef, args)
	case *dateValue:
		return ctor.ctor.fn(it, undef, args)
	}
	return nil, it.throwType(t.nodeLine(), "constructor is not supported for %s", typeOf(callee))
}

// --- host boundary ---

func (it *interp) hostInvoke(callSiteKey string, fn *hostFn, args []Value, line int) (Value, error) {
	packed, labels, err := it.packArgs(fn, args)
	if err != nil {
		return nil, err
	}
	digest, err := canonjson.Digest(packed)
	if err != nil {
		return nil, it.throwType(line, "arguments are not serializable: %v", err)
	}
	call := &HostCall{
		CallSiteKey: callSiteKey,
		ArgDigest:   digest,
		Type:        fn.typ,
		Operation:   fn.operation,
		Args:        packed,
		Labels:      labels,
	}
	if it.host == nil {
		return nil, it.throwType(line, "%s is not available", fn.operation)
	}
	res, err := it.host.Invoke(it.ctx, call)
	if err != nil {
		return nil, err
	}
	if res.Suspend {
		return &promiseValue{state: promisePending, pending: []*HostCall{call}}, nil
	}
	if res.Err != nil {
		reason := errObject("Error", res.Err.Message)
		if res.Err.Code != "" {
			reason.set("code", stringValue(res.Err.Code))
		}
		if res.Err.Policy != "" {
			reason.set("policy", stringValue(res.Err.Policy))
		}
		if len(res.Err.Context) > 0 {
			reason.set("context", fromGo(res.Err.Context))
		}
		return &promiseValue{state: promiseRejected, reason: reason}, nil
	}
	value := fromGo(res.Value)
	if it.mode != provenance.ModeNone && res.Label.SourceKind != "" {
		value = deepTaint(value, res.Label)
	}
	return &promiseValue{state: promiseResolved, value: value}, nil
}

// packArgs converts call arguments for the wire. Cache calls take
// positional (key, value); everything else takes a single args object.
func (it *interp) packArgs(fn *hostFn, args []Value) (map[string]any, map[string]provenance.Label, error) {
	labels := map[string]provenance.Label{}
	digest := func(v any) string {
		d, err := canonjson.Digest(v)
		if err != nil {
			return ""
		}
		return d
	}
	for i, a := range args {
		concrete, err := it.demand(a)
		if err != nil {
			return nil, nil, err
		}
		args[i] = concrete
	}
	packed := map[string]any{}
	if fn.typ == CallTypeCache {
		if len(args) > 0 {
			packed["key"] = toGo(args[0], digest, labels)
		}
		if fn.operation == "cache.set" && len(args) > 1 {
			packed["value"] = toGo(args[1], digest, labels)
		}
		return packed, labels, nil
	}
	if len(args) == 0 {
		return packed, labels, nil
	}
	converted := toGo(args[0], digest, labels)
	if m, ok := converted.(map[string]any); ok {
		return m, labels, nil
	}
	packed["value"] = converted
	return packed, labels, nil
}
