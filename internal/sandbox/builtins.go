package sandbox

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"atp/internal/shared/jsonx"
)

// atp namespace operations, grouped the way programs call them.
var atpNamespaces = map[string][]string{
	"llm":       {"call", "extract", "classify", "stream", "generate"},
	"approval":  {"request", "confirm", "verify"},
	"embedding": {"embed", "search", "create", "generate", "encode"},
	"cache":     {"get", "set"},
}

// newGlobalEnv builds the sandbox global scope: curated standard globals
// plus the atp.* and api.* namespaces. Nothing else is reachable.
func (it *interp) newGlobalEnv(tools []string) *environment {
	env := newEnvironment(nil)
	declare := func(name string, v Value) { _ = env.declare(name, v, true) }

	declare("console", it.consoleObject())
	declare("JSON", jsonObject())
	declare("Math", it.mathObject())
	declare("Date", it.dateBuiltin())
	declare("Object", objectStatics())
	declare("Array", arrayStatics())
	declare("Number", numberStatics())
	declare("Promise", promiseStatics())
	declare("String", &builtinValue{name: "String", fn: func(it *interp, this Value, args []Value) (Value, error) {
		return stringValue(toDisplayString(argAt(args, 0))), nil
	}})
	declare("Boolean", &builtinValue{name: "Boolean", fn: func(it *interp, this Value, args []Value) (Value, error) {
		return boolValue(truthy(argAt(args, 0))), nil
	}})
	declare("Error", errorBuiltin("Error"))
	declare("TypeError", errorBuiltin("TypeError"))
	declare("RangeError", errorBuiltin("RangeError"))
	declare("RegExp", regexpBuiltin())
	declare("Symbol", symbolBuiltin())
	declare("parseInt", &builtinValue{name: "parseInt", fn: parseIntFn})
	declare("parseFloat", &builtinValue{name: "parseFloat", fn: parseFloatFn})
	declare("isNaN", &builtinValue{name: "isNaN", fn: func(it *interp, this Value, args []Value) (Value, error) {
		return boolValue(math.IsNaN(toNumber(argAt(args, 0)))), nil
	}})
	declare("isFinite", &builtinValue{name: "isFinite", fn: func(it *interp, this Value, args []Value) (Value, error) {
		n := toNumber(argAt(args, 0))
		return boolValue(!math.IsNaN(n) && !math.IsInf(n, 0)), nil
	}})
	declare("NaN", numberValue(math.NaN()))
	declare("Infinity", numberValue(math.Inf(1)))

	// Timers run their callback inline: wall-clock scheduling would break
	// deterministic replay, and programs only use these for yielding.
	immediate := &builtinValue{name: "setTimeout", fn: func(it *interp, this Value, args []Value) (Value, error) {
		if len(args) > 0 {
			if _, err := it.callFunction(args[0], undef, nil); err != nil {
				return nil, err
			}
		}
		return numberValue(0), nil
	}}
	declare("setTimeout", immediate)
	declare("setImmediate", immediate)

	declare("atp", atpNamespace())
	declare("api", apiNamespace(tools))
	return env
}

func atpNamespace() Value {
	root := newObject()
	for ns, ops := range atpNamespaces {
		group := newObject()
		for _, op := range ops {
			group.set(op, &hostFn{typ: hostTypeFor(ns), operation: ns + "." + op})
		}
		root.set(ns, group)
	}
	return root
}

func hostTypeFor(ns string) string {
	switch ns {
	case "llm":
		return CallTypeLLM
	case "approval":
		return CallTypeApproval
	case "embedding":
		return CallTypeEmbedding
	case "cache":
		return CallTypeCache
	default:
		return ns
	}
}

// apiNamespace reifies hierarchical tool names as nested objects:
// "crm/users/get" becomes api.crm.users.get.
func apiNamespace(tools []string) Value {
	root := newObject()
	for _, tool := range tools {
		segments := strings.Split(tool, "/")
		current := root
		for i, segment := range segments {
			if i == len(segments)-1 {
				current.set(segment, &hostFn{typ: CallTypeTool, operation: tool})
				break
			}
			child, ok := current.get(segment)
			childObj, isObj := child.(*objectValue)
			if !ok || !isObj {
				childObj = newObject()
				current.set(segment, childObj)
			}
			current = childObj
		}
	}
	return root
}

func (it *interp) consoleObject() Value {
	obj := newObject()
	log := func(it *interp, this Value, args []Value) (Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			bare, _, _ := unwrap(a)
			switch bare.(type) {
			case *objectValue, *arrayValue:
				if s, ok := jsonStringify(a, ""); ok {
					parts[i] = s
					continue
				}
			}
			parts[i] = toDisplayString(a)
		}
		it.logs = append(it.logs, strings.Join(parts, " "))
		return undef, nil
	}
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		obj.set(name, &builtinValue{name: "console." + name, fn: log})
	}
	return obj
}

func jsonObject() Value {
	obj := newObject()
	obj.set("stringify", &builtinValue{name: "JSON.stringify", fn: func(it *interp, this Value, args []Value) (Value, error) {
		v, err := it.demand(argAt(args, 0))
		if err != nil {
			return nil, err
		}
		indent := ""
		if len(args) > 2 {
			if n, ok := unwrapNumber(args[2]); ok {
				indent = strings.Repeat(" ", int(n))
			} else if s, isStr := args[2].(stringValue); isStr {
				indent = string(s)
			}
		}
		out, ok := jsonStringify(v, indent)
		if !ok {
			return undef, nil
		}
		if err := it.alloc(int64(len(out))); err != nil {
			return nil, err
		}
		return stringValue(out), nil
	}})
	obj.set("parse", &builtinValue{name: "JSON.parse", fn: func(it *interp, this Value, args []Value) (Value, error) {
		text := toDisplayString(argAt(args, 0))
		var parsed any
		if err := jsonx.Unmarshal([]byte(text), &parsed); err != nil {
			return nil, &thrownError{value: errObject("SyntaxError", "JSON.parse: "+err.Error())}
		}
		return fromGo(parsed), nil
	}})
	return obj
}

// jsonStringify renders a value as JSON preserving object key order.
// Returns false for values JSON omits (functions, undefined).
func jsonStringify(v Value, indent string) (string, bool) {
	var b strings.Builder
	ok := writeJSON(&b, v, indent, "", 0)
	return b.String(), ok
}

func writeJSON(b *strings.Builder, v Value, indent, prefix string, depth int) bool {
	if depth > 64 {
		return false
	}
	bare, _, _ := unwrap(v)
	switch t := bare.(type) {
	case undefinedValue, *closureValue, *builtinValue, *hostFn, *promiseValue, *pendingValue:
		return false
	case nullValue:
		b.WriteString("null")
	case boolValue:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case numberValue:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			b.WriteString("null")
		} else {
			b.WriteString(formatNumber(f))
		}
	case stringValue:
		writeJSONString(b, string(t))
	case *arrayValue:
		b.WriteString("[")
		inner := prefix + indent
		for i, e := range t.elems {
			if i > 0 {
				b.WriteString(",")
			}
			if indent != "" {
				b.WriteString("\n" + inner)
			}
			var elem strings.Builder
			if writeJSON(&elem, e, indent, inner, depth+1) {
				b.WriteString(elem.String())
			} else {
				b.WriteString("null")
			}
		}
		if indent != "" && len(t.elems) > 0 {
			b.WriteString("\n" + prefix)
		}
		b.WriteString("]")
	case *objectValue:
		b.WriteString("{")
		inner := prefix + indent
		wrote := false
		for _, k := range t.keys {
			var elem strings.Builder
			if !writeJSON(&elem, t.props[k], indent, inner, depth+1) {
				continue
			}
			if wrote {
				b.WriteString(",")
			}
			if indent != "" {
				b.WriteString("\n" + inner)
			}
			writeJSONString(b, k)
			b.WriteString(":")
			if indent != "" {
				b.WriteString(" ")
			}
			b.WriteString(elem.String())
			wrote = true
		}
		if indent != "" && wrote {
			b.WriteString("\n" + prefix)
		}
		b.WriteString("}")
	default:
		return false
	}
	return true
}

func writeJSONString(b *strings.Builder, s string) {
	data, err := jsonx.Marshal(s)
	if err != nil {
		b.WriteString(`""`)
		return
	}
	b.Write(data)
}

func (it *interp) mathObject() Value {
	obj := newObject()
	unary := func(name string, fn func(float64) float64) {
		obj.set(name, &builtinValue{name: "Math." + name, fn: func(it *interp, this Value, args []Value) (Value, error) {
			return numberValue(fn(toNumber(argAt(args, 0)))), nil
		}})
	}
	unary("abs", math.Abs)
	unary("floor", math.Floor)
	unary("ceil", math.Ceil)
	unary("round", func(f float64) float64 { return math.Floor(f + 0.5) })
	unary("trunc", math.Trunc)
	unary("sqrt", math.Sqrt)
	unary("log", math.Log)
	unary("log2", math.Log2)
	unary("log10", math.Log10)
	unary("exp", math.Exp)
	unary("sign", func(f float64) float64 {
		switch {
		case f > 0:
			return 1
		case f < 0:
			return -1
		default:
			return f
		}
	})
	obj.set("pow", &builtinValue{name: "Math.pow", fn: func(it *interp, this Value, args []Value) (Value, error) {
		return numberValue(math.Pow(toNumber(argAt(args, 0)), toNumber(argAt(args, 1)))), nil
	}})
	obj.set("max", &builtinValue{name: "Math.max", fn: func(it *interp, this Value, args []Value) (Value, error) {
		out := math.Inf(-1)
		for _, a := range args {
			out = math.Max(out, toNumber(a))
		}
		return numberValue(out), nil
	}})
	obj.set("min", &builtinValue{name: "Math.min", fn: func(it *interp, this Value, args []Value) (Value, error) {
		out := math.Inf(1)
		for _, a := range args {
			out = math.Min(out, toNumber(a))
		}
		return numberValue(out), nil
	}})
	// Seeded per execution: identical draws on every replay.
	obj.set("random", &builtinValue{name: "Math.random", fn: func(it *interp, this Value, args []Value) (Value, error) {
		return numberValue(it.random.Float64()), nil
	}})
	obj.set("PI", numberValue(math.Pi))
	obj.set("E", numberValue(math.E))
	return obj
}

// dateBuiltin is both a constructor and the holder of Date.now. Time is
// frozen at execution start so replayed runs digest identical arguments.
func (it *interp) dateBuiltin() Value {
	ctor := &builtinValue{name: "Date", fn: func(inner *interp, this Value, args []Value) (Value, error) {
		ms := float64(inner.started.UnixMilli())
		if len(args) > 0 {
			ms = toNumber(args[0])
		}
		return dateObject(ms), nil
	}}
	// Statics hang off a wrapper object; calls route through the ctor.
	wrapper := newObject()
	wrapper.set("now", &builtinValue{name: "Date.now", fn: func(inner *interp, this Value, args []Value) (Value, error) {
		return numberValue(float64(inner.started.UnixMilli())), nil
	}})
	return &dateValue{ctor: ctor, statics: wrapper}
}

// dateValue lets Date act as callable constructor and static namespace.
type dateValue struct {
	ctor    *builtinValue
	statics *objectValue
}

func (*dateValue) valueKind() string { return "function" }

func dateObject(ms float64) Value {
	obj := newObject()
	obj.set("getTime", &builtinValue{name: "getTime", fn: func(it *interp, this Value, args []Value) (Value, error) {
		return numberValue(ms), nil
	}})
	obj.set("toISOString", &builtinValue{name: "toISOString", fn: func(it *interp, this Value, args []Value) (Value, error) {
		return stringValue(msToISO(ms)), nil
	}})
	obj.set("valueOf", &builtinValue{name: "valueOf", fn: func(it *interp, this Value, args []Value) (Value, error) {
		return numberValue(ms), nil
	}})
	return obj
}

func msToISO(ms float64) string {
	sec := int64(ms) / 1000
	nsec := (int64(ms) % 1000) * 1e6
	return time.Unix(sec, nsec).UTC().Format("2006-01-02T15:04:05.000") + "Z"
}

func objectStatics() Value {
	obj := newObject()
	obj.set("keys", &builtinValue{name: "Object.keys", fn: func(it *interp, this Value, args []Value) (Value, error) {
		bare, _, _ := unwrap(argAt(args, 0))
		out := &arrayValue{}
		if o, ok := bare.(*objectValue); ok {
			for _, k := range o.keys {
				out.elems = append(out.elems, stringValue(k))
			}
		}
		return out, nil
	}})
	obj.set("values", &builtinValue{name: "Object.values", fn: func(it *interp, this Value, args []Value) (Value, error) {
		bare, label, tainted := unwrap(argAt(args, 0))
		out := &arrayValue{}
		if o, ok := bare.(*objectValue); ok {
			for _, k := range o.keys {
				v := o.props[k]
				if tainted {
					v = taint(v, label)
				}
				out.elems = append(out.elems, v)
			}
		}
		return out, nil
	}})
	obj.set("entries", &builtinValue{name: "Object.entries", fn: func(it *interp, this Value, args []Value) (Value, error) {
		bare, label, tainted := unwrap(argAt(args, 0))
		out := &arrayValue{}
		if o, ok := bare.(*objectValue); ok {
			for _, k := range o.keys {
				v := o.props[k]
				if tainted {
					v = taint(v, label)
				}
				out.elems = append(out.elems, &arrayValue{elems: []Value{stringValue(k), v}})
			}
		}
		return out, nil
	}})
	obj.set("assign", &builtinValue{name: "Object.assign", fn: func(it *interp, this Value, args []Value) (Value, error) {
		targetBare, _, _ := unwrap(argAt(args, 0))
		target, ok := targetBare.(*objectValue)
		if !ok {
			return nil, &thrownError{value: errObject("TypeError", "Object.assign target must be an object")}
		}
		for _, src := range args[1:] {
			bare, label, tainted := unwrap(src)
			if o, isObj := bare.(*objectValue); isObj {
				for _, k := range o.keys {
					v := o.props[k]
					if tainted {
						v = taint(v, label)
					}
					target.set(k, v)
				}
			}
		}
		return target, nil
	}})
	obj.set("fromEntries", &builtinValue{name: "Object.fromEntries", fn: func(it *interp, this Value, args []Value) (Value, error) {
		bare, _, _ := unwrap(argAt(args, 0))
		arr, ok := bare.(*arrayValue)
		if !ok {
			return nil, &thrownError{value: errObject("TypeError", "Object.fromEntries expects an array")}
		}
		out := newObject()
		for _, e := range arr.elems {
			entryBare, _, _ := unwrap(e)
			if pair, isArr := entryBare.(*arrayValue); isArr && len(pair.elems) >= 2 {
				out.set(toDisplayString(pair.elems[0]), pair.elems[1])
			}
		}
		return out, nil
	}})
	obj.set("freeze", &builtinValue{name: "Object.freeze", fn: func(it *interp, this Value, args []Value) (Value, error) {
		return argAt(args, 0), nil
	}})
	return obj
}

func arrayStatics() Value {
	obj := newObject()
	obj.set("isArray", &builtinValue{name: "Array.isArray", fn: func(it *interp, this Value, args []Value) (Value, error) {
		bare, _, _ := unwrap(argAt(args, 0))
		_, ok := bare.(*arrayValue)
		return boolValue(ok), nil
	}})
	obj.set("from", &builtinValue{name: "Array.from", fn: func(it *interp, this Value, args []Value) (Value, error) {
		bare, _, _ := unwrap(argAt(args, 0))
		out := &arrayValue{}
		switch t := bare.(type) {
		case *arrayValue:
			out.elems = append(out.elems, t.elems...)
		case stringValue:
			for _, r := range string(t) {
				out.elems = append(out.elems, stringValue(string(r)))
			}
		case *objectValue:
			if lengthVal, ok := t.get("length"); ok {
				n := int(toNumber(lengthVal))
				for i := 0; i < n; i++ {
					if v, found := t.get(strconv.Itoa(i)); found {
						out.elems = append(out.elems, v)
					} else {
						out.elems = append(out.elems, undef)
					}
				}
			}
		}
		if len(args) > 1 && !isUndefined(args[1]) {
			for i, e := range out.elems {
				v, err := it.callFunction(args[1], undef, []Value{e, numberValue(i)})
				if err != nil {
					return nil, err
				}
				out.elems[i] = v
			}
		}
		return out, nil
	}})
	obj.set("of", &builtinValue{name: "Array.of", fn: func(it *interp, this Value, args []Value) (Value, error) {
		return &arrayValue{elems: append([]Value{}, args...)}, nil
	}})
	return obj
}

func numberStatics() Value {
	obj := newObject()
	obj.set("isInteger", &builtinValue{name: "Number.isInteger", fn: func(it *interp, this Value, args []Value) (Value, error) {
		bare, _, _ := unwrap(argAt(args, 0))
		n, ok := bare.(numberValue)
		return boolValue(ok && float64(n) == math.Trunc(float64(n))), nil
	}})
	obj.set("isFinite", &builtinValue{name: "Number.isFinite", fn: func(it *interp, this Value, args []Value) (Value, error) {
		bare, _, _ := unwrap(argAt(args, 0))
		n, ok := bare.(numberValue)
		return boolValue(ok && !math.IsNaN(float64(n)) && !math.IsInf(float64(n), 0)), nil
	}})
	obj.set("isNaN", &builtinValue{name: "Number.isNaN", fn: func(it *interp, this Value, args []Value) (Value, error) {
		bare, _, _ := unwrap(argAt(args, 0))
		n, ok := bare.(numberValue)
		return boolValue(ok && math.IsNaN(float64(n))), nil
	}})
	obj.set("parseInt", &builtinValue{name: "Number.parseInt", fn: parseIntFn})
	obj.set("parseFloat", &builtinValue{name: "Number.parseFloat", fn: parseFloatFn})
	obj.set("MAX_SAFE_INTEGER", numberValue(9007199254740991))
	obj.set("MIN_SAFE_INTEGER", numberValue(-9007199254740991))
	return obj
}

func parseIntFn(it *interp, this Value, args []Value) (Value, error) {
	s := strings.TrimSpace(toDisplayString(argAt(args, 0)))
	radix := 10
	if len(args) > 1 && !isUndefined(args[1]) {
		radix = int(toNumber(args[1]))
	}
	if radix < 2 || radix > 36 {
		return numberValue(nan()), nil
	}
	sign := 1.0
	if strings.HasPrefix(s, "-") {
		sign = -1
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if radix == 16 && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		s = s[2:]
	}
	end := 0
	for end < len(s) && digitValue(s[end]) < radix {
		end++
	}
	if end == 0 {
		return numberValue(nan()), nil
	}
	var out float64
	for i := 0; i < end; i++ {
		out = out*float64(radix) + float64(digitValue(s[i]))
	}
	return numberValue(sign * out), nil
}

func digitValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	default:
		return 99
	}
}

func parseFloatFn(it *interp, this Value, args []Value) (Value, error) {
	s := strings.TrimSpace(toDisplayString(argAt(args, 0)))
	end := len(s)
	for end > 0 {
		if _, err := strconv.ParseFloat(s[:end], 64); err == nil {
			break
		}
		end--
	}
	if end == 0 {
		return numberValue(nan()), nil
	}
	f, _ := strconv.ParseFloat(s[:end], 64)
	return numberValue(f), nil
}

func promiseStatics() Value {
	obj := newObject()
	obj.set("resolve", &builtinValue{name: "Promise.resolve", fn: func(it *interp, this Value, args []Value) (Value, error) {
		v := argAt(args, 0)
		bare, _, _ := unwrap(v)
		if p, ok := bare.(*promiseValue); ok {
			return p, nil
		}
		return &promiseValue{state: promiseResolved, value: v}, nil
	}})
	obj.set("reject", &builtinValue{name: "Promise.reject", fn: func(it *interp, this Value, args []Value) (Value, error) {
		return &promiseValue{state: promiseRejected, reason: argAt(args, 0)}, nil
	}})
	obj.set("all", &builtinValue{name: "Promise.all", fn: promiseAll})
	obj.set("allSettled", &builtinValue{name: "Promise.allSettled", fn: promiseAllSettled})
	obj.set("race", &builtinValue{name: "Promise.race", fn: promiseRace})
	return obj
}

// promiseAll is the wait-all batching barrier: pending entries collapse
// into one pending promise carrying the whole batch. Replay restores
// positional order because each call resolves from its own effect entry.
func promiseAll(it *interp, this Value, args []Value) (Value, error) {
	bare, _, _ := unwrap(argAt(args, 0))
	arr, ok := bare.(*arrayValue)
	if !ok {
		return nil, &thrownError{value: errObject("TypeError", "Promise.all expects an array")}
	}
	results := make([]Value, len(arr.elems))
	var batch []*HostCall
	for i, e := range arr.elems {
		elemBare, _, _ := unwrap(e)
		switch p := elemBare.(type) {
		case *promiseValue:
			switch p.state {
			case promiseResolved:
				results[i] = p.value
			case promiseRejected:
				return &promiseValue{state: promiseRejected, reason: p.reason}, nil
			default:
				batch = append(batch, p.pending...)
			}
		case *pendingValue:
			batch = append(batch, p.calls...)
		default:
			results[i] = e
		}
	}
	if len(batch) > 0 {
		return &promiseValue{state: promisePending, pending: batch}, nil
	}
	return &promiseValue{state: promiseResolved, value: &arrayValue{elems: results}}, nil
}

func promiseAllSettled(it *interp, this Value, args []Value) (Value, error) {
	bare, _, _ := unwrap(argAt(args, 0))
	arr, ok := bare.(*arrayValue)
	if !ok {
		return nil, &thrownError{value: errObject("TypeError", "Promise.allSettled expects an array")}
	}
	results := make([]Value, len(arr.elems))
	var batch []*HostCall
	for i, e := range arr.elems {
		elemBare, _, _ := unwrap(e)
		switch p := elemBare.(type) {
		case *promiseValue:
			switch p.state {
			case promiseResolved:
				results[i] = settledEntry("fulfilled", p.value, nil)
			case promiseRejected:
				results[i] = settledEntry("rejected", nil, p.reason)
			default:
				batch = append(batch, p.pending...)
			}
		case *pendingValue:
			batch = append(batch, p.calls...)
		default:
			results[i] = settledEntry("fulfilled", e, nil)
		}
	}
	if len(batch) > 0 {
		return &promiseValue{state: promisePending, pending: batch}, nil
	}
	return &promiseValue{state: promiseResolved, value: &arrayValue{elems: results}}, nil
}

func settledEntry(status string, value, reason Value) Value {
	obj := newObject()
	obj.set("status", stringValue(status))
	if value != nil {
		obj.set("value", value)
	}
	if reason != nil {
		obj.set("reason", reason)
	}
	return obj
}

func promiseRace(it *interp, this Value, args []Value) (Value, error) {
	bare, _, _ := unwrap(argAt(args, 0))
	arr, ok := bare.(*arrayValue)
	if !ok {
		return nil, &thrownError{value: errObject("TypeError", "Promise.race expects an array")}
	}
	var batch []*HostCall
	for _, e := range arr.elems {
		elemBare, _, _ := unwrap(e)
		switch p := elemBare.(type) {
		case *promiseValue:
			if p.state != promisePending {
				return p, nil
			}
			batch = append(batch, p.pending...)
		case *pendingValue:
			batch = append(batch, p.calls...)
		default:
			return &promiseValue{state: promiseResolved, value: e}, nil
		}
	}
	if len(batch) > 0 {
		return &promiseValue{state: promisePending, pending: batch}, nil
	}
	return &promiseValue{state: promiseResolved, value: undef}, nil
}

func errorBuiltin(name string) Value {
	return &builtinValue{name: name, fn: func(it *interp, this Value, args []Value) (Value, error) {
		return errObject(name, toDisplayString(argAt(args, 0))), nil
	}}
}

func regexpBuiltin() Value {
	return &builtinValue{name: "RegExp", fn: func(it *interp, this Value, args []Value) (Value, error) {
		pattern := toDisplayString(argAt(args, 0))
		flags := ""
		if len(args) > 1 && !isUndefined(args[1]) {
			flags = toDisplayString(args[1])
		}
		goPattern := pattern
		if strings.Contains(flags, "i") {
			goPattern = "(?i)" + goPattern
		}
		re, err := regexp.Compile(goPattern)
		if err != nil {
			return nil, &thrownError{value: errObject("SyntaxError", "invalid regular expression: "+err.Error())}
		}
		obj := newObject()
		obj.set("source", stringValue(pattern))
		obj.set("flags", stringValue(flags))
		obj.set("test", &builtinValue{name: "test", fn: func(it *interp, this Value, args []Value) (Value, error) {
			return boolValue(re.MatchString(toDisplayString(argAt(args, 0)))), nil
		}})
		obj.set("exec", &builtinValue{name: "exec", fn: func(it *interp, this Value, args []Value) (Value, error) {
			match := re.FindStringSubmatch(toDisplayString(argAt(args, 0)))
			if match == nil {
				return nullVal, nil
			}
			out := &arrayValue{}
			for _, m := range match {
				out.elems = append(out.elems, stringValue(m))
			}
			return out, nil
		}})
		return obj, nil
	}}
}

func symbolBuiltin() Value {
	return &builtinValue{name: "Symbol", fn: func(it *interp, this Value, args []Value) (Value, error) {
		obj := newObject()
		obj.set("description", stringValue(toDisplayString(argAt(args, 0))))
		return obj, nil
	}}
}
