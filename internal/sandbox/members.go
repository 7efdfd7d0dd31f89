package sandbox

import (
	"sort"
	"strconv"
	"strings"

	"atp/internal/provenance"
)

// callFunction dispatches a sandbox-callable value. Host functions cannot
// be passed around as callbacks: their call-site key is bound to the
// syntactic call.
func (it *interp) callFunction(fn Value, this Value, args []Value) (Value, error) {
	bare, _, _ := unwrap(fn)
	switch f := bare.(type) {
	case *builtinValue:
		return f.fn(it, this, args)
	case *closureValue:
		return it.callClosure(f, this, args)
	case *hostFn:
		return nil, &thrownError{value: errObject("TypeError", "host functions must be called directly, not passed as callbacks")}
	default:
		return nil, &thrownError{value: errObject("TypeError", typeOf(fn)+" is not a function")}
	}
}

// getMember resolves property access. Labeled receivers propagate their
// label onto property reads and method results.
func (it *interp) getMember(recv Value, name string, line int) (Value, error) {
	if blocked, found := blockedProperties[name]; found {
		return nil, it.throwType(line, "property %q is blocked (%s)", name, blocked)
	}
	recv, err := it.demand(recv)
	if err != nil {
		return nil, err
	}
	bare, label, tainted := unwrap(recv)
	propagate := func(v Value) Value {
		if tainted && it.mode != provenance.ModeNone {
			return taint(v, label)
		}
		return v
	}

	switch obj := bare.(type) {
	case stringValue:
		if name == "length" {
			return propagate(numberValue(len([]rune(string(obj))))), nil
		}
		if method, ok := stringMethods[name]; ok {
			return it.bindMethod(recv, method, tainted, label), nil
		}
	case *arrayValue:
		if name == "length" {
			return propagate(numberValue(len(obj.elems))), nil
		}
		if method, ok := arrayMethods[name]; ok {
			return it.bindMethod(recv, method, tainted, label), nil
		}
	case *objectValue:
		if v, found := obj.get(name); found {
			return propagate(v), nil
		}
		if method, ok := objectMethods[name]; ok {
			return it.bindMethod(recv, method, tainted, label), nil
		}
		return undef, nil
	case *promiseValue:
		if method, ok := promiseMethods[name]; ok {
			return it.bindMethod(recv, method, tainted, label), nil
		}
		return undef, nil
	case *closureValue:
		if name == "name" {
			return stringValue(obj.name), nil
		}
		return undef, nil
	case *builtinValue:
		if name == "name" {
			return stringValue(obj.name), nil
		}
		return undef, nil
	case *dateValue:
		if v, found := obj.statics.get(name); found {
			return v, nil
		}
		return undef, nil
	case numberValue:
		if method, ok := numberMethods[name]; ok {
			return it.bindMethod(recv, method, tainted, label), nil
		}
		return undef, nil
	case undefinedValue, nullValue:
		return nil, it.throwType(line, "cannot read property %q of %s", name, toDisplayString(bare))
	}
	return undef, nil
}

// bindMethod packages a method for later invocation; labeled receivers get
// their label re-applied to whatever the method returns.
func (it *interp) bindMethod(recv Value, method builtinFn, tainted bool, label provenance.Label) Value {
	if !tainted || it.mode == provenance.ModeNone {
		return &builtinValue{name: "method", fn: method}
	}
	return &builtinValue{name: "method", fn: func(inner *interp, this Value, args []Value) (Value, error) {
		out, err := method(inner, recv, args)
		if err != nil {
			return nil, err
		}
		return taint(out, label), nil
	}}
}

func argAt(args []Value, i int) Value {
	if i < len(args) {
		return args[i]
	}
	return undef
}

func thisString(this Value) string {
	bare, _, _ := unwrap(this)
	if s, ok := bare.(stringValue); ok {
		return string(s)
	}
	return toDisplayString(this)
}

func thisArray(this Value) (*arrayValue, bool) {
	bare, _, _ := unwrap(this)
	arr, ok := bare.(*arrayValue)
	return arr, ok
}

// --- string methods ---

var stringMethods map[string]builtinFn

func init() {
	stringMethods = map[string]builtinFn{
		"toUpperCase": func(it *interp, this Value, args []Value) (Value, error) {
			return stringValue(strings.ToUpper(thisString(this))), nil
		},
		"toLowerCase": func(it *interp, this Value, args []Value) (Value, error) {
			return stringValue(strings.ToLower(thisString(this))), nil
		},
		"trim": func(it *interp, this Value, args []Value) (Value, error) {
			return stringValue(strings.TrimSpace(thisString(this))), nil
		},
		"trimStart": func(it *interp, this Value, args []Value) (Value, error) {
			return stringValue(strings.TrimLeft(thisString(this), " \t\n\r")), nil
		},
		"trimEnd": func(it *interp, this Value, args []Value) (Value, error) {
			return stringValue(strings.TrimRight(thisString(this), " \t\n\r")), nil
		},
		"includes": func(it *interp, this Value, args []Value) (Value, error) {
			return boolValue(strings.Contains(thisString(this), toDisplayString(argAt(args, 0)))), nil
		},
		"startsWith": func(it *interp, this Value, args []Value) (Value, error) {
			return boolValue(strings.HasPrefix(thisString(this), toDisplayString(argAt(args, 0)))), nil
		},
		"endsWith": func(it *interp, this Value, args []Value) (Value, error) {
			return boolValue(strings.HasSuffix(thisString(this), toDisplayString(argAt(args, 0)))), nil
		},
		"indexOf": func(it *interp, this Value, args []Value) (Value, error) {
			return numberValue(strings.Index(thisString(this), toDisplayString(argAt(args, 0)))), nil
		},
		"lastIndexOf": func(it *interp, this Value, args []Value) (Value, error) {
			return numberValue(strings.LastIndex(thisString(this), toDisplayString(argAt(args, 0)))), nil
		},
		"slice": func(it *interp, this Value, args []Value) (Value, error) {
			runes := []rune(thisString(this))
			start, end := sliceBounds(len(runes), args)
			return stringValue(string(runes[start:end])), nil
		},
		"substring": func(it *interp, this Value, args []Value) (Value, error) {
			runes := []rune(thisString(this))
			start, end := sliceBounds(len(runes), args)
			return stringValue(string(runes[start:end])), nil
		},
		"split": func(it *interp, this Value, args []Value) (Value, error) {
			s := thisString(this)
			arr := &arrayValue{}
			if isUndefined(argAt(args, 0)) {
				arr.elems = append(arr.elems, stringValue(s))
				return arr, nil
			}
			for _, part := range strings.Split(s, toDisplayString(args[0])) {
				arr.elems = append(arr.elems, stringValue(part))
			}
			return arr, nil
		},
		"replace": func(it *interp, this Value, args []Value) (Value, error) {
			return stringValue(strings.Replace(thisString(this), toDisplayString(argAt(args, 0)), toDisplayString(argAt(args, 1)), 1)), nil
		},
		"replaceAll": func(it *interp, this Value, args []Value) (Value, error) {
			return stringValue(strings.ReplaceAll(thisString(this), toDisplayString(argAt(args, 0)), toDisplayString(argAt(args, 1)))), nil
		},
		"repeat": func(it *interp, this Value, args []Value) (Value, error) {
			n := int(toNumber(argAt(args, 0)))
			if n < 0 {
				return nil, &thrownError{value: errObject("RangeError", "invalid repeat count")}
			}
			s := thisString(this)
			if err := it.alloc(int64(n * len(s))); err != nil {
				return nil, err
			}
			return stringValue(strings.Repeat(s, n)), nil
		},
		"padStart": func(it *interp, this Value, args []Value) (Value, error) {
			return stringValue(pad(thisString(this), args, true)), nil
		},
		"padEnd": func(it *interp, this Value, args []Value) (Value, error) {
			return stringValue(pad(thisString(this), args, false)), nil
		},
		"charAt": func(it *interp, this Value, args []Value) (Value, error) {
			runes := []rune(thisString(this))
			i := int(toNumber(argAt(args, 0)))
			if i < 0 || i >= len(runes) {
				return stringValue(""), nil
			}
			return stringValue(string(runes[i])), nil
		},
		"charCodeAt": func(it *interp, this Value, args []Value) (Value, error) {
			runes := []rune(thisString(this))
			i := int(toNumber(argAt(args, 0)))
			if i < 0 || i >= len(runes) {
				return numberValue(nan()), nil
			}
			return numberValue(float64(runes[i])), nil
		},
		"concat": func(it *interp, this Value, args []Value) (Value, error) {
			var b strings.Builder
			b.WriteString(thisString(this))
			for _, a := range args {
				b.WriteString(toDisplayString(a))
			}
			return stringValue(b.String()), nil
		},
		"at": func(it *interp, this Value, args []Value) (Value, error) {
			runes := []rune(thisString(this))
			i := int(toNumber(argAt(args, 0)))
			if i < 0 {
				i += len(runes)
			}
			if i < 0 || i >= len(runes) {
				return undef, nil
			}
			return stringValue(string(runes[i])), nil
		},
		"toString": func(it *interp, this Value, args []Value) (Value, error) {
			return stringValue(thisString(this)), nil
		},
	}
}

func sliceBounds(length int, args []Value) (int, int) {
	start, end := 0, length
	if len(args) > 0 && !isUndefined(args[0]) {
		start = clampIndex(int(toNumber(args[0])), length)
	}
	if len(args) > 1 && !isUndefined(args[1]) {
		end = clampIndex(int(toNumber(args[1])), length)
	}
	if end < start {
		end = start
	}
	return start, end
}

func clampIndex(i, length int) int {
	if i < 0 {
		i += length
	}
	if i < 0 {
		return 0
	}
	if i > length {
		return length
	}
	return i
}

func pad(s string, args []Value, atStart bool) string {
	target := int(toNumber(argAt(args, 0)))
	filler := " "
	if len(args) > 1 && !isUndefined(args[1]) {
		filler = toDisplayString(args[1])
	}
	if filler == "" || len([]rune(s)) >= target {
		return s
	}
	var b strings.Builder
	for len([]rune(s))+b.Len() < target {
		b.WriteString(filler)
	}
	padding := string([]rune(b.String())[:target-len([]rune(s))])
	if atStart {
		return padding + s
	}
	return s + padding
}

// --- array methods ---

var arrayMethods map[string]builtinFn

func init() {
	arrayMethods = map[string]builtinFn{
		"push": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			if err := it.alloc(int64(16 * len(args))); err != nil {
				return nil, err
			}
			arr.elems = append(arr.elems, args...)
			return numberValue(len(arr.elems)), nil
		},
		"pop": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok || len(arr.elems) == 0 {
				return undef, nil
			}
			last := arr.elems[len(arr.elems)-1]
			arr.elems = arr.elems[:len(arr.elems)-1]
			return last, nil
		},
		"shift": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok || len(arr.elems) == 0 {
				return undef, nil
			}
			first := arr.elems[0]
			arr.elems = arr.elems[1:]
			return first, nil
		},
		"unshift": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			arr.elems = append(append([]Value{}, args...), arr.elems...)
			return numberValue(len(arr.elems)), nil
		},
		"slice": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			start, end := sliceBounds(len(arr.elems), args)
			out := &arrayValue{elems: append([]Value{}, arr.elems[start:end]...)}
			return out, nil
		},
		"splice": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			start := clampIndex(int(toNumber(argAt(args, 0))), len(arr.elems))
			count := len(arr.elems) - start
			if len(args) > 1 {
				count = int(toNumber(args[1]))
			}
			if count < 0 {
				count = 0
			}
			if start+count > len(arr.elems) {
				count = len(arr.elems) - start
			}
			removed := &arrayValue{elems: append([]Value{}, arr.elems[start:start+count]...)}
			rest := append([]Value{}, arr.elems[start+count:]...)
			arr.elems = append(arr.elems[:start], append(append([]Value{}, args[min(2, len(args)):]...), rest...)...)
			return removed, nil
		},
		"indexOf": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return numberValue(-1), nil
			}
			for i, e := range arr.elems {
				if strictEquals(e, argAt(args, 0)) {
					return numberValue(i), nil
				}
			}
			return numberValue(-1), nil
		},
		"includes": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return falseVal, nil
			}
			for _, e := range arr.elems {
				if strictEquals(e, argAt(args, 0)) {
					return trueVal, nil
				}
			}
			return falseVal, nil
		},
		"join": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return stringValue(""), nil
			}
			sep := ","
			if len(args) > 0 && !isUndefined(args[0]) {
				sep = toDisplayString(args[0])
			}
			parts := make([]string, len(arr.elems))
			for i, e := range arr.elems {
				if isNullish(e) {
					parts[i] = ""
				} else {
					parts[i] = toDisplayString(e)
				}
			}
			return stringValue(strings.Join(parts, sep)), nil
		},
		"map": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			out := &arrayValue{elems: make([]Value, len(arr.elems))}
			err := it.batchBarrier(func() error {
				for i, e := range arr.elems {
					v, err := it.callFunction(argAt(args, 0), undef, []Value{e, numberValue(i), this})
					if err != nil {
						return err
					}
					out.elems[i] = v
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			return out, nil
		},
		"filter": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			// Every callback runs before any result is demanded, so awaits
			// in the predicate suspend as one batch; unused results are
			// simply dropped on replay.
			results := make([]Value, len(arr.elems))
			out := &arrayValue{}
			err := it.batchBarrier(func() error {
				for i, e := range arr.elems {
					v, err := it.callFunction(argAt(args, 0), undef, []Value{e, numberValue(i), this})
					if err != nil {
						return err
					}
					results[i] = v
				}
				for i, keep := range results {
					keep, err := it.demand(keep)
					if err != nil {
						return err
					}
					if truthy(keep) {
						out.elems = append(out.elems, arr.elems[i])
					}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			return out, nil
		},
		"forEach": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			err := it.batchBarrier(func() error {
				for i, e := range arr.elems {
					if _, err := it.callFunction(argAt(args, 0), undef, []Value{e, numberValue(i), this}); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			return undef, nil
		},
		"reduce": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			var acc Value
			start := 0
			if len(args) > 1 {
				acc = args[1]
			} else {
				if len(arr.elems) == 0 {
					return nil, &thrownError{value: errObject("TypeError", "reduce of empty array with no initial value")}
				}
				acc = arr.elems[0]
				start = 1
			}
			for i := start; i < len(arr.elems); i++ {
				v, err := it.callFunction(argAt(args, 0), undef, []Value{acc, arr.elems[i], numberValue(i), this})
				if err != nil {
					return nil, err
				}
				acc = v
			}
			return acc, nil
		},
		"find": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			for i, e := range arr.elems {
				hit, err := it.callFunction(argAt(args, 0), undef, []Value{e, numberValue(i), this})
				if err != nil {
					return nil, err
				}
				if hit, err = it.demand(hit); err != nil {
					return nil, err
				}
				if truthy(hit) {
					return e, nil
				}
			}
			return undef, nil
		},
		"findIndex": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return numberValue(-1), nil
			}
			for i, e := range arr.elems {
				hit, err := it.callFunction(argAt(args, 0), undef, []Value{e, numberValue(i), this})
				if err != nil {
					return nil, err
				}
				if hit, err = it.demand(hit); err != nil {
					return nil, err
				}
				if truthy(hit) {
					return numberValue(i), nil
				}
			}
			return numberValue(-1), nil
		},
		"some": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return falseVal, nil
			}
			for i, e := range arr.elems {
				hit, err := it.callFunction(argAt(args, 0), undef, []Value{e, numberValue(i), this})
				if err != nil {
					return nil, err
				}
				if hit, err = it.demand(hit); err != nil {
					return nil, err
				}
				if truthy(hit) {
					return trueVal, nil
				}
			}
			return falseVal, nil
		},
		"every": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return trueVal, nil
			}
			for i, e := range arr.elems {
				hit, err := it.callFunction(argAt(args, 0), undef, []Value{e, numberValue(i), this})
				if err != nil {
					return nil, err
				}
				if hit, err = it.demand(hit); err != nil {
					return nil, err
				}
				if !truthy(hit) {
					return falseVal, nil
				}
			}
			return trueVal, nil
		},
		"concat": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			out := &arrayValue{elems: append([]Value{}, arr.elems...)}
			for _, a := range args {
				bare, label, tainted := unwrap(a)
				if src, isArr := bare.(*arrayValue); isArr {
					for _, e := range src.elems {
						if tainted {
							e = taint(e, label)
						}
						out.elems = append(out.elems, e)
					}
				} else {
					out.elems = append(out.elems, a)
				}
			}
			return out, nil
		},
		"reverse": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			for i, j := 0, len(arr.elems)-1; i < j; i, j = i+1, j-1 {
				arr.elems[i], arr.elems[j] = arr.elems[j], arr.elems[i]
			}
			return this, nil
		},
		"sort": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			var sortErr error
			comparator := argAt(args, 0)
			sort.SliceStable(arr.elems, func(i, j int) bool {
				if sortErr != nil {
					return false
				}
				if isUndefined(comparator) {
					return toDisplayString(arr.elems[i]) < toDisplayString(arr.elems[j])
				}
				v, err := it.callFunction(comparator, undef, []Value{arr.elems[i], arr.elems[j]})
				if err != nil {
					sortErr = err
					return false
				}
				if v, err = it.demand(v); err != nil {
					sortErr = err
					return false
				}
				return toNumber(v) < 0
			})
			if sortErr != nil {
				return nil, sortErr
			}
			return this, nil
		},
		"flat": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			depth := 1
			if len(args) > 0 && !isUndefined(args[0]) {
				depth = int(toNumber(args[0]))
			}
			return flatten(arr, depth), nil
		},
		"flatMap": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			out := &arrayValue{}
			for i, e := range arr.elems {
				v, err := it.callFunction(argAt(args, 0), undef, []Value{e, numberValue(i), this})
				if err != nil {
					return nil, err
				}
				bare, _, _ := unwrap(v)
				if inner, isArr := bare.(*arrayValue); isArr {
					out.elems = append(out.elems, inner.elems...)
				} else {
					out.elems = append(out.elems, v)
				}
			}
			return out, nil
		},
		"fill": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			for i := range arr.elems {
				arr.elems[i] = argAt(args, 0)
			}
			return this, nil
		},
		"at": func(it *interp, this Value, args []Value) (Value, error) {
			arr, ok := thisArray(this)
			if !ok {
				return undef, nil
			}
			i := int(toNumber(argAt(args, 0)))
			if i < 0 {
				i += len(arr.elems)
			}
			if i < 0 || i >= len(arr.elems) {
				return undef, nil
			}
			return arr.elems[i], nil
		},
		"toString": func(it *interp, this Value, args []Value) (Value, error) {
			return stringValue(toDisplayString(this)), nil
		},
	}
}

func flatten(arr *arrayValue, depth int) *arrayValue {
	out := &arrayValue{}
	for _, e := range arr.elems {
		bare, _, _ := unwrap(e)
		if inner, ok := bare.(*arrayValue); ok && depth > 0 {
			out.elems = append(out.elems, flatten(inner, depth-1).elems...)
			continue
		}
		out.elems = append(out.elems, e)
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// --- object / promise / number methods ---

var objectMethods = map[string]builtinFn{
	"hasOwnProperty": func(it *interp, this Value, args []Value) (Value, error) {
		bare, _, _ := unwrap(this)
		obj, ok := bare.(*objectValue)
		if !ok {
			return falseVal, nil
		}
		_, found := obj.get(toDisplayString(argAt(args, 0)))
		return boolValue(found), nil
	},
	"toString": func(it *interp, this Value, args []Value) (Value, error) {
		return stringValue(toDisplayString(this)), nil
	},
}

var promiseMethods map[string]builtinFn

func init() {
	promiseMethods = map[string]builtinFn{
		// then/catch settle through the effect log: a pending receiver pauses
		// the execution and the chain re-runs on replay with the result
		// recorded.
		"then": func(it *interp, this Value, args []Value) (Value, error) {
			value, err := it.settlePromise(this)
			if err != nil {
				if thrown, ok := err.(*thrownError); ok && len(args) > 1 {
					return it.callFunction(args[1], undef, []Value{thrown.value})
				}
				return nil, err
			}
			if len(args) > 0 && !isUndefined(args[0]) {
				return it.callFunction(args[0], undef, []Value{value})
			}
			return value, nil
		},
		"catch": func(it *interp, this Value, args []Value) (Value, error) {
			value, err := it.settlePromise(this)
			if err != nil {
				if thrown, ok := err.(*thrownError); ok && len(args) > 0 {
					return it.callFunction(args[0], undef, []Value{thrown.value})
				}
				return nil, err
			}
			return value, nil
		},
		"finally": func(it *interp, this Value, args []Value) (Value, error) {
			value, err := it.settlePromise(this)
			if len(args) > 0 && !isUndefined(args[0]) {
				if _, cbErr := it.callFunction(args[0], undef, nil); cbErr != nil {
					return nil, cbErr
				}
			}
			return value, err
		},
	}
}

// settlePromise forces a promise to a concrete outcome, suspending on
// pending effects.
func (it *interp) settlePromise(v Value) (Value, error) {
	value, err := it.await(v)
	if err != nil {
		return nil, err
	}
	return it.demand(value)
}

var numberMethods = map[string]builtinFn{
	"toFixed": func(it *interp, this Value, args []Value) (Value, error) {
		digits := int(toNumber(argAt(args, 0)))
		if digits < 0 || digits > 100 {
			return nil, &thrownError{value: errObject("RangeError", "toFixed() digits out of range")}
		}
		return stringValue(fixedFormat(toNumber(this), digits)), nil
	},
	"toString": func(it *interp, this Value, args []Value) (Value, error) {
		return stringValue(toDisplayString(this)), nil
	},
}

func fixedFormat(f float64, digits int) string {
	return strconv.FormatFloat(f, 'f', digits, 64)
}
