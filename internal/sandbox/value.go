package sandbox

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"atp/internal/provenance"
)

// Value is the sandbox's own value universe. Host runtime values are never
// reflected in; everything crossing the boundary is converted.
type Value interface{ valueKind() string }

type undefinedValue struct{}
type nullValue struct{}
type boolValue bool
type numberValue float64
type stringValue string

// objectValue preserves insertion order for iteration and JSON rendering.
type objectValue struct {
	keys  []string
	props map[string]Value
}

type arrayValue struct {
	elems []Value
}

type closureValue struct {
	name string
	fn   *funcLit
	env  *environment
}

type builtinFn func(it *interp, this Value, args []Value) (Value, error)

type builtinValue struct {
	name string
	fn   builtinFn
}

type promiseState int

const (
	promiseResolved promiseState = iota
	promiseRejected
	promisePending
)

// promiseValue is either settled or pending on host effects. Pending
// promises are created by suspendable calls whose result is not yet in the
// effect log; awaiting one yields the execution. A pending promise may
// carry several calls when a wait-all barrier collapsed a batch.
type promiseValue struct {
	state   promiseState
	value   Value
	reason  Value
	pending []*HostCall
}

// taintedValue carries a provenance label alongside the underlying value.
// In proxy mode property access and iteration propagate the wrapper; in
// AST mode every value-producing expression merges labels.
type taintedValue struct {
	inner Value
	label provenance.Label
}

func (undefinedValue) valueKind() string { return "undefined" }
func (nullValue) valueKind() string      { return "null" }
func (boolValue) valueKind() string      { return "boolean" }
func (numberValue) valueKind() string    { return "number" }
func (stringValue) valueKind() string    { return "string" }
func (*objectValue) valueKind() string   { return "object" }
func (*arrayValue) valueKind() string    { return "array" }
func (*closureValue) valueKind() string  { return "function" }
func (*builtinValue) valueKind() string  { return "function" }
func (*promiseValue) valueKind() string  { return "promise" }
func (t *taintedValue) valueKind() string { return t.inner.valueKind() }

var (
	undef    = undefinedValue{}
	nullVal  = nullValue{}
	trueVal  = boolValue(true)
	falseVal = boolValue(false)
)

func newObject() *objectValue {
	return &objectValue{props: map[string]Value{}}
}

func (o *objectValue) set(key string, value Value) {
	if _, exists := o.props[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.props[key] = value
}

func (o *objectValue) get(key string) (Value, bool) {
	v, ok := o.props[key]
	return v, ok
}

func (o *objectValue) delete(key string) {
	if _, exists := o.props[key]; !exists {
		return
	}
	delete(o.props, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// unwrap strips taint wrappers, returning the bare value and its label.
func unwrap(v Value) (Value, provenance.Label, bool) {
	if t, ok := v.(*taintedValue); ok {
		inner, label, _ := unwrap(t.inner)
		return inner, firstLabel(t.label, label), true
	}
	return v, provenance.Label{}, false
}

func firstLabel(a, b provenance.Label) provenance.Label {
	if a.SourceKind != "" {
		return a
	}
	return b
}

// taint wraps a value with a label unless the label is empty or user-kind.
func taint(v Value, label provenance.Label) Value {
	if label.SourceKind == "" || label.SourceKind == provenance.SourceUser {
		return v
	}
	if t, ok := v.(*taintedValue); ok {
		return &taintedValue{inner: t.inner, label: provenance.Merge(label, t.label)}
	}
	return &taintedValue{inner: v, label: label}
}

func truthy(v Value) bool {
	bare, _, _ := unwrap(v)
	switch t := bare.(type) {
	case undefinedValue, nullValue:
		return false
	case boolValue:
		return bool(t)
	case numberValue:
		return t != 0 && t == t // NaN is falsy
	case stringValue:
		return t != ""
	default:
		return true
	}
}

func typeOf(v Value) string {
	bare, _, _ := unwrap(v)
	switch bare.(type) {
	case undefinedValue:
		return "undefined"
	case nullValue:
		return "object"
	case boolValue:
		return "boolean"
	case numberValue:
		return "number"
	case stringValue:
		return "string"
	case *closureValue, *builtinValue:
		return "function"
	default:
		return "object"
	}
}

func formatNumber(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// toDisplayString renders a value the way String() would.
func toDisplayString(v Value) string {
	bare, _, _ := unwrap(v)
	switch t := bare.(type) {
	case undefinedValue:
		return "undefined"
	case nullValue:
		return "null"
	case boolValue:
		if t {
			return "true"
		}
		return "false"
	case numberValue:
		return formatNumber(float64(t))
	case stringValue:
		return string(t)
	case *arrayValue:
		parts := make([]string, len(t.elems))
		for i, e := range t.elems {
			bareElem, _, _ := unwrap(e)
			switch bareElem.(type) {
			case undefinedValue, nullValue:
				parts[i] = ""
			default:
				parts[i] = toDisplayString(e)
			}
		}
		return strings.Join(parts, ",")
	case *objectValue:
		return "[object Object]"
	case *closureValue:
		return "function " + t.name + "() { ... }"
	case *builtinValue:
		return "function " + t.name + "() { [native] }"
	case *promiseValue:
		return "[object Promise]"
	default:
		return "[object]"
	}
}

func toNumber(v Value) float64 {
	bare, _, _ := unwrap(v)
	switch t := bare.(type) {
	case undefinedValue:
		return nan()
	case nullValue:
		return 0
	case boolValue:
		if t {
			return 1
		}
		return 0
	case numberValue:
		return float64(t)
	case stringValue:
		s := strings.TrimSpace(string(t))
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nan()
		}
		return f
	default:
		return nan()
	}
}

func nan() float64 { return math.NaN() }

// strictEquals implements ===. Containers compare by identity.
func strictEquals(a, b Value) bool {
	aBare, _, _ := unwrap(a)
	bBare, _, _ := unwrap(b)
	switch av := aBare.(type) {
	case undefinedValue:
		_, ok := bBare.(undefinedValue)
		return ok
	case nullValue:
		_, ok := bBare.(nullValue)
		return ok
	case boolValue:
		bv, ok := bBare.(boolValue)
		return ok && av == bv
	case numberValue:
		bv, ok := bBare.(numberValue)
		return ok && av == bv
	case stringValue:
		bv, ok := bBare.(stringValue)
		return ok && av == bv
	default:
		return aBare == bBare
	}
}

// looseEquals implements == for the subset that matters: null/undefined
// cross-match, number/string coercion, otherwise strict.
func looseEquals(a, b Value) bool {
	aBare, _, _ := unwrap(a)
	bBare, _, _ := unwrap(b)
	aNil := isNullish(aBare)
	bNil := isNullish(bBare)
	if aNil || bNil {
		return aNil && bNil
	}
	if _, ok := aBare.(stringValue); ok {
		if _, ok := bBare.(numberValue); ok {
			return toNumber(aBare) == toNumber(bBare)
		}
	}
	if _, ok := aBare.(numberValue); ok {
		if _, ok := bBare.(stringValue); ok {
			return toNumber(aBare) == toNumber(bBare)
		}
	}
	return strictEquals(aBare, bBare)
}

func isNullish(v Value) bool {
	bare, _, _ := unwrap(v)
	switch bare.(type) {
	case undefinedValue, nullValue:
		return true
	}
	return false
}

// toGo converts a sandbox value to a plain Go value for host calls and
// results. Labels are collected into labels keyed by the canonical digest
// of the labeled value; the digest function is injected to keep this file
// free of hashing concerns.
func toGo(v Value, digest func(any) string, labels map[string]provenance.Label) any {
	bare, label, tainted := unwrap(v)
	var out any
	switch t := bare.(type) {
	case undefinedValue, nullValue:
		out = nil
	case boolValue:
		out = bool(t)
	case numberValue:
		out = float64(t)
	case stringValue:
		out = string(t)
	case *arrayValue:
		arr := make([]any, len(t.elems))
		for i, e := range t.elems {
			arr[i] = toGo(e, digest, labels)
		}
		out = arr
	case *objectValue:
		m := make(map[string]any, len(t.keys))
		for _, k := range t.keys {
			m[k] = toGo(t.props[k], digest, labels)
		}
		out = m
	case *promiseValue:
		if t.state == promiseResolved {
			out = toGo(t.value, digest, labels)
		} else {
			out = nil
		}
	default:
		out = nil
	}
	if tainted && labels != nil && digest != nil {
		if d := digest(out); d != "" {
			labels[d] = label
		}
	}
	return out
}

// fromGo converts a host result into a sandbox value.
func fromGo(v any) Value {
	switch t := v.(type) {
	case nil:
		return nullVal
	case bool:
		return boolValue(t)
	case float64:
		return numberValue(t)
	case float32:
		return numberValue(t)
	case int:
		return numberValue(t)
	case int32:
		return numberValue(t)
	case int64:
		return numberValue(t)
	case uint64:
		return numberValue(t)
	case string:
		return stringValue(t)
	case []any:
		arr := &arrayValue{elems: make([]Value, len(t))}
		for i, e := range t {
			arr.elems[i] = fromGo(e)
		}
		return arr
	case map[string]any:
		obj := newObject()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			obj.set(k, fromGo(t[k]))
		}
		return obj
	default:
		return stringValue(fmt.Sprintf("%v", t))
	}
}

// deepTaint applies a label to a container and everything reachable from
// it. Tool returns in proxy mode are labeled this way so extracted
// primitives keep the label.
func deepTaint(v Value, label provenance.Label) Value {
	if label.SourceKind == "" || label.SourceKind == provenance.SourceUser {
		return v
	}
	bare, existing, _ := unwrap(v)
	merged := label
	if existing.SourceKind != "" {
		merged = provenance.Merge(label, existing)
	}
	switch t := bare.(type) {
	case *arrayValue:
		for i, e := range t.elems {
			t.elems[i] = deepTaint(e, label)
		}
	case *objectValue:
		for _, k := range t.keys {
			t.props[k] = deepTaint(t.props[k], label)
		}
	}
	return &taintedValue{inner: bare, label: merged}
}
