package sandbox

import "fmt"

// SecurityError is a static rejection for a dangerous construct. It maps to
// the security_violation execution status, distinct from plain parse errors.
type SecurityError struct {
	Line    int
	Message string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// Identifiers that must never be referenced. The sandbox globals omit all
// of these anyway; rejecting statically gives a clear error up front.
var blockedIdentifiers = map[string]string{
	"process":        "host process access",
	"global":         "host global object",
	"globalThis":     "host global object",
	"require":        "module loading",
	"eval":           "dynamic code evaluation",
	"Function":       "function fabrication from strings",
	"Reflect":        "reflective construction",
	"Proxy":          "host proxy traps",
	"WebAssembly":    "native code loading",
	"importScripts":  "module loading",
	"XMLHttpRequest": "raw network access",
	"fetch":          "raw network access",
}

// Properties whose access re-opens the function-constructor chain.
var blockedProperties = map[string]string{
	"constructor": "constructor-chain access",
	"__proto__":   "prototype-chain access",
	"prototype":   "prototype-chain access",
}

// validate statically rejects dangerous constructs after parsing. Module
// syntax and class declarations are already refused by the parser.
func validate(prog *program) error {
	v := &validator{}
	for _, stmt := range prog.body {
		v.walk(stmt)
		if v.err != nil {
			return v.err
		}
	}
	return nil
}

type validator struct {
	err error
}

func (v *validator) fail(line int, format string, args ...any) {
	if v.err == nil {
		v.err = &SecurityError{Line: line, Message: fmt.Sprintf(format, args...)}
	}
}

func (v *validator) walk(n node) {
	if n == nil || v.err != nil {
		return
	}
	switch t := n.(type) {
	case *program:
		for _, s := range t.body {
			v.walk(s)
		}
	case *blockStmt:
		for _, s := range t.body {
			v.walk(s)
		}
	case *varDecl:
		if t.name != "" {
			v.checkBinding(t.nodeLine(), t.name)
		}
		if t.pattern != nil {
			for _, f := range t.pattern.fields {
				v.checkBinding(t.nodeLine(), f.name)
				v.walk(f.fallback)
			}
		}
		v.walk(t.init)
	case *funcDecl:
		v.checkBinding(t.nodeLine(), t.name)
		v.walk(t.fn)
	case *funcLit:
		for _, p := range t.params {
			v.checkBinding(t.nodeLine(), p.name)
			v.walk(p.fallback)
		}
		v.walk(t.body)
	case *returnStmt:
		v.walk(t.value)
	case *ifStmt:
		v.walk(t.cond)
		v.walk(t.then)
		v.walk(t.alt)
	case *whileStmt:
		v.walk(t.cond)
		v.walk(t.body)
	case *forStmt:
		v.walk(t.init)
		v.walk(t.cond)
		v.walk(t.post)
		v.walk(t.body)
	case *forOfStmt:
		v.checkBinding(t.nodeLine(), t.name)
		v.walk(t.iterable)
		v.walk(t.body)
	case *throwStmt:
		v.walk(t.value)
	case *tryStmt:
		v.walk(t.block)
		v.walk(t.catchBlock)
		v.walk(t.finallyBlock)
	case *exprStmt:
		v.walk(t.expr)
	case *identifier:
		if reason, blocked := blockedIdentifiers[t.name]; blocked {
			v.fail(t.nodeLine(), "%q is not available in the sandbox (%s)", t.name, reason)
		}
	case *templateLit:
		for _, part := range t.parts {
			v.walk(part)
		}
	case *arrayLit:
		for _, e := range t.elements {
			v.walk(e)
		}
	case *objectLit:
		for _, entry := range t.entries {
			v.walk(entry.computed)
			v.walk(entry.value)
			v.walk(entry.spread)
		}
	case *spreadExpr:
		v.walk(t.value)
	case *callExpr:
		if ident, ok := t.callee.(*identifier); ok && ident.name == "require" {
			v.fail(t.nodeLine(), "require() is not available in the sandbox")
		}
		v.walk(t.callee)
		for _, arg := range t.args {
			v.walk(arg)
		}
	case *newExpr:
		v.walk(t.callee)
		for _, arg := range t.args {
			v.walk(arg)
		}
	case *memberExpr:
		if reason, blocked := blockedProperties[t.property]; blocked {
			v.fail(t.nodeLine(), "property %q is blocked (%s)", t.property, reason)
		}
		v.walk(t.object)
	case *indexExpr:
		// obj["constructor"] with a literal index is as detectable as dot
		// access; dynamic indexes are caught at runtime by the evaluator.
		if lit, ok := t.index.(*stringLit); ok {
			if reason, blocked := blockedProperties[lit.value]; blocked {
				v.fail(t.nodeLine(), "property %q is blocked (%s)", lit.value, reason)
			}
		}
		v.walk(t.object)
		v.walk(t.index)
	case *binaryExpr:
		v.walk(t.left)
		v.walk(t.right)
	case *logicalExpr:
		v.walk(t.left)
		v.walk(t.right)
	case *unaryExpr:
		v.walk(t.operand)
	case *updateExpr:
		v.walk(t.operand)
	case *assignExpr:
		v.walk(t.target)
		v.walk(t.value)
	case *conditionalExpr:
		v.walk(t.cond)
		v.walk(t.then)
		v.walk(t.alt)
	case *awaitExpr:
		v.walk(t.value)
	case *sequenceExpr:
		for _, e := range t.exprs {
			v.walk(e)
		}
	}
}

// checkBinding refuses shadowing of blocked names: `let process = ...`
// would otherwise launder the identifier past the reference check.
func (v *validator) checkBinding(line int, name string) {
	if _, blocked := blockedIdentifiers[name]; blocked {
		v.fail(line, "binding %q is not allowed in the sandbox", name)
	}
}
