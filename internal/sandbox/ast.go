package sandbox

// Node positions are line numbers in the original source; sub-parsed
// template expressions keep the line of the enclosing literal.

type node interface{ nodeLine() int }

type base struct{ line int }

func (b base) nodeLine() int { return b.line }

// --- statements ---

type program struct {
	base
	body []node
}

type varDecl struct {
	base
	kind    string // let, const, var
	name    string
	pattern *destructure // non-nil for destructuring declarations
	init    node         // may be nil
}

// destructure is a flat object or array pattern.
type destructure struct {
	isArray bool
	fields  []destructureField
}

type destructureField struct {
	key      string // property name (object patterns)
	name     string // bound variable
	fallback node   // default value, may be nil
}

type funcDecl struct {
	base
	name string
	fn   *funcLit
}

type returnStmt struct {
	base
	value node // may be nil
}

type ifStmt struct {
	base
	cond node
	then node
	alt  node // may be nil
}

type whileStmt struct {
	base
	cond node
	body node
}

type forStmt struct {
	base
	init node // may be nil
	cond node // may be nil
	post node // may be nil
	body node
}

type forOfStmt struct {
	base
	declKind string // let, const, "" for bare identifier
	name     string
	iterable node
	body     node
}

type breakStmt struct{ base }
type continueStmt struct{ base }

type throwStmt struct {
	base
	value node
}

type tryStmt struct {
	base
	block        node
	catchParam   string
	catchBlock   node // may be nil
	finallyBlock node // may be nil
}

type blockStmt struct {
	base
	body []node
}

type exprStmt struct {
	base
	expr node
}

// --- expressions ---

type numberLit struct {
	base
	value float64
}

type stringLit struct {
	base
	value string
}

type boolLit struct {
	base
	value bool
}

type nullLit struct{ base }
type undefinedLit struct{ base }

type identifier struct {
	base
	name string
}

type templateLit struct {
	base
	parts []node // stringLit or expression, in order
}

type arrayLit struct {
	base
	elements []node // spreadExpr allowed
}

type objectLit struct {
	base
	entries []objectEntry
}

type objectEntry struct {
	key      string
	computed node // non-nil for [expr]: value
	value    node
	spread   node // non-nil for ...expr
}

type spreadExpr struct {
	base
	value node
}

type funcLit struct {
	base
	params   []param
	body     node // blockStmt, or expression for arrows
	isArrow  bool
	isAsync  bool
	exprBody bool
	// directCall is set when the body is a single suspendable-looking call
	// (possibly awaited or returned). Such callbacks are independent per
	// element and eligible for batching under map/forEach.
	directCall bool
}

type param struct {
	name     string
	fallback node // default value, may be nil
	rest     bool
}

type callExpr struct {
	base
	callee node
	args   []node // spreadExpr allowed
	// callSiteKey is assigned at parse time, stable across replays of the
	// same source. It indexes the effect log together with the arg digest.
	callSiteKey string
	optional    bool // ?.()
}

type newExpr struct {
	base
	callee node
	args   []node
}

type memberExpr struct {
	base
	object   node
	property string
	optional bool // ?.
}

type indexExpr struct {
	base
	object node
	index  node
}

type binaryExpr struct {
	base
	op    string
	left  node
	right node
}

type logicalExpr struct {
	base
	op    string // && || ??
	left  node
	right node
}

type unaryExpr struct {
	base
	op      string // ! - + typeof void delete
	operand node
}

type updateExpr struct {
	base
	op      string // ++ --
	operand node
	prefix  bool
}

type assignExpr struct {
	base
	op     string // = += -= *= /= %= &&= ||= ??=
	target node   // identifier, memberExpr, indexExpr
	value  node
}

type conditionalExpr struct {
	base
	cond node
	then node
	alt  node
}

type awaitExpr struct {
	base
	value node
}

type sequenceExpr struct {
	base
	exprs []node
}
