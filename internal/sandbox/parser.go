package sandbox

import (
	"fmt"
)

// ParseError is a static rejection of the program: syntax errors and
// blocked constructs both surface through it.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

type parser struct {
	tokens []token
	pos    int
	// callSites counts call expressions in parse order. The resulting keys
	// are stable for identical source, which is what replay depends on.
	callSites *int
}

func parseProgram(src string) (*program, error) {
	tokens, err := newLexer(src).lex()
	if err != nil {
		return nil, &ParseError{Line: 1, Message: err.Error()}
	}
	counter := 0
	p := &parser{tokens: tokens, callSites: &counter}
	prog := &program{}
	for !p.atEOF() {
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		prog.body = append(prog.body, stmt)
	}
	return prog, nil
}

func (p *parser) atEOF() bool { return p.peek().kind == tokEOF }

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) peekAt(offset int) token {
	if p.pos+offset >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+offset]
}

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return tok
}

func (p *parser) accept(text string) bool {
	if p.peek().is(text) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expect(text string) (token, error) {
	if p.peek().is(text) {
		return p.advance(), nil
	}
	return token{}, p.errorf("expected %q, found %q", text, p.describe(p.peek()))
}

func (p *parser) describe(tok token) string {
	switch tok.kind {
	case tokEOF:
		return "end of program"
	case tokString:
		return fmt.Sprintf("%q", tok.str)
	case tokTemplate:
		return "template literal"
	default:
		return tok.text
	}
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Line: p.peek().line, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) nextCallSiteKey() string {
	*p.callSites++
	return fmt.Sprintf("cs%d", *p.callSites)
}

// semicolons are optional; a statement ends at ';', '}', or EOF.
func (p *parser) endStatement() {
	for p.accept(";") {
	}
}

// --- statements ---

func (p *parser) parseStatement() (node, error) {
	tok := p.peek()
	switch {
	case tok.is("{"):
		return p.parseBlock()
	case tok.is("let") || tok.is("const") || tok.is("var"):
		return p.parseVarDecl()
	case tok.is("function"):
		return p.parseFuncDecl(false)
	case tok.is("async") && p.peekAt(1).is("function"):
		p.advance()
		return p.parseFuncDecl(true)
	case tok.is("return"):
		p.advance()
		stmt := &returnStmt{base: base{tok.line}}
		if !p.peek().is(";") && !p.peek().is("}") && p.peek().kind != tokEOF {
			value, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			stmt.value = value
		}
		p.endStatement()
		return stmt, nil
	case tok.is("if"):
		return p.parseIf()
	case tok.is("while"):
		return p.parseWhile()
	case tok.is("do"):
		return p.parseDoWhile()
	case tok.is("for"):
		return p.parseFor()
	case tok.is("break"):
		p.advance()
		p.endStatement()
		return &breakStmt{base{tok.line}}, nil
	case tok.is("continue"):
		p.advance()
		p.endStatement()
		return &continueStmt{base{tok.line}}, nil
	case tok.is("throw"):
		p.advance()
		value, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		p.endStatement()
		return &throwStmt{base: base{tok.line}, value: value}, nil
	case tok.is("try"):
		return p.parseTry()
	case tok.is(";"):
		p.advance()
		return &blockStmt{base: base{tok.line}}, nil
	case tok.is("import") || tok.is("export"):
		return nil, p.errorf("module syntax is not available in the sandbox")
	case tok.is("class"):
		return nil, p.errorf("class declarations are not available in the sandbox")
	}
	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	p.endStatement()
	return &exprStmt{base: base{tok.line}, expr: expr}, nil
}

func (p *parser) parseBlock() (node, error) {
	open, err := p.expect("{")
	if err != nil {
		return nil, err
	}
	block := &blockStmt{base: base{open.line}}
	for !p.peek().is("}") {
		if p.atEOF() {
			return nil, p.errorf("unterminated block")
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		block.body = append(block.body, stmt)
	}
	p.advance()
	return block, nil
}

func (p *parser) parseVarDecl() (node, error) {
	decl, err := p.parseVarDeclNoSemi()
	if err != nil {
		return nil, err
	}
	p.endStatement()
	return decl, nil
}

func (p *parser) parseVarDeclNoSemi() (node, error) {
	kindTok := p.advance()
	decl := &varDecl{base: base{kindTok.line}, kind: kindTok.text}
	if p.peek().is("{") || p.peek().is("[") {
		pattern, err := p.parseDestructure()
		if err != nil {
			return nil, err
		}
		decl.pattern = pattern
	} else {
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		decl.name = name
	}
	if p.accept("=") {
		init, err := p.parseAssign()
		if err != nil {
			return nil, err
		}
		decl.init = init
	} else if decl.pattern != nil {
		return nil, p.errorf("destructuring declaration requires an initializer")
	} else if decl.kind == "const" {
		return nil, p.errorf("const declaration requires an initializer")
	}
	if p.peek().is(",") {
		return nil, p.errorf("one declaration per statement; split %q", decl.name)
	}
	return decl, nil
}

func (p *parser) parseDestructure() (*destructure, error) {
	pattern := &destructure{}
	var close string
	if p.accept("[") {
		pattern.isArray = true
		close = "]"
	} else {
		if _, err := p.expect("{"); err != nil {
			return nil, err
		}
		close = "}"
	}
	for !p.peek().is(close) {
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		field := destructureField{key: name, name: name}
		if !pattern.isArray && p.accept(":") {
			renamed, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			field.name = renamed
		}
		if p.accept("=") {
			fallback, err := p.parseAssign()
			if err != nil {
				return nil, err
			}
			field.fallback = fallback
		}
		pattern.fields = append(pattern.fields, field)
		if !p.accept(",") {
			break
		}
	}
	if _, err := p.expect(close); err != nil {
		return nil, err
	}
	return pattern, nil
}

func (p *parser) parseFuncDecl(isAsync bool) (node, error) {
	fnTok, err := p.expect("function")
	if err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	fn, err := p.parseFuncRest(fnTok.line, isAsync)
	if err != nil {
		return nil, err
	}
	return &funcDecl{base: base{fnTok.line}, name: name, fn: fn}, nil
}

func (p *parser) parseFuncRest(line int, isAsync bool) (*funcLit, error) {
	params, err := p.parseParams()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	fn := &funcLit{base: base{line}, params: params, body: body, isAsync: isAsync}
	fn.directCall = isDirectCallBody(fn)
	return fn, nil
}

func (p *parser) parseParams() ([]param, error) {
	if _, err := p.expect("("); err != nil {
		return nil, err
	}
	var params []param
	for !p.peek().is(")") {
		var pr param
		if p.accept("...") {
			pr.rest = true
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		pr.name = name
		if p.accept("=") {
			fallback, err := p.parseAssign()
			if err != nil {
				return nil, err
			}
			pr.fallback = fallback
		}
		params = append(params, pr)
		if !p.accept(",") {
			break
		}
	}
	if _, err := p.expect(")"); err != nil {
		return nil, err
	}
	return params, nil
}

func (p *parser) parseIf() (node, error) {
	tok := p.advance()
	if _, err := p.expect("("); err != nil {
		return nil, err
	}
	cond, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(")"); err != nil {
		return nil, err
	}
	then, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	stmt := &ifStmt{base: base{tok.line}, cond: cond, then: then}
	if p.accept("else") {
		alt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmt.alt = alt
	}
	return stmt, nil
}

func (p *parser) parseWhile() (node, error) {
	tok := p.advance()
	if _, err := p.expect("("); err != nil {
		return nil, err
	}
	cond, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(")"); err != nil {
		return nil, err
	}
	body, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	return &whileStmt{base: base{tok.line}, cond: cond, body: body}, nil
}

func (p *parser) parseDoWhile() (node, error) {
	tok := p.advance()
	body, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect("while"); err != nil {
		return nil, err
	}
	if _, err := p.expect("("); err != nil {
		return nil, err
	}
	cond, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(")"); err != nil {
		return nil, err
	}
	p.endStatement()
	// do/while desugars to run-once-then-while.
	return &blockStmt{base: base{tok.line}, body: []node{
		body,
		&whileStmt{base: base{tok.line}, cond: cond, body: body},
	}}, nil
}

func (p *parser) parseFor() (node, error) {
	tok := p.advance()
	if _, err := p.expect("("); err != nil {
		return nil, err
	}

	// for-of: [let|const|var] name of iterable
	if declTok := p.peek(); declTok.is("let") || declTok.is("const") || declTok.is("var") || declTok.kind == tokIdent {
		offset := 0
		declKind := ""
		if declTok.kind == tokKeyword {
			declKind = declTok.text
			offset = 1
		}
		if p.peekAt(offset).kind == tokIdent && p.peekAt(offset+1).is("of") {
			if declKind != "" {
				p.advance()
			}
			name := p.advance().text
			p.advance() // of
			iterable, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(")"); err != nil {
				return nil, err
			}
			body, err := p.parseStatement()
			if err != nil {
				return nil, err
			}
			return &forOfStmt{base: base{tok.line}, declKind: declKind, name: name, iterable: iterable, body: body}, nil
		}
		if p.peekAt(offset).kind == tokIdent && p.peekAt(offset+1).is("in") {
			return nil, p.errorf("for-in is not available; iterate Object.keys instead")
		}
	}

	stmt := &forStmt{base: base{tok.line}}
	if !p.peek().is(";") {
		var err error
		if p.peek().is("let") || p.peek().is("const") || p.peek().is("var") {
			stmt.init, err = p.parseVarDeclNoSemi()
		} else {
			var expr node
			expr, err = p.parseExpression()
			stmt.init = &exprStmt{base: base{tok.line}, expr: expr}
		}
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(";"); err != nil {
		return nil, err
	}
	if !p.peek().is(";") {
		cond, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		stmt.cond = cond
	}
	if _, err := p.expect(";"); err != nil {
		return nil, err
	}
	if !p.peek().is(")") {
		post, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		stmt.post = post
	}
	if _, err := p.expect(")"); err != nil {
		return nil, err
	}
	body, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	stmt.body = body
	return stmt, nil
}

func (p *parser) parseTry() (node, error) {
	tok := p.advance()
	block, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt := &tryStmt{base: base{tok.line}, block: block}
	if p.accept("catch") {
		if p.accept("(") {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			stmt.catchParam = name
			if _, err := p.expect(")"); err != nil {
				return nil, err
			}
		}
		catchBlock, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.catchBlock = catchBlock
	}
	if p.accept("finally") {
		finallyBlock, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.finallyBlock = finallyBlock
	}
	if stmt.catchBlock == nil && stmt.finallyBlock == nil {
		return nil, p.errorf("try requires catch or finally")
	}
	return stmt, nil
}

func (p *parser) expectIdent() (string, error) {
	tok := p.peek()
	if tok.kind != tokIdent {
		return "", p.errorf("expected identifier, found %q", p.describe(tok))
	}
	p.advance()
	return tok.text, nil
}

// --- expressions ---

func (p *parser) parseExpression() (node, error) {
	expr, err := p.parseAssign()
	if err != nil {
		return nil, err
	}
	if !p.peek().is(",") {
		return expr, nil
	}
	seq := &sequenceExpr{base: base{p.peek().line}, exprs: []node{expr}}
	for p.accept(",") {
		next, err := p.parseAssign()
		if err != nil {
			return nil, err
		}
		seq.exprs = append(seq.exprs, next)
	}
	return seq, nil
}

var assignOps = map[string]bool{
	"=": true, "+=": true, "-=": true, "*=": true, "/=": true, "%=": true,
	"**=": true, "&&=": true, "||=": true, "??=": true,
}

func (p *parser) parseAssign() (node, error) {
	if arrow, ok, err := p.tryParseArrow(); err != nil {
		return nil, err
	} else if ok {
		return arrow, nil
	}
	left, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	if tok.kind == tokPunct && assignOps[tok.text] {
		switch left.(type) {
		case *identifier, *memberExpr, *indexExpr:
		default:
			return nil, p.errorf("invalid assignment target")
		}
		p.advance()
		value, err := p.parseAssign()
		if err != nil {
			return nil, err
		}
		return &assignExpr{base: base{tok.line}, op: tok.text, target: left, value: value}, nil
	}
	return left, nil
}

// tryParseArrow recognizes `x => ...`, `(a, b = 1) => ...`, and the async
// forms by scanning ahead for `=>` before committing.
func (p *parser) tryParseArrow() (node, bool, error) {
	start := p.pos
	isAsync := false
	if p.peek().is("async") && (p.peekAt(1).kind == tokIdent || p.peekAt(1).is("(")) {
		// `async` used as a plain identifier never precedes `(` or ident here.
		isAsync = true
		p.advance()
	}
	tok := p.peek()
	if tok.kind == tokIdent && p.peekAt(1).is("=>") {
		name := p.advance().text
		p.advance() // =>
		return p.parseArrowBody(tok.line, []param{{name: name}}, isAsync)
	}
	if tok.is("(") && p.arrowAhead() {
		params, err := p.parseParams()
		if err != nil {
			return nil, false, err
		}
		if _, err := p.expect("=>"); err != nil {
			return nil, false, err
		}
		return p.parseArrowBody(tok.line, params, isAsync)
	}
	p.pos = start
	return nil, false, nil
}

// arrowAhead reports whether the '(' at the cursor starts arrow parameters.
func (p *parser) arrowAhead() bool {
	depth := 0
	for i := p.pos; i < len(p.tokens); i++ {
		tok := p.tokens[i]
		switch {
		case tok.is("("):
			depth++
		case tok.is(")"):
			depth--
			if depth == 0 {
				return p.peekAt(i - p.pos + 1).is("=>")
			}
		case tok.kind == tokEOF:
			return false
		}
	}
	return false
}

func (p *parser) parseArrowBody(line int, params []param, isAsync bool) (node, bool, error) {
	fn := &funcLit{base: base{line}, params: params, isArrow: true, isAsync: isAsync}
	if p.peek().is("{") {
		body, err := p.parseBlock()
		if err != nil {
			return nil, false, err
		}
		fn.body = body
	} else {
		body, err := p.parseAssign()
		if err != nil {
			return nil, false, err
		}
		fn.body = body
		fn.exprBody = true
	}
	fn.directCall = isDirectCallBody(fn)
	return fn, true, nil
}

func (p *parser) parseConditional() (node, error) {
	cond, err := p.parseNullish()
	if err != nil {
		return nil, err
	}
	if !p.peek().is("?") || p.peek().is("?.") {
		return cond, nil
	}
	tok := p.advance()
	then, err := p.parseAssign()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(":"); err != nil {
		return nil, err
	}
	alt, err := p.parseAssign()
	if err != nil {
		return nil, err
	}
	return &conditionalExpr{base: base{tok.line}, cond: cond, then: then, alt: alt}, nil
}

func (p *parser) parseBinaryLevel(ops []string, next func() (node, error), logical bool) (node, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		matched := ""
		for _, op := range ops {
			if p.peek().is(op) {
				matched = op
				break
			}
		}
		if matched == "" {
			return left, nil
		}
		tok := p.advance()
		right, err := next()
		if err != nil {
			return nil, err
		}
		if logical {
			left = &logicalExpr{base: base{tok.line}, op: matched, left: left, right: right}
		} else {
			left = &binaryExpr{base: base{tok.line}, op: matched, left: left, right: right}
		}
	}
}

func (p *parser) parseNullish() (node, error) {
	return p.parseBinaryLevel([]string{"??"}, p.parseOr, true)
}

func (p *parser) parseOr() (node, error) {
	return p.parseBinaryLevel([]string{"||"}, p.parseAnd, true)
}

func (p *parser) parseAnd() (node, error) {
	return p.parseBinaryLevel([]string{"&&"}, p.parseEquality, true)
}

func (p *parser) parseEquality() (node, error) {
	return p.parseBinaryLevel([]string{"===", "!==", "==", "!="}, p.parseRelational, false)
}

func (p *parser) parseRelational() (node, error) {
	return p.parseBinaryLevel([]string{"<=", ">=", "<", ">", "instanceof", "in"}, p.parseAdditive, false)
}

func (p *parser) parseAdditive() (node, error) {
	return p.parseBinaryLevel([]string{"+", "-"}, p.parseMultiplicative, false)
}

func (p *parser) parseMultiplicative() (node, error) {
	return p.parseBinaryLevel([]string{"*", "/", "%"}, p.parseExponent, false)
}

func (p *parser) parseExponent() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.peek().is("**") {
		tok := p.advance()
		right, err := p.parseExponent() // right-associative
		if err != nil {
			return nil, err
		}
		return &binaryExpr{base: base{tok.line}, op: "**", left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	tok := p.peek()
	switch {
	case tok.is("!") || tok.is("-") || tok.is("+") || tok.is("typeof") || tok.is("void") || tok.is("delete"):
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{base: base{tok.line}, op: tok.text, operand: operand}, nil
	case tok.is("await"):
		p.advance()
		value, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &awaitExpr{base: base{tok.line}, value: value}, nil
	case tok.is("++") || tok.is("--"):
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &updateExpr{base: base{tok.line}, op: tok.text, operand: operand, prefix: true}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	expr, err := p.parseCallChain()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.is("++") || tok.is("--") {
		p.advance()
		return &updateExpr{base: base{tok.line}, op: tok.text, operand: expr}, nil
	}
	return expr, nil
}

func (p *parser) parseCallChain() (node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		switch {
		case tok.is("."):
			p.advance()
			name, err := p.expectMemberName()
			if err != nil {
				return nil, err
			}
			expr = &memberExpr{base: base{tok.line}, object: expr, property: name}
		case tok.is("?."):
			p.advance()
			if p.peek().is("(") {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				expr = &callExpr{base: base{tok.line}, callee: expr, args: args, callSiteKey: p.nextCallSiteKey(), optional: true}
				continue
			}
			name, err := p.expectMemberName()
			if err != nil {
				return nil, err
			}
			expr = &memberExpr{base: base{tok.line}, object: expr, property: name, optional: true}
		case tok.is("["):
			p.advance()
			index, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect("]"); err != nil {
				return nil, err
			}
			expr = &indexExpr{base: base{tok.line}, object: expr, index: index}
		case tok.is("("):
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			expr = &callExpr{base: base{tok.line}, callee: expr, args: args, callSiteKey: p.nextCallSiteKey()}
		default:
			return expr, nil
		}
	}
}

// expectMemberName accepts identifiers and keywords: `obj.delete` is legal.
func (p *parser) expectMemberName() (string, error) {
	tok := p.peek()
	if tok.kind != tokIdent && tok.kind != tokKeyword {
		return "", p.errorf("expected property name, found %q", p.describe(tok))
	}
	p.advance()
	return tok.text, nil
}

func (p *parser) parseArgs() ([]node, error) {
	if _, err := p.expect("("); err != nil {
		return nil, err
	}
	var args []node
	for !p.peek().is(")") {
		if tok := p.peek(); tok.is("...") {
			p.advance()
			value, err := p.parseAssign()
			if err != nil {
				return nil, err
			}
			args = append(args, &spreadExpr{base: base{tok.line}, value: value})
		} else {
			arg, err := p.parseAssign()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		}
		if !p.accept(",") {
			break
		}
	}
	if _, err := p.expect(")"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.peek()
	switch {
	case tok.kind == tokNumber:
		p.advance()
		return &numberLit{base: base{tok.line}, value: tok.num}, nil
	case tok.kind == tokString:
		p.advance()
		return &stringLit{base: base{tok.line}, value: tok.str}, nil
	case tok.kind == tokTemplate:
		p.advance()
		return p.buildTemplate(tok)
	case tok.is("true") || tok.is("false"):
		p.advance()
		return &boolLit{base: base{tok.line}, value: tok.text == "true"}, nil
	case tok.is("null"):
		p.advance()
		return &nullLit{base{tok.line}}, nil
	case tok.is("undefined"):
		p.advance()
		return &undefinedLit{base{tok.line}}, nil
	case tok.kind == tokIdent:
		p.advance()
		return &identifier{base: base{tok.line}, name: tok.text}, nil
	case tok.is("this"):
		p.advance()
		return &identifier{base: base{tok.line}, name: "this"}, nil
	case tok.is("("):
		p.advance()
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(")"); err != nil {
			return nil, err
		}
		return expr, nil
	case tok.is("["):
		return p.parseArrayLit()
	case tok.is("{"):
		return p.parseObjectLit()
	case tok.is("function"):
		p.advance()
		// Optional name of a function expression is ignored.
		if p.peek().kind == tokIdent {
			p.advance()
		}
		return p.parseFuncRest(tok.line, false)
	case tok.is("async") && p.peekAt(1).is("function"):
		p.advance()
		p.advance()
		if p.peek().kind == tokIdent {
			p.advance()
		}
		return p.parseFuncRest(tok.line, true)
	case tok.is("new"):
		p.advance()
		callee, err := p.parseCallChainNoCall()
		if err != nil {
			return nil, err
		}
		var args []node
		if p.peek().is("(") {
			args, err = p.parseArgs()
			if err != nil {
				return nil, err
			}
		}
		return &newExpr{base: base{tok.line}, callee: callee, args: args}, nil
	}
	return nil, p.errorf("unexpected token %q", p.describe(tok))
}

// parseCallChainNoCall parses the callee of `new`: member chains bind
// tighter than the construction call itself.
func (p *parser) parseCallChainNoCall() (node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().is(".") {
		tok := p.advance()
		name, err := p.expectMemberName()
		if err != nil {
			return nil, err
		}
		expr = &memberExpr{base: base{tok.line}, object: expr, property: name}
	}
	return expr, nil
}

func (p *parser) parseArrayLit() (node, error) {
	open := p.advance()
	lit := &arrayLit{base: base{open.line}}
	for !p.peek().is("]") {
		if tok := p.peek(); tok.is("...") {
			p.advance()
			value, err := p.parseAssign()
			if err != nil {
				return nil, err
			}
			lit.elements = append(lit.elements, &spreadExpr{base: base{tok.line}, value: value})
		} else {
			elem, err := p.parseAssign()
			if err != nil {
				return nil, err
			}
			lit.elements = append(lit.elements, elem)
		}
		if !p.accept(",") {
			break
		}
	}
	if _, err := p.expect("]"); err != nil {
		return nil, err
	}
	return lit, nil
}

func (p *parser) parseObjectLit() (node, error) {
	open := p.advance()
	lit := &objectLit{base: base{open.line}}
	for !p.peek().is("}") {
		var entry objectEntry
		tok := p.peek()
		switch {
		case tok.is("..."):
			p.advance()
			value, err := p.parseAssign()
			if err != nil {
				return nil, err
			}
			entry.spread = value
		case tok.is("["):
			p.advance()
			key, err := p.parseAssign()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect("]"); err != nil {
				return nil, err
			}
			if _, err := p.expect(":"); err != nil {
				return nil, err
			}
			value, err := p.parseAssign()
			if err != nil {
				return nil, err
			}
			entry.computed = key
			entry.value = value
		case tok.kind == tokString || tok.kind == tokNumber:
			p.advance()
			key := tok.str
			if tok.kind == tokNumber {
				key = formatNumber(tok.num)
			}
			if _, err := p.expect(":"); err != nil {
				return nil, err
			}
			value, err := p.parseAssign()
			if err != nil {
				return nil, err
			}
			entry.key = key
			entry.value = value
		case tok.kind == tokIdent || tok.kind == tokKeyword:
			p.advance()
			entry.key = tok.text
			if p.accept(":") {
				value, err := p.parseAssign()
				if err != nil {
					return nil, err
				}
				entry.value = value
			} else if p.peek().is("(") {
				// Shorthand method: `name(args) { ... }`.
				fn, err := p.parseFuncRest(tok.line, false)
				if err != nil {
					return nil, err
				}
				entry.value = fn
			} else {
				// Shorthand property.
				entry.value = &identifier{base: base{tok.line}, name: tok.text}
			}
		default:
			return nil, p.errorf("unexpected token %q in object literal", p.describe(tok))
		}
		lit.entries = append(lit.entries, entry)
		if !p.accept(",") {
			break
		}
	}
	if _, err := p.expect("}"); err != nil {
		return nil, err
	}
	return lit, nil
}

// buildTemplate sub-parses ${} expressions eagerly so call-site numbering
// stays deterministic in source order.
func (p *parser) buildTemplate(tok token) (node, error) {
	lit := &templateLit{base: base{tok.line}}
	for _, part := range tok.parts {
		if !part.isExpr {
			lit.parts = append(lit.parts, &stringLit{base: base{tok.line}, value: part.text})
			continue
		}
		subTokens, err := newLexer(part.expr).lex()
		if err != nil {
			return nil, &ParseError{Line: tok.line, Message: err.Error()}
		}
		sub := &parser{tokens: subTokens, callSites: p.callSites}
		expr, err := sub.parseExpression()
		if err != nil {
			return nil, err
		}
		if !sub.atEOF() {
			return nil, &ParseError{Line: tok.line, Message: "trailing tokens in template expression"}
		}
		lit.parts = append(lit.parts, expr)
	}
	return lit, nil
}

// isDirectCallBody reports whether a callback body is a single call
// expression, possibly awaited or returned. These bodies have no
// inter-iteration dependencies and batch under map/forEach.
func isDirectCallBody(fn *funcLit) bool {
	var expr node
	if fn.exprBody {
		expr = fn.body
	} else if block, ok := fn.body.(*blockStmt); ok && len(block.body) == 1 {
		switch stmt := block.body[0].(type) {
		case *returnStmt:
			expr = stmt.value
		case *exprStmt:
			expr = stmt.expr
		}
	}
	if expr == nil {
		return false
	}
	if await, ok := expr.(*awaitExpr); ok {
		expr = await.value
	}
	_, ok := expr.(*callExpr)
	return ok
}
