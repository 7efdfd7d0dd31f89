package sandbox

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokKeyword
	tokNumber
	tokString
	tokTemplate
	tokPunct
)

// templatePart is one segment of a template literal: either literal text or
// the raw source of a ${...} expression, sub-parsed later.
type templatePart struct {
	text   string
	expr   string
	isExpr bool
}

type token struct {
	kind  tokenKind
	text  string
	num   float64
	str   string
	parts []templatePart
	line  int
	col   int
}

func (t token) is(text string) bool {
	return (t.kind == tokPunct || t.kind == tokKeyword) && t.text == text
}

var keywords = map[string]bool{
	"let": true, "const": true, "var": true, "function": true, "return": true,
	"if": true, "else": true, "for": true, "while": true, "do": true,
	"break": true, "continue": true, "new": true, "typeof": true,
	"instanceof": true, "in": true, "of": true, "try": true, "catch": true,
	"finally": true, "throw": true, "async": true, "await": true,
	"true": true, "false": true, "null": true, "undefined": true,
	"delete": true, "void": true, "class": true, "import": true,
	"export": true, "switch": true, "case": true, "default": true,
	"yield": true, "this": true,
}

// Longest first so maximal munch works with a simple prefix scan.
var punctuators = []string{
	"===", "!==", "**=", "...", "&&=", "||=", "??=",
	"==", "!=", "<=", ">=", "&&", "||", "??", "?.", "=>",
	"++", "--", "+=", "-=", "*=", "/=", "%=", "**",
	"(", ")", "{", "}", "[", "]", ";", ",", ".", "?", ":",
	"=", "!", "<", ">", "+", "-", "*", "/", "%",
}

type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

// lex tokenizes the whole source.
func (l *lexer) lex() ([]token, error) {
	var tokens []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.kind == tokEOF {
			return tokens, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	if err := l.skipSpace(); err != nil {
		return token{}, err
	}
	line, col := l.line, l.col
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: line, col: col}, nil
	}
	c := l.src[l.pos]
	switch {
	case c == '"' || c == '\'':
		s, err := l.readString(c)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokString, str: s, line: line, col: col}, nil
	case c == '`':
		parts, err := l.readTemplate()
		if err != nil {
			return token{}, err
		}
		return token{kind: tokTemplate, parts: parts, line: line, col: col}, nil
	case c >= '0' && c <= '9':
		return l.readNumber(line, col)
	case isIdentStart(rune(c)) || c >= utf8.RuneSelf:
		word := l.readIdent()
		kind := tokIdent
		if keywords[word] {
			kind = tokKeyword
		}
		return token{kind: kind, text: word, line: line, col: col}, nil
	}
	for _, p := range punctuators {
		if strings.HasPrefix(l.src[l.pos:], p) {
			l.advance(len(p))
			return token{kind: tokPunct, text: p, line: line, col: col}, nil
		}
	}
	return token{}, fmt.Errorf("line %d: unexpected character %q", line, string(c))
}

func (l *lexer) skipSpace() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			l.advance(1)
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.advance(1)
			}
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '*':
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end < 0 {
				return fmt.Errorf("line %d: unterminated block comment", l.line)
			}
			l.advance(end + 4)
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) advance(n int) {
	for i := 0; i < n && l.pos < len(l.src); i++ {
		if l.src[l.pos] == '\n' {
			l.line++
			l.col = 1
		} else {
			l.col++
		}
		l.pos++
	}
}

func (l *lexer) readIdent() string {
	start := l.pos
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !isIdentPart(r) {
			break
		}
		l.advance(size)
	}
	return l.src[start:l.pos]
}

func (l *lexer) readNumber(line, col int) (token, error) {
	start := l.pos
	if strings.HasPrefix(l.src[l.pos:], "0x") || strings.HasPrefix(l.src[l.pos:], "0X") {
		l.advance(2)
		for l.pos < len(l.src) && isHexDigit(l.src[l.pos]) {
			l.advance(1)
		}
	} else {
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.advance(1)
		}
		if l.pos < len(l.src) && l.src[l.pos] == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]) {
			l.advance(1)
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.advance(1)
			}
		}
		if l.pos < len(l.src) && (l.src[l.pos] == 'e' || l.src[l.pos] == 'E') {
			save := l.pos
			l.advance(1)
			if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
				l.advance(1)
			}
			if l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
					l.advance(1)
				}
			} else {
				l.pos = save
			}
		}
	}
	text := l.src[start:l.pos]
	num, err := parseNumberLiteral(text)
	if err != nil {
		return token{}, fmt.Errorf("line %d: bad number literal %q", line, text)
	}
	return token{kind: tokNumber, text: text, num: num, line: line, col: col}, nil
}

func (l *lexer) readString(quote byte) (string, error) {
	line := l.line
	l.advance(1)
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case quote:
			l.advance(1)
			return b.String(), nil
		case '\n':
			return "", fmt.Errorf("line %d: unterminated string", line)
		case '\\':
			esc, err := l.readEscape()
			if err != nil {
				return "", err
			}
			b.WriteString(esc)
		default:
			b.WriteByte(c)
			l.advance(1)
		}
	}
	return "", fmt.Errorf("line %d: unterminated string", line)
}

func (l *lexer) readEscape() (string, error) {
	l.advance(1) // backslash
	if l.pos >= len(l.src) {
		return "", fmt.Errorf("line %d: dangling escape", l.line)
	}
	c := l.src[l.pos]
	l.advance(1)
	switch c {
	case 'n':
		return "\n", nil
	case 't':
		return "\t", nil
	case 'r':
		return "\r", nil
	case 'b':
		return "\b", nil
	case 'f':
		return "\f", nil
	case '0':
		return "\x00", nil
	case 'u':
		if l.pos+4 <= len(l.src) && isHexDigit(l.src[l.pos]) {
			var code int
			for i := 0; i < 4; i++ {
				code = code*16 + hexVal(l.src[l.pos])
				l.advance(1)
			}
			return string(rune(code)), nil
		}
		return "", fmt.Errorf("line %d: bad unicode escape", l.line)
	default:
		return string(c), nil
	}
}

// readTemplate splits `a ${x} b` into cooked text parts and raw expression
// substrings. Nested braces and strings inside ${} are honored.
func (l *lexer) readTemplate() ([]templatePart, error) {
	line := l.line
	l.advance(1)
	var parts []templatePart
	var text strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '`':
			l.advance(1)
			if text.Len() > 0 || len(parts) == 0 {
				parts = append(parts, templatePart{text: text.String()})
			}
			return parts, nil
		case c == '\\':
			esc, err := l.readEscape()
			if err != nil {
				return nil, err
			}
			text.WriteString(esc)
		case c == '$' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '{':
			if text.Len() > 0 {
				parts = append(parts, templatePart{text: text.String()})
				text.Reset()
			}
			l.advance(2)
			expr, err := l.readTemplateExpr()
			if err != nil {
				return nil, err
			}
			parts = append(parts, templatePart{expr: expr, isExpr: true})
		default:
			text.WriteByte(c)
			l.advance(1)
		}
	}
	return nil, fmt.Errorf("line %d: unterminated template literal", line)
}

func (l *lexer) readTemplateExpr() (string, error) {
	start := l.pos
	depth := 1
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case '{':
			depth++
			l.advance(1)
		case '}':
			depth--
			if depth == 0 {
				expr := l.src[start:l.pos]
				l.advance(1)
				return expr, nil
			}
			l.advance(1)
		case '"', '\'':
			if _, err := l.readString(c); err != nil {
				return "", err
			}
		case '`':
			if _, err := l.readTemplate(); err != nil {
				return "", err
			}
		default:
			l.advance(1)
		}
	}
	return "", fmt.Errorf("unterminated ${} in template literal")
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return int(c-'A') + 10
	}
}

func parseNumberLiteral(text string) (float64, error) {
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		var v float64
		for i := 2; i < len(text); i++ {
			v = v*16 + float64(hexVal(text[i]))
		}
		if len(text) == 2 {
			return 0, fmt.Errorf("empty hex literal")
		}
		return v, nil
	}
	var v float64
	_, err := fmt.Sscanf(text, "%g", &v)
	return v, err
}
