package nickel

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNum
	tokStr
	tokIdent
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string
	num   float64
	start int
	end   int
}

var keywords = map[string]bool{
	"fun": true, "let": true, "in": true, "if": true, "then": true, "else": true,
	"true": true, "false": true, "null": true, "doc": true,
}

// Longest first.
var puncts = []string{
	"=>", "->", "==", "!=", "<=", ">=", "&&", "||", "++",
	"(", ")", "{", "}", ",", ";", "=", ":", "|", ".", "+", "-", "*", "/", "%", "<", ">", "!",
}

type lexer struct {
	input []rune
	pos   int
	name  string
}

func (l *lexer) errorf(pos int, format string, args ...any) error {
	return &ParseError{Source: l.name, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) skipWhitespace() {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '#' {
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.pos++
			}
			continue
		}
		if !unicode.IsSpace(ch) {
			break
		}
		l.pos++
	}
}

func (l *lexer) tokens() ([]token, error) {
	var out []token
	for {
		l.skipWhitespace()
		if l.pos >= len(l.input) {
			out = append(out, token{kind: tokEOF, start: l.pos, end: l.pos})
			return out, nil
		}
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
}

func (l *lexer) next() (token, error) {
	start := l.pos
	ch := l.input[l.pos]
	switch {
	case ch == '"':
		s, err := l.lexString()
		if err != nil {
			return token{}, err
		}
		return token{kind: tokStr, text: s, start: start, end: l.pos}, nil
	case unicode.IsDigit(ch):
		for l.pos < len(l.input) && (unicode.IsDigit(l.input[l.pos]) || l.input[l.pos] == '.' ||
			l.input[l.pos] == 'e' || l.input[l.pos] == 'E') {
			// A dot not followed by a digit is field access.
			if l.input[l.pos] == '.' && (l.pos+1 >= len(l.input) || !unicode.IsDigit(l.input[l.pos+1])) {
				break
			}
			l.pos++
		}
		text := string(l.input[start:l.pos])
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, l.errorf(start, "invalid number %q", text)
		}
		return token{kind: tokNum, text: text, num: n, start: start, end: l.pos}, nil
	case isIdentStart(ch):
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: string(l.input[start:l.pos]), start: start, end: l.pos}, nil
	}
	rest := string(l.input[l.pos:min(l.pos+2, len(l.input))])
	for _, p := range puncts {
		if strings.HasPrefix(rest, p) {
			l.pos += len([]rune(p))
			return token{kind: tokPunct, text: p, start: start, end: l.pos}, nil
		}
	}
	return token{}, l.errorf(start, "unexpected character %q", ch)
}

func (l *lexer) lexString() (string, error) {
	start := l.pos
	l.pos++ // opening quote
	var buf strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '\\' {
			l.pos++
			if l.pos >= len(l.input) {
				return "", l.errorf(l.pos, "unexpected end of input in string escape")
			}
			switch esc := l.input[l.pos]; esc {
			case 'n':
				buf.WriteRune('\n')
			case 't':
				buf.WriteRune('\t')
			case '\\':
				buf.WriteRune('\\')
			case '"':
				buf.WriteRune('"')
			default:
				return "", l.errorf(l.pos, "unknown escape sequence: \\%c", esc)
			}
			l.pos++
			continue
		}
		if ch == '"' {
			l.pos++
			return buf.String(), nil
		}
		buf.WriteRune(ch)
		l.pos++
	}
	return "", l.errorf(start, "unclosed string")
}

func isIdentStart(ch rune) bool { return ch == '_' || unicode.IsLetter(ch) }
func isIdentPart(ch rune) bool {
	return ch == '_' || ch == '\'' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}

type parser struct {
	name string
	toks []token
	pos  int
}

// Parse reads a program in the surface syntax. name is used in spans and
// error messages.
func Parse(name, src string) (*Term, error) {
	lx := &lexer{input: []rune(src), name: name}
	toks, err := lx.tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{name: name, toks: toks}
	if p.peek().kind == tokEOF {
		return nil, p.errorf("empty input")
	}
	t, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %s after expression", p.peek().describe())
	}
	return t, nil
}

// ParseType reads a type or contract annotation on its own, e.g. "Num -> Num".
func ParseType(name, src string) (*Type, error) {
	lx := &lexer{input: []rune(src), name: name}
	toks, err := lx.tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{name: name, toks: toks}
	ty, err := p.parseType()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %s after type", p.peek().describe())
	}
	return ty, nil
}

func (t token) describe() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokStr:
		return strconv.Quote(t.text)
	}
	return fmt.Sprintf("%q", t.text)
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) is(text string) bool {
	t := p.peek()
	return (t.kind == tokPunct || t.kind == tokIdent) && t.text == text
}

func (p *parser) accept(text string) bool {
	if p.is(text) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expect(text string) (token, error) {
	if !p.is(text) {
		return token{}, p.errorf("expected %q, got %s", text, p.peek().describe())
	}
	return p.advance(), nil
}

func (p *parser) ident() (token, error) {
	t := p.peek()
	if t.kind != tokIdent || keywords[t.text] {
		return token{}, p.errorf("expected identifier, got %s", t.describe())
	}
	return p.advance(), nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Source: p.name, Pos: p.peek().start, Msg: fmt.Sprintf(format, args...)}
}

// span covers the tokens from start up to the last consumed one.
func (p *parser) span(start int) Span {
	end := start
	if p.pos > 0 {
		end = p.toks[p.pos-1].end
	}
	return Span{Source: p.name, Start: start, End: end}
}

func (p *parser) parseExpr() (*Term, error) {
	start := p.peek().start
	switch {
	case p.accept("fun"):
		var params []string
		for !p.is("=>") {
			id, err := p.ident()
			if err != nil {
				return nil, err
			}
			params = append(params, id.text)
		}
		if len(params) == 0 {
			return nil, p.errorf("fun needs at least one parameter")
		}
		p.advance()
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		for i := len(params) - 1; i >= 0; i-- {
			body = FunTerm(params[i], body).At(p.span(start))
		}
		return body, nil
	case p.accept("let"):
		var bindings []Binding
		seen := map[string]bool{}
		for {
			bstart := p.peek().start
			id, err := p.ident()
			if err != nil {
				return nil, err
			}
			if seen[id.text] {
				return nil, &ParseError{Source: p.name, Pos: id.start, Msg: "duplicate binding " + id.text}
			}
			seen[id.text] = true
			t, err := p.parseDefinition(bstart, true)
			if err != nil {
				return nil, err
			}
			bindings = append(bindings, Binding{Name: id.text, Term: t, Span: p.span(bstart)})
			if !p.accept(",") {
				break
			}
		}
		if _, err := p.expect("in"); err != nil {
			return nil, err
		}
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return LetTerm(bindings, body).At(p.span(start)), nil
	case p.accept("if"):
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect("then"); err != nil {
			return nil, err
		}
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect("else"); err != nil {
			return nil, err
		}
		els, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return IfTerm(cond, then, els).At(p.span(start)), nil
	}

	t, err := p.parseBinary(0)
	if err != nil {
		return nil, err
	}
	if !p.is(":") && !p.is("|") {
		return t, nil
	}
	m := &MetaValue{Value: t}
	if err := p.parseAnnotations(m); err != nil {
		return nil, err
	}
	return MetaTerm(m).At(p.span(start)), nil
}

// parseDefinition reads the annotations and `= value` after a binding or
// field name. Without annotations the value itself is returned. A record
// field may omit the value when annotated.
func (p *parser) parseDefinition(start int, needValue bool) (*Term, error) {
	m := &MetaValue{}
	annotated := p.is(":") || p.is("|")
	if annotated {
		if err := p.parseAnnotations(m); err != nil {
			return nil, err
		}
	}
	if p.accept("=") {
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if !annotated {
			return v, nil
		}
		m.Value = v
	} else if needValue || !annotated {
		return nil, p.errorf("expected \"=\", got %s", p.peek().describe())
	}
	return MetaTerm(m).At(p.span(start)), nil
}

// parseAnnotations reads `: T`, `| doc "s"` and `| C` annotations into m.
func (p *parser) parseAnnotations(m *MetaValue) error {
	for {
		astart := p.peek().start
		switch {
		case p.accept(":"):
			ty, err := p.parseType()
			if err != nil {
				return err
			}
			if m.Types != nil {
				return &ParseError{Source: p.name, Pos: astart, Msg: "duplicate type annotation"}
			}
			c := NewContract(ty, p.span(astart))
			m.Types = &c
		case p.accept("|"):
			if p.accept("doc") {
				tok := p.peek()
				if tok.kind != tokStr {
					return p.errorf("expected doc string, got %s", tok.describe())
				}
				p.advance()
				doc := tok.text
				m.Doc = &doc
				continue
			}
			ty, err := p.parseType()
			if err != nil {
				return err
			}
			m.Contracts = append(m.Contracts, NewContract(ty, p.span(astart)))
		default:
			return nil
		}
	}
}

var binLevels = [][]struct {
	text string
	op   BinOp
}{
	{{"||", OpOr}},
	{{"&&", OpAnd}},
	{{"==", OpEq}, {"!=", OpNeq}, {"<=", OpLe}, {">=", OpGe}, {"<", OpLt}, {">", OpGt}},
	{{"++", OpConcat}},
	{{"+", OpAdd}, {"-", OpSub}},
	{{"*", OpMul}, {"/", OpDiv}, {"%", OpMod}},
}

func (p *parser) parseBinary(level int) (*Term, error) {
	if level == len(binLevels) {
		return p.parseUnary()
	}
	start := p.peek().start
	left, err := p.parseBinary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		matched := false
		for _, o := range binLevels[level] {
			if p.peek().kind == tokPunct && p.peek().text == o.text {
				p.advance()
				right, err := p.parseBinary(level + 1)
				if err != nil {
					return nil, err
				}
				left = BinOpTerm(o.op, left, right).At(p.span(start))
				matched = true
				break
			}
		}
		// Comparisons do not chain.
		if !matched || level == 2 {
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (*Term, error) {
	start := p.peek().start
	switch {
	case p.accept("!"):
		t, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnOpTerm(OpNot, t).At(p.span(start)), nil
	case p.accept("-"):
		t, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if t.Kind == TermNum {
			return NumTerm(-t.Num).At(p.span(start)), nil
		}
		return UnOpTerm(OpNeg, t).At(p.span(start)), nil
	}
	return p.parseApp()
}

func (p *parser) startsAtom() bool {
	t := p.peek()
	switch t.kind {
	case tokNum, tokStr:
		return true
	case tokIdent:
		return !keywords[t.text] || t.text == "true" || t.text == "false" || t.text == "null"
	case tokPunct:
		return t.text == "(" || t.text == "{"
	}
	return false
}

func (p *parser) parseApp() (*Term, error) {
	start := p.peek().start
	fn, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for p.startsAtom() {
		arg, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		fn = AppTerm(fn, arg).At(p.span(start))
	}
	return fn, nil
}

func (p *parser) parsePostfix() (*Term, error) {
	start := p.peek().start
	t, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for p.accept(".") {
		id, err := p.fieldName()
		if err != nil {
			return nil, err
		}
		t = SelectTerm(t, id).At(p.span(start))
	}
	return t, nil
}

// fieldName accepts identifiers, keywords and quoted names.
func (p *parser) fieldName() (string, error) {
	t := p.peek()
	if t.kind == tokIdent || t.kind == tokStr {
		p.advance()
		return t.text, nil
	}
	return "", p.errorf("expected field name, got %s", t.describe())
}

func (p *parser) parseAtom() (*Term, error) {
	start := p.peek().start
	tok := p.peek()
	switch tok.kind {
	case tokNum:
		p.advance()
		return NumTerm(tok.num).At(p.span(start)), nil
	case tokStr:
		p.advance()
		return StrTerm(tok.text).At(p.span(start)), nil
	case tokIdent:
		switch tok.text {
		case "true", "false":
			p.advance()
			return BoolTerm(tok.text == "true").At(p.span(start)), nil
		case "null":
			p.advance()
			return NullTerm().At(p.span(start)), nil
		case "builtin":
			p.advance()
			if _, err := p.expect("."); err != nil {
				return nil, err
			}
			id, err := p.ident()
			if err != nil {
				return nil, err
			}
			return BuiltinTerm(id.text).At(p.span(start)), nil
		}
		id, err := p.ident()
		if err != nil {
			return nil, err
		}
		return VarTerm(id.text).At(p.span(start)), nil
	case tokPunct:
		switch tok.text {
		case "(":
			p.advance()
			t, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(")"); err != nil {
				return nil, err
			}
			return t, nil
		case "{":
			return p.parseRecord()
		}
	}
	return nil, p.errorf("unexpected %s", tok.describe())
}

func (p *parser) parseRecord() (*Term, error) {
	start := p.peek().start
	p.advance() // {
	var fields []*Field
	seen := map[string]bool{}
	for !p.is("}") {
		fstart := p.peek().start
		name, err := p.fieldName()
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, &ParseError{Source: p.name, Pos: fstart, Msg: "duplicate field " + name}
		}
		seen[name] = true
		t, err := p.parseDefinition(fstart, false)
		if err != nil {
			return nil, err
		}
		f := NewField(name, t)
		f.Span = p.span(fstart)
		fields = append(fields, f)
		if !p.accept(",") && !p.accept(";") {
			break
		}
	}
	if _, err := p.expect("}"); err != nil {
		return nil, err
	}
	return RecordTerm(fields...).At(p.span(start)), nil
}

// parseType reads `Num`, `Str`, `Bool`, `Dyn`, `_`, `{f: T, ...}`, arrows
// and parenthesized types. Anything else is a flat contract expression.
func (p *parser) parseType() (*Type, error) {
	dom, err := p.parseTypeAtom()
	if err != nil {
		return nil, err
	}
	if p.accept("->") {
		cod, err := p.parseType()
		if err != nil {
			return nil, err
		}
		return ArrowType(dom, cod), nil
	}
	return dom, nil
}

func (p *parser) parseTypeAtom() (*Type, error) {
	tok := p.peek()
	if tok.kind == tokIdent {
		switch tok.text {
		case "Num":
			p.advance()
			return NumType, nil
		case "Str":
			p.advance()
			return StrType, nil
		case "Bool":
			p.advance()
			return BoolType, nil
		case "Dyn":
			p.advance()
			return DynType, nil
		case "_":
			p.advance()
			return WildcardType, nil
		}
	}
	if p.is("{") {
		return p.parseRecordType()
	}
	if p.is("(") {
		// Try a parenthesized type first, then fall back to an expression.
		save := p.pos
		p.advance()
		if ty, err := p.parseType(); err == nil && p.accept(")") {
			return ty, nil
		}
		p.pos = save
	}
	t, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	return FlatType(t), nil
}

func (p *parser) parseRecordType() (*Type, error) {
	p.advance() // {
	var rows []RowField
	seen := map[string]bool{}
	for !p.is("}") {
		name, err := p.fieldName()
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, p.errorf("duplicate field %s in record type", name)
		}
		seen[name] = true
		if _, err := p.expect(":"); err != nil {
			return nil, err
		}
		ty, err := p.parseType()
		if err != nil {
			return nil, err
		}
		rows = append(rows, RowField{Name: name, Type: ty})
		if !p.accept(",") && !p.accept(";") {
			break
		}
	}
	if _, err := p.expect("}"); err != nil {
		return nil, err
	}
	return RecordType(rows...), nil
}

// ParsePath splits a dotted query path such as "a.b.c". An empty string is
// the root.
func ParsePath(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ".")
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("invalid path %q: empty segment", s)
		}
	}
	return parts, nil
}
