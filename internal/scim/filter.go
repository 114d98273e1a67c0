package scim

import (
	"fmt"
	"strconv"
	"strings"
)

// Filter AST node kinds. The grammar follows RFC 7644 section 3.4.2.2:
// attribute expressions, logical and/or/not, grouping, and value paths
// such as emails[type eq "work"].value.

// Expr is a parsed filter expression node.
type Expr interface {
	exprNode()
}

// LogicalExpr combines two sub-expressions with "and" or "or".
type LogicalExpr struct {
	Op    string // "and" or "or"
	Left  Expr
	Right Expr
}

// NotExpr negates a grouped sub-expression.
type NotExpr struct {
	Expr Expr
}

// CompareExpr is a leaf comparison. Value is nil for the "pr" operator.
// Value is string, float64, bool, or nil as parsed from the literal.
type CompareExpr struct {
	Path  AttrPath
	Op    string
	Value any
}

func (*LogicalExpr) exprNode() {}
func (*NotExpr) exprNode()     {}
func (*CompareExpr) exprNode() {}

// AttrPath addresses an attribute, optionally qualified by a value filter
// and a sub-attribute: attr, attr.sub, attr[valFilter], attr[valFilter].sub.
type AttrPath struct {
	Attribute   string
	SubAttr     string
	ValueFilter Expr // non-nil for value paths
}

// String renders the unqualified dotted path, e.g. "emails.value".
func (p AttrPath) String() string {
	if p.SubAttr == "" {
		return p.Attribute
	}
	return p.Attribute + "." + p.SubAttr
}

// ParseFilter parses a SCIM filter expression into its AST. A syntactically
// invalid expression fails the whole parse; no partial result is returned.
func ParseFilter(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, InvalidInputf("empty filter")
	}
	p := &filterParser{input: input}
	p.next()
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, InvalidInputf("unexpected %q in filter", p.tok.text)
	}
	return expr, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
)

type token struct {
	kind tokenKind
	text string
}

type filterParser struct {
	input string
	pos   int
	tok   token
	err   error
}

func (p *filterParser) next() {
	if p.err != nil {
		return
	}
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF}
		return
	}
	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "("}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")"}
	case c == '[':
		p.pos++
		p.tok = token{kind: tokLBracket, text: "["}
	case c == ']':
		p.pos++
		p.tok = token{kind: tokRBracket, text: "]"}
	case c == '"':
		p.lexString()
	case c == '-' || (c >= '0' && c <= '9'):
		p.lexNumber()
	case isIdentChar(c):
		start := p.pos
		for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.input[start:p.pos]}
	default:
		p.err = InvalidInputf("unexpected character %q in filter", string(c))
		p.tok = token{kind: tokEOF}
	}
}

// Identifier characters cover attribute names, dotted sub-attributes, and
// URN-prefixed paths.
func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '.' || c == '_' || c == '-' || c == ':' || c == '$'
}

func (p *filterParser) lexString() {
	var sb strings.Builder
	p.pos++ // opening quote
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '"' {
			p.pos++
			p.tok = token{kind: tokString, text: sb.String()}
			return
		}
		if c == '\\' && p.pos+1 < len(p.input) {
			p.pos++
			switch p.input[p.pos] {
			case '"':
				sb.WriteByte('"')
			case '\\':
				sb.WriteByte('\\')
			case '/':
				sb.WriteByte('/')
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte('\\')
				sb.WriteByte(p.input[p.pos])
			}
			p.pos++
			continue
		}
		sb.WriteByte(c)
		p.pos++
	}
	p.err = InvalidInputf("unterminated string literal in filter")
	p.tok = token{kind: tokEOF}
}

func (p *filterParser) lexNumber() {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c >= '0' && c <= '9' || c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-' {
			p.pos++
			continue
		}
		break
	}
	p.tok = token{kind: tokNumber, text: p.input[start:p.pos]}
}

func (p *filterParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, "or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &LogicalExpr{Op: "or", Left: left, Right: right}
	}
	return left, nil
}

func (p *filterParser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, "and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &LogicalExpr{Op: "and", Left: left, Right: right}
	}
	return left, nil
}

func (p *filterParser) parseUnary() (Expr, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, "not") {
		p.next()
		if p.tok.kind != tokLParen {
			return nil, InvalidInputf("expected ( after not")
		}
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, InvalidInputf("expected ) to close not group")
		}
		p.next()
		return &NotExpr{Expr: inner}, nil
	}
	if p.tok.kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, InvalidInputf("expected ) to close group")
		}
		p.next()
		return inner, nil
	}
	return p.parseCompare()
}

func (p *filterParser) parseCompare() (Expr, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind != tokIdent {
		return nil, InvalidInputf("expected attribute path, got %q", p.tok.text)
	}
	path := AttrPath{Attribute: p.tok.text}
	p.next()

	// Value path qualifier: attr[valFilter] with optional .sub suffix.
	if p.tok.kind == tokLBracket {
		p.next()
		valFilter, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRBracket {
			return nil, InvalidInputf("expected ] to close value filter")
		}
		path.ValueFilter = valFilter
		p.next()
		if p.tok.kind == tokIdent && strings.HasPrefix(p.tok.text, ".") {
			path.SubAttr = strings.TrimPrefix(p.tok.text, ".")
			p.next()
		}
	} else if i := strings.Index(path.Attribute, "."); i > 0 {
		path.SubAttr = path.Attribute[i+1:]
		path.Attribute = path.Attribute[:i]
	}

	if p.tok.kind != tokIdent {
		return nil, InvalidInputf("expected operator after %q", path.String())
	}
	op := strings.ToLower(p.tok.text)
	p.next()

	switch op {
	case "pr":
		return &CompareExpr{Path: path, Op: op}, nil
	case "eq", "ne", "co", "sw", "ew", "gt", "ge", "lt", "le":
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &CompareExpr{Path: path, Op: op, Value: val}, nil
	default:
		return nil, InvalidInputf("unknown operator %q", op)
	}
}

func (p *filterParser) parseValue() (any, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.tok.kind {
	case tokString:
		v := p.tok.text
		p.next()
		return v, nil
	case tokNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, InvalidInputf("bad numeric literal %q", p.tok.text)
		}
		p.next()
		return f, nil
	case tokIdent:
		switch strings.ToLower(p.tok.text) {
		case "true":
			p.next()
			return true, nil
		case "false":
			p.next()
			return false, nil
		case "null":
			p.next()
			return nil, nil
		}
	}
	return nil, InvalidInputf("expected comparison value, got %q", p.tok.text)
}

// CompareValueString renders a comparison value the way it is matched in the
// directory: booleans and numbers in their canonical text form.
func CompareValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
