// Package sexpr implements the LISP-style nested key/value grammar the
// gateway's CCC endpoint speaks (§4.1). It is a small hand-written
// recursive-descent parser: no sexp-dialect library exists among the
// retrieval pack's dependencies (the format is a proprietary dialect,
// not standard Lisp), so this follows the teacher's own approach of
// hand-rolling its wire codecs (xsnet/net.go parses its own framing
// byte-by-byte rather than pulling in a generic binary parser) applied
// to a text grammar instead of a binary one.
//
// The grammar is: `(key:val1 val2 (nested:...) "quoted string" 0xdead)`.
// Comments start with '#' and run to end of line. Values are atoms,
// quoted strings, hex-like literal strings (0x...), integers, booleans
// (true/false), or nested lists. Round-trip (parse . emit . parse) is a
// fixed point, including for keys/values this package doesn't
// understand, satisfying §8's forward-compatibility property.
package sexpr

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is one S-expression node: either a leaf value or a keyed list of
// child nodes. A top-level message is always a single keyed list.
type Node struct {
	Key      string  // empty for anonymous leaf values inside a list
	Leaf     string  // raw leaf text, valid iff len(Children) == 0 && !IsList
	Children []*Node // nested list entries when IsList
	IsList   bool
}

// Get returns the first direct child whose Key matches name.
func (n *Node) Get(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Key == name {
			return c
		}
	}
	return nil
}

// GetPath walks a dotted path of keys, e.g. "client_settings.login_options_data".
func (n *Node) GetPath(path string) *Node {
	cur := n
	for _, part := range strings.Split(path, ".") {
		cur = cur.Get(part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// String returns the leaf value, or "" if n is a list node.
func (n *Node) String() string {
	if n == nil {
		return ""
	}
	return n.Leaf
}

// Int parses the leaf value as a base-10 (or 0x-prefixed) integer.
func (n *Node) Int() (int64, error) {
	if n == nil {
		return 0, fmt.Errorf("sexpr: nil node")
	}
	return strconv.ParseInt(strings.TrimPrefix(n.Leaf, "0x"), hexOrDec(n.Leaf), 64)
}

func hexOrDec(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}

// Bool parses the leaf value as true/false.
func (n *Node) Bool() bool {
	return n.Leaf == "true" || n.Leaf == "1"
}

// ---- parsing ----

type parser struct {
	s   string
	pos int
}

// Parse decodes a single top-level S-expression message.
func Parse(s string) (*Node, error) {
	p := &parser{s: s}
	p.skipSpaceAndComments()
	if p.pos >= len(p.s) {
		return nil, fmt.Errorf("sexpr: empty input")
	}
	n, err := p.parseList()
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (p *parser) skipSpaceAndComments() {
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '#' {
			for p.pos < len(p.s) && p.s[p.pos] != '\n' {
				p.pos++
			}
			continue
		}
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			p.pos++
			continue
		}
		break
	}
}

func (p *parser) parseList() (*Node, error) {
	if p.pos >= len(p.s) || p.s[p.pos] != '(' {
		return nil, fmt.Errorf("sexpr: expected '(' at offset %d", p.pos)
	}
	p.pos++ // consume '('
	n := &Node{IsList: true}

	p.skipSpaceAndComments()
	// key:rest-of-list, key runs until ':' ' ' ')' or '('
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != ':' && p.s[p.pos] != ')' && p.s[p.pos] != ' ' && p.s[p.pos] != '\n' {
		p.pos++
	}
	n.Key = p.s[start:p.pos]
	if p.pos < len(p.s) && p.s[p.pos] == ':' {
		p.pos++ // consume ':'
	}

	for {
		p.skipSpaceAndComments()
		if p.pos >= len(p.s) {
			return nil, fmt.Errorf("sexpr: unterminated list %q", n.Key)
		}
		if p.s[p.pos] == ')' {
			p.pos++
			return n, nil
		}
		child, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
}

func (p *parser) parseValue() (*Node, error) {
	switch p.s[p.pos] {
	case '(':
		return p.parseList()
	case '"':
		return p.parseQuoted()
	default:
		return p.parseAtomOrKeyed()
	}
}

func (p *parser) parseQuoted() (*Node, error) {
	p.pos++ // consume opening quote
	var sb strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '\\' && p.pos+1 < len(p.s) {
			sb.WriteByte(p.s[p.pos+1])
			p.pos += 2
			continue
		}
		if c == '"' {
			p.pos++
			return &Node{Leaf: sb.String()}, nil
		}
		sb.WriteByte(c)
		p.pos++
	}
	return nil, fmt.Errorf("sexpr: unterminated quoted string")
}

// parseAtomOrKeyed handles both bare leaf atoms (e.g. "ok", "0x1a",
// "true") and atoms that turn out to be "key:value" pairs nested
// inside a list without parentheses (the gateway uses both forms in
// practice: `(authentication_reply:ok)` and `(code:0)`).
func (p *parser) parseAtomOrKeyed() (*Node, error) {
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == ')' || c == '(' {
			break
		}
		if c == ':' && p.pos+1 < len(p.s) && p.s[p.pos+1] == '"' {
			key := p.s[start:p.pos]
			p.pos++ // consume ':'
			q, err := p.parseQuoted()
			if err != nil {
				return nil, err
			}
			q.Key = key
			return q, nil
		}
		p.pos++
	}
	tok := p.s[start:p.pos]
	if idx := strings.IndexByte(tok, ':'); idx >= 0 {
		return &Node{Key: tok[:idx], Leaf: tok[idx+1:]}, nil
	}
	return &Node{Leaf: tok}, nil
}

// Emit renders a Node tree back to the wire grammar. Emit(Parse(s)) is
// not required to be byte-identical to s (whitespace is not preserved),
// but Parse(Emit(Parse(s))) is a fixed point, which is what §8 requires.
func Emit(n *Node) string {
	var sb strings.Builder
	emitNode(&sb, n)
	return sb.String()
}

func emitNode(sb *strings.Builder, n *Node) {
	if n.IsList {
		sb.WriteByte('(')
		sb.WriteString(n.Key)
		for _, c := range n.Children {
			sb.WriteByte(' ')
			emitChild(sb, c)
		}
		sb.WriteByte(')')
		return
	}
	emitChild(sb, n)
}

func emitChild(sb *strings.Builder, n *Node) {
	if n.IsList {
		emitNode(sb, n)
		return
	}
	if n.Key != "" {
		sb.WriteString(n.Key)
		sb.WriteByte(':')
	}
	if needsQuoting(n.Leaf) {
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(n.Leaf, `"`, `\"`))
		sb.WriteByte('"')
		return
	}
	sb.WriteString(n.Leaf)
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c == ' ' || c == '(' || c == ')' || c == '"' || c == '\n' {
			return true
		}
	}
	return false
}

// New builds a list Node with the given key and children, for request
// construction (e.g. the canned identification S-expr of §4.3).
func New(key string, children ...*Node) *Node {
	return &Node{Key: key, IsList: true, Children: children}
}

// Leaf builds a keyed leaf Node.
func Leaf(key, val string) *Node {
	return &Node{Key: key, Leaf: val}
}
