package kv

import (
	"errors"
	"fmt"
)

// ErrBadVisibility is returned for malformed visibility expressions.
var ErrBadVisibility = errors.New("kv: malformed visibility expression")

// Visibility is a parsed column visibility expression such as
// "admin&(audit|ops)". Within one parenthesized group, & and | may not be
// mixed. Labels may be quoted to include other characters.
type Visibility struct {
	root *visNode
}

type visOp int

const (
	visTerm visOp = iota
	visAnd
	visOr
)

type visNode struct {
	op       visOp
	term     string
	children []*visNode
}

// ParseVisibility parses expr. The empty expression is visible to everyone.
func ParseVisibility(expr []byte) (Visibility, error) {
	if len(expr) == 0 {
		return Visibility{}, nil
	}
	p := &visParser{in: expr}
	n, err := p.parse()
	if err != nil {
		return Visibility{}, err
	}
	if p.pos != len(p.in) {
		return Visibility{}, fmt.Errorf("%w: unexpected %q at %d", ErrBadVisibility, p.in[p.pos], p.pos)
	}
	return Visibility{root: n}, nil
}

// Evaluate reports whether auths satisfy the expression.
func (v Visibility) Evaluate(auths Authorizations) bool {
	if v.root == nil {
		return true
	}
	return v.root.eval(auths)
}

// Labels returns every label named in the expression.
func (v Visibility) Labels() []string {
	var out []string
	var walk func(n *visNode)
	walk = func(n *visNode) {
		if n == nil {
			return
		}
		if n.op == visTerm {
			out = append(out, n.term)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(v.root)
	return out
}

func (n *visNode) eval(auths Authorizations) bool {
	switch n.op {
	case visTerm:
		return auths.Contains(n.term)
	case visAnd:
		for _, c := range n.children {
			if !c.eval(auths) {
				return false
			}
		}
		return true
	default:
		for _, c := range n.children {
			if c.eval(auths) {
				return true
			}
		}
		return false
	}
}

type visParser struct {
	in  []byte
	pos int
}

// parse reads a sequence of operands joined by a single operator kind.
func (p *visParser) parse() (*visNode, error) {
	first, err := p.operand()
	if err != nil {
		return nil, err
	}
	group := &visNode{op: visTerm}
	group.children = append(group.children, first)
	for p.pos < len(p.in) && p.in[p.pos] != ')' {
		var op visOp
		switch p.in[p.pos] {
		case '&':
			op = visAnd
		case '|':
			op = visOr
		default:
			return nil, fmt.Errorf("%w: unexpected %q at %d", ErrBadVisibility, p.in[p.pos], p.pos)
		}
		if group.op != visTerm && group.op != op {
			return nil, fmt.Errorf("%w: cannot mix & and | at %d", ErrBadVisibility, p.pos)
		}
		group.op = op
		p.pos++
		next, err := p.operand()
		if err != nil {
			return nil, err
		}
		group.children = append(group.children, next)
	}
	if group.op == visTerm {
		return first, nil
	}
	return group, nil
}

func (p *visParser) operand() (*visNode, error) {
	if p.pos >= len(p.in) {
		return nil, fmt.Errorf("%w: missing term", ErrBadVisibility)
	}
	switch c := p.in[p.pos]; {
	case c == '(':
		p.pos++
		n, err := p.parse()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.in) || p.in[p.pos] != ')' {
			return nil, fmt.Errorf("%w: unclosed parenthesis", ErrBadVisibility)
		}
		p.pos++
		return n, nil
	case c == '"':
		return p.quoted()
	case isLabelChar(c):
		start := p.pos
		for p.pos < len(p.in) && isLabelChar(p.in[p.pos]) {
			p.pos++
		}
		return &visNode{op: visTerm, term: string(p.in[start:p.pos])}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrBadVisibility, c, p.pos)
	}
}

func (p *visParser) quoted() (*visNode, error) {
	p.pos++
	var term []byte
	for p.pos < len(p.in) {
		c := p.in[p.pos]
		switch c {
		case '\\':
			if p.pos+1 >= len(p.in) || (p.in[p.pos+1] != '"' && p.in[p.pos+1] != '\\') {
				return nil, fmt.Errorf("%w: bad escape at %d", ErrBadVisibility, p.pos)
			}
			term = append(term, p.in[p.pos+1])
			p.pos += 2
		case '"':
			p.pos++
			if len(term) == 0 {
				return nil, fmt.Errorf("%w: empty quoted term", ErrBadVisibility)
			}
			return &visNode{op: visTerm, term: string(term)}, nil
		default:
			term = append(term, c)
			p.pos++
		}
	}
	return nil, fmt.Errorf("%w: unterminated quote", ErrBadVisibility)
}

func isLabelChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '_' || c == '-' || c == ':' || c == '.' || c == '/'
}
