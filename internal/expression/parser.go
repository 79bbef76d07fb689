package expression

import (
	"fmt"
)

// Node is a compiled expression.
type Node interface {
	eval(env *Env) any
}

type literal struct{ v any }

type path struct {
	root     string
	segments []string
}

type unary struct {
	op string
	x  Node
}

type binary struct {
	op   string
	l, r Node
}

type parser struct {
	toks []token
	pos  int
}

// Compile parses source into a Node.
func Compile(source string) (Node, error) {
	toks, err := lex(source)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, fmt.Errorf("empty expression")
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("position %d: unexpected %q", t.pos, t.text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// isOp accepts both the symbolic and the word form of logical operators.
func (p *parser) isOp(symbol, word string) bool {
	t := p.peek()
	return (t.kind == tokOp && t.text == symbol) || (word != "" && t.kind == tokIdent && t.text == word)
}

func (p *parser) parseOr() (Node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||", "or") {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = binary{op: "||", l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (Node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&", "and") {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = binary{op: "&&", l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.isOp("!", "not") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unary{op: "!", x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	l, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			r, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return binary{op: t.text, l: l, r: r}, nil
		}
	}
	return l, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return literal{v: t.text}, nil
	case tokNumber:
		return literal{v: t.num}, nil
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, fmt.Errorf("position %d: expected ')'", c.pos)
		}
		return n, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literal{v: true}, nil
		case "false":
			return literal{v: false}, nil
		case "null", "nil":
			return literal{v: nil}, nil
		}
		return p.parsePath(t.text)
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("position %d: unexpected %q", t.pos, t.text)
	}
}

func (p *parser) parsePath(root string) (Node, error) {
	n := path{root: root}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			id := p.next()
			if id.kind != tokIdent && id.kind != tokNumber {
				return nil, fmt.Errorf("position %d: expected field name after '.'", id.pos)
			}
			n.segments = append(n.segments, id.text)
		case tokLBracket:
			p.next()
			key := p.next()
			if key.kind != tokString && key.kind != tokNumber {
				return nil, fmt.Errorf("position %d: expected string or index in brackets", key.pos)
			}
			if c := p.next(); c.kind != tokRBracket {
				return nil, fmt.Errorf("position %d: expected ']'", c.pos)
			}
			n.segments = append(n.segments, key.text)
		default:
			return n, nil
		}
	}
}
