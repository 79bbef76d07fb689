package expression

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

func lex(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			out = append(out, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			out = append(out, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '[':
			out = append(out, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case c == ']':
			out = append(out, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case c == '.':
			out = append(out, token{kind: tokDot, text: ".", pos: i})
			i++
		case c == '"' || c == '\'':
			s, n, err := lexString(src[i:])
			if err != nil {
				return nil, fmt.Errorf("position %d: %w", i, err)
			}
			out = append(out, token{kind: tokString, text: s, pos: i})
			i += n
		case isDigit(src[i]):
			j := lexNumber(src, i)
			f, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("position %d: bad number %q", i, src[i:j])
			}
			out = append(out, token{kind: tokNumber, text: src[i:j], num: f, pos: i})
			i = j
		case isIdentStart(src[i]):
			j := i
			for j < len(src) && (isIdentStart(src[j]) || isDigit(src[j])) {
				j++
			}
			out = append(out, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		default:
			if op, ok := matchOp(src[i:]); ok {
				out = append(out, token{kind: tokOp, text: op, pos: i})
				i += len(op)
				continue
			}
			return nil, fmt.Errorf("position %d: unexpected character %q", i, c)
		}
	}
	return append(out, token{kind: tokEOF, pos: len(src)}), nil
}

func matchOp(s string) (string, bool) {
	for _, op := range twoCharOps {
		if strings.HasPrefix(s, op) {
			return op, true
		}
	}
	switch s[0] {
	case '<', '>', '!':
		return s[:1], true
	}
	return "", false
}

// lexString reads a quoted literal and returns its value and consumed length.
func lexString(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case quote:
			return b.String(), i + 1, nil
		case '\\':
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("unterminated escape")
			}
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

// lexNumber returns the end of the number starting at i. A '.' belongs to the
// number only when a digit follows, so `tags.1.name` stays a path.
func lexNumber(src string, i int) int {
	j := digits(src, i)
	if j+1 < len(src) && src[j] == '.' && isDigit(src[j+1]) {
		j = digits(src, j+1)
	}
	if j < len(src) && (src[j] == 'e' || src[j] == 'E') {
		k := j + 1
		if k < len(src) && (src[k] == '+' || src[k] == '-') {
			k++
		}
		if k < len(src) && isDigit(src[k]) {
			j = digits(src, k)
		}
	}
	return j
}

func digits(src string, i int) int {
	for i < len(src) && isDigit(src[i]) {
		i++
	}
	return i
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isIdentStart(b byte) bool {
	return b == '_' || b == '$' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
