// Package expression evaluates boolean rule expressions such as
// `params.plan == "pro" && user.sessions >= 3` over the read-only
// namespaces params, user and device. Identifiers that do not resolve
// evaluate to null, which is falsy; they never produce an error.
package expression

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
)

// Namespaces readable from an expression.
var Namespaces = []string{"params", "user", "device"}

// Env is the JSON document expressions are evaluated against.
type Env struct {
	doc gjson.Result
}

func NewEnv(doc []byte) *Env {
	return &Env{doc: gjson.ParseBytes(doc)}
}

// Evaluator compiles and caches expressions by source text.
type Evaluator struct {
	compiled *lru.Cache[string, Node]
}

func NewEvaluator(cacheSize int) *Evaluator {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, _ := lru.New[string, Node](cacheSize)
	return &Evaluator{compiled: c}
}

// Evaluate reports the truthiness of source against env. Only syntax errors are returned.
func (e *Evaluator) Evaluate(source string, env *Env) (bool, error) {
	n, ok := e.compiled.Get(source)
	if !ok {
		var err error
		n, err = Compile(source)
		if err != nil {
			return false, fmt.Errorf("compile %q: %w", source, err)
		}
		e.compiled.Add(source, n)
	}
	return truthy(n.eval(env)), nil
}

func (l literal) eval(*Env) any { return l.v }

func (p path) eval(env *Env) any {
	allowed := false
	for _, ns := range Namespaces {
		if p.root == ns {
			allowed = true
			break
		}
	}
	if !allowed || env == nil {
		return nil
	}
	cur := env.doc.Get(escapePath(p.root))
	for _, s := range p.segments {
		if !cur.Exists() {
			return nil
		}
		cur = cur.Get(escapePath(s))
	}
	if !cur.Exists() {
		return nil
	}
	return cur.Value()
}

func (u unary) eval(env *Env) any {
	return !truthy(u.x.eval(env))
}

func (b binary) eval(env *Env) any {
	switch b.op {
	case "&&":
		return truthy(b.l.eval(env)) && truthy(b.r.eval(env))
	case "||":
		return truthy(b.l.eval(env)) || truthy(b.r.eval(env))
	}

	l, r := b.l.eval(env), b.r.eval(env)
	switch b.op {
	case "==":
		return equal(l, r)
	case "!=":
		return !equal(l, r)
	}

	cmp, ok := compare(l, r)
	if !ok {
		return false
	}
	switch b.op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func equal(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	default:
		return false
	}
}

// compare orders two numbers or two strings; any other pairing is unordered.
func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`,
	`@`, `\@`, `!`, `\!`, `=`, `\=`, `<`, `\<`, `>`, `\>`, `%`, `\%`,
)

func escapePath(s string) string { return pathEscaper.Replace(s) }
