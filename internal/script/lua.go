// Package script evaluates rule script predicates in a sandboxed Lua state.
//
// A predicate is a Lua chunk that either returns a boolean or returns a
// function which receives the input table and returns a boolean:
//
//	return function(values) return values.params.plan == "pro" end
//
// The input table is also bound to the global `values`, so a bare
// expression such as `values.user.age > 30` is accepted too.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shopify/go-lua"
)

var (
	ErrEmptyScript = errors.New("empty script")
	ErrNotBoolean  = errors.New("script did not return a boolean")
)

// Globals removed from every state before a predicate runs.
var blockedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage", "print"}

type LuaEvaluator struct {
	timeout time.Duration
}

func NewLuaEvaluator(timeout time.Duration) *LuaEvaluator {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &LuaEvaluator{timeout: timeout}
}

// Evaluate runs source against input in a fresh state on its own goroutine.
// A script that outlives the timeout is interrupted and reported as an error.
func (e *LuaEvaluator) Evaluate(ctx context.Context, source string, input []byte) (bool, error) {
	if strings.TrimSpace(source) == "" {
		return false, ErrEmptyScript
	}
	var doc any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &doc); err != nil {
			return false, fmt.Errorf("decode script input: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("script panic: %v", r)}
			}
		}()
		ok, err := run(ctx, source, doc)
		done <- result{ok: ok, err: err}
	}()

	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, fmt.Errorf("script evaluation: %w", ctx.Err())
	}
}

// hookInterval is the number of instructions between cancellation checks.
const hookInterval = 1000

func run(ctx context.Context, source string, input any) (bool, error) {
	l := sandbox()
	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		if err := ctx.Err(); err != nil {
			lua.Errorf(l, "script interrupted: %s", err.Error())
		}
	}, lua.MaskCount, hookInterval)

	push(l, input)
	l.SetGlobal("values")

	if err := lua.LoadString(l, source); err != nil {
		// accept a bare expression the way an interactive Lua prompt does
		l.SetTop(0)
		if err2 := lua.LoadString(l, "return "+source); err2 != nil {
			return false, fmt.Errorf("load script: %w", err)
		}
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		return false, fmt.Errorf("run script: %w", err)
	}

	if l.IsFunction(-1) {
		push(l, input)
		if err := l.ProtectedCall(1, 1, 0); err != nil {
			return false, fmt.Errorf("call script function: %w", err)
		}
	}
	if l.TypeOf(-1) != lua.TypeBoolean {
		return false, fmt.Errorf("%w: got %s", ErrNotBoolean, lua.TypeNameOf(l, -1))
	}
	return l.ToBoolean(-1), nil
}

func sandbox() *lua.State {
	l := lua.NewState()
	for _, lib := range []lua.RegistryFunction{
		{Name: "_G", Function: lua.BaseOpen},
		{Name: "string", Function: lua.StringOpen},
		{Name: "table", Function: lua.TableOpen},
		{Name: "math", Function: lua.MathOpen},
	} {
		lua.Require(l, lib.Name, lib.Function, true)
		l.Pop(1)
	}
	for _, name := range blockedGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}
	return l
}

// push converts a decoded JSON value onto the Lua stack.
func push(l *lua.State, v any) {
	switch x := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(x)
	case float64:
		l.PushNumber(x)
	case string:
		l.PushString(x)
	case []any:
		l.CreateTable(len(x), 0)
		for i, item := range x {
			push(l, item)
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.CreateTable(0, len(x))
		for k, item := range x {
			push(l, item)
			l.SetField(-2, k)
		}
	default:
		l.PushString(fmt.Sprint(x))
	}
}
