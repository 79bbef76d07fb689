package paywall

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration      = errors.New("configuration error")
	ErrAssignmentConflict = errors.New("assignment conflict")
	ErrNoPresenter        = errors.New("no presenter")
	ErrAlreadyPresenting  = errors.New("paywall already presenting")
	ErrNotPresenting      = errors.New("no paywall is presenting")
	ErrOccurrenceExceeded = errors.New("occurrence limit reached")
)

// EvaluationError is a failed predicate evaluation. It never escapes as a caller error; the rule just does not match.
type EvaluationError struct {
	RuleKey string
	Kind    PredicateKind
	Err     error
}

func (e *EvaluationError) Error() string {
	kind := "expression"
	if e.Kind == PredicateScript {
		kind = "script"
	}
	return fmt.Sprintf("evaluation error for rule '%s' (%s): %v", e.RuleKey, kind, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// BuildError is a failed artifact build.
type BuildError struct {
	Identifier string
	Err        error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build paywall %q: %v", e.Identifier, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
