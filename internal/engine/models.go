package engine

import (
	"context"

	"paywall-trigger-engine/internal/paywall"
)

// Mode selects whether an evaluation may later be committed.
type Mode int

const (
	// Live evaluations can be committed once the presentation is final.
	Live Mode = iota
	// Preemptive evaluations are dry runs and never touch durable state.
	Preemptive
)

func (m Mode) String() string {
	if m == Preemptive {
		return "preemptive"
	}
	return "live"
}

// Outcome is the result of matching an event against a trigger.
// Rule is nil when nothing matched.
type Outcome struct {
	EventName string
	Rule      *paywall.Rule
	Fires     bool
	Count     int
	Mode      Mode
}

func (o Outcome) Matched() bool { return o.Rule != nil }

// ScriptEvaluator runs a script predicate against a JSON input. It must be side-effect free.
type ScriptEvaluator interface {
	Evaluate(ctx context.Context, source string, input []byte) (bool, error)
}

// Attributes supplies the current user id and the `user` and `device` namespaces.
type Attributes interface {
	UserID() string
	Attributes(ctx context.Context) (map[string]any, error)
	Device() map[string]any
}

// ConfigSource loads a full trigger configuration.
type ConfigSource interface {
	LoadConfig(ctx context.Context) (*paywall.Config, error)
}
