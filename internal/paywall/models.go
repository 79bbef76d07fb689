package paywall

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventData is a fired event. It is immutable once created.
type EventData struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Parameters Params    `json:"parameters"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewEvent(name string, params Params) EventData {
	return EventData{
		ID:         uuid.NewString(),
		Name:       name,
		Parameters: params.Clone(),
		CreatedAt:  time.Now().UTC(),
	}
}

// Trigger is the configured hook for one event name.
type Trigger struct {
	EventName string `json:"event_name" yaml:"event_name"`
	Rules     []Rule `json:"rules" yaml:"rules"`
}

// Validate reports the first malformed rule. A trigger holding one is never matched.
func (t Trigger) Validate() error {
	seen := make(map[string]struct{}, len(t.Rules))
	for i, r := range t.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("trigger %q rule %d: %w", t.EventName, i, err)
		}
		if _, dup := seen[r.Key]; dup {
			return fmt.Errorf("trigger %q: duplicate rule key %q: %w", t.EventName, r.Key, ErrConfiguration)
		}
		seen[r.Key] = struct{}{}
	}
	return nil
}

type PredicateKind int

const (
	PredicateNone PredicateKind = iota
	PredicateExpression
	PredicateScript
)

// Occurrence throttles how many times a rule may fire.
type Occurrence struct {
	MaxCount int `json:"max_count" yaml:"max_count"`
}

type Rule struct {
	Key               string      `json:"key" yaml:"key"`
	Expression        *string     `json:"expression,omitempty" yaml:"expression,omitempty"`
	ScriptPredicate   *string     `json:"script_predicate,omitempty" yaml:"script_predicate,omitempty"`
	Occurrence        *Occurrence `json:"occurrence,omitempty" yaml:"occurrence,omitempty"`
	VariantCandidates []Variant   `json:"variants" yaml:"variants"`
}

func (r Rule) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("rule key is required: %w", ErrConfiguration)
	}
	if r.Expression != nil && r.ScriptPredicate != nil {
		return fmt.Errorf("rule %q sets both expression and script predicate: %w", r.Key, ErrConfiguration)
	}
	if r.Occurrence != nil && r.Occurrence.MaxCount < 0 {
		return fmt.Errorf("rule %q has negative max count: %w", r.Key, ErrConfiguration)
	}
	if len(r.VariantCandidates) == 0 {
		return fmt.Errorf("rule %q has no variants: %w", r.Key, ErrConfiguration)
	}
	for _, v := range r.VariantCandidates {
		if v.Type == VariantTreatment && v.PaywallIdentifier == "" {
			return fmt.Errorf("rule %q treatment %q has no paywall: %w", r.Key, v.ID, ErrConfiguration)
		}
	}
	return nil
}

// PredicateKind assumes a validated rule.
func (r Rule) PredicateKind() PredicateKind {
	switch {
	case r.Expression != nil:
		return PredicateExpression
	case r.ScriptPredicate != nil:
		return PredicateScript
	default:
		return PredicateNone
	}
}

type VariantType string

const (
	VariantTreatment VariantType = "TREATMENT"
	VariantHoldout   VariantType = "HOLDOUT"
)

// Variant is either a treatment showing PaywallIdentifier or a holdout showing nothing.
// Percentage is the selection weight.
type Variant struct {
	Type              VariantType `json:"variant_type" yaml:"variant_type"`
	ID                string      `json:"id" yaml:"id"`
	PaywallIdentifier string      `json:"paywall_identifier,omitempty" yaml:"paywall_identifier,omitempty"`
	Percentage        int         `json:"percentage,omitempty" yaml:"percentage,omitempty"`
}

// Normalize maps unknown variant types to holdout.
func (v Variant) Normalize() Variant {
	if v.Type != VariantTreatment {
		v.Type = VariantHoldout
		v.PaywallIdentifier = ""
	}
	return v
}

// Same compares the identity of two variants, ignoring weights.
func (v Variant) Same(o Variant) bool {
	return v.Type == o.Type && v.ID == o.ID && v.PaywallIdentifier == o.PaywallIdentifier
}

type Assignment struct {
	RuleKey   string  `json:"rule_key"`
	Variant   Variant `json:"variant"`
	Confirmed bool    `json:"confirmed"`
}

type Product struct {
	Identifier string `json:"identifier" yaml:"identifier"`
	Type       string `json:"type,omitempty" yaml:"type,omitempty"`
}

// PaywallConfig describes a paywall known ahead of any trigger. It is the
// catalog entry used for preloading and for building payloads without a
// remote paywall service.
type PaywallConfig struct {
	Identifier            string                `json:"identifier" yaml:"identifier"`
	Name                  string                `json:"name,omitempty" yaml:"name,omitempty"`
	URL                   string                `json:"url,omitempty" yaml:"url,omitempty"`
	PresentationCondition PresentationCondition `json:"presentation_condition,omitempty" yaml:"presentation_condition,omitempty"`
	Style                 Style                 `json:"presentation_style,omitempty" yaml:"presentation_style,omitempty"`
	Products              []Product             `json:"products,omitempty" yaml:"products,omitempty"`
}

// Payload renders the catalog entry. An unset condition checks the subscription.
func (p PaywallConfig) Payload() Payload {
	cond := p.PresentationCondition
	if cond == "" {
		cond = ConditionCheckUserSubscription
	}
	return Payload{
		Identifier:            p.Identifier,
		Name:                  p.Name,
		URL:                   p.URL,
		Products:              append([]Product(nil), p.Products...),
		PresentationCondition: cond,
		Style:                 p.Style,
	}
}

// Config is the immutable trigger configuration snapshot.
type Config struct {
	Triggers map[string]Trigger
	Paywalls []PaywallConfig
	LoadedAt time.Time
}

// NewConfig indexes triggers by event name; a later trigger for the same name replaces an earlier one.
func NewConfig(triggers []Trigger, paywalls []PaywallConfig) *Config {
	c := &Config{
		Triggers: make(map[string]Trigger, len(triggers)),
		Paywalls: paywalls,
		LoadedAt: time.Now().UTC(),
	}
	for _, t := range triggers {
		rules := make([]Rule, len(t.Rules))
		for i, r := range t.Rules {
			variants := make([]Variant, len(r.VariantCandidates))
			for j, v := range r.VariantCandidates {
				variants[j] = v.Normalize()
			}
			r.VariantCandidates = variants
			rules[i] = r
		}
		t.Rules = rules
		c.Triggers[t.EventName] = t
	}
	return c
}

func (c *Config) Paywall(identifier string) (PaywallConfig, bool) {
	if c == nil {
		return PaywallConfig{}, false
	}
	for _, p := range c.Paywalls {
		if p.Identifier == identifier {
			return p, true
		}
	}
	return PaywallConfig{}, false
}

func (c *Config) Trigger(eventName string) (Trigger, bool) {
	if c == nil {
		return Trigger{}, false
	}
	t, ok := c.Triggers[eventName]
	return t, ok
}

type PresentationCondition string

const (
	ConditionAlways                PresentationCondition = "ALWAYS"
	ConditionCheckUserSubscription PresentationCondition = "CHECK_USER_SUBSCRIPTION"
)

type Style string

const (
	StyleNone       Style = ""
	StyleModal      Style = "MODAL"
	StyleFullscreen Style = "FULLSCREEN"
	StylePush       Style = "PUSH"
	StyleDrawer     Style = "DRAWER"
)

// Payload is the built, presentable content of a paywall.
type Payload struct {
	Identifier            string                `json:"identifier"`
	Name                  string                `json:"name"`
	URL                   string                `json:"url"`
	Products              []Product             `json:"products"`
	PresentationCondition PresentationCondition `json:"presentation_condition"`
	Style                 Style                 `json:"presentation_style"`
}
