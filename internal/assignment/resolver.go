package assignment

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"paywall-trigger-engine/internal/engine"
	"paywall-trigger-engine/internal/observability"
	"paywall-trigger-engine/internal/paywall"
	"paywall-trigger-engine/internal/storage"
)

type Kind int

const (
	NoMatch Kind = iota
	Holdout
	Treatment
)

func (k Kind) String() string {
	switch k {
	case Holdout:
		return "holdout"
	case Treatment:
		return "treatment"
	default:
		return "no_match"
	}
}

// Resolved is the variant decision for one matched rule.
type Resolved struct {
	Kind    Kind
	RuleKey string
	Variant paywall.Variant
}

// PaywallIdentifier is empty unless Kind is Treatment.
func (r Resolved) PaywallIdentifier() string {
	if r.Kind != Treatment {
		return ""
	}
	return r.Variant.PaywallIdentifier
}

// UserIDProvider supplies the identity variants are keyed on.
type UserIDProvider interface {
	UserID() string
}

// Resolver maps a matched rule to a durable, confirmed variant.
type Resolver struct {
	store    storage.Store
	users    UserIDProvider
	selector Selector

	mu sync.Mutex
}

func NewResolver(store storage.Store, users UserIDProvider, selector Selector) *Resolver {
	if selector == nil {
		selector = WeightedSelector{}
	}
	return &Resolver{store: store, users: users, selector: selector}
}

// Resolve returns the confirmed variant for out's rule, selecting and
// persisting one on first use. A confirmed assignment is never replaced.
func (r *Resolver) Resolve(ctx context.Context, out engine.Outcome) (Resolved, error) {
	if !out.Matched() {
		return Resolved{Kind: NoMatch}, nil
	}
	rule := out.Rule

	r.mu.Lock()
	defer r.mu.Unlock()

	userID := r.users.UserID()
	existing, ok, err := r.load(ctx, userID, rule.Key)
	if err != nil {
		return Resolved{}, err
	}
	if ok && existing.Confirmed {
		observability.Assignments.WithLabelValues("existing").Inc()
		return resolved(rule.Key, existing.Variant), nil
	}

	variant, err := r.selector.Select(userID, *rule)
	if err != nil {
		observability.Assignments.WithLabelValues("error").Inc()
		return Resolved{}, fmt.Errorf("select variant for %s: %w", rule.Key, err)
	}

	chosen, err := r.confirm(ctx, userID, rule.Key, variant)
	if err != nil {
		observability.Assignments.WithLabelValues("error").Inc()
		return Resolved{}, err
	}
	observability.Assignments.WithLabelValues("confirmed").Inc()
	return resolved(rule.Key, chosen), nil
}

// Peek is Resolve without persisting anything.
func (r *Resolver) Peek(ctx context.Context, out engine.Outcome) (Resolved, error) {
	if !out.Matched() {
		return Resolved{Kind: NoMatch}, nil
	}
	userID := r.users.UserID()
	existing, ok, err := r.load(ctx, userID, out.Rule.Key)
	if err != nil {
		return Resolved{}, err
	}
	if ok && existing.Confirmed {
		return resolved(out.Rule.Key, existing.Variant), nil
	}
	variant, err := r.selector.Select(userID, *out.Rule)
	if err != nil {
		return Resolved{}, fmt.Errorf("select variant for %s: %w", out.Rule.Key, err)
	}
	return resolved(out.Rule.Key, variant), nil
}

// Confirm records variant for ruleKey if nothing is confirmed yet. Confirming
// the same variant again is a no-op; a different one is a conflict and the
// existing assignment wins.
func (r *Resolver) Confirm(ctx context.Context, ruleKey string, variant paywall.Variant) (paywall.Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirm(ctx, r.users.UserID(), ruleKey, variant)
}

func (r *Resolver) confirm(ctx context.Context, userID, ruleKey string, variant paywall.Variant) (paywall.Variant, error) {
	existing, ok, err := r.load(ctx, userID, ruleKey)
	if err != nil {
		return paywall.Variant{}, err
	}
	if ok && existing.Confirmed {
		if !existing.Variant.Same(variant) {
			log.Warn().Err(paywall.ErrAssignmentConflict).Str("rule_key", ruleKey).
				Str("existing", existing.Variant.ID).Str("attempted", variant.ID).Msg("keeping confirmed assignment")
		}
		return existing.Variant, nil
	}

	a := paywall.Assignment{RuleKey: ruleKey, Variant: variant, Confirmed: true}
	if err := storage.SetJSON(ctx, r.store, storage.AssignmentKey(userID, ruleKey), a); err != nil {
		return paywall.Variant{}, fmt.Errorf("save assignment %s: %w", ruleKey, err)
	}
	log.Debug().Str("rule_key", ruleKey).Str("variant", variant.ID).Str("type", string(variant.Type)).Msg("assignment confirmed")
	return variant, nil
}

// Assignment returns the current user's stored assignment for ruleKey, if any.
func (r *Resolver) Assignment(ctx context.Context, ruleKey string) (paywall.Assignment, bool, error) {
	return r.load(ctx, r.users.UserID(), ruleKey)
}

func (r *Resolver) load(ctx context.Context, userID, ruleKey string) (paywall.Assignment, bool, error) {
	var a paywall.Assignment
	ok, err := storage.GetJSON(ctx, r.store, storage.AssignmentKey(userID, ruleKey), &a)
	if err != nil {
		return a, false, fmt.Errorf("load assignment %s: %w", ruleKey, err)
	}
	return a, ok, nil
}

func resolved(ruleKey string, v paywall.Variant) Resolved {
	kind := Holdout
	if v.Type == paywall.VariantTreatment {
		kind = Treatment
	}
	return Resolved{Kind: kind, RuleKey: ruleKey, Variant: v}
}
