package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"paywall-trigger-engine/internal/cache"
	"paywall-trigger-engine/internal/expression"
	"paywall-trigger-engine/internal/observability"
	"paywall-trigger-engine/internal/paywall"
	"paywall-trigger-engine/internal/storage"
)

// RuleEngine matches events against triggers and tracks rule occurrences.
type RuleEngine struct {
	snap cache.Snapshot[*paywall.Config]

	store  storage.Store
	attrs  Attributes
	exprs  *expression.Evaluator
	script ScriptEvaluator

	mu        sync.Mutex // serializes counter read-modify-write
	listeners []func(*paywall.Config)
}

func NewRuleEngine(store storage.Store, attrs Attributes, script ScriptEvaluator) *RuleEngine {
	return &RuleEngine{
		store:  store,
		attrs:  attrs,
		exprs:  expression.NewEvaluator(512),
		script: script,
	}
}

// OnConfig registers fn to run after every successful snapshot swap.
func (e *RuleEngine) OnConfig(fn func(*paywall.Config)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// BuildSnapshot loads the trigger configuration and swaps it in wholesale.
func (e *RuleEngine) BuildSnapshot(ctx context.Context, src ConfigSource) error {
	cfg, err := src.LoadConfig(ctx)
	if err != nil {
		return err
	}
	e.SetConfig(cfg)
	return nil
}

func (e *RuleEngine) SetConfig(cfg *paywall.Config) {
	invalid := 0
	for name, t := range cfg.Triggers {
		if err := t.Validate(); err != nil {
			invalid++
			log.Error().Err(err).Str("event", name).Msg("trigger disabled by configuration error")
		}
	}
	e.snap.Store(cfg)
	observability.ConfiguredTriggers.Set(float64(len(cfg.Triggers) - invalid))
	log.Info().Int("triggers", len(cfg.Triggers)).Int("invalid", invalid).Int("paywalls", len(cfg.Paywalls)).
		Msg("trigger configuration loaded")

	e.mu.Lock()
	listeners := append([]func(*paywall.Config){}, e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Config returns the current snapshot; ok is false until the first load.
func (e *RuleEngine) Config() (*paywall.Config, bool) {
	return e.snap.Load()
}

func (e *RuleEngine) Ready() bool {
	_, ok := e.snap.Load()
	return ok
}

// Evaluate selects the first rule of trigger whose predicate matches event and
// decides whether it fires. It never writes; see Commit.
func (e *RuleEngine) Evaluate(ctx context.Context, trigger paywall.Trigger, event paywall.EventData, mode Mode) (Outcome, error) {
	start := time.Now()
	out := Outcome{EventName: event.Name, Mode: mode}
	defer func() {
		observability.RuleEvaluationSeconds.Observe(time.Since(start).Seconds())
	}()

	if err := trigger.Validate(); err != nil {
		log.Debug().Err(err).Str("event", event.Name).Msg("trigger is misconfigured; never matches")
		observability.RuleOutcomes.WithLabelValues("misconfigured").Inc()
		return out, nil
	}

	var env []byte
	for i := range trigger.Rules {
		rule := &trigger.Rules[i]
		if rule.PredicateKind() != paywall.PredicateNone && env == nil {
			var err error
			if env, err = e.environment(ctx, event); err != nil {
				return out, err
			}
		}
		if !e.matches(ctx, rule, env) {
			continue
		}

		out.Rule = rule
		out.Fires = true
		if rule.Occurrence != nil {
			count, err := e.Count(ctx, rule.Key)
			if err != nil {
				return out, err
			}
			out.Count = count
			out.Fires = count < rule.Occurrence.MaxCount
		}
		break
	}

	switch {
	case !out.Matched():
		observability.RuleOutcomes.WithLabelValues("no_match").Inc()
	case !out.Fires:
		observability.RuleOutcomes.WithLabelValues("occurrence_exceeded").Inc()
	default:
		observability.RuleOutcomes.WithLabelValues("fired").Inc()
	}
	return out, nil
}

// CheckOccurrence re-reads the counter of a fired live outcome and reports
// ErrOccurrenceExceeded when the rule has used up its fires since Evaluate.
func (e *RuleEngine) CheckOccurrence(ctx context.Context, out Outcome) error {
	if !counted(out) || out.Rule.Occurrence == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.allowed(ctx, e.userID(), out.Rule)
	return err
}

// Commit records one occurrence of a fired live outcome. The increment is
// refused with ErrOccurrenceExceeded once the rule's limit is reached.
func (e *RuleEngine) Commit(ctx context.Context, out Outcome) error {
	if !counted(out) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	userID := e.userID()
	count, err := e.allowed(ctx, userID, out.Rule)
	if err != nil {
		return err
	}
	if err := storage.SetJSON(ctx, e.store, storage.OccurrenceKey(userID, out.Rule.Key), count+1); err != nil {
		return fmt.Errorf("save occurrence %s: %w", out.Rule.Key, err)
	}
	return nil
}

// allowed returns the count of rule for userID. Callers hold e.mu.
func (e *RuleEngine) allowed(ctx context.Context, userID string, rule *paywall.Rule) (int, error) {
	count, err := e.count(ctx, userID, rule.Key)
	if err != nil {
		return 0, err
	}
	if rule.Occurrence != nil && count >= rule.Occurrence.MaxCount {
		return count, fmt.Errorf("rule %s: %w", rule.Key, paywall.ErrOccurrenceExceeded)
	}
	return count, nil
}

func counted(out Outcome) bool {
	return out.Mode == Live && out.Matched() && out.Fires
}

// Count is the current user's persisted number of fires for ruleKey.
func (e *RuleEngine) Count(ctx context.Context, ruleKey string) (int, error) {
	return e.count(ctx, e.userID(), ruleKey)
}

func (e *RuleEngine) count(ctx context.Context, userID, ruleKey string) (int, error) {
	var count int
	if _, err := storage.GetJSON(ctx, e.store, storage.OccurrenceKey(userID, ruleKey), &count); err != nil {
		return 0, fmt.Errorf("load occurrence %s: %w", ruleKey, err)
	}
	return count, nil
}

func (e *RuleEngine) userID() string {
	if e.attrs == nil {
		return ""
	}
	return e.attrs.UserID()
}

func (e *RuleEngine) matches(ctx context.Context, rule *paywall.Rule, env []byte) bool {
	var (
		ok  bool
		err error
	)
	switch rule.PredicateKind() {
	case paywall.PredicateNone:
		return true
	case paywall.PredicateExpression:
		ok, err = e.exprs.Evaluate(*rule.Expression, expression.NewEnv(env))
	case paywall.PredicateScript:
		if e.script == nil {
			err = errors.New("no script evaluator configured")
			break
		}
		ok, err = e.script.Evaluate(ctx, *rule.ScriptPredicate, env)
	}
	if err != nil {
		evalErr := &paywall.EvaluationError{RuleKey: rule.Key, Kind: rule.PredicateKind(), Err: err}
		log.Warn().Err(evalErr).Str("rule_key", rule.Key).Msg("predicate failed closed")
		observability.EvaluationErrors.WithLabelValues(kindLabel(rule.PredicateKind())).Inc()
		return false
	}
	return ok
}

type envDoc struct {
	Params paywall.Params `json:"params"`
	User   map[string]any `json:"user"`
	Device map[string]any `json:"device"`
	Event  eventDoc       `json:"event"`
}

type eventDoc struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// environment renders the JSON document predicates are evaluated against.
func (e *RuleEngine) environment(ctx context.Context, event paywall.EventData) ([]byte, error) {
	doc := envDoc{
		Params: event.Parameters,
		User:   map[string]any{},
		Device: map[string]any{},
		Event:  eventDoc{ID: event.ID, Name: event.Name, CreatedAt: event.CreatedAt},
	}
	if doc.Params == nil {
		doc.Params = paywall.Params{}
	}
	if e.attrs != nil {
		attrs, err := e.attrs.Attributes(ctx)
		if err != nil {
			return nil, fmt.Errorf("load user attributes: %w", err)
		}
		if attrs != nil {
			doc.User = attrs
		}
		if device := e.attrs.Device(); device != nil {
			doc.Device = device
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode evaluation input: %w", err)
	}
	return raw, nil
}

func kindLabel(k paywall.PredicateKind) string {
	if k == paywall.PredicateScript {
		return "script"
	}
	return "expression"
}
