package presentation

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"paywall-trigger-engine/internal/artifact"
	"paywall-trigger-engine/internal/assignment"
	"paywall-trigger-engine/internal/engine"
	"paywall-trigger-engine/internal/paywall"
)

// decision is what rule matching and assignment settled on for a request.
type decision struct {
	identifier string
	variantID  string
	outcome    engine.Outcome
	commit     bool
}

// displayed is the presentation currently on screen.
type displayed struct {
	req      Request
	artifact *artifact.Artifact
	decision decision
}

// Coordinator runs presentation requests from trigger to dismissal. Its
// mutex-guarded state is only touched briefly; rule evaluation, builds, host
// calls and store I/O happen outside the lock.
type Coordinator struct {
	rules    RuleEngine
	assigner Assigner
	cache    *artifact.Cache
	host     Host
	policy   Policy
	queue    *DelayQueue

	mu       sync.Mutex
	ready    bool
	reserved string
	current  *displayed

	containerMu sync.Mutex
	container   Presenter
}

func NewCoordinator(rules RuleEngine, assigner Assigner, cache *artifact.Cache, host Host, policy Policy) *Coordinator {
	return &Coordinator{
		rules:    rules,
		assigner: assigner,
		cache:    cache,
		host:     host,
		policy:   policy,
		queue:    &DelayQueue{},
	}
}

// Present starts req and returns a handle following its states. Requests
// arriving before SetReady, or while delayed requests are still replaying,
// are held and decided in arrival order.
func (c *Coordinator) Present(ctx context.Context, req Request) *Handle {
	req.handle = newHandle(req.Info)
	h := req.handle
	ctx = context.WithoutCancel(ctx)

	if c.queue.Enqueue(req) {
		log.Debug().Str("request_id", h.ID).Str("info", req.Info.String()).Msg("presentation delayed until ready")
		return h
	}

	go c.run(ctx, req)
	return h
}

// SetReady clears the readiness precondition and replays delayed requests in
// the background. New requests queue behind the replay until it finishes.
func (c *Coordinator) SetReady() {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = true
	c.mu.Unlock()

	go c.queue.Flush(func(req Request) {
		c.run(context.Background(), req)
	})
}

func (c *Coordinator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Active returns the artifact on screen, if any.
func (c *Coordinator) Active() (*artifact.Artifact, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, "", false
	}
	return c.current.artifact, c.current.req.handle.ID, true
}

// run drives req to its decision. It returns once a decision state is emitted.
func (c *Coordinator) run(ctx context.Context, req Request) {
	h := req.handle

	d, skip := c.decide(ctx, req)
	if skip != nil {
		h.emit(*skip)
		return
	}

	cached := !req.uncached && !c.policy.DebugMode
	a, err := c.cache.GetOrBuild(ctx, d.identifier, cached, req.Overrides.Products)
	if err != nil {
		h.emit(skipped(paywall.SkipBuildError, d, err))
		return
	}

	// already presenting
	c.mu.Lock()
	busy := c.reserved != "" || c.current != nil
	canSupersede := req.Overrides.Supersede && c.reserved == "" && c.current != nil
	c.mu.Unlock()
	if busy && !canSupersede {
		h.emit(skipped(paywall.SkipAlreadyPresenting, d, nil))
		return
	}

	// subscription
	checkSubscription := !req.Overrides.IgnoreSubscriptionStatus && !c.policy.DebugMode &&
		a.Condition() != paywall.ConditionAlways
	if checkSubscription && c.host.IsUserSubscribed(ctx) {
		h.emit(skipped(paywall.SkipUserIsSubscribed, d, nil))
		return
	}

	// presenter
	presenter := c.host.ResolvePresenter(req.Presenter)
	if presenter == nil {
		presenter = c.defaultContainer(ctx)
	}
	if presenter == nil {
		h.emit(c.noPresenter(d))
		return
	}

	// reserve the slot; occurrence limits are re-checked while it is held
	c.mu.Lock()
	if c.reserved != "" || (c.current != nil && !req.Overrides.Supersede) {
		c.mu.Unlock()
		h.emit(skipped(paywall.SkipAlreadyPresenting, d, nil))
		return
	}
	c.reserved = h.ID
	c.mu.Unlock()

	if d.commit {
		if err := c.rules.CheckOccurrence(ctx, d.outcome); err != nil {
			c.release()
			reason := paywall.SkipNoMatch
			if errors.Is(err, paywall.ErrOccurrenceExceeded) {
				reason = paywall.SkipOccurrenceExceeded
			}
			h.emit(skipped(reason, d, err))
			return
		}
	}

	c.mu.Lock()
	previous := c.current
	c.current = nil
	c.mu.Unlock()
	if previous != nil {
		c.finish(previous, paywall.DismissResult{State: paywall.DismissClosed, CloseReason: paywall.CloseForNextPaywall})
	}

	style := req.Overrides.Style
	if style == paywall.StyleNone {
		style = a.Style()
	}
	if err := c.activate(ctx, presenter, a, style); err != nil {
		c.release()
		reason := paywall.SkipPresentationFailed
		if errors.Is(err, paywall.ErrAlreadyPresenting) {
			reason = paywall.SkipAlreadyPresenting
		}
		h.emit(skipped(reason, d, err))
		return
	}

	if d.commit {
		if err := c.rules.Commit(ctx, d.outcome); err != nil {
			log.Error().Err(err).Str("request_id", h.ID).Msg("occurrence not recorded")
		}
	}

	// Presented must reach the handle before a dismissal can find it.
	c.mu.Lock()
	c.reserved = ""
	c.current = &displayed{req: req, artifact: a, decision: d}
	h.emit(presented(d.identifier, d.variantID))
	c.mu.Unlock()
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.reserved = ""
	c.mu.Unlock()
}

func (c *Coordinator) activate(ctx context.Context, p Presenter, a *artifact.Artifact, style paywall.Style) error {
	if err := c.cache.Activate(a); err != nil {
		return err
	}
	if err := p.Present(ctx, a, style); err != nil {
		c.cache.Deactivate(a)
		return err
	}
	return nil
}

// decide turns the request into a paywall identifier or a skip state.
func (c *Coordinator) decide(ctx context.Context, req Request) (decision, *paywall.PaywallState) {
	if req.reuse != nil {
		d := *req.reuse
		d.commit = false
		return d, nil
	}

	switch req.Info.Kind {
	case paywall.FromIdentifier:
		return decision{identifier: req.Info.Identifier}, nil
	case paywall.FromDefault:
		if c.policy.DefaultPaywall == "" {
			s := skipped(paywall.SkipNoPaywall, decision{}, nil)
			return decision{}, &s
		}
		return decision{identifier: c.policy.DefaultPaywall}, nil
	}

	d, skip := c.evaluate(ctx, req.Info.Event, engine.Live)
	if skip != nil {
		return d, skip
	}

	res, err := c.assigner.Resolve(ctx, d.outcome)
	if err != nil {
		s := skipped(paywall.SkipAssignmentError, d, err)
		return d, &s
	}
	return c.fromResolved(d, res)
}

// evaluate runs rule matching for event.
func (c *Coordinator) evaluate(ctx context.Context, event paywall.EventData, mode engine.Mode) (decision, *paywall.PaywallState) {
	var d decision
	cfg, _ := c.rules.Config()
	trigger, ok := cfg.Trigger(event.Name)
	if !ok {
		s := skipped(paywall.SkipEventNotFound, d, nil)
		return d, &s
	}

	out, err := c.rules.Evaluate(ctx, trigger, event, mode)
	if err != nil {
		s := skipped(paywall.SkipNoMatch, d, err)
		return d, &s
	}
	d.outcome = out
	switch {
	case !out.Matched():
		s := skipped(paywall.SkipNoMatch, d, nil)
		return d, &s
	case !out.Fires:
		s := skipped(paywall.SkipOccurrenceExceeded, d, nil)
		return d, &s
	}
	d.commit = mode == engine.Live
	return d, nil
}

func (c *Coordinator) fromResolved(d decision, res assignment.Resolved) (decision, *paywall.PaywallState) {
	d.variantID = res.Variant.ID
	switch res.Kind {
	case assignment.Holdout:
		s := skipped(paywall.SkipHoldout, d, nil)
		return d, &s
	case assignment.NoMatch:
		s := skipped(paywall.SkipNoMatch, d, nil)
		return d, &s
	}
	d.identifier = res.PaywallIdentifier()
	if d.identifier == "" {
		s := skipped(paywall.SkipNoPaywall, d, nil)
		return d, &s
	}
	return d, nil
}

// noPresenter reports a missing presenter only while nothing is shown;
// otherwise the request is cancelled.
func (c *Coordinator) noPresenter(d decision) paywall.PaywallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	idle := c.current == nil && c.reserved == ""
	if idle || c.policy.ReportNoPresenterWhileBusy {
		return skipped(paywall.SkipNoPresenter, d, paywall.ErrNoPresenter)
	}
	return paywall.PaywallState{Kind: paywall.StateCancelled, Identifier: d.identifier, VariantID: d.variantID}
}

// defaultContainer creates the fallback presenter once. Failures are retried
// on the next request.
func (c *Coordinator) defaultContainer(ctx context.Context) Presenter {
	c.containerMu.Lock()
	defer c.containerMu.Unlock()
	if c.container != nil {
		return c.container
	}
	p, err := c.host.CreateDefaultContainer(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("default container unavailable")
		return nil
	}
	c.container = p
	return p
}

// Dismiss closes the displayed paywall. A failed purchase may present it again.
func (c *Coordinator) Dismiss(ctx context.Context, result paywall.DismissResult) (Dismissal, error) {
	if result.State == "" {
		result.State = paywall.DismissClosed
	}
	if result.CloseReason == "" {
		result.CloseReason = paywall.CloseNone
	}

	c.mu.Lock()
	cur := c.current
	c.current = nil
	c.mu.Unlock()
	if cur == nil {
		return Dismissal{}, paywall.ErrNotPresenting
	}

	c.finish(cur, result)
	out := Dismissal{RequestID: cur.req.handle.ID, Identifier: cur.decision.identifier, Result: result}

	if result.State == paywall.DismissPurchaseFailed && c.policy.RetryOnPurchaseFailure {
		c.cache.RemoveArtifact(cur.artifact)
		next := Request{Info: cur.req.Info, Presenter: cur.req.Presenter, Overrides: cur.req.Overrides, uncached: true}
		if !c.policy.CountOccurrenceOnRetry || cur.req.Info.Kind != paywall.FromEvent {
			d := cur.decision
			next.reuse = &d
		}
		out.Next = c.Present(ctx, next)
		log.Info().Str("request_id", out.RequestID).Str("next_request_id", out.Next.ID).
			Str("paywall", out.Identifier).Msg("presenting again after failed purchase")
	}
	return out, nil
}

func (c *Coordinator) finish(d *displayed, result paywall.DismissResult) {
	c.cache.Deactivate(d.artifact)
	d.req.handle.emit(paywall.PaywallState{
		Kind:       paywall.StateDismissed,
		Identifier: d.decision.identifier,
		VariantID:  d.decision.variantID,
		Dismissal:  result,
	})
}

// DryResult is what presenting would do right now.
type DryResult struct {
	State      paywall.PaywallState
	RuleKey    string
	Identifier string
	VariantID  string
}

// DryRun evaluates info without presenting or recording anything.
func (c *Coordinator) DryRun(ctx context.Context, info paywall.PresentationInfo) (DryResult, error) {
	switch info.Kind {
	case paywall.FromIdentifier:
		return DryResult{State: presented(info.Identifier, ""), Identifier: info.Identifier}, nil
	case paywall.FromDefault:
		if c.policy.DefaultPaywall == "" {
			return DryResult{State: skipped(paywall.SkipNoPaywall, decision{}, nil)}, nil
		}
		return DryResult{State: presented(c.policy.DefaultPaywall, ""), Identifier: c.policy.DefaultPaywall}, nil
	}

	d, skip := c.evaluate(ctx, info.Event, engine.Preemptive)
	out := DryResult{}
	if d.outcome.Rule != nil {
		out.RuleKey = d.outcome.Rule.Key
	}
	if skip != nil {
		out.State = *skip
		return out, nil
	}

	res, err := c.assigner.Peek(ctx, d.outcome)
	if err != nil {
		return out, err
	}
	d, skip = c.fromResolved(d, res)
	out.VariantID = d.variantID
	if skip != nil {
		out.State = *skip
		return out, nil
	}
	out.Identifier = d.identifier
	out.State = presented(d.identifier, d.variantID)
	return out, nil
}

func skipped(reason paywall.SkipReason, d decision, err error) paywall.PaywallState {
	return paywall.PaywallState{
		Kind:       paywall.StateSkipped,
		Reason:     reason,
		Err:        err,
		Identifier: d.identifier,
		VariantID:  d.variantID,
	}
}

func presented(identifier, variantID string) paywall.PaywallState {
	return paywall.PaywallState{Kind: paywall.StatePresented, Identifier: identifier, VariantID: variantID}
}
