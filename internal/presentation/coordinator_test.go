package presentation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywall-trigger-engine/internal/artifact"
	"paywall-trigger-engine/internal/assignment"
	"paywall-trigger-engine/internal/engine"
	"paywall-trigger-engine/internal/paywall"
	"paywall-trigger-engine/internal/storage"
)

type MockPresenter struct {
	mu     sync.Mutex
	shown  []string
	styles []paywall.Style
	err    error
}

func (m *MockPresenter) Present(_ context.Context, a *artifact.Artifact, style paywall.Style) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.shown = append(m.shown, a.Identifier)
	m.styles = append(m.styles, style)
	return nil
}

func (m *MockPresenter) Shown() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.shown...)
}

type MockHost struct {
	subscribed     atomic.Bool
	presenter      Presenter
	container      Presenter
	containerErr   error
	containerCalls atomic.Int32
	// gate runs at the start of each subscription check.
	gate func()
}

func (m *MockHost) IsUserSubscribed(context.Context) bool {
	if m.gate != nil {
		m.gate()
	}
	return m.subscribed.Load()
}

func (m *MockHost) ResolvePresenter(explicit Presenter) Presenter {
	if explicit != nil {
		return explicit
	}
	return m.presenter
}

func (m *MockHost) CreateDefaultContainer(context.Context) (Presenter, error) {
	m.containerCalls.Add(1)
	if m.containerErr != nil {
		return nil, m.containerErr
	}
	return m.container, nil
}

type staticUser string

func (u staticUser) UserID() string { return string(u) }

type fixture struct {
	c         *Coordinator
	eng       *engine.RuleEngine
	cache     *artifact.Cache
	host      *MockHost
	presenter *MockPresenter
	builds    atomic.Int32
	failBuild atomic.Bool
	condition paywall.PresentationCondition
}

func ptr(s string) *string { return &s }

func treatment(paywallID string) []paywall.Variant {
	return []paywall.Variant{{Type: paywall.VariantTreatment, ID: "v_" + paywallID, PaywallIdentifier: paywallID, Percentage: 100}}
}

func holdout() []paywall.Variant {
	return []paywall.Variant{{Type: paywall.VariantHoldout, ID: "v_hold", Percentage: 100}}
}

func newFixture(t *testing.T, policy Policy, triggers ...paywall.Trigger) *fixture {
	t.Helper()
	f := &fixture{presenter: &MockPresenter{}, condition: paywall.ConditionCheckUserSubscription}
	f.host = &MockHost{presenter: f.presenter}

	store := storage.NewMemory()
	f.eng = engine.NewRuleEngine(store, nil, nil)
	f.eng.SetConfig(paywall.NewConfig(triggers, nil))

	builder := artifact.BuilderFunc(func(ctx context.Context, id string, subs []paywall.Product) (paywall.Payload, error) {
		f.builds.Add(1)
		if f.failBuild.Load() {
			return paywall.Payload{}, errors.New("template unavailable")
		}
		return paywall.Payload{Identifier: id, PresentationCondition: f.condition, Products: subs}, nil
	})
	cache, err := artifact.NewCache(builder, 8, time.Second)
	require.NoError(t, err)
	f.cache = cache

	resolver := assignment.NewResolver(store, staticUser("user-1"), nil)
	f.c = NewCoordinator(f.eng, resolver, cache, f.host, policy)
	f.c.SetReady()
	require.Eventually(t, f.c.queue.Drained, time.Second, time.Millisecond)
	return f
}

func wait(t *testing.T, h *Handle) paywall.PaywallState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := h.Wait(ctx)
	require.NoError(t, err)
	return s
}

func drain(t *testing.T, h *Handle) []paywall.PaywallState {
	t.Helper()
	var out []paywall.PaywallState
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-h.States():
			if !ok {
				return out
			}
			out = append(out, s)
		case <-timeout:
			t.Fatal("state stream did not close")
		}
	}
}

func fire(f *fixture, name string, params paywall.Params) *Handle {
	return f.c.Present(context.Background(), Request{Info: paywall.EventPresentation(paywall.NewEvent(name, params))})
}

func TestPresent_NoMatch(t *testing.T) {
	f := newFixture(t, Policy{}, paywall.Trigger{EventName: "app_open", Rules: []paywall.Rule{
		{Key: "pro_users", Expression: ptr(`params.plan == "pro"`), VariantCandidates: treatment("pw_pro")},
	}})

	h := fire(f, "app_open", nil)
	states := drain(t, h)
	require.Len(t, states, 1)
	assert.Equal(t, paywall.StateSkipped, states[0].Kind)
	assert.Equal(t, paywall.SkipNoMatch, states[0].Reason)
	assert.Equal(t, h.ID, states[0].RequestID)
	assert.Zero(t, f.builds.Load())
}

func TestPresent_OccurrenceLimit(t *testing.T) {
	f := newFixture(t, Policy{}, paywall.Trigger{EventName: "app_open", Rules: []paywall.Rule{
		{Key: "once", Occurrence: &paywall.Occurrence{MaxCount: 1}, VariantCandidates: treatment("pw_a")},
	}})
	ctx := context.Background()

	first := fire(f, "app_open", nil)
	s := wait(t, first)
	assert.Equal(t, paywall.StatePresented, s.Kind)
	assert.Equal(t, "pw_a", s.Identifier)
	assert.Equal(t, "v_pw_a", s.VariantID)

	count, err := f.eng.Count(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	d, err := f.c.Dismiss(ctx, paywall.DismissResult{State: paywall.DismissClosed})
	require.NoError(t, err)
	assert.Equal(t, first.ID, d.RequestID)
	assert.Nil(t, d.Next)

	states := drain(t, first)
	require.Len(t, states, 2)
	assert.Equal(t, paywall.StateDismissed, states[1].Kind)
	assert.Equal(t, paywall.CloseNone, states[1].Dismissal.CloseReason)

	second := fire(f, "app_open", nil)
	s = wait(t, second)
	assert.Equal(t, paywall.StateSkipped, s.Kind)
	assert.Equal(t, paywall.SkipOccurrenceExceeded, s.Reason)
	assert.Empty(t, s.VariantID)
}

func TestPresent_OccurrenceLimitRecheckedBeforePresenting(t *testing.T) {
	f := newFixture(t, Policy{}, paywall.Trigger{EventName: "app_open", Rules: []paywall.Rule{
		{Key: "once", Occurrence: &paywall.Occurrence{MaxCount: 1}, VariantCandidates: treatment("pw_a")},
	}})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	f.host.gate = func() {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}

	// both requests pass rule matching before either one is presented
	slow := fire(f, "app_open", nil)
	<-entered
	fast := fire(f, "app_open", nil)
	require.Equal(t, paywall.StatePresented, wait(t, fast).Kind)
	_, err := f.c.Dismiss(ctx, paywall.DismissResult{})
	require.NoError(t, err)

	close(release)
	s := wait(t, slow)
	assert.Equal(t, paywall.StateSkipped, s.Kind)
	assert.Equal(t, paywall.SkipOccurrenceExceeded, s.Reason)
	assert.ErrorIs(t, s.Err, paywall.ErrOccurrenceExceeded)

	count, err := f.eng.Count(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, f.presenter.Shown(), 1)
	assert.Nil(t, f.cache.Active())
}

func TestPresent_ConcurrentOnlyOnePresented(t *testing.T) {
	f := newFixture(t, Policy{})

	const n = 10
	handles := make([]*Handle, n)
	for i := range handles {
		handles[i] = f.c.Present(context.Background(), Request{Info: paywall.IdentifierPresentation("pw_a")})
	}

	presented, already := 0, 0
	for _, h := range handles {
		s := wait(t, h)
		switch {
		case s.Kind == paywall.StatePresented:
			presented++
		case s.Reason == paywall.SkipAlreadyPresenting:
			already++
		}
	}
	assert.Equal(t, 1, presented)
	assert.Equal(t, n-1, already)
	assert.Len(t, f.presenter.Shown(), 1)
	assert.NotNil(t, f.cache.Active())
}

func TestPresent_BuildErrorDoesNotCount(t *testing.T) {
	f := newFixture(t, Policy{}, paywall.Trigger{EventName: "app_open", Rules: []paywall.Rule{
		{Key: "r1", Occurrence: &paywall.Occurrence{MaxCount: 3}, VariantCandidates: treatment("pw_a")},
	}})
	f.failBuild.Store(true)

	s := wait(t, fire(f, "app_open", nil))
	assert.Equal(t, paywall.StateSkipped, s.Kind)
	assert.Equal(t, paywall.SkipBuildError, s.Reason)
	var be *paywall.BuildError
	assert.ErrorAs(t, s.Err, &be)

	count, err := f.eng.Count(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPresent_Decisions(t *testing.T) {
	triggers := []paywall.Trigger{
		{EventName: "held", Rules: []paywall.Rule{{Key: "h", VariantCandidates: holdout()}}},
		{EventName: "shown", Rules: []paywall.Rule{{Key: "s", VariantCandidates: treatment("pw_s")}}},
	}

	tests := []struct {
		name       string
		policy     Policy
		subscribed bool
		condition  paywall.PresentationCondition
		noUI       bool
		req        Request
		wantKind   paywall.StateKind
		wantReason paywall.SkipReason
		wantBuilds int32
	}{
		{
			name:     "unknown event",
			req:      Request{Info: paywall.EventPresentation(paywall.NewEvent("nope", nil))},
			wantKind: paywall.StateSkipped, wantReason: paywall.SkipEventNotFound,
		},
		{
			name:     "holdout never builds",
			req:      Request{Info: paywall.EventPresentation(paywall.NewEvent("held", nil))},
			wantKind: paywall.StateSkipped, wantReason: paywall.SkipHoldout,
		},
		{
			name:       "subscribed user",
			subscribed: true,
			req:        Request{Info: paywall.EventPresentation(paywall.NewEvent("shown", nil))},
			wantKind:   paywall.StateSkipped, wantReason: paywall.SkipUserIsSubscribed, wantBuilds: 1,
		},
		{
			name:       "subscribed user with ignore override",
			subscribed: true,
			req:        Request{Info: paywall.EventPresentation(paywall.NewEvent("shown", nil)), Overrides: Overrides{IgnoreSubscriptionStatus: true}},
			wantKind:   paywall.StatePresented, wantBuilds: 1,
		},
		{
			name:       "subscribed user and always condition",
			subscribed: true,
			condition:  paywall.ConditionAlways,
			req:        Request{Info: paywall.IdentifierPresentation("pw_x")},
			wantKind:   paywall.StatePresented, wantBuilds: 1,
		},
		{
			name:       "subscribed user in debug mode",
			policy:     Policy{DebugMode: true},
			subscribed: true,
			req:        Request{Info: paywall.IdentifierPresentation("pw_x")},
			wantKind:   paywall.StatePresented, wantBuilds: 1,
		},
		{
			name:     "default without default paywall",
			req:      Request{Info: paywall.DefaultPresentation()},
			wantKind: paywall.StateSkipped, wantReason: paywall.SkipNoPaywall,
		},
		{
			name:     "default paywall",
			policy:   Policy{DefaultPaywall: "pw_default"},
			req:      Request{Info: paywall.DefaultPresentation()},
			wantKind: paywall.StatePresented, wantBuilds: 1,
		},
		{
			name:     "no presenter",
			noUI:     true,
			req:      Request{Info: paywall.IdentifierPresentation("pw_x")},
			wantKind: paywall.StateSkipped, wantReason: paywall.SkipNoPresenter, wantBuilds: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.policy, triggers...)
			f.host.subscribed.Store(tt.subscribed)
			if tt.condition != "" {
				f.condition = tt.condition
			}
			if tt.noUI {
				f.host.presenter = nil
				f.host.containerErr = errors.New("no window")
			}

			s := wait(t, f.c.Present(context.Background(), tt.req))
			assert.Equal(t, tt.wantKind, s.Kind)
			assert.Equal(t, tt.wantReason, s.Reason)
			assert.Equal(t, tt.wantBuilds, f.builds.Load())
		})
	}
}

func TestPresent_DefaultContainerCreatedOnce(t *testing.T) {
	f := newFixture(t, Policy{})
	container := &MockPresenter{}
	f.host.presenter = nil
	f.host.container = container
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s := wait(t, f.c.Present(ctx, Request{Info: paywall.IdentifierPresentation("pw_a")}))
		require.Equal(t, paywall.StatePresented, s.Kind)
		_, err := f.c.Dismiss(ctx, paywall.DismissResult{})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, f.host.containerCalls.Load())
	assert.Len(t, container.Shown(), 3)
}

func TestPresent_ExplicitPresenterAndStyle(t *testing.T) {
	f := newFixture(t, Policy{})
	explicit := &MockPresenter{}

	s := wait(t, f.c.Present(context.Background(), Request{
		Info:      paywall.IdentifierPresentation("pw_a"),
		Presenter: explicit,
		Overrides: Overrides{Style: paywall.StyleDrawer, Products: []paywall.Product{{Identifier: "annual", Type: "primary"}}},
	}))
	require.Equal(t, paywall.StatePresented, s.Kind)
	assert.Equal(t, []string{"pw_a"}, explicit.Shown())
	assert.Empty(t, f.presenter.Shown())
	assert.Equal(t, []paywall.Style{paywall.StyleDrawer}, explicit.styles)
	assert.Equal(t, []paywall.Product{{Identifier: "annual", Type: "primary"}}, f.cache.Active().Payload().Products)
}

func TestPresent_PresenterFailure(t *testing.T) {
	f := newFixture(t, Policy{}, paywall.Trigger{EventName: "app_open", Rules: []paywall.Rule{
		{Key: "r1", VariantCandidates: treatment("pw_a")},
	}})
	f.presenter.err = errors.New("view not loaded")

	s := wait(t, fire(f, "app_open", nil))
	assert.Equal(t, paywall.SkipPresentationFailed, s.Reason)
	assert.Nil(t, f.cache.Active())

	count, err := f.eng.Count(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, count)

	f.presenter.err = nil
	s = wait(t, fire(f, "app_open", nil))
	assert.Equal(t, paywall.StatePresented, s.Kind)
}

func TestPresent_Supersede(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()

	first := f.c.Present(ctx, Request{Info: paywall.IdentifierPresentation("pw_a")})
	require.Equal(t, paywall.StatePresented, wait(t, first).Kind)

	second := f.c.Present(ctx, Request{Info: paywall.IdentifierPresentation("pw_b"), Overrides: Overrides{Supersede: true}})
	require.Equal(t, paywall.StatePresented, wait(t, second).Kind)

	states := drain(t, first)
	require.Len(t, states, 2)
	assert.Equal(t, paywall.StateDismissed, states[1].Kind)
	assert.Equal(t, paywall.CloseForNextPaywall, states[1].Dismissal.CloseReason)

	a, id, ok := f.c.Active()
	require.True(t, ok)
	assert.Equal(t, "pw_b", a.Identifier)
	assert.Equal(t, second.ID, id)
	assert.Same(t, a, f.cache.Active())
}

func TestPresent_NoPresenterWhileBusyIsCancelled(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()

	require.Equal(t, paywall.StatePresented, wait(t, f.c.Present(ctx, Request{Info: paywall.IdentifierPresentation("pw_a")})).Kind)

	f.host.presenter = nil
	f.host.containerErr = errors.New("no window")
	s := wait(t, f.c.Present(ctx, Request{Info: paywall.IdentifierPresentation("pw_b"), Overrides: Overrides{Supersede: true}}))
	assert.Equal(t, paywall.StateCancelled, s.Kind)

	f.c.policy.ReportNoPresenterWhileBusy = true
	s = wait(t, f.c.Present(ctx, Request{Info: paywall.IdentifierPresentation("pw_b"), Overrides: Overrides{Supersede: true}}))
	assert.Equal(t, paywall.SkipNoPresenter, s.Reason)
	assert.ErrorIs(t, s.Err, paywall.ErrNoPresenter)
}

func TestDismiss_NotPresenting(t *testing.T) {
	f := newFixture(t, Policy{})
	_, err := f.c.Dismiss(context.Background(), paywall.DismissResult{})
	assert.ErrorIs(t, err, paywall.ErrNotPresenting)
}

func TestDismiss_RetryAfterPurchaseFailure(t *testing.T) {
	trigger := paywall.Trigger{EventName: "app_open", Rules: []paywall.Rule{
		{Key: "r1", Occurrence: &paywall.Occurrence{MaxCount: 5}, VariantCandidates: treatment("pw_a")},
	}}
	failed := paywall.DismissResult{State: paywall.DismissPurchaseFailed, CloseReason: paywall.CloseSystemLogic}

	tests := []struct {
		name      string
		policy    Policy
		wantNext  bool
		wantCount int
	}{
		{"no retry", Policy{}, false, 1},
		{"retry reuses decision", Policy{RetryOnPurchaseFailure: true}, true, 1},
		{"retry counts occurrence", Policy{RetryOnPurchaseFailure: true, CountOccurrenceOnRetry: true}, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.policy, trigger)
			ctx := context.Background()

			first := fire(f, "app_open", nil)
			require.Equal(t, paywall.StatePresented, wait(t, first).Kind)

			d, err := f.c.Dismiss(ctx, failed)
			require.NoError(t, err)
			assert.Equal(t, failed, d.Result)
			states := drain(t, first)
			assert.Equal(t, paywall.StateDismissed, states[len(states)-1].Kind)

			if !tt.wantNext {
				assert.Nil(t, d.Next)
				assert.EqualValues(t, 1, f.builds.Load())
			} else {
				require.NotNil(t, d.Next)
				s := wait(t, d.Next)
				assert.Equal(t, paywall.StatePresented, s.Kind)
				assert.Equal(t, "pw_a", s.Identifier)
				assert.EqualValues(t, 2, f.builds.Load(), "retry rebuilds uncached")
			}

			count, err := f.eng.Count(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, count)
		})
	}
}

func TestDryRun(t *testing.T) {
	f := newFixture(t, Policy{DefaultPaywall: "pw_default"},
		paywall.Trigger{EventName: "app_open", Rules: []paywall.Rule{
			{Key: "r1", Occurrence: &paywall.Occurrence{MaxCount: 1}, VariantCandidates: treatment("pw_a")},
		}},
		paywall.Trigger{EventName: "held", Rules: []paywall.Rule{{Key: "h", VariantCandidates: holdout()}}},
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.c.DryRun(ctx, paywall.EventPresentation(paywall.NewEvent("app_open", nil)))
		require.NoError(t, err)
		assert.Equal(t, paywall.StatePresented, res.State.Kind)
		assert.Equal(t, "r1", res.RuleKey)
		assert.Equal(t, "pw_a", res.Identifier)
	}
	count, err := f.eng.Count(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, f.builds.Load())
	assert.Nil(t, f.cache.Active())

	res, err := f.c.DryRun(ctx, paywall.EventPresentation(paywall.NewEvent("held", nil)))
	require.NoError(t, err)
	assert.Equal(t, paywall.SkipHoldout, res.State.Reason)
	assert.Equal(t, "v_hold", res.VariantID)

	res, err = f.c.DryRun(ctx, paywall.EventPresentation(paywall.NewEvent("missing", nil)))
	require.NoError(t, err)
	assert.Equal(t, paywall.SkipEventNotFound, res.State.Reason)

	res, err = f.c.DryRun(ctx, paywall.DefaultPresentation())
	require.NoError(t, err)
	assert.Equal(t, "pw_default", res.Identifier)
}

func TestDelayQueue_ReplaysAfterReady(t *testing.T) {
	f := newFixture(t, Policy{})
	c := NewCoordinator(f.eng, assignment.NewResolver(storage.NewMemory(), staticUser("u"), nil), f.cache, f.host, Policy{})
	ctx := context.Background()

	first := c.Present(ctx, Request{Info: paywall.IdentifierPresentation("pw_a")})
	second := c.Present(ctx, Request{Info: paywall.IdentifierPresentation("pw_b")})
	assert.Equal(t, 2, c.queue.Len())

	select {
	case <-first.Decided():
		t.Fatal("decided before ready")
	case <-time.After(20 * time.Millisecond):
	}

	c.SetReady()
	assert.Equal(t, paywall.StatePresented, wait(t, first).Kind)
	s := wait(t, second)
	assert.Equal(t, paywall.SkipAlreadyPresenting, s.Reason, "replayed in arrival order")
	assert.Equal(t, []string{"pw_a"}, f.presenter.Shown())

	c.SetReady()
	assert.Zero(t, c.queue.Len())
}

func TestDelayQueue_RequestsAfterReadyWaitForReplay(t *testing.T) {
	f := newFixture(t, Policy{})
	c := NewCoordinator(f.eng, assignment.NewResolver(storage.NewMemory(), staticUser("u"), nil), f.cache, f.host, Policy{})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	f.host.gate = func() {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}

	delayed := c.Present(ctx, Request{Info: paywall.IdentifierPresentation("pw_a")})
	c.SetReady()
	<-entered

	late := c.Present(ctx, Request{Info: paywall.IdentifierPresentation("pw_b")})
	select {
	case <-late.Decided():
		t.Fatal("decided while the delayed request was still replaying")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, c.queue.Len())

	close(release)
	assert.Equal(t, paywall.StatePresented, wait(t, delayed).Kind)
	assert.Equal(t, paywall.SkipAlreadyPresenting, wait(t, late).Reason)
	assert.Equal(t, []string{"pw_a"}, f.presenter.Shown())
	assert.True(t, c.queue.Drained())
}

func TestDelayQueue(t *testing.T) {
	var q DelayQueue
	for _, id := range []string{"a", "b", "a"} {
		assert.True(t, q.Enqueue(Request{Info: paywall.IdentifierPresentation(id)}))
	}

	var replayed []string
	q.Flush(func(r Request) { replayed = append(replayed, r.Info.Identifier) })
	assert.Equal(t, []string{"a", "b", "a"}, replayed)

	assert.False(t, q.Enqueue(Request{Info: paywall.IdentifierPresentation("c")}))
	q.Flush(func(r Request) { t.Fatal("flushed twice") })
}

func TestDelayQueue_FlushIncludesLateArrivals(t *testing.T) {
	var q DelayQueue
	require.True(t, q.Enqueue(Request{Info: paywall.IdentifierPresentation("a")}))

	var replayed []string
	q.Flush(func(r Request) {
		replayed = append(replayed, r.Info.Identifier)
		if r.Info.Identifier == "a" {
			assert.True(t, q.Enqueue(Request{Info: paywall.IdentifierPresentation("b")}))
		}
	})
	assert.Equal(t, []string{"a", "b"}, replayed)
	assert.True(t, q.Drained())
	assert.Zero(t, q.Len())
}
