package presentation

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"paywall-trigger-engine/internal/artifact"
	"paywall-trigger-engine/internal/assignment"
	"paywall-trigger-engine/internal/engine"
	"paywall-trigger-engine/internal/observability"
	"paywall-trigger-engine/internal/paywall"
)

// Presenter shows an artifact on some surface.
type Presenter interface {
	Present(ctx context.Context, a *artifact.Artifact, style paywall.Style) error
}

// Host is the embedding application.
type Host interface {
	IsUserSubscribed(ctx context.Context) bool
	// ResolvePresenter returns the presenter to use, possibly the explicit one, or nil.
	ResolvePresenter(explicit Presenter) Presenter
	CreateDefaultContainer(ctx context.Context) (Presenter, error)
}

type RuleEngine interface {
	Config() (*paywall.Config, bool)
	Evaluate(ctx context.Context, trigger paywall.Trigger, event paywall.EventData, mode engine.Mode) (engine.Outcome, error)
	CheckOccurrence(ctx context.Context, out engine.Outcome) error
	Commit(ctx context.Context, out engine.Outcome) error
}

type Assigner interface {
	Resolve(ctx context.Context, out engine.Outcome) (assignment.Resolved, error)
	Peek(ctx context.Context, out engine.Outcome) (assignment.Resolved, error)
}

// Overrides adjust a single presentation.
type Overrides struct {
	IgnoreSubscriptionStatus bool
	Style                    paywall.Style
	// Supersede replaces a displayed paywall instead of skipping.
	Supersede bool
	Products  []paywall.Product
}

type Request struct {
	Info      paywall.PresentationInfo
	Presenter Presenter
	Overrides Overrides

	handle   *Handle
	uncached bool
	reuse    *decision
}

// Policy holds behaviour switches.
type Policy struct {
	// DebugMode skips the subscription check and always rebuilds artifacts.
	DebugMode bool
	// RetryOnPurchaseFailure presents the same paywall again after a failed purchase.
	RetryOnPurchaseFailure bool
	// CountOccurrenceOnRetry re-runs rule matching for a retry instead of
	// reusing the original decision.
	CountOccurrenceOnRetry bool
	// ReportNoPresenterWhileBusy reports a missing presenter as skipped even
	// while another paywall is shown, instead of cancelling the request.
	ReportNoPresenterWhileBusy bool
	DefaultPaywall             string
}

// Dismissal describes a finished presentation.
type Dismissal struct {
	RequestID  string
	Identifier string
	Result     paywall.DismissResult
	// Next is set when the paywall is being presented again.
	Next *Handle
}

// Handle follows one request. States yields the decision state, then
// Dismissed if it was presented, then closes.
type Handle struct {
	ID   string
	Info paywall.PresentationInfo

	states  chan paywall.PaywallState
	decided chan struct{}

	mu       sync.Mutex
	decision paywall.PaywallState
	closed   bool
}

func newHandle(info paywall.PresentationInfo) *Handle {
	return &Handle{
		ID:      uuid.NewString(),
		Info:    info,
		states:  make(chan paywall.PaywallState, 2),
		decided: make(chan struct{}),
	}
}

func (h *Handle) States() <-chan paywall.PaywallState { return h.states }

// Wait blocks until the request is presented, skipped or cancelled.
func (h *Handle) Wait(ctx context.Context) (paywall.PaywallState, error) {
	select {
	case <-h.decided:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.decision, nil
	case <-ctx.Done():
		return paywall.PaywallState{}, ctx.Err()
	}
}

// Decided is closed once Wait would return without blocking.
func (h *Handle) Decided() <-chan struct{} { return h.decided }

func (h *Handle) emit(s paywall.PaywallState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.RequestID = h.ID
	if h.closed {
		log.Error().Str("request_id", h.ID).Str("state", string(s.Kind)).Msg("state emitted after final state")
		return
	}
	if s.Decision() {
		select {
		case <-h.decided:
			log.Error().Str("request_id", h.ID).Str("state", string(s.Kind)).Msg("second decision state dropped")
			return
		default:
		}
		h.decision = s
		close(h.decided)
	}

	h.states <- s
	observability.PaywallStates.WithLabelValues(string(s.Kind), string(s.Reason)).Inc()
	log.Debug().Str("request_id", h.ID).Str("info", h.Info.String()).Str("state", string(s.Kind)).
		Str("reason", string(s.Reason)).Str("paywall", s.Identifier).Msg("paywall state")

	if s.Final() {
		h.closed = true
		close(h.states)
	}
}
