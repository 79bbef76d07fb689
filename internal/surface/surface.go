package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"paywall-trigger-engine/internal/artifact"
	"paywall-trigger-engine/internal/paywall"
	"paywall-trigger-engine/internal/presentation"
	"paywall-trigger-engine/internal/storage"
)

var ErrDetached = errors.New("no surface attached")

// Shown is what the screen last displayed.
type Shown struct {
	ArtifactID string          `json:"artifact_id"`
	Identifier string          `json:"identifier"`
	Style      paywall.Style   `json:"presentation_style"`
	Payload    paywall.Payload `json:"payload"`
	At         time.Time       `json:"shown_at"`
}

// Screen is the in-process display paywalls are rendered to. Clients poll it
// through the API.
type Screen struct {
	mu    sync.Mutex
	last  *Shown
	count int
}

func (s *Screen) Present(ctx context.Context, a *artifact.Artifact, style paywall.Style) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	shown := Shown{ArtifactID: a.ID, Identifier: a.Identifier, Style: style, Payload: a.Payload(), At: time.Now().UTC()}

	s.mu.Lock()
	s.last = &shown
	s.count++
	s.mu.Unlock()

	log.Info().Str("paywall", a.Identifier).Str("style", string(style)).Msg("paywall shown")
	return nil
}

func (s *Screen) Last() (Shown, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Shown{}, false
	}
	return *s.last, true
}

func (s *Screen) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Host backs the coordinator with durable subscription status and a screen
// that only becomes available once attached.
type Host struct {
	store  storage.Store
	screen *Screen

	mu       sync.Mutex
	attached bool
}

func NewHost(store storage.Store) *Host {
	return &Host{store: store, screen: &Screen{}}
}

// Attach makes the screen available as the default container.
func (h *Host) Attach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attached = true
}

func (h *Host) Screen() *Screen { return h.screen }

func (h *Host) IsUserSubscribed(ctx context.Context) bool {
	subscribed, err := h.Subscribed(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("subscription status unavailable; assuming not subscribed")
		return false
	}
	return subscribed
}

func (h *Host) Subscribed(ctx context.Context) (bool, error) {
	var subscribed bool
	if _, err := storage.GetJSON(ctx, h.store, storage.SubscriptionKey, &subscribed); err != nil {
		return false, fmt.Errorf("load subscription status: %w", err)
	}
	return subscribed, nil
}

func (h *Host) SetSubscribed(ctx context.Context, subscribed bool) error {
	if err := storage.SetJSON(ctx, h.store, storage.SubscriptionKey, subscribed); err != nil {
		return fmt.Errorf("save subscription status: %w", err)
	}
	log.Info().Bool("subscribed", subscribed).Msg("subscription status changed")
	return nil
}

func (h *Host) ResolvePresenter(explicit presentation.Presenter) presentation.Presenter {
	return explicit
}

func (h *Host) CreateDefaultContainer(ctx context.Context) (presentation.Presenter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.attached {
		return nil, ErrDetached
	}
	return h.screen, nil
}
