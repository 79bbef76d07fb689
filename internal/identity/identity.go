package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"paywall-trigger-engine/internal/storage"
)

// Device is the platform information exposed to rules under `device`.
type Device struct {
	Platform   string
	OSVersion  string
	AppVersion string
	Locale     string
}

func (d Device) Map() map[string]any {
	return map[string]any{
		"platform":    d.Platform,
		"os_version":  d.OSVersion,
		"app_version": d.AppVersion,
		"locale":      d.Locale,
	}
}

// Manager owns the durable user identity and attributes.
type Manager struct {
	store  storage.Store
	device Device

	mu     sync.Mutex
	userID string
}

// New loads the persisted user id, creating an anonymous one on first run.
func New(ctx context.Context, store storage.Store, device Device) (*Manager, error) {
	m := &Manager{store: store, device: device}

	raw, ok, err := store.Get(ctx, storage.UserIDKey)
	if err != nil {
		return nil, fmt.Errorf("load user id: %w", err)
	}
	if ok {
		m.userID = string(raw)
		return m, nil
	}

	m.userID = "$anon_" + uuid.NewString()
	if err := store.Set(ctx, storage.UserIDKey, []byte(m.userID)); err != nil {
		return nil, fmt.Errorf("save user id: %w", err)
	}
	log.Info().Str("user_id", m.userID).Msg("created anonymous user")
	return m, nil
}

func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Identify switches to a known user id. Attributes, assignments and
// occurrence counters are keyed by user id, so the new user starts from
// their own state and switching back restores the previous user's.
func (m *Manager) Identify(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Set(ctx, storage.UserIDKey, []byte(userID)); err != nil {
		return fmt.Errorf("save user id: %w", err)
	}
	m.userID = userID
	return nil
}

func (m *Manager) Device() map[string]any { return m.device.Map() }

// Attributes returns the current user's attributes.
func (m *Manager) Attributes(ctx context.Context) (map[string]any, error) {
	return m.attributes(ctx, m.UserID())
}

func (m *Manager) attributes(ctx context.Context, userID string) (map[string]any, error) {
	attrs := map[string]any{}
	if _, err := storage.GetJSON(ctx, m.store, storage.UserAttributesKey(userID), &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// MergeAttributes adds or replaces attributes. A nil value removes the key.
func (m *Manager) MergeAttributes(ctx context.Context, attrs map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.attributes(ctx, m.userID)
	if err != nil {
		return nil, err
	}
	for k, v := range attrs {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	if err := storage.SetJSON(ctx, m.store, storage.UserAttributesKey(m.userID), current); err != nil {
		return nil, err
	}
	return current, nil
}
