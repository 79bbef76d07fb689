package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"paywall-trigger-engine/internal/config"
)

// Store is the durable key-value collaborator. Implementations must give read-your-writes
// consistency within one process.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

var ErrUnknownDriver = errors.New("unknown store driver")

const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Open builds the store selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(cfg.Store.Driver) {
	case DriverMemory:
		return NewMemory(), nil
	case DriverBolt:
		return OpenBolt(cfg.Store.BoltPath)
	case DriverRedis:
		return NewRedis(ctx, cfg)
	case DriverPostgres:
		pg, err := New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg.KV(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Store.Driver)
	}
}

// GetJSON decodes the value stored at key into out and reports whether it existed.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// Occurrence counters, assignments and attributes belong to one user id.
// Switching users leaves the previous user's keys in place.

func OccurrenceKey(userID, ruleKey string) string { return userKey(userID, "occurrence/"+ruleKey) }

func AssignmentKey(userID, ruleKey string) string { return userKey(userID, "assignment/"+ruleKey) }

func UserAttributesKey(userID string) string { return userKey(userID, "attributes") }

func userKey(userID, key string) string { return "users/" + userID + "/" + key }

const (
	UserIDKey       = "user/id"
	SubscriptionKey = "user/subscribed"
)
