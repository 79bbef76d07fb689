package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywall-trigger-engine/internal/config"
	"paywall-trigger-engine/internal/paywall"
)

func TestStores_ReadYourWrites(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"bolt", func(t *testing.T) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "engine.db"))
			require.NoError(t, err)
			return s
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := tt.open(t)
			defer s.Close()

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, OccurrenceKey("u1", "r1"), []byte("1")))
			v, ok, err := s.Get(ctx, OccurrenceKey("u1", "r1"))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "1", string(v))

			require.NoError(t, s.Set(ctx, OccurrenceKey("u1", "r1"), []byte("2")))
			v, _, _ = s.Get(ctx, OccurrenceKey("u1", "r1"))
			assert.Equal(t, "2", string(v))
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	in := paywall.Assignment{
		RuleKey:   "r1",
		Variant:   paywall.Variant{Type: paywall.VariantTreatment, ID: "v1", PaywallIdentifier: "pw"},
		Confirmed: true,
	}
	require.NoError(t, SetJSON(ctx, s, AssignmentKey("u1", "r1"), in))

	var out paywall.Assignment
	ok, err := GetJSON(ctx, s, AssignmentKey("u1", "r1"), &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, in, out)

	ok, err = GetJSON(ctx, s, AssignmentKey("u2", "r1"), &out)
	require.NoError(t, err)
	assert.False(t, ok, "assignments are per user")

	require.NoError(t, s.Set(ctx, "broken", []byte("{")))
	_, err = GetJSON(ctx, s, "broken", &out)
	assert.Error(t, err)
}

func TestBolt_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")

	s, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, AssignmentKey("u1", "r1"), []byte(`{"rule_key":"r1"}`)))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(ctx, AssignmentKey("u1", "r1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"rule_key":"r1"}`, string(v))
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	var cfg config.Config
	cfg.Store.Driver = "memory"
	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	cfg.Store.Driver = "bolt"
	cfg.Store.BoltPath = filepath.Join(t.TempDir(), "x.db")
	s, err = Open(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &Bolt{}, s)
	require.NoError(t, s.Close())

	cfg.Store.Driver = "etcd"
	_, err = Open(ctx, cfg)
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = OpenBolt("  ")
	assert.Error(t, err)
}
