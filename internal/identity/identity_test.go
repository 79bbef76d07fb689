package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywall-trigger-engine/internal/storage"
)

func TestNew_PersistsAnonymousID(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	m1, err := New(ctx, store, Device{Platform: "iOS"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m1.UserID(), "$anon_"))

	m2, err := New(ctx, store, Device{})
	require.NoError(t, err)
	assert.Equal(t, m1.UserID(), m2.UserID())

	require.NoError(t, m2.Identify(ctx, "user-42"))
	m3, _ := New(ctx, store, Device{})
	assert.Equal(t, "user-42", m3.UserID())
	assert.Error(t, m3.Identify(ctx, ""))
}

func TestMergeAttributes(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, storage.NewMemory(), Device{Platform: "iOS", OSVersion: "17.2"})
	require.NoError(t, err)

	attrs, err := m.Attributes(ctx)
	require.NoError(t, err)
	assert.Empty(t, attrs)

	_, err = m.MergeAttributes(ctx, map[string]any{"a": "b", "age": 31})
	require.NoError(t, err)
	got, err := m.MergeAttributes(ctx, map[string]any{"a": nil, "plan": "pro"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"age": 31, "plan": "pro"}, got)

	attrs, err = m.Attributes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"age": float64(31), "plan": "pro"}, attrs)

	assert.Equal(t, "iOS", m.Device()["platform"])
	assert.Equal(t, "17.2", m.Device()["os_version"])
}

func TestIdentify_AttributesFollowUser(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, storage.NewMemory(), Device{})
	require.NoError(t, err)
	anon := m.UserID()

	_, err = m.MergeAttributes(ctx, map[string]any{"plan": "trial"})
	require.NoError(t, err)

	require.NoError(t, m.Identify(ctx, "user-42"))
	attrs, err := m.Attributes(ctx)
	require.NoError(t, err)
	assert.Empty(t, attrs)

	_, err = m.MergeAttributes(ctx, map[string]any{"plan": "pro"})
	require.NoError(t, err)

	require.NoError(t, m.Identify(ctx, anon))
	attrs, err = m.Attributes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"plan": "trial"}, attrs)
}
