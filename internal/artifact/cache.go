package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"paywall-trigger-engine/internal/observability"
	"paywall-trigger-engine/internal/paywall"
)

// Cache owns built artifacts. Builds for one identifier are coalesced, and at
// most one artifact is active at a time.
type Cache struct {
	builder Builder
	timeout time.Duration

	entries *lru.Cache[string, *Artifact]
	group   singleflight.Group

	mu     sync.Mutex
	active *Artifact
}

func NewCache(builder Builder, size int, timeout time.Duration) (*Cache, error) {
	if size <= 0 {
		size = 64
	}
	entries, err := lru.New[string, *Artifact](size)
	if err != nil {
		return nil, fmt.Errorf("artifact cache: %w", err)
	}
	return &Cache{builder: builder, timeout: timeout, entries: entries}, nil
}

// GetOrBuild returns the cached artifact for identifier when cached is set,
// otherwise builds a fresh one. Concurrent callers for the same identifier
// share one build. Substitutes only apply to the returned view; the cached
// artifact keeps the products it was built with.
func (c *Cache) GetOrBuild(ctx context.Context, identifier string, cached bool, substitutes []paywall.Product) (*Artifact, error) {
	if cached {
		if a, ok := c.entries.Get(identifier); ok {
			observability.ArtifactCache.WithLabelValues("hit").Inc()
			return a.withProducts(substitutes), nil
		}
	}
	observability.ArtifactCache.WithLabelValues("miss").Inc()

	a, err := c.flight(ctx, identifier, cached)
	if err != nil {
		return nil, err
	}
	return a.withProducts(substitutes), nil
}

// flight joins or starts the build for identifier. Cached and fresh requests
// use separate flights so a fresh request never receives a cached artifact.
func (c *Cache) flight(ctx context.Context, identifier string, cached bool) (*Artifact, error) {
	key := "fresh/" + identifier
	if cached {
		key = "cached/" + identifier
	}
	ch := c.group.DoChan(key, func() (any, error) {
		if cached {
			// a flight that finished since the caller's lookup may have filled it
			if a, ok := c.entries.Peek(identifier); ok {
				return a, nil
			}
		}
		return c.build(ctx, identifier)
	})
	select {
	case <-ctx.Done():
		return nil, &paywall.BuildError{Identifier: identifier, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Artifact), nil
	}
}

func (c *Cache) build(ctx context.Context, identifier string) (*Artifact, error) {
	// the build outlives a single caller so other waiters still get the result
	bctx := context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(bctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	payload, err := c.builder.Build(bctx, identifier, nil)
	if err != nil {
		observability.ArtifactBuilds.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("paywall", identifier).Msg("artifact build failed")
		return nil, &paywall.BuildError{Identifier: identifier, Err: err}
	}
	if payload.Identifier == "" {
		payload.Identifier = identifier
	}

	a := New(payload)
	c.entries.Add(identifier, a)
	observability.ArtifactBuilds.WithLabelValues("ok").Inc()
	log.Debug().Str("paywall", identifier).Dur("took", time.Since(start)).Msg("artifact built")
	return a, nil
}

// Peek returns the cached artifact without building or touching recency.
func (c *Cache) Peek(identifier string) (*Artifact, bool) {
	return c.entries.Peek(identifier)
}

func (c *Cache) Remove(identifier string) {
	c.entries.Remove(identifier)
}

// RemoveArtifact evicts the artifact a was served from, only if it is still
// the cached artifact for its identifier.
func (c *Cache) RemoveArtifact(a *Artifact) {
	if a == nil {
		return
	}
	if cur, ok := c.entries.Peek(a.Identifier); ok && cur == a.root() {
		c.entries.Remove(a.Identifier)
	}
}

// Clear drops every cached artifact. The active one, if any, stays active.
func (c *Cache) Clear() {
	c.entries.Purge()
}

func (c *Cache) Len() int { return c.entries.Len() }

// Activate marks a as the displayed artifact.
func (c *Cache) Activate(a *Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active != a {
		return fmt.Errorf("%w: %s", paywall.ErrAlreadyPresenting, c.active.Identifier)
	}
	a.active.Store(true)
	c.active = a
	observability.ActivePaywall.Set(1)
	return nil
}

// Deactivate clears a's active flag. It reports false if a was not active.
func (c *Cache) Deactivate(a *Artifact) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a == nil || c.active != a {
		return false
	}
	a.active.Store(false)
	c.active = nil
	observability.ActivePaywall.Set(0)
	return true
}

func (c *Cache) Active() *Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
