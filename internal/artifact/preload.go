package artifact

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"paywall-trigger-engine/internal/paywall"
)

// Preloader warms the cache with every paywall in a configuration.
type Preloader struct {
	cache       *Cache
	concurrency int
}

func NewPreloader(cache *Cache, concurrency int) *Preloader {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Preloader{cache: cache, concurrency: concurrency}
}

// Preload builds every configured paywall not already cached. Individual
// failures are logged and counted; the returned error is the first of them.
func (p *Preloader) Preload(ctx context.Context, cfg *paywall.Config) (int, error) {
	if cfg == nil {
		return 0, nil
	}
	var g errgroup.Group
	g.SetLimit(p.concurrency)

	built := make([]bool, len(cfg.Paywalls))
	for i, pw := range cfg.Paywalls {
		i, pw := i, pw
		g.Go(func() error {
			if _, err := p.cache.GetOrBuild(ctx, pw.Identifier, true, nil); err != nil {
				log.Warn().Err(err).Str("paywall", pw.Identifier).Msg("preload failed")
				return err
			}
			built[i] = true
			return nil
		})
	}
	err := g.Wait()

	n := 0
	for _, ok := range built {
		if ok {
			n++
		}
	}
	log.Info().Int("paywalls", len(cfg.Paywalls)).Int("ready", n).Msg("preload finished")
	return n, err
}
