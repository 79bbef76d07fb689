package listener

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"paywall-trigger-engine/internal/engine"
	"paywall-trigger-engine/internal/storage"
)

// Refresher rebuilds the trigger snapshot from a source.
type Refresher interface {
	BuildSnapshot(ctx context.Context, src engine.ConfigSource) error
}

const debounce = 200 * time.Millisecond

// ListenAndRefresh rebuilds the snapshot whenever channel is notified. A lost
// connection is re-established after a jittered backoff, followed by one
// refresh to pick up changes missed meanwhile.
func ListenAndRefresh(ctx context.Context, st *storage.Postgres, eng Refresher, channel string, baseBackoff time.Duration) {
	if channel == "" {
		channel = st.ListenChannel()
	}
	r := &refresher{eng: eng, src: st, window: debounce}
	defer r.stop()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			r.refresh(ctx, "reconnect")
		}
		err := listen(ctx, st, channel, r)
		if ctx.Err() != nil {
			log.Info().Msg("listener stopped")
			return
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Str("channel", channel).Dur("retry_in", backoff).Msg("listen failed")
		select {
		case <-ctx.Done():
			log.Info().Msg("listener stopped")
			return
		case <-time.After(backoff):
		}
	}
}

func listen(ctx context.Context, st *storage.Postgres, channel string, r *refresher) error {
	conn, err := st.PgxPool().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn for listen: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	log.Info().Str("channel", channel).Msg("listening for trigger changes")

	for {
		ntf, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		r.notify(ctx, ntf.Channel)
	}
}

type refresher struct {
	eng    Refresher
	src    engine.ConfigSource
	window time.Duration

	mu      sync.Mutex
	pending *time.Timer
}

// notify schedules one refresh at the end of the debounce window. Further
// notifications inside the window join it; it reports whether it started one.
func (r *refresher) notify(ctx context.Context, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return false
	}
	r.pending = time.AfterFunc(r.window, func() {
		r.mu.Lock()
		r.pending = nil
		r.mu.Unlock()
		r.refresh(ctx, channel)
	})
	return true
}

func (r *refresher) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
}

func (r *refresher) refresh(ctx context.Context, cause string) {
	log.Info().Str("cause", cause).Msg("trigger change; refreshing snapshot")
	if err := r.eng.BuildSnapshot(ctx, r.src); err != nil {
		log.Error().Err(err).Msg("refresh snapshot error")
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x to 1.5x
	return time.Duration(float64(base) * factor)
}
