package sessions

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Janitor evicts idle sessions on an interval. MCP clients rarely close
// sessions cleanly, so without the janitor the store grows without bound.
type Janitor struct {
	store    *Store
	interval time.Duration
	maxIdle  time.Duration
}

// NewJanitor creates a session janitor. Intervals below one second are
// raised to one second to keep a misconfigured gateway from busy-looping.
func NewJanitor(store *Store, interval, maxIdle time.Duration) *Janitor {
	if interval < time.Second {
		interval = time.Second
	}
	return &Janitor{store: store, interval: interval, maxIdle: maxIdle}
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("max_idle", j.maxIdle).
		Msg("Session janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session janitor stopped")
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	start := time.Now()
	removed := j.store.Sweep(j.maxIdle)
	if removed > 0 {
		log.Info().
			Int("removed", removed).
			Int("remaining", j.store.Len()).
			Dur("elapsed", time.Since(start)).
			Msg("Idle MCP sessions evicted")
	}
}
