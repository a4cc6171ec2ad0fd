// Package preload warms the stream cache for upcoming queue entries so
// track transitions start from a resolved stream handle instead of a cold
// resolver round trip.
package preload

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mkarpov/resonix/internal/music/cache"
	"github.com/mkarpov/resonix/internal/track"
)

// UpcomingFunc returns up to n queue entries after the current one. The
// session wires this to its queue; snapshots taken here may go stale while a
// resolve is in flight, which is fine: stale results land in the cache and
// are never force-injected anywhere.
type UpcomingFunc func(n int) []track.Descriptor

// ResolveFunc refreshes the stream handle of an already-described track.
type ResolveFunc func(ctx context.Context, d track.Descriptor) (track.Descriptor, error)

// Config bounds one preloader.
type Config struct {
	Depth    int           // how far past the current track to warm, default 2
	Interval time.Duration // queue re-inspection period, default 2s
}

func (c *Config) applyDefaults() {
	if c.Depth <= 0 {
		c.Depth = 2
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
}

// Preloader warms the cache for one session. At most one resolve is
// outstanding at a time; a process-wide rate limiter (shared across
// sessions) throttles resolver traffic.
type Preloader struct {
	cfg      Config
	upcoming UpcomingFunc
	resolve  ResolveFunc
	store    *cache.Cache
	limiter  *rate.Limiter
	log      zerolog.Logger
}

func New(cfg Config, upcoming UpcomingFunc, resolve ResolveFunc, store *cache.Cache, limiter *rate.Limiter, log zerolog.Logger) *Preloader {
	cfg.applyDefaults()
	return &Preloader{
		cfg:      cfg,
		upcoming: upcoming,
		resolve:  resolve,
		store:    store,
		limiter:  limiter,
		log:      log.With().Str("component", "preload").Logger(),
	}
}

// Run inspects the queue until ctx is cancelled. Blocking is bounded by the
// rate limiter and the single in-flight resolve.
func (p *Preloader) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep warms every cold entry within depth, one resolve at a time.
func (p *Preloader) sweep(ctx context.Context) {
	for _, d := range p.upcoming(p.cfg.Depth) {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.store.Get(d.ID); err == nil {
			continue // already warm
		}
		p.warm(ctx, d)
	}
}

func (p *Preloader) warm(ctx context.Context, d track.Descriptor) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
	}

	_, err := p.store.GetOrFetch(ctx, d.ID, func(ctx context.Context) (string, int64, error) {
		resolved, err := p.resolve(ctx, d)
		if err != nil {
			return "", 0, err
		}
		return resolved.StreamURL, 0, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Warn().Str("track_id", d.ID).Str("title", d.Title).Err(err).Msg("preload resolve failed")
		return
	}
	p.log.Debug().Str("track_id", d.ID).Str("title", d.Title).Msg("preloaded upcoming track")
}
