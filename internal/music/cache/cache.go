// Package cache implements the process-wide stream cache shared by all guild
// sessions: resolved stream handles keyed by stable track ID, bounded by
// capacity and TTL, with per-key single-flight population.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var ErrCacheMiss = errors.New("cache miss")

// Entry is one cached stream payload. PayloadRef is opaque to the cache;
// in practice it is a direct stream URL produced by a resolver.
type Entry struct {
	Key            string
	PayloadRef     string
	SizeBytes      int64
	InsertedAt     time.Time
	LastAccessedAt time.Time
}

// Config bounds the cache. Zero values fall back to defaults.
type Config struct {
	CapacityBytes int64
	TTL           time.Duration
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.CapacityBytes <= 0 {
		c.CapacityBytes = 256 << 20
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Cache is safe for concurrent use by every session. Reads are a single
// short mutex hold; fetch-and-populate runs outside the lock under per-key
// single-flight.
type Cache struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	size    int64

	flight singleflight.Group
	now    func() time.Time // test hook
}

func New(cfg Config, log zerolog.Logger) *Cache {
	cfg.applyDefaults()
	return &Cache{
		cfg:     cfg,
		log:     log.With().Str("component", "stream_cache").Logger(),
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Get returns the entry for a track ID, updating its access time. A hit on
// an entry past its TTL counts as a miss and drops the entry.
func (c *Cache) Get(trackID string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[trackID]
	if !ok {
		return Entry{}, ErrCacheMiss
	}
	if c.now().Sub(e.InsertedAt) > c.cfg.TTL {
		c.removeLocked(trackID)
		return Entry{}, ErrCacheMiss
	}
	e.LastAccessedAt = c.now()
	return *e, nil
}

// Put inserts or replaces an entry and evicts as needed to stay under
// capacity. Returns the stored entry.
func (c *Cache) Put(trackID, payloadRef string, sizeBytes int64) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(trackID, payloadRef, sizeBytes)
}

func (c *Cache) putLocked(trackID, payloadRef string, sizeBytes int64) Entry {
	if old, ok := c.entries[trackID]; ok {
		c.size -= old.SizeBytes
	}
	now := c.now()
	e := &Entry{
		Key:            trackID,
		PayloadRef:     payloadRef,
		SizeBytes:      sizeBytes,
		InsertedAt:     now,
		LastAccessedAt: now,
	}
	c.entries[trackID] = e
	c.size += sizeBytes
	c.evictIfNeededLocked()
	return *e
}

// GetOrFetch returns the cached entry for trackID, or runs fetch to populate
// it. Concurrent callers for the same key share a single in-flight fetch and
// all observe its result; callers for different keys never contend.
func (c *Cache) GetOrFetch(ctx context.Context, trackID string, fetch func(ctx context.Context) (payloadRef string, sizeBytes int64, err error)) (Entry, error) {
	if e, err := c.Get(trackID); err == nil {
		return e, nil
	}

	v, err, _ := c.flight.Do(trackID, func() (any, error) {
		// Recheck under flight: a concurrent caller may have populated
		// the key between our miss and the flight admission.
		if e, err := c.Get(trackID); err == nil {
			return e, nil
		}
		payload, size, err := fetch(ctx)
		if err != nil {
			return Entry{}, err
		}
		return c.Put(trackID, payload, size), nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Run sweeps expired entries periodically until ctx is done. Call from main.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				c.log.Debug().Int("expired", n).Msg("swept expired cache entries")
			}
		}
	}
}

func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int
	cutoff := c.now().Add(-c.cfg.TTL)
	for key, e := range c.entries {
		if e.InsertedAt.Before(cutoff) {
			c.removeLocked(key)
			removed++
		}
	}
	return removed
}

// evictIfNeededLocked removes least-recently-accessed entries (ties broken
// by oldest InsertedAt) until total size fits the capacity.
func (c *Cache) evictIfNeededLocked() {
	for c.size > c.cfg.CapacityBytes && len(c.entries) > 0 {
		var victim *Entry
		for _, e := range c.entries {
			if victim == nil ||
				e.LastAccessedAt.Before(victim.LastAccessedAt) ||
				(e.LastAccessedAt.Equal(victim.LastAccessedAt) && e.InsertedAt.Before(victim.InsertedAt)) {
				victim = e
			}
		}
		c.log.Debug().Str("track_id", victim.Key).Int64("size", victim.SizeBytes).Msg("evicting cache entry")
		c.removeLocked(victim.Key)
	}
}

func (c *Cache) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.size -= e.SizeBytes
		delete(c.entries, key)
	}
}

// Remove drops a single entry if present.
func (c *Cache) Remove(trackID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(trackID)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Close drops every entry. The sweep goroutine is stopped separately by
// cancelling the context passed to Run.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.size = 0
}
