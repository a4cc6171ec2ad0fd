package preload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mkarpov/resonix/internal/music/cache"
	"github.com/mkarpov/resonix/internal/track"
)

func testDescriptor(id string) track.Descriptor {
	return track.Descriptor{ID: id, Title: "track " + id, SourceURL: "https://example.com/" + id, Platform: track.PlatformYouTube}
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	return cache.New(cache.Config{}, zerolog.Nop())
}

func TestPreloader_WarmsUpcomingEntries(t *testing.T) {
	store := newTestCache(t)
	upcoming := func(n int) []track.Descriptor {
		return []track.Descriptor{testDescriptor("a"), testDescriptor("b")}
	}
	var resolved []string
	var mu sync.Mutex
	resolve := func(ctx context.Context, d track.Descriptor) (track.Descriptor, error) {
		mu.Lock()
		resolved = append(resolved, d.ID)
		mu.Unlock()
		d.StreamURL = "https://cdn.example.com/" + d.ID
		return d, nil
	}

	p := New(Config{Depth: 2}, upcoming, resolve, store, nil, zerolog.Nop())
	p.sweep(context.Background())

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, resolved)
	mu.Unlock()

	entry, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a", entry.PayloadRef)
}

func TestPreloader_SkipsWarmEntries(t *testing.T) {
	store := newTestCache(t)
	store.Put("a", "https://cdn.example.com/a", 0)

	upcoming := func(n int) []track.Descriptor {
		return []track.Descriptor{testDescriptor("a"), testDescriptor("b")}
	}
	var calls atomic.Int32
	resolve := func(ctx context.Context, d track.Descriptor) (track.Descriptor, error) {
		calls.Add(1)
		d.StreamURL = "https://cdn.example.com/" + d.ID
		return d, nil
	}

	p := New(Config{Depth: 2}, upcoming, resolve, store, nil, zerolog.Nop())
	p.sweep(context.Background())

	assert.Equal(t, int32(1), calls.Load(), "warm entry must not be re-resolved")
}

func TestPreloader_SingleOutstandingResolve(t *testing.T) {
	store := newTestCache(t)
	upcoming := func(n int) []track.Descriptor {
		return []track.Descriptor{testDescriptor("a"), testDescriptor("b"), testDescriptor("c")}
	}

	var inFlight, maxInFlight atomic.Int32
	resolve := func(ctx context.Context, d track.Descriptor) (track.Descriptor, error) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		d.StreamURL = "https://cdn.example.com/" + d.ID
		return d, nil
	}

	p := New(Config{Depth: 3}, upcoming, resolve, store, nil, zerolog.Nop())
	p.sweep(context.Background())

	assert.Equal(t, int32(1), maxInFlight.Load(), "resolves must run one at a time")
}

func TestPreloader_ResolveFailureIsNonFatal(t *testing.T) {
	store := newTestCache(t)
	upcoming := func(n int) []track.Descriptor {
		return []track.Descriptor{testDescriptor("a"), testDescriptor("b")}
	}
	resolve := func(ctx context.Context, d track.Descriptor) (track.Descriptor, error) {
		if d.ID == "a" {
			return track.Descriptor{}, errors.New("origin rejected request")
		}
		d.StreamURL = "https://cdn.example.com/" + d.ID
		return d, nil
	}

	p := New(Config{Depth: 2}, upcoming, resolve, store, nil, zerolog.Nop())
	p.sweep(context.Background())

	_, err := store.Get("a")
	assert.Error(t, err, "failed resolve must not be cached")
	_, err = store.Get("b")
	assert.NoError(t, err, "failure on one entry must not stop the sweep")
}

func TestPreloader_RateLimiterThrottles(t *testing.T) {
	store := newTestCache(t)
	upcoming := func(n int) []track.Descriptor {
		return []track.Descriptor{testDescriptor("a"), testDescriptor("b")}
	}
	var calls atomic.Int32
	resolve := func(ctx context.Context, d track.Descriptor) (track.Descriptor, error) {
		calls.Add(1)
		d.StreamURL = "https://cdn.example.com/" + d.ID
		return d, nil
	}

	// One token, no refill inside the test window.
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	p := New(Config{Depth: 2}, upcoming, resolve, store, limiter, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.sweep(ctx)

	assert.Equal(t, int32(1), calls.Load(), "second resolve has to wait for the limiter")
}

func TestPreloader_RunStopsOnCancel(t *testing.T) {
	store := newTestCache(t)
	upcoming := func(n int) []track.Descriptor { return nil }
	resolve := func(ctx context.Context, d track.Descriptor) (track.Descriptor, error) {
		return d, nil
	}

	p := New(Config{Interval: 5 * time.Millisecond}, upcoming, resolve, store, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
