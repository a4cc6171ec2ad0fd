package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarpov/resonix/internal/events"
	"github.com/mkarpov/resonix/internal/music/cache"
	"github.com/mkarpov/resonix/internal/music/effects"
	"github.com/mkarpov/resonix/internal/music/pipeline"
	"github.com/mkarpov/resonix/internal/music/preload"
	"github.com/mkarpov/resonix/internal/music/queue"
	"github.com/mkarpov/resonix/internal/music/voice"
	"github.com/mkarpov/resonix/internal/track"
)

type fakePipeline struct {
	mu       sync.Mutex
	state    pipeline.State
	events   chan pipeline.Event
	started  []track.Descriptor
	graphs   []string
	applied  []string
	stops    int
	startErr error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{state: pipeline.StateIdle, events: make(chan pipeline.Event, 16)}
}

func (p *fakePipeline) Start(ctx context.Context, d track.Descriptor, chain effects.Chain, conn voice.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = append(p.started, d)
	p.graphs = append(p.graphs, chain.FilterGraph())
	p.state = pipeline.StatePlaying
	return nil
}

func (p *fakePipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pipeline.StatePlaying {
		return pipeline.ErrInvalidState
	}
	p.state = pipeline.StatePaused
	return nil
}

func (p *fakePipeline) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pipeline.StatePaused {
		return pipeline.ErrInvalidState
	}
	p.state = pipeline.StatePlaying
	return nil
}

func (p *fakePipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.state = pipeline.StateIdle
}

func (p *fakePipeline) ApplyEffects(ctx context.Context, chain effects.Chain) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, chain.FilterGraph())
	return nil
}

func (p *fakePipeline) Seek(ctx context.Context, offset time.Duration) error { return nil }

func (p *fakePipeline) State() pipeline.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePipeline) Position() time.Duration       { return 0 }
func (p *fakePipeline) Events() <-chan pipeline.Event { return p.events }

func (p *fakePipeline) startedTracks() []track.Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]track.Descriptor, len(p.started))
	copy(out, p.started)
	return out
}

// finish simulates the pipeline reaching end of stream.
func (p *fakePipeline) finish(d track.Descriptor, pos time.Duration) {
	p.mu.Lock()
	p.state = pipeline.StateIdle
	p.mu.Unlock()
	p.events <- pipeline.Event{Run: "r", State: pipeline.StateFinished, Track: d, Position: pos}
}

func (p *fakePipeline) fail(d track.Descriptor, err error) {
	p.mu.Lock()
	p.state = pipeline.StateIdle
	p.mu.Unlock()
	p.events <- pipeline.Event{Run: "r", State: pipeline.StateErrored, Track: d, Err: err}
}

type fakeResolver struct {
	mu     sync.Mutex
	tracks map[string]track.Descriptor // query -> result
	calls  map[string]int
	err    error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{tracks: make(map[string]track.Descriptor), calls: make(map[string]int)}
}

func (r *fakeResolver) Resolve(ctx context.Context, query string, hint track.Platform, requestedBy string) (track.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[query]++
	if r.err != nil {
		return track.Descriptor{}, r.err
	}
	d, ok := r.tracks[query]
	if !ok {
		return track.Descriptor{}, errors.New("unexpected query " + query)
	}
	d.RequestedBy = requestedBy
	return d, nil
}

func (r *fakeResolver) callCount(query string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[query]
}

type fakeVoiceConn struct {
	mu           sync.Mutex
	channelID    string
	disconnected bool
}

func (c *fakeVoiceConn) WriteFrame(ctx context.Context, pcm []byte) error { return nil }
func (c *fakeVoiceConn) Speaking(on bool) error                           { return nil }
func (c *fakeVoiceConn) ChannelID() string                                { return c.channelID }

func (c *fakeVoiceConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeVoiceConn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type fakeTransport struct {
	mu       sync.Mutex
	conns    []*fakeVoiceConn
	connErr  error
}

func (t *fakeTransport) Connect(ctx context.Context, guildID, channelID string) (voice.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connErr != nil {
		return nil, t.connErr
	}
	conn := &fakeVoiceConn{channelID: channelID}
	t.conns = append(t.conns, conn)
	return conn, nil
}

type fakeStorage struct {
	mu    sync.Mutex
	saved []Snapshot
	err   error
}

func (s *fakeStorage) SaveSession(guildID string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, snap)
	return nil
}

type fixture struct {
	session   *Session
	pipe      *fakePipeline
	resolver  *fakeResolver
	transport *fakeTransport
	store     *cache.Cache
	storage   *fakeStorage
	bus       *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pipe:      newFakePipeline(),
		resolver:  newFakeResolver(),
		transport: &fakeTransport{},
		store:     cache.New(cache.Config{}, zerolog.Nop()),
		storage:   &fakeStorage{},
		bus:       events.NewBus(),
	}
	f.session = New("guild-1", Config{
		TeardownGrace: time.Hour,
		// Keep the preloader quiet during tests: only the initial sweep of
		// an empty queue runs.
		Preload: preload.Config{Interval: time.Hour},
	}, Deps{
		Resolver:  f.resolver,
		Pipeline:  f.pipe,
		Cache:     f.store,
		Transport: f.transport,
		Bus:       f.bus,
		Storage:   f.storage,
		Log:       zerolog.Nop(),
	})
	t.Cleanup(f.session.Teardown)
	return f
}

func (f *fixture) addTrack(query, id string) track.Descriptor {
	d := track.Descriptor{
		ID:        id,
		Title:     "title " + id,
		SourceURL: "https://youtube.com/watch?v=" + id,
		StreamURL: "https://cdn.example.com/" + id,
		Platform:  track.PlatformYouTube,
	}
	f.resolver.mu.Lock()
	f.resolver.tracks[query] = d
	f.resolver.mu.Unlock()
	return d
}

func TestSession_PlayRequestStartsWhenIdle(t *testing.T) {
	f := newFixture(t)
	f.addTrack("song one", "aaaaaaaaaaa")

	d, err := f.session.PlayRequest(context.Background(), "song one", "", "user-1", "vc-1")
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaa", d.ID)
	assert.Equal(t, "user-1", d.RequestedBy)

	started := f.pipe.startedTracks()
	require.Len(t, started, 1)
	assert.Equal(t, "aaaaaaaaaaa", started[0].ID)

	require.Len(t, f.transport.conns, 1)
	assert.Equal(t, "vc-1", f.transport.conns[0].channelID)

	// Resolved stream handle lands in the cache for later restarts.
	entry, err := f.store.Get("aaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/aaaaaaaaaaa", entry.PayloadRef)
}

func TestSession_PlayRequestQueuesWhenBusy(t *testing.T) {
	f := newFixture(t)
	f.addTrack("one", "aaaaaaaaaaa")
	f.addTrack("two", "bbbbbbbbbbb")

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)
	_, err = f.session.PlayRequest(context.Background(), "two", "", "u", "vc-1")
	require.NoError(t, err)

	assert.Len(t, f.pipe.startedTracks(), 1, "second request queues, does not interrupt")
	snap := f.session.Snapshot()
	assert.Len(t, snap.Queue.Entries, 2)
	assert.Equal(t, 0, snap.Queue.CurrentIndex)
}

func TestSession_PlayNextJumpsTheQueue(t *testing.T) {
	f := newFixture(t)
	f.addTrack("one", "aaaaaaaaaaa")
	f.addTrack("two", "bbbbbbbbbbb")
	f.addTrack("urgent", "ccccccccccc")

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)
	_, err = f.session.PlayRequest(context.Background(), "two", "", "u", "vc-1")
	require.NoError(t, err)

	d, err := f.session.PlayNext(context.Background(), "urgent", "", "u", "vc-1")
	require.NoError(t, err)
	assert.Equal(t, "ccccccccccc", d.ID)
	assert.Len(t, f.pipe.startedTracks(), 1, "a busy pipeline keeps playing")

	snap := f.session.Snapshot()
	require.Len(t, snap.Queue.Entries, 3)
	assert.Equal(t, "ccccccccccc", snap.Queue.Entries[1].ID, "inserted right after the current track")

	next, ok, err := f.session.Skip(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ccccccccccc", next.ID)
}

func TestSession_PlayNextStartsWhenIdle(t *testing.T) {
	f := newFixture(t)
	f.addTrack("one", "aaaaaaaaaaa")

	_, err := f.session.PlayNext(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)

	started := f.pipe.startedTracks()
	require.Len(t, started, 1)
	assert.Equal(t, "aaaaaaaaaaa", started[0].ID)
}

func TestSession_AutoAdvanceOnFinished(t *testing.T) {
	f := newFixture(t)
	a := f.addTrack("one", "aaaaaaaaaaa")
	f.addTrack("two", "bbbbbbbbbbb")

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)
	_, err = f.session.PlayRequest(context.Background(), "two", "", "u", "vc-1")
	require.NoError(t, err)

	f.pipe.finish(a, 3*time.Minute)

	require.Eventually(t, func() bool {
		return len(f.pipe.startedTracks()) == 2
	}, 2*time.Second, 5*time.Millisecond, "queue advances and the next track starts")
	assert.Equal(t, "bbbbbbbbbbb", f.pipe.startedTracks()[1].ID)

	snap := f.session.Snapshot()
	assert.Equal(t, 1, snap.Stats.SongsPlayed)
	assert.Equal(t, 3*time.Minute, snap.Stats.TotalPlayed)
}

func TestSession_AutoAdvanceAfterErrored(t *testing.T) {
	f := newFixture(t)
	a := f.addTrack("one", "aaaaaaaaaaa")
	f.addTrack("two", "bbbbbbbbbbb")

	sub, cancel := f.bus.Subscribe()
	defer cancel()

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)
	_, err = f.session.PlayRequest(context.Background(), "two", "", "u", "vc-1")
	require.NoError(t, err)

	f.pipe.fail(a, errors.New("origin gone"))

	require.Eventually(t, func() bool {
		return len(f.pipe.startedTracks()) == 2
	}, 2*time.Second, 5*time.Millisecond, "a failed track must not wedge the queue")
	assert.Equal(t, "bbbbbbbbbbb", f.pipe.startedTracks()[1].ID)

	var sawErrored bool
	deadline := time.After(time.Second)
	for !sawErrored {
		select {
		case ev := <-sub:
			if ev.Type == events.TrackErrored {
				sawErrored = true
				payload, ok := ev.Payload.(TrackError)
				require.True(t, ok)
				assert.Equal(t, "origin gone", payload.Err)
			}
		case <-deadline:
			t.Fatal("track_errored event never published")
		}
	}

	assert.Equal(t, 0, f.session.Snapshot().Stats.SongsPlayed, "errored tracks do not count as played")
}

func TestSession_WarmCacheStartSkipsResolver(t *testing.T) {
	f := newFixture(t)
	a := f.addTrack("one", "aaaaaaaaaaa")

	// Second track resolves without a stream handle; only the cache knows it.
	b := track.Descriptor{
		ID:        "bbbbbbbbbbb",
		Title:     "title b",
		SourceURL: "https://youtube.com/watch?v=bbbbbbbbbbb",
		Platform:  track.PlatformYouTube,
	}
	f.resolver.mu.Lock()
	f.resolver.tracks["two"] = b
	f.resolver.mu.Unlock()
	f.store.Put(b.ID, "https://cdn.example.com/warm-b", 0)

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)
	_, err = f.session.PlayRequest(context.Background(), "two", "", "u", "vc-1")
	require.NoError(t, err)

	f.pipe.finish(a, time.Minute)

	require.Eventually(t, func() bool {
		return len(f.pipe.startedTracks()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "https://cdn.example.com/warm-b", f.pipe.startedTracks()[1].StreamURL,
		"warm entry supplies the stream handle")
	assert.Equal(t, 0, f.resolver.callCount(b.SourceURL),
		"warm start must not hit the resolver")
}

func TestSession_Skip(t *testing.T) {
	f := newFixture(t)
	f.addTrack("one", "aaaaaaaaaaa")
	f.addTrack("two", "bbbbbbbbbbb")

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)
	_, err = f.session.PlayRequest(context.Background(), "two", "", "u", "vc-1")
	require.NoError(t, err)

	next, ok, err := f.session.Skip(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bbbbbbbbbbb", next.ID)

	started := f.pipe.startedTracks()
	require.Len(t, started, 2)
	assert.Equal(t, "bbbbbbbbbbb", started[1].ID)
}

func TestSession_SkipDiscardsRacingFinish(t *testing.T) {
	f := newFixture(t)
	a := f.addTrack("one", "aaaaaaaaaaa")
	b := f.addTrack("two", "bbbbbbbbbbb")
	f.addTrack("three", "ccccccccccc")

	for _, q := range []string{"one", "two", "three"} {
		_, err := f.session.PlayRequest(context.Background(), q, "", "u", "vc-1")
		require.NoError(t, err)
	}

	next, ok, err := f.session.Skip(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b.ID, next.ID)

	// The first track hit end of stream just as the skip landed: its finish
	// is still in flight and arrives while the second track plays. It must
	// not advance the queue again.
	f.pipe.events <- pipeline.Event{Run: "r", State: pipeline.StateFinished, Track: a, Position: 3 * time.Minute}
	f.pipe.finish(b, time.Minute)

	require.Eventually(t, func() bool {
		return len(f.pipe.startedTracks()) == 3
	}, 2*time.Second, 5*time.Millisecond, "only the genuine finish advances")
	assert.Equal(t, "ccccccccccc", f.pipe.startedTracks()[2].ID)

	snap := f.session.Snapshot()
	assert.Equal(t, 2, snap.Queue.CurrentIndex, "third track is current, not skipped over")
	assert.Equal(t, 1, snap.Stats.SongsPlayed, "the stale finish does not count as a play")
	assert.Equal(t, time.Minute, snap.Stats.TotalPlayed)
}

func TestSession_SkipOnLastTrackDrains(t *testing.T) {
	f := newFixture(t)
	f.addTrack("one", "aaaaaaaaaaa")

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)

	_, ok, err := f.session.Skip(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, f.pipe.startedTracks(), 1, "nothing restarts after draining")
}

func TestSession_PauseResume(t *testing.T) {
	f := newFixture(t)
	f.addTrack("one", "aaaaaaaaaaa")

	assert.ErrorIs(t, f.session.Pause(), pipeline.ErrInvalidState)

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)

	require.NoError(t, f.session.Pause())
	require.NoError(t, f.session.Resume())
}

func TestSession_StopClearsQueue(t *testing.T) {
	f := newFixture(t)
	f.addTrack("one", "aaaaaaaaaaa")
	f.addTrack("two", "bbbbbbbbbbb")

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)
	_, err = f.session.PlayRequest(context.Background(), "two", "", "u", "vc-1")
	require.NoError(t, err)

	f.session.Stop()

	assert.Equal(t, 0, f.session.queue.Len())
	assert.Equal(t, pipeline.StateIdle, f.pipe.State())
}

func TestSession_EffectOps(t *testing.T) {
	f := newFixture(t)
	f.addTrack("one", "aaaaaaaaaaa")

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)

	t.Run("bass boost out of range", func(t *testing.T) {
		err := f.session.SetBassBoost(context.Background(), 25)
		assert.ErrorIs(t, err, effects.ErrInvalidParameter)
		assert.Empty(t, f.pipe.applied, "rejected change must not touch the pipeline")
	})

	t.Run("bass boost applied live", func(t *testing.T) {
		require.NoError(t, f.session.SetBassBoost(context.Background(), 10))
		require.Len(t, f.pipe.applied, 1)
		assert.Equal(t, "bass=g=10:f=110:w=0.6", f.pipe.applied[0])
		assert.Equal(t, 10, f.session.Snapshot().Effects.BassBoost)
	})

	t.Run("toggle nightcore", func(t *testing.T) {
		on, err := f.session.ToggleEffect(context.Background(), "nightcore")
		require.NoError(t, err)
		assert.True(t, on)
		off, err := f.session.ToggleEffect(context.Background(), "nightcore")
		require.NoError(t, err)
		assert.False(t, off)
	})

	t.Run("unknown effect", func(t *testing.T) {
		_, err := f.session.ToggleEffect(context.Background(), "reverb")
		assert.ErrorIs(t, err, effects.ErrInvalidParameter)
	})

	t.Run("preset replaces state", func(t *testing.T) {
		require.NoError(t, f.session.ApplyPreset(context.Background(), "party"))
		fx := f.session.Snapshot().Effects
		assert.Equal(t, 15, fx.BassBoost)
		assert.True(t, fx.Echo)
		assert.False(t, fx.Nightcore)
	})

	t.Run("unknown preset", func(t *testing.T) {
		err := f.session.ApplyPreset(context.Background(), "dubstep")
		assert.ErrorIs(t, err, effects.ErrInvalidParameter)
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, f.session.ClearEffects(context.Background()))
		assert.False(t, f.session.Snapshot().Effects.Any())
	})
}

func TestSession_SetVolume(t *testing.T) {
	f := newFixture(t)
	f.addTrack("one", "aaaaaaaaaaa")

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)
	assert.Equal(t, effects.DefaultVolume, f.session.Volume())

	t.Run("out of range", func(t *testing.T) {
		assert.ErrorIs(t, f.session.SetVolume(context.Background(), -1), effects.ErrInvalidParameter)
		assert.ErrorIs(t, f.session.SetVolume(context.Background(), effects.MaxVolume+1), effects.ErrInvalidParameter)
		assert.Empty(t, f.pipe.applied, "rejected change must not touch the pipeline")
		assert.Equal(t, effects.DefaultVolume, f.session.Volume())
	})

	t.Run("applied live", func(t *testing.T) {
		require.NoError(t, f.session.SetVolume(context.Background(), 50))
		require.Len(t, f.pipe.applied, 1)
		assert.Equal(t, "volume=0.50", f.pipe.applied[0])
		assert.Equal(t, 50, f.session.Snapshot().Volume)
	})

	t.Run("gain follows the effect chain", func(t *testing.T) {
		require.NoError(t, f.session.SetBassBoost(context.Background(), 10))
		require.Len(t, f.pipe.applied, 2)
		assert.Equal(t, "bass=g=10:f=110:w=0.6,volume=0.50", f.pipe.applied[1])
	})

	t.Run("unity gain drops the stage", func(t *testing.T) {
		require.NoError(t, f.session.SetVolume(context.Background(), effects.DefaultVolume))
		require.Len(t, f.pipe.applied, 3)
		assert.Equal(t, "bass=g=10:f=110:w=0.6", f.pipe.applied[2])
	})

	t.Run("mute", func(t *testing.T) {
		require.NoError(t, f.session.ClearEffects(context.Background()))
		require.NoError(t, f.session.SetVolume(context.Background(), 0))
		last := f.pipe.applied[len(f.pipe.applied)-1]
		assert.Equal(t, "volume=0.00", last)
	})

	t.Run("next start carries the gain", func(t *testing.T) {
		require.NoError(t, f.session.SetVolume(context.Background(), 150))
		_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
		require.NoError(t, err)
		_, _, err = f.session.Skip(context.Background())
		require.NoError(t, err)
		graphs := f.pipe.graphs
		assert.Equal(t, "volume=1.50", graphs[len(graphs)-1])
	})
}

func TestSession_LoopModeAndQueueOps(t *testing.T) {
	f := newFixture(t)
	f.addTrack("one", "aaaaaaaaaaa")
	f.addTrack("two", "bbbbbbbbbbb")
	f.addTrack("three", "ccccccccccc")

	for _, q := range []string{"one", "two", "three"} {
		_, err := f.session.PlayRequest(context.Background(), q, "", "u", "vc-1")
		require.NoError(t, err)
	}

	f.session.SetLoopMode(queue.LoopQueue)
	assert.Equal(t, queue.LoopQueue, f.session.Snapshot().Queue.LoopMode)

	removed, err := f.session.RemoveAt(2)
	require.NoError(t, err)
	assert.Equal(t, "ccccccccccc", removed.ID)

	_, err = f.session.RemoveAt(10)
	assert.Error(t, err)
}

func TestSession_RestoreSeedsPreferences(t *testing.T) {
	f := newFixture(t)
	f.session.Restore(Snapshot{
		Queue:   queue.Snapshot{LoopMode: queue.LoopQueue},
		Effects: effects.State{BassBoost: 8, Echo: true},
		Volume:  150,
	})

	snap := f.session.Snapshot()
	assert.Equal(t, queue.LoopQueue, snap.Queue.LoopMode)
	assert.Equal(t, 8, snap.Effects.BassBoost)
	assert.True(t, snap.Effects.Echo)
	assert.Equal(t, 150, snap.Volume)
	assert.Empty(t, snap.Queue.Entries, "restore does not revive the queue")
}

func TestSession_RestoreIgnoresInvalidFields(t *testing.T) {
	f := newFixture(t)
	f.session.Restore(Snapshot{
		Effects: effects.State{BassBoost: 99},
		Volume:  0, // record written before the volume field existed
	})

	snap := f.session.Snapshot()
	assert.False(t, snap.Effects.Any())
	assert.Equal(t, effects.DefaultVolume, snap.Volume)
}

func TestSession_TeardownPersistsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.addTrack("one", "aaaaaaaaaaa")

	_, err := f.session.PlayRequest(context.Background(), "one", "", "u", "vc-1")
	require.NoError(t, err)

	f.session.Teardown()
	f.session.Teardown() // idempotent

	f.storage.mu.Lock()
	defer f.storage.mu.Unlock()
	require.Len(t, f.storage.saved, 1)
	assert.Equal(t, "guild-1", f.storage.saved[0].GuildID)
	assert.Equal(t, "vc-1", f.storage.saved[0].VoiceChannelID)

	require.Len(t, f.transport.conns, 1)
	assert.True(t, f.transport.conns[0].isDisconnected())
}

func TestSession_EmptyChannelTeardownTimer(t *testing.T) {
	f := newFixture(t)
	f.session.cfg.TeardownGrace = 30 * time.Millisecond

	f.session.OnChannelEmpty()

	require.Eventually(t, func() bool {
		f.storage.mu.Lock()
		defer f.storage.mu.Unlock()
		return len(f.storage.saved) == 1
	}, 2*time.Second, 5*time.Millisecond, "grace expiry tears the session down")
}

func TestSession_MemberJoinCancelsTeardown(t *testing.T) {
	f := newFixture(t)
	f.session.cfg.TeardownGrace = 30 * time.Millisecond

	f.session.OnChannelEmpty()
	f.session.OnMemberJoin()

	time.Sleep(80 * time.Millisecond)
	f.storage.mu.Lock()
	saved := len(f.storage.saved)
	f.storage.mu.Unlock()
	assert.Zero(t, saved, "rejoin must disarm the teardown timer")
}

func TestSession_PlayRequestResolveFailure(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = errors.New("quota exceeded")

	_, err := f.session.PlayRequest(context.Background(), "anything", "", "u", "vc-1")
	require.Error(t, err)
	assert.Zero(t, f.session.queue.Len(), "failed resolve must not enqueue")
}
