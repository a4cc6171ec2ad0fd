// Package session owns per-guild playback state: one queue, one effect
// configuration, one pipeline, one voice connection. All public operations
// are serialized; a background goroutine consumes pipeline events to
// auto-advance the queue.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mkarpov/resonix/internal/events"
	"github.com/mkarpov/resonix/internal/music/cache"
	"github.com/mkarpov/resonix/internal/music/effects"
	"github.com/mkarpov/resonix/internal/music/pipeline"
	"github.com/mkarpov/resonix/internal/music/preload"
	"github.com/mkarpov/resonix/internal/music/queue"
	"github.com/mkarpov/resonix/internal/music/voice"
	"github.com/mkarpov/resonix/internal/track"
)

// Pipeline is the playback surface the session drives. *pipeline.Pipeline
// satisfies it; tests substitute fakes.
type Pipeline interface {
	Start(ctx context.Context, d track.Descriptor, chain effects.Chain, conn voice.Conn) error
	Pause() error
	Resume() error
	Stop()
	ApplyEffects(ctx context.Context, chain effects.Chain) error
	Seek(ctx context.Context, offset time.Duration) error
	State() pipeline.State
	Position() time.Duration
	Events() <-chan pipeline.Event
}

// TrackResolver turns queries into playable descriptors. *resolver.Auto
// satisfies it.
type TrackResolver interface {
	Resolve(ctx context.Context, query string, hint track.Platform, requestedBy string) (track.Descriptor, error)
}

// SnapshotSink persists the final session snapshot at teardown. Optional;
// persistence failure never blocks teardown.
type SnapshotSink interface {
	SaveSession(guildID string, snap Snapshot) error
}

// PlayStats accumulates across the session lifetime.
type PlayStats struct {
	SongsPlayed int           `json:"songs_played"`
	TotalPlayed time.Duration `json:"total_played"`
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	GuildID        string         `json:"guild_id"`
	Queue          queue.Snapshot `json:"queue"`
	Effects        effects.State  `json:"effects"`
	Volume         int            `json:"volume"`
	PipelineState  pipeline.State `json:"pipeline_state"`
	Position       time.Duration  `json:"position"`
	VoiceChannelID string         `json:"voice_channel_id"`
	Stats          PlayStats      `json:"stats"`
}

// Config bounds one session.
type Config struct {
	TeardownGrace  time.Duration // empty-channel grace before teardown, default 2m
	Preload        preload.Config
	PreloadLimiter *rate.Limiter // shared across sessions, may be nil
}

func (c *Config) applyDefaults() {
	if c.TeardownGrace <= 0 {
		c.TeardownGrace = 2 * time.Minute
	}
}

// Deps are the collaborators a session drives. Bus and Storage are optional.
type Deps struct {
	Resolver  TrackResolver
	Pipeline  Pipeline
	Cache     *cache.Cache
	Transport voice.Transport
	Bus       *events.Bus
	Storage   SnapshotSink
	Log       zerolog.Logger
}

// Session is one guild's playback engine instance.
type Session struct {
	guildID string
	cfg     Config
	deps    Deps
	queue   *queue.Queue
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	fx            effects.State
	volume        int // percent of unity gain, effects.DefaultVolume at start
	conn          voice.Conn
	teardownTimer *time.Timer
	closed        bool
	stats         PlayStats
	lastActivity  time.Time

	onClose func(guildID string) // registry detach hook

	loopDone chan struct{}
}

func New(guildID string, cfg Config, deps Deps) *Session {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		guildID:      guildID,
		cfg:          cfg,
		deps:         deps,
		queue:        queue.New(),
		volume:       effects.DefaultVolume,
		log:          deps.Log.With().Str("component", "session").Str("guild_id", guildID).Logger(),
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: time.Now(),
		loopDone:     make(chan struct{}),
	}

	go s.eventLoop()

	if deps.Cache != nil && deps.Resolver != nil {
		pl := preload.New(cfg.Preload, s.queue.Upcoming, s.preloadResolve, deps.Cache, cfg.PreloadLimiter, deps.Log)
		go pl.Run(ctx)
	}

	return s
}

func (s *Session) GuildID() string { return s.guildID }

// preloadResolve refreshes a descriptor's stream handle from its source URL.
func (s *Session) preloadResolve(ctx context.Context, d track.Descriptor) (track.Descriptor, error) {
	return s.deps.Resolver.Resolve(ctx, d.SourceURL, d.Platform, d.RequestedBy)
}

// PlayRequest resolves the query, enqueues the result, and starts playback
// when nothing is playing. channelID is the voice channel to join if the
// session has no connection yet.
func (s *Session) PlayRequest(ctx context.Context, query string, hint track.Platform, requestedBy, channelID string) (track.Descriptor, error) {
	return s.play(ctx, query, hint, requestedBy, channelID, false)
}

// PlayNext is PlayRequest with queue priority: the resolved track lands right
// after the current one instead of at the tail.
func (s *Session) PlayNext(ctx context.Context, query string, hint track.Platform, requestedBy, channelID string) (track.Descriptor, error) {
	return s.play(ctx, query, hint, requestedBy, channelID, true)
}

func (s *Session) play(ctx context.Context, query string, hint track.Platform, requestedBy, channelID string, front bool) (track.Descriptor, error) {
	d, err := s.deps.Resolver.Resolve(ctx, query, hint, requestedBy)
	if err != nil {
		return track.Descriptor{}, err
	}
	if s.deps.Cache != nil && d.StreamURL != "" {
		s.deps.Cache.Put(d.ID, d.StreamURL, 0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return track.Descriptor{}, fmt.Errorf("session for guild %s is closed", s.guildID)
	}
	s.touchLocked()

	if front {
		s.queue.EnqueueFront(d)
	} else {
		s.queue.Enqueue(d)
	}
	s.publish(events.QueueChanged, s.queue.Snapshot())

	if s.deps.Pipeline.State() == pipeline.StateIdle {
		if err := s.connectLocked(ctx, channelID); err != nil {
			return d, err
		}
		if err := s.startCurrentLocked(ctx); err != nil {
			return d, err
		}
	}
	return d, nil
}

// connectLocked joins the voice channel if the session is not connected yet.
func (s *Session) connectLocked(ctx context.Context, channelID string) error {
	if s.conn != nil {
		return nil
	}
	if channelID == "" {
		return voice.ErrNotConnected
	}
	conn, err := s.deps.Transport.Connect(ctx, s.guildID, channelID)
	if err != nil {
		return fmt.Errorf("join voice channel %s: %w", channelID, err)
	}
	s.conn = conn
	return nil
}

// startCurrentLocked launches the pipeline for the queue's current track,
// preferring a warm cache entry and falling back to a fresh resolve.
func (s *Session) startCurrentLocked(ctx context.Context) error {
	d, ok := s.queue.Current()
	if !ok {
		return nil
	}
	if s.conn == nil {
		return voice.ErrNotConnected
	}

	if s.deps.Cache != nil {
		if entry, err := s.deps.Cache.Get(d.ID); err == nil {
			d.StreamURL = entry.PayloadRef
		} else if d.StreamURL == "" {
			entry, err := s.deps.Cache.GetOrFetch(ctx, d.ID, func(ctx context.Context) (string, int64, error) {
				resolved, err := s.preloadResolve(ctx, d)
				if err != nil {
					return "", 0, err
				}
				return resolved.StreamURL, 0, nil
			})
			if err != nil {
				return fmt.Errorf("resolve stream for %q: %w", d.Title, err)
			}
			d.StreamURL = entry.PayloadRef
		}
	}

	chain, err := s.chainLocked(s.fx)
	if err != nil {
		return err
	}
	if err := s.deps.Pipeline.Start(ctx, d, chain, s.conn); err != nil {
		return err
	}
	s.publish(events.TrackStarted, d)
	return nil
}

// Skip ends the current track and starts the next one, overriding loop-track
// mode. Returns the new current track, or ok=false when the queue drained.
func (s *Session) Skip(ctx context.Context) (track.Descriptor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	next, ok := s.queue.Skip()
	s.deps.Pipeline.Stop()
	s.publish(events.QueueChanged, s.queue.Snapshot())
	if !ok {
		return track.Descriptor{}, false, nil
	}
	if err := s.startCurrentLocked(ctx); err != nil {
		return next, true, err
	}
	return next, true, nil
}

// Pause suspends playback.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	return s.deps.Pipeline.Pause()
}

// Resume continues paused playback.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	return s.deps.Pipeline.Resume()
}

// Stop ends playback and clears the queue. The session stays alive.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	s.deps.Pipeline.Stop()
	s.queue.Clear()
	s.publish(events.QueueChanged, s.queue.Snapshot())
}

// Seek repositions the current track.
func (s *Session) Seek(ctx context.Context, offset time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	return s.deps.Pipeline.Seek(ctx, offset)
}

func (s *Session) SetLoopMode(mode queue.LoopMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	s.queue.SetLoopMode(mode)
	s.publish(events.QueueChanged, s.queue.Snapshot())
}

func (s *Session) Shuffle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	s.queue.Shuffle()
	s.publish(events.QueueChanged, s.queue.Snapshot())
}

func (s *Session) RemoveAt(index int) (track.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	removed, err := s.queue.RemoveAt(index)
	if err != nil {
		return track.Descriptor{}, err
	}
	s.publish(events.QueueChanged, s.queue.Snapshot())
	return removed, nil
}

func (s *Session) Move(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	if err := s.queue.Move(from, to); err != nil {
		return err
	}
	s.publish(events.QueueChanged, s.queue.Snapshot())
	return nil
}

// SetBassBoost sets the low-shelf gain in dB, 0 disabling the stage.
// Out-of-range values are rejected, never clamped.
func (s *Session) SetBassBoost(ctx context.Context, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	next := s.fx
	next.BassBoost = level
	return s.applyEffectsLocked(ctx, next)
}

// ToggleEffect flips one boolean effect by name (karaoke, nightcore, 3d,
// echo) and reports its new state.
func (s *Session) ToggleEffect(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	next := s.fx
	var enabled bool
	switch name {
	case "karaoke":
		next.Karaoke = !next.Karaoke
		enabled = next.Karaoke
	case "nightcore":
		next.Nightcore = !next.Nightcore
		enabled = next.Nightcore
	case "3d":
		next.ThreeD = !next.ThreeD
		enabled = next.ThreeD
	case "echo":
		next.Echo = !next.Echo
		enabled = next.Echo
	default:
		return false, fmt.Errorf("%w: unknown effect %q", effects.ErrInvalidParameter, name)
	}
	if err := s.applyEffectsLocked(ctx, next); err != nil {
		return false, err
	}
	return enabled, nil
}

// ApplyPreset replaces the whole effect state with a named preset.
func (s *Session) ApplyPreset(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	preset, ok := effects.Preset(name)
	if !ok {
		return fmt.Errorf("%w: unknown preset %q", effects.ErrInvalidParameter, name)
	}
	return s.applyEffectsLocked(ctx, preset)
}

// ClearEffects disables every effect.
func (s *Session) ClearEffects(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	return s.applyEffectsLocked(ctx, effects.State{})
}

// Restore seeds a fresh session with the per-guild preferences of its last
// persisted snapshot: loop mode, effect state, and volume. Queue contents are
// not revived; playback always restarts from a user request. Invalid fields
// are ignored rather than failing the whole restore.
func (s *Session) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Effects.Validate() == nil {
		s.fx = snap.Effects
	}
	// A zero volume in a record predating the volume field means unset,
	// not muted.
	if snap.Volume != 0 && effects.ValidateVolume(snap.Volume) == nil {
		s.volume = snap.Volume
	}
	s.queue.SetLoopMode(snap.Queue.LoopMode)
}

// SetVolume sets the playback gain in percent of unity. 0 mutes, values up
// to effects.MaxVolume amplify. Out-of-range values are rejected, never
// clamped. Takes effect immediately when a track is playing.
func (s *Session) SetVolume(ctx context.Context, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if err := effects.ValidateVolume(percent); err != nil {
		return err
	}
	prev := s.volume
	s.volume = percent
	if err := s.applyEffectsLocked(ctx, s.fx); err != nil {
		s.volume = prev
		return err
	}
	return nil
}

// Volume reports the current playback gain in percent.
func (s *Session) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// chainLocked renders the filter chain for a state, with the session's gain
// stage appended last so it scales the fully effected signal.
func (s *Session) chainLocked(st effects.State) (effects.Chain, error) {
	chain, err := effects.Build(st)
	if err != nil {
		return nil, err
	}
	if stage, ok := effects.VolumeStage(s.volume); ok {
		chain = append(chain, stage)
	}
	return chain, nil
}

// applyEffectsLocked validates and commits the new state, hot-swapping the
// pipeline filter graph when a run is active.
func (s *Session) applyEffectsLocked(ctx context.Context, next effects.State) error {
	if err := next.Validate(); err != nil {
		return err
	}
	chain, err := s.chainLocked(next)
	if err != nil {
		return err
	}

	switch s.deps.Pipeline.State() {
	case pipeline.StatePlaying, pipeline.StatePaused:
		if err := s.deps.Pipeline.ApplyEffects(ctx, chain); err != nil {
			return err
		}
	}
	s.fx = next
	s.publish(events.EffectsChanged, next)
	return nil
}

// Snapshot assembles the externally visible state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		GuildID:       s.guildID,
		Queue:         s.queue.Snapshot(),
		Effects:       s.fx,
		Volume:        s.volume,
		PipelineState: s.deps.Pipeline.State(),
		Position:      s.deps.Pipeline.Position(),
		Stats:         s.stats,
	}
	if s.conn != nil {
		snap.VoiceChannelID = s.conn.ChannelID()
	}
	return snap
}

// OnChannelEmpty arms the teardown timer: the session survives an empty
// voice channel for the grace period, then tears itself down.
func (s *Session) OnChannelEmpty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.teardownTimer != nil {
		return
	}
	s.log.Debug().Dur("grace", s.cfg.TeardownGrace).Msg("voice channel empty, arming teardown timer")
	s.teardownTimer = time.AfterFunc(s.cfg.TeardownGrace, s.Teardown)
}

// OnMemberJoin disarms a pending teardown.
func (s *Session) OnMemberJoin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.teardownTimer != nil {
		s.teardownTimer.Stop()
		s.teardownTimer = nil
		s.log.Debug().Msg("listener joined, teardown cancelled")
	}
}

// Teardown releases everything the session holds: pipeline, preloader,
// voice connection. The final snapshot goes to storage on a best-effort
// basis. Idempotent.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.teardownTimer != nil {
		s.teardownTimer.Stop()
		s.teardownTimer = nil
	}
	snap := s.snapshotLocked()
	conn := s.conn
	s.conn = nil
	onClose := s.onClose
	s.mu.Unlock()

	s.deps.Pipeline.Stop()
	s.cancel()
	<-s.loopDone

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			s.log.Warn().Err(err).Msg("voice disconnect failed")
		}
	}
	if s.deps.Storage != nil {
		if err := s.deps.Storage.SaveSession(s.guildID, snap); err != nil {
			s.log.Warn().Err(err).Msg("session snapshot persistence failed")
		}
	}
	if onClose != nil {
		onClose(s.guildID)
	}
	s.log.Info().Int("songs_played", snap.Stats.SongsPlayed).Msg("session torn down")
}

// eventLoop consumes pipeline events and auto-advances the queue at track
// boundaries.
func (s *Session) eventLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.deps.Pipeline.Events():
			s.handlePipelineEvent(ev)
		}
	}
}

func (s *Session) handlePipelineEvent(ev pipeline.Event) {
	switch ev.State {
	case pipeline.StateFinished:
		s.mu.Lock()
		if s.staleLocked(ev) {
			s.mu.Unlock()
			return
		}
		s.stats.SongsPlayed++
		s.stats.TotalPlayed += ev.Position
		s.publish(events.TrackFinished, ev.Track)
		s.advanceLocked()
		s.mu.Unlock()
	case pipeline.StateErrored:
		s.mu.Lock()
		if s.staleLocked(ev) {
			s.mu.Unlock()
			return
		}
		s.publish(events.TrackErrored, TrackError{Track: ev.Track, Err: errString(ev.Err)})
		s.log.Warn().Str("track_id", ev.Track.ID).Err(ev.Err).Msg("track errored, advancing")
		s.advanceLocked()
		s.mu.Unlock()
	case pipeline.StateStalled:
		s.log.Debug().Str("track_id", ev.Track.ID).Msg("pipeline stalled, recovery in progress")
	}
}

// staleLocked reports whether a terminal event belongs to a track the queue
// has already moved past. A user skip can race a natural end of stream: the
// old track's finish is still buffered when the next one starts, and acting
// on it would advance the queue a second time.
func (s *Session) staleLocked(ev pipeline.Event) bool {
	cur, ok := s.queue.Current()
	if !ok || cur.ID != ev.Track.ID {
		s.log.Debug().Str("track_id", ev.Track.ID).Msg("discarding terminal event for a superseded track")
		return true
	}
	return false
}

// TrackError is the payload of a track_errored event.
type TrackError struct {
	Track track.Descriptor `json:"track"`
	Err   string           `json:"error"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// advanceLocked moves the queue cursor and starts the next track, if any.
func (s *Session) advanceLocked() {
	if s.closed {
		return
	}
	_, ok := s.queue.Advance()
	s.publish(events.QueueChanged, s.queue.Snapshot())
	if !ok {
		return
	}
	if err := s.startCurrentLocked(s.ctx); err != nil {
		s.log.Warn().Err(err).Msg("auto-advance start failed")
	}
}

func (s *Session) publish(typ events.Type, payload any) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(s.guildID, typ, payload)
	}
}

func (s *Session) touchLocked() { s.lastActivity = time.Now() }

// LastActivity reports the time of the most recent user-driven operation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
