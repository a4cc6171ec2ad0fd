// Package pipeline owns the per-session transcoding run: it feeds the
// current track's stream through ffmpeg with the active filter graph and
// pushes PCM frames into the voice transport, with stall recovery and
// lifecycle events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkarpov/resonix/internal/music/effects"
	"github.com/mkarpov/resonix/internal/music/voice"
	"github.com/mkarpov/resonix/internal/track"
	"github.com/mkarpov/resonix/pkg/retry"
)

// State is the pipeline lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StatePlaying  State = "playing"
	StatePaused   State = "paused"
	StateStalled  State = "stalled"
	StateFinished State = "finished"
	StateErrored  State = "errored"
)

var (
	ErrResourceBusy  = errors.New("pipeline already starting or playing")
	ErrInvalidState  = errors.New("operation not valid in current pipeline state")
	ErrFirstFrame    = errors.New("no audio produced before start timeout")
	errStreamStalled = errors.New("stream read stalled")
)

// StreamOpener opens a decoded PCM stream (s16le, 48 kHz stereo) for a track
// at a given offset with a rendered filter graph. The production opener runs
// ffmpeg; tests substitute fakes.
type StreamOpener interface {
	Open(ctx context.Context, d track.Descriptor, filterGraph string, offset time.Duration) (io.ReadCloser, error)
}

// Event is one lifecycle notification. Terminal events (Finished, Errored)
// are always followed by the pipeline returning to Idle.
type Event struct {
	Run      string
	State    State
	Track    track.Descriptor
	Position time.Duration
	Err      error
}

// Config bounds the run. Zero values fall back to defaults.
type Config struct {
	StartTimeout  time.Duration // wait for the first audio frame
	RetryAttempts int           // stall reattach budget
	RetryBase     time.Duration // first reattach backoff
}

func (c *Config) applyDefaults() {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
}

const frameDuration = 20 * time.Millisecond

// Pipeline runs at most one transcoding run at a time. All public methods
// are safe for concurrent use; the session serializes the ones that matter.
type Pipeline struct {
	opener StreamOpener
	cfg    Config
	log    zerolog.Logger

	mu       sync.Mutex
	state    State
	run      *run
	events   chan Event
	position time.Duration
}

type run struct {
	id     string
	track  track.Descriptor
	graph  string
	conn   voice.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	resumeCh chan struct{} // non-nil while paused
	stream   io.ReadCloser // current source, closed on Stop to unblock reads
}

func (r *run) setStream(s io.ReadCloser) {
	r.mu.Lock()
	r.stream = s
	r.mu.Unlock()
}

// closeStream closes the registered source. Reads blocked on a pipe are not
// interrupted by context cancellation, so Stop relies on this to unwedge the
// run goroutine.
func (r *run) closeStream() {
	r.mu.Lock()
	s := r.stream
	r.stream = nil
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func New(opener StreamOpener, cfg Config, log zerolog.Logger) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		opener: opener,
		cfg:    cfg,
		log:    log.With().Str("component", "pipeline").Logger(),
		state:  StateIdle,
		events: make(chan Event, 16),
	}
}

// Events is the lifecycle stream consumed by the guild session.
func (p *Pipeline) Events() <-chan Event { return p.events }

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Position returns the playback position of the current (or last) run.
func (p *Pipeline) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// Start launches a run for the track. Fails with ErrResourceBusy while a run
// is starting or playing. The descriptor must carry a stream handle.
func (p *Pipeline) Start(ctx context.Context, d track.Descriptor, chain effects.Chain, conn voice.Conn) error {
	return p.startAt(ctx, d, chain.FilterGraph(), conn, 0)
}

func (p *Pipeline) startAt(ctx context.Context, d track.Descriptor, graph string, conn voice.Conn, offset time.Duration) error {
	p.mu.Lock()
	switch p.state {
	case StateStarting, StatePlaying, StatePaused, StateStalled:
		p.mu.Unlock()
		return ErrResourceBusy
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:     uuid.NewString(),
		track:  d,
		graph:  graph,
		conn:   conn,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.run = r
	p.state = StateStarting
	p.position = offset
	p.mu.Unlock()

	p.log.Info().
		Str("run", r.id).
		Str("track_id", d.ID).
		Str("title", d.Title).
		Dur("offset", offset).
		Str("filter_graph", r.graph).
		Msg("starting playback run")

	go p.runLoop(r, offset)
	return nil
}

// Pause suspends frame delivery. Valid only from Playing.
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePlaying {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, p.state)
	}
	p.run.pause()
	p.state = StatePaused
	return nil
}

// Resume continues a paused run. Valid only from Paused.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, p.state)
	}
	p.run.resume()
	p.state = StatePlaying
	return nil
}

// Stop terminates the current run from any state and returns to Idle.
// Idempotent; waits for the run goroutine to release its resources.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	r := p.run
	if r == nil {
		p.state = StateIdle
		p.mu.Unlock()
		return
	}
	p.run = nil
	p.state = StateIdle
	p.mu.Unlock()

	r.resume() // unblock a paused loop so it can observe cancellation
	r.cancel()
	r.closeStream()
	<-r.done
}

// ApplyEffects hot-swaps the filter graph by restarting the run at the
// current position. Valid while Playing or Paused; the audible gap is one
// process restart.
func (p *Pipeline) ApplyEffects(ctx context.Context, chain effects.Chain) error {
	graph := chain.FilterGraph()
	return p.restartAt(ctx, &graph, -1)
}

// Seek restarts the current run at the given offset, keeping the active
// filter graph.
func (p *Pipeline) Seek(ctx context.Context, offset time.Duration) error {
	if offset < 0 {
		return fmt.Errorf("%w: negative seek", ErrInvalidState)
	}
	return p.restartAt(ctx, nil, offset)
}

// restartAt stops the current run and starts a new one against the same
// track and connection. graph == nil keeps the current graph; offset < 0
// keeps the current position.
func (p *Pipeline) restartAt(ctx context.Context, graph *string, offset time.Duration) error {
	p.mu.Lock()
	if p.state != StatePlaying && p.state != StatePaused {
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: reconfigure from %s", ErrInvalidState, st)
	}
	r := p.run
	d := r.track
	conn := r.conn
	next := r.graph
	if graph != nil {
		next = *graph
	}
	if offset < 0 {
		offset = p.position
	}
	p.mu.Unlock()

	p.Stop()

	return p.startAt(ctx, d, next, conn, offset)
}

// runLoop is the body of one playback run.
func (p *Pipeline) runLoop(r *run, offset time.Duration) {
	defer close(r.done)
	defer r.cancel()

	stream, err := p.openWithFirstFrameTimeout(r, offset)
	if err != nil {
		p.finishRun(r, StateErrored, err)
		return
	}
	r.setStream(stream)

	_ = r.conn.Speaking(true)
	defer func() { _ = r.conn.Speaking(false) }()

	p.setRunState(r, StatePlaying)
	p.emit(r, StatePlaying, nil)

	buf := make([]byte, voice.FrameBytes)
	position := offset + frameDuration // first frame already delivered

	for {
		if err := r.waitIfPaused(); err != nil {
			r.closeStream()
			return
		}
		select {
		case <-r.ctx.Done():
			r.closeStream()
			return
		default:
		}

		_, err := io.ReadFull(stream, buf)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			r.closeStream()
			p.finishRun(r, StateFinished, nil)
			return
		default:
			r.closeStream()
			if r.ctx.Err() != nil {
				return
			}
			reopened, rerr := p.reattach(r, position)
			if rerr != nil {
				p.finishRun(r, StateErrored, rerr)
				return
			}
			stream = reopened
			r.setStream(stream)
			p.setRunState(r, StatePlaying)
			continue
		}

		if werr := r.conn.WriteFrame(r.ctx, buf); werr != nil {
			r.closeStream()
			if r.ctx.Err() != nil {
				return
			}
			p.finishRun(r, StateErrored, fmt.Errorf("voice transport: %w", werr))
			return
		}

		position += frameDuration
		p.mu.Lock()
		if p.run == r {
			p.position = position
		}
		p.mu.Unlock()
	}
}

// openWithFirstFrameTimeout opens the stream and requires the first frame
// within the configured start window; a silent transcoder is treated as a
// stall, not a hang.
func (p *Pipeline) openWithFirstFrameTimeout(r *run, offset time.Duration) (io.ReadCloser, error) {
	openCtx, cancel := context.WithTimeout(r.ctx, p.cfg.StartTimeout)
	defer cancel()

	stream, err := p.opener.Open(openCtx, r.track, r.graph, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFirstFrame, err)
	}

	type res struct {
		buf []byte
		err error
	}
	first := make(chan res, 1)
	go func() {
		buf := make([]byte, voice.FrameBytes)
		_, err := io.ReadFull(stream, buf)
		first <- res{buf, err}
	}()

	select {
	case <-openCtx.Done():
		stream.Close()
		if r.ctx.Err() != nil {
			return nil, r.ctx.Err()
		}
		return nil, ErrFirstFrame
	case f := <-first:
		if f.err != nil {
			stream.Close()
			return nil, fmt.Errorf("%w: %w", ErrFirstFrame, f.err)
		}
		if werr := r.conn.WriteFrame(r.ctx, f.buf); werr != nil {
			stream.Close()
			return nil, fmt.Errorf("voice transport: %w", werr)
		}
		p.mu.Lock()
		p.position += frameDuration
		p.mu.Unlock()
		return stream, nil
	}
}

// reattach recovers a mid-stream failure: Stalled state, then bounded
// exponential backoff reopening the stream at the failure position.
func (p *Pipeline) reattach(r *run, position time.Duration) (io.ReadCloser, error) {
	p.setRunState(r, StateStalled)
	p.emit(r, StateStalled, errStreamStalled)
	p.log.Warn().Str("run", r.id).Dur("position", position).Msg("stream stalled, reattaching")

	var stream io.ReadCloser
	err := retry.Do(r.ctx, p.cfg.RetryAttempts, p.cfg.RetryBase, func(attempt int) error {
		s, err := p.opener.Open(r.ctx, r.track, r.graph, position)
		if err != nil {
			p.log.Warn().Str("run", r.id).Int("attempt", attempt).Err(err).Msg("reattach failed")
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// finishRun emits the terminal event and returns the pipeline to Idle,
// unless the run was already superseded by Stop.
func (p *Pipeline) finishRun(r *run, terminal State, err error) {
	p.mu.Lock()
	if p.run != r {
		p.mu.Unlock()
		return
	}
	p.run = nil
	p.state = StateIdle
	p.mu.Unlock()

	if err != nil {
		p.log.Error().Str("run", r.id).Str("track_id", r.track.ID).Err(err).Msg("playback run failed")
	} else {
		p.log.Info().Str("run", r.id).Str("track_id", r.track.ID).Str("state", string(terminal)).Msg("playback run ended")
	}
	p.emit(r, terminal, err)
}

func (p *Pipeline) setRunState(r *run, s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == r {
		p.state = s
	}
}

// emit delivers an event without ever wedging the run goroutine: the buffer
// absorbs bursts and run cancellation aborts a blocked send.
func (p *Pipeline) emit(r *run, s State, err error) {
	ev := Event{Run: r.id, State: s, Track: r.track, Position: p.Position(), Err: err}
	select {
	case p.events <- ev:
	case <-r.ctx.Done():
		// Terminal events must still reach the session after Stop cancelled
		// the run context, so fall back to a buffered best effort.
		select {
		case p.events <- ev:
		default:
			p.log.Warn().Str("run", r.id).Str("state", string(s)).Msg("event dropped, channel full")
		}
	}
}

func (r *run) pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resumeCh == nil {
		r.resumeCh = make(chan struct{})
	}
}

func (r *run) resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resumeCh != nil {
		close(r.resumeCh)
		r.resumeCh = nil
	}
}

// waitIfPaused blocks while the run is paused; returns an error only when
// the run was cancelled while waiting.
func (r *run) waitIfPaused() error {
	r.mu.Lock()
	ch := r.resumeCh
	r.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}
