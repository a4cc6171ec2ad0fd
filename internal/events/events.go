// Package events is the engine's outbound event sink: a subscribable
// at-least-once stream of per-guild playback events consumed by the command
// layer and the dashboard.
package events

import (
	"sync"
	"time"
)

// Type enumerates the published event kinds.
type Type string

const (
	TrackStarted   Type = "track_started"
	TrackFinished  Type = "track_finished"
	TrackErrored   Type = "track_errored"
	QueueChanged   Type = "queue_changed"
	EffectsChanged Type = "effects_changed"
)

// Event is one published occurrence. Delivery is at-least-once; consumers
// must tolerate duplicates.
type Event struct {
	GuildID string
	Type    Type
	Payload any
	At      time.Time
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
	out     chan Event
	done    chan struct{}
}

// Bus fans events out to subscribers. A slow subscriber's backlog grows
// instead of dropping events; Publish never blocks on consumers.
type Bus struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	now  func() time.Time
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{}), now: time.Now}
}

// Subscribe registers a consumer. The returned cancel func detaches it and
// closes the channel once the backlog is delivered or abandoned.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{out: make(chan Event, 16), done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.drain()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()

			s.mu.Lock()
			s.closed = true
			s.cond.Signal()
			s.mu.Unlock()
			close(s.done)
		})
	}
	return s.out, cancel
}

// Publish delivers an event to every subscriber's backlog.
func (b *Bus) Publish(guildID string, typ Type, payload any) {
	ev := Event{GuildID: guildID, Type: typ, Payload: payload, At: b.now()}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.closed {
			s.pending = append(s.pending, ev)
			s.cond.Signal()
		}
		s.mu.Unlock()
	}
}

func (s *subscriber) drain() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
