package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var ErrNoSession = errors.New("no session for guild")

// Factory builds a fresh session for a guild. The registry installs its own
// detach hook on the result.
type Factory func(guildID string) *Session

// Registry holds at most one live session per guild and hands out the
// existing one on concurrent requests.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  Factory
	log      zerolog.Logger
}

func NewRegistry(factory Factory, log zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		factory:  factory,
		log:      log.With().Str("component", "registry").Logger(),
	}
}

// GetOrCreate returns the guild's session, creating it atomically when
// absent. Concurrent callers for the same guild all get the same session.
func (r *Registry) GetOrCreate(guildID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[guildID]; ok {
		return s
	}
	s := r.factory(guildID)
	s.onClose = r.detach
	r.sessions[guildID] = s
	r.log.Info().Str("guild_id", guildID).Msg("session created")
	return s
}

// Get returns the live session for the guild, or ErrNoSession.
func (r *Registry) Get(guildID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[guildID]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// Remove tears the guild's session down, if one exists.
func (r *Registry) Remove(guildID string) {
	r.mu.Lock()
	s, ok := r.sessions[guildID]
	r.mu.Unlock()
	if ok {
		s.Teardown() // detach hook deletes the map entry
	}
}

// detach is the onClose hook: it only drops the map entry, the session has
// already released its resources.
func (r *Registry) detach(guildID string) {
	r.mu.Lock()
	delete(r.sessions, guildID)
	r.mu.Unlock()
	r.log.Info().Str("guild_id", guildID).Msg("session removed")
}

// List returns the guild IDs with live sessions, sorted for stable output.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SessionState returns the snapshot of one guild's session, the
// administrative query surface.
func (r *Registry) SessionState(guildID string) (Snapshot, error) {
	s, err := r.Get(guildID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Drain tears down every session, used at shutdown. Stops early when ctx
// expires; remaining sessions are left to the process exit.
func (r *Registry) Drain(ctx context.Context) {
	for _, guildID := range r.List() {
		if ctx.Err() != nil {
			r.log.Warn().Err(ctx.Err()).Msg("drain aborted")
			return
		}
		r.Remove(guildID)
	}
}
