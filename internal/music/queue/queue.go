// Package queue implements the per-guild track queue with loop modes,
// shuffle and auto-advance semantics.
package queue

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/mkarpov/resonix/internal/track"
)

var ErrIndexOutOfRange = errors.New("queue index out of range")

// LoopMode controls what Advance does at track boundaries.
type LoopMode string

const (
	LoopOff   LoopMode = "off"
	LoopTrack LoopMode = "track"
	LoopQueue LoopMode = "queue"
)

// Queue is the ordered track sequence of one guild session. Mutating
// operations are serialized by the session; Upcoming and Snapshot may run
// concurrently with the preloader, so everything locks.
type Queue struct {
	mu        sync.Mutex
	entries   []track.Descriptor
	current   int
	loop      LoopMode
	exhausted bool

	shuffleFn func(n int, swap func(i, j int)) // test hook
}

func New() *Queue {
	return &Queue{loop: LoopOff, shuffleFn: rand.Shuffle}
}

// Enqueue appends a track. If the queue was empty or drained, the new track
// becomes current.
func (q *Queue) Enqueue(t track.Descriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, t)
	if len(q.entries) == 1 {
		q.current = 0
		q.exhausted = false
	}
	if q.exhausted {
		q.current = len(q.entries) - 1
		q.exhausted = false
	}
}

// EnqueueFront inserts a track right after the current one so it plays next.
func (q *Queue) EnqueueFront(t track.Descriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 || q.exhausted {
		q.entries = append(q.entries, t)
		q.current = len(q.entries) - 1
		q.exhausted = false
		return
	}
	at := q.current + 1
	q.entries = append(q.entries[:at], append([]track.Descriptor{t}, q.entries[at:]...)...)
}

// Current returns the playing track, or ok=false when the queue is empty or
// drained past its end.
func (q *Queue) Current() (track.Descriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentLocked()
}

func (q *Queue) currentLocked() (track.Descriptor, bool) {
	if len(q.entries) == 0 || q.exhausted {
		return track.Descriptor{}, false
	}
	return q.entries[q.current], true
}

// Advance moves to the next track according to the loop mode and returns it.
// LoopOff past the end drains the queue (ok=false, session goes idle);
// LoopTrack re-yields the current track without moving; LoopQueue wraps.
func (q *Queue) Advance() (track.Descriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 || q.exhausted {
		return track.Descriptor{}, false
	}

	switch q.loop {
	case LoopTrack:
		return q.entries[q.current], true
	case LoopQueue:
		q.current++
		if q.current >= len(q.entries) {
			q.current = 0
		}
		return q.entries[q.current], true
	default:
		q.current++
		if q.current >= len(q.entries) {
			q.current = len(q.entries) - 1
			q.exhausted = true
			return track.Descriptor{}, false
		}
		return q.entries[q.current], true
	}
}

// Skip forces progression to the next entry regardless of LoopTrack.
func (q *Queue) Skip() (track.Descriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 || q.exhausted {
		return track.Descriptor{}, false
	}
	q.current++
	if q.current >= len(q.entries) {
		if q.loop == LoopQueue {
			q.current = 0
			return q.entries[q.current], true
		}
		q.current = len(q.entries) - 1
		q.exhausted = true
		return track.Descriptor{}, false
	}
	return q.entries[q.current], true
}

// RemoveAt deletes the entry at index, keeping the current index pointed at
// the same logical track whenever possible.
func (q *Queue) RemoveAt(index int) (track.Descriptor, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index < 0 || index >= len(q.entries) {
		return track.Descriptor{}, ErrIndexOutOfRange
	}
	removed := q.entries[index]
	q.entries = append(q.entries[:index], q.entries[index+1:]...)

	switch {
	case len(q.entries) == 0:
		q.current = 0
		q.exhausted = false
	case index < q.current:
		q.current--
	case index == q.current && q.current >= len(q.entries):
		q.current = len(q.entries) - 1
	}
	return removed, nil
}

// Move relocates the entry at from to position to. The current track may be
// moved like any other; the current index follows it.
func (q *Queue) Move(from, to int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if from < 0 || from >= len(q.entries) || to < 0 || to >= len(q.entries) {
		return ErrIndexOutOfRange
	}
	if from == to {
		return nil
	}
	item := q.entries[from]
	q.entries = append(q.entries[:from], q.entries[from+1:]...)
	q.entries = append(q.entries[:to], append([]track.Descriptor{item}, q.entries[to:]...)...)

	switch {
	case q.current == from:
		q.current = to
	case from < q.current && to >= q.current:
		q.current--
	case from > q.current && to <= q.current:
		q.current++
	}
	return nil
}

func (q *Queue) SetLoopMode(mode LoopMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loop = mode
}

func (q *Queue) LoopMode() LoopMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loop
}

// Shuffle randomizes the order of every entry except the current one, which
// keeps its position.
func (q *Queue) Shuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) < 3 {
		return
	}
	rest := make([]track.Descriptor, 0, len(q.entries)-1)
	for i, t := range q.entries {
		if i != q.current || q.exhausted {
			rest = append(rest, t)
		}
	}
	q.shuffleFn(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	if q.exhausted {
		q.entries = rest
		q.current = len(rest) - 1
		return
	}
	out := make([]track.Descriptor, 0, len(q.entries))
	out = append(out, rest[:q.current]...)
	out = append(out, q.entries[q.current])
	out = append(out, rest[q.current:]...)
	q.entries = out
}

// Upcoming returns up to n entries after the current one. Read-only view
// used by the preloader; never includes the playing track.
func (q *Queue) Upcoming(n int) []track.Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 || q.exhausted || n <= 0 {
		return nil
	}

	// Walk forward from the cursor, wrapping only in loop-queue mode and
	// never far enough to come back around to the playing track.
	var out []track.Descriptor
	for i := 1; i <= n && i < len(q.entries); i++ {
		idx := q.current + i
		if idx >= len(q.entries) {
			if q.loop != LoopQueue {
				break
			}
			idx -= len(q.entries)
		}
		out = append(out, q.entries[idx])
	}
	return out
}

// Clear drops every entry, including the current one.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	q.current = 0
	q.exhausted = false
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot is the externally visible queue state.
type Snapshot struct {
	Entries      []track.Descriptor
	CurrentIndex int // -1 when empty or drained
	LoopMode     LoopMode
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Snapshot{
		Entries:      make([]track.Descriptor, len(q.entries)),
		CurrentIndex: -1,
		LoopMode:     q.loop,
	}
	copy(s.Entries, q.entries)
	if len(q.entries) > 0 && !q.exhausted {
		s.CurrentIndex = q.current
	}
	return s
}
