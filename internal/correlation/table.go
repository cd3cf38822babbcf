// Package correlation tracks in-flight requests that share one connection,
// routing partial and terminal responses back to the caller that issued them.
//
// Ids are drawn at random and probed linearly past live entries, so an id is
// unique only among entries that are still pending and may be reused once
// retired. Ids are not monotonic and must not be used for ordering.
package correlation

import (
	"errors"
	"math/rand/v2"
	"sync"
)

var (
	// ErrIDInUse is returned by Register when the id is still pending.
	ErrIDInUse = errors.New("correlation id already in use")
	// ErrTableExhausted is returned when every id is pending.
	ErrTableExhausted = errors.New("correlation table exhausted")
)

// Handlers are the callbacks stored for one pending request.
type Handlers[T any] struct {
	// Stream is invoked, in order, for every partial result.
	Stream []func(T)
	// Resolve is invoked once with the terminal value.
	Resolve func(T)
	// Reject is invoked once with the terminal failure.
	Reject func(error)
}

// Table maps request ids to their pending callbacks. It is safe for
// concurrent use. Callbacks run outside the table lock.
type Table[T any] struct {
	mu      sync.Mutex
	entries map[uint32]*Handlers[T]
	draw    func() uint32
}

// New returns an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{
		entries: make(map[uint32]*Handlers[T]),
		draw:    rand.Uint32,
	}
}

// Len returns the number of pending entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Allocate returns an id not currently in use. The id is not reserved; use
// Add to allocate and register atomically.
func (t *Table[T]) Allocate() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocateLocked()
}

// allocateLocked probes at most len(entries)+1 candidates starting from a
// random id, which always reaches a free one unless the id space is full.
func (t *Table[T]) allocateLocked() (uint32, error) {
	id := t.draw()
	for probes := 0; probes <= len(t.entries); probes++ {
		if id == 0 {
			id = 1
		}
		if _, taken := t.entries[id]; !taken {
			return id, nil
		}
		id++
	}
	return 0, ErrTableExhausted
}

// Register stores handlers under id.
func (t *Table[T]) Register(id uint32, h Handlers[T]) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.entries[id]; taken || id == 0 {
		return ErrIDInUse
	}
	t.entries[id] = &h
	return nil
}

// Add allocates an id and registers h under it.
func (t *Table[T]) Add(h Handlers[T]) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, err := t.allocateLocked()
	if err != nil {
		return 0, err
	}
	t.entries[id] = &h
	return id, nil
}

// DispatchStream delivers a partial result to every stream handler of id.
// Unknown ids are ignored, e.g. when the caller has already gone away.
func (t *Table[T]) DispatchStream(id uint32, v T) bool {
	t.mu.Lock()
	h, ok := t.entries[id]
	var streams []func(T)
	if ok {
		streams = h.Stream
	}
	t.mu.Unlock()
	for _, fn := range streams {
		fn(v)
	}
	return ok
}

// Resolve removes id and invokes its resolve callback.
func (t *Table[T]) Resolve(id uint32, v T) bool {
	h, ok := t.take(id)
	if ok && h.Resolve != nil {
		h.Resolve(v)
	}
	return ok
}

// Reject removes id and invokes its reject callback.
func (t *Table[T]) Reject(id uint32, err error) bool {
	h, ok := t.take(id)
	if ok && h.Reject != nil {
		h.Reject(err)
	}
	return ok
}

// Remove drops id without invoking any callback.
func (t *Table[T]) Remove(id uint32) bool {
	_, ok := t.take(id)
	return ok
}

// RejectAll rejects and removes every pending entry. It returns the number
// of entries rejected.
func (t *Table[T]) RejectAll(err error) int {
	t.mu.Lock()
	pending := t.entries
	t.entries = make(map[uint32]*Handlers[T])
	t.mu.Unlock()
	for _, h := range pending {
		if h.Reject != nil {
			h.Reject(err)
		}
	}
	return len(pending)
}

func (t *Table[T]) take(id uint32) (*Handlers[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return h, ok
}
