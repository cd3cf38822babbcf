package client

import (
	"context"
	"encoding/json"
	"sync"
)

// Call is an in-flight custom message.
type Call struct {
	ID uint32

	mu       sync.Mutex
	queue    []json.RawMessage
	finished bool
	result   json.RawMessage
	err      error

	notify    chan struct{}
	done      chan struct{}
	pumpOnce  sync.Once
	partials  chan json.RawMessage
	finishOne sync.Once

	discarded   chan struct{}
	discardOnce sync.Once
}

func newCall() *Call {
	return &Call{
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		partials:  make(chan json.RawMessage),
		discarded: make(chan struct{}),
	}
}

// push queues a partial result. It never blocks the connection's read loop.
func (c *Call) push(v json.RawMessage) {
	c.mu.Lock()
	if c.finished || c.isDiscarded() {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, v)
	c.mu.Unlock()
	c.wake()
}

func (c *Call) isDiscarded() bool {
	select {
	case <-c.discarded:
		return true
	default:
		return false
	}
}

func (c *Call) finish(v json.RawMessage, err error) {
	c.finishOne.Do(func() {
		c.mu.Lock()
		c.finished = true
		c.result = v
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.wake()
	})
}

func (c *Call) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Partials returns a channel of partial results in arrival order. It is
// closed after the last partial once the call has terminated, or as soon as
// the call is discarded. Partials that arrive before the first call are
// buffered. A caller that stops reading before the channel closes must call
// Discard.
func (c *Call) Partials() <-chan json.RawMessage {
	c.pumpOnce.Do(func() { go c.pump() })
	return c.partials
}

func (c *Call) pump() {
	defer close(c.partials)
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			v := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			select {
			case c.partials <- v:
			case <-c.discarded:
				return
			}
			continue
		}
		finished := c.finished
		c.mu.Unlock()
		if finished {
			return
		}
		select {
		case <-c.notify:
		case <-c.discarded:
			return
		}
	}
}

// Discard drops undelivered partials and closes the Partials channel. The
// outcome stays available through Wait.
func (c *Call) Discard() {
	c.discardOnce.Do(func() {
		c.mu.Lock()
		c.queue = nil
		c.mu.Unlock()
		close(c.discarded)
	})
}

// Done is closed when the call has terminated.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call resolves or rejects, or ctx is done.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
