package worker

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/leonletto/resident/internal/logging"
)

// Session is the worker-side state of one client connection. It moves from
// open to closed exactly once, when the transport goes away.
//
// Closing is the only cancellation signal a handler receives: handlers poll
// Connected, watch Done or Context, or register a disconnect hook.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	hooks     []func()
	closing   bool

	done chan struct{}
}

func newSession(parent context.Context, logger *slog.Logger) *Session {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(logging.String(logging.FieldSessionID, id)),
		connected: true,
		done:      make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Connected reports whether the client is still attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Context is canceled when the client disconnects.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed after the session has closed and every disconnect hook has
// returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// OnDisconnect registers hook to run when the client disconnects. Hooks run
// sequentially in registration order. A hook registered after the session
// started closing runs immediately on the caller's goroutine.
func (s *Session) OnDisconnect(hook func()) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.runHook(hook)
		return
	}
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

// close transitions the session to closed. Only the first call has effect.
func (s *Session) close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.connected = false
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	s.cancel()
	for _, hook := range hooks {
		s.runHook(hook)
	}
	close(s.done)
}

func (s *Session) runHook(hook func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("disconnect hook panicked", logging.Any("panic", r))
		}
	}()
	hook()
}
