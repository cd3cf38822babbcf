// Package worker is the background side of a resident program: it accepts
// client connections on a localhost port, runs command bodies and custom
// message handlers on their behalf, and owns the worker lifecycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leonletto/resident/internal/logging"
	"github.com/leonletto/resident/internal/protocol"
	"github.com/leonletto/resident/internal/spawn"
)

var (
	// ErrAlreadyRunning is returned by Run when another worker owns the port.
	ErrAlreadyRunning = errors.New("a worker is already running on this port")
	// ErrNoSpawner is returned by Restart when the server cannot launch a
	// successor.
	ErrNoSpawner = errors.New("restart: no spawner configured")
)

// Spawner launches a successor worker and waits until it is ready.
type Spawner interface {
	Spawn(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address, normally localhost:<port>.
	Addr string
	// Version is the application version reported by status and checked
	// against every cli request.
	Version string
	// PIDPath and LockPath are optional state files.
	PIDPath  string
	LockPath string

	OnStart       []Hook
	OnStop        []Hook
	HandleMessage MessageHandler
	Runner        Runner
	Spawner       Spawner

	// Ready is called once the listener is bound and every start hook has
	// returned.
	Ready func() error
	// HandleSignals makes SIGTERM and SIGINT behave like a stop request.
	HandleSignals bool
	// MessageRate caps custom messages per second on each session. Zero
	// means unlimited.
	MessageRate float64

	Logger *slog.Logger
}

// Server is a worker. Use Run to serve; it returns after the listener has
// closed, every session has ended, and the stop hooks have run.
type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	http     *http.Server

	mu        sync.RWMutex
	listener  net.Listener
	lock      *Lock
	closing   bool
	startedAt time.Time
	conns     map[*connection]struct{}

	connWG sync.WaitGroup
	taskWG sync.WaitGroup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	reboot rebootGuard
}

// rebootGuard lets exactly one restart proceed; every caller observes the
// outcome of that one attempt. It is never reset.
type rebootGuard struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewServer returns an unstarted worker.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:       opts,
		logger:     logging.NewComponentLogger(opts.Logger, "worker"),
		conns:      make(map[*connection]struct{}),
		shutdownCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Only local processes can reach the listener.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.reboot.done = make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Run binds the listener and serves until shutdown. Canceling ctx shuts down
// and disconnects every client.
func (s *Server) Run(ctx context.Context) error {
	if s.opts.LockPath != "" {
		lock, err := AcquireLock(s.opts.LockPath)
		if err != nil {
			if errors.Is(err, ErrLocked) {
				return fmt.Errorf("%w (%s)", ErrAlreadyRunning, s.opts.Addr)
			}
			return err
		}
		s.mu.Lock()
		s.lock = lock
		s.mu.Unlock()
		defer s.releaseLock()
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.startedAt = time.Now()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		_ = ln.Close()
		return nil
	}
	defer func() { _ = s.http.Close() }()

	logger := s.logger.With(logging.String("addr", ln.Addr().String()))

	pid := os.Getpid()
	if s.opts.PIDPath != "" {
		info := PIDInfo{PID: pid, Port: s.Port(), Version: s.opts.Version, StartedAt: s.startedAt.UTC()}
		if err := WritePIDFile(s.opts.PIDPath, info); err != nil {
			_ = ln.Close()
			return err
		}
		defer func() {
			if err := RemovePIDFile(s.opts.PIDPath, pid); err != nil {
				logger.Warn("pid file cleanup failed", logging.Error(err))
			}
		}()
	}

	for i, hook := range s.opts.OnStart {
		if err := hook(ctx); err != nil {
			_ = ln.Close()
			return fmt.Errorf("start hook %d: %w", i+1, err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		err := s.http.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			serveErr <- err
		}
	}()

	if s.opts.Ready != nil {
		if err := s.opts.Ready(); err != nil {
			logger.Warn("readiness signal failed", logging.Error(err))
		}
	}
	logger.Info("worker listening",
		logging.Int(logging.FieldPID, pid),
		logging.String(logging.FieldVersion, s.VersionString()))

	finished := make(chan struct{})
	defer close(finished)
	go s.watch(ctx, finished)

	select {
	case <-s.shutdownCh:
	case err := <-serveErr:
		logger.Error("listener failed", logging.Error(err))
		s.Shutdown()
	}

	logger.Info("listener closed, waiting for sessions")
	s.connWG.Wait()
	s.taskWG.Wait()

	var errs []error
	stopCtx := context.WithoutCancel(ctx)
	for i, hook := range s.opts.OnStop {
		if err := hook(stopCtx); err != nil {
			logger.Error("stop hook failed", logging.Int("hook", i+1), logging.Error(err))
			errs = append(errs, fmt.Errorf("stop hook %d: %w", i+1, err))
		}
	}
	logger.Info("worker stopped")
	return errors.Join(errs...)
}

// watch turns signals and ctx cancellation into a shutdown until Run ends.
func (s *Server) watch(ctx context.Context, finished <-chan struct{}) {
	var sigCh chan os.Signal
	if s.opts.HandleSignals {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)
	}
	select {
	case sig := <-sigCh:
		s.logger.Info("received signal, shutting down", logging.String("signal", sig.String()))
		s.Shutdown()
	case <-ctx.Done():
		s.Shutdown()
		s.closeConns()
	case <-finished:
	}
}

// Shutdown closes the listener. Connected clients are not interrupted; Run
// returns once they have all disconnected. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		ln := s.listener
		s.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
		close(s.shutdownCh)
	})
}

// Restart closes the listener and spawns exactly one successor worker. Any
// number of concurrent callers share the outcome of a single attempt. The
// guard is never reset: after a failed spawn this worker still shuts down
// and the next client invocation spawns a fresh worker.
func (s *Server) Restart(ctx context.Context) error {
	s.reboot.once.Do(func() {
		go func() {
			s.reboot.err = s.restart(context.WithoutCancel(ctx))
			close(s.reboot.done)
		}()
	})
	select {
	case <-s.reboot.done:
		return s.reboot.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) restart(ctx context.Context) error {
	if s.opts.Spawner == nil {
		return ErrNoSpawner
	}
	s.logger.Info("restarting worker")
	s.Shutdown()
	// The successor must be able to take the port lock.
	s.releaseLock()
	if err := s.opts.Spawner.Spawn(ctx); err != nil {
		if errors.Is(err, spawn.ErrPeerRunning) {
			// A client spawned a worker first; it is the successor.
			s.logger.Info("successor started by a peer")
			return nil
		}
		s.logger.Error("successor spawn failed", logging.Error(err))
		return fmt.Errorf("spawn successor: %w", err)
	}
	s.logger.Info("successor ready")
	return nil
}

// Listening reports whether the server is accepting connections.
func (s *Server) Listening() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener != nil && !s.closing
}

// Addr returns the bound address, or the configured one before Run binds.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Port returns the bound port, 0 before Run binds.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Uptime returns how long the server has been listening.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// VersionString is the version a client must declare on cli requests.
func (s *Server) VersionString() string {
	return VersionString(s.opts.Version)
}

// VersionString combines the wire protocol revision with an application
// version.
func VersionString(appVersion string) string {
	return protocol.Version + "/" + appVersion
}

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) releaseLock() {
	s.mu.Lock()
	lock := s.lock
	s.lock = nil
	s.mu.Unlock()
	if err := lock.Release(); err != nil {
		s.logger.Warn("lock release failed", logging.Error(err))
	}
}

func (s *Server) closeConns() {
	s.mu.RLock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// goTask runs a handler body on its own goroutine. Run waits for all tasks
// before the stop hooks.
func (s *Server) goTask(fn func()) {
	s.taskWG.Add(1)
	go func() {
		defer s.taskWG.Done()
		fn()
	}()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Check and Add under one lock so Run cannot start waiting in between.
	s.mu.RLock()
	if s.closing {
		s.mu.RUnlock()
		http.Error(w, "worker is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.connWG.Add(1)
	s.mu.RUnlock()
	defer s.connWG.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	s.serveConn(ws)
}

func (s *Server) serveConn(ws *websocket.Conn) {
	session := newSession(context.Background(), s.logger)
	c := newConnection(ws, s, session)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	session.logger.Debug("session opened")

	errCh := make(chan error, 2)
	go func() { errCh <- c.readLoop() }()
	go func() { errCh <- c.writeLoop() }()

	if err := <-errCh; err != nil {
		session.logger.Debug("connection error", logging.Error(err))
	}
	c.close()
	<-errCh

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	session.logger.Debug("session closed")
}
