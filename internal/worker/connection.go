package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/leonletto/resident/internal/failure"
	"github.com/leonletto/resident/internal/logging"
	"github.com/leonletto/resident/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var (
	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrRequestDone is returned by Request.Yield after the handler returned.
	ErrRequestDone = errors.New("request already terminated")

	// ErrVersionMismatch rejects a cli request from a client built against a
	// different protocol or application version.
	ErrVersionMismatch = failure.NewSentinel("version_mismatch", "version mismatch", true)
	// ErrNoMessageHandler rejects custom messages when none is registered.
	ErrNoMessageHandler = failure.NewSentinel("no_message_handler", "worker does not accept custom messages", true)
	// ErrNoRunner fails cli requests when the worker was built without a
	// command runner.
	ErrNoRunner = failure.NewSentinel("no_runner", "worker cannot run commands", false)
	// ErrRateLimited rejects custom messages sent faster than the worker's
	// message rate allows.
	ErrRateLimited = failure.NewSentinel("rate_limited", "too many messages, slow down", true)
)

// connection pumps one client's websocket. Reads happen on readLoop, writes
// are funneled through sendCh to writeLoop so handlers never share the
// socket.
type connection struct {
	ws      *websocket.Conn
	server  *Server
	session *Session
	logger  *slog.Logger
	limiter *rate.Limiter

	sendCh    chan []byte
	closedCh  chan struct{}
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn, server *Server, session *Session) *connection {
	c := &connection{
		ws:       ws,
		server:   server,
		session:  session,
		logger:   session.logger,
		sendCh:   make(chan []byte, sendBuffer),
		closedCh: make(chan struct{}),
	}
	if r := server.opts.MessageRate; r > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(r), messageBurst(r))
	}
	return c
}

// messageBurst allows two seconds' worth of messages at once.
func messageBurst(r float64) int {
	if b := int(r * 2); b > 1 {
		return b
	}
	return 1
}

// readLoop decodes frames and dispatches them until the transport fails.
// Frames that are not valid messages are logged and skipped.
func (c *connection) readLoop() error {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		m, err := protocol.Read(c.ws)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				c.logger.Warn("ignoring message", logging.Error(err))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				return fmt.Errorf("read: %w", err)
			}
			return nil
		}
		logging.TraceMessage(c.logger, "recv", string(m.Type), m.ID)
		c.dispatch(m)
	}
}

// writeLoop drains sendCh and keeps the connection alive with pings.
func (c *connection) writeLoop() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closedCh:
			return nil
		case data := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// send queues m for writing. It blocks while the queue is full and fails
// with ErrSessionClosed once the connection is gone.
func (c *connection) send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-c.closedCh:
		return ErrSessionClosed
	default:
	}
	select {
	case c.sendCh <- data:
		logging.TraceMessage(c.logger, "send", string(m.Type), m.ID)
		return nil
	case <-c.closedCh:
		return ErrSessionClosed
	}
}

// close tears down the transport and then closes the session, which runs its
// disconnect hooks. Only the first call has effect.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		_ = c.ws.Close()
		c.session.close()
	})
}

func (c *connection) dispatch(m protocol.Message) {
	switch m.Type {
	case protocol.TypeStatus:
		reply := protocol.StatusReply(c.server.opts.Version, os.Getpid(), c.server.Uptime().Milliseconds())
		if err := c.send(reply); err != nil {
			c.logger.Debug("status reply dropped", logging.Error(err))
		}
	case protocol.TypeStop:
		c.logger.Info("stop requested by client")
		c.server.Shutdown()
	case protocol.TypeCLI:
		c.server.goTask(func() { c.runCLI(m) })
	case protocol.TypeMessage:
		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn("custom message rate limited", logging.Any(logging.FieldRequestID, m.ID))
			if err := c.send(protocol.Reject(m.ID, failure.Encode(ErrRateLimited))); err != nil {
				c.logger.Debug("reject dropped", logging.Error(err))
			}
			return
		}
		c.server.goTask(func() { c.handleMessage(m) })
	default:
		c.logger.Debug("ignoring message", logging.String(logging.FieldMsgType, string(m.Type)))
	}
}

func (c *connection) runCLI(m protocol.Message) {
	terminal := c.executeCLI(m)
	if err := c.send(terminal); err != nil {
		c.logger.Debug("cli result dropped", logging.Error(err))
	}
}

// executeCLI runs the command body and returns the message that terminates
// the request. A panicking body is reported as a failure.
func (c *connection) executeCLI(m protocol.Message) (terminal protocol.Message) {
	want := c.server.VersionString()
	if m.Version != want {
		err := fmt.Errorf("%w: client %s, worker %s; restart the worker", ErrVersionMismatch, m.Version, want)
		c.logger.Warn("rejecting cli request", logging.Error(err))
		return protocol.Error(failure.Encode(err))
	}
	runner := c.server.opts.Runner
	if runner == nil {
		return protocol.Error(failure.Encode(ErrNoRunner))
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("command panicked", logging.Any("panic", r))
			terminal = protocol.Error(failure.Encode(r))
		}
	}()

	inv := &Invocation{
		Args:    m.Args,
		Context: *m.Context,
		Stdout:  &streamWriter{conn: c},
		Session: c.session,
	}
	code, err := runner(WithInvocation(c.session.Context(), inv), inv)
	if err != nil {
		return protocol.Error(failure.Encode(err))
	}
	return protocol.Exit(code)
}

func (c *connection) handleMessage(m protocol.Message) {
	terminal := c.executeMessage(m)
	if err := c.send(terminal); err != nil {
		c.logger.Debug("message result dropped",
			logging.Any(logging.FieldRequestID, m.ID), logging.Error(err))
	}
}

func (c *connection) executeMessage(m protocol.Message) (terminal protocol.Message) {
	handler := c.server.opts.HandleMessage
	if handler == nil {
		return protocol.Reject(m.ID, failure.Encode(ErrNoMessageHandler))
	}

	var done atomic.Bool
	req := &Request{
		ID:      m.ID,
		Payload: m.Data,
		Session: c.session,
		yield: func(data json.RawMessage) error {
			if done.Load() {
				return ErrRequestDone
			}
			return c.send(protocol.Yield(m.ID, data))
		},
	}
	defer done.Store(true)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked", logging.Any("panic", r))
			terminal = protocol.Reject(m.ID, failure.Encode(r))
		}
	}()

	data, err := handler(c.session.Context(), req)
	if err != nil {
		return protocol.Reject(m.ID, failure.Encode(err))
	}
	return protocol.Resolve(m.ID, data)
}

// streamWriter turns every Write into one stdout message.
type streamWriter struct {
	conn *connection
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.conn.send(protocol.Stdout(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
