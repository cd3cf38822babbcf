package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leonletto/resident/internal/correlation"
	"github.com/leonletto/resident/internal/failure"
	"github.com/leonletto/resident/internal/logging"
	"github.com/leonletto/resident/internal/protocol"
)

// ErrDisconnected rejects every request still pending when the connection to
// the worker is lost.
var ErrDisconnected = errors.New("disconnected from worker")

const inboxSize = 256

// StatusReply is the worker's answer to a status query.
type StatusReply struct {
	Version string
	PID     int
	Uptime  time.Duration
}

// Conn is one connection to the worker. Custom messages may be issued
// concurrently; Status, Stop, and RunCLI are serialized because their
// replies are not correlated.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu    sync.Mutex
	exchangeMu sync.Mutex

	pending *correlation.Table[json.RawMessage]
	inbox   chan protocol.Message

	closed    atomic.Bool
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
	cause     error
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	c := &Conn{
		ws:      ws,
		logger:  logger,
		pending: correlation.New[json.RawMessage](),
		inbox:   make(chan protocol.Message, inboxSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.inbox)

	var cause error
	for {
		m, err := protocol.Read(c.ws)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				c.logger.Warn("ignoring message from worker", logging.Error(err))
				continue
			}
			cause = err
			break
		}
		logging.TraceMessage(c.logger, "recv", string(m.Type), m.ID)
		if !c.route(m) {
			break
		}
	}

	c.closed.Store(true)
	c.cause = cause
	if n := c.pending.RejectAll(fmt.Errorf("%w: %v", ErrDisconnected, cause)); n > 0 {
		c.logger.Debug("rejected pending requests", logging.Int("count", n))
	}
}

// route delivers m and reports whether the loop should continue.
func (c *Conn) route(m protocol.Message) bool {
	switch m.Type {
	case protocol.TypeYield:
		c.pending.DispatchStream(m.ID, m.Data)
	case protocol.TypeResolve:
		c.pending.Resolve(m.ID, m.Data)
	case protocol.TypeReject:
		c.pending.Reject(m.ID, failure.Decode(*m.Error))
	case protocol.TypeStatus, protocol.TypeStdout, protocol.TypeExit, protocol.TypeError:
		select {
		case c.inbox <- m:
		case <-c.closing:
			return false
		}
	default:
		c.logger.Debug("ignoring message", logging.String(logging.FieldMsgType, string(m.Type)))
	}
	return true
}

func (c *Conn) write(m protocol.Message) error {
	if c.closed.Load() {
		return ErrDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.Write(c.ws, m); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	logging.TraceMessage(c.logger, "send", string(m.Type), m.ID)
	return nil
}

// next waits for the next uncorrelated message.
func (c *Conn) next(ctx context.Context) (protocol.Message, error) {
	select {
	case m, ok := <-c.inbox:
		if !ok {
			return protocol.Message{}, c.disconnectErr()
		}
		return m, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Conn) disconnectErr() error {
	<-c.done
	if c.cause == nil {
		return ErrDisconnected
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, c.cause)
}

// Status asks the worker for its version.
func (c *Conn) Status(ctx context.Context) (StatusReply, error) {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	if err := c.write(protocol.Status()); err != nil {
		return StatusReply{}, err
	}
	for {
		m, err := c.next(ctx)
		if err != nil {
			return StatusReply{}, err
		}
		if m.Type != protocol.TypeStatus {
			continue
		}
		return StatusReply{
			Version: m.Version,
			PID:     m.PID,
			Uptime:  time.Duration(m.UptimeMs) * time.Millisecond,
		}, nil
	}
}

// Stop asks the worker to close its listener. The worker exits once every
// client, this one included, has disconnected.
func (c *Conn) Stop() error {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()
	return c.write(protocol.Stop())
}

// RunCLI runs args inside the worker, copying its output to stdout, and
// returns the exit code. A failure raised by the command body is returned
// with its identity intact; see package failure. Canceling ctx stops waiting;
// close the connection to tell the worker.
func (c *Conn) RunCLI(ctx context.Context, args []string, version string, cliCtx protocol.CLIContext, stdout io.Writer) (int, error) {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	if err := c.write(protocol.CLI(args, version, cliCtx)); err != nil {
		return 1, err
	}
	for {
		m, err := c.next(ctx)
		if err != nil {
			return 1, err
		}
		switch m.Type {
		case protocol.TypeStdout:
			p, err := m.Bytes()
			if err != nil {
				return 1, err
			}
			if _, err := stdout.Write(p); err != nil {
				return 1, fmt.Errorf("write output: %w", err)
			}
		case protocol.TypeExit:
			return m.Code(), nil
		case protocol.TypeError:
			return 1, failure.Decode(*m.Error)
		}
	}
}

// Send issues a custom message. Partial results and the outcome are read
// from the returned Call.
func (c *Conn) Send(ctx context.Context, payload json.RawMessage) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, c.disconnectErr()
	}
	call := newCall()
	id, err := c.pending.Add(correlation.Handlers[json.RawMessage]{
		Stream:  []func(json.RawMessage){call.push},
		Resolve: func(v json.RawMessage) { call.finish(v, nil) },
		Reject:  func(err error) { call.finish(nil, err) },
	})
	if err != nil {
		return nil, err
	}
	call.ID = id

	// The read loop may have ended before the entry was added.
	if c.closed.Load() {
		c.pending.Reject(id, c.disconnectErr())
		return call, nil
	}
	if err := c.write(protocol.Request(id, payload)); err != nil {
		c.pending.Remove(id)
		return nil, err
	}
	return call, nil
}

// Pending returns the number of custom messages awaiting a terminal reply.
func (c *Conn) Pending() int {
	return c.pending.Len()
}

// Done is closed once the connection is gone and pending requests have been
// rejected.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. The worker sees the disconnect and runs the
// session's disconnect hooks.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
		<-c.done
	})
	return err
}
