// Package client connects to a resident worker, spawning one on demand, and
// multiplexes command runs and custom messages over the connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leonletto/resident/internal/logging"
	"github.com/leonletto/resident/internal/spawn"
)

var (
	// ErrConnectionRefused means no worker is listening.
	ErrConnectionRefused = errors.New("connection refused: no worker is listening")
	// errWorkerClosing is a handshake rejected by a worker that has begun
	// shutting down. It is treated like a refusal.
	errWorkerClosing = errors.New("worker is shutting down")
)

// Spawner launches a worker and waits until it is ready.
type Spawner interface {
	Spawn(ctx context.Context) error
}

// Dialer opens connections to the worker at Addr.
type Dialer struct {
	// Addr is host:port, normally localhost:<port>.
	Addr    string
	Spawner Spawner
	Logger  *slog.Logger
	// HandshakeTimeout bounds the websocket upgrade. Zero means 10s.
	HandshakeTimeout time.Duration
	// PeerWait bounds the retry connect after the spawned worker defers to
	// a peer that is still binding. Zero means 5s.
	PeerWait time.Duration
}

// Open connects to the worker. When nothing is listening it fails with
// ErrConnectionRefused, or, with autoSpawn, spawns a worker and retries
// exactly once. When the spawned worker found a peer already starting, the
// retry waits up to PeerWait for that peer to bind. Spawn failures and any
// other dial error are returned as is.
func (d *Dialer) Open(ctx context.Context, autoSpawn bool) (*Conn, error) {
	logger := logging.NewComponentLogger(d.Logger, "client")

	conn, err := d.dial(ctx, logger)
	if err == nil {
		return conn, nil
	}
	if !IsRefused(err) {
		return nil, err
	}
	if !autoSpawn || d.Spawner == nil {
		return nil, fmt.Errorf("%w (%s)", ErrConnectionRefused, d.Addr)
	}

	logger.Debug("no worker listening, spawning one", logging.String("addr", d.Addr))
	if err := d.Spawner.Spawn(ctx); err != nil {
		if errors.Is(err, spawn.ErrPeerRunning) {
			return d.awaitPeer(ctx, logger)
		}
		return nil, err
	}

	conn, err = d.dial(ctx, logger)
	if err != nil {
		if IsRefused(err) {
			return nil, fmt.Errorf("%w after spawning a worker (%s)", ErrConnectionRefused, d.Addr)
		}
		return nil, err
	}
	return conn, nil
}

// awaitPeer connects to a worker another client spawned, polling while it
// binds.
func (d *Dialer) awaitPeer(ctx context.Context, logger *slog.Logger) (*Conn, error) {
	wait := d.PeerWait
	if wait == 0 {
		wait = 5 * time.Second
	}
	logger.Debug("worker deferred to a peer, waiting for it", logging.String("addr", d.Addr))
	deadline := time.Now().Add(wait)
	for {
		conn, err := d.dial(ctx, logger)
		if err == nil {
			return conn, nil
		}
		if !IsRefused(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: waited %s for a peer worker (%s)", ErrConnectionRefused, wait, d.Addr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (d *Dialer) dial(ctx context.Context, logger *slog.Logger) (*Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		NetDialContext:   (&net.Dialer{}).DialContext,
		HandshakeTimeout: timeout,
	}
	ws, resp, err := dialer.DialContext(ctx, "ws://"+d.Addr+"/", nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, errWorkerClosing
		}
		return nil, err
	}
	return newConn(ws, logger), nil
}

// IsRefused reports whether err means no worker accepted the connection.
func IsRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, ErrConnectionRefused) ||
		errors.Is(err, errWorkerClosing)
}
