package worker

import (
	"context"
	"encoding/json"
	"io"

	"github.com/leonletto/resident/internal/protocol"
)

// Invocation is one command execution inside the worker.
type Invocation struct {
	// Args is the client's full argument vector, program name excluded.
	Args []string
	// Context describes the client's terminal and working directory.
	Context protocol.CLIContext
	// Stdout streams to the client's standard output.
	Stdout io.Writer
	// Session is the connection the request arrived on. It is nil when the
	// body runs directly in the worker process.
	Session *Session
}

// Runner executes a cli request and returns its exit code.
type Runner func(ctx context.Context, inv *Invocation) (int, error)

// Hook is a worker start or stop hook.
type Hook func(ctx context.Context) error

// Request is one custom message delivered to a MessageHandler.
type Request struct {
	ID      uint32
	Payload json.RawMessage
	Session *Session

	yield func(json.RawMessage) error
}

// Yield sends a partial result for this request. It may be called any number
// of times before the handler returns.
func (r *Request) Yield(data json.RawMessage) error {
	return r.yield(data)
}

// MessageHandler answers custom messages. Its return value resolves the
// request; a returned error rejects it.
type MessageHandler func(ctx context.Context, req *Request) (json.RawMessage, error)

type invocationKey struct{}

// WithInvocation returns a context carrying inv.
func WithInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFromContext returns the invocation a command body runs under.
func InvocationFromContext(ctx context.Context) (*Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(*Invocation)
	return inv, ok && inv != nil
}
