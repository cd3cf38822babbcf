package daemon

import "context"

// Role is which side of the split a process is playing.
type Role int

const (
	// RoleClient is a foreground invocation that forwards to the worker.
	RoleClient Role = iota
	// RoleWorker is the background process that runs command bodies.
	RoleWorker
)

// String returns the role name used in logs.
func (r Role) String() string {
	switch r {
	case RoleWorker:
		return "worker"
	default:
		return "client"
	}
}

type roleKey struct{}

// WithRole returns a context recording where a command body is executing.
func WithRole(ctx context.Context, r Role) context.Context {
	return context.WithValue(ctx, roleKey{}, r)
}

// RoleFromContext returns the role recorded by WithRole, RoleClient if none.
func RoleFromContext(ctx context.Context) Role {
	if r, ok := ctx.Value(roleKey{}).(Role); ok {
		return r
	}
	return RoleClient
}
