// Package cli builds cobra commands whose bodies run inside the worker.
//
// A program constructs a fresh command tree for every invocation: once in the
// client, and again inside the worker for each forwarded command line. Bodies
// wired with RunE run only in the worker; parsing, help, and usage errors
// happen locally first.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/leonletto/resident/internal/daemon"
	"github.com/leonletto/resident/internal/failure"
)

// ExitError ends a command with a specific exit code and no message.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Body is a command body. Output goes to inv.Stdout; the returned code is the
// process exit code.
type Body func(ctx context.Context, inv *daemon.Invocation, args []string) (int, error)

type bodyRanKey struct{}

// RunE adapts body to cobra. In a client it forwards the whole command line to
// the worker; in the worker it calls body with the parsed args.
func RunE(get func() *daemon.Daemon, body Body) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ran, ok := ctx.Value(bodyRanKey{}).(*atomic.Bool); ok {
			ran.Store(true)
		}

		inv, ok := daemon.InvocationFromContext(ctx)
		if !ok {
			inv = &daemon.Invocation{Stdout: cmd.OutOrStdout()}
		}
		wrapped := get().Wrap(func(ctx context.Context, inv *daemon.Invocation) (int, error) {
			return body(ctx, inv, args)
		})
		code, err := wrapped(ctx, inv)
		if err != nil {
			return err
		}
		if code != 0 {
			return &ExitError{Code: code}
		}
		return nil
	}
}

// Run executes a forwarded command line with root inside the worker. Errors
// cobra raises before a body runs, such as unknown flags or commands, are
// reported as user-facing.
func Run(ctx context.Context, root *cobra.Command, inv *daemon.Invocation) (int, error) {
	ran := new(atomic.Bool)
	ctx = context.WithValue(ctx, bodyRanKey{}, ran)
	if _, ok := daemon.InvocationFromContext(ctx); !ok {
		ctx = daemon.WithInvocation(ctx, inv)
	}

	root.SetArgs(inv.Args)
	root.SetOut(inv.Stdout)
	root.SetErr(inv.Stdout)
	root.SilenceErrors = true
	root.SilenceUsage = true

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0, nil
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code, nil
	}
	if !ran.Load() {
		return 1, failure.User(err.Error())
	}
	return 1, err
}

// Execute runs root in the client and returns the process exit code.
// Failures are printed to stderr: user-facing ones and usage errors as a
// plain message, internal ones with their trace.
func Execute(ctx context.Context, root *cobra.Command, stderr io.Writer) int {
	ran := new(atomic.Bool)
	ctx = context.WithValue(ctx, bodyRanKey{}, ran)
	root.SilenceErrors = true
	root.SilenceUsage = true

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	msg := err.Error()
	if ran.Load() {
		msg = failure.Render(err)
	}
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return 1
}
