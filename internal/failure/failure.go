// Package failure converts errors into a transmissible Record and back
// without losing whether the failure was caused by user input.
package failure

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Record is the serializable projection of a failure.
type Record struct {
	Message    string `json:"message"`
	Trace      string `json:"trace,omitempty"`
	UserFacing bool   `json:"isUserFacing"`
	Code       string `json:"code,omitempty"`
}

// UserError is a failure caused by invalid user input. It renders as a plain
// message with no trace.
type UserError struct {
	msg string
	err error
}

// User returns a user-facing error with the given message.
func User(msg string) error {
	return &UserError{msg: msg}
}

// Userf returns a user-facing error formatted like fmt.Errorf, including %w.
func Userf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &UserError{msg: err.Error(), err: errors.Unwrap(err)}
}

func (e *UserError) Error() string { return e.msg }

func (e *UserError) Unwrap() error { return e.err }

// Sentinel is a comparable error identity that survives the process
// boundary: a decoded RemoteError matches it under errors.Is by code.
type Sentinel struct {
	code       string
	msg        string
	userFacing bool
}

// NewSentinel declares a sentinel error with a stable wire code.
func NewSentinel(code, msg string, userFacing bool) *Sentinel {
	return &Sentinel{code: code, msg: msg, userFacing: userFacing}
}

func (s *Sentinel) Error() string { return s.msg }

// Code returns the wire code.
func (s *Sentinel) Code() string { return s.code }

// RemoteError is a failure reconstructed from a Record.
type RemoteError struct {
	rec Record
}

func (e *RemoteError) Error() string { return e.rec.Message }

// Trace returns the trace captured where the failure originated.
func (e *RemoteError) Trace() string { return e.rec.Trace }

// UserFacing reports whether the original failure was user-facing.
func (e *RemoteError) UserFacing() bool { return e.rec.UserFacing }

// Code returns the wire code of the original sentinel, if any.
func (e *RemoteError) Code() string { return e.rec.Code }

// Record returns the record this error was decoded from.
func (e *RemoteError) Record() Record { return e.rec }

// Is matches sentinels by code.
func (e *RemoteError) Is(target error) bool {
	s, ok := target.(*Sentinel)
	return ok && e.rec.Code != "" && s.code == e.rec.Code
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// IsUserFacing reports whether err, or anything it wraps, is a user-facing
// failure.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.UserFacing()
	}
	var s *Sentinel
	if errors.As(err, &s) {
		return s.userFacing
	}
	return false
}

// Encode maps any failure value to a Record. Values that are not errors are
// wrapped with a synthesized message.
func Encode(v any) Record {
	err, ok := v.(error)
	if !ok || err == nil {
		err = fmt.Errorf("non-error failure: %v", v)
	}
	rec := Record{
		Message:    err.Error(),
		UserFacing: IsUserFacing(err),
		Code:       codeOf(err),
	}
	if !rec.UserFacing {
		rec.Trace = traceOf(err)
		if rec.Trace == "" {
			rec.Trace = callerTrace()
		}
	}
	return rec
}

// Decode reconstructs a failure of the kind described by rec.
func Decode(rec Record) error {
	if rec.Message == "" {
		rec.Message = "unknown failure"
	}
	return &RemoteError{rec: rec}
}

// Render formats err for display: user-facing failures as a plain message,
// everything else followed by the trace it carries, if any. No trace is
// synthesized for a local error that was created without one.
func Render(err error) string {
	if err == nil {
		return ""
	}
	if IsUserFacing(err) {
		return err.Error()
	}
	trace := traceOf(err)
	if trace == "" {
		return err.Error()
	}
	return err.Error() + "\n" + strings.TrimRight(trace, "\n")
}

func codeOf(err error) string {
	var s *Sentinel
	if errors.As(err, &s) {
		return s.code
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code()
	}
	return ""
}

// traceOf prefers a trace that travelled from another process, then a
// pkg/errors stack attached where the error was created.
func traceOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) && re.Trace() != "" {
		return re.Trace()
	}
	var st stackTracer
	if errors.As(err, &st) {
		return strings.TrimLeft(fmt.Sprintf("%+v", st.StackTrace()), "\n")
	}
	return ""
}

// callerTrace is the stack of Encode's caller.
func callerTrace() string {
	if tracer, ok := pkgerrors.New("").(stackTracer); ok {
		frames := tracer.StackTrace()
		if len(frames) > 2 {
			frames = frames[2:]
		}
		return strings.TrimLeft(fmt.Sprintf("%+v", frames), "\n")
	}
	return ""
}
