package logging

import (
	"context"
	"log/slog"
	"time"
)

const (
	// FieldComponent names the subsystem emitting the line.
	FieldComponent = "component"
	// FieldSessionID identifies a worker-side connection.
	FieldSessionID = "session_id"
	// FieldRequestID is the correlation id of a custom message.
	FieldRequestID = "request_id"
	// FieldMsgType is the wire tag of a traced message.
	FieldMsgType = "msg_type"
	// FieldDirection is "send" or "recv" on traced messages.
	FieldDirection = "direction"
	FieldPort      = "port"
	FieldPID       = "pid"
	FieldVersion   = "version"
)

type Attr = slog.Attr

func Any(key string, value any) Attr { return slog.Any(key, value) }

func Bool(key string, value bool) Attr { return slog.Bool(key, value) }

func Duration(key string, value time.Duration) Attr { return slog.Duration(key, value) }

func Int(key string, value int) Attr { return slog.Int(key, value) }

func String(key string, value string) Attr { return slog.String(key, value) }

func Error(err error) Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

// Args converts attrs to the variadic form slog methods accept.
func Args(attrs ...Attr) []any {
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	return args
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(NoopHandler{})
}

// NewComponentLogger tags logger with a component name. A nil logger yields
// a no-op logger.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}

// TraceMessage records one wire message at debug level.
func TraceMessage(logger *slog.Logger, direction, msgType string, requestID uint32) {
	if logger == nil || !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []Attr{String(FieldDirection, direction), String(FieldMsgType, msgType)}
	if requestID != 0 {
		attrs = append(attrs, slog.Uint64(FieldRequestID, uint64(requestID)))
	}
	logger.Debug("wire", Args(attrs...)...)
}

// NoopHandler discards all log output.
type NoopHandler struct{}

func (NoopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (NoopHandler) Handle(context.Context, slog.Record) error { return nil }

func (NoopHandler) WithAttrs([]slog.Attr) slog.Handler { return NoopHandler{} }

func (NoopHandler) WithGroup(string) slog.Handler { return NoopHandler{} }
