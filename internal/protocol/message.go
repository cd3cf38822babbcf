package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/leonletto/resident/internal/failure"
)

// Version is the wire protocol revision. It is part of the version string a
// client declares on every cli request.
const Version = "1"

// Type tags a Message.
type Type string

const (
	// TypeStatus asks the worker for its version (client→worker) and carries
	// the answer (worker→client).
	TypeStatus Type = "status"
	// TypeStop asks the worker to shut down.
	TypeStop Type = "stop"
	// TypeCLI runs a command body inside the worker.
	TypeCLI Type = "cli"
	// TypeStdout carries a chunk of command output.
	TypeStdout Type = "stdout"
	// TypeExit terminates a cli request successfully.
	TypeExit Type = "exit"
	// TypeError terminates a cli request with a failure.
	TypeError Type = "error"
	// TypeMessage is a correlated custom request.
	TypeMessage Type = "message"
	// TypeYield carries a partial result for a custom request.
	TypeYield Type = "message/yield"
	// TypeResolve terminates a custom request successfully.
	TypeResolve Type = "message/resolve"
	// TypeReject terminates a custom request with a failure.
	TypeReject Type = "message/reject"
)

// Correlated reports whether messages of this type carry a request id.
func (t Type) Correlated() bool {
	switch t {
	case TypeMessage, TypeYield, TypeResolve, TypeReject:
		return true
	default:
		return false
	}
}

// Message is the tagged union sent in both directions.
type Message struct {
	Type     Type            `json:"type"`
	ID       uint32          `json:"id,omitempty"`
	Version  string          `json:"version,omitempty"`
	Args     []string        `json:"args,omitempty"`
	Context  *CLIContext     `json:"context,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	ExitCode *int            `json:"exitCode,omitempty"`
	Error    *failure.Record `json:"error,omitempty"`
	PID      int             `json:"pid,omitempty"`
	UptimeMs int64           `json:"uptimeMs,omitempty"`
}

// Status builds a status query.
func Status() Message { return Message{Type: TypeStatus} }

// StatusReply builds the worker's answer to a status query.
func StatusReply(version string, pid int, uptimeMs int64) Message {
	return Message{Type: TypeStatus, Version: version, PID: pid, UptimeMs: uptimeMs}
}

// Stop builds a shutdown request.
func Stop() Message { return Message{Type: TypeStop} }

// CLI builds a command execution request.
func CLI(args []string, version string, ctx CLIContext) Message {
	return Message{Type: TypeCLI, Args: args, Version: version, Context: &ctx}
}

// Stdout builds an output chunk. The bytes are copied and base64 encoded so
// arbitrary binary output survives the JSON frame.
func Stdout(p []byte) Message {
	data, _ := json.Marshal(p)
	return Message{Type: TypeStdout, Data: data}
}

// Exit builds a successful cli termination.
func Exit(code int) Message {
	return Message{Type: TypeExit, ExitCode: &code}
}

// Error builds a failed cli termination.
func Error(rec failure.Record) Message {
	return Message{Type: TypeError, Error: &rec}
}

// Request builds a correlated custom request.
func Request(id uint32, data json.RawMessage) Message {
	return Message{Type: TypeMessage, ID: id, Data: data}
}

// Yield builds a partial result for request id.
func Yield(id uint32, data json.RawMessage) Message {
	return Message{Type: TypeYield, ID: id, Data: data}
}

// Resolve builds the successful termination of request id.
func Resolve(id uint32, data json.RawMessage) Message {
	return Message{Type: TypeResolve, ID: id, Data: data}
}

// Reject builds the failed termination of request id.
func Reject(id uint32, rec failure.Record) Message {
	return Message{Type: TypeReject, ID: id, Error: &rec}
}

// Bytes decodes the payload of a stdout message.
func (m Message) Bytes() ([]byte, error) {
	if m.Type != TypeStdout {
		return nil, fmt.Errorf("message type %q carries no output", m.Type)
	}
	if len(m.Data) == 0 {
		return nil, nil
	}
	var p []byte
	if err := json.Unmarshal(m.Data, &p); err != nil {
		return nil, fmt.Errorf("decode stdout data: %w", err)
	}
	return p, nil
}

// Code returns the exit code of an exit message, 0 when absent.
func (m Message) Code() int {
	if m.ExitCode == nil {
		return 0
	}
	return *m.ExitCode
}

// Validate checks that a decoded message carries the fields its tag requires.
func (m Message) Validate() error {
	switch m.Type {
	case TypeStatus, TypeStop, TypeStdout:
		return nil
	case TypeCLI:
		if m.Context == nil {
			return fmt.Errorf("cli message missing context")
		}
		return nil
	case TypeExit:
		if m.ExitCode == nil {
			return fmt.Errorf("exit message missing exitCode")
		}
		return nil
	case TypeError:
		if m.Error == nil {
			return fmt.Errorf("error message missing error")
		}
		return nil
	case TypeMessage, TypeYield, TypeResolve:
		if m.ID == 0 {
			return fmt.Errorf("%s message missing id", m.Type)
		}
		return nil
	case TypeReject:
		if m.ID == 0 {
			return fmt.Errorf("%s message missing id", m.Type)
		}
		if m.Error == nil {
			return fmt.Errorf("%s message missing error", m.Type)
		}
		return nil
	case "":
		return fmt.Errorf("message missing type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}
