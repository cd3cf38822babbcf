package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/leonletto/resident/internal/failure"
)

func TestDecodeRejectsInvalidFrames(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr string
	}{
		{name: "not json", frame: `{"type":`, wantErr: "invalid message"},
		{name: "missing type", frame: `{"id":3}`, wantErr: "missing type"},
		{name: "unknown type", frame: `{"type":"telemetry"}`, wantErr: `unknown message type "telemetry"`},
		{name: "cli without context", frame: `{"type":"cli","args":["x"]}`, wantErr: "missing context"},
		{name: "exit without code", frame: `{"type":"exit"}`, wantErr: "missing exitCode"},
		{name: "yield without id", frame: `{"type":"message/yield","data":1}`, wantErr: "missing id"},
		{name: "reject without error", frame: `{"type":"message/reject","id":9}`, wantErr: "missing error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("Decode(%s) error = %v, want ErrInvalidMessage", tt.frame, err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Decode(%s) error = %q, want it to contain %q", tt.frame, err, tt.wantErr)
			}
		})
	}
}

func TestDecodeAcceptsEveryBuilder(t *testing.T) {
	rec := failure.Encode(failure.User("nope"))
	for _, m := range []Message{
		Status(),
		StatusReply("1/dev", 42, 1500),
		Stop(),
		CLI([]string{"note", "list"}, "1/dev", CLIContext{Cwd: "/tmp", Columns: 80}),
		Stdout([]byte("hi")),
		Exit(0),
		Exit(2),
		Error(rec),
		Request(7, []byte(`{"q":1}`)),
		Yield(7, []byte(`"part"`)),
		Resolve(7, []byte(`"done"`)),
		Reject(7, rec),
	} {
		data, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode(%s) error = %v", m.Type, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", data, err)
		}
		if got.Type != m.Type || got.ID != m.ID {
			t.Errorf("Decode(%s) = %s/%d", data, got.Type, got.ID)
		}
	}
}

func TestExitZeroKeepsCode(t *testing.T) {
	data, err := Encode(Exit(0))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"exitCode":0`)) {
		t.Errorf("exit 0 frame %s lost its code", data)
	}
}

func TestStdoutIsBinarySafe(t *testing.T) {
	payload := []byte{0x00, 0xff, '\n', 0x1b, '[', '3', '1', 'm', 0xc3}
	data, err := Encode(Stdout(payload))
	if err != nil {
		t.Fatal(err)
	}
	m, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Bytes() = %v, want %v", got, payload)
	}

	if _, err := Exit(1).Bytes(); err == nil {
		t.Error("Bytes() on an exit message should fail")
	}
}

func TestCorrelated(t *testing.T) {
	for _, typ := range []Type{TypeMessage, TypeYield, TypeResolve, TypeReject} {
		if !typ.Correlated() {
			t.Errorf("%s should be correlated", typ)
		}
	}
	for _, typ := range []Type{TypeStatus, TypeStop, TypeCLI, TypeStdout, TypeExit, TypeError} {
		if typ.Correlated() {
			t.Errorf("%s should not be correlated", typ)
		}
	}
}
