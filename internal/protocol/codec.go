package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// ErrInvalidMessage wraps frames that are not valid messages, including
// messages with an unknown type. Readers skip them and keep the connection.
var ErrInvalidMessage = errors.New("invalid message")

// Encode marshals a message into one frame payload.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses and validates one frame payload.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}

// Read blocks for the next text frame on conn and decodes it. Transport
// errors are returned unwrapped so callers can inspect close codes; decode
// failures wrap ErrInvalidMessage.
func Read(conn *websocket.Conn) (Message, error) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return Decode(data)
	}
}

// Write encodes m and sends it as a single text frame. Callers must
// serialize writes on the same conn.
func Write(conn *websocket.Conn, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
