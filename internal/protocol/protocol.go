// Package protocol defines the message vocabulary spoken between two sync peers.
//
// Control messages are JSON envelopes:
//
//	{"type": "HELLO", "payload": {...}, "timestamp": 1700000000000}
//
// Any message that arrives on the binary side of the transport is a file chunk
// wrapped in a transfer frame (see frame.go). Timestamps are Unix milliseconds.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version announced in HELLO.
const Version = 1

// MessageType names a kind of message.
type MessageType string

const (
	// Handshake
	TypeHello    MessageType = "HELLO"
	TypeHelloAck MessageType = "HELLO_ACK"

	// Sync negotiation
	TypeSyncRequest MessageType = "SYNC_REQUEST"
	TypeChangeList  MessageType = "CHANGE_LIST"

	// File transfer
	TypeFileRequest  MessageType = "FILE_REQUEST"
	TypeFileHeader   MessageType = "FILE_HEADER"
	TypeFileChunk    MessageType = "FILE_CHUNK"
	TypeFileComplete MessageType = "FILE_COMPLETE"
	TypeFileAck      MessageType = "FILE_ACK"

	// Folder sync
	TypeFolderData MessageType = "FOLDER_DATA"

	// Control
	TypeSyncComplete MessageType = "SYNC_COMPLETE"
	TypeError        MessageType = "ERROR"
	TypePing         MessageType = "PING"
	TypePong         MessageType = "PONG"
)

// Error codes carried in ERROR payloads.
const (
	CodeFileNotFound    = "FILE_NOT_FOUND"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeVersionMismatch = "VERSION_MISMATCH"
	CodeInternal        = "INTERNAL"
)

// ErrInvalidMessage is returned for envelopes that cannot be parsed or that
// lack the fields their type requires.
var ErrInvalidMessage = errors.New("invalid message")

// Envelope is the JSON wrapper for every control message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Message is a parsed incoming message. Binary messages have Type
// TypeFileChunk and carry the raw frame in Data.
type Message struct {
	Envelope
	Binary bool
	Data   []byte
}

// Encode serializes a control message with the current time.
func Encode(typ MessageType, payload any) ([]byte, error) {
	return EncodeAt(typ, payload, time.Now())
}

// EncodeAt serializes a control message stamped with t.
func EncodeAt(typ MessageType, payload any, t time.Time) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	data, err := json.Marshal(Envelope{Type: typ, Payload: raw, Timestamp: t.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", typ, err)
	}
	return data, nil
}

// Parse classifies an incoming transport message. Binary messages become
// FILE_CHUNK messages without further inspection; text messages must be a
// well-formed envelope.
func Parse(data []byte, binary bool) (*Message, error) {
	if binary {
		return &Message{
			Envelope: Envelope{Type: TypeFileChunk},
			Binary:   true,
			Data:     data,
		}, nil
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return &Message{Envelope: env}, nil
}

// Decode unmarshals the payload of m into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}
