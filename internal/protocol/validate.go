package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Entity types and operations as they appear on the wire.
const (
	EntityFile   = "file"
	EntityFolder = "folder"

	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindArray
)

func (k fieldKind) String() string {
	switch k {
	case kindString:
		return "non-empty string"
	case kindNumber:
		return "number"
	case kindArray:
		return "array"
	default:
		return "unknown"
	}
}

type field struct {
	name string
	kind fieldKind
}

// required lists the payload fields each message type must carry.
var required = map[MessageType][]field{
	TypeHello:        {{"deviceId", kindString}, {"lastSyncTimestamp", kindNumber}},
	TypeHelloAck:     {{"deviceId", kindString}},
	TypeSyncRequest:  {{"sinceTimestamp", kindNumber}},
	TypeChangeList:   {{"changes", kindArray}},
	TypeFileRequest:  {{"fileId", kindString}},
	TypeFileHeader:   {{"id", kindString}, {"totalChunks", kindNumber}, {"totalSize", kindNumber}, {"checksum", kindString}},
	TypeFileComplete: {{"fileId", kindString}},
	TypeFileAck:      {{"fileId", kindString}},
	TypeFolderData:   {{"id", kindString}, {"name", kindString}},
	TypeSyncComplete: nil,
	TypeError:        {{"code", kindString}},
	TypePing:         nil,
	TypePong:         nil,
	TypeFileChunk:    nil,
}

// Validate checks that m is a known message type and that its payload holds
// every field the type requires. Binary chunk messages are checked for a
// decodable frame.
func Validate(m *Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if m.Binary {
		_, _, err := DecodeFrame(m.Data)
		return err
	}

	fields, ok := required[m.Type]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if len(fields) == 0 {
		return nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(m.Payload, &payload); err != nil || payload == nil {
		return fmt.Errorf("%w: %s payload is not an object", ErrInvalidMessage, m.Type)
	}

	for _, f := range fields {
		raw, ok := payload[f.name]
		if !ok || !matches(raw, f.kind) {
			return fmt.Errorf("%w: %s requires %s %q", ErrInvalidMessage, m.Type, f.kind, f.name)
		}
	}

	if m.Type == TypeChangeList {
		var list ChangeList
		if err := m.Decode(&list); err != nil {
			return err
		}
		for i, c := range list.Changes {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("%w: change %d: %v", ErrInvalidMessage, i, err)
			}
		}
	}

	return nil
}

func matches(raw json.RawMessage, kind fieldKind) bool {
	switch kind {
	case kindString:
		var s string
		return json.Unmarshal(raw, &s) == nil && s != ""
	case kindNumber:
		// null decodes into a float64 without error.
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
			return false
		}
		var n float64
		return json.Unmarshal(raw, &n) == nil
	case kindArray:
		var a []json.RawMessage
		return json.Unmarshal(raw, &a) == nil && a != nil
	default:
		return false
	}
}

// Validate checks a single change list entry.
func (c Change) Validate() error {
	if c.EntityID == "" {
		return fmt.Errorf("missing entityId")
	}
	if c.EntityType != EntityFile && c.EntityType != EntityFolder {
		return fmt.Errorf("unknown entityType %q", c.EntityType)
	}
	switch c.Operation {
	case OpCreate, OpUpdate:
		if c.Metadata == nil {
			return fmt.Errorf("%s of %s requires metadata", c.Operation, c.EntityID)
		}
	case OpDelete:
	default:
		return fmt.Errorf("unknown operation %q", c.Operation)
	}
	return nil
}
