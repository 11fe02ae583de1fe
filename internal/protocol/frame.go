package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/chunk"
)

// Binary transfer frame:
//
//	[0:2]      file id length n (uint16, little-endian)
//	[2:2+n]    file id (UTF-8)
//	[2+n:]     chunk (8-byte index/total header + payload)
//
// Carrying the file id in every frame lets the receiver attribute chunks to
// transfers without relying on only one transfer being open.

// EncodeFrame wraps a chunk in a transfer frame for fileID.
func EncodeFrame(fileID string, c []byte) ([]byte, error) {
	if fileID == "" {
		return nil, fmt.Errorf("frame requires a file id")
	}
	if len(fileID) > math.MaxUint16 {
		return nil, fmt.Errorf("file id too long: %d bytes", len(fileID))
	}

	buf := make([]byte, 2+len(fileID)+len(c))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(fileID)))
	copy(buf[2:], fileID)
	copy(buf[2+len(fileID):], c)
	return buf, nil
}

// DecodeFrame splits a transfer frame into its file id and chunk.
func DecodeFrame(frame []byte) (fileID string, c []byte, err error) {
	if len(frame) < 2 {
		return "", nil, fmt.Errorf("%w: frame shorter than id length", ErrInvalidMessage)
	}
	n := int(binary.LittleEndian.Uint16(frame[0:2]))
	if n == 0 {
		return "", nil, fmt.Errorf("%w: frame has empty file id", ErrInvalidMessage)
	}
	if len(frame) < 2+n+chunk.HeaderSize {
		return "", nil, fmt.Errorf("%w: frame truncated (%d bytes, id %d)", ErrInvalidMessage, len(frame), n)
	}
	return string(frame[2 : 2+n]), frame[2+n:], nil
}
