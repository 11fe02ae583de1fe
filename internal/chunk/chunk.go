// Package chunk splits file content into fixed-size, self-describing chunks
// and reassembles them regardless of arrival order.
//
// Every chunk starts with an 8-byte little-endian header:
//
//	[0:4] chunk index (uint32)
//	[4:8] total chunk count (uint32)
//
// followed by up to ChunkSize bytes of payload. Because each chunk carries its
// own position, the transport does not need to preserve ordering within a
// transfer.
package chunk

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// ChunkSize is the maximum payload carried by a single chunk (64KB).
	ChunkSize = 64 * 1024

	// HeaderSize is the length of the index/total prefix on every chunk.
	HeaderSize = 8
)

var (
	// ErrShortChunk is returned when a chunk is too small to hold a header.
	ErrShortChunk = errors.New("chunk shorter than header")

	// ErrIndexOutOfRange is returned when a chunk index is not below the total.
	ErrIndexOutOfRange = errors.New("chunk index out of range")

	// ErrTotalMismatch is returned when a chunk header announces a different
	// chunk count than the transfer it is added to.
	ErrTotalMismatch = errors.New("chunk total does not match transfer")

	// ErrIncomplete is returned when assembling before every chunk arrived.
	ErrIncomplete = errors.New("missing chunks")

	// ErrChecksumMismatch is returned when assembled content does not hash to
	// the checksum announced by the sender.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Chunked is the result of splitting one piece of content.
type Chunked struct {
	ID          string
	TotalSize   int64
	TotalChunks uint32
	Chunks      [][]byte
	Checksum    string
}

// Split normalizes content to bytes and cuts it into ChunkSize slices, each
// prefixed with its header. The checksum covers the whole content and is
// computed once before splitting.
//
// Empty content produces zero chunks.
func Split(content Content, id string) *Chunked {
	data := content.Data
	total := uint32((len(data) + ChunkSize - 1) / ChunkSize)

	chunks := make([][]byte, 0, total)
	for i := uint32(0); i < total; i++ {
		start := int(i) * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}

		buf := make([]byte, HeaderSize+end-start)
		PutHeader(buf, i, total)
		copy(buf[HeaderSize:], data[start:end])
		chunks = append(chunks, buf)
	}

	return &Chunked{
		ID:          id,
		TotalSize:   int64(len(data)),
		TotalChunks: total,
		Chunks:      chunks,
		Checksum:    Checksum(data),
	}
}

// PutHeader writes the index/total header into the first HeaderSize bytes of buf.
func PutHeader(buf []byte, index, total uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], index)
	binary.LittleEndian.PutUint32(buf[4:8], total)
}

// ParseHeader decodes a chunk's header and returns the payload that follows it.
func ParseHeader(chunk []byte) (index, total uint32, payload []byte, err error) {
	if len(chunk) < HeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes", ErrShortChunk, len(chunk))
	}
	index = binary.LittleEndian.Uint32(chunk[0:4])
	total = binary.LittleEndian.Uint32(chunk[4:8])
	return index, total, chunk[HeaderSize:], nil
}

// Checksum returns the hex-encoded SHA-256 digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports ErrChecksumMismatch when data does not hash to expected.
func VerifyChecksum(data []byte, expected string) error {
	if actual := Checksum(data); actual != expected {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, actual, expected)
	}
	return nil
}
