package signal

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Codec is a general-purpose compression pass applied to serialized
// descriptors before base64 encoding.
type Codec interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// MaxDecompressedSize caps the output of ZlibCodec.Decompress. Descriptors
// are a few KiB; the cap keeps a tiny scanned payload from inflating without
// bound.
const MaxDecompressedSize = 64 * 1024

// ZlibCodec compresses with zlib (RFC 1950), the format browser deflate
// libraries emit by default.
type ZlibCodec struct {
	// Level is a zlib compression level; zero means best compression.
	Level int
}

// Compress implements Codec.
func (c ZlibCodec) Compress(data []byte) ([]byte, error) {
	level := c.Level
	if level == 0 {
		level = zlib.BestCompression
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush zlib writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress implements Codec.
func (c ZlibCodec) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open zlib stream: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, fmt.Errorf("%w: decompressed data exceeds %d bytes", ErrInvalidPayload, MaxDecompressedSize)
	}
	return out, nil
}
