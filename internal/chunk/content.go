package chunk

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Kind tags how content should be interpreted once reassembled.
type Kind string

const (
	KindText   Kind = "text"
	KindBinary Kind = "binary"
)

// Content is file content tagged with its kind. The kind is decided once,
// where content enters or leaves the store, instead of being re-sniffed on
// every transfer.
type Content struct {
	Kind Kind
	Data []byte
}

// Text wraps a string as text content.
func Text(s string) Content {
	return Content{Kind: KindText, Data: []byte(s)}
}

// Binary wraps raw bytes as binary content.
func Binary(b []byte) Content {
	return Content{Kind: KindBinary, Data: b}
}

// KindForType maps a file's type tag to its content kind. Text-like tags
// ("text", "svg") are text; everything else is binary.
func KindForType(fileType string) Kind {
	switch strings.ToLower(fileType) {
	case "text", "svg":
		return KindText
	default:
		return KindBinary
	}
}

// DataURL renders data as a base64 data URL.
func DataURL(mime string, data []byte) string {
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL decodes a base64 data URL into its media type and bytes.
func ParseDataURL(s string) (mime string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URL missing payload separator")
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return mime, []byte(encoded), nil
	}
	data, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode data URL: %w", err)
	}
	return mime, data, nil
}
