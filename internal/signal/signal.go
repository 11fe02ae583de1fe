// Package signal turns a peer connection's session descriptor into a short
// text payload that fits in a QR code, and back.
//
// Two QR exchanges (offer, then answer) replace a signaling server. A QR code
// at low error correction holds roughly 3KB, so descriptors are stripped of
// lines a data-channel-only connection never needs and then compressed when a
// codec is available.
//
// Encoded payloads start with a two-character tag naming the encoding:
//
//	G:<base64 of zlib-compressed JSON>
//	P:<base64 of JSON>
//
// Untagged input is treated as legacy data: base64 JSON, or a raw
// "type:content" string.
package signal

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
)

const (
	// TagCompressed prefixes payloads encoded with a compression Codec.
	TagCompressed = "G:"

	// TagPlain prefixes payloads that are plain base64 JSON.
	TagPlain = "P:"
)

var (
	// ErrInvalidPayload is returned when QR text cannot be decoded.
	ErrInvalidPayload = errors.New("invalid QR payload")

	// ErrPayloadTooLarge is returned when an encoded descriptor exceeds the
	// capacity of a low error correction QR code.
	ErrPayloadTooLarge = errors.New("payload exceeds QR capacity")
)

// Descriptor is a session description: "offer" or "answer" plus its SDP text.
type Descriptor struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// droppedPrefixes are SDP attribute lines that only matter for audio/video
// negotiation.
var droppedPrefixes = []string{
	"a=extmap",
	"a=rtcp-fb",
	"a=fmtp",
	"a=rtpmap",
	"a=ssrc",
}

// CompressSDP removes codec and RTP attribute lines from an SDP body. Line
// endings are normalized to CRLF as SDP requires.
func CompressSDP(sdp string) string {
	lines := strings.Split(strings.ReplaceAll(sdp, "\r\n", "\n"), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if dropLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\r\n")
}

func dropLine(line string) bool {
	for _, p := range droppedPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// Encoder converts descriptors to and from QR text.
type Encoder struct {
	codec    Codec
	capacity int
	logger   *log.Logger
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithCapacity overrides the maximum encoded length (0 disables the check).
func WithCapacity(n int) Option {
	return func(e *Encoder) { e.capacity = n }
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(l *log.Logger) Option {
	return func(e *Encoder) { e.logger = l }
}

// NewEncoder returns an Encoder that compresses with codec. A nil codec
// produces plain payloads only.
func NewEncoder(codec Codec, opts ...Option) *Encoder {
	e := &Encoder{
		codec:    codec,
		capacity: QRCapacity(LevelLow),
		logger:   log.New(os.Stderr, "[signal] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EncodeForQR strips the descriptor's SDP, serializes it, compresses it when
// possible and returns tagged base64 text. If compression fails the plain
// encoding is used instead.
func (e *Encoder) EncodeForQR(d Descriptor) (string, error) {
	payload, err := json.Marshal(Descriptor{Type: d.Type, SDP: CompressSDP(d.SDP)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	out := ""
	if e.codec != nil {
		packed, err := e.codec.Compress(payload)
		if err != nil {
			e.logger.Printf("Warning: compression failed, using plain base64: %v", err)
		} else {
			out = TagCompressed + base64.StdEncoding.EncodeToString(packed)
		}
	}
	if out == "" {
		out = TagPlain + base64.StdEncoding.EncodeToString(payload)
	}

	if e.capacity > 0 && len(out) > e.capacity {
		return "", fmt.Errorf("%w: %d bytes, capacity %d", ErrPayloadTooLarge, len(out), e.capacity)
	}
	return out, nil
}

// DecodeFromQR reverses EncodeForQR. It also accepts untagged legacy input.
func (e *Encoder) DecodeFromQR(text string) (Descriptor, error) {
	text = strings.TrimSpace(text)
	if len(text) < 2 {
		return Descriptor{}, fmt.Errorf("%w: too short", ErrInvalidPayload)
	}

	switch text[:2] {
	case TagCompressed:
		if e.codec == nil {
			return Descriptor{}, fmt.Errorf("%w: compressed payload but no codec configured", ErrInvalidPayload)
		}
		packed, err := base64.StdEncoding.DecodeString(text[2:])
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw, err := e.codec.Decompress(packed)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return parseDescriptor(string(raw))

	case TagPlain:
		raw, err := base64.StdEncoding.DecodeString(text[2:])
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return parseDescriptor(string(raw))

	default:
		if raw, err := base64.StdEncoding.DecodeString(text); err == nil {
			return parseDescriptor(string(raw))
		}
		return parseDescriptor(text)
	}
}

// parseDescriptor accepts JSON or the legacy "type:content" form. A colon
// only counts as a type separator within the first ten characters; anything
// else is taken to be a bare offer.
func parseDescriptor(s string) (Descriptor, error) {
	if strings.HasPrefix(s, "{") {
		var d Descriptor
		if err := json.Unmarshal([]byte(s), &d); err != nil {
			return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if d.Type == "" {
			return Descriptor{}, fmt.Errorf("%w: descriptor has no type", ErrInvalidPayload)
		}
		return d, nil
	}

	if i := strings.Index(s, ":"); i > 0 && i < 10 {
		return Descriptor{Type: s[:i], SDP: s[i+1:]}, nil
	}
	return Descriptor{Type: "offer", SDP: s}, nil
}
