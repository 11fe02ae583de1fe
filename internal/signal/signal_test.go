package signal

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"a=extmap-allow-mixed\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=candidate:1 1 udp 2130706431 192.168.1.10 54321 typ host\r\n" +
	"a=ice-ufrag:abcd\r\n" +
	"a=ice-pwd:0123456789abcdef01234567\r\n" +
	"a=fingerprint:sha-256 AA:BB:CC:DD\r\n" +
	"a=setup:actpass\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtcp-fb:111 transport-cc\r\n" +
	"a=ssrc:1001 cname:xyz\r\n" +
	"a=sctp-port:5000\r\n"

type failingCodec struct{}

func (failingCodec) Compress([]byte) ([]byte, error)   { return nil, errors.New("no compressor") }
func (failingCodec) Decompress([]byte) ([]byte, error) { return nil, errors.New("no compressor") }

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestCompressSDP(t *testing.T) {
	out := CompressSDP(sampleSDP)

	for _, p := range droppedPrefixes {
		assert.NotContains(t, out, "\r\n"+p, "line %s should be stripped", p)
	}
	for _, keep := range []string{"a=candidate:", "a=ice-ufrag:", "a=fingerprint:", "a=sctp-port:5000", "m=application"} {
		assert.Contains(t, out, keep)
	}
	// extmap-allow-mixed starts with a=extmap and is dropped too
	assert.NotContains(t, out, "extmap")
	assert.Less(t, len(out), len(sampleSDP))
	assert.True(t, strings.HasSuffix(out, "\r\n"))
}

func TestCompressSDP_NormalizesLF(t *testing.T) {
	out := CompressSDP("v=0\na=rtpmap:1 x\na=mid:0")
	assert.Equal(t, "v=0\r\na=mid:0", out)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		codec   Codec
		wantTag string
	}{
		{"compressed", ZlibCodec{}, TagCompressed},
		{"plain", nil, TagPlain},
		{"compression failure falls back to plain", failingCodec{}, TagPlain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := NewEncoder(tt.codec, WithLogger(quietLogger()))
			in := Descriptor{Type: "offer", SDP: sampleSDP}

			text, err := enc.EncodeForQR(in)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(text, tt.wantTag), "got prefix %q", text[:2])

			got, err := enc.DecodeFromQR(text)
			require.NoError(t, err)
			assert.Equal(t, in.Type, got.Type)
			assert.Equal(t, CompressSDP(in.SDP), got.SDP)
		})
	}
}

func TestEncode_CompressedIsSmaller(t *testing.T) {
	big := Descriptor{Type: "answer", SDP: strings.Repeat("a=candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host\r\n", 20)}

	plain, err := NewEncoder(nil).EncodeForQR(big)
	require.NoError(t, err)
	packed, err := NewEncoder(ZlibCodec{}).EncodeForQR(big)
	require.NoError(t, err)

	assert.Less(t, len(packed), len(plain))
}

func TestEncode_TooLarge(t *testing.T) {
	enc := NewEncoder(nil, WithCapacity(64))
	_, err := enc.EncodeForQR(Descriptor{Type: "offer", SDP: sampleSDP})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = NewEncoder(nil, WithCapacity(0)).EncodeForQR(Descriptor{Type: "offer", SDP: strings.Repeat("x", 10000)})
	assert.NoError(t, err)
}

func TestDecode_Legacy(t *testing.T) {
	enc := NewEncoder(ZlibCodec{})

	tests := []struct {
		name string
		in   string
		want Descriptor
	}{
		{
			name: "raw type:content",
			in:   "answer:v=0\r\na=mid:0",
			want: Descriptor{Type: "answer", SDP: "v=0\r\na=mid:0"},
		},
		{
			name: "untagged base64 json",
			in:   base64.StdEncoding.EncodeToString([]byte(`{"type":"offer","sdp":"v=0"}`)),
			want: Descriptor{Type: "offer", SDP: "v=0"},
		},
		{
			name: "untagged base64 type:content",
			in:   base64.StdEncoding.EncodeToString([]byte("answer:v=0")),
			want: Descriptor{Type: "answer", SDP: "v=0"},
		},
		{
			name: "bare sdp defaults to offer",
			in:   "v=0 no separator here",
			want: Descriptor{Type: "offer", SDP: "v=0 no separator here"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := enc.DecodeFromQR(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
		in    string
	}{
		{"too short", ZlibCodec{}, "G"},
		{"bad base64 compressed", ZlibCodec{}, "G:!!!"},
		{"not zlib", ZlibCodec{}, "G:" + base64.StdEncoding.EncodeToString([]byte("plain"))},
		{"compressed without codec", nil, "G:eJwDAAAAAAE="},
		{"bad base64 plain", nil, "P:%%%"},
		{"json without type", nil, "P:" + base64.StdEncoding.EncodeToString([]byte(`{"sdp":"x"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncoder(tt.codec).DecodeFromQR(tt.in)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestZlibCodec_DecompressIsBounded(t *testing.T) {
	codec := ZlibCodec{}

	packed, err := codec.Compress(make([]byte, MaxDecompressedSize))
	require.NoError(t, err)
	out, err := codec.Decompress(packed)
	require.NoError(t, err)
	assert.Len(t, out, MaxDecompressedSize)

	bomb, err := codec.Compress(make([]byte, 4*1024*1024))
	require.NoError(t, err)
	require.Less(t, len(bomb), 8*1024)

	_, err = codec.Decompress(bomb)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = NewEncoder(codec).DecodeFromQR("G:" + base64.StdEncoding.EncodeToString(bomb))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestQRCapacity(t *testing.T) {
	assert.Equal(t, 2953, QRCapacity(LevelLow))
	assert.Equal(t, 2331, QRCapacity(LevelMedium))
	assert.Equal(t, 1663, QRCapacity(LevelQuartile))
	assert.Equal(t, 1273, QRCapacity(LevelHigh))
	assert.Equal(t, 2953, QRCapacity("?"))
}

func TestLineScanner(t *testing.T) {
	s := NewLineScanner(strings.NewReader("\n  P:abc  \nG:def"))
	ctx := context.Background()

	first, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, "P:abc", first)

	second, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, "G:def", second)

	_, err = s.Scan(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineScanner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLineScanner(strings.NewReader("P:abc\n")).Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
