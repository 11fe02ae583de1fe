package chunk

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	_, err := r.Read(b)
	require.NoError(t, err)
	return b
}

func TestSplit_ChunkCount(t *testing.T) {
	tests := []struct {
		name string
		size int
		want uint32
	}{
		{"empty", 0, 0},
		{"one byte", 1, 1},
		{"exactly one chunk", ChunkSize, 1},
		{"one over", ChunkSize + 1, 2},
		{"200KB", 200 * 1024, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Split(Binary(make([]byte, tt.size)), "f1")
			assert.Equal(t, tt.want, c.TotalChunks)
			assert.Len(t, c.Chunks, int(tt.want))
			assert.Equal(t, int64(tt.size), c.TotalSize)
			assert.Equal(t, "f1", c.ID)
		})
	}
}

func TestSplit_HeaderRoundTrip(t *testing.T) {
	data := randomBytes(t, 3*ChunkSize+17, 1)
	c := Split(Binary(data), "f1")

	for i, ch := range c.Chunks {
		index, total, payload, err := ParseHeader(ch)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), index)
		assert.Equal(t, c.TotalChunks, total)
		assert.LessOrEqual(t, len(payload), ChunkSize)
	}
}

func TestPutHeader_LittleEndian(t *testing.T) {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, 1, 0x01020304)
	assert.Equal(t, []byte{1, 0, 0, 0, 4, 3, 2, 1}, buf)
}

func TestParseHeader_Short(t *testing.T) {
	_, _, _, err := ParseHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortChunk)
}

func TestSplit_Checksum(t *testing.T) {
	c := Split(Text("hello"), "f1")
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", c.Checksum)
	assert.NoError(t, VerifyChecksum([]byte("hello"), c.Checksum))
	assert.ErrorIs(t, VerifyChecksum([]byte("hellO"), c.Checksum), ErrChecksumMismatch)
}

func TestAssembler_AnyOrder(t *testing.T) {
	data := randomBytes(t, 5*ChunkSize+1234, 2)
	c := Split(Binary(data), "f1")

	r := rand.New(rand.NewSource(3))
	for round := 0; round < 20; round++ {
		order := r.Perm(len(c.Chunks))

		a := NewAssembler(c.TotalChunks, c.TotalSize)
		for n, i := range order {
			done, err := a.AddChunk(c.Chunks[i])
			require.NoError(t, err)
			assert.Equal(t, n == len(order)-1, done)
		}

		got, err := a.Assemble()
		require.NoError(t, err)
		require.True(t, bytes.Equal(data, got), "round %d: assembled bytes differ", round)
		require.NoError(t, VerifyChecksum(got, c.Checksum))
	}
}

func TestAssembler_Progress200KB(t *testing.T) {
	c := Split(Binary(make([]byte, 200*1024)), "f1")
	require.Equal(t, uint32(4), c.TotalChunks)

	a := NewAssembler(c.TotalChunks, c.TotalSize)
	assert.Equal(t, 0.0, a.Progress())

	for n, i := range []int{2, 0, 3, 1} {
		_, err := a.AddChunk(c.Chunks[i])
		require.NoError(t, err)
		assert.InDelta(t, float64(n+1)/4, a.Progress(), 1e-9)
	}
	assert.Equal(t, 1.0, a.Progress())
}

func TestAssembler_DuplicatesIgnored(t *testing.T) {
	c := Split(Binary(make([]byte, ChunkSize*2)), "f1")
	a := NewAssembler(c.TotalChunks, c.TotalSize)

	_, err := a.AddChunk(c.Chunks[0])
	require.NoError(t, err)
	done, err := a.AddChunk(c.Chunks[0])
	require.NoError(t, err)

	assert.False(t, done)
	assert.Equal(t, uint32(1), a.Received())
	assert.Equal(t, 0.5, a.Progress())
}

func TestAssembler_OutOfRange(t *testing.T) {
	a := NewAssembler(2, 10)
	bad := make([]byte, HeaderSize+1)
	PutHeader(bad, 5, 2)

	_, err := a.AddChunk(bad)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.Equal(t, uint32(0), a.Received())
}

func TestAssembler_TotalMismatch(t *testing.T) {
	c := Split(Binary(make([]byte, ChunkSize*3)), "f1")
	require.Equal(t, uint32(3), c.TotalChunks)
	a := NewAssembler(2, int64(ChunkSize*2))

	_, err := a.AddChunk(c.Chunks[0])
	assert.ErrorIs(t, err, ErrTotalMismatch)
	assert.Equal(t, uint32(0), a.Received())

	good := make([]byte, HeaderSize+1)
	PutHeader(good, 1, 2)
	_, err = a.AddChunk(good)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a.Received())
}

func TestAssembler_Incomplete(t *testing.T) {
	c := Split(Binary(make([]byte, ChunkSize+1)), "f1")
	a := NewAssembler(c.TotalChunks, c.TotalSize)
	_, err := a.AddChunk(c.Chunks[1])
	require.NoError(t, err)

	_, err = a.Assemble()
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestAssembler_Empty(t *testing.T) {
	c := Split(Text(""), "empty")
	a := NewAssembler(c.TotalChunks, c.TotalSize)

	assert.True(t, a.IsComplete())
	assert.Equal(t, 1.0, a.Progress())
	text, err := a.AssembleText()
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestAssembler_DataURL(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G'}
	c := Split(Binary(raw), "img")
	a := NewAssembler(c.TotalChunks, c.TotalSize)
	for _, ch := range c.Chunks {
		_, err := a.AddChunk(ch)
		require.NoError(t, err)
	}

	url, err := a.AssembleDataURL("image/png")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,iVBORw==", url)

	mime, data, err := ParseDataURL(url)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, raw, data)
}

func TestKindForType(t *testing.T) {
	assert.Equal(t, KindText, KindForType("text"))
	assert.Equal(t, KindText, KindForType("SVG"))
	assert.Equal(t, KindBinary, KindForType("image"))
	assert.Equal(t, KindBinary, KindForType(""))
}
