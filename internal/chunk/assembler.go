package chunk

import "fmt"

// Assembler collects the chunks of one transfer in any order.
//
// An Assembler is owned by a single session and is not safe for concurrent use.
type Assembler struct {
	chunks      [][]byte
	present     []bool
	received    uint32
	totalChunks uint32
	totalSize   int64
}

// NewAssembler prepares to receive totalChunks chunks adding up to totalSize bytes.
func NewAssembler(totalChunks uint32, totalSize int64) *Assembler {
	return &Assembler{
		chunks:      make([][]byte, totalChunks),
		present:     make([]bool, totalChunks),
		totalChunks: totalChunks,
		totalSize:   totalSize,
	}
}

// AddChunk stores a chunk at the index named in its header. A chunk for an
// index that is already filled is ignored. It reports whether every chunk has
// now been received. A chunk whose header names a different total is
// rejected with ErrTotalMismatch.
func (a *Assembler) AddChunk(chunk []byte) (bool, error) {
	index, total, payload, err := ParseHeader(chunk)
	if err != nil {
		return a.IsComplete(), err
	}
	if total != a.totalChunks {
		return a.IsComplete(), fmt.Errorf("%w: header says %d, expected %d", ErrTotalMismatch, total, a.totalChunks)
	}
	if index >= a.totalChunks {
		return a.IsComplete(), fmt.Errorf("%w: index %d, total %d", ErrIndexOutOfRange, index, a.totalChunks)
	}

	if !a.present[index] {
		a.chunks[index] = append([]byte(nil), payload...)
		a.present[index] = true
		a.received++
	}

	return a.IsComplete(), nil
}

// Progress returns the fraction of chunks received, from 0 to 1.
func (a *Assembler) Progress() float64 {
	if a.totalChunks == 0 {
		return 1
	}
	return float64(a.received) / float64(a.totalChunks)
}

// IsComplete reports whether every chunk has been received.
func (a *Assembler) IsComplete() bool {
	return a.received == a.totalChunks
}

// Received returns how many distinct chunks have arrived.
func (a *Assembler) Received() uint32 {
	return a.received
}

// TotalSize returns the byte size announced when the transfer opened.
func (a *Assembler) TotalSize() int64 {
	return a.totalSize
}

// Assemble concatenates the chunks in index order.
func (a *Assembler) Assemble() ([]byte, error) {
	if !a.IsComplete() {
		return nil, fmt.Errorf("%w: %d/%d", ErrIncomplete, a.received, a.totalChunks)
	}

	n := 0
	for _, c := range a.chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	return out, nil
}

// AssembleContent assembles the transfer and tags it with kind.
func (a *Assembler) AssembleContent(kind Kind) (Content, error) {
	data, err := a.Assemble()
	if err != nil {
		return Content{}, err
	}
	return Content{Kind: kind, Data: data}, nil
}

// AssembleText assembles the transfer as a string.
func (a *Assembler) AssembleText() (string, error) {
	data, err := a.Assemble()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AssembleDataURL assembles the transfer as a base64 data URL of the given media type.
func (a *Assembler) AssembleDataURL(mime string) (string, error) {
	data, err := a.Assemble()
	if err != nil {
		return "", err
	}
	return DataURL(mime, data), nil
}
