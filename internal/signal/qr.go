package signal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Level is a QR error correction level.
type Level string

const (
	LevelLow      Level = "L"
	LevelMedium   Level = "M"
	LevelQuartile Level = "Q"
	LevelHigh     Level = "H"
)

// QRCapacity returns the approximate byte capacity of a version 40 QR code at
// the given error correction level. Unknown levels report the low capacity.
func QRCapacity(level Level) int {
	switch level {
	case LevelMedium:
		return 2331
	case LevelQuartile:
		return 1663
	case LevelHigh:
		return 1273
	default:
		return 2953
	}
}

// Scanner yields the text of one scanned QR code. Camera capture and barcode
// detection live behind this interface; the backend is picked once when the
// pairing flow starts.
type Scanner interface {
	Scan(ctx context.Context) (string, error)
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(ctx context.Context) (string, error)

// Scan implements Scanner.
func (f ScannerFunc) Scan(ctx context.Context) (string, error) {
	return f(ctx)
}

// LineScanner reads QR text pasted or piped in, one payload per line. Blank
// lines are skipped. It suits external scanner tools that print decoded text.
type LineScanner struct {
	r *bufio.Reader
}

// NewLineScanner reads payloads from r.
func NewLineScanner(r io.Reader) *LineScanner {
	return &LineScanner{r: bufio.NewReader(r)}
}

// Scan implements Scanner. The read itself is not interruptible; ctx is
// checked between lines.
func (s *LineScanner) Scan(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line, err := s.r.ReadString('\n')
		if text := strings.TrimSpace(line); text != "" {
			return text, nil
		}
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("no QR payload before end of input: %w", err)
			}
			return "", fmt.Errorf("failed to read QR payload: %w", err)
		}
	}
}
