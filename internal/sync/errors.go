package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted is returned by Run after Abort.
	ErrAborted = errors.New("sync aborted")

	// ErrConnectionClosed is returned when the transport closes before the
	// session completes. Partial transfers are discarded.
	ErrConnectionClosed = errors.New("connection closed before sync completed")

	// ErrPeerTimeout is returned when nothing arrives within the idle timeout.
	ErrPeerTimeout = errors.New("peer timed out")

	// ErrProtocolVersion is returned when the peers speak different protocol
	// versions.
	ErrProtocolVersion = errors.New("protocol version mismatch")

	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = errors.New("session already started")
)

// PeerError is an ERROR message received from the peer, or a file failure
// surfaced to the observer.
type PeerError struct {
	Code    string
	Message string
	FileID  string
}

func (e *PeerError) Error() string {
	if e.FileID != "" {
		return fmt.Sprintf("peer error %s (file %s): %s", e.Code, e.FileID, e.Message)
	}
	return fmt.Sprintf("peer error %s: %s", e.Code, e.Message)
}
