// Package transport carries sync messages between two peers.
//
// A Transport is an ordered, reliable, message-oriented duplex link that
// distinguishes text messages from binary ones. Implementations:
//
//   - Pipe: an in-memory pair, for tests and same-process peers
//   - WebSocket: a coder/websocket connection, for peers that can reach each
//     other over HTTP
//   - Peer: a pion WebRTC data channel, paired by exchanging offer and answer
//     descriptors out of band
//
// Received messages are queued without bound so that a peer busy sending
// never stalls the other side's sends.
package transport

import (
	"context"
	"errors"
	gosync "sync"
)

// ErrClosed is returned once the link is closed, by either side.
var ErrClosed = errors.New("transport closed")

// Frame is one received message.
type Frame struct {
	Binary bool
	Data   []byte
}

// Transport is a message link to one peer.
type Transport interface {
	// SendText sends a UTF-8 text message.
	SendText(ctx context.Context, data []byte) error

	// SendBinary sends a binary message.
	SendBinary(ctx context.Context, data []byte) error

	// Recv blocks until a message arrives, ctx is done, or the link closes.
	// Messages already queued are delivered before ErrClosed.
	Recv(ctx context.Context) (Frame, error)

	// Close tears down the link. It is safe to call more than once.
	Close() error
}

// inbox is an unbounded single-consumer queue of received frames.
type inbox struct {
	mu     gosync.Mutex
	frames []Frame
	err    error
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push queues f. It reports false if the inbox is closed.
func (q *inbox) push(f Frame) bool {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	q.wake()
	return true
}

// close marks the inbox finished. Queued frames stay readable; err is
// returned after them. Only the first call has effect.
func (q *inbox) close(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.wake()
}

func (q *inbox) closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err != nil
}

func (q *inbox) pop(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = Frame{}
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, nil
		}
		err := q.err
		q.mu.Unlock()
		if err != nil {
			return Frame{}, err
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}
