package transport

import (
	"context"
	gosync "sync"
)

// pipeEnd is one side of an in-memory link.
type pipeEnd struct {
	in   *inbox
	out  *inbox
	once *gosync.Once
}

// Pipe returns two connected in-memory transports. Closing either end
// closes both; each side still drains what was already sent to it.
func Pipe() (Transport, Transport) {
	a, b := newInbox(), newInbox()
	once := &gosync.Once{}
	return &pipeEnd{in: a, out: b, once: once}, &pipeEnd{in: b, out: a, once: once}
}

func (p *pipeEnd) send(ctx context.Context, binary bool, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.in.closed() {
		return ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	if !p.out.push(Frame{Binary: binary, Data: buf}) {
		return ErrClosed
	}
	return nil
}

func (p *pipeEnd) SendText(ctx context.Context, data []byte) error {
	return p.send(ctx, false, data)
}

func (p *pipeEnd) SendBinary(ctx context.Context, data []byte) error {
	return p.send(ctx, true, data)
}

func (p *pipeEnd) Recv(ctx context.Context) (Frame, error) {
	return p.in.pop(ctx)
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() {
		p.in.close(ErrClosed)
		p.out.close(ErrClosed)
	})
	return nil
}
