package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	gosync "sync"
	"time"

	"github.com/coder/websocket"
)

// MaxMessageSize bounds a single inbound WebSocket message. A chunk frame is
// a little over 64 KiB; change lists for large stores are the biggest text
// messages.
const MaxMessageSize = 64 << 20

// SyncPath is the HTTP path a Listener serves.
const SyncPath = "/sync"

// WebSocket is a Transport over a coder/websocket connection.
type WebSocket struct {
	conn   *websocket.Conn
	in     *inbox
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   gosync.Once
	logger *log.Logger
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket wraps an established connection and starts reading from it.
func NewWebSocket(conn *websocket.Conn, logger *log.Logger) *WebSocket {
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	conn.SetReadLimit(MaxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	ws := &WebSocket{
		conn:   conn,
		in:     newInbox(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger,
	}
	go ws.readLoop()
	return ws
}

// DialWebSocket connects to a peer's Listener, e.g. "ws://host:port/sync".
func DialWebSocket(ctx context.Context, url string, logger *log.Logger) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWebSocket(conn, logger), nil
}

func (ws *WebSocket) readLoop() {
	defer close(ws.done)

	for {
		typ, data, err := ws.conn.Read(ws.ctx)
		if err != nil {
			switch {
			case ws.ctx.Err() != nil,
				websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				ws.in.close(ErrClosed)
			default:
				ws.logger.Printf("Read failed: %v", err)
				ws.in.close(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			return
		}
		ws.in.push(Frame{Binary: typ == websocket.MessageBinary, Data: data})
	}
}

func (ws *WebSocket) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if ws.in.closed() {
		return ErrClosed
	}
	if err := ws.conn.Write(ctx, typ, data); err != nil {
		if ws.in.closed() {
			return ErrClosed
		}
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// SendText implements Transport.
func (ws *WebSocket) SendText(ctx context.Context, data []byte) error {
	return ws.write(ctx, websocket.MessageText, data)
}

// SendBinary implements Transport.
func (ws *WebSocket) SendBinary(ctx context.Context, data []byte) error {
	return ws.write(ctx, websocket.MessageBinary, data)
}

// Recv implements Transport.
func (ws *WebSocket) Recv(ctx context.Context) (Frame, error) {
	return ws.in.pop(ctx)
}

// Done is closed once the connection has stopped reading.
func (ws *WebSocket) Done() <-chan struct{} {
	return ws.done
}

// Close implements Transport.
func (ws *WebSocket) Close() error {
	ws.once.Do(func() {
		ws.in.close(ErrClosed)
		_ = ws.conn.Close(websocket.StatusNormalClosure, "")
		ws.cancel()
	})
	return nil
}

// Listener accepts incoming WebSocket sync connections on SyncPath.
type Listener struct {
	listener net.Listener
	server   *http.Server
	conns    chan *WebSocket
	ctx      context.Context
	cancel   context.CancelFunc
	wg       gosync.WaitGroup
	logger   *log.Logger
}

// Listen starts serving on addr (":0" picks a free port).
func Listen(addr string, logger *log.Logger) (*Listener, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		listener: ln,
		conns:    make(chan *WebSocket),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(SyncPath, l.handleSync)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.logger.Printf("Listening for peers on %s", ln.Addr())
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Printf("Server error: %v", err)
		}
	}()

	return l, nil
}

func (l *Listener) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		l.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	ws := NewWebSocket(conn, l.logger)
	select {
	case l.conns <- ws:
		l.logger.Printf("Peer connected from %s", r.RemoteAddr)
	case <-l.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "listener closed")
		return
	}

	// Hold the handler until the link is finished.
	select {
	case <-ws.Done():
	case <-l.ctx.Done():
		_ = ws.Close()
	}
}

// Accept waits for the next peer.
func (l *Listener) Accept(ctx context.Context) (*WebSocket, error) {
	select {
	case ws := <-l.conns:
		return ws, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, ErrClosed
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}

// URL returns the ws:// URL peers should dial.
func (l *Listener) URL() string {
	return "ws://" + l.Addr() + SyncPath
}

// Close stops the server and closes connections still in flight.
func (l *Listener) Close() error {
	l.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.server.Shutdown(ctx)
	l.wg.Wait()
	if err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}
