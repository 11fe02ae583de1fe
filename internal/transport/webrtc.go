package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/signal"
)

// ChannelLabel names the data channel both peers use.
const ChannelLabel = "sync"

// fragmentSize is the largest data channel message sent. SCTP stacks commonly
// cap messages at 64 KiB, which a chunk frame exceeds, so messages are split.
const fragmentSize = 16 * 1024

// closeDrainTimeout bounds how long Close waits for buffered data to be
// delivered.
const closeDrainTimeout = 5 * time.Second

const (
	flagMore byte = 1 << 0
	flagText byte = 1 << 1
)

// DefaultICEServers are public STUN servers used when none are configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// PeerConfig configures a WebRTC peer.
type PeerConfig struct {
	// ICEServers are STUN/TURN URLs (default: DefaultICEServers)
	ICEServers []string

	// GatherTimeout bounds how long to wait for ICE candidate gathering before
	// handing out the local description as-is (default: 5s)
	GatherTimeout time.Duration

	// Logger for connection events (default: stderr logger)
	Logger *log.Logger
}

// DefaultPeerConfig returns sensible defaults.
func DefaultPeerConfig() *PeerConfig {
	return &PeerConfig{
		ICEServers:    DefaultICEServers,
		GatherTimeout: 5 * time.Second,
	}
}

// Peer is a Transport over a pion WebRTC data channel. The offering side
// calls CreateOffer then AcceptAnswer; the answering side calls AcceptOffer.
// Descriptors travel out of band, typically as QR codes.
type Peer struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
	logger        *log.Logger

	mu       gosync.Mutex
	dc       *webrtc.DataChannel
	open     chan struct{}
	openOnce gosync.Once
	partial  []byte

	in   *inbox
	once gosync.Once
}

var _ Transport = (*Peer)(nil)

// NewPeer creates a peer connection with no channel yet.
func NewPeer(config *PeerConfig) (*Peer, error) {
	if config == nil {
		config = DefaultPeerConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	gatherTimeout := config.GatherTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = 5 * time.Second
	}

	var servers []webrtc.ICEServer
	if len(config.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: config.ICEServers}}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		pc:            pc,
		gatherTimeout: gatherTimeout,
		logger:        logger,
		open:          make(chan struct{}),
		in:            newInbox(),
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			p.logger.Printf("Ignoring unexpected data channel %q", dc.Label())
			return
		}
		p.attach(dc)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Printf("Connection state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.in.close(ErrClosed)
		}
	})

	return p, nil
}

func (p *Peer) attach(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.logger.Printf("Data channel %q open", dc.Label())
		p.openOnce.Do(func() { close(p.open) })
	})
	dc.OnClose(func() {
		p.in.close(ErrClosed)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if f, ok := p.reassemble(msg.Data); ok {
			p.in.push(f)
		}
	})
}

// reassemble joins fragments into one frame.
func (p *Peer) reassemble(data []byte) (Frame, bool) {
	if len(data) == 0 {
		return Frame{}, false
	}
	flags, body := data[0], data[1:]

	p.mu.Lock()
	defer p.mu.Unlock()

	p.partial = append(p.partial, body...)
	if flags&flagMore != 0 {
		return Frame{}, false
	}
	f := Frame{Binary: flags&flagText == 0, Data: p.partial}
	p.partial = nil
	return f, true
}

// fragment splits a message into data channel payloads.
func fragment(data []byte, text bool) [][]byte {
	var base byte
	if text {
		base = flagText
	}

	var out [][]byte
	for {
		n := len(data)
		if n > fragmentSize {
			n = fragmentSize
		}
		flags := base
		if n < len(data) {
			flags |= flagMore
		}
		msg := make([]byte, 1+n)
		msg[0] = flags
		copy(msg[1:], data[:n])
		out = append(out, msg)

		data = data[n:]
		if len(data) == 0 {
			return out
		}
	}
}

// CreateOffer opens the ordered sync channel and returns the local offer
// once ICE gathering completes or times out.
func (p *Peer) CreateOffer(ctx context.Context) (signal.Descriptor, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return signal.Descriptor{}, fmt.Errorf("failed to create data channel: %w", err)
	}
	p.attach(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.Descriptor{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return p.setLocal(ctx, offer)
}

// AcceptOffer applies a remote offer and returns the local answer.
func (p *Peer) AcceptOffer(ctx context.Context, offer signal.Descriptor) (signal.Descriptor, error) {
	if offer.Type != webrtc.SDPTypeOffer.String() {
		return signal.Descriptor{}, fmt.Errorf("expected offer, got %q", offer.Type)
	}
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		return signal.Descriptor{}, fmt.Errorf("failed to set remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Descriptor{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return p.setLocal(ctx, answer)
}

// AcceptAnswer applies the remote answer to a previously created offer.
func (p *Peer) AcceptAnswer(answer signal.Descriptor) error {
	if answer.Type != webrtc.SDPTypeAnswer.String() {
		return fmt.Errorf("expected answer, got %q", answer.Type)
	}
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
	if err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

func (p *Peer) setLocal(ctx context.Context, desc webrtc.SessionDescription) (signal.Descriptor, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return signal.Descriptor{}, fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(p.gatherTimeout)
	defer timer.Stop()

	select {
	case <-gathered:
	case <-timer.C:
		p.logger.Printf("ICE gathering timed out after %v, using candidates so far", p.gatherTimeout)
	case <-ctx.Done():
		return signal.Descriptor{}, ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return signal.Descriptor{}, errors.New("no local description")
	}
	return signal.Descriptor{Type: local.Type.String(), SDP: local.SDP}, nil
}

// WaitOpen blocks until the data channel is open.
func (p *Peer) WaitOpen(ctx context.Context) error {
	select {
	case <-p.open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Peer) send(ctx context.Context, data []byte, text bool) error {
	if err := p.WaitOpen(ctx); err != nil {
		return err
	}
	if p.in.closed() {
		return ErrClosed
	}

	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()

	for _, msg := range fragment(data, text) {
		if err := dc.Send(msg); err != nil {
			return fmt.Errorf("failed to send on data channel: %w", err)
		}
	}
	return nil
}

// SendText implements Transport.
func (p *Peer) SendText(ctx context.Context, data []byte) error {
	return p.send(ctx, data, true)
}

// SendBinary implements Transport.
func (p *Peer) SendBinary(ctx context.Context, data []byte) error {
	return p.send(ctx, data, false)
}

// Recv implements Transport.
func (p *Peer) Recv(ctx context.Context) (Frame, error) {
	return p.in.pop(ctx)
}

// Close implements Transport. Data already handed to SendText or SendBinary
// is flushed to the remote side, for at most closeDrainTimeout, before the
// channel and the connection are torn down.
func (p *Peer) Close() error {
	var err error
	p.once.Do(func() {
		p.in.close(ErrClosed)

		p.mu.Lock()
		dc := p.dc
		p.mu.Unlock()

		if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
			p.drain(dc, closeDrainTimeout)
			if cerr := dc.Close(); cerr != nil {
				p.logger.Printf("Failed to close data channel: %v", cerr)
			}
		}
		if cerr := p.pc.Close(); cerr != nil {
			err = fmt.Errorf("failed to close peer connection: %w", cerr)
		}
	})
	return err
}

// drain waits until everything queued on dc has been acknowledged by the
// remote side or timeout elapses.
func (p *Peer) drain(dc *webrtc.DataChannel, timeout time.Duration) {
	low := make(chan struct{}, 1)
	dc.SetBufferedAmountLowThreshold(0)
	dc.OnBufferedAmountLow(func() {
		select {
		case low <- struct{}{}:
		default:
		}
	})

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()

	for dc.BufferedAmount() > 0 {
		select {
		case <-low:
		case <-poll.C:
		case <-deadline.C:
			p.logger.Printf("Closing with %d bytes still buffered after %v", dc.BufferedAmount(), timeout)
			return
		}
	}
}
