package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/chunk"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/protocol"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/transport"
)

// Config holds session configuration
type Config struct {
	// ChunkPause is how long the sender sleeps every PauseEvery chunks
	// (default: 10ms)
	ChunkPause time.Duration

	// PauseEvery is the chunk interval between pauses; 0 disables pausing
	// (default: 10)
	PauseEvery int

	// MaxFileRetries is how many times a file failing its checksum is
	// requested again before it is dropped (default: 2)
	MaxFileRetries int

	// IdleTimeout aborts the session when nothing arrives for this long;
	// 0 waits forever (default: 0)
	IdleTimeout time.Duration

	// Clock supplies wall-clock time (default: time.Now)
	Clock func() time.Time

	// Logger for session activity (default: stderr logger)
	Logger *log.Logger

	// Observer receives status, progress, and completion events
	Observer Observer
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ChunkPause:     10 * time.Millisecond,
		PauseEvery:     10,
		MaxFileRetries: 2,
	}
}

// transfer is a file being received.
type transfer struct {
	header    protocol.FileHeader
	assembler *chunk.Assembler
}

// queued is a file waiting to be requested.
type queued struct {
	fileID string
	origin store.Origin
}

// Session is one sync exchange with one peer over one transport. A Session
// is single-use.
type Session struct {
	store    store.ChangeLog
	tr       transport.Transport
	cfg      Config
	now      func() time.Time
	logger   *log.Logger
	observer Observer

	mu    gosync.Mutex
	state State

	started atomic.Bool
	aborted atomic.Bool

	// Owned by the Run goroutine.
	deviceID           string
	remoteDeviceID     string
	sentChangeList     bool
	receivedChangeList bool
	queue              []queued
	inFlight           string
	transfers          map[string]*transfer
	retries            map[string]int
	completeSent       bool
	completedAt        int64
	peerComplete       bool
	peerCompletedAt    int64
	done               bool
	startedAt          time.Time
	summary            Summary
}

// New creates a session over tr reading and writing st.
func New(st store.ChangeLog, tr transport.Transport, config *Config) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}

	return &Session{
		store:     st,
		tr:        tr,
		cfg:       cfg,
		now:       cfg.Clock,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		transfers: make(map[string]*transfer),
		retries:   make(map[string]int),
	}
}

// State returns the current state. Safe for concurrent use.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State, message string) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		s.logger.Printf("State: %s (%s)", state, message)
	}
	s.observer.OnStatus(state, message)
}

// Abort cancels the session and closes the transport. Run returns
// ErrAborted. Safe to call from any goroutine, and more than once.
func (s *Session) Abort() {
	if s.aborted.Swap(true) {
		return
	}
	s.logger.Println("Aborting session")
	if err := s.tr.Close(); err != nil {
		s.logger.Printf("Warning: failed to close transport: %v", err)
	}
}

// Run sends HELLO and handles messages until the session completes, fails,
// or is aborted. It returns the session summary on success.
func (s *Session) Run(ctx context.Context) (*Summary, error) {
	if s.started.Swap(true) {
		return nil, ErrAlreadyStarted
	}
	s.startedAt = s.now()

	if s.aborted.Load() {
		s.reset()
		s.setState(StateAborted, "aborted before start")
		return nil, ErrAborted
	}

	if err := s.start(ctx); err != nil {
		return nil, s.fail(err)
	}

	for !s.done {
		frame, err := s.recv(ctx)
		if err != nil {
			return nil, s.fail(err)
		}
		if err := s.handle(ctx, frame); err != nil {
			return nil, s.fail(err)
		}
	}

	summary := s.summary
	return &summary, nil
}

func (s *Session) start(ctx context.Context) error {
	deviceID, err := s.store.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device id: %w", err)
	}
	lastSync, err := s.store.LastSyncTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("failed to get last sync timestamp: %w", err)
	}
	s.deviceID = deviceID

	err = s.send(ctx, protocol.TypeHello, protocol.Hello{
		DeviceID:          deviceID,
		LastSyncTimestamp: lastSync,
		ProtocolVersion:   protocol.Version,
	})
	if err != nil {
		return err
	}
	s.setState(StateHandshakeSent, "connecting")
	return nil
}

func (s *Session) recv(ctx context.Context) (transport.Frame, error) {
	if s.cfg.IdleTimeout <= 0 {
		return s.tr.Recv(ctx)
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
	defer cancel()

	frame, err := s.tr.Recv(rctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return frame, fmt.Errorf("%w: nothing received for %v", ErrPeerTimeout, s.cfg.IdleTimeout)
	}
	return frame, err
}

// fail tears down session state after a fatal error and maps it to what Run
// returns.
func (s *Session) fail(err error) error {
	s.reset()

	if s.aborted.Load() {
		s.setState(StateAborted, "aborted")
		return ErrAborted
	}

	if errors.Is(err, transport.ErrClosed) {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	s.logger.Printf("Sync failed: %v", err)
	s.setState(StateError, err.Error())
	s.observer.OnError(err)
	return err
}

// reset discards queued and partial transfers.
func (s *Session) reset() {
	s.queue = nil
	s.inFlight = ""
	s.transfers = make(map[string]*transfer)
}

func (s *Session) send(ctx context.Context, typ protocol.MessageType, payload any) error {
	data, err := protocol.EncodeAt(typ, payload, s.now())
	if err != nil {
		return err
	}
	if err := s.tr.SendText(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", typ, err)
	}
	return nil
}

// handle dispatches one incoming message. A returned error ends the session.
func (s *Session) handle(ctx context.Context, frame transport.Frame) error {
	msg, err := protocol.Parse(frame.Data, frame.Binary)
	if err == nil {
		err = protocol.Validate(msg)
	}
	if err != nil {
		return s.rejectInvalid(ctx, msg, err)
	}

	if msg.Binary {
		return s.handleFrame(msg.Data)
	}

	switch msg.Type {
	case protocol.TypeHello:
		var p protocol.Hello
		if err := msg.Decode(&p); err != nil {
			return s.rejectInvalid(ctx, msg, err)
		}
		return s.handleHello(ctx, p)

	case protocol.TypeHelloAck:
		var p protocol.HelloAck
		if err := msg.Decode(&p); err != nil {
			return s.rejectInvalid(ctx, msg, err)
		}
		if s.remoteDeviceID == "" {
			s.remoteDeviceID = p.DeviceID
		}
		return nil

	case protocol.TypeSyncRequest:
		var p protocol.SyncRequest
		if err := msg.Decode(&p); err != nil {
			return s.rejectInvalid(ctx, msg, err)
		}
		if err := s.sendChangeList(ctx, p.SinceTimestamp); err != nil {
			return err
		}
		return s.requestNextFile(ctx)

	case protocol.TypeChangeList:
		var p protocol.ChangeList
		if err := msg.Decode(&p); err != nil {
			return s.rejectInvalid(ctx, msg, err)
		}
		return s.handleChangeList(ctx, p)

	case protocol.TypeFileRequest:
		var p protocol.FileRequest
		if err := msg.Decode(&p); err != nil {
			return s.rejectInvalid(ctx, msg, err)
		}
		return s.serveFile(ctx, p.FileID)

	case protocol.TypeFileHeader:
		var p protocol.FileHeader
		if err := msg.Decode(&p); err != nil {
			return s.rejectInvalid(ctx, msg, err)
		}
		return s.handleFileHeader(ctx, p)

	case protocol.TypeFileComplete:
		var p protocol.FileComplete
		if err := msg.Decode(&p); err != nil {
			return s.rejectInvalid(ctx, msg, err)
		}
		return s.handleFileComplete(ctx, p)

	case protocol.TypeFileAck:
		var p protocol.FileAck
		if err := msg.Decode(&p); err != nil {
			return s.rejectInvalid(ctx, msg, err)
		}
		if p.OK {
			s.logger.Printf("Peer stored file %s", p.FileID)
		} else {
			s.logger.Printf("Warning: peer rejected file %s: %s", p.FileID, p.Error)
		}
		return nil

	case protocol.TypeFolderData:
		var p protocol.FolderData
		if err := msg.Decode(&p); err != nil {
			return s.rejectInvalid(ctx, msg, err)
		}
		return s.handleFolderData(ctx, p)

	case protocol.TypeSyncComplete:
		var p protocol.SyncComplete
		if err := msg.Decode(&p); err != nil {
			return s.rejectInvalid(ctx, msg, err)
		}
		s.peerComplete = true
		s.peerCompletedAt = p.CompletedAt
		return s.checkComplete(ctx)

	case protocol.TypeError:
		var p protocol.Error
		if err := msg.Decode(&p); err != nil {
			return s.rejectInvalid(ctx, msg, err)
		}
		return s.handlePeerError(ctx, p)

	case protocol.TypePing:
		return s.send(ctx, protocol.TypePong, nil)

	case protocol.TypePong:
		return nil
	}

	return nil
}

// rejectInvalid logs a malformed message and NACKs it, unless it was itself
// an ERROR or a binary frame.
func (s *Session) rejectInvalid(ctx context.Context, msg *protocol.Message, err error) error {
	s.logger.Printf("Warning: dropping invalid message: %v", err)
	if msg != nil && (msg.Binary || msg.Type == protocol.TypeError) {
		return nil
	}
	return s.send(ctx, protocol.TypeError, protocol.Error{
		Code:    protocol.CodeInvalidMessage,
		Message: err.Error(),
	})
}

func (s *Session) handleHello(ctx context.Context, p protocol.Hello) error {
	// Zero means the peer did not say; only the first version exists.
	if p.ProtocolVersion != 0 && p.ProtocolVersion != protocol.Version {
		msg := fmt.Sprintf("peer speaks protocol %d, want %d", p.ProtocolVersion, protocol.Version)
		if err := s.send(ctx, protocol.TypeError, protocol.Error{
			Code:    protocol.CodeVersionMismatch,
			Message: msg,
		}); err != nil {
			s.logger.Printf("Warning: failed to report version mismatch: %v", err)
		}
		return fmt.Errorf("%w: %s", ErrProtocolVersion, msg)
	}

	s.remoteDeviceID = p.DeviceID
	s.summary.RemoteDeviceID = p.DeviceID
	s.setState(StateHandshakeReceived, "connected to peer "+p.DeviceID)

	if err := s.send(ctx, protocol.TypeHelloAck, protocol.HelloAck{DeviceID: s.deviceID}); err != nil {
		return err
	}
	if err := s.sendChangeList(ctx, p.LastSyncTimestamp); err != nil {
		return err
	}
	return s.requestNextFile(ctx)
}

func (s *Session) handlePeerError(ctx context.Context, p protocol.Error) error {
	perr := &PeerError{Code: p.Code, Message: p.Message, FileID: p.FileID}
	s.logger.Printf("Peer reported: %v", perr)

	switch p.Code {
	case protocol.CodeVersionMismatch:
		return fmt.Errorf("%w: %v", ErrProtocolVersion, perr)

	case protocol.CodeFileNotFound:
		s.summary.Errors++
		s.observer.OnError(perr)
		if p.FileID == "" {
			return nil
		}
		s.dropFile(p.FileID)
		return s.requestNextFile(ctx)

	default:
		s.summary.Errors++
		s.observer.OnError(perr)
		return nil
	}
}

func (s *Session) handleFolderData(ctx context.Context, p protocol.FolderData) error {
	folder := store.FolderRecord{
		ID:           p.ID,
		Name:         p.Name,
		ParentID:     p.ParentID,
		DateCreated:  p.DateCreated,
		DateModified: p.DateModified,
	}
	origin := store.Origin{DeviceID: s.remoteDeviceID, Timestamp: p.DateModified}
	if err := s.store.ApplyRemoteFolder(ctx, folder, origin); err != nil {
		return fmt.Errorf("failed to apply folder %s: %w", p.ID, err)
	}
	s.summary.Applied++
	return nil
}

// readyToComplete reports whether this side has nothing left to do: its own
// change list is sent, the peer's is received, and no file is queued or in
// flight.
func (s *Session) readyToComplete() bool {
	return s.sentChangeList &&
		s.receivedChangeList &&
		len(s.queue) == 0 &&
		s.inFlight == "" &&
		len(s.transfers) == 0
}

// checkComplete announces completion once ready and finishes when the peer
// has announced too.
func (s *Session) checkComplete(ctx context.Context) error {
	if !s.readyToComplete() {
		return nil
	}

	if !s.completeSent {
		s.completedAt = s.now().UnixMilli()
		if err := s.send(ctx, protocol.TypeSyncComplete, protocol.SyncComplete{CompletedAt: s.completedAt}); err != nil {
			return err
		}
		s.completeSent = true
	}

	if s.peerComplete {
		return s.finish(ctx)
	}
	return nil
}

func (s *Session) finish(ctx context.Context) error {
	if s.done {
		return nil
	}

	unsynced, err := s.store.Unsynced(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unsynced changes: %w", err)
	}
	ids := make([]string, 0, len(unsynced))
	for _, c := range unsynced {
		ids = append(ids, c.ID)
	}
	if err := s.store.MarkSynced(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark changes synced: %w", err)
	}

	checkpoint := s.completedAt
	if s.peerCompletedAt > checkpoint {
		checkpoint = s.peerCompletedAt
	}
	if err := s.store.SetLastSyncTimestamp(ctx, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	s.done = true
	s.summary.CompletedAt = checkpoint
	s.summary.Duration = s.now().Sub(s.startedAt)

	s.logger.Printf("Sync complete: applied=%d conflicts=%d received=%d sent=%d errors=%d",
		s.summary.Applied, s.summary.Conflicts, s.summary.FilesReceived, s.summary.FilesSent, s.summary.Errors)
	s.setState(StateComplete, "sync complete")
	s.observer.OnComplete(s.summary)
	return nil
}
