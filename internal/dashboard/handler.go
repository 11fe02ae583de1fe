package dashboard

import (
	"errors"
	"log"
	"os"
	gosync "sync"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/daemon"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/sync"
)

// StatusData contains a session state change
type StatusData struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// ErrorData contains a session or file error
type ErrorData struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

// progressStep is the smallest fraction change broadcast for one file.
const progressStep = 0.05

// Handler turns session and importer events into dashboard messages. It
// implements sync.Observer.
type Handler struct {
	server *Server
	logger *log.Logger

	mu       gosync.Mutex
	progress map[string]float64 // file id -> last broadcast fraction
}

var _ sync.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	return &Handler{
		server:   server,
		logger:   logger,
		progress: make(map[string]float64),
	}
}

func (h *Handler) send(typ MessageType, data any) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		h.logger.Printf("Failed to build %s message: %v", typ, err)
		return
	}
	h.server.Broadcast(msg)
}

// OnStatus handles session state changes
func (h *Handler) OnStatus(state sync.State, message string) {
	h.send(MessageTypeStatus, StatusData{State: state.String(), Message: message})
}

// OnProgress handles transfer progress. Updates smaller than progressStep
// are coalesced; the first and final update of a file always go out.
func (h *Handler) OnProgress(p sync.Progress) {
	key := string(p.Direction) + ":" + p.FileID

	h.mu.Lock()
	last, seen := h.progress[key]
	if seen && p.Fraction < 1 && p.Fraction-last < progressStep {
		h.mu.Unlock()
		return
	}
	if p.Fraction >= 1 {
		delete(h.progress, key)
	} else {
		h.progress[key] = p.Fraction
	}
	h.mu.Unlock()

	h.send(MessageTypeProgress, p)
}

// OnError handles session and file errors
func (h *Handler) OnError(err error) {
	data := ErrorData{Error: err.Error()}
	var perr *sync.PeerError
	if errors.As(err, &perr) {
		data.Code = perr.Code
		data.FileID = perr.FileID
	}
	h.send(MessageTypeError, data)
}

// OnComplete handles session completion
func (h *Handler) OnComplete(summary sync.Summary) {
	h.logger.Printf("Sync complete with %s: %d applied, %d files received, %d sent",
		summary.RemoteDeviceID, summary.Applied, summary.FilesReceived, summary.FilesSent)

	h.mu.Lock()
	clear(h.progress)
	h.mu.Unlock()

	h.send(MessageTypeComplete, summary)
}

// OnImport handles a batch recorded by the folder importer
func (h *Handler) OnImport(stats daemon.ImportStats) {
	h.send(MessageTypeImport, stats)
}

// UpdateStats broadcasts current store statistics
func (h *Handler) UpdateStats(stats *store.Stats) {
	if stats == nil {
		return
	}
	h.send(MessageTypeStats, stats)
}
