package sync

import "time"

// State is a session's position in the protocol.
type State int

const (
	StateIdle State = iota
	StateHandshakeSent
	StateHandshakeReceived
	StateChangeListExchanged
	StateFileTransfer
	StateComplete
	StateError
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateHandshakeReceived:
		return "handshake_received"
	case StateChangeListExchanged:
		return "change_list_exchanged"
	case StateFileTransfer:
		return "file_transfer"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Direction tells whether a file is being sent or received.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Progress reports movement of one file transfer.
type Progress struct {
	FileID    string    `json:"file_id"`
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	Fraction  float64   `json:"fraction"`
}

// Summary describes a finished session.
type Summary struct {
	RemoteDeviceID string        `json:"remote_device_id"`
	Applied        int           `json:"applied"`
	Conflicts      int           `json:"conflicts"`
	FilesReceived  int           `json:"files_received"`
	FilesSent      int           `json:"files_sent"`
	Errors         int           `json:"errors"`
	CompletedAt    int64         `json:"completed_at"`
	Duration       time.Duration `json:"duration"`
}

// Observer receives session events. Calls are made from the goroutine
// running the session and should return quickly.
type Observer interface {
	OnStatus(state State, message string)
	OnProgress(p Progress)
	OnError(err error)
	OnComplete(summary Summary)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnStatus(State, string) {}
func (NopObserver) OnProgress(Progress)    {}
func (NopObserver) OnError(error)          {}
func (NopObserver) OnComplete(Summary)     {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) OnStatus(state State, message string) {
	for _, obs := range o {
		obs.OnStatus(state, message)
	}
}

func (o Observers) OnProgress(p Progress) {
	for _, obs := range o {
		obs.OnProgress(p)
	}
}

func (o Observers) OnError(err error) {
	for _, obs := range o {
		obs.OnError(err)
	}
}

func (o Observers) OnComplete(summary Summary) {
	for _, obs := range o {
		obs.OnComplete(summary)
	}
}
