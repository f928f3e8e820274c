// Package worker talks to the privileged worker process that applies
// package changes.
//
// Messages are newline-delimited JSON-RPC 2.0 objects. The backend sends
// requests (commitChanges, updateCache) and notifications (cancelDownload,
// answerWorkerQuestion); the worker answers requests and reports progress,
// questions and errors as notifications until it sends workerFinished.
package worker

import (
	"encoding/json"
	"errors"
)

const jsonRPCVersion = "2.0"

// ErrTransportClosed is returned when the worker channel is gone
var ErrTransportClosed = errors.New("worker transport closed")

// Methods sent by the backend
const (
	MethodCommitChanges  = "commitChanges"
	MethodUpdateCache    = "updateCache"
	MethodCancelDownload = "cancelDownload"
	MethodAnswerQuestion = "answerWorkerQuestion"
)

// Notifications sent by the worker
const (
	SignalWorkerStarted    = "workerStarted"
	SignalWorkerFinished   = "workerFinished"
	SignalWorkerEvent      = "workerEvent"
	SignalDownloadProgress = "downloadProgress"
	SignalDownloadMessage  = "downloadMessage"
	SignalCommitProgress   = "commitProgress"
	SignalErrorOccurred    = "errorOccurred"
	SignalWarningOccurred  = "warningOccurred"
	SignalQuestionOccurred = "questionOccurred"
)

// Request is a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected)
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// CommitParams asks the worker to apply a change set
type CommitParams struct {
	Transaction string   `json:"transaction"`
	Install     []string `json:"install,omitempty"`
	Remove      []string `json:"remove,omitempty"`
	Upgrade     []string `json:"upgrade,omitempty"`
	Purge       []string `json:"purge,omitempty"`
}

// UpdateParams asks the worker to refresh the package lists
type UpdateParams struct {
	Transaction string `json:"transaction"`
}

// Signal is a decoded worker notification
type Signal interface {
	signal()
}

// Started is sent once the worker begins working on a request
type Started struct{}

// Finished is the last signal of an operation
type Finished struct {
	Result bool `json:"result"`
}

// Event reports a stage transition (see backend.WorkerEventKind)
type Event struct {
	Event int `json:"event"`
}

// DownloadProgress reports overall download progress
type DownloadProgress struct {
	Percentage int `json:"percentage"`
	Speed      int `json:"speed"` // bytes per second
	ETA        int `json:"eta"`   // seconds
}

// DownloadMessage reports one fetched item
type DownloadMessage struct {
	Flag    int    `json:"flag"`
	Message string `json:"message"`
}

// CommitProgress reports dpkg progress
type CommitProgress struct {
	Status     string `json:"status"`
	Percentage int    `json:"percentage"`
}

// Error reports a failure (see backend.ErrorCode)
type Error struct {
	Code    int            `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// Warning reports a non-fatal problem (see backend.WarningCode)
type Warning struct {
	Code    int            `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// Question asks the user something; answer with Client.Answer
type Question struct {
	Question int            `json:"question"`
	Details  map[string]any `json:"details,omitempty"`
}

func (Started) signal()          {}
func (Finished) signal()         {}
func (Event) signal()            {}
func (DownloadProgress) signal() {}
func (DownloadMessage) signal()  {}
func (CommitProgress) signal()   {}
func (Error) signal()            {}
func (Warning) signal()          {}
func (Question) signal()         {}

// decodeSignal converts a notification into its Signal type
func decodeSignal(n *Notification) (Signal, error) {
	var sig Signal
	switch n.Method {
	case SignalWorkerStarted:
		return Started{}, nil
	case SignalWorkerFinished:
		sig = &Finished{}
	case SignalWorkerEvent:
		sig = &Event{}
	case SignalDownloadProgress:
		sig = &DownloadProgress{}
	case SignalDownloadMessage:
		sig = &DownloadMessage{}
	case SignalCommitProgress:
		sig = &CommitProgress{}
	case SignalErrorOccurred:
		sig = &Error{}
	case SignalWarningOccurred:
		sig = &Warning{}
	case SignalQuestionOccurred:
		sig = &Question{}
	default:
		return nil, errUnknownSignal
	}

	if len(n.Params) > 0 {
		if err := json.Unmarshal(n.Params, sig); err != nil {
			return nil, err
		}
	}

	switch s := sig.(type) {
	case *Finished:
		return *s, nil
	case *Event:
		return *s, nil
	case *DownloadProgress:
		return *s, nil
	case *DownloadMessage:
		return *s, nil
	case *CommitProgress:
		return *s, nil
	case *Error:
		return *s, nil
	case *Warning:
		return *s, nil
	case *Question:
		return *s, nil
	}
	return sig, nil
}

var errUnknownSignal = errors.New("unknown worker signal")
