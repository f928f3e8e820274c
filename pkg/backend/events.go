package backend

// Event is a notification emitted by the backend
type Event interface {
	event()
}

// EventHandler receives backend notifications. Handlers run on the
// goroutine that caused the event and must not block for long.
type EventHandler func(Event)

// ErrorEvent reports a failure
type ErrorEvent struct {
	Code    ErrorCode
	Details map[string]any
}

// WarningEvent reports a non-fatal problem
type WarningEvent struct {
	Code    WarningCode
	Details map[string]any
}

// QuestionEvent asks the user to decide something. Reply with
// Backend.AnswerWorkerQuestion.
type QuestionEvent struct {
	Question WorkerQuestion
	Details  map[string]any
}

// PackageChangedEvent is sent after the marked state of any package changed
// or the cache was reloaded. Package is nil for bulk changes.
type PackageChangedEvent struct {
	Package *Package
}

// WorkerEvent reports a stage transition of the running worker operation
type WorkerEvent struct {
	Kind WorkerEventKind
}

// DownloadProgressEvent reports overall download progress
type DownloadProgressEvent struct {
	Percentage int
	Speed      int // bytes per second
	ETA        int // seconds
}

// DownloadMessageEvent reports one fetched item
type DownloadMessageEvent struct {
	Flag    int
	Message string
}

// CommitProgressEvent reports installation progress
type CommitProgressEvent struct {
	Status     string
	Percentage int
}

func (ErrorEvent) event()            {}
func (WarningEvent) event()          {}
func (QuestionEvent) event()         {}
func (PackageChangedEvent) event()   {}
func (WorkerEvent) event()           {}
func (DownloadProgressEvent) event() {}
func (DownloadMessageEvent) event()  {}
func (CommitProgressEvent) event()   {}
