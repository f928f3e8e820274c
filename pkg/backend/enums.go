package backend

import "fmt"

// ErrorCode identifies a worker or backend failure. The numeric values are
// part of the worker protocol.
type ErrorCode int

const (
	UnknownError ErrorCode = iota
	InitError
	LockError
	DiskSpaceError
	FetchError
	CommitError
	AuthError
	WorkerDisappeared
	UntrustedError
	UserCancelError
	DownloadDisallowedError
	NotFoundError
	WrongArchError
	MarkingError
)

var errorCodeNames = map[ErrorCode]string{
	UnknownError:            "unknown error",
	InitError:               "initialization error",
	LockError:               "lock error",
	DiskSpaceError:          "insufficient disk space",
	FetchError:              "fetch error",
	CommitError:             "commit error",
	AuthError:               "authorization error",
	WorkerDisappeared:       "worker disappeared",
	UntrustedError:          "untrusted packages",
	UserCancelError:         "cancelled by user",
	DownloadDisallowedError: "download disallowed",
	NotFoundError:           "not found",
	WrongArchError:          "wrong architecture",
	MarkingError:            "marking error",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error code %d", int(c))
}

// WarningCode identifies a non-fatal worker problem
type WarningCode int

const (
	UnknownWarning WarningCode = iota
	FetchFailedWarning
	SizeMismatchWarning
)

func (c WarningCode) String() string {
	switch c {
	case FetchFailedWarning:
		return "fetch failed"
	case SizeMismatchWarning:
		return "size mismatch"
	case UnknownWarning:
		return "unknown warning"
	}
	return fmt.Sprintf("warning code %d", int(c))
}

// WorkerEventKind is a stage transition of a worker operation
type WorkerEventKind int

const (
	InvalidEvent WorkerEventKind = iota
	CacheUpdateStarted
	CacheUpdateFinished
	PackageDownloadStarted
	PackageDownloadFinished
	CommitChangesStarted
	CommitChangesFinished
)

func (k WorkerEventKind) String() string {
	switch k {
	case CacheUpdateStarted:
		return "cache update started"
	case CacheUpdateFinished:
		return "cache update finished"
	case PackageDownloadStarted:
		return "package download started"
	case PackageDownloadFinished:
		return "package download finished"
	case CommitChangesStarted:
		return "commit started"
	case CommitChangesFinished:
		return "commit finished"
	case InvalidEvent:
		return "invalid event"
	}
	return fmt.Sprintf("worker event %d", int(k))
}

// WorkerQuestion is something the worker needs the user to decide
type WorkerQuestion int

const (
	InvalidQuestion WorkerQuestion = iota
	// ConfFilePrompt asks whether to replace a modified configuration file.
	// Answer with {"ReplaceFile": bool}.
	ConfFilePrompt
	// MediaChange asks for a medium to be inserted. Answer with
	// {"MediaChanged": bool}.
	MediaChange
	// InstallUntrusted asks whether unauthenticated packages may be
	// installed. Answer with {"InstallUntrusted": bool}.
	InstallUntrusted
)

func (q WorkerQuestion) String() string {
	switch q {
	case ConfFilePrompt:
		return "configuration file prompt"
	case MediaChange:
		return "media change"
	case InstallUntrusted:
		return "install untrusted"
	case InvalidQuestion:
		return "invalid question"
	}
	return fmt.Sprintf("question %d", int(q))
}
