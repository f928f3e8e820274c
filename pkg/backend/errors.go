package backend

import "errors"

var (
	// ErrNotInitialized is returned by every operation before Init
	ErrNotInitialized = errors.New("backend not initialized")

	// ErrPackageNotFound is returned when a named package is unknown or
	// its handle was invalidated by a cache reload
	ErrPackageNotFound = errors.New("package not found")

	// ErrWorkerBusy is returned while another worker operation runs
	ErrWorkerBusy = errors.New("worker busy")

	// ErrNoWorker is returned when no worker dialer is configured
	ErrNoWorker = errors.New("no worker configured")

	// ErrNoOperation is returned when answering a worker that is not running
	ErrNoOperation = errors.New("no worker operation running")

	// ErrNothingMarked is returned when committing an empty change set
	ErrNothingMarked = errors.New("no packages marked for change")

	// ErrNotInstalled is returned when removing a package that is not installed
	ErrNotInstalled = errors.New("package not installed")

	// ErrEssential is returned when removing an essential package
	ErrEssential = errors.New("package is essential")

	// ErrNotDownloadable is returned when installing a package without candidate
	ErrNotDownloadable = errors.New("package has no installation candidate")

	// ErrWrongArch is returned when installing a package of an architecture
	// the host does not support
	ErrWrongArch = errors.New("package architecture not supported")
)
