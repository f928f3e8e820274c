package storage

import (
	"context"
	"time"
)

// Kind is the type of worker transaction
type Kind string

const (
	KindCommit Kind = "commit"
	KindUpdate Kind = "update"
)

// State is the outcome of a worker transaction
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Transaction represents one request handed to the worker
type Transaction struct {
	ID         string    // Transaction UUID sent to the worker
	Kind       Kind      // What the worker was asked to do
	Install    []string  // Packages to install
	Remove     []string  // Packages to remove
	Upgrade    []string  // Packages to upgrade
	Purge      []string  // Packages to purge
	State      State     // Current state
	Error      string    // Error reported by the worker, if any
	StartedAt  time.Time // When the request was sent
	FinishedAt time.Time // When the worker finished (zero while running)
}

// Storage defines the interface for transaction history storage
type Storage interface {
	// Initialize initializes the storage (e.g., creates tables)
	Initialize(ctx context.Context) error

	// AddTransaction records a new running transaction
	AddTransaction(ctx context.Context, tx *Transaction) error

	// GetTransaction gets a transaction by ID, nil when unknown
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// ListTransactions lists the most recent transactions first
	ListTransactions(ctx context.Context, limit int) ([]*Transaction, error)

	// FinishTransaction stores the outcome of a transaction
	FinishTransaction(ctx context.Context, id string, state State, errMsg string) error

	// DeleteTransaction deletes a transaction
	DeleteTransaction(ctx context.Context, id string) error

	// Close closes the storage
	Close() error
}
