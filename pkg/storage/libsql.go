package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// LibSQL implements the Storage interface using libsql
type LibSQL struct {
	db *sql.DB
}

// OpenDB opens a database through the libsql driver. File URLs are served
// by the sqlite driver and limited to one connection.
func OpenDB(url string) (*sql.DB, error) {
	db, err := sql.Open("libsql", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.HasPrefix(url, "file:") {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewLibSQL creates a new LibSQL storage
func NewLibSQL(url string) (*LibSQL, error) {
	db, err := OpenDB(url)
	if err != nil {
		return nil, err
	}

	return &LibSQL{db: db}, nil
}

// DB returns the underlying database, shared with the search index
func (s *LibSQL) DB() *sql.DB {
	return s.db
}

// Initialize creates the database schema
func (s *LibSQL) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT NOT NULL PRIMARY KEY,
			kind TEXT NOT NULL,
			install TEXT NOT NULL DEFAULT '',
			remove TEXT NOT NULL DEFAULT '',
			upgrade TEXT NOT NULL DEFAULT '',
			purge TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create transactions table: %w", err)
	}

	return nil
}

// AddTransaction records a new transaction
func (s *LibSQL) AddTransaction(ctx context.Context, tx *Transaction) error {
	if tx.StartedAt.IsZero() {
		tx.StartedAt = time.Now()
	}
	if tx.State == "" {
		tx.State = StateRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, kind, install, remove, upgrade, purge, state, error, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, string(tx.Kind),
		joinNames(tx.Install), joinNames(tx.Remove), joinNames(tx.Upgrade), joinNames(tx.Purge),
		string(tx.State), tx.Error, tx.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

const selectColumns = `
	SELECT id, kind, install, remove, upgrade, purge, state, error,
		   started_at, finished_at
	FROM transactions`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		tx                              Transaction
		kind, state                     string
		install, remove, upgrade, purge string
		finished                        sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &kind, &install, &remove, &upgrade, &purge, &state, &tx.Error,
		&tx.StartedAt, &finished,
	)
	if err != nil {
		return nil, err
	}

	tx.Kind = Kind(kind)
	tx.State = State(state)
	tx.Install = splitNames(install)
	tx.Remove = splitNames(remove)
	tx.Upgrade = splitNames(upgrade)
	tx.Purge = splitNames(purge)
	if finished.Valid {
		tx.FinishedAt = finished.Time
	}
	return &tx, nil
}

// GetTransaction gets a transaction by ID
func (s *LibSQL) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, selectColumns+`
		WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return tx, nil
}

// ListTransactions lists transactions, most recent first. A limit <= 0
// returns all of them.
func (s *LibSQL) ListTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}

	return transactions, nil
}

// FinishTransaction stores the outcome of a transaction
func (s *LibSQL) FinishTransaction(ctx context.Context, id string, state State, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET state = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, string(state), errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("transaction not found: %s", id)
	}

	return nil
}

// DeleteTransaction deletes a transaction
func (s *LibSQL) DeleteTransaction(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("transaction not found: %s", id)
	}

	return nil
}

// Close closes the database connection
func (s *LibSQL) Close() error {
	return s.db.Close()
}

func joinNames(names []string) string {
	return strings.Join(names, " ")
}

func splitNames(s string) []string {
	return strings.Fields(s)
}
