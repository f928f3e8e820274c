// Package searchindex keeps a full-text index over package metadata.
//
// The index lives in an SQLite FTS5 table. It records the modification
// time of the package cache it was built from so callers can tell when it
// has gone stale.
package searchindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dikkadev/qapt/pkg/logging"
)

// ErrNotBuilt is returned when searching an index that was never built
var ErrNotBuilt = errors.New("search index not built")

const metaCacheModTime = "cache_mtime"

// Document is the indexed metadata of one package
type Document struct {
	Name        string
	Summary     string
	Description string
}

// Index is a full-text package index
type Index struct {
	db  *sql.DB
	log *zap.Logger
}

// New creates an index on db. Initialize must be called before use.
func New(db *sql.DB, logger *zap.Logger) *Index {
	return &Index{db: db, log: logging.OrNop(logger).Named("searchindex")}
}

// Initialize creates the index tables
func (ix *Index) Initialize(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS package_index USING fts5(
			name, summary, description,
			tokenize = 'unicode61'
		)`,
		`CREATE TABLE IF NOT EXISTS index_meta (
			key TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	} {
		if _, err := ix.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index tables: %w", err)
		}
	}
	return nil
}

// Rebuild replaces the index contents with docs and records the cache
// modification time they were taken from
func (ix *Index) Rebuild(ctx context.Context, docs []Document, cacheModTime time.Time) error {
	start := time.Now()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM package_index`); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO package_index (name, summary, description) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare index insert: %w", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		if _, err := stmt.ExecContext(ctx, doc.Name, doc.Summary, doc.Description); err != nil {
			return fmt.Errorf("failed to index %s: %w", doc.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO index_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaCacheModTime, strconv.FormatInt(cacheModTime.UnixNano(), 10)); err != nil {
		return fmt.Errorf("failed to store index metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index rebuild: %w", err)
	}

	ix.log.Info("rebuilt search index",
		zap.Int("documents", len(docs)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// BuiltAt returns the cache modification time the index was built from.
// ok is false when the index was never built.
func (ix *Index) BuiltAt(ctx context.Context) (builtAt time.Time, ok bool, err error) {
	var value string
	err = ix.db.QueryRowContext(ctx, `
		SELECT value FROM index_meta WHERE key = ?
	`, metaCacheModTime).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read index metadata: %w", err)
	}

	nanos, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt index metadata %q: %w", value, err)
	}
	return time.Unix(0, nanos), true, nil
}

// NeedsUpdate reports whether the index is missing or older than the cache
func (ix *Index) NeedsUpdate(ctx context.Context, cacheModTime time.Time) (bool, error) {
	builtAt, ok, err := ix.BuiltAt(ctx)
	if err != nil {
		return true, err
	}
	if !ok {
		return true, nil
	}
	return builtAt.Before(cacheModTime), nil
}

// Search returns the names of packages matching every term of query, best
// matches first. Name matches rank above summary and description matches.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]string, error) {
	match := matchExpression(query)
	if match == "" {
		return nil, nil
	}
	if _, ok, err := ix.BuiltAt(ctx); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotBuilt
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT name FROM package_index
		WHERE package_index MATCH ?
		ORDER BY bm25(package_index, 10.0, 5.0, 1.0)
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search results: %w", err)
	}
	return names, nil
}

// matchExpression turns free text into an FTS5 expression of quoted
// prefix terms joined with AND
func matchExpression(query string) string {
	var terms []string
	for _, field := range strings.Fields(query) {
		term := strings.Map(func(r rune) rune {
			if r == '"' {
				return -1
			}
			return r
		}, field)
		if term == "" {
			continue
		}
		terms = append(terms, `"`+term+`"*`)
	}
	return strings.Join(terms, " AND ")
}
