package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *LibSQL {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	storage, err := NewLibSQL("file:" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	if err := storage.Initialize(context.Background()); err != nil {
		t.Fatalf("Failed to initialize storage: %v", err)
	}
	return storage
}

func TestLibSQL(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	// Test adding a transaction
	tx := &Transaction{
		ID:        "3b1f8c1e-0000-4000-8000-000000000001",
		Kind:      KindCommit,
		Install:   []string{"vim", "vim-runtime"},
		Remove:    []string{"nano"},
		StartedAt: time.Now().Add(-time.Minute),
	}

	if err := storage.AddTransaction(ctx, tx); err != nil {
		t.Fatalf("Failed to add transaction: %v", err)
	}
	if tx.State != StateRunning {
		t.Errorf("Expected new transaction to be running, got %s", tx.State)
	}

	// Test getting a transaction
	got, err := storage.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Failed to get transaction: %v", err)
	}

	if got == nil {
		t.Fatal("GetTransaction returned nil for existing transaction")
	}

	if got.Kind != KindCommit || len(got.Install) != 2 || got.Remove[0] != "nano" {
		t.Errorf("Got transaction %+v, want %+v", got, tx)
	}
	if len(got.Upgrade) != 0 || !got.FinishedAt.IsZero() {
		t.Errorf("Unexpected upgrade list or finish time: %+v", got)
	}

	// Test listing transactions
	update := &Transaction{ID: "3b1f8c1e-0000-4000-8000-000000000002", Kind: KindUpdate}
	if err := storage.AddTransaction(ctx, update); err != nil {
		t.Fatalf("Failed to add update transaction: %v", err)
	}

	transactions, err := storage.ListTransactions(ctx, 0)
	if err != nil {
		t.Fatalf("Failed to list transactions: %v", err)
	}

	if len(transactions) != 2 {
		t.Fatalf("Got %d transactions, want 2", len(transactions))
	}
	if transactions[0].ID != update.ID {
		t.Errorf("Expected most recent transaction first, got %s", transactions[0].ID)
	}

	limited, err := storage.ListTransactions(ctx, 1)
	if err != nil {
		t.Fatalf("Failed to list limited transactions: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Got %d transactions, want 1", len(limited))
	}

	// Test finishing a transaction
	if err := storage.FinishTransaction(ctx, tx.ID, StateFailed, "dpkg was interrupted"); err != nil {
		t.Fatalf("Failed to finish transaction: %v", err)
	}

	got, err = storage.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Failed to get finished transaction: %v", err)
	}

	if got.State != StateFailed || got.Error != "dpkg was interrupted" || got.FinishedAt.IsZero() {
		t.Errorf("Got state=%s error=%q finished=%v", got.State, got.Error, got.FinishedAt)
	}

	// Test deleting a transaction
	if err := storage.DeleteTransaction(ctx, tx.ID); err != nil {
		t.Fatalf("Failed to delete transaction: %v", err)
	}

	got, err = storage.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Failed to check deleted transaction: %v", err)
	}

	if got != nil {
		t.Error("Transaction still exists after deletion")
	}
}

func TestLibSQLErrors(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	// Test duplicate transaction
	tx := &Transaction{ID: "dup", Kind: KindCommit}

	if err := storage.AddTransaction(ctx, tx); err != nil {
		t.Fatalf("Failed to add first transaction: %v", err)
	}

	if err := storage.AddTransaction(ctx, tx); err == nil {
		t.Error("Expected error when adding duplicate transaction")
	}

	// Test finishing non-existent transaction
	if err := storage.FinishTransaction(ctx, "nonexistent", StateSucceeded, ""); err == nil {
		t.Error("Expected error when finishing non-existent transaction")
	}

	// Test deleting non-existent transaction
	if err := storage.DeleteTransaction(ctx, "nonexistent"); err == nil {
		t.Error("Expected error when deleting non-existent transaction")
	}
}
