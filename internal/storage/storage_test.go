package storage

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a temporary storage for testing.
func setupTestStore(t *testing.T) (*Storage, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "festipay-store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	cfg := &Config{DataDir: tmpDir}
	store, err := New(cfg)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

func TestNewAppliesAllMigrations(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	version, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if want := migrations[len(migrations)-1].version; version != want {
		t.Errorf("schema version = %d, want %d", version, want)
	}

	// Reopen is a no-op for already-applied migrations
	path := filepath.Dir(store.Path())
	store.Close()
	store2, err := New(&Config{DataDir: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	store2.Close()
}

func TestRollbackRevertsLatestMigration(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	before, _ := store.SchemaVersion()
	if err := store.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	after, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if after != before-1 {
		t.Errorf("schema version after rollback = %d, want %d", after, before-1)
	}
}

func TestOpenCorruptDatabase(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "festipay-corrupt-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	// Not a SQLite file
	dbPath := filepath.Join(tmpDir, "festipay.db")
	if err := os.WriteFile(dbPath, []byte("this is not a database"), 0600); err != nil {
		t.Fatalf("failed to write garbage: %v", err)
	}

	cfg := &Config{DataDir: tmpDir}
	_, err = New(cfg)
	if err == nil {
		t.Fatal("expected error opening corrupt database")
	}
	if !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}

	quarantine, err := RecoverCorrupt(cfg)
	if err != nil {
		t.Fatalf("RecoverCorrupt() error = %v", err)
	}
	if _, err := os.Stat(quarantine); err != nil {
		t.Errorf("quarantine file missing: %v", err)
	}

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen after recovery failed: %v", err)
	}
	store.Close()
}

func TestStats(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	wallet := &CachedWallet{ID: "w-1", UserID: "u-1", Balance: 1000, CurrencyName: "tokens", ExchangeRate: 1}
	if err := store.UpsertWallet(wallet); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}

	item := &SyncQueueItem{
		ID:         "q-1",
		Operation:  OpCreate,
		EntityType: "pending_transaction",
		EntityID:   "pt-1",
		Payload:    []byte(`{}`),
		Priority:   PriorityHigh,
		MaxRetries: 10,
	}
	if err := store.EnqueueItem(item); err != nil {
		t.Fatalf("EnqueueItem() error = %v", err)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.QueueByStatus[QueueStatusPending] != 1 {
		t.Errorf("pending queue count = %d, want 1", stats.QueueByStatus[QueueStatusPending])
	}
	if stats.CachedWallets != 1 {
		t.Errorf("cached wallets = %d, want 1", stats.CachedWallets)
	}
}

// Crash between debit and enqueue: the whole unit rolls back.
func TestTxRollsBackOnError(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	wallet := &CachedWallet{ID: "w-1", UserID: "u-1", Balance: 1000, ExchangeRate: 1}
	if err := store.UpsertWallet(wallet); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}

	boom := errors.New("boom")
	err := store.Tx(func(tx *sql.Tx) error {
		pt := &PendingTransaction{
			ID: "pt-1", WalletID: "w-1", UserID: "u-1", Amount: 250,
			Type: TransactionPurchase, IdempotencyKey: "ik-1",
			OfflineSignature: "sig", DeviceID: "dev-1",
			CreatedAt: time.Now().UnixMilli(),
		}
		if err := InsertPendingTransactionTx(tx, pt); err != nil {
			return err
		}
		if err := DebitWalletTx(tx, "w-1", 250); err != nil {
			return err
		}
		// Simulated crash before the queue insert
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Tx() error = %v, want boom", err)
	}

	w, err := store.GetWallet("w-1")
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	if w.Balance != 1000 {
		t.Errorf("balance after rollback = %d, want 1000", w.Balance)
	}
	if _, err := store.GetPendingTransaction("pt-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected pending row to be rolled back, got err = %v", err)
	}
}
