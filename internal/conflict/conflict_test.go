package conflict

import (
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/festipay/festipay/internal/api"
	"github.com/festipay/festipay/internal/storage"
)

func setupTestResolver(t *testing.T) (*Resolver, *storage.Storage, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "festipay-conflict-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return NewResolver(store), store, cleanup
}

func insertPending(t *testing.T, store *storage.Storage, pt *storage.PendingTransaction) {
	t.Helper()
	err := store.Tx(func(tx *sql.Tx) error {
		return storage.InsertPendingTransactionTx(tx, pt)
	})
	if err != nil {
		t.Fatalf("failed to insert pending transaction: %v", err)
	}
}

func enqueueFor(t *testing.T, store *storage.Storage, pt *storage.PendingTransaction) *storage.SyncQueueItem {
	t.Helper()
	item := &storage.SyncQueueItem{
		ID: "q-" + pt.ID, Operation: storage.OpCreate, EntityType: "pending_transaction",
		EntityID: pt.ID, Payload: []byte(`{}`), Priority: storage.PriorityHigh,
		MaxRetries: 10,
	}
	if err := store.EnqueueItem(item); err != nil {
		t.Fatalf("EnqueueItem() error = %v", err)
	}
	return item
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		entityType string
		kind       Kind
		want       Strategy
	}{
		{"pending_transaction", ServerAuthoritative, ServerWins},
		{"pending_transaction", DuplicateSubmission, Manual},
		{"pending_transaction", StaleEntity, Manual},
		{"product", StaleEntity, ServerWins},
		{"wallet", ConcurrentMutation, Manual},
	}
	for _, tt := range tests {
		if got := StrategyFor(tt.entityType, tt.kind); got != tt.want {
			t.Errorf("StrategyFor(%s, %s) = %s, want %s", tt.entityType, tt.kind, got, tt.want)
		}
	}
}

func TestKindForError(t *testing.T) {
	if got := KindForError(&api.Error{StatusCode: 402}); got != ServerAuthoritative {
		t.Errorf("402 kind = %s, want server_authoritative", got)
	}
	if got := KindForError(&api.Error{StatusCode: 409}); got != DuplicateSubmission {
		t.Errorf("409 kind = %s, want duplicate_submission", got)
	}
}

func TestResolveMonetaryRejection(t *testing.T) {
	r, store, cleanup := setupTestResolver(t)
	defer cleanup()

	w := &storage.CachedWallet{ID: "w-1", UserID: "u-1", Balance: 750, ExchangeRate: 1}
	if err := store.UpsertWallet(w); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}
	pt := &storage.PendingTransaction{
		ID: "pt-1", WalletID: "w-1", UserID: "u-1", Amount: 250,
		Type: storage.TransactionPurchase, IdempotencyKey: "ik-1",
		OfflineSignature: "sig", DeviceID: "dev-1", CreatedAt: time.Now().UnixMilli(),
	}
	insertPending(t, store, pt)
	item := enqueueFor(t, store, pt)

	serverBalance := uint64(100)
	apiErr := &api.Error{StatusCode: 402, Code: "INSUFFICIENT_BALANCE", Balance: &serverBalance}

	out, err := r.Resolve(item, apiErr)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !out.Completed {
		t.Error("monetary rejection should complete the queue item")
	}
	if !out.PaymentRejected {
		t.Error("expected payment_rejected outcome")
	}

	got, _ := store.GetWallet("w-1")
	if got.Balance != 100 {
		t.Errorf("balance = %d, want 100 (server truth)", got.Balance)
	}

	storedPt, _ := store.GetPendingTransaction("pt-1")
	if !storedPt.Synced || storedPt.Error == "" {
		t.Errorf("pending: synced=%v error=%q, want terminal with note", storedPt.Synced, storedPt.Error)
	}

	storedItem, _ := store.GetQueueItem(item.ID)
	if storedItem.Status != storage.QueueStatusCompleted {
		t.Errorf("queue status = %s, want completed", storedItem.Status)
	}
}

func TestResolveDuplicateGoesManual(t *testing.T) {
	r, store, cleanup := setupTestResolver(t)
	defer cleanup()

	w := &storage.CachedWallet{ID: "w-1", UserID: "u-1", Balance: 750, ExchangeRate: 1}
	if err := store.UpsertWallet(w); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}
	pt := &storage.PendingTransaction{
		ID: "pt-1", WalletID: "w-1", UserID: "u-1", Amount: 250,
		Type: storage.TransactionPurchase, IdempotencyKey: "ik-1",
		OfflineSignature: "sig", DeviceID: "dev-1", CreatedAt: time.Now().UnixMilli(),
	}
	insertPending(t, store, pt)
	item := enqueueFor(t, store, pt)

	apiErr := &api.Error{StatusCode: 409, Code: "DUPLICATE_WITH_DIFFERENT_PAYLOAD"}
	out, err := r.Resolve(item, apiErr)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Completed {
		t.Error("duplicate-with-different-payload must go to manual failure")
	}

	storedItem, _ := store.GetQueueItem(item.ID)
	if storedItem.Status != storage.QueueStatusFailed {
		t.Errorf("queue status = %s, want failed", storedItem.Status)
	}

	// The local debit is NOT silently reverted on a manual conflict
	got, _ := store.GetWallet("w-1")
	if got.Balance != 750 {
		t.Errorf("balance = %d, want 750 (untouched)", got.Balance)
	}
}

func TestMergeTransactionHistory(t *testing.T) {
	r, store, cleanup := setupTestResolver(t)
	defer cleanup()

	w := &storage.CachedWallet{ID: "w-1", UserID: "u-1", Balance: 750, ExchangeRate: 1}
	if err := store.UpsertWallet(w); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}

	first := int64(900)
	rows := []*storage.CachedTransaction{
		{ID: "tx-1", WalletID: "w-1", Amount: -100, Type: "PURCHASE", BalanceAfter: &first, CreatedAt: 1},
		{ID: "tx-1", WalletID: "w-1", Amount: -999, Type: "PURCHASE", CreatedAt: 2}, // duplicate id
		{ID: "tx-2", WalletID: "w-1", Amount: -50, Type: "PAYMENT", CreatedAt: 3},
	}
	if err := r.MergeTransactionHistory(rows); err != nil {
		t.Fatalf("MergeTransactionHistory() error = %v", err)
	}

	history, _ := store.ListCachedTransactions("w-1", 10, 0)
	if len(history) != 2 {
		t.Fatalf("history rows = %d, want 2 (union by id)", len(history))
	}
	got, _ := store.GetCachedTransaction("tx-1")
	if got.Amount != -100 {
		t.Errorf("tx-1 amount = %d, want -100 (first insert wins)", got.Amount)
	}
}
