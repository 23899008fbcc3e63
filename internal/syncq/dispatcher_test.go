package syncq_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/festipay/festipay/internal/api"
	"github.com/festipay/festipay/internal/conflict"
	"github.com/festipay/festipay/internal/engine"
	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/internal/syncq"
)

// paymentServer is a stub of the server-side ingestion contract: it
// deduplicates by (device_id, idempotency_key) and replays the original
// result with a 200.
type paymentServer struct {
	mu sync.Mutex
	// failures is a script of status codes served before accepting
	failures []int
	// balances is the server-truth balance per wallet
	balances map[string]uint64
	seen     map[string]paymentAck
	calls    int
}

type paymentAck struct {
	TransactionID string `json:"transaction_id"`
	BalanceAfter  uint64 `json:"balance_after"`
}

func newPaymentServer(balances map[string]uint64) *paymentServer {
	return &paymentServer{
		balances: balances,
		seen:     make(map[string]paymentAck),
	}
}

func (s *paymentServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls++

		if len(s.failures) > 0 {
			status := s.failures[0]
			s.failures = s.failures[1:]
			w.WriteHeader(status)
			return
		}

		var req struct {
			WalletID       string `json:"wallet_id"`
			Amount         uint64 `json:"amount"`
			DeviceID       string `json:"device_id"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"code": "VALIDATION_ERROR"})
			return
		}

		key := req.DeviceID + "/" + req.IdempotencyKey
		if ack, ok := s.seen[key]; ok {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(ack)
			return
		}

		balance := s.balances[req.WalletID]
		if balance < req.Amount {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"code":    "INSUFFICIENT_BALANCE",
				"message": "wallet cannot cover amount",
				"balance": balance,
			})
			return
		}

		balance -= req.Amount
		s.balances[req.WalletID] = balance
		ack := paymentAck{TransactionID: uuid.NewString(), BalanceAfter: balance}
		s.seen[key] = ack

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(ack)
	}
}

type fixture struct {
	store  *storage.Storage
	eng    *engine.Engine
	queue  *syncq.Queue
	server *paymentServer
}

func setupFixture(t *testing.T, balances map[string]uint64) (*fixture, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "festipay-syncq-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}

	srv := newPaymentServer(balances)
	httpSrv := httptest.NewServer(srv.handler())

	client := api.NewClient(httpSrv.URL)
	resolver := conflict.NewResolver(store)
	queue := syncq.New(store, resolver, syncq.Config{
		BatchSize:      20,
		Heartbeat:      time.Hour, // tests drive dispatch explicitly
		MaxInFlight:    4,
		AttemptTimeout: 5 * time.Second,
	})
	queue.Register(syncq.EntityPendingTransaction, syncq.NewPaymentHandler(store, client))

	eng := engine.New(store, engine.NewSigner([]byte("test-key")), "dev-1")

	cleanup := func() {
		httpSrv.Close()
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return &fixture{store: store, eng: eng, queue: queue, server: srv}, cleanup
}

func seedWallet(t *testing.T, store *storage.Storage, id string, balance uint64) {
	t.Helper()
	err := store.UpsertWallet(&storage.CachedWallet{
		ID: id, UserID: "u-" + id, Balance: balance, CurrencyName: "tokens", ExchangeRate: 1,
	})
	if err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}
}

func flushUntilSettled(t *testing.T, f *fixture, deadline time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	for {
		if err := f.queue.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		stats, err := f.queue.StatsByStatus()
		if err != nil {
			t.Fatalf("StatsByStatus() error = %v", err)
		}
		if stats[storage.QueueStatusPending] == 0 && stats[storage.QueueStatusProcessing] == 0 {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("queue did not settle: %+v", stats)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Happy offline purchase replayed once connectivity returns.
func TestOfflinePurchaseReplayed(t *testing.T) {
	f, cleanup := setupFixture(t, map[string]uint64{"w-1": 1000})
	defer cleanup()
	seedWallet(t, f.store, "w-1", 1000)

	events, unsub := f.queue.Events()
	defer unsub()

	pt, err := f.eng.Create(engine.Intent{
		WalletID: "w-1", UserID: "u-w-1", Amount: 250,
		Type: storage.TransactionPurchase, StandID: "s-1",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	w, _ := f.store.GetWallet("w-1")
	if w.Balance != 750 {
		t.Fatalf("local balance after create = %d, want 750", w.Balance)
	}

	flushUntilSettled(t, f, 10*time.Second)

	got, _ := f.store.GetPendingTransaction(pt.ID)
	if !got.Synced || got.Error != "" {
		t.Errorf("pending after sync: synced=%v error=%q", got.Synced, got.Error)
	}

	stats, _ := f.queue.StatsByStatus()
	if stats[storage.QueueStatusCompleted] != 1 {
		t.Errorf("completed items = %d, want 1", stats[storage.QueueStatusCompleted])
	}

	w, _ = f.store.GetWallet("w-1")
	if w.Balance != 750 {
		t.Errorf("balance after ACK = %d, want 750 (unchanged)", w.Balance)
	}

	history, _ := f.store.ListCachedTransactions("w-1", 10, 0)
	if len(history) != 1 {
		t.Fatalf("cached transactions = %d, want 1", len(history))
	}
	if history[0].BalanceAfter == nil || *history[0].BalanceAfter != 750 {
		t.Errorf("balance_after = %v, want 750", history[0].BalanceAfter)
	}

	sawCompleted := false
	drainEvents(events, func(ev syncq.Event) {
		if ev.Type == syncq.EventCompleted {
			sawCompleted = true
		}
	})
	if !sawCompleted {
		t.Error("expected a completed event")
	}
}

// Replaying the same submission produces no second record and no balance
// movement: the server answers 200 with the original body.
func TestDuplicateSubmissionIsDeduplicated(t *testing.T) {
	f, cleanup := setupFixture(t, map[string]uint64{"w-1": 1000})
	defer cleanup()
	seedWallet(t, f.store, "w-1", 1000)

	pt, err := f.eng.Create(engine.Intent{
		WalletID: "w-1", UserID: "u-w-1", Amount: 250, Type: storage.TransactionPurchase,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	flushUntilSettled(t, f, 10*time.Second)

	// Replay the same payload under a fresh queue item, as a crashed
	// client that lost the synced flag would.
	if _, err := f.store.DB().Exec(`UPDATE pending_transactions SET synced = 0 WHERE id = ?`, pt.ID); err != nil {
		t.Fatalf("failed to clear synced flag: %v", err)
	}
	payload, _ := json.Marshal(pt)
	replay := &storage.SyncQueueItem{
		ID:         uuid.NewString(),
		Operation:  storage.OpCreate,
		EntityType: syncq.EntityPendingTransaction,
		EntityID:   pt.ID,
		Payload:    payload,
		Priority:   storage.PriorityHigh,
		MaxRetries: 10,
	}
	if err := f.queue.Enqueue(replay); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	flushUntilSettled(t, f, 10*time.Second)

	history, _ := f.store.ListCachedTransactions("w-1", 10, 0)
	if len(history) != 1 {
		t.Errorf("cached transactions after replay = %d, want 1", len(history))
	}
	w, _ := f.store.GetWallet("w-1")
	if w.Balance != 750 {
		t.Errorf("balance after replay = %d, want 750", w.Balance)
	}
	if f.server.calls < 2 {
		t.Errorf("server calls = %d, want >= 2 (replay reached server)", f.server.calls)
	}
}

// Server-side insufficient balance overrules local optimism: the debit is
// reverted to server truth and the operation terminates rejected.
func TestServerAuthoritativeRejection(t *testing.T) {
	// Server truth disagrees with the stale local cache
	f, cleanup := setupFixture(t, map[string]uint64{"w-1": 100})
	defer cleanup()
	seedWallet(t, f.store, "w-1", 1000)

	events, unsub := f.queue.Events()
	defer unsub()

	pt, err := f.eng.Create(engine.Intent{
		WalletID: "w-1", UserID: "u-w-1", Amount: 250, Type: storage.TransactionPurchase,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	flushUntilSettled(t, f, 10*time.Second)

	w, _ := f.store.GetWallet("w-1")
	if w.Balance != 100 {
		t.Errorf("balance = %d, want 100 (server truth)", w.Balance)
	}

	got, _ := f.store.GetPendingTransaction(pt.ID)
	if !got.Synced {
		t.Error("rejected transaction must be terminally synced")
	}
	if got.Error == "" {
		t.Error("rejected transaction must carry a failure note")
	}

	stats, _ := f.queue.StatsByStatus()
	if stats[storage.QueueStatusCompleted] != 1 {
		t.Errorf("completed items = %d, want 1", stats[storage.QueueStatusCompleted])
	}

	sawRejected := false
	drainEvents(events, func(ev syncq.Event) {
		if ev.Type == syncq.EventPaymentRejected {
			sawRejected = true
		}
	})
	if !sawRejected {
		t.Error("expected a payment_rejected event")
	}
}

// Three transient failures back off and then succeed.
func TestNetworkFlapWithBackoff(t *testing.T) {
	f, cleanup := setupFixture(t, map[string]uint64{"w-1": 1000})
	defer cleanup()
	seedWallet(t, f.store, "w-1", 1000)

	f.server.failures = []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusInternalServerError}

	pt, err := f.eng.Create(engine.Intent{
		WalletID: "w-1", UserID: "u-w-1", Amount: 50, Type: storage.TransactionPurchase,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	flushUntilSettled(t, f, 30*time.Second)

	got, _ := f.store.GetPendingTransaction(pt.ID)
	if !got.Synced {
		t.Fatal("transaction should eventually sync")
	}
	if got.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", got.RetryCount)
	}

	stats, _ := f.queue.StatsByStatus()
	if stats[storage.QueueStatusCompleted] != 1 {
		t.Errorf("completed items = %d, want 1", stats[storage.QueueStatusCompleted])
	}
}

// A permanent error exhausts no retries: the item fails immediately.
func TestPermanentValidationFailure(t *testing.T) {
	f, cleanup := setupFixture(t, map[string]uint64{"w-1": 1000})
	defer cleanup()
	seedWallet(t, f.store, "w-1", 1000)

	item := &storage.SyncQueueItem{
		ID:         uuid.NewString(),
		Operation:  storage.OpCreate,
		EntityType: syncq.EntityPendingTransaction,
		EntityID:   "pt-bad",
		Payload:    []byte(`{not json`),
		Priority:   storage.PriorityHigh,
		MaxRetries: 10,
	}
	if err := f.queue.Enqueue(item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	flushUntilSettled(t, f, 10*time.Second)

	stored, _ := f.store.GetQueueItem(item.ID)
	if stored.Status != storage.QueueStatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
	if stored.Error == "" {
		t.Error("failed item must retain its last error")
	}
}

// Items for the same entity dispatch strictly in order.
func TestPerEntityFIFO(t *testing.T) {
	f, cleanup := setupFixture(t, map[string]uint64{})
	defer cleanup()

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})

	f.queue.Register("test_entity", func(ctx context.Context, item *storage.SyncQueueItem) error {
		mu.Lock()
		order = append(order, item.ID)
		mu.Unlock()
		<-release
		return nil
	})

	now := time.Now().UnixMilli()
	first := &storage.SyncQueueItem{
		ID: "first", Operation: storage.OpCreate, EntityType: "test_entity",
		EntityID: "e-1", Payload: []byte(`{}`), Priority: storage.PriorityNormal,
		MaxRetries: 3, CreatedAt: now - 1000,
	}
	second := &storage.SyncQueueItem{
		ID: "second", Operation: storage.OpUpdate, EntityType: "test_entity",
		EntityID: "e-1", Payload: []byte(`{}`), Priority: storage.PriorityNormal,
		MaxRetries: 3, CreatedAt: now,
	}
	if err := f.store.EnqueueItem(first); err != nil {
		t.Fatalf("EnqueueItem() error = %v", err)
	}
	if err := f.store.EnqueueItem(second); err != nil {
		t.Fatalf("EnqueueItem() error = %v", err)
	}

	if n := f.queue.Dispatch(); n != 1 {
		t.Fatalf("first pass launched %d items, want 1 (second blocked by FIFO)", n)
	}
	// The first item is in flight; the same entity must not dispatch again
	if n := f.queue.Dispatch(); n != 0 {
		t.Fatalf("second pass launched %d items, want 0", n)
	}

	close(release)
	flushUntilSettled(t, f, 10*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("dispatch order = %v, want [first second]", order)
	}
}

// Retry budget exhaustion parks the item as failed.
func TestMaxRetriesExhaustion(t *testing.T) {
	f, cleanup := setupFixture(t, map[string]uint64{})
	defer cleanup()

	f.queue.Register("flaky", func(ctx context.Context, item *storage.SyncQueueItem) error {
		return &api.Error{StatusCode: 500, Message: "always down"}
	})

	item := &storage.SyncQueueItem{
		ID: "doomed", Operation: storage.OpCreate, EntityType: "flaky",
		EntityID: "e-1", Payload: []byte(`{}`), Priority: storage.PriorityNormal,
		MaxRetries: 0,
	}
	if err := f.queue.Enqueue(item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	flushUntilSettled(t, f, 10*time.Second)

	stored, _ := f.store.GetQueueItem("doomed")
	if stored.Status != storage.QueueStatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
}

// Queue payload round-trips through the store and decodes back to the
// created transaction.
func TestPayloadRoundTrip(t *testing.T) {
	f, cleanup := setupFixture(t, map[string]uint64{"w-1": 1000})
	defer cleanup()
	seedWallet(t, f.store, "w-1", 1000)

	pt, err := f.eng.Create(engine.Intent{
		WalletID: "w-1", UserID: "u-w-1", Amount: 300, Type: storage.TransactionPurchase,
		ProductItems: []storage.ProductItem{
			{ProductID: "p-1", Name: "Lager", Quantity: 2, UnitPrice: 150},
		},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	due, _ := f.store.DueItems(time.Now().UnixMilli(), 10)
	if len(due) != 1 {
		t.Fatalf("due items = %d, want 1", len(due))
	}

	var decoded storage.PendingTransaction
	if err := json.Unmarshal(due[0].Payload, &decoded); err != nil {
		t.Fatalf("payload decode error = %v", err)
	}
	if decoded.ID != pt.ID || decoded.IdempotencyKey != pt.IdempotencyKey ||
		decoded.OfflineSignature != pt.OfflineSignature || len(decoded.ProductItems) != 1 {
		t.Errorf("payload round trip mismatch: %+v", decoded)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	f, cleanup := setupFixture(t, map[string]uint64{})
	defer cleanup()

	f.queue.Start()
	f.queue.Shutdown(time.Second)

	err := f.queue.Enqueue(&storage.SyncQueueItem{
		ID: "late", Operation: storage.OpCreate, EntityType: "x",
		EntityID: "e", Payload: []byte(`{}`), MaxRetries: 1,
	})
	if err == nil {
		t.Error("expected enqueue after shutdown to fail")
	}
}

func drainEvents(ch <-chan syncq.Event, fn func(syncq.Event)) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fn(ev)
		default:
			return
		}
	}
}
