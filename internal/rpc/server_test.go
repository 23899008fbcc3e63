package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/festipay/festipay/internal/engine"
	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/internal/syncq"
)

func setupTestServer(t *testing.T) (*Server, *storage.Storage, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "festipay-rpc-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}

	eng := engine.New(store, engine.NewSigner([]byte("test-key")), "dev-1")
	queue := syncq.New(store, nil, syncq.Config{Heartbeat: time.Hour})

	srv := NewServer(store, eng, queue)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		store.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("Start() error = %v", err)
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		srv.Stop(ctx)
		cancel()
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return srv, store, cleanup
}

func call(t *testing.T, srv *Server, method string, params interface{}) *Response {
	t.Helper()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = data
	}

	body, _ := json.Marshal(Request{JSONRPC: "2.0", Method: method, Params: raw, ID: 1})
	resp, err := http.Post("http://"+srv.Addr()+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("rpc call failed: %v", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

func TestSyncStatusBanner(t *testing.T) {
	srv, store, cleanup := setupTestServer(t)
	defer cleanup()

	resp := call(t, srv, "sync_status", nil)
	if resp.Error != nil {
		t.Fatalf("sync_status error: %+v", resp.Error)
	}

	var status SyncStatus
	data, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.BannerVisible {
		t.Error("banner should be hidden with an empty queue")
	}

	// An unsynced transaction raises the banner
	w := &storage.CachedWallet{ID: "w-1", UserID: "u-1", Balance: 1000, ExchangeRate: 1}
	if err := store.UpsertWallet(w); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}
	createResp := call(t, srv, "payments_create", CreatePaymentParams{
		WalletID: "w-1", UserID: "u-1", Amount: 250, Type: "PURCHASE",
	})
	if createResp.Error != nil {
		t.Fatalf("payments_create error: %+v", createResp.Error)
	}

	resp = call(t, srv, "sync_status", nil)
	data, _ = json.Marshal(resp.Result)
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.BannerVisible || status.PendingTotal != 1 {
		t.Errorf("status = %+v, want visible banner with 1 pending", status)
	}
}

func TestWalletGet(t *testing.T) {
	srv, store, cleanup := setupTestServer(t)
	defer cleanup()

	w := &storage.CachedWallet{ID: "w-1", UserID: "u-1", Balance: 420, CurrencyName: "tokens", ExchangeRate: 1}
	if err := store.UpsertWallet(w); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}

	resp := call(t, srv, "wallet_get", map[string]string{"wallet_id": "w-1"})
	if resp.Error != nil {
		t.Fatalf("wallet_get error: %+v", resp.Error)
	}

	var got storage.CachedWallet
	data, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode wallet: %v", err)
	}
	if got.Balance != 420 {
		t.Errorf("balance = %d, want 420", got.Balance)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv, _, cleanup := setupTestServer(t)
	defer cleanup()

	resp := call(t, srv, "no_such_method", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("expected method-not-found, got %+v", resp.Error)
	}
}
