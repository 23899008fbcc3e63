// Package push subscribes to the server's push channel and keeps the local
// caches warm. It is a passive consumer: every message is an upsert into a
// cache table under the same merge rules the sync path uses.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/internal/syncq"
	"github.com/festipay/festipay/pkg/logging"
)

// Message types carried on the push channel.
const (
	MessageStatsSnapshot = "stats_snapshot"
	MessageTransaction   = "transaction"
	MessageAlert         = "alert"
)

// Envelope is one push channel frame. Unknown types are rejected as
// validation failures rather than silently dropped.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WalletSnapshot is a wallet's server-truth state inside a stats snapshot.
type WalletSnapshot struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Balance      uint64  `json:"balance"`
	CurrencyName string  `json:"currency_name"`
	ExchangeRate float64 `json:"exchange_rate"`
}

// StatsSnapshot is the periodic aggregate the dashboards consume; the
// client only cares about the wallet states inside it.
type StatsSnapshot struct {
	FestivalID string           `json:"festival_id"`
	Wallets    []WalletSnapshot `json:"wallets"`
	SentAt     string           `json:"sent_at"`
}

// ServerTransaction is a confirmed transaction broadcast on the channel.
type ServerTransaction struct {
	ID           string `json:"id"`
	WalletID     string `json:"wallet_id"`
	Amount       int64  `json:"amount"`
	Type         string `json:"type"`
	BalanceAfter *int64 `json:"balance_after,omitempty"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// Alert is an operational notice for the on-site staff.
type Alert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Consumer applies push channel state to the local store and signals
// connectivity transitions to the sync queue.
type Consumer struct {
	url   string
	store *storage.Storage
	queue *syncq.Queue
	log   *logging.Logger

	// OnAlert is invoked for alert messages; the default logs them.
	OnAlert func(Alert)

	cancel context.CancelFunc
}

// NewConsumer creates a push channel consumer.
func NewConsumer(url string, store *storage.Storage, queue *syncq.Queue) *Consumer {
	return &Consumer{
		url:   url,
		store: store,
		queue: queue,
		log:   logging.GetDefault().Component("push"),
	}
}

// Start launches the consumer loop with reconnect.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	c.log.Info("Push consumer started", "url", c.url)
}

// Stop terminates the consumer loop.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.log.Info("Push consumer stopped")
}

func (c *Consumer) run(ctx context.Context) {
	policy := syncq.DefaultPolicy()
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if c.queue != nil {
				c.queue.SetOnline(false)
			}

			delay := policy.Delay(attempt, 0)
			if attempt < policy.MaxRetries {
				attempt++
			}
			c.log.Warn("Push channel disconnected, reconnecting", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
	}
}

// consume dials the channel and reads frames until the connection drops.
func (c *Consumer) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial push channel: %w", err)
	}
	defer conn.Close()

	c.log.Info("Push channel connected")
	if c.queue != nil {
		c.queue.SetOnline(true)
	}

	// Close the connection when ctx ends so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.Apply(data); err != nil {
			c.log.Warn("Failed to apply push message", "error", err)
		}
	}
}

// Apply decodes and applies one push frame.
func (c *Consumer) Apply(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("undecodable push frame: %w", err)
	}

	switch env.Type {
	case MessageStatsSnapshot:
		var snapshot StatsSnapshot
		if err := json.Unmarshal(env.Data, &snapshot); err != nil {
			return fmt.Errorf("invalid stats snapshot: %w", err)
		}
		return c.ApplyServerStatsSnapshot(&snapshot)

	case MessageTransaction:
		var tx ServerTransaction
		if err := json.Unmarshal(env.Data, &tx); err != nil {
			return fmt.Errorf("invalid transaction: %w", err)
		}
		return c.ApplyServerTransaction(&tx)

	case MessageAlert:
		var alert Alert
		if err := json.Unmarshal(env.Data, &alert); err != nil {
			return fmt.Errorf("invalid alert: %w", err)
		}
		c.ApplyServerAlert(&alert)
		return nil

	default:
		return fmt.Errorf("unknown push message type %q", env.Type)
	}
}

// ApplyServerStatsSnapshot upserts wallet states, last-write-wins, except
// wallets that still carry unsynced local debits.
func (c *Consumer) ApplyServerStatsSnapshot(snapshot *StatsSnapshot) error {
	for _, w := range snapshot.Wallets {
		unsynced, err := c.store.ListUnsyncedTransactions(w.ID, 1)
		if err != nil {
			return err
		}
		if len(unsynced) > 0 {
			// Speculative local state wins until it reconciles
			continue
		}
		err = c.store.UpsertWallet(&storage.CachedWallet{
			ID:           w.ID,
			UserID:       w.UserID,
			Balance:      w.Balance,
			CurrencyName: w.CurrencyName,
			ExchangeRate: w.ExchangeRate,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ApplyServerTransaction records a confirmed transaction; the history is
// append-only, so a replayed id is a no-op.
func (c *Consumer) ApplyServerTransaction(tx *ServerTransaction) error {
	createdAt := time.Now().UnixMilli()
	if t, err := time.Parse(time.RFC3339, tx.CreatedAt); err == nil {
		createdAt = t.UnixMilli()
	}

	_, err := c.store.InsertCachedTransaction(&storage.CachedTransaction{
		ID:           tx.ID,
		WalletID:     tx.WalletID,
		Amount:       tx.Amount,
		Type:         tx.Type,
		BalanceAfter: tx.BalanceAfter,
		Description:  tx.Description,
		CreatedAt:    createdAt,
	})
	return err
}

// ApplyServerAlert surfaces an operational alert.
func (c *Consumer) ApplyServerAlert(alert *Alert) {
	if c.OnAlert != nil {
		c.OnAlert(*alert)
		return
	}
	c.log.Warn("Server alert", "level", alert.Level, "message", alert.Message)
}
