package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/pkg/logging"
)

// Sentinel errors for rejected intents.
var (
	// ErrInsufficientBalance indicates the cached wallet cannot cover the
	// amount.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount indicates a zero amount or a product total mismatch.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDeviceNotProvisioned indicates no device HMAC key is loaded.
	ErrDeviceNotProvisioned = errors.New("device not provisioned")

	// ErrWalletNotCached indicates the wallet is unknown locally.
	ErrWalletNotCached = errors.New("wallet not cached")
)

// EntityTypePendingTransaction tags queue items carrying payment replays.
const EntityTypePendingTransaction = "pending_transaction"

// MaxMonetaryRetries is the retry budget for monetary queue items.
const MaxMonetaryRetries = 10

// Intent is a user's request to move money while offline.
type Intent struct {
	WalletID     string
	UserID       string
	Amount       uint64
	Type         storage.TransactionType
	StandID      string
	StandName    string
	Description  string
	ProductItems []storage.ProductItem
}

// Engine constructs signed, idempotent pending transactions atomically:
// the pending row, the speculative debit, and the queue item commit in one
// store transaction or not at all.
type Engine struct {
	store    *storage.Storage
	signer   *Signer
	deviceID string
	log      *logging.Logger

	counter atomic.Uint64
}

// New creates a pending transaction engine.
func New(store *storage.Storage, signer *Signer, deviceID string) *Engine {
	return &Engine{
		store:    store,
		signer:   signer,
		deviceID: deviceID,
		log:      logging.GetDefault().Component("engine"),
	}
}

// Create validates an intent and durably records it for sync.
// Preconditions are checked in order: balance, amount, device key.
func (e *Engine) Create(intent Intent) (*storage.PendingTransaction, error) {
	wallet, err := e.store.GetWallet(intent.WalletID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWalletNotCached, intent.WalletID)
		}
		return nil, err
	}

	if intent.Type.IsDebit() && wallet.Balance < intent.Amount {
		return nil, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientBalance, wallet.Balance, intent.Amount)
	}

	if intent.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if len(intent.ProductItems) > 0 {
		var total uint64
		for _, item := range intent.ProductItems {
			if item.Quantity == 0 {
				return nil, fmt.Errorf("%w: product %s has zero quantity", ErrInvalidAmount, item.ProductID)
			}
			total += uint64(item.Quantity) * item.UnitPrice
		}
		if total != intent.Amount {
			return nil, fmt.Errorf("%w: amount %d != product total %d", ErrInvalidAmount, intent.Amount, total)
		}
	}

	if !e.signer.Provisioned() {
		return nil, ErrDeviceNotProvisioned
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	key := IdempotencyKey(e.deviceID, intent.WalletID, intent.Amount, string(intent.Type), now.UnixMilli(), e.counter.Add(1))
	signature := e.signer.Sign(id, intent.WalletID, intent.UserID, intent.Amount, string(intent.Type), intent.StandID, key, now)

	pt := &storage.PendingTransaction{
		ID:               id,
		WalletID:         intent.WalletID,
		UserID:           intent.UserID,
		Amount:           intent.Amount,
		Type:             intent.Type,
		StandID:          intent.StandID,
		StandName:        intent.StandName,
		Description:      intent.Description,
		ProductItems:     intent.ProductItems,
		IdempotencyKey:   key,
		OfflineSignature: signature,
		DeviceID:         e.deviceID,
		CreatedAt:        now.UnixMilli(),
	}

	payload, err := json.Marshal(pt)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise transaction: %w", err)
	}

	item := &storage.SyncQueueItem{
		ID:         uuid.NewString(),
		Operation:  storage.OpCreate,
		EntityType: EntityTypePendingTransaction,
		EntityID:   id,
		Payload:    payload,
		Priority:   storage.PriorityHigh,
		MaxRetries: MaxMonetaryRetries,
		CreatedAt:  now.UnixMilli(),
	}

	err = e.store.Tx(func(tx *sql.Tx) error {
		if err := storage.InsertPendingTransactionTx(tx, pt); err != nil {
			return err
		}
		if intent.Type.IsDebit() {
			if err := storage.DebitWalletTx(tx, intent.WalletID, intent.Amount); err != nil {
				return err
			}
		}
		return storage.EnqueueItemTx(tx, item)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("Pending transaction created",
		"id", id, "wallet", intent.WalletID, "type", intent.Type, "amount", intent.Amount)

	return pt, nil
}

// DeviceID returns the provisioned device identifier.
func (e *Engine) DeviceID() string {
	return e.deviceID
}
