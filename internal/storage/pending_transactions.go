package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TransactionType is the kind of monetary event a device can originate.
type TransactionType string

const (
	TransactionPurchase TransactionType = "PURCHASE"
	TransactionPayment  TransactionType = "PAYMENT"
	TransactionRefund   TransactionType = "REFUND"
	TransactionCancel   TransactionType = "CANCEL"
)

// IsDebit reports whether the type speculatively decrements the local balance.
func (t TransactionType) IsDebit() bool {
	return t == TransactionPurchase || t == TransactionPayment
}

// ProductItem is one line of a typed product purchase.
type ProductItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  uint32 `json:"quantity"`
	UnitPrice uint64 `json:"unit_price"`
}

// PendingTransaction is an offline-originated monetary event awaiting
// server confirmation. (device_id, idempotency_key) is globally unique;
// synced=true is terminal.
type PendingTransaction struct {
	ID               string          `json:"id"`
	WalletID         string          `json:"wallet_id"`
	UserID           string          `json:"user_id"`
	Amount           uint64          `json:"amount"`
	Type             TransactionType `json:"type"`
	StandID          string          `json:"stand_id,omitempty"`
	StandName        string          `json:"stand_name,omitempty"`
	Description      string          `json:"description,omitempty"`
	ProductItems     []ProductItem   `json:"product_items,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key"`
	OfflineSignature string          `json:"offline_signature"`
	DeviceID         string          `json:"device_id"`
	CreatedAt        int64           `json:"created_at"`
	Synced           bool            `json:"synced"`
	RetryCount       int             `json:"retry_count"`
	LastRetryAt      *int64          `json:"last_retry_at,omitempty"`
	Error            string          `json:"error,omitempty"`
}

const pendingColumns = `id, wallet_id, user_id, amount, type, stand_id, stand_name,
	description, product_items, idempotency_key, offline_signature, device_id,
	created_at, synced, retry_count, last_retry_at, error`

// InsertPendingTransactionTx inserts a pending transaction inside an open
// store transaction. Used by the pending engine's atomic create.
func InsertPendingTransactionTx(tx *sql.Tx, pt *PendingTransaction) error {
	items, err := encodeProductItems(pt.ProductItems)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO pending_transactions (
			id, wallet_id, user_id, amount, type, stand_id, stand_name, description,
			product_items, idempotency_key, offline_signature, device_id,
			created_at, synced, retry_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
	`,
		pt.ID, pt.WalletID, pt.UserID, pt.Amount, string(pt.Type),
		nullString(pt.StandID), nullString(pt.StandName), nullString(pt.Description),
		items, pt.IdempotencyKey, pt.OfflineSignature, pt.DeviceID, pt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pending transaction: %w", err)
	}
	return nil
}

// GetPendingTransaction retrieves a pending transaction by id.
func (s *Storage) GetPendingTransaction(id string) (*PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+pendingColumns+` FROM pending_transactions WHERE id = ?`, id)
	pt, err := scanPendingTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return pt, err
}

// GetPendingByIdempotencyKey looks a pending transaction up by its replay key.
func (s *Storage) GetPendingByIdempotencyKey(deviceID, key string) (*PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+pendingColumns+` FROM pending_transactions WHERE device_id = ? AND idempotency_key = ?`,
		deviceID, key,
	)
	pt, err := scanPendingTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return pt, err
}

// ListUnsyncedTransactions returns transactions awaiting confirmation for a
// wallet, oldest first. An empty walletID lists across all wallets.
func (s *Storage) ListUnsyncedTransactions(walletID string, limit int) ([]*PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + pendingColumns + ` FROM pending_transactions WHERE synced = 0`
	args := []interface{}{}
	if walletID != "" {
		query += ` AND wallet_id = ?`
		args = append(args, walletID)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced transactions: %w", err)
	}
	defer rows.Close()

	return scanPendingTransactions(rows)
}

// MarkTransactionSynced marks a pending transaction as confirmed.
// A non-empty note records a terminal server-side failure.
func (s *Storage) MarkTransactionSynced(id string, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE pending_transactions SET synced = 1, error = ? WHERE id = ?
	`, nullString(note), id)
	return err
}

// MarkTransactionSyncedTx is the transactional variant of MarkTransactionSynced.
func MarkTransactionSyncedTx(tx *sql.Tx, id string, note string) error {
	_, err := tx.Exec(`
		UPDATE pending_transactions SET synced = 1, error = ? WHERE id = ?
	`, nullString(note), id)
	return err
}

// RecordTransactionRetry bumps the retry counter after a failed dispatch.
func (s *Storage) RecordTransactionRetry(id string, attemptErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		UPDATE pending_transactions
		SET retry_count = retry_count + 1, last_retry_at = ?, error = ?
		WHERE id = ?
	`, now, nullString(attemptErr), id)
	return err
}

// PurgeSyncedTransactions deletes confirmed transactions older than the
// cutoff. Returns the number of rows removed.
func (s *Storage) PurgeSyncedTransactions(olderThan int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		DELETE FROM pending_transactions WHERE synced = 1 AND created_at < ?
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// rowScanner abstracts sql.Row and sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPendingTransaction(row rowScanner) (*PendingTransaction, error) {
	var pt PendingTransaction
	var standID, standName, description, items, errMsg sql.NullString
	var lastRetryAt sql.NullInt64
	var synced int

	err := row.Scan(
		&pt.ID, &pt.WalletID, &pt.UserID, &pt.Amount, &pt.Type,
		&standID, &standName, &description, &items,
		&pt.IdempotencyKey, &pt.OfflineSignature, &pt.DeviceID,
		&pt.CreatedAt, &synced, &pt.RetryCount, &lastRetryAt, &errMsg,
	)
	if err != nil {
		return nil, err
	}

	pt.StandID = standID.String
	pt.StandName = standName.String
	pt.Description = description.String
	pt.Error = errMsg.String
	pt.Synced = synced == 1
	if lastRetryAt.Valid {
		pt.LastRetryAt = &lastRetryAt.Int64
	}
	if items.Valid && items.String != "" {
		if err := json.Unmarshal([]byte(items.String), &pt.ProductItems); err != nil {
			return nil, fmt.Errorf("failed to decode product items: %w", err)
		}
	}

	return &pt, nil
}

func scanPendingTransactions(rows *sql.Rows) ([]*PendingTransaction, error) {
	var out []*PendingTransaction
	for rows.Next() {
		pt, err := scanPendingTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending transaction: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func encodeProductItems(items []ProductItem) (interface{}, error) {
	if len(items) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode product items: %w", err)
	}
	return string(data), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
