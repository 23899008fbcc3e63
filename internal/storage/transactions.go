package storage

import (
	"database/sql"
	"fmt"
)

// CachedTransaction is an immutable history row for offline browsing.
// Inserts are idempotent: a conflicting id is a no-op, preserving the first
// insert so historical balance snapshots never mutate.
type CachedTransaction struct {
	ID           string `json:"id"`
	WalletID     string `json:"wallet_id"`
	Amount       int64  `json:"amount"`
	Type         string `json:"type"`
	BalanceAfter *int64 `json:"balance_after,omitempty"`
	Description  string `json:"description,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// InsertCachedTransaction records a confirmed transaction. Returns true when
// a row was written, false when the id already existed.
func (s *Storage) InsertCachedTransaction(ct *CachedTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO cached_transactions (id, wallet_id, amount, type, balance_after, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ct.ID, ct.WalletID, ct.Amount, ct.Type, nullInt(ct.BalanceAfter), nullString(ct.Description), ct.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert cached transaction: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// InsertCachedTransactionTx is the transactional variant of
// InsertCachedTransaction.
func InsertCachedTransactionTx(tx *sql.Tx, ct *CachedTransaction) error {
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO cached_transactions (id, wallet_id, amount, type, balance_after, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ct.ID, ct.WalletID, ct.Amount, ct.Type, nullInt(ct.BalanceAfter), nullString(ct.Description), ct.CreatedAt)
	return err
}

// ListCachedTransactions returns a wallet's history, newest first.
func (s *Storage) ListCachedTransactions(walletID string, limit, offset int) ([]*CachedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, wallet_id, amount, type, balance_after, description, created_at
		FROM cached_transactions
		WHERE wallet_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached transactions: %w", err)
	}
	defer rows.Close()

	var out []*CachedTransaction
	for rows.Next() {
		var ct CachedTransaction
		var balanceAfter sql.NullInt64
		var description sql.NullString
		if err := rows.Scan(&ct.ID, &ct.WalletID, &ct.Amount, &ct.Type, &balanceAfter, &description, &ct.CreatedAt); err != nil {
			return nil, err
		}
		if balanceAfter.Valid {
			ct.BalanceAfter = &balanceAfter.Int64
		}
		ct.Description = description.String
		out = append(out, &ct)
	}
	return out, rows.Err()
}

// GetCachedTransaction retrieves one history row by id.
func (s *Storage) GetCachedTransaction(id string) (*CachedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ct CachedTransaction
	var balanceAfter sql.NullInt64
	var description sql.NullString
	err := s.db.QueryRow(`
		SELECT id, wallet_id, amount, type, balance_after, description, created_at
		FROM cached_transactions WHERE id = ?
	`, id).Scan(&ct.ID, &ct.WalletID, &ct.Amount, &ct.Type, &balanceAfter, &description, &ct.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if balanceAfter.Valid {
		ct.BalanceAfter = &balanceAfter.Int64
	}
	ct.Description = description.String
	return &ct, nil
}
