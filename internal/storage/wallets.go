package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CachedWallet is the locally materialised view of a wallet the user may
// spend from while offline. At most one row per user_id; the balance never
// goes negative, including after speculative local debits.
type CachedWallet struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Balance      uint64  `json:"balance"`
	CurrencyName string  `json:"currency_name"`
	ExchangeRate float64 `json:"exchange_rate"`
	QRCode       string  `json:"qr_code,omitempty"`
	QRExpiresAt  *int64  `json:"qr_expires_at,omitempty"`
	LastSync     *int64  `json:"last_sync,omitempty"`
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
}

const walletColumns = `id, user_id, balance, currency_name, exchange_rate,
	qr_code, qr_expires_at, last_sync, created_at, updated_at`

// UpsertWallet writes server truth into the cache, last-write-wins.
func (s *Storage) UpsertWallet(w *CachedWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO cached_wallets (
			id, user_id, balance, currency_name, exchange_rate,
			qr_code, qr_expires_at, last_sync, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			balance = excluded.balance,
			currency_name = excluded.currency_name,
			exchange_rate = excluded.exchange_rate,
			qr_code = excluded.qr_code,
			qr_expires_at = excluded.qr_expires_at,
			last_sync = excluded.last_sync,
			updated_at = excluded.updated_at
	`,
		w.ID, w.UserID, w.Balance, w.CurrencyName, w.ExchangeRate,
		nullString(w.QRCode), nullInt(w.QRExpiresAt), now, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert wallet: %w", err)
	}
	return nil
}

// GetWallet retrieves a cached wallet by id.
func (s *Storage) GetWallet(id string) (*CachedWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanWallet(s.db.QueryRow(`SELECT `+walletColumns+` FROM cached_wallets WHERE id = ?`, id))
}

// GetWalletByUser retrieves the cached wallet for a user.
func (s *Storage) GetWalletByUser(userID string) (*CachedWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanWallet(s.db.QueryRow(`SELECT `+walletColumns+` FROM cached_wallets WHERE user_id = ?`, userID))
}

// DebitWalletTx applies a speculative debit inside an open store
// transaction. Fails without touching the row when the balance is
// insufficient, keeping the non-negativity invariant.
func DebitWalletTx(tx *sql.Tx, walletID string, amount uint64) error {
	result, err := tx.Exec(`
		UPDATE cached_wallets
		SET balance = balance - ?, updated_at = ?
		WHERE id = ? AND balance >= ?
	`, amount, time.Now().UnixMilli(), walletID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit wallet: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("wallet %s: missing or balance below %d", walletID, amount)
	}
	return nil
}

// SetWalletBalance overwrites the cached balance with server truth, used
// when reconciling after an authoritative rejection.
func (s *Storage) SetWalletBalance(walletID string, balance uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		UPDATE cached_wallets SET balance = ?, last_sync = ?, updated_at = ? WHERE id = ?
	`, balance, now, now, walletID)
	return err
}

// SetWalletBalanceTx is the transactional variant of SetWalletBalance.
func SetWalletBalanceTx(tx *sql.Tx, walletID string, balance uint64) error {
	now := time.Now().UnixMilli()
	_, err := tx.Exec(`
		UPDATE cached_wallets SET balance = ?, last_sync = ?, updated_at = ? WHERE id = ?
	`, balance, now, now, walletID)
	return err
}

// DeleteWallet removes a cached wallet and, via cascade, its transactions.
func (s *Storage) DeleteWallet(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM cached_wallets WHERE id = ?`, id)
	return err
}

func scanWallet(row rowScanner) (*CachedWallet, error) {
	var w CachedWallet
	var qrCode sql.NullString
	var qrExpires, lastSync sql.NullInt64

	err := row.Scan(
		&w.ID, &w.UserID, &w.Balance, &w.CurrencyName, &w.ExchangeRate,
		&qrCode, &qrExpires, &lastSync, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	w.QRCode = qrCode.String
	if qrExpires.Valid {
		w.QRExpiresAt = &qrExpires.Int64
	}
	if lastSync.Valid {
		w.LastSync = &lastSync.Int64
	}
	return &w, nil
}

func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
