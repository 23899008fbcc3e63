package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MigrationError reports which migration step failed.
type MigrationError struct {
	Version int
	Name    string
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d (%s) failed: %v", e.Version, e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// migration is one forward schema step with an inverse sequence for
// explicit rollback tooling. The inverse is never invoked automatically.
type migration struct {
	version int
	name    string
	up      []string
	down    []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "offline_core_tables",
		up: []string{
			`CREATE TABLE IF NOT EXISTS pending_transactions (
				id TEXT PRIMARY KEY,
				wallet_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				amount INTEGER NOT NULL CHECK(amount >= 0),
				type TEXT NOT NULL CHECK(type IN ('PURCHASE','PAYMENT','REFUND','CANCEL')),
				stand_id TEXT,
				product_items TEXT,
				idempotency_key TEXT NOT NULL,
				offline_signature TEXT NOT NULL,
				device_id TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				synced INTEGER NOT NULL DEFAULT 0,
				retry_count INTEGER NOT NULL DEFAULT 0,
				last_retry_at INTEGER,
				error TEXT,
				UNIQUE(device_id, idempotency_key)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_wallet ON pending_transactions(wallet_id, synced, created_at)`,

			`CREATE TABLE IF NOT EXISTS cached_wallets (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL UNIQUE,
				balance INTEGER NOT NULL CHECK(balance >= 0),
				currency_name TEXT NOT NULL DEFAULT '',
				exchange_rate REAL NOT NULL DEFAULT 1,
				last_sync INTEGER,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS cached_stands (
				id TEXT PRIMARY KEY,
				festival_id TEXT NOT NULL,
				name TEXT NOT NULL,
				type TEXT NOT NULL CHECK(type IN ('FOOD','DRINK','MERCHANDISE','SERVICE','OTHER')),
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_stands_festival ON cached_stands(festival_id, type)`,

			`CREATE TABLE IF NOT EXISTS cached_products (
				id TEXT PRIMARY KEY,
				stand_id TEXT NOT NULL,
				name TEXT NOT NULL,
				category TEXT NOT NULL DEFAULT '',
				price INTEGER NOT NULL CHECK(price >= 0),
				available INTEGER NOT NULL DEFAULT 1,
				stock_quantity INTEGER,
				updated_at INTEGER NOT NULL,
				FOREIGN KEY (stand_id) REFERENCES cached_stands(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_products_stand ON cached_products(stand_id, category, available)`,

			`CREATE TABLE IF NOT EXISTS cached_transactions (
				id TEXT PRIMARY KEY,
				wallet_id TEXT NOT NULL,
				amount INTEGER NOT NULL,
				type TEXT NOT NULL,
				balance_after INTEGER,
				description TEXT,
				created_at INTEGER NOT NULL,
				FOREIGN KEY (wallet_id) REFERENCES cached_wallets(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cached_tx_wallet ON cached_transactions(wallet_id, created_at)`,

			`CREATE TABLE IF NOT EXISTS sync_queue (
				id TEXT PRIMARY KEY,
				operation TEXT NOT NULL CHECK(operation IN ('CREATE','UPDATE','DELETE')),
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				payload BLOB NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0 CHECK(priority >= 0 AND priority <= 3),
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 5,
				created_at INTEGER NOT NULL,
				last_attempt INTEGER,
				next_attempt INTEGER,
				error TEXT,
				status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','processing','completed','failed'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_dispatch ON sync_queue(status, priority DESC, next_attempt)`,
		},
		down: []string{
			`DROP TABLE IF EXISTS sync_queue`,
			`DROP TABLE IF EXISTS cached_transactions`,
			`DROP TABLE IF EXISTS cached_products`,
			`DROP TABLE IF EXISTS cached_stands`,
			`DROP TABLE IF EXISTS cached_wallets`,
			`DROP TABLE IF EXISTS pending_transactions`,
		},
	},
	{
		version: 2,
		name:    "wallet_qr_codes",
		up: []string{
			`ALTER TABLE cached_wallets ADD COLUMN qr_code TEXT`,
			`ALTER TABLE cached_wallets ADD COLUMN qr_expires_at INTEGER`,
		},
		down: []string{
			`ALTER TABLE cached_wallets DROP COLUMN qr_expires_at`,
			`ALTER TABLE cached_wallets DROP COLUMN qr_code`,
		},
	},
	{
		version: 3,
		name:    "pending_receipt_fields",
		up: []string{
			`ALTER TABLE pending_transactions ADD COLUMN stand_name TEXT`,
			`ALTER TABLE pending_transactions ADD COLUMN description TEXT`,
		},
		down: []string{
			`ALTER TABLE pending_transactions DROP COLUMN description`,
			`ALTER TABLE pending_transactions DROP COLUMN stand_name`,
		},
	},
}

// migrate applies all pending migrations, each in its own transaction.
// A failing step aborts the run; later migrations are not attempted.
func (s *Storage) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return &MigrationError{Version: m.version, Name: m.name, Err: err}
		}
	}

	return nil
}

func (s *Storage) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.up {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// SchemaVersion returns the highest applied migration version.
func (s *Storage) SchemaVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// Rollback reverts the highest applied migration using its inverse
// statements. Intended for operator tooling only.
func (s *Storage) Rollback() error {
	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New("no migrations to roll back")
	}

	var target *migration
	for i := range migrations {
		if migrations[i].version == current {
			target = &migrations[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("unknown migration version %d", current)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range target.down {
		if _, err := tx.Exec(stmt); err != nil {
			return &MigrationError{Version: target.version, Name: target.name, Err: err}
		}
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, target.version); err != nil {
		return err
	}

	return tx.Commit()
}
