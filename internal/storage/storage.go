// Package storage provides persistent offline storage using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors for store-level failures.
var (
	// ErrStoreUnavailable indicates the database could not be opened.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStoreCorrupt indicates the database file is damaged and must be
	// recovered via RecoverCorrupt.
	ErrStoreCorrupt = errors.New("store corrupt")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Storage provides persistent storage for the festipay client.
// It is the only component that touches the database file.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance and runs pending migrations.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory: %v", ErrStoreUnavailable, err)
	}

	dbPath := filepath.Join(dataDir, "festipay.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStoreUnavailable, err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		if IsCorrupt(err) {
			return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
		}
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrStoreUnavailable, err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Run pending migrations
	if err := s.migrate(); err != nil {
		db.Close()
		if IsCorrupt(err) {
			return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
		}
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Tx runs fn in a single atomic transaction. Partial failure rolls back.
func (s *Storage) Tx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed (%v) after: %w", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// IsCorrupt reports whether err indicates an unrecoverable database file.
func IsCorrupt(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB
	}
	return errors.Is(err, ErrStoreCorrupt)
}

// RecoverCorrupt renames a corrupt database file aside and returns the new
// name so the caller can reopen fresh and re-hydrate from the server.
// Pending unacknowledged transactions are lost and must be reported.
func RecoverCorrupt(cfg *Config) (string, error) {
	dbPath := filepath.Join(expandPath(cfg.DataDir), "festipay.db")
	quarantine := fmt.Sprintf("%s.corrupt.%d", dbPath, time.Now().UnixMilli())
	if err := os.Rename(dbPath, quarantine); err != nil {
		return "", fmt.Errorf("failed to quarantine corrupt database: %w", err)
	}
	// WAL sidecars are stale once the main file moves
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")
	return quarantine, nil
}

// Stats holds row counts by status for observability.
type Stats struct {
	QueueByStatus  map[QueueStatus]int `json:"queue_by_status"`
	PendingTotal   int                 `json:"pending_total"`
	PendingSynced  int                 `json:"pending_synced"`
	PendingFailed  int                 `json:"pending_failed"`
	CachedWallets  int                 `json:"cached_wallets"`
	CachedProducts int                 `json:"cached_products"`
	CachedStands   int                 `json:"cached_stands"`
	CachedTxCount  int                 `json:"cached_transactions"`
}

// Stats returns counts by status across the offline tables.
func (s *Storage) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{QueueByStatus: make(map[QueueStatus]int)}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.QueueByStatus[QueueStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_transactions`).Scan(&stats.PendingTotal); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_transactions WHERE synced = 1`).Scan(&stats.PendingSynced); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_transactions WHERE error IS NOT NULL AND error != ''`).Scan(&stats.PendingFailed); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cached_wallets`).Scan(&stats.CachedWallets); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cached_products`).Scan(&stats.CachedProducts); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cached_stands`).Scan(&stats.CachedStands); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cached_transactions`).Scan(&stats.CachedTxCount); err != nil {
		return nil, err
	}

	return stats, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
