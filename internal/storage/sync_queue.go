package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// QueueStatus represents the lifecycle state of a sync queue item.
// completed and failed are terminal.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueOperation is the mutation a queue item carries.
type QueueOperation string

const (
	OpCreate QueueOperation = "CREATE"
	OpUpdate QueueOperation = "UPDATE"
	OpDelete QueueOperation = "DELETE"
)

// Queue priorities. Monetary operations enqueue at PriorityHigh.
const (
	PriorityLow      = 0
	PriorityNormal   = 1
	PriorityHigh     = 2
	PriorityCritical = 3
)

// SyncQueueItem is one durable unit of work to dispatch to the server.
type SyncQueueItem struct {
	ID          string         `json:"id"`
	Operation   QueueOperation `json:"operation"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Payload     []byte         `json:"payload"`
	Priority    int            `json:"priority"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	CreatedAt   int64          `json:"created_at"`
	LastAttempt *int64         `json:"last_attempt,omitempty"`
	NextAttempt *int64         `json:"next_attempt,omitempty"`
	Error       string         `json:"error,omitempty"`
	Status      QueueStatus    `json:"status"`
}

const queueColumns = `id, operation, entity_type, entity_id, payload, priority,
	retry_count, max_retries, created_at, last_attempt, next_attempt, error, status`

// EnqueueItem adds a unit of work to the sync queue.
func (s *Storage) EnqueueItem(item *SyncQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return execEnqueue(s.db, item)
}

// EnqueueItemTx enqueues inside an open store transaction, used by the
// pending engine so row, debit and queue item commit together.
func EnqueueItemTx(tx *sql.Tx, item *SyncQueueItem) error {
	return execEnqueue(tx, item)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func execEnqueue(db execer, item *SyncQueueItem) error {
	if item.CreatedAt == 0 {
		item.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO sync_queue (
			id, operation, entity_type, entity_id, payload, priority,
			retry_count, max_retries, created_at, next_attempt, status
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 'pending')
	`,
		item.ID, string(item.Operation), item.EntityType, item.EntityID,
		item.Payload, item.Priority, item.MaxRetries, item.CreatedAt,
		nullInt(item.NextAttempt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}
	return nil
}

// DueItems selects dispatchable work: pending items whose next_attempt has
// passed, highest priority first, oldest first within a priority.
func (s *Storage) DueItems(now int64, limit int) ([]*SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+queueColumns+`
		FROM sync_queue
		WHERE status = 'pending' AND (next_attempt IS NULL OR next_attempt <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due items: %w", err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// GetQueueItem retrieves a queue item by id.
func (s *Storage) GetQueueItem(id string) (*SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return item, err
}

// CompleteItem marks a queue item successfully dispatched.
func (s *Storage) CompleteItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		UPDATE sync_queue SET status = 'completed', last_attempt = ?, error = NULL WHERE id = ?
	`, now, id)
	return err
}

// CompleteItemTx is the transactional variant of CompleteItem.
func CompleteItemTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`
		UPDATE sync_queue SET status = 'completed', last_attempt = ?, error = NULL WHERE id = ?
	`, time.Now().UnixMilli(), id)
	return err
}

// RescheduleItem returns a transiently failed item to pending with a bumped
// retry count and the next attempt time computed by the retry policy.
func (s *Storage) RescheduleItem(id string, nextAttempt int64, attemptErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		UPDATE sync_queue
		SET status = 'pending', retry_count = retry_count + 1,
		    last_attempt = ?, next_attempt = ?, error = ?
		WHERE id = ?
	`, now, nextAttempt, nullString(attemptErr), id)
	return err
}

// FailItem marks a queue item permanently failed.
func (s *Storage) FailItem(id string, attemptErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		UPDATE sync_queue SET status = 'failed', last_attempt = ?, error = ? WHERE id = ?
	`, now, nullString(attemptErr), id)
	return err
}

// RetryFailedItems returns failed items to pending for an operator-driven
// manual retry. Returns the number of items requeued.
func (s *Storage) RetryFailedItems() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE sync_queue
		SET status = 'pending', retry_count = 0, next_attempt = NULL, error = NULL
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// QueueStats returns item counts by status.
func (s *Storage) QueueStats() (map[QueueStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[QueueStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[QueueStatus(status)] = count
	}
	return stats, rows.Err()
}

// PurgeCompletedItems removes completed items older than the cutoff.
func (s *Storage) PurgeCompletedItems(olderThan int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		DELETE FROM sync_queue WHERE status = 'completed' AND created_at < ?
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanQueueItem(row rowScanner) (*SyncQueueItem, error) {
	var item SyncQueueItem
	var lastAttempt, nextAttempt sql.NullInt64
	var errMsg sql.NullString

	err := row.Scan(
		&item.ID, &item.Operation, &item.EntityType, &item.EntityID,
		&item.Payload, &item.Priority, &item.RetryCount, &item.MaxRetries,
		&item.CreatedAt, &lastAttempt, &nextAttempt, &errMsg, &item.Status,
	)
	if err != nil {
		return nil, err
	}

	if lastAttempt.Valid {
		item.LastAttempt = &lastAttempt.Int64
	}
	if nextAttempt.Valid {
		item.NextAttempt = &nextAttempt.Int64
	}
	item.Error = errMsg.String
	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]*SyncQueueItem, error) {
	var items []*SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
