package syncq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/pkg/logging"
)

// Handler dispatches one queue item to the server. A nil return is an ACK;
// errors are classified into retryable, permanent, or conflict outcomes.
type Handler func(ctx context.Context, item *storage.SyncQueueItem) error

// ResolveOutcome reports how a conflict resolver settled an item.
type ResolveOutcome struct {
	// Completed is true when the item terminated as completed, false when
	// it moved to failed for manual handling.
	Completed bool
	// PaymentRejected is true when the server overruled a monetary
	// operation and the local debit was reverted.
	PaymentRejected bool
	Note            string
}

// Resolver settles conflict-category errors. The queue delegates and
// records whichever terminal state the resolver chose.
type Resolver interface {
	Resolve(item *storage.SyncQueueItem, cause error) (*ResolveOutcome, error)
}

// Config tunes the dispatcher.
type Config struct {
	BatchSize       int           // Max items selected per pass
	Heartbeat       time.Duration // Periodic dispatch interval
	MaxInFlight     int           // Concurrent handler bound
	AttemptTimeout  time.Duration // Per-attempt handler deadline
	CleanupInterval time.Duration // Retention purge interval
	Retention       time.Duration // Age before completed/synced rows purge
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:       20,
		Heartbeat:       15 * time.Second,
		MaxInFlight:     4,
		AttemptTimeout:  30 * time.Second,
		CleanupInterval: time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

// Queue is the durable, priority-ordered, rate-limited dispatcher. It is
// the sole mutator of sync_queue rows; the processing state is an
// in-memory marker, so a restart reverts in-flight items to pending.
type Queue struct {
	store    *storage.Storage
	resolver Resolver
	cfg      Config
	bus      *Bus
	log      *logging.Logger

	handlers   map[string]Handler
	handlersMu sync.RWMutex

	runCtx    context.Context
	runCancel context.CancelFunc
	// Handlers get their own base context so shutdown can drain
	// gracefully before cutting them off.
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	wg       sync.WaitGroup
	inflight sync.WaitGroup

	sem  chan struct{}
	kick chan struct{}

	entityMu sync.Mutex
	entities map[string]bool

	inflightCount atomic.Int64
	online        atomic.Bool
	closed        atomic.Bool
}

// New creates a sync queue dispatcher.
func New(store *storage.Storage, resolver Resolver, cfg Config) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultConfig().Heartbeat
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	handlerCtx, handlerCancel := context.WithCancel(context.Background())

	q := &Queue{
		store:         store,
		resolver:      resolver,
		cfg:           cfg,
		bus:           NewBus(),
		log:           logging.GetDefault().Component("syncq"),
		handlers:      make(map[string]Handler),
		runCtx:        runCtx,
		runCancel:     runCancel,
		handlerCtx:    handlerCtx,
		handlerCancel: handlerCancel,
		sem:           make(chan struct{}, cfg.MaxInFlight),
		kick:          make(chan struct{}, 1),
		entities:      make(map[string]bool),
	}
	q.online.Store(true)
	return q
}

// Register installs the handler for an entity type.
func (q *Queue) Register(entityType string, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[entityType] = h
}

// Events returns a subscription to the queue's event stream.
func (q *Queue) Events() (<-chan Event, func()) {
	return q.bus.Subscribe()
}

// Enqueue adds a unit of work and triggers a dispatch pass if online.
func (q *Queue) Enqueue(item *storage.SyncQueueItem) error {
	if q.closed.Load() {
		return errors.New("sync queue is shut down")
	}
	if err := q.store.EnqueueItem(item); err != nil {
		return err
	}
	q.bus.Publish(Event{
		Type: EventEnqueued, ItemID: item.ID,
		EntityType: item.EntityType, EntityID: item.EntityID,
	})
	q.Kick()
	return nil
}

// Kick schedules an immediate dispatch pass without blocking.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// SetOnline records connectivity. A transition to online triggers a
// dispatch pass.
func (q *Queue) SetOnline(online bool) {
	was := q.online.Swap(online)
	if online && !was {
		q.log.Info("Network up, dispatching queued work")
		q.Kick()
	}
}

// Start launches the dispatcher loop.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
	q.log.Info("Sync queue started",
		"heartbeat", q.cfg.Heartbeat, "batch_size", q.cfg.BatchSize, "max_in_flight", q.cfg.MaxInFlight)
}

// Shutdown stops accepting work, waits for in-flight handlers up to the
// grace period, then cuts them off. Interrupted items stay pending for the
// next process.
func (q *Queue) Shutdown(grace time.Duration) {
	q.closed.Store(true)
	q.runCancel()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		q.log.Warn("Shutdown grace expired, cancelling in-flight handlers")
		q.handlerCancel()
		<-done
	}
	q.handlerCancel()
	q.wg.Wait()
	q.log.Info("Sync queue stopped")
}

// Flush dispatches until a pass launches nothing or ctx expires. It
// publishes drained when no due work remains; due work the last pass could
// not launch (offline, shut down, or its entity still in flight) is left for
// a later pass.
func (q *Queue) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		dispatched := q.Dispatch()
		q.waitInflight()
		if dispatched == 0 {
			due, err := q.store.DueItems(time.Now().UnixMilli(), 1)
			if err != nil {
				return err
			}
			if len(due) == 0 {
				q.bus.Publish(Event{Type: EventDrained})
				return nil
			}
			// Due work remains that this pass could not launch.
			return nil
		}
	}
}

// StatsByStatus returns queue item counts by status.
func (q *Queue) StatsByStatus() (map[storage.QueueStatus]int, error) {
	return q.store.QueueStats()
}

func (q *Queue) run() {
	defer q.wg.Done()

	heartbeat := time.NewTicker(q.cfg.Heartbeat)
	cleanup := time.NewTicker(q.cfg.CleanupInterval)
	defer heartbeat.Stop()
	defer cleanup.Stop()

	// Run initial cleanup on startup
	q.purgeOld()

	for {
		select {
		case <-q.runCtx.Done():
			return
		case <-q.kick:
			q.Dispatch()
		case <-heartbeat.C:
			q.Dispatch()
		case <-cleanup.C:
			q.purgeOld()
		}
	}
}

// Dispatch runs a single pass: select due items, launch handlers under the
// in-flight bound, honouring per-entity FIFO. Returns the number of items
// launched.
func (q *Queue) Dispatch() int {
	if !q.online.Load() || q.closed.Load() {
		return 0
	}

	now := time.Now().UnixMilli()
	items, err := q.store.DueItems(now, q.cfg.BatchSize)
	if err != nil {
		q.log.Warn("Failed to select due items", "error", err)
		return 0
	}

	launched := 0
	for _, item := range items {
		select {
		case <-q.runCtx.Done():
			return launched
		default:
		}

		// Per-entity FIFO: never dispatch an item while another for the
		// same entity is in flight.
		q.entityMu.Lock()
		if q.entities[item.EntityID] {
			q.entityMu.Unlock()
			continue
		}
		q.entities[item.EntityID] = true
		q.entityMu.Unlock()

		select {
		case q.sem <- struct{}{}:
		case <-q.runCtx.Done():
			q.releaseEntity(item.EntityID)
			return launched
		}

		q.inflight.Add(1)
		q.inflightCount.Add(1)
		launched++
		go q.process(item)
	}
	return launched
}

func (q *Queue) process(item *storage.SyncQueueItem) {
	defer func() {
		<-q.sem
		q.releaseEntity(item.EntityID)
		if q.inflightCount.Add(-1) == 0 {
			q.maybeDrained()
		}
		q.inflight.Done()
	}()

	q.bus.Publish(Event{
		Type: EventStarted, ItemID: item.ID,
		EntityType: item.EntityType, EntityID: item.EntityID,
		RetryCount: item.RetryCount,
	})

	q.handlersMu.RLock()
	handler := q.handlers[item.EntityType]
	q.handlersMu.RUnlock()

	if handler == nil {
		q.fail(item, fmt.Sprintf("no handler registered for entity type %q", item.EntityType))
		return
	}

	ctx, cancel := context.WithTimeout(q.handlerCtx, q.cfg.AttemptTimeout)
	err := handler(ctx, item)
	cancel()

	if err == nil {
		if dbErr := q.store.CompleteItem(item.ID); dbErr != nil {
			q.log.Error("Failed to record completion", "item", item.ID, "error", dbErr)
			return
		}
		q.bus.Publish(Event{
			Type: EventCompleted, ItemID: item.ID,
			EntityType: item.EntityType, EntityID: item.EntityID,
		})
		return
	}

	cls := Classify(err)

	if cls.Category == CategoryConflict && q.resolver != nil {
		q.resolveConflict(item, err)
		return
	}

	if cls.Retryable && item.RetryCount < item.MaxRetries {
		policy := PolicyFor(item.EntityType)
		delay := policy.Delay(item.RetryCount, cls.RetryAfter)
		next := time.Now().Add(delay).UnixMilli()
		if dbErr := q.store.RescheduleItem(item.ID, next, err.Error()); dbErr != nil {
			q.log.Error("Failed to reschedule item", "item", item.ID, "error", dbErr)
			return
		}
		if item.EntityType == EntityPendingTransaction {
			_ = q.store.RecordTransactionRetry(item.EntityID, err.Error())
		}
		q.log.Debug("Dispatch failed, retrying",
			"item", item.ID, "category", cls.Category, "retry_count", item.RetryCount+1, "delay", delay)
		q.bus.Publish(Event{
			Type: EventRetried, ItemID: item.ID,
			EntityType: item.EntityType, EntityID: item.EntityID,
			Category: cls.Category, Error: err.Error(), RetryCount: item.RetryCount + 1,
		})
		return
	}

	q.fail(item, err.Error())
}

func (q *Queue) resolveConflict(item *storage.SyncQueueItem, cause error) {
	out, err := q.resolver.Resolve(item, cause)
	if err != nil {
		// Resolution itself failed (store trouble); keep the item pending
		// for another attempt rather than losing the conflict.
		q.log.Error("Conflict resolution failed", "item", item.ID, "error", err)
		next := time.Now().Add(DefaultPolicy().Delay(item.RetryCount, 0)).UnixMilli()
		_ = q.store.RescheduleItem(item.ID, next, cause.Error())
		return
	}

	if out.PaymentRejected {
		q.bus.Publish(Event{
			Type: EventPaymentRejected, ItemID: item.ID,
			EntityType: item.EntityType, EntityID: item.EntityID,
			Error: out.Note,
		})
	}

	if out.Completed {
		q.bus.Publish(Event{
			Type: EventCompleted, ItemID: item.ID,
			EntityType: item.EntityType, EntityID: item.EntityID,
			Category: CategoryConflict,
		})
		return
	}
	q.bus.Publish(Event{
		Type: EventFailed, ItemID: item.ID,
		EntityType: item.EntityType, EntityID: item.EntityID,
		Category: CategoryConflict, Error: out.Note,
	})
}

func (q *Queue) fail(item *storage.SyncQueueItem, msg string) {
	if err := q.store.FailItem(item.ID, msg); err != nil {
		q.log.Error("Failed to record failure", "item", item.ID, "error", err)
		return
	}
	if item.EntityType == EntityPendingTransaction {
		_ = q.store.RecordTransactionRetry(item.EntityID, msg)
	}
	q.log.Error("Queue item permanently failed", "item", item.ID, "entity", item.EntityID, "error", msg)
	q.bus.Publish(Event{
		Type: EventFailed, ItemID: item.ID,
		EntityType: item.EntityType, EntityID: item.EntityID,
		Error: msg, RetryCount: item.RetryCount,
	})
}

func (q *Queue) maybeDrained() {
	due, err := q.store.DueItems(time.Now().UnixMilli(), 1)
	if err != nil || len(due) > 0 {
		return
	}
	q.bus.Publish(Event{Type: EventDrained})
}

func (q *Queue) releaseEntity(entityID string) {
	q.entityMu.Lock()
	delete(q.entities, entityID)
	q.entityMu.Unlock()
}

func (q *Queue) waitInflight() {
	q.inflight.Wait()
}

// purgeOld applies the retention policy: completed queue items and synced
// pending transactions older than the window are removed.
func (q *Queue) purgeOld() {
	olderThan := time.Now().Add(-q.cfg.Retention).UnixMilli()

	queueN, err := q.store.PurgeCompletedItems(olderThan)
	if err != nil {
		q.log.Warn("Failed to purge completed queue items", "error", err)
	}
	txN, err := q.store.PurgeSyncedTransactions(olderThan)
	if err != nil {
		q.log.Warn("Failed to purge synced transactions", "error", err)
	}
	if queueN > 0 || txN > 0 {
		q.log.Info("Purged old sync records", "queue_items", queueN, "transactions", txN)
	}
}
