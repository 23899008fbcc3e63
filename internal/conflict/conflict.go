// Package conflict classifies and resolves disagreements between locally
// mutated state and server-authoritative state.
package conflict

import (
	"database/sql"
	"fmt"
	"net/http"

	"github.com/festipay/festipay/internal/api"
	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/pkg/logging"
)

// Kind identifies what went wrong between client and server state.
type Kind string

const (
	// StaleEntity: the client sent based on an older server version.
	StaleEntity Kind = "stale_entity"
	// DuplicateSubmission: idempotency key matched an existing record with
	// a different payload.
	DuplicateSubmission Kind = "duplicate_submission"
	// ServerAuthoritative: the server rejected a monetary operation.
	ServerAuthoritative Kind = "server_authoritative"
	// ConcurrentMutation: two devices produced incompatible updates.
	ConcurrentMutation Kind = "concurrent_mutation"
)

// Strategy is how a conflict kind is resolved. Strategies are chosen per
// operation type, not per incident; money is never ClientWins.
type Strategy string

const (
	ServerWins Strategy = "server_wins"
	ClientWins Strategy = "client_wins"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

// StrategyFor returns the resolution strategy for an entity type and kind.
func StrategyFor(entityType string, kind Kind) Strategy {
	switch kind {
	case ServerAuthoritative:
		return ServerWins
	case DuplicateSubmission, ConcurrentMutation:
		return Manual
	case StaleEntity:
		if entityType == "pending_transaction" {
			return Manual
		}
		return ServerWins
	default:
		return Manual
	}
}

// KindForError maps a server rejection to a conflict kind.
func KindForError(apiErr *api.Error) Kind {
	switch apiErr.StatusCode {
	case http.StatusPaymentRequired:
		return ServerAuthoritative
	case http.StatusConflict:
		return DuplicateSubmission
	default:
		return ConcurrentMutation
	}
}

// Outcome reports how a conflict was settled.
type Outcome struct {
	Kind     Kind
	Strategy Strategy
	// Completed is true when the queue item terminated as completed
	// (resolved), false when it moved to failed (manual).
	Completed bool
	// PaymentRejected is true when a monetary operation was overruled by
	// the server and the local debit was reverted.
	PaymentRejected bool
	Note            string
}

// Resolver settles conflicts against the local store.
type Resolver struct {
	store *storage.Storage
	log   *logging.Logger
}

// NewResolver creates a conflict resolver.
func NewResolver(store *storage.Storage) *Resolver {
	return &Resolver{
		store: store,
		log:   logging.GetDefault().Component("conflict"),
	}
}

// ResolvePayment settles a server rejection of a replayed pending
// transaction.
func (r *Resolver) ResolvePayment(item *storage.SyncQueueItem, pt *storage.PendingTransaction, apiErr *api.Error) (*Outcome, error) {
	kind := KindForError(apiErr)
	strategy := StrategyFor(item.EntityType, kind)

	out := &Outcome{Kind: kind, Strategy: strategy, Note: apiErr.Error()}

	switch kind {
	case ServerAuthoritative:
		if err := r.revertMonetaryRejection(item, pt, apiErr); err != nil {
			return nil, err
		}
		out.Completed = true
		out.PaymentRejected = pt.Type.IsDebit()
		r.log.Warn("Payment overruled by server",
			"transaction", pt.ID, "wallet", pt.WalletID, "amount", pt.Amount, "code", apiErr.Code)
		return out, nil

	default:
		// Manual: surface to the operator, keep the item inspectable.
		if err := r.store.FailItem(item.ID, apiErr.Error()); err != nil {
			return nil, err
		}
		if pt != nil {
			if err := r.store.RecordTransactionRetry(pt.ID, apiErr.Error()); err != nil {
				return nil, err
			}
		}
		r.log.Error("Conflict requires manual resolution",
			"item", item.ID, "kind", kind, "error", apiErr.Error())
		return out, nil
	}
}

// revertMonetaryRejection atomically restores server balance truth, marks
// the pending transaction terminally synced with a failure note, and
// completes the queue item.
func (r *Resolver) revertMonetaryRejection(item *storage.SyncQueueItem, pt *storage.PendingTransaction, apiErr *api.Error) error {
	note := fmt.Sprintf("rejected by server: %s", apiErr.Code)

	return r.store.Tx(func(tx *sql.Tx) error {
		if apiErr.Balance != nil {
			if err := storage.SetWalletBalanceTx(tx, pt.WalletID, *apiErr.Balance); err != nil {
				return err
			}
		}
		if err := storage.MarkTransactionSyncedTx(tx, pt.ID, note); err != nil {
			return err
		}
		return storage.CompleteItemTx(tx, item.ID)
	})
}

// MergeTransactionHistory applies the Merge strategy for the append-only
// transaction history: union by id, first insert wins.
func (r *Resolver) MergeTransactionHistory(rows []*storage.CachedTransaction) error {
	for _, ct := range rows {
		if _, err := r.store.InsertCachedTransaction(ct); err != nil {
			return err
		}
	}
	return nil
}
