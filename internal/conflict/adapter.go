package conflict

import (
	"errors"
	"fmt"

	"github.com/festipay/festipay/internal/api"
	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/internal/syncq"
)

// Resolve implements the sync queue's resolver contract: classify the
// server rejection, settle the item, and report the terminal state.
func (r *Resolver) Resolve(item *storage.SyncQueueItem, cause error) (*syncq.ResolveOutcome, error) {
	apiErr, ok := api.AsError(cause)
	if !ok {
		return nil, fmt.Errorf("conflict cause is not a server error: %w", cause)
	}

	var pt *storage.PendingTransaction
	if item.EntityType == "pending_transaction" {
		var err error
		pt, err = r.store.GetPendingTransaction(item.EntityID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	if pt == nil {
		// Nothing monetary to revert; surface for manual handling.
		if err := r.store.FailItem(item.ID, apiErr.Error()); err != nil {
			return nil, err
		}
		return &syncq.ResolveOutcome{Completed: false, Note: apiErr.Error()}, nil
	}

	out, err := r.ResolvePayment(item, pt, apiErr)
	if err != nil {
		return nil, err
	}
	return &syncq.ResolveOutcome{
		Completed:       out.Completed,
		PaymentRejected: out.PaymentRejected,
		Note:            out.Note,
	}, nil
}
