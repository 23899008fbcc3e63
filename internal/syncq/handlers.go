package syncq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/festipay/festipay/internal/api"
	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/pkg/logging"
)

// Entity types with registered handlers.
const (
	EntityPendingTransaction = "pending_transaction"
	EntityWallet             = "wallet"
	EntityCatalog            = "catalog"
)

// NewPaymentHandler returns the handler that replays pending transactions
// to the server. Conflict-category errors propagate to the resolver.
func NewPaymentHandler(store *storage.Storage, client *api.Client) Handler {
	log := logging.GetDefault().Component("sync-payments")

	return func(ctx context.Context, item *storage.SyncQueueItem) error {
		var pt storage.PendingTransaction
		if err := json.Unmarshal(item.Payload, &pt); err != nil {
			return &api.Error{StatusCode: 400, Code: "VALIDATION_ERROR",
				Message: fmt.Sprintf("undecodable payload: %v", err)}
		}

		// A replay after a crash-between-ack-and-complete is a no-op.
		if current, err := store.GetPendingTransaction(pt.ID); err == nil && current.Synced {
			return nil
		}

		result, err := client.SubmitPayment(ctx, &pt)
		if err != nil {
			return err
		}

		if result.Duplicate {
			log.Debug("Server deduplicated replay", "transaction", pt.ID, "key", pt.IdempotencyKey)
		}

		if err := store.MarkTransactionSynced(pt.ID, ""); err != nil {
			return err
		}

		// Record the confirmed transaction; insert-or-ignore keeps the
		// first snapshot if the push channel got there first.
		amount := int64(pt.Amount)
		if pt.Type.IsDebit() {
			amount = -amount
		}
		after := int64(result.BalanceAfter)
		_, err = store.InsertCachedTransaction(&storage.CachedTransaction{
			ID:           result.TransactionID,
			WalletID:     pt.WalletID,
			Amount:       amount,
			Type:         string(pt.Type),
			BalanceAfter: &after,
			Description:  pt.Description,
			CreatedAt:    pt.CreatedAt,
		})
		if err != nil {
			return err
		}

		// The speculative debit already moved the local balance; only
		// adopt server truth when nothing else is outstanding and the
		// numbers still disagree.
		reconcileWallet(store, log, pt.WalletID, result.BalanceAfter)

		log.Info("Transaction confirmed",
			"transaction", pt.ID, "server_tx", result.TransactionID, "balance_after", result.BalanceAfter)
		return nil
	}
}

func reconcileWallet(store *storage.Storage, log *logging.Logger, walletID string, serverBalance uint64) {
	unsynced, err := store.ListUnsyncedTransactions(walletID, 1)
	if err != nil || len(unsynced) > 0 {
		return
	}
	wallet, err := store.GetWallet(walletID)
	if err != nil {
		return
	}
	if wallet.Balance != serverBalance {
		log.Warn("Local balance drifted from server, adopting server truth",
			"wallet", walletID, "local", wallet.Balance, "server", serverBalance)
		_ = store.SetWalletBalance(walletID, serverBalance)
	}
}

// NewWalletRefreshHandler returns the handler that refreshes a cached
// wallet from server truth. Skipped while the wallet still has unsynced
// debits so speculative state is not clobbered.
func NewWalletRefreshHandler(store *storage.Storage, client *api.Client) Handler {
	log := logging.GetDefault().Component("sync-wallets")

	return func(ctx context.Context, item *storage.SyncQueueItem) error {
		unsynced, err := store.ListUnsyncedTransactions(item.EntityID, 1)
		if err != nil {
			return err
		}
		if len(unsynced) > 0 {
			log.Debug("Wallet has unsynced transactions, skipping refresh", "wallet", item.EntityID)
			return nil
		}

		w, err := client.GetWallet(ctx, item.EntityID)
		if err != nil {
			return err
		}
		return store.UpsertWallet(&storage.CachedWallet{
			ID:           w.ID,
			UserID:       w.UserID,
			Balance:      w.Balance,
			CurrencyName: w.CurrencyName,
			ExchangeRate: w.ExchangeRate,
			QRCode:       w.QRCode,
		})
	}
}

// NewCatalogRefreshHandler returns the handler that re-hydrates the
// stand/product catalogue for a festival.
func NewCatalogRefreshHandler(store *storage.Storage, client *api.Client) Handler {
	log := logging.GetDefault().Component("sync-catalog")

	return func(ctx context.Context, item *storage.SyncQueueItem) error {
		cat, err := client.GetCatalog(ctx, item.EntityID)
		if err != nil {
			return err
		}

		stands := make([]*storage.CachedStand, 0, len(cat.Stands))
		for _, s := range cat.Stands {
			stands = append(stands, &storage.CachedStand{
				ID:         s.ID,
				FestivalID: s.FestivalID,
				Name:       s.Name,
				Type:       storage.StandType(s.Type),
			})
		}
		products := make([]*storage.CachedProduct, 0, len(cat.Products))
		for _, p := range cat.Products {
			products = append(products, &storage.CachedProduct{
				ID:            p.ID,
				StandID:       p.StandID,
				Name:          p.Name,
				Category:      p.Category,
				Price:         p.Price,
				Available:     p.Available,
				StockQuantity: p.StockQuantity,
			})
		}

		if err := store.BatchUpsertStands(stands); err != nil {
			return err
		}
		if err := store.BatchUpsertProducts(products); err != nil {
			return err
		}

		log.Info("Catalogue refreshed", "festival", item.EntityID,
			"stands", len(stands), "products", len(products))
		return nil
	}
}
