package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/festipay/festipay/internal/engine"
	"github.com/festipay/festipay/internal/storage"
)

// CreatePaymentParams are the arguments for payments_create.
type CreatePaymentParams struct {
	WalletID     string                `json:"wallet_id"`
	UserID       string                `json:"user_id"`
	Amount       uint64                `json:"amount"`
	Type         string                `json:"type"`
	StandID      string                `json:"stand_id,omitempty"`
	StandName    string                `json:"stand_name,omitempty"`
	Description  string                `json:"description,omitempty"`
	ProductItems []storage.ProductItem `json:"product_items,omitempty"`
}

func (s *Server) paymentsCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CreatePaymentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	pt, err := s.engine.Create(engine.Intent{
		WalletID:     p.WalletID,
		UserID:       p.UserID,
		Amount:       p.Amount,
		Type:         storage.TransactionType(p.Type),
		StandID:      p.StandID,
		StandName:    p.StandName,
		Description:  p.Description,
		ProductItems: p.ProductItems,
	})
	if err != nil {
		return nil, err
	}

	// Try to sync immediately if we're online
	s.queue.Kick()

	return pt, nil
}

type walletParams struct {
	WalletID string `json:"wallet_id"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

func (s *Server) paymentsPending(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p walletParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	pending, err := s.store.ListUnsyncedTransactions(p.WalletID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"pending": pending, "count": len(pending)}, nil
}

func (s *Server) walletGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p walletParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.store.GetWallet(p.WalletID)
}

func (s *Server) walletTransactions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p walletParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListCachedTransactions(p.WalletID, limit, p.Offset)
}

type catalogParams struct {
	FestivalID    string `json:"festival_id,omitempty"`
	StandID       string `json:"stand_id,omitempty"`
	Type          string `json:"type,omitempty"`
	Category      string `json:"category,omitempty"`
	AvailableOnly bool   `json:"available_only,omitempty"`
}

func (s *Server) catalogStands(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p catalogParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.store.ListStands(p.FestivalID, storage.StandType(p.Type))
}

func (s *Server) catalogProducts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p catalogParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.store.ListProducts(p.StandID, p.Category, p.AvailableOnly)
}

// SyncStatus is the payload for sync_status, including the banner counts
// the UI must surface while pending+failed > 0.
type SyncStatus struct {
	Queue         map[storage.QueueStatus]int `json:"queue"`
	PendingTotal  int                         `json:"pending_total"`
	PendingFailed int                         `json:"pending_failed"`
	BannerVisible bool                        `json:"banner_visible"`
	SchemaVersion int                         `json:"schema_version"`
}

func (s *Server) syncStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	stats, err := s.store.Stats()
	if err != nil {
		return nil, err
	}
	version, err := s.store.SchemaVersion()
	if err != nil {
		return nil, err
	}

	unsynced := stats.PendingTotal - stats.PendingSynced
	failed := stats.QueueByStatus[storage.QueueStatusFailed]
	return &SyncStatus{
		Queue:         stats.QueueByStatus,
		PendingTotal:  unsynced,
		PendingFailed: failed,
		BannerVisible: unsynced+failed > 0,
		SchemaVersion: version,
	}, nil
}

func (s *Server) syncFlush(ctx context.Context, params json.RawMessage) (interface{}, error) {
	flushCtx, cancel := context.WithTimeout(ctx, 25*time.Second)
	defer cancel()

	if err := s.queue.Flush(flushCtx); err != nil {
		return nil, err
	}
	stats, err := s.queue.StatsByStatus()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"queue": stats}, nil
}

func (s *Server) queueRetryFailed(ctx context.Context, params json.RawMessage) (interface{}, error) {
	requeued, err := s.store.RetryFailedItems()
	if err != nil {
		return nil, err
	}
	if requeued > 0 {
		s.queue.Kick()
	}
	return map[string]int64{"requeued": requeued}, nil
}
