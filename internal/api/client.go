// Package api provides the HTTP client for the festipay server: payment
// replay, wallet refresh, and catalogue hydration.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/pkg/logging"
)

// Error is a server-reported failure. The sync queue's classifier maps it
// onto a retry category from the HTTP status.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	// Balance carries the server-truth wallet balance on monetary
	// rejections (402), used to reconcile the local cache.
	Balance *uint64
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// PaymentResult is the server's acknowledgement of a replayed transaction.
type PaymentResult struct {
	TransactionID string `json:"transaction_id"`
	BalanceAfter  uint64 `json:"balance_after"`
	// Duplicate is true when the idempotency key matched a prior
	// successful submission (HTTP 200 instead of 201).
	Duplicate bool `json:"-"`
}

// Wallet is the server's wallet representation.
type Wallet struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Balance      uint64  `json:"balance"`
	CurrencyName string  `json:"currency_name"`
	ExchangeRate float64 `json:"exchange_rate"`
	QRCode       string  `json:"qr_code,omitempty"`
	QRExpiresAt  string  `json:"qr_expires_at,omitempty"`
}

// Catalog is the bulk stand/product snapshot for a festival.
type Catalog struct {
	Stands   []CatalogStand   `json:"stands"`
	Products []CatalogProduct `json:"products"`
}

// CatalogStand mirrors the server's stand representation.
type CatalogStand struct {
	ID         string `json:"id"`
	FestivalID string `json:"festival_id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
}

// CatalogProduct mirrors the server's product representation.
type CatalogProduct struct {
	ID            string `json:"id"`
	StandID       string `json:"stand_id"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	Price         uint64 `json:"price"`
	Available     bool   `json:"available"`
	StockQuantity *int64 `json:"stock_quantity,omitempty"`
}

// paymentRequest is the wire body for POST /api/v1/payments.
type paymentRequest struct {
	ID               string                `json:"id"`
	WalletID         string                `json:"wallet_id"`
	UserID           string                `json:"user_id"`
	Amount           uint64                `json:"amount"`
	Type             string                `json:"type"`
	StandID          string                `json:"stand_id,omitempty"`
	ProductItems     []storage.ProductItem `json:"product_items,omitempty"`
	IdempotencyKey   string                `json:"idempotency_key"`
	OfflineSignature string                `json:"offline_signature"`
	DeviceID         string                `json:"device_id"`
	CreatedAt        string                `json:"created_at"`
}

type errorBody struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Balance *uint64 `json:"balance,omitempty"`
}

// Client talks to the festipay server.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logging.Logger
}

// NewClient creates a server client. Per-attempt deadlines come from the
// caller's context; the http.Client timeout is a backstop.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		log:     logging.GetDefault().Component("api"),
	}
}

// SubmitPayment replays a pending transaction to the server.
func (c *Client) SubmitPayment(ctx context.Context, pt *storage.PendingTransaction) (*PaymentResult, error) {
	req := paymentRequest{
		ID:               pt.ID,
		WalletID:         pt.WalletID,
		UserID:           pt.UserID,
		Amount:           pt.Amount,
		Type:             string(pt.Type),
		StandID:          pt.StandID,
		ProductItems:     pt.ProductItems,
		IdempotencyKey:   pt.IdempotencyKey,
		OfflineSignature: pt.OfflineSignature,
		DeviceID:         pt.DeviceID,
		CreatedAt:        time.UnixMilli(pt.CreatedAt).UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", pt.IdempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		var result PaymentResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode payment result: %w", err)
		}
		result.Duplicate = resp.StatusCode == http.StatusOK
		return &result, nil
	default:
		return nil, decodeError(resp)
	}
}

// GetWallet fetches server truth for a wallet.
func (c *Client) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	var w Wallet
	if err := c.getJSON(ctx, "/api/v1/wallets/"+walletID, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetCatalog fetches the stand/product catalogue for a festival.
func (c *Client) GetCatalog(ctx context.Context, festivalID string) (*Catalog, error) {
	var cat Catalog
	if err := c.getJSON(ctx, "/api/v1/festivals/"+festivalID+"/catalog", &cat); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && len(data) > 0 {
		var body errorBody
		if json.Unmarshal(data, &body) == nil {
			apiErr.Code = body.Code
			apiErr.Message = body.Message
			apiErr.Balance = body.Balance
		} else {
			apiErr.Message = string(data)
		}
	}

	return apiErr
}

// AsError extracts a server Error from an error chain.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
