// Package engine turns user payment intents into durable, signed,
// idempotent pending transactions and queued sync operations.
package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Signer produces offline signatures with the device HMAC key.
// The key is provisioned out of band and loaded once at initialisation.
type Signer struct {
	key []byte
}

// NewSigner creates a signer from the raw device key.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Provisioned reports whether a device key is present.
func (s *Signer) Provisioned() bool {
	return s != nil && len(s.key) > 0
}

// signedFields are the fields covered by the offline signature, in the
// order required by the wire contract (keys sorted ascending).
type signedFields struct {
	Amount         uint64
	CreatedAt      string
	ID             string
	IdempotencyKey string
	StandID        string
	Type           string
	UserID         string
	WalletID       string
}

// CanonicalBytes renders the signed fields as deterministic UTF-8 JSON:
// keys sorted ascending, no whitespace, integers unquoted.
func CanonicalBytes(f signedFields) []byte {
	pairs := map[string]string{
		"amount":          fmt.Sprintf("%d", f.Amount),
		"created_at":      encodeJSONString(f.CreatedAt),
		"id":              encodeJSONString(f.ID),
		"idempotency_key": encodeJSONString(f.IdempotencyKey),
		"stand_id":        encodeJSONString(f.StandID),
		"type":            encodeJSONString(f.Type),
		"user_id":         encodeJSONString(f.UserID),
		"wallet_id":       encodeJSONString(f.WalletID),
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, encodeJSONString(k)...)
		buf = append(buf, ':')
		buf = append(buf, pairs[k]...)
	}
	return append(buf, '}')
}

func encodeJSONString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Sign computes the hex HMAC-SHA256 offline signature over the canonical
// bytes of the transaction's signed fields.
func (s *Signer) Sign(id, walletID, userID string, amount uint64, txType, standID, idempotencyKey string, createdAt time.Time) string {
	canonical := CanonicalBytes(signedFields{
		Amount:         amount,
		CreatedAt:      createdAt.UTC().Format(time.RFC3339),
		ID:             id,
		IdempotencyKey: idempotencyKey,
		StandID:        standID,
		Type:           txType,
		UserID:         userID,
		WalletID:       walletID,
	})

	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func (s *Signer) Verify(signature, id, walletID, userID string, amount uint64, txType, standID, idempotencyKey string, createdAt time.Time) bool {
	expected := s.Sign(id, walletID, userID, amount, txType, standID, idempotencyKey, createdAt)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// IdempotencyKey derives a stable replay key for an intent. The same intent
// replayed within one process produces distinct keys via the monotonic
// counter; the same key always identifies the same submission.
func IdempotencyKey(deviceID, walletID string, amount uint64, txType string, createdAtMs int64, counter uint64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%d|%d", deviceID, walletID, amount, txType, createdAtMs, counter)
	return hex.EncodeToString(h.Sum(nil))
}
