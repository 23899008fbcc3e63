// Package syncq implements the durable, priority-ordered sync queue: error
// classification, retry policy, and the dispatcher.
package syncq

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/festipay/festipay/internal/api"
)

// Category classifies a dispatch outcome for retry decisions.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryServer5xx  Category = "server_5xx"
	CategoryClient4xx  Category = "client_4xx"
	CategoryAuth       Category = "auth"
	CategoryRateLimit  Category = "rate_limit"
	CategoryConflict   Category = "conflict"
	CategoryValidation Category = "validation"
	CategoryUnknown    Category = "unknown"
)

// Classification is the pure mapping result for one dispatch error.
type Classification struct {
	Category  Category
	Retryable bool
	// RetryAfter overrides the computed backoff when the server asked for
	// a specific delay (429 Retry-After).
	RetryAfter time.Duration
}

// Classify maps a transport or server error to a category.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Retryable: false}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Classification{Category: CategoryTimeout, Retryable: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{Category: CategoryTimeout, Retryable: true}
		}
		return Classification{Category: CategoryNetwork, Retryable: true}
	}

	if apiErr, ok := api.AsError(err); ok {
		return classifyStatus(apiErr)
	}

	// Unknown errors are retried up to the conservative default cap.
	return Classification{Category: CategoryUnknown, Retryable: true}
}

func classifyStatus(apiErr *api.Error) Classification {
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized:
		return Classification{Category: CategoryAuth, Retryable: false}
	case apiErr.StatusCode == http.StatusPaymentRequired:
		// Server-authoritative monetary rejection, delegated to the
		// conflict resolver.
		return Classification{Category: CategoryConflict, Retryable: false}
	case apiErr.StatusCode == http.StatusConflict:
		return Classification{Category: CategoryConflict, Retryable: false}
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return Classification{Category: CategoryRateLimit, Retryable: true, RetryAfter: apiErr.RetryAfter}
	case apiErr.StatusCode == http.StatusBadRequest:
		return Classification{Category: CategoryValidation, Retryable: false}
	case apiErr.StatusCode == http.StatusRequestTimeout:
		return Classification{Category: CategoryTimeout, Retryable: true}
	case apiErr.StatusCode >= 500:
		return Classification{Category: CategoryServer5xx, Retryable: true}
	case apiErr.StatusCode >= 400:
		return Classification{Category: CategoryClient4xx, Retryable: false}
	default:
		return Classification{Category: CategoryUnknown, Retryable: true}
	}
}

// Policy is a retry schedule: exponential backoff with full jitter,
// delay = min(cap, base * 2^attempt) * rand(0.5, 1.5).
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// DefaultPolicy is the general-purpose schedule.
func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Cap: 60 * time.Second, MaxRetries: 5}
}

// CriticalPolicy is the schedule for monetary operations.
func CriticalPolicy() Policy {
	return Policy{Base: 500 * time.Millisecond, Cap: 300 * time.Second, MaxRetries: 10}
}

// ConservativePolicy is the schedule for catalogue refreshes.
func ConservativePolicy() Policy {
	return Policy{Base: 5 * time.Second, Cap: 600 * time.Second, MaxRetries: 3}
}

// Delay computes the wait before the given attempt (0-based). A positive
// retryAfter from the server takes precedence over the computed backoff.
func (p Policy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}

	backoff := p.Base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.Cap {
			backoff = p.Cap
			break
		}
	}
	if backoff > p.Cap {
		backoff = p.Cap
	}

	// Full jitter over [0.5, 1.5) of the computed backoff
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(backoff) * jitter)
}

// PolicyFor selects the retry schedule for an entity type.
func PolicyFor(entityType string) Policy {
	switch entityType {
	case EntityPendingTransaction:
		return CriticalPolicy()
	case EntityCatalog:
		return ConservativePolicy()
	default:
		return DefaultPolicy()
	}
}
