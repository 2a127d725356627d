package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerBackend wraps a Backend in a circuit breaker. When an explorer
// starts failing, the breaker opens and calls return immediately instead of
// burning the HTTP timeout on every settlement step.
type BreakerBackend struct {
	inner Backend
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps a backend in a circuit breaker named after the chain it
// serves.
func WithBreaker(inner Backend, name string) *BreakerBackend {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Semantic outcomes are answers, not explorer failures.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrTxNotFound) ||
				errors.Is(err, ErrAddressNotFound) ||
				errors.Is(err, ErrAlreadySpent)
		},
	})
	return &BreakerBackend{inner: inner, cb: cb}
}

func do[T any](b *BreakerBackend, fn func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

func (b *BreakerBackend) Type() Type { return b.inner.Type() }

func (b *BreakerBackend) Connect(ctx context.Context) error { return b.inner.Connect(ctx) }

func (b *BreakerBackend) Close() error { return b.inner.Close() }

func (b *BreakerBackend) IsConnected() bool { return b.inner.IsConnected() }

func (b *BreakerBackend) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	return do(b, func() (*AddressInfo, error) { return b.inner.GetAddressInfo(ctx, address) })
}

func (b *BreakerBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	return do(b, func() ([]UTXO, error) { return b.inner.GetAddressUTXOs(ctx, address) })
}

func (b *BreakerBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error) {
	return do(b, func() ([]Transaction, error) { return b.inner.GetAddressTxs(ctx, address, lastSeenTxID) })
}

func (b *BreakerBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	return do(b, func() (*Transaction, error) { return b.inner.GetTransaction(ctx, txID) })
}

func (b *BreakerBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	return do(b, func() ([]byte, error) { return b.inner.GetRawTransaction(ctx, txID) })
}

func (b *BreakerBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	return do(b, func() (string, error) { return b.inner.BroadcastTransaction(ctx, rawTxHex) })
}

func (b *BreakerBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	return do(b, func() (int64, error) { return b.inner.GetBlockHeight(ctx) })
}

func (b *BreakerBackend) GetBlockHeader(ctx context.Context, hashOrHeight string) (*BlockHeader, error) {
	return do(b, func() (*BlockHeader, error) { return b.inner.GetBlockHeader(ctx, hashOrHeight) })
}

func (b *BreakerBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	return do(b, func() (*FeeEstimate, error) { return b.inner.GetFeeEstimates(ctx) })
}

// State exposes the breaker state for health reporting.
func (b *BreakerBackend) State() gobreaker.State {
	return b.cb.State()
}

// Ensure BreakerBackend implements Backend
var _ Backend = (*BreakerBackend)(nil)
