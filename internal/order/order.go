// Package order defines the cross-chain swap order model the resolver
// executes against, along with an in-memory registry of orders in flight.
package order

import (
	"errors"
	"math/big"
	"time"
)

// Order errors
var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderAlreadyMatched = errors.New("order already matched")
	ErrOrderTerminal       = errors.New("order in terminal status")
)

// Status represents the lifecycle status of a swap order.
type Status string

const (
	StatusCreated   Status = "created"   // announced on the source chain, unmatched
	StatusMatched   Status = "matched"   // a resolver has committed to execute
	StatusCompleted Status = "completed" // settled on both legs
	StatusCancelled Status = "cancelled" // maker withdrew or resolver refunded
	StatusExpired   Status = "expired"   // passed expiry without settlement
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// SwapOrder is a maker's intent to swap source-chain funds for
// destination-chain funds, as announced by the escrow factory.
type SwapOrder struct {
	// OrderHash is the factory's identifier for this order.
	OrderHash [32]byte

	// Maker is the source-chain address that locked the funds.
	Maker string

	// Source leg (where the maker locked)
	SourceChain  string
	SourceAmount *big.Int

	// Destination leg (what the maker wants)
	DestChain     string
	DestAmount    *big.Int
	DestRecipient string

	// Hashlock committing to the maker's secret.
	Hashlock [32]byte

	// ExecutionParams is the opaque destination-chain parameter blob; the
	// destchain codec for DestChain's family decodes it.
	ExecutionParams []byte

	// Economics
	ResolverFee   *big.Int // paid to the resolver on completion
	SafetyDeposit *big.Int // resolver stake slashed on abandonment

	// Timing
	CreatedAt time.Time
	Expiry    time.Time

	// Mutable state
	Status   Status
	Resolver string // matched resolver address, empty while created

	// Source-chain references
	CreatedBlock uint64
	CreatedTx    string
}

// ExpiresWithin reports whether the order expires within d of now.
func (o *SwapOrder) ExpiresWithin(d time.Duration) bool {
	return time.Until(o.Expiry) <= d
}

// Clone returns a deep copy safe to hand across goroutines.
func (o *SwapOrder) Clone() *SwapOrder {
	dup := *o
	if o.SourceAmount != nil {
		dup.SourceAmount = new(big.Int).Set(o.SourceAmount)
	}
	if o.DestAmount != nil {
		dup.DestAmount = new(big.Int).Set(o.DestAmount)
	}
	if o.ResolverFee != nil {
		dup.ResolverFee = new(big.Int).Set(o.ResolverFee)
	}
	if o.SafetyDeposit != nil {
		dup.SafetyDeposit = new(big.Int).Set(o.SafetyDeposit)
	}
	if o.ExecutionParams != nil {
		dup.ExecutionParams = append([]byte(nil), o.ExecutionParams...)
	}
	return &dup
}
