// Package escrow models the two holding legs of a swap as one record type
// with a per-chain-family capability set, instead of parallel account-based
// and UTXO lifecycles.
package escrow

import (
	"errors"
	"math/big"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/chain"
	"github.com/crossmesh/fusion-resolver/internal/htlc"
)

// Escrow errors
var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrEscrowTerminal = errors.New("escrow in terminal state")
	ErrNoSecret       = errors.New("escrow has no recorded secret")
)

// Side distinguishes the two legs of a swap.
type Side string

const (
	SideSource      Side = "source"      // maker's funds, claimed by the resolver
	SideDestination Side = "destination" // resolver's funds, claimed by the maker
)

// State is the escrow lifecycle. Initialized is the only non-terminal state;
// Withdrawn and Cancelled admit no further transitions.
type State string

const (
	StateInitialized State = "initialized"
	StateWithdrawn   State = "withdrawn"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateWithdrawn || s == StateCancelled
}

// Capabilities describes what an escrow on a given chain family can do.
// Every supported family releases on secret and refunds after timelock; the
// public stages only exist where the contract enforces them on-chain.
type Capabilities struct {
	ClaimWithSecret     bool
	RefundAfterTimelock bool
	PublicStages        bool // anyone may withdraw/cancel in the public windows
}

// CapabilitiesFor returns the capability set for a chain family.
func CapabilitiesFor(f chain.Family) Capabilities {
	switch f {
	case chain.FamilyUTXO:
		// Script paths are spender-keyed, so there are no public stages.
		return Capabilities{ClaimWithSecret: true, RefundAfterTimelock: true}
	case chain.FamilyEVM, chain.FamilyNear, chain.FamilyCosmos:
		return Capabilities{ClaimWithSecret: true, RefundAfterTimelock: true, PublicStages: true}
	}
	return Capabilities{}
}

// Record is one escrow leg. A swap attempt has exactly one source and one
// destination record sharing a hashlock.
type Record struct {
	OrderHash [32]byte
	Side      Side
	Hashlock  [32]byte

	Chain   string // registry symbol of the chain holding the funds
	Network chain.Network
	Maker   string
	Taker   string
	Asset   string
	Amount  *big.Int

	SafetyDeposit *big.Int
	Timelocks     htlc.TimelockSchedule

	// Address is the escrow address (P2WSH address for UTXO legs, contract
	// or account reference otherwise).
	Address string

	State     State
	CreatedAt time.Time

	// Transaction references as the leg progresses.
	LockTx   string
	ClaimTx  string
	RefundTx string

	// Secret is the revealed preimage, persisted so a restarted resolver
	// can resume the source claim. Nil until reveal.
	Secret *[32]byte
}

// Capabilities returns the record's chain-family capability set.
func (r *Record) Capabilities() Capabilities {
	params, ok := chain.Get(r.Chain, r.Network)
	if !ok {
		return Capabilities{}
	}
	return CapabilitiesFor(params.Family)
}

// Withdraw marks the escrow claimed via the secret path.
func (r *Record) Withdraw(claimTx string) error {
	if r.State.Terminal() {
		return ErrEscrowTerminal
	}
	r.State = StateWithdrawn
	r.ClaimTx = claimTx
	return nil
}

// Cancel marks the escrow refunded via the timelock path.
func (r *Record) Cancel(refundTx string) error {
	if r.State.Terminal() {
		return ErrEscrowTerminal
	}
	r.State = StateCancelled
	r.RefundTx = refundTx
	return nil
}

// SetSecret records the revealed preimage.
func (r *Record) SetSecret(secret [32]byte) {
	s := secret
	r.Secret = &s
}

// RevealedSecret returns the persisted preimage, or ErrNoSecret.
func (r *Record) RevealedSecret() ([32]byte, error) {
	if r.Secret == nil {
		return [32]byte{}, ErrNoSecret
	}
	return *r.Secret, nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *Record) Clone() *Record {
	dup := *r
	if r.Amount != nil {
		dup.Amount = new(big.Int).Set(r.Amount)
	}
	if r.SafetyDeposit != nil {
		dup.SafetyDeposit = new(big.Int).Set(r.SafetyDeposit)
	}
	if r.Secret != nil {
		s := *r.Secret
		dup.Secret = &s
	}
	return &dup
}
