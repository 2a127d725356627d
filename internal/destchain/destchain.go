// Package destchain abstracts the destination leg of a swap behind one
// adapter interface per chain family. The UTXO adapter is implemented here;
// account and contract families plug in as external collaborators through
// the same interface and their registered parameter codec.
package destchain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/crossmesh/fusion-resolver/internal/chain"
)

// Adapter errors
var (
	ErrNoAdapter      = errors.New("no adapter for chain family")
	ErrNoCodec        = errors.New("no parameter codec for chain family")
	ErrAlreadyClaimed = errors.New("escrow already claimed with the secret")
	ErrNotFunded      = errors.New("escrow not funded")
)

// Lock identifies a funded escrow on a destination chain with everything an
// adapter needs to spend or refund it later. It is persisted with the
// execution record so a restarted resolver can resume.
type Lock struct {
	Chain   string        `json:"chain"`
	Network chain.Network `json:"network"`

	// Escrow address (P2WSH for UTXO chains, contract/account otherwise).
	Address string `json:"address"`

	// ScriptHex is the witness script for UTXO locks; empty elsewhere.
	ScriptHex string `json:"script_hex,omitempty"`

	// Funding reference.
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value uint64 `json:"value"`

	TimelockHeight uint32   `json:"timelock_height,omitempty"`
	Hashlock       [32]byte `json:"hashlock"`
}

// FundRequest asks an adapter to lock funds on the destination chain under
// the order's hashlock.
type FundRequest struct {
	Chain   string
	Network chain.Network

	Hashlock [32]byte
	Amount   uint64

	// Params is the order's opaque execution parameter blob; the family's
	// codec decodes it.
	Params []byte
}

// Adapter drives one chain family's escrow mechanics. Implementations must
// be safe for concurrent use.
type Adapter interface {
	Family() chain.Family

	// FundDestination locks Amount under the hashlock and returns the lock
	// once the funding transaction is accepted.
	FundDestination(ctx context.Context, req *FundRequest) (*Lock, error)

	// WaitConfirmed blocks until the lock reaches the chain's minimum
	// confirmation depth.
	WaitConfirmed(ctx context.Context, lock *Lock) error

	// SecretFromClaim reports whether the lock has been claimed and, if so,
	// the revealed preimage. A refund spend reports found=false.
	SecretFromClaim(ctx context.Context, lock *Lock) (secret [32]byte, found bool, err error)

	// ClaimWithSecret spends the lock through the secret branch, paying
	// destAddress. An empty destAddress pays the resolver's own wallet.
	ClaimWithSecret(ctx context.Context, lock *Lock, secret [32]byte, destAddress string) (string, error)

	// Refundable reports whether the timelock branch is spendable yet.
	Refundable(ctx context.Context, lock *Lock) (bool, error)

	// Refund spends the lock through the timelock branch. Returns
	// ErrAlreadyClaimed when the secret branch won the race.
	Refund(ctx context.Context, lock *Lock, destAddress string) (string, error)
}

// Registry routes chains to their family's adapter and codec.
type Registry struct {
	mu       sync.RWMutex
	adapters map[chain.Family]Adapter
	codecs   map[chain.Family]ParamCodec
}

// NewRegistry creates a registry with the default parameter codecs and no
// adapters.
func NewRegistry() *Registry {
	r := &Registry{
		adapters: make(map[chain.Family]Adapter),
		codecs:   make(map[chain.Family]ParamCodec),
	}
	for _, c := range defaultCodecs() {
		r.codecs[c.Family()] = c
	}
	return r
}

// RegisterAdapter installs an adapter for its family.
func (r *Registry) RegisterAdapter(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Family()] = a
}

// RegisterCodec installs or replaces a family's parameter codec.
func (r *Registry) RegisterCodec(c ParamCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Family()] = c
}

// AdapterFor resolves the adapter for a chain symbol.
func (r *Registry) AdapterFor(symbol string, network chain.Network) (Adapter, error) {
	params, ok := chain.Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("unknown chain %s", symbol)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[params.Family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, params.Family)
	}
	return a, nil
}

// CodecFor resolves the parameter codec for a chain symbol.
func (r *Registry) CodecFor(symbol string, network chain.Network) (ParamCodec, error) {
	params, ok := chain.Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("unknown chain %s", symbol)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[params.Family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCodec, params.Family)
	}
	return c, nil
}
