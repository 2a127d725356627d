// Package utxo provides coin selection and fee estimation for funding escrow
// outputs on UTXO chains.
package utxo

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/crossmesh/fusion-resolver/internal/backend"
	"github.com/crossmesh/fusion-resolver/internal/htlc"
)

// Selection errors
var (
	ErrNoUTXOs = errors.New("no UTXOs available")
)

// Linear vsize model used for fee estimation: a fixed transaction overhead
// plus a cost per input and per output.
const (
	TxOverheadVBytes = 10
	InputVBytes      = 68
	OutputVBytes     = 31
)

// InsufficientFundsError reports a selection that could not reach its target,
// carrying the shortfall so callers can decide whether to top up or skip the
// order.
type InsufficientFundsError struct {
	Target    uint64 // amount requested, fees included
	Available uint64 // spendable total after filtering
	Shortfall uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %d, have %d (short %d)", e.Target, e.Available, e.Shortfall)
}

// Selection is the result of a coin selection round.
type Selection struct {
	UTXOs []backend.UTXO
	Total uint64 // sum of selected inputs
	Fee   uint64 // estimated fee at the requested rate
}

// Selector picks UTXOs for escrow funding and tracks in-flight reservations
// so two concurrent executions never build transactions around the same
// output.
type Selector struct {
	mu       sync.Mutex
	reserved map[string]struct{}

	// Outputs with fewer confirmations are not spendable.
	minConfirmations int64
}

// NewSelector creates a selector requiring the given confirmation depth.
func NewSelector(minConfirmations int64) *Selector {
	return &Selector{
		reserved:         make(map[string]struct{}),
		minConfirmations: minConfirmations,
	}
}

func outpointKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// Select picks UTXOs covering target plus fees at feeRate, largest first.
// Reserved and under-confirmed outputs are skipped. The fee estimate covers
// the escrow lock output; a change output is only priced in when the leftover
// would clear the dust threshold.
func (s *Selector) Select(available []backend.UTXO, target, feeRate uint64) (*Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(available, target, feeRate)
}

func (s *Selector) selectLocked(available []backend.UTXO, target, feeRate uint64) (*Selection, error) {
	candidates := make([]backend.UTXO, 0, len(available))
	for _, u := range available {
		if _, taken := s.reserved[outpointKey(u.TxID, u.Vout)]; taken {
			continue
		}
		if u.Confirmations < s.minConfirmations {
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		return nil, ErrNoUTXOs
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Amount > candidates[j].Amount
	})

	baseFee := uint64(TxOverheadVBytes+OutputVBytes) * feeRate

	var selected []backend.UTXO
	var total uint64
	for _, u := range candidates {
		selected = append(selected, u)
		total += u.Amount

		fee := baseFee + uint64(len(selected)*InputVBytes)*feeRate
		if total < target+fee {
			continue
		}
		// The leftover either funds a change output, paying for its own
		// vbytes, or is small enough that burning it as fee beats creating
		// dust.
		withChange := fee + OutputVBytes*feeRate
		if total >= target+withChange && total-target-withChange > htlc.DustThreshold {
			fee = withChange
		} else {
			fee = total - target
		}
		return &Selection{UTXOs: selected, Total: total, Fee: fee}, nil
	}

	fee := baseFee + uint64(len(selected)*InputVBytes)*feeRate
	need := target + fee
	return nil, &InsufficientFundsError{
		Target:    need,
		Available: total,
		Shortfall: need - total,
	}
}

// SelectAndReserve selects and reserves in one critical section, so
// concurrent executions racing for the same wallet never pick overlapping
// outputs.
func (s *Selector) SelectAndReserve(available []backend.UTXO, target, feeRate uint64) (*Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sel, err := s.selectLocked(available, target, feeRate)
	if err != nil {
		return nil, err
	}
	for _, u := range sel.UTXOs {
		s.reserved[outpointKey(u.TxID, u.Vout)] = struct{}{}
	}
	return sel, nil
}

// Reserve marks the selection's outputs as in use. Call after a successful
// Select, before handing the inputs to a transaction builder.
func (s *Selector) Reserve(sel *Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range sel.UTXOs {
		s.reserved[outpointKey(u.TxID, u.Vout)] = struct{}{}
	}
}

// Release frees the selection's outputs, used when an execution aborts before
// broadcasting. Spent outputs need no release; they simply stop appearing in
// the available set.
func (s *Selector) Release(sel *Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range sel.UTXOs {
		delete(s.reserved, outpointKey(u.TxID, u.Vout))
	}
}

// Reserved returns the number of currently reserved outputs.
func (s *Selector) Reserved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reserved)
}
