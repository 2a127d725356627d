package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/ratelimit"

	"github.com/crossmesh/fusion-resolver/internal/destchain"
	"github.com/crossmesh/fusion-resolver/internal/escrow"
	"github.com/crossmesh/fusion-resolver/internal/htlc"
	"github.com/crossmesh/fusion-resolver/internal/order"
	"github.com/crossmesh/fusion-resolver/internal/storage"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
)

// RefundConfig holds refund manager tuning.
type RefundConfig struct {
	// ScanInterval is how often funded-but-unclaimed locks are re-checked.
	ScanInterval time.Duration

	// BroadcastsPerMinute paces refund broadcasts so a backlog does not
	// spike fees or hammer the RPC backend.
	BroadcastsPerMinute int
}

// DefaultRefundConfig returns the standard tuning.
func DefaultRefundConfig() *RefundConfig {
	return &RefundConfig{ScanInterval: time.Minute, BroadcastsPerMinute: 12}
}

// RefundCandidate pairs a destination escrow leg with its on-chain lock.
type RefundCandidate struct {
	Record *escrow.Record
	Lock   *destchain.Lock
}

// RefundManager is the timelock safety net: it sweeps funded destination
// locks whose secret never appeared and refunds them once their timelock
// opens. Broadcasts are rate limited and ordered soonest-expiry-first so the
// most endangered locks drain first.
type RefundManager struct {
	dest    *destchain.Registry
	store   *storage.Storage
	cfg     *RefundConfig
	limiter ratelimit.Limiter
	log     *logging.Logger
}

// NewRefundManager wires a refund manager.
func NewRefundManager(dest *destchain.Registry, store *storage.Storage,
	cfg *RefundConfig, log *logging.Logger) *RefundManager {
	if cfg == nil {
		cfg = DefaultRefundConfig()
	}
	if cfg.BroadcastsPerMinute < 1 {
		cfg.BroadcastsPerMinute = 1
	}
	return &RefundManager{
		dest:    dest,
		store:   store,
		cfg:     cfg,
		limiter: ratelimit.New(cfg.BroadcastsPerMinute, ratelimit.Per(time.Minute)),
		log:     log.Component("refund"),
	}
}

// CanRefund reports whether the lock's timelock branch is spendable now.
func (m *RefundManager) CanRefund(ctx context.Context, lock *destchain.Lock) (bool, error) {
	adapter, err := m.dest.AdapterFor(lock.Chain, lock.Network)
	if err != nil {
		return false, err
	}
	return adapter.Refundable(ctx, lock)
}

// RefundExpired refunds one lock through the timelock branch and updates the
// escrow record. Losing the race to the secret branch surfaces as
// destchain.ErrAlreadyClaimed so callers can tell it apart from a failure.
func (m *RefundManager) RefundExpired(ctx context.Context, cand *RefundCandidate, destAddress string) (string, error) {
	adapter, err := m.dest.AdapterFor(cand.Lock.Chain, cand.Lock.Network)
	if err != nil {
		return "", err
	}

	txid, err := adapter.Refund(ctx, cand.Lock, destAddress)
	if errors.Is(err, destchain.ErrAlreadyClaimed) {
		m.log.Info("refund lost race to claim", "order", order.HashString(cand.Record.OrderHash))
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("refund broadcast failed: %w", err)
	}

	if cancelErr := cand.Record.Cancel(txid); cancelErr == nil {
		if saveErr := m.store.SaveEscrow(cand.Record); saveErr != nil {
			m.log.Warn("failed to persist refunded escrow",
				"order", order.HashString(cand.Record.OrderHash), "error", saveErr)
		}
	}
	m.log.Info("destination lock refunded",
		"order", order.HashString(cand.Record.OrderHash), "txid", txid)
	return txid, nil
}

// MonitorAndRefund sweeps the candidates once, refunding every lock whose
// window is open. Returns the number of refunds actually broadcast; locks
// lost to the secret branch are logged but not counted.
func (m *RefundManager) MonitorAndRefund(ctx context.Context, candidates []*RefundCandidate) int {
	// Soonest expiry first so a backlog drains in deadline order.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Record.Timelocks.Stage(htlc.StageDstCancellation).
			Before(candidates[j].Record.Timelocks.Stage(htlc.StageDstCancellation))
	})

	refunded := 0
	claimed := 0
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return refunded
		}
		hash := order.HashString(cand.Record.OrderHash)

		ok, err := m.CanRefund(ctx, cand.Lock)
		if err != nil {
			m.log.Warn("refund eligibility check failed", "order", hash, "error", err)
			continue
		}
		if !ok {
			m.log.Debug("lock not yet refundable", "order", hash)
			continue
		}

		m.limiter.Take()
		_, err = m.RefundExpired(ctx, cand, "")
		switch {
		case errors.Is(err, destchain.ErrAlreadyClaimed):
			claimed++
		case err != nil:
			m.log.Error("refund failed", "order", hash, "error", err)
		default:
			refunded++
		}
	}
	if claimed > 0 {
		m.log.Info("locks claimed before their refund", "count", claimed)
	}
	return refunded
}

// Run sweeps on an interval until the context ends.
func (m *RefundManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	m.log.Info("refund manager started", "interval", m.cfg.ScanInterval)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("refund manager stopped")
			return
		case <-ticker.C:
		}

		cands, err := m.PendingCandidates()
		if err != nil {
			m.log.Warn("failed to collect refund candidates", "error", err)
			continue
		}
		if len(cands) > 0 {
			m.MonitorAndRefund(ctx, cands)
		}
	}
}

// PendingCandidates collects funded-but-unclaimed destination locks from
// persisted executions.
func (m *RefundManager) PendingCandidates() ([]*RefundCandidate, error) {
	execs, err := m.store.LoadActiveExecutions(TerminalStates()...)
	if err != nil {
		return nil, err
	}

	var out []*RefundCandidate
	for _, ex := range execs {
		if ex.DestLock == nil {
			continue
		}
		switch ExecState(ex.State) {
		case StateDestinationFunded, StateRefundPending:
		default:
			continue
		}
		rec, err := m.store.GetEscrow(ex.OrderHash, escrow.SideDestination)
		if err != nil {
			m.log.Warn("execution has a lock but no escrow record",
				"order", order.HashString(ex.OrderHash), "error", err)
			continue
		}
		if rec.State.Terminal() {
			continue
		}
		out = append(out, &RefundCandidate{Record: rec, Lock: ex.DestLock})
	}
	return out, nil
}
