// Package engine drives matched orders through atomic settlement: a priority
// scheduler feeding a per-order state machine, and a refund manager covering
// the timelock safety net.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/crossmesh/fusion-resolver/internal/chain"
	"github.com/crossmesh/fusion-resolver/internal/destchain"
	"github.com/crossmesh/fusion-resolver/internal/escrow"
	"github.com/crossmesh/fusion-resolver/internal/htlc"
	"github.com/crossmesh/fusion-resolver/internal/order"
	"github.com/crossmesh/fusion-resolver/internal/profit"
	"github.com/crossmesh/fusion-resolver/internal/storage"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
)

// Engine errors
var (
	ErrNotAuthorized = errors.New("resolver not authorized by the factory")
	ErrSecretTimeout = errors.New("secret not revealed before the cancellation window")
)

// ExecState is one step of the settlement state machine.
type ExecState string

const (
	StateAnalyzed          ExecState = "analyzed"
	StateSourceLocked      ExecState = "source_locked"
	StateDestinationFunded ExecState = "destination_funded"
	StateSecretRevealed    ExecState = "secret_revealed"
	StateSourceClaimed     ExecState = "source_claimed"
	StateSettled           ExecState = "settled"
	StateRefundPending     ExecState = "refund_pending"
	StateRefunded          ExecState = "refunded"
	StateFailed            ExecState = "failed"
)

// Terminal reports whether the state ends the execution.
func (s ExecState) Terminal() bool {
	return s == StateSettled || s == StateRefunded || s == StateFailed
}

// TerminalStates lists the terminal states as strings for storage queries.
func TerminalStates() []string {
	return []string{string(StateSettled), string(StateRefunded), string(StateFailed)}
}

// Result is the outcome of one execution attempt.
type Result struct {
	ExecutionID string
	OrderHash   [32]byte
	State       ExecState

	// RealizedProfit is the assessed profit in source-chain base units; nil
	// when the execution did not settle.
	RealizedProfit *big.Int

	Duration time.Duration

	// TxRefs lists every transaction broadcast per chain symbol.
	TxRefs map[string][]string

	Err error
}

// SourceChain is the slice of the factory client the executor drives.
type SourceChain interface {
	ResolverAddress() common.Address
	IsAuthorizedResolver(ctx context.Context, resolver common.Address) (bool, error)
	MatchOrder(ctx context.Context, orderHash [32]byte, deposit *big.Int) (*types.Transaction, error)
	CompleteOrder(ctx context.Context, orderHash [32]byte, secret [32]byte) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Notifier receives execution lifecycle notifications for operators. All
// methods must be non-blocking.
type Notifier interface {
	NotifyOrderUpdate(orderHash [32]byte, status order.Status)
	NotifyExecutionComplete(res *Result)
	NotifyExecutionFailed(orderHash [32]byte, state ExecState, reason string)
}

// ExecutorConfig holds executor tuning.
type ExecutorConfig struct {
	// SecretPollInterval is how often the destination lock is checked for a
	// claim spend revealing the secret.
	SecretPollInterval time.Duration

	// RefundPollInterval is how often a pending refund re-checks the
	// timelock.
	RefundPollInterval time.Duration
}

// DefaultExecutorConfig returns the standard tuning.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		SecretPollInterval: 15 * time.Second,
		RefundPollInterval: 30 * time.Second,
	}
}

// Executor runs the settlement state machine for one order at a time per
// call. Safe for concurrent calls on distinct orders; the UTXO selector's
// reservations prevent input races between them.
type Executor struct {
	source   SourceChain
	dest     *destchain.Registry
	store    *storage.Storage
	ledger   *escrow.Ledger
	notifier Notifier
	network  chain.Network
	cfg      *ExecutorConfig
	log      *logging.Logger
}

// NewExecutor wires an executor. notifier may be nil.
func NewExecutor(source SourceChain, dest *destchain.Registry, store *storage.Storage,
	ledger *escrow.Ledger, notifier Notifier, network chain.Network,
	cfg *ExecutorConfig, log *logging.Logger) *Executor {
	if cfg == nil {
		cfg = DefaultExecutorConfig()
	}
	return &Executor{
		source:   source,
		dest:     dest,
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		network:  network,
		cfg:      cfg,
		log:      log.Component("executor"),
	}
}

// ExecuteAtomicSwap drives an order to a terminal state. A previous partial
// attempt for the same order is resumed from its persisted state rather than
// restarted, so no step that moved funds runs twice. assessment may be nil
// when resuming.
func (e *Executor) ExecuteAtomicSwap(ctx context.Context, o *order.SwapOrder, assessment *profit.Assessment) (*Result, error) {
	exec, err := e.store.ActiveExecutionForOrder(o.OrderHash, TerminalStates()...)
	switch {
	case errors.Is(err, storage.ErrExecutionNotFound):
		exec = &storage.Execution{
			ID:        uuid.NewString(),
			OrderHash: o.OrderHash,
			State:     string(StateAnalyzed),
			StartedAt: time.Now(),
		}
		if err := e.store.SaveExecution(exec); err != nil {
			return nil, fmt.Errorf("failed to persist execution: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		e.log.Info("resuming execution", "order", order.HashString(o.OrderHash),
			"execution", exec.ID, "state", exec.State)
	}

	hash := order.HashString(o.OrderHash)
	for !ExecState(exec.State).Terminal() {
		if ctx.Err() != nil {
			return e.result(exec, ctx.Err()), ctx.Err()
		}

		var stepErr error
		switch ExecState(exec.State) {
		case StateAnalyzed:
			stepErr = e.matchOrder(ctx, exec, o, assessment)
		case StateSourceLocked:
			stepErr = e.fundDestination(ctx, exec, o)
		case StateDestinationFunded:
			stepErr = e.awaitSecret(ctx, exec, o)
		case StateSecretRevealed:
			stepErr = e.claimSource(ctx, exec, o)
		case StateSourceClaimed:
			exec.RealizedProfit = profitOf(assessment)
			now := time.Now()
			exec.CompletedAt = &now
			stepErr = e.transition(exec, StateSettled)
		case StateRefundPending:
			stepErr = e.refundDestination(ctx, exec, o)
		default:
			stepErr = fmt.Errorf("unknown execution state %q", exec.State)
		}

		if stepErr != nil {
			return e.fail(ctx, exec, o, stepErr)
		}
	}

	res := e.result(exec, nil)
	e.log.Info("execution finished", "order", hash, "state", exec.State,
		"duration", res.Duration.Round(time.Second))
	if e.notifier != nil {
		if res.State == StateSettled {
			e.notifier.NotifyExecutionComplete(res)
		} else {
			e.notifier.NotifyExecutionFailed(o.OrderHash, res.State, exec.FailureReason)
		}
	}
	return res, nil
}

// ResumeActive re-launches executions a previous run left mid-swap. Each
// resumes from its persisted state, so no funding or claim step repeats.
// Returns the number of executions resumed.
func (e *Executor) ResumeActive(ctx context.Context) (int, error) {
	execs, err := e.store.LoadActiveExecutions(TerminalStates()...)
	if err != nil {
		return 0, fmt.Errorf("failed to load executions: %w", err)
	}

	resumed := 0
	for _, ex := range execs {
		o, err := e.store.GetOrder(ex.OrderHash)
		if err != nil {
			e.log.Warn("active execution has no stored order",
				"execution", ex.ID, "order", order.HashString(ex.OrderHash), "error", err)
			continue
		}
		resumed++
		go func(o *order.SwapOrder) {
			if _, err := e.ExecuteAtomicSwap(ctx, o, nil); err != nil {
				e.log.Error("resumed execution failed",
					"order", order.HashString(o.OrderHash), "error", err)
			}
		}(o)
	}
	if resumed > 0 {
		e.log.Info("resumed in-flight executions", "count", resumed)
	}
	return resumed, nil
}

// matchOrder commits the resolver on the source chain.
func (e *Executor) matchOrder(ctx context.Context, exec *storage.Execution, o *order.SwapOrder, a *profit.Assessment) error {
	resolver := e.source.ResolverAddress()
	ok, err := e.source.IsAuthorizedResolver(ctx, resolver)
	if err != nil {
		return fmt.Errorf("authorization check failed: %w", err)
	}
	if !ok {
		return ErrNotAuthorized
	}

	// The schedule must work before any funds move. Every stage window has
	// to span at least one block of the slowest chain in the pair.
	sched, err := htlc.DeriveTimelockSchedule(o.Expiry, time.Now())
	if err != nil {
		return fmt.Errorf("cannot schedule timelocks: %w", err)
	}
	if !sched.FitsChains([]string{o.SourceChain, o.DestChain}, e.network) {
		return fmt.Errorf("%w: stage windows too tight for %s/%s",
			htlc.ErrInvalidSchedule, o.SourceChain, o.DestChain)
	}

	deposit := o.SafetyDeposit
	if a != nil && a.SafetyDeposit != nil {
		deposit = a.SafetyDeposit
	}

	tx, err := e.source.MatchOrder(ctx, o.OrderHash, deposit)
	if err != nil {
		return fmt.Errorf("match failed: %w", err)
	}
	if _, err := e.source.WaitMined(ctx, tx); err != nil {
		return fmt.Errorf("match not mined: %w", err)
	}
	exec.AddTxRef(o.SourceChain, tx.Hash().Hex())
	rec := &escrow.Record{
		OrderHash:     o.OrderHash,
		Side:          escrow.SideSource,
		Hashlock:      o.Hashlock,
		Chain:         o.SourceChain,
		Network:       e.network,
		Maker:         o.Maker,
		Taker:         resolver.Hex(),
		Amount:        o.SourceAmount,
		SafetyDeposit: deposit,
		Timelocks:     *sched,
		State:         escrow.StateInitialized,
		CreatedAt:     time.Now(),
		LockTx:        tx.Hash().Hex(),
	}
	e.ledger.Put(rec)
	if err := e.store.SaveEscrow(rec); err != nil {
		return fmt.Errorf("failed to persist source escrow: %w", err)
	}

	e.markOrder(o, order.StatusMatched, resolver.Hex())
	return e.transition(exec, StateSourceLocked)
}

// fundDestination locks the destination leg under the shared hashlock and
// waits for the chain's confirmation depth.
func (e *Executor) fundDestination(ctx context.Context, exec *storage.Execution, o *order.SwapOrder) error {
	adapter, err := e.dest.AdapterFor(o.DestChain, e.network)
	if err != nil {
		return err
	}

	lock := exec.DestLock
	if lock == nil {
		if o.DestAmount == nil || !o.DestAmount.IsUint64() {
			return fmt.Errorf("destination amount out of range")
		}
		lock, err = adapter.FundDestination(ctx, &destchain.FundRequest{
			Chain:    o.DestChain,
			Network:  e.network,
			Hashlock: o.Hashlock,
			Amount:   o.DestAmount.Uint64(),
			Params:   o.ExecutionParams,
		})
		if err != nil {
			return fmt.Errorf("destination funding failed: %w", err)
		}
		exec.DestLock = lock
		exec.AddTxRef(o.DestChain, lock.TxID)
		if err := e.store.SaveExecution(exec); err != nil {
			return fmt.Errorf("failed to persist destination lock: %w", err)
		}

		srcRec, recErr := e.sourceRecord(o.OrderHash)
		if recErr != nil {
			return recErr
		}
		rec := &escrow.Record{
			OrderHash: o.OrderHash,
			Side:      escrow.SideDestination,
			Hashlock:  o.Hashlock,
			Chain:     o.DestChain,
			Network:   e.network,
			Maker:     e.source.ResolverAddress().Hex(),
			Taker:     o.DestRecipient,
			Amount:    o.DestAmount,
			Timelocks: srcRec.Timelocks,
			Address:   lock.Address,
			State:     escrow.StateInitialized,
			CreatedAt: time.Now(),
			LockTx:    lock.TxID,
		}
		e.ledger.Put(rec)
		if err := e.store.SaveEscrow(rec); err != nil {
			return fmt.Errorf("failed to persist destination escrow: %w", err)
		}
	}

	if err := adapter.WaitConfirmed(ctx, lock); err != nil {
		return fmt.Errorf("destination confirmation failed: %w", err)
	}
	return e.transition(exec, StateDestinationFunded)
}

// awaitSecret polls the destination lock for the claim spend that reveals
// the maker's preimage. The destination cancellation stage is the deadline;
// past it the execution moves to the refund branch instead of failing.
func (e *Executor) awaitSecret(ctx context.Context, exec *storage.Execution, o *order.SwapOrder) error {
	adapter, err := e.dest.AdapterFor(o.DestChain, e.network)
	if err != nil {
		return err
	}
	rec, err := e.destRecord(o.OrderHash)
	if err != nil {
		return err
	}
	deadline := rec.Timelocks.Stage(htlc.StageDstCancellation)

	ticker := time.NewTicker(e.cfg.SecretPollInterval)
	defer ticker.Stop()
	for {
		secret, found, err := adapter.SecretFromClaim(ctx, exec.DestLock)
		if err != nil {
			e.log.Warn("claim scan failed", "order", order.HashString(o.OrderHash), "error", err)
		}
		if found {
			if err := e.recordSecret(o.OrderHash, secret); err != nil {
				return err
			}
			return e.transition(exec, StateSecretRevealed)
		}

		if time.Now().After(deadline) {
			e.log.Warn("secret never revealed, refunding",
				"order", order.HashString(o.OrderHash), "deadline", deadline)
			return e.transition(exec, StateRefundPending)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// claimSource spends the source escrow with the now-public secret. The
// secret being public makes this the time-critical step, so the completion
// call retries with backoff until the source cancellation window opens.
func (e *Executor) claimSource(ctx context.Context, exec *storage.Execution, o *order.SwapOrder) error {
	srcRec, err := e.sourceRecord(o.OrderHash)
	if err != nil {
		return err
	}
	secret, err := srcRec.RevealedSecret()
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = time.Until(srcRec.Timelocks.Stage(htlc.StageSrcCancellation))
	if policy.MaxElapsedTime <= 0 {
		return fmt.Errorf("source claim window already closed")
	}

	var tx *types.Transaction
	claim := func() error {
		var err error
		tx, err = e.source.CompleteOrder(ctx, o.OrderHash, secret)
		if err != nil {
			e.log.Warn("source claim failed, retrying",
				"order", order.HashString(o.OrderHash), "error", err)
			return err
		}
		if _, err = e.source.WaitMined(ctx, tx); err != nil {
			e.log.Warn("source claim not mined, retrying",
				"order", order.HashString(o.OrderHash), "error", err)
		}
		return err
	}
	if err := backoff.Retry(claim, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("source claim exhausted retries: %w", err)
	}

	exec.AddTxRef(o.SourceChain, tx.Hash().Hex())
	e.updateRecord(o.OrderHash, escrow.SideSource, func(r *escrow.Record) error {
		return r.Withdraw(tx.Hash().Hex())
	})
	e.markOrder(o, order.StatusCompleted, "")
	return e.transition(exec, StateSourceClaimed)
}

// refundDestination reclaims a funded destination leg once its timelock
// opens. Losing the race to the secret branch is a recoverable outcome: the
// revealed secret lets the execution continue down the claim path.
func (e *Executor) refundDestination(ctx context.Context, exec *storage.Execution, o *order.SwapOrder) error {
	if exec.DestLock == nil {
		// Nothing funded, so nothing at risk.
		exec.FailureReason = "aborted before destination funding"
		return e.transition(exec, StateFailed)
	}
	adapter, err := e.dest.AdapterFor(o.DestChain, e.network)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(e.cfg.RefundPollInterval)
	defer ticker.Stop()
	for {
		ok, err := adapter.Refundable(ctx, exec.DestLock)
		if err != nil {
			e.log.Warn("refundable check failed", "order", order.HashString(o.OrderHash), "error", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	txid, err := adapter.Refund(ctx, exec.DestLock, "")
	if errors.Is(err, destchain.ErrAlreadyClaimed) {
		secret, found, scanErr := adapter.SecretFromClaim(ctx, exec.DestLock)
		if scanErr == nil && found {
			e.log.Info("refund lost to a late claim, secret recovered",
				"order", order.HashString(o.OrderHash))
			if err := e.recordSecret(o.OrderHash, secret); err != nil {
				return err
			}
			return e.transition(exec, StateSecretRevealed)
		}
		return fmt.Errorf("lock spent but secret unrecoverable: %w", err)
	}
	if err != nil {
		return fmt.Errorf("refund failed: %w", err)
	}

	exec.AddTxRef(o.DestChain, txid)
	e.updateRecord(o.OrderHash, escrow.SideDestination, func(r *escrow.Record) error {
		return r.Cancel(txid)
	})
	exec.FailureReason = "destination refunded after secret timeout"
	now := time.Now()
	exec.CompletedAt = &now
	return e.transition(exec, StateRefunded)
}

// fail routes a step error: executions that already funded the destination
// fall to the refund branch, everything else is terminal.
func (e *Executor) fail(ctx context.Context, exec *storage.Execution, o *order.SwapOrder, stepErr error) (*Result, error) {
	hash := order.HashString(o.OrderHash)
	state := ExecState(exec.State)
	e.log.Error("execution step failed", "order", hash, "state", state, "error", stepErr)

	if exec.DestLock != nil && state != StateRefundPending &&
		state != StateSecretRevealed && state != StateSourceClaimed {
		if err := e.transition(exec, StateRefundPending); err == nil {
			if refundErr := e.refundDestination(ctx, exec, o); refundErr != nil {
				e.log.Error("refund after failure also failed", "order", hash, "error", refundErr)
			}
		}
	}

	// A refund that recovered the secret leaves the execution resumable on
	// the claim path; everything else non-terminal is marked failed.
	if !ExecState(exec.State).Terminal() && ExecState(exec.State) != StateSecretRevealed {
		exec.FailureReason = stepErr.Error()
		if err := e.transition(exec, StateFailed); err != nil {
			e.log.Error("failed to persist failure", "order", hash, "error", err)
		}
	}

	res := e.result(exec, stepErr)
	if e.notifier != nil {
		e.notifier.NotifyExecutionFailed(o.OrderHash, res.State, stepErr.Error())
	}
	return res, stepErr
}

// transition persists a state change.
func (e *Executor) transition(exec *storage.Execution, next ExecState) error {
	exec.State = string(next)
	if err := e.store.SaveExecution(exec); err != nil {
		return fmt.Errorf("failed to persist state %s: %w", next, err)
	}
	return nil
}

// recordSecret persists the revealed preimage on both escrow legs so a
// restart can resume the source claim.
func (e *Executor) recordSecret(orderHash [32]byte, secret [32]byte) error {
	e.updateRecord(orderHash, escrow.SideDestination, func(r *escrow.Record) error {
		r.SetSecret(secret)
		return r.Withdraw("")
	})
	err := e.updateRecord(orderHash, escrow.SideSource, func(r *escrow.Record) error {
		r.SetSecret(secret)
		return nil
	})
	return err
}

// updateRecord mutates an escrow leg in the ledger and mirrors it to
// storage, hydrating the ledger from storage after a restart.
func (e *Executor) updateRecord(orderHash [32]byte, side escrow.Side, fn func(*escrow.Record) error) error {
	if _, err := e.record(orderHash, side); err != nil {
		return err
	}
	if err := e.ledger.Update(orderHash, side, fn); err != nil {
		return err
	}
	rec, err := e.ledger.Get(orderHash, side)
	if err != nil {
		return err
	}
	return e.store.SaveEscrow(rec)
}

// sourceRecord loads the source escrow leg, falling back to storage after a
// restart.
func (e *Executor) sourceRecord(orderHash [32]byte) (*escrow.Record, error) {
	return e.record(orderHash, escrow.SideSource)
}

func (e *Executor) destRecord(orderHash [32]byte) (*escrow.Record, error) {
	return e.record(orderHash, escrow.SideDestination)
}

func (e *Executor) record(orderHash [32]byte, side escrow.Side) (*escrow.Record, error) {
	rec, err := e.ledger.Get(orderHash, side)
	if err == nil {
		return rec, nil
	}
	rec, err = e.store.GetEscrow(orderHash, side)
	if err != nil {
		return nil, err
	}
	e.ledger.Put(rec)
	return rec, nil
}

// markOrder updates order status in storage and notifies operators. Orders
// unknown to storage are tolerated.
func (e *Executor) markOrder(o *order.SwapOrder, status order.Status, resolver string) {
	if err := e.store.SetOrderStatus(o.OrderHash, status, resolver); err != nil &&
		!errors.Is(err, storage.ErrOrderNotFound) {
		e.log.Warn("failed to persist order status", "order", order.HashString(o.OrderHash), "error", err)
	}
	if e.notifier != nil {
		e.notifier.NotifyOrderUpdate(o.OrderHash, status)
	}
}

func (e *Executor) result(exec *storage.Execution, err error) *Result {
	return &Result{
		ExecutionID:    exec.ID,
		OrderHash:      exec.OrderHash,
		State:          ExecState(exec.State),
		RealizedProfit: exec.RealizedProfit,
		Duration:       time.Since(exec.StartedAt),
		TxRefs:         exec.TxRefs,
		Err:            err,
	}
}

func profitOf(a *profit.Assessment) *big.Int {
	if a == nil {
		return nil
	}
	return a.EstimatedProfit.BigInt()
}
