// Package monitor tracks the escrow factory's order lifecycle: a live event
// feed deduplicated per order and event kind, backed by periodic log
// reconciliation so restarts and dropped subscriptions never lose an order.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/crossmesh/fusion-resolver/internal/chain"
	"github.com/crossmesh/fusion-resolver/internal/contracts/escrowfactory"
	"github.com/crossmesh/fusion-resolver/internal/order"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
)

// Source is the slice of the factory client the monitor consumes.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetOrder(ctx context.Context, orderHash [32]byte) (*order.SwapOrder, error)
	WatchEvents(ctx context.Context, fromBlock uint64, sink chan<- *escrowfactory.Event) error
	FilterEvents(ctx context.Context, from, to uint64) ([]*escrowfactory.Event, error)
}

// Handler receives deduplicated lifecycle notifications. Calls arrive from a
// single goroutine in event order per order hash.
type Handler interface {
	HandleOrderCreated(o *order.SwapOrder)
	HandleOrderMatched(orderHash [32]byte, resolver string)
	HandleOrderCompleted(orderHash [32]byte, secret [32]byte)
	HandleOrderCancelled(orderHash [32]byte)
}

// Config holds monitor tuning.
type Config struct {
	// StartBlock is where a fresh monitor begins scanning; zero means the
	// current head.
	StartBlock uint64

	// ReconcileInterval is how often the gap scan replays missed logs.
	ReconcileInterval time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() *Config {
	return &Config{ReconcileInterval: 30 * time.Second}
}

type seenKey struct {
	hash [32]byte
	kind escrowfactory.EventKind
}

// Monitor drives order lifecycle tracking. Start and Stop are idempotent.
type Monitor struct {
	src      Source
	registry *order.Registry
	handler  Handler
	cfg      *Config
	log      *logging.Logger

	mu            sync.Mutex
	running       bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	seen          map[seenKey]struct{}
	lastProcessed uint64
}

// New creates a monitor over the given source.
func New(src Source, registry *order.Registry, handler Handler, cfg *Config, log *logging.Logger) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Monitor{
		src:      src,
		registry: registry,
		handler:  handler,
		cfg:      cfg,
		log:      log.Component("monitor"),
		seen:     make(map[seenKey]struct{}),
	}
}

// Start launches the watch and reconciliation loops. A second Start is a
// no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	from := m.cfg.StartBlock
	if from == 0 {
		head, err := m.src.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get chain head: %w", err)
		}
		from = head
	}
	m.lastProcessed = from

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	events := make(chan *escrowfactory.Event, 64)
	m.wg.Add(3)
	go m.consumeLoop(runCtx, events)
	go m.watchLoop(runCtx, events)
	go m.reconcileLoop(runCtx)

	m.log.Info("order monitor started", "from_block", from)
	return nil
}

// Stop halts both loops and waits for them. A second Stop is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.log.Info("order monitor stopped")
}

// LastProcessedBlock reports reconciliation progress.
func (m *Monitor) LastProcessedBlock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProcessed
}

// consumeLoop applies events from the live stream.
func (m *Monitor) consumeLoop(ctx context.Context, events <-chan *escrowfactory.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			m.processEvent(ctx, ev)
		}
	}
}

// watchLoop keeps a live event stream open, restarting it with exponential
// backoff when the subscription drops.
func (m *Monitor) watchLoop(ctx context.Context, events chan<- *escrowfactory.Event) {
	defer m.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until shutdown

	for {
		err := m.src.WatchEvents(ctx, m.lastBlock()+1, events)
		if ctx.Err() != nil {
			return
		}
		wait := policy.NextBackOff()
		m.log.Warn("event stream dropped, restarting", "error", err, "in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// reconcileLoop replays any logs the live stream missed through the same
// idempotent processing path.
func (m *Monitor) reconcileLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("reconciliation failed", "error", err)
		}
	}
}

// Reconcile scans [lastProcessed+1, head] once. Exported so callers can force
// a scan on demand.
func (m *Monitor) Reconcile(ctx context.Context) error {
	head, err := m.src.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain head: %w", err)
	}
	last := m.lastBlock()
	if head <= last {
		return nil
	}

	events, err := m.src.FilterEvents(ctx, last+1, head)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}
	for _, ev := range events {
		m.processEvent(ctx, ev)
	}

	m.mu.Lock()
	if head > m.lastProcessed {
		m.lastProcessed = head
	}
	m.mu.Unlock()
	return nil
}

func (m *Monitor) lastBlock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProcessed
}

// processEvent applies one factory event. Repeat deliveries of the same
// order hash and kind are dropped, which makes the live and reconciliation
// paths safely overlapping.
func (m *Monitor) processEvent(ctx context.Context, ev *escrowfactory.Event) {
	m.mu.Lock()
	k := seenKey{ev.OrderHash, ev.Kind}
	if _, dup := m.seen[k]; dup {
		m.mu.Unlock()
		return
	}
	m.seen[k] = struct{}{}
	if ev.Block > m.lastProcessed {
		m.lastProcessed = ev.Block
	}
	m.mu.Unlock()

	hash := order.HashString(ev.OrderHash)
	switch ev.Kind {
	case escrowfactory.KindOrderCreated:
		o, err := m.src.GetOrder(ctx, ev.OrderHash)
		if err != nil {
			m.log.Warn("failed to fetch new order", "order", hash, "error", err)
			m.forget(k)
			return
		}
		if err := validateOrder(o); err != nil {
			m.log.Warn("skipping malformed order", "order", hash, "error", err)
			return
		}
		o.CreatedBlock = ev.Block
		o.CreatedTx = ev.TxHash.Hex()
		m.registry.Put(o)
		m.log.Info("new order", "order", hash,
			"source", o.SourceChain, "dest", o.DestChain, "expiry", o.Expiry)
		m.handler.HandleOrderCreated(o)

	case escrowfactory.KindOrderMatched:
		resolver := ev.Matched.Resolver.Hex()
		if err := m.registry.SetStatus(ev.OrderHash, order.StatusMatched, resolver); err != nil &&
			!errors.Is(err, order.ErrOrderAlreadyMatched) {
			m.log.Debug("match for untracked order", "order", hash, "error", err)
		}
		m.handler.HandleOrderMatched(ev.OrderHash, resolver)

	case escrowfactory.KindOrderCompleted:
		if err := m.registry.SetStatus(ev.OrderHash, order.StatusCompleted, ""); err != nil &&
			!errors.Is(err, order.ErrOrderTerminal) {
			m.log.Debug("completion for untracked order", "order", hash, "error", err)
		}
		m.handler.HandleOrderCompleted(ev.OrderHash, ev.Completed.Secret)

	case escrowfactory.KindOrderCancelled:
		if err := m.registry.SetStatus(ev.OrderHash, order.StatusCancelled, ""); err != nil &&
			!errors.Is(err, order.ErrOrderTerminal) {
			m.log.Debug("cancellation for untracked order", "order", hash, "error", err)
		}
		m.handler.HandleOrderCancelled(ev.OrderHash)
	}
}

// forget drops a dedup entry so a transient fetch failure can be retried by
// reconciliation.
func (m *Monitor) forget(k seenKey) {
	m.mu.Lock()
	delete(m.seen, k)
	m.mu.Unlock()
}

// validateOrder rejects orders the engine could never execute.
func validateOrder(o *order.SwapOrder) error {
	if o.SourceAmount == nil || o.SourceAmount.Sign() <= 0 {
		return fmt.Errorf("non-positive source amount")
	}
	if o.DestAmount == nil || o.DestAmount.Sign() <= 0 {
		return fmt.Errorf("non-positive destination amount")
	}
	if o.Hashlock == ([32]byte{}) {
		return fmt.Errorf("zero hashlock")
	}
	if !chain.IsSupported(o.DestChain) {
		return fmt.Errorf("unsupported destination chain %s", o.DestChain)
	}
	if !o.Expiry.After(time.Now()) {
		return fmt.Errorf("already expired")
	}
	return nil
}
