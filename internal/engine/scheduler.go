package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/order"
	"github.com/crossmesh/fusion-resolver/internal/profit"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
)

// Runner executes one order end to end. Implemented by Executor.
type Runner interface {
	ExecuteAtomicSwap(ctx context.Context, o *order.SwapOrder, assessment *profit.Assessment) (*Result, error)
}

// ExecutableOrder is a queued order with its assessment.
type ExecutableOrder struct {
	Order      *order.SwapOrder
	Assessment *profit.Assessment
	EnqueuedAt time.Time
}

// SchedulerConfig holds scheduler tuning.
type SchedulerConfig struct {
	// LoopInterval is the pause between dequeue attempts.
	LoopInterval time.Duration

	// MaxInFlight bounds concurrent executions; further dequeues wait for a
	// slot.
	MaxInFlight int
}

// DefaultSchedulerConfig returns the standard tuning.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{LoopInterval: time.Second, MaxInFlight: 3}
}

// Scheduler orders profitable orders by priority and feeds them to the
// runner under a concurrency bound. Start and Stop are idempotent.
type Scheduler struct {
	runner   Runner
	registry *order.Registry
	cfg      *SchedulerConfig
	log      *logging.Logger

	mu      sync.Mutex
	queue   []*ExecutableOrder
	queued  map[[32]byte]struct{}
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	slots chan struct{}
}

// NewScheduler creates a scheduler over the given runner.
func NewScheduler(runner Runner, registry *order.Registry, cfg *SchedulerConfig, log *logging.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	return &Scheduler{
		runner:   runner,
		registry: registry,
		cfg:      cfg,
		log:      log.Component("scheduler"),
		queued:   make(map[[32]byte]struct{}),
		slots:    make(chan struct{}, cfg.MaxInFlight),
	}
}

// Enqueue queues an order for execution. Non-profitable assessments and
// orders already queued are dropped.
func (s *Scheduler) Enqueue(item *ExecutableOrder) {
	if item.Assessment == nil || !item.Assessment.IsProfitable {
		return
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.queued[item.Order.OrderHash]; dup {
		return
	}
	s.queued[item.Order.OrderHash] = struct{}{}
	s.queue = append(s.queue, item)
	s.log.Info("order queued", "order", order.HashString(item.Order.OrderHash),
		"priority", item.Assessment.Priority, "depth", len(s.queue))
}

// Len returns the queue depth.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Start launches the execution loop. A second Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(runCtx)
	s.log.Info("execution scheduler started", "max_in_flight", s.cfg.MaxInFlight)
}

// Stop halts the loop and waits for in-flight executions to reach a safe
// stopping point. A second Stop is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("execution scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		item := s.pop()
		if item == nil {
			continue
		}

		// Acquire an execution slot before committing to the item.
		select {
		case <-ctx.Done():
			return
		case s.slots <- struct{}{}:
		}

		s.wg.Add(1)
		go func(item *ExecutableOrder) {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.execute(ctx, item)
		}(item)
	}
}

// pop removes and returns the highest-priority queued order whose underlying
// order is still executable; stale entries are dropped unexecuted.
func (s *Scheduler) pop() *ExecutableOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.SliceStable(s.queue, func(i, j int) bool {
		return s.queue[i].Assessment.Priority > s.queue[j].Assessment.Priority
	})

	for len(s.queue) > 0 {
		item := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, item.Order.OrderHash)

		current, err := s.registry.Get(item.Order.OrderHash)
		if err == nil && current.Status.Terminal() {
			s.log.Info("dropping terminal order from queue",
				"order", order.HashString(item.Order.OrderHash), "status", current.Status)
			continue
		}
		if err == nil {
			item.Order = current
		}
		return item
	}
	return nil
}

// execute runs one order; errors are logged, never fatal to the loop.
func (s *Scheduler) execute(ctx context.Context, item *ExecutableOrder) {
	hash := order.HashString(item.Order.OrderHash)
	s.log.Info("executing order", "order", hash, "priority", item.Assessment.Priority,
		"queued_for", time.Since(item.EnqueuedAt).Round(time.Second))

	res, err := s.runner.ExecuteAtomicSwap(ctx, item.Order, item.Assessment)
	if err != nil {
		s.log.Error("execution failed", "order", hash, "error", err)
		return
	}
	s.log.Info("execution done", "order", hash, "state", res.State)
}
