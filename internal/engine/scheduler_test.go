package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/order"
	"github.com/crossmesh/fusion-resolver/internal/profit"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
)

// fakeRunner records executions and can block to hold slots open.
type fakeRunner struct {
	mu       sync.Mutex
	executed [][32]byte
	inFlight int
	maxSeen  int
	block    chan struct{} // non-nil makes executions wait
}

func (r *fakeRunner) ExecuteAtomicSwap(_ context.Context, o *order.SwapOrder, _ *profit.Assessment) (*Result, error) {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	block := r.block
	r.mu.Unlock()

	if block != nil {
		<-block
	}

	r.mu.Lock()
	r.executed = append(r.executed, o.OrderHash)
	r.inFlight--
	r.mu.Unlock()
	return &Result{OrderHash: o.OrderHash, State: StateSettled}, nil
}

func (r *fakeRunner) executedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

func queueItem(b byte, priority int) *ExecutableOrder {
	o := testExecOrder(b)
	return &ExecutableOrder{
		Order: o,
		Assessment: &profit.Assessment{
			IsProfitable: true,
			Priority:     priority,
		},
	}
}

func newTestScheduler(runner Runner, reg *order.Registry, maxInFlight int) *Scheduler {
	cfg := &SchedulerConfig{LoopInterval: 5 * time.Millisecond, MaxInFlight: maxInFlight}
	return NewScheduler(runner, reg, cfg, logging.Default())
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSchedulerExecutesByPriority(t *testing.T) {
	runner := &fakeRunner{}
	reg := order.NewRegistry()
	s := newTestScheduler(runner, reg, 1)

	low := queueItem(1, 10)
	mid := queueItem(2, 50)
	high := queueItem(3, 90)
	for _, item := range []*ExecutableOrder{low, mid, high} {
		reg.Put(item.Order)
		s.Enqueue(item)
	}

	s.Start(context.Background())
	defer s.Stop()

	waitUntil(t, func() bool { return runner.executedCount() == 3 })

	runner.mu.Lock()
	defer runner.mu.Unlock()
	want := [][32]byte{high.Order.OrderHash, mid.Order.OrderHash, low.Order.OrderHash}
	for i, hash := range want {
		if runner.executed[i] != hash {
			t.Fatalf("execution %d = %x, want %x", i, runner.executed[i][:2], hash[:2])
		}
	}
}

func TestSchedulerDropsTerminalOrders(t *testing.T) {
	runner := &fakeRunner{}
	reg := order.NewRegistry()
	s := newTestScheduler(runner, reg, 1)

	dead := queueItem(4, 90)
	dead.Order.Status = order.StatusCancelled
	reg.Put(dead.Order)

	live := queueItem(5, 10)
	reg.Put(live.Order)

	s.Enqueue(dead)
	s.Enqueue(live)
	s.Start(context.Background())
	defer s.Stop()

	waitUntil(t, func() bool { return runner.executedCount() == 1 })
	time.Sleep(20 * time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.executed) != 1 || runner.executed[0] != live.Order.OrderHash {
		t.Errorf("executed = %v, want only the live order", runner.executed)
	}
}

func TestSchedulerDeduplicates(t *testing.T) {
	runner := &fakeRunner{}
	reg := order.NewRegistry()
	s := newTestScheduler(runner, reg, 1)

	item := queueItem(6, 50)
	reg.Put(item.Order)
	s.Enqueue(item)
	s.Enqueue(queueItem(6, 50))

	if s.Len() != 1 {
		t.Errorf("queue depth = %d, want 1", s.Len())
	}
}

func TestSchedulerRejectsNonProfitable(t *testing.T) {
	s := newTestScheduler(&fakeRunner{}, order.NewRegistry(), 1)

	item := queueItem(7, 0)
	item.Assessment.IsProfitable = false
	s.Enqueue(item)
	s.Enqueue(&ExecutableOrder{Order: testExecOrder(8)}) // no assessment

	if s.Len() != 0 {
		t.Errorf("queue depth = %d, want 0", s.Len())
	}
}

func TestSchedulerBoundsInFlight(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	reg := order.NewRegistry()
	s := newTestScheduler(runner, reg, 2)

	for b := byte(10); b < 15; b++ {
		item := queueItem(b, int(b))
		reg.Put(item.Order)
		s.Enqueue(item)
	}

	s.Start(context.Background())

	// Two executions should be holding slots, the rest deferred.
	waitUntil(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.inFlight == 2
	})
	time.Sleep(20 * time.Millisecond)

	runner.mu.Lock()
	if runner.maxSeen > 2 {
		runner.mu.Unlock()
		t.Fatalf("in-flight peaked at %d, bound is 2", runner.maxSeen)
	}
	runner.mu.Unlock()

	close(runner.block)
	waitUntil(t, func() bool { return runner.executedCount() == 5 })
	s.Stop()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.maxSeen > 2 {
		t.Errorf("in-flight peaked at %d, bound is 2", runner.maxSeen)
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	s := newTestScheduler(&fakeRunner{}, order.NewRegistry(), 1)
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
