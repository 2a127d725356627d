package monitor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/contracts/escrowfactory"
	"github.com/crossmesh/fusion-resolver/internal/order"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
	"github.com/ethereum/go-ethereum/common"
)

// fakeSource feeds canned events and orders.
type fakeSource struct {
	mu     sync.Mutex
	head   uint64
	orders map[[32]byte]*order.SwapOrder
	gap    []*escrowfactory.Event // served by FilterEvents

	live chan *escrowfactory.Event

	filterCalls int
}

func newFakeSource(head uint64) *fakeSource {
	return &fakeSource{
		head:   head,
		orders: make(map[[32]byte]*order.SwapOrder),
		live:   make(chan *escrowfactory.Event, 16),
	}
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) GetOrder(_ context.Context, hash [32]byte) (*order.SwapOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[hash]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (f *fakeSource) WatchEvents(ctx context.Context, _ uint64, sink chan<- *escrowfactory.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-f.live:
			select {
			case sink <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (f *fakeSource) FilterEvents(_ context.Context, from, to uint64) ([]*escrowfactory.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls++
	var out []*escrowfactory.Event
	for _, ev := range f.gap {
		if ev.Block >= from && ev.Block <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

// recordingHandler collects callbacks.
type recordingHandler struct {
	mu        sync.Mutex
	created   []*order.SwapOrder
	matched   [][32]byte
	completed map[[32]byte][32]byte
	cancelled [][32]byte
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{completed: make(map[[32]byte][32]byte)}
}

func (h *recordingHandler) HandleOrderCreated(o *order.SwapOrder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, o)
}

func (h *recordingHandler) HandleOrderMatched(hash [32]byte, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.matched = append(h.matched, hash)
}

func (h *recordingHandler) HandleOrderCompleted(hash [32]byte, secret [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed[hash] = secret
}

func (h *recordingHandler) HandleOrderCancelled(hash [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, hash)
}

func (h *recordingHandler) createdCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.created)
}

func testSwapOrder(b byte) *order.SwapOrder {
	var hash, lock [32]byte
	hash[0] = b
	lock[0] = b + 1
	return &order.SwapOrder{
		OrderHash:    hash,
		Maker:        "0xmaker",
		SourceChain:  "ETH",
		SourceAmount: big.NewInt(1_000_000),
		DestChain:    "BTC",
		DestAmount:   big.NewInt(150_000),
		Hashlock:     lock,
		ResolverFee:  big.NewInt(5_000),
		Expiry:       time.Now().Add(12 * time.Hour),
		Status:       order.StatusCreated,
	}
}

func createdEvent(o *order.SwapOrder, block uint64) *escrowfactory.Event {
	return &escrowfactory.Event{
		Kind:      escrowfactory.KindOrderCreated,
		OrderHash: o.OrderHash,
		Block:     block,
		TxHash:    common.HexToHash("0x01"),
		Created:   &escrowfactory.OrderCreatedEvent{OrderHash: o.OrderHash},
	}
}

func newTestMonitor(src *fakeSource, h Handler) (*Monitor, *order.Registry) {
	reg := order.NewRegistry()
	cfg := &Config{StartBlock: 100, ReconcileInterval: 10 * time.Millisecond}
	return New(src, reg, h, cfg, logging.Default()), reg
}

func waitFor(t *testing.T, cond func() bool) {
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

func TestMonitorProcessesLiveEvents(t *testing.T) {
	src := newFakeSource(100)
	o := testSwapOrder(1)
	src.orders[o.OrderHash] = o

	h := newRecordingHandler()
	m, reg := newTestMonitor(src, h)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	src.live <- createdEvent(o, 101)
	waitFor(t, func() bool { return h.createdCount() == 1 })

	got, err := reg.Get(o.OrderHash)
	if err != nil {
		t.Fatalf("order not registered: %v", err)
	}
	if got.CreatedBlock != 101 {
		t.Errorf("created block = %d, want 101", got.CreatedBlock)
	}

	// Secret propagates on completion.
	var secret [32]byte
	secret[5] = 0x42
	src.live <- &escrowfactory.Event{
		Kind: escrowfactory.KindOrderCompleted, OrderHash: o.OrderHash, Block: 105,
		Completed: &escrowfactory.OrderCompletedEvent{OrderHash: o.OrderHash, Secret: secret},
	}
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.completed[o.OrderHash] == secret
	})

	got, _ = reg.Get(o.OrderHash)
	if got.Status != order.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestMonitorDeduplicates(t *testing.T) {
	src := newFakeSource(100)
	o := testSwapOrder(2)
	src.orders[o.OrderHash] = o

	h := newRecordingHandler()
	m, _ := newTestMonitor(src, h)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	// Same event from the live feed and from a reconciliation replay.
	src.live <- createdEvent(o, 101)
	src.live <- createdEvent(o, 101)
	src.mu.Lock()
	src.gap = append(src.gap, createdEvent(o, 101))
	src.head = 110
	src.mu.Unlock()

	waitFor(t, func() bool { return h.createdCount() >= 1 })
	waitFor(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.filterCalls >= 1
	})

	// Give any duplicate time to surface before asserting.
	time.Sleep(50 * time.Millisecond)
	if n := h.createdCount(); n != 1 {
		t.Errorf("handler saw %d created callbacks, want 1", n)
	}
}

func TestMonitorReconcilesGaps(t *testing.T) {
	src := newFakeSource(100)
	o := testSwapOrder(3)
	src.orders[o.OrderHash] = o
	src.mu.Lock()
	src.gap = append(src.gap, createdEvent(o, 104))
	src.head = 108
	src.mu.Unlock()

	h := newRecordingHandler()
	m, reg := newTestMonitor(src, h)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	waitFor(t, func() bool { return h.createdCount() == 1 })
	if _, err := reg.Get(o.OrderHash); err != nil {
		t.Errorf("gap order not registered: %v", err)
	}
	waitFor(t, func() bool { return m.LastProcessedBlock() >= 108 })
}

func TestMonitorSkipsMalformedOrders(t *testing.T) {
	src := newFakeSource(100)

	bad := testSwapOrder(4)
	bad.DestChain = "NOPE"
	src.orders[bad.OrderHash] = bad

	expired := testSwapOrder(5)
	expired.Expiry = time.Now().Add(-time.Hour)
	src.orders[expired.OrderHash] = expired

	good := testSwapOrder(6)
	src.orders[good.OrderHash] = good

	h := newRecordingHandler()
	m, reg := newTestMonitor(src, h)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	src.live <- createdEvent(bad, 101)
	src.live <- createdEvent(expired, 102)
	src.live <- createdEvent(good, 103)

	waitFor(t, func() bool { return h.createdCount() == 1 })
	if h.created[0].OrderHash != good.OrderHash {
		t.Error("wrong order survived validation")
	}
	if reg.Len() != 1 {
		t.Errorf("registry has %d orders, want 1", reg.Len())
	}
}

func TestMonitorStartStopIdempotent(t *testing.T) {
	src := newFakeSource(100)
	m, _ := newTestMonitor(src, newRecordingHandler())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	m.Stop()
	m.Stop()
}

func TestValidateOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*order.SwapOrder)
		ok     bool
	}{
		{"valid", func(*order.SwapOrder) {}, true},
		{"zero amount", func(o *order.SwapOrder) { o.SourceAmount = big.NewInt(0) }, false},
		{"nil dest amount", func(o *order.SwapOrder) { o.DestAmount = nil }, false},
		{"zero hashlock", func(o *order.SwapOrder) { o.Hashlock = [32]byte{} }, false},
		{"unknown chain", func(o *order.SwapOrder) { o.DestChain = "NOPE" }, false},
		{"expired", func(o *order.SwapOrder) { o.Expiry = time.Now().Add(-time.Minute) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testSwapOrder(9)
			tt.mutate(o)
			if err := validateOrder(o); (err == nil) != tt.ok {
				t.Errorf("validateOrder = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
