package profit

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossmesh/fusion-resolver/internal/chain"
	"github.com/crossmesh/fusion-resolver/internal/order"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
)

type stubCosts struct {
	execCost *big.Int
	deposit  *big.Int
	execErr  error
}

func (s *stubCosts) EstimateExecutionCost(context.Context, [32]byte, string) (*big.Int, error) {
	return s.execCost, s.execErr
}

func (s *stubCosts) CalculateMinSafetyDeposit(context.Context, *big.Int) (*big.Int, error) {
	if s.deposit == nil {
		return nil, errors.New("deposit source down")
	}
	return s.deposit, nil
}

type stubGas struct {
	price *big.Int
	err   error
}

func (s *stubGas) SuggestGasPrice(context.Context) (*big.Int, error) {
	return s.price, s.err
}

// milli and micro build wei amounts without float rounding.
func milli(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000))
}

func micro(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000))
}

func decimalFromWei(w *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(w, 0)
}

func testOrder() *order.SwapOrder {
	var hash [32]byte
	hash[0] = 1
	return &order.SwapOrder{
		OrderHash:     hash,
		SourceChain:   "ETH",
		SourceAmount:  milli(1000),
		DestChain:     "BTC",
		DestAmount:    big.NewInt(150_000),
		ResolverFee:   milli(10),
		SafetyDeposit: milli(50),
		Expiry:        time.Now().Add(12 * time.Hour),
		Status:        order.StatusCreated,
	}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.MinProfit = milli(1)
	return cfg
}

func newAnalyzer(costs CostSource, gas GasSource, cfg *Config) *Analyzer {
	return NewAnalyzer(costs, gas, cfg, logging.Default())
}

func TestAnalyzeProfitable(t *testing.T) {
	costs := &stubCosts{execCost: milli(2)}
	gas := &stubGas{price: big.NewInt(10_000_000_000)} // 10 gwei

	a := newAnalyzer(costs, gas, testConfig())
	got := a.Analyze(context.Background(), testOrder())

	if !got.IsProfitable {
		t.Fatalf("expected profitable, got: %s", got.Reasoning)
	}
	// net = 0.01 - (0.002 + 400k*10gwei + 0.05*50bps) = 0.01 - 0.00625 ETH
	if got.EstimatedProfit.Cmp(decimalFromWei(micro(3750))) != 0 {
		t.Errorf("profit = %s, want 0.00375 ETH in wei", got.EstimatedProfit)
	}
	if got.GasEstimate.Cmp(milli(4)) != 0 {
		t.Errorf("gas estimate = %s, want 0.004 ETH", got.GasEstimate)
	}
	if got.Priority < 1 || got.Priority > 100 {
		t.Errorf("priority = %d, want 1..100", got.Priority)
	}
	if got.Risk != chain.RiskLow {
		t.Errorf("risk = %s, want low for ETH->BTC", got.Risk)
	}
}

func TestAnalyzeFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		costs  *stubCosts
		gas    *stubGas
		mutate func(*order.SwapOrder)
		reason string
	}{
		{
			name:   "missing execution cost",
			costs:  &stubCosts{execErr: errors.New("rpc down")},
			gas:    &stubGas{price: big.NewInt(1)},
			reason: "execution cost unavailable",
		},
		{
			name:   "missing gas price",
			costs:  &stubCosts{execCost: milli(1)},
			gas:    &stubGas{err: errors.New("rpc down")},
			reason: "gas price unavailable",
		},
		{
			name:  "missing deposit",
			costs: &stubCosts{execCost: milli(1)},
			gas:   &stubGas{price: big.NewInt(1)},
			mutate: func(o *order.SwapOrder) {
				o.SafetyDeposit = nil
			},
			reason: "deposit unavailable",
		},
		{
			name:  "missing fee",
			costs: &stubCosts{execCost: milli(1)},
			gas:   &stubGas{price: big.NewInt(1)},
			mutate: func(o *order.SwapOrder) {
				o.ResolverFee = nil
			},
			reason: "missing fee",
		},
		{
			name:  "too close to expiry",
			costs: &stubCosts{execCost: milli(1)},
			gas:   &stubGas{price: big.NewInt(1)},
			mutate: func(o *order.SwapOrder) {
				o.Expiry = time.Now().Add(10 * time.Minute)
			},
			reason: "floor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOrder()
			if tt.mutate != nil {
				tt.mutate(o)
			}
			got := newAnalyzer(tt.costs, tt.gas, testConfig()).Analyze(context.Background(), o)
			if got.IsProfitable {
				t.Fatal("expected non-profitable")
			}
			if !strings.Contains(got.Reasoning, tt.reason) {
				t.Errorf("reasoning = %q, want it to mention %q", got.Reasoning, tt.reason)
			}
			if got.Priority != 0 {
				t.Errorf("rejected order has priority %d", got.Priority)
			}
		})
	}
}

func TestAnalyzeThresholds(t *testing.T) {
	gas := &stubGas{price: big.NewInt(0)}

	// Fee barely above cost: profit floor rejects.
	o := testOrder()
	o.ResolverFee = micro(500)
	got := newAnalyzer(&stubCosts{execCost: micro(100)}, gas, testConfig()).Analyze(context.Background(), o)
	if got.IsProfitable || !strings.Contains(got.Reasoning, "profit") {
		t.Errorf("expected profit-floor rejection, got %+v", got)
	}

	// High absolute profit but thin margin against a huge cost base.
	cfg := testConfig()
	cfg.MinMarginBps = 500
	o = testOrder()
	o.ResolverFee = milli(1020)
	got = newAnalyzer(&stubCosts{execCost: milli(1000)}, gas, cfg).Analyze(context.Background(), o)
	if got.IsProfitable || !strings.Contains(got.Reasoning, "margin") {
		t.Errorf("expected margin rejection, got %+v", got)
	}
}

func TestAnalyzeDepositCap(t *testing.T) {
	o := testOrder()
	o.SafetyDeposit = milli(500) // 50% of a 1 ETH order, cap is 20%

	got := newAnalyzer(&stubCosts{execCost: milli(1)}, &stubGas{price: big.NewInt(1)}, testConfig()).
		Analyze(context.Background(), o)
	if got.IsProfitable || !strings.Contains(got.Reasoning, "safety deposit") {
		t.Errorf("expected deposit-cap rejection, got %+v", got)
	}
}

func TestAnalyzeUsesFactoryDepositWhenUnset(t *testing.T) {
	o := testOrder()
	o.SafetyDeposit = big.NewInt(0)

	costs := &stubCosts{execCost: milli(1), deposit: milli(20)}
	got := newAnalyzer(costs, &stubGas{price: big.NewInt(1)}, testConfig()).
		Analyze(context.Background(), o)
	if !got.IsProfitable {
		t.Fatalf("expected profitable, got: %s", got.Reasoning)
	}
	if got.SafetyDeposit.Cmp(milli(20)) != 0 {
		t.Errorf("deposit = %s, want the factory minimum", got.SafetyDeposit)
	}
}

func TestPriorityOrdering(t *testing.T) {
	costs := &stubCosts{execCost: milli(1)}
	gas := &stubGas{price: big.NewInt(0)}
	a := newAnalyzer(costs, gas, testConfig())

	rich := testOrder()
	rich.ResolverFee = milli(100)
	poor := testOrder()
	poor.ResolverFee = milli(4)

	richA := a.Analyze(context.Background(), rich)
	poorA := a.Analyze(context.Background(), poor)
	if !richA.IsProfitable || !poorA.IsProfitable {
		t.Fatalf("both should be profitable: %s / %s", richA.Reasoning, poorA.Reasoning)
	}
	if richA.Priority <= poorA.Priority {
		t.Errorf("rich priority %d should beat poor %d", richA.Priority, poorA.Priority)
	}

	// Same economics on a riskier destination ranks lower.
	risky := testOrder()
	risky.ResolverFee = milli(100)
	risky.DestChain = "DOGE"
	riskyA := a.Analyze(context.Background(), risky)
	if riskyA.IsProfitable && riskyA.Priority >= richA.Priority {
		t.Errorf("DOGE priority %d should rank below BTC %d", riskyA.Priority, richA.Priority)
	}
	if riskyA.Risk != chain.RiskHigh {
		t.Errorf("risk = %s, want high", riskyA.Risk)
	}

	// Imminent expiry discounts priority.
	soon := testOrder()
	soon.ResolverFee = milli(100)
	soon.Expiry = time.Now().Add(90 * time.Minute)
	soonA := a.Analyze(context.Background(), soon)
	if !soonA.IsProfitable {
		t.Fatalf("expected profitable: %s", soonA.Reasoning)
	}
	if soonA.Priority >= richA.Priority {
		t.Errorf("imminent-expiry priority %d should rank below %d", soonA.Priority, richA.Priority)
	}
}
