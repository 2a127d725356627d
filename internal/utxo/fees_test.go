package utxo

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubSource struct {
	name  string
	rate  uint64
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FeeRate(ctx context.Context, tier Tier) (uint64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.rate, nil
}

func TestEstimateUsesFirstHealthySource(t *testing.T) {
	down := &stubSource{name: "down", err: errors.New("timeout")}
	up := &stubSource{name: "up", rate: 42}

	o := NewFeeOracle("BTC", "mainnet", []FeeSource{down, up}, nil)

	rate := o.Estimate(context.Background(), TierNormal)
	if rate != 42 {
		t.Errorf("rate = %d, want 42", rate)
	}
	if down.calls != 1 || up.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", down.calls, up.calls)
	}
}

func TestEstimateCachesWithinTTL(t *testing.T) {
	src := &stubSource{name: "src", rate: 20}
	o := NewFeeOracle("BTC", "mainnet", []FeeSource{src}, nil)

	o.Estimate(context.Background(), TierFast)
	o.Estimate(context.Background(), TierFast)
	if src.calls != 1 {
		t.Errorf("calls = %d, want 1 (second hit cached)", src.calls)
	}

	// Distinct tiers are cached separately.
	o.Estimate(context.Background(), TierEconomy)
	if src.calls != 2 {
		t.Errorf("calls = %d, want 2", src.calls)
	}

	o.SetTTL(time.Nanosecond)
	time.Sleep(time.Millisecond)
	o.Estimate(context.Background(), TierFast)
	if src.calls != 3 {
		t.Errorf("calls = %d after TTL expiry, want 3", src.calls)
	}
}

func TestEstimateSkipsOutOfBoundsSources(t *testing.T) {
	// BTC mainnet caps at 500 sat/vB in the chain registry. A source quoting
	// past the cap is not trusted at all; the next source answers instead.
	spiky := &stubSource{name: "spiky", rate: 100000}
	sane := &stubSource{name: "sane", rate: 30}
	o := NewFeeOracle("BTC", "mainnet", []FeeSource{spiky, sane}, nil)
	if rate := o.Estimate(context.Background(), TierFast); rate != 30 {
		t.Errorf("rate = %d, want 30 from the sane source", rate)
	}
	if spiky.calls != 1 || sane.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", spiky.calls, sane.calls)
	}

	// A zero quote is equally disqualifying.
	zero := &stubSource{name: "zero", rate: 0}
	o2 := NewFeeOracle("BTC", "mainnet", []FeeSource{zero, sane}, nil)
	if rate := o2.Estimate(context.Background(), TierFast); rate != 30 {
		t.Errorf("rate = %d, want 30", rate)
	}

	// With no healthy source left the chain default wins; the garbage answer
	// must not be cached either.
	o3 := NewFeeOracle("BTC", "mainnet", []FeeSource{spiky}, nil)
	if rate := o3.Estimate(context.Background(), TierFast); rate != 10 {
		t.Errorf("rate = %d, want default 10", rate)
	}
	o3.Estimate(context.Background(), TierFast)
	if spiky.calls != 3 {
		t.Errorf("spiky calls = %d, want 3 (nothing cached)", spiky.calls)
	}
}

func TestEstimateFallsBackToChainDefault(t *testing.T) {
	down := &stubSource{name: "down", err: errors.New("unreachable")}
	o := NewFeeOracle("BTC", "mainnet", []FeeSource{down}, nil)

	// BTC mainnet default is 10 sat/vB; the oracle must answer, not error.
	if rate := o.Estimate(context.Background(), TierNormal); rate != 10 {
		t.Errorf("rate = %d, want default 10", rate)
	}

	// Unknown chains still answer with the built-in default.
	o2 := NewFeeOracle("NOPE", "mainnet", nil, nil)
	if rate := o2.Estimate(context.Background(), TierNormal); rate == 0 {
		t.Error("oracle for unknown chain returned zero rate")
	}
}

func TestBreakerStopsHammeringDeadSource(t *testing.T) {
	down := &stubSource{name: "down", err: errors.New("refused")}
	fallback := &stubSource{name: "ok", rate: 7}
	o := NewFeeOracle("BTC", "mainnet", []FeeSource{down, fallback}, nil)
	o.SetTTL(0)

	for i := 0; i < 10; i++ {
		o.Estimate(context.Background(), TierNormal)
	}

	// The breaker trips after three consecutive failures; later rounds skip
	// the dead source.
	if down.calls > 4 {
		t.Errorf("dead source called %d times, breaker never opened", down.calls)
	}
	if fallback.calls != 10 {
		t.Errorf("fallback calls = %d, want 10", fallback.calls)
	}
}
