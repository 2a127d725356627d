package utxo

import (
	"context"
	"sync"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/backend"
	"github.com/crossmesh/fusion-resolver/internal/chain"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
	"github.com/sony/gobreaker"
)

// Tier selects how quickly a transaction should confirm.
type Tier int

const (
	TierFast Tier = iota
	TierNormal
	TierEconomy
)

// FeeSource produces a sat/vB estimate for a confirmation tier.
type FeeSource interface {
	Name() string
	FeeRate(ctx context.Context, tier Tier) (uint64, error)
}

// BackendFeeSource adapts a block-explorer backend into a FeeSource.
type BackendFeeSource struct {
	name    string
	backend backend.Backend
}

// NewBackendFeeSource wraps a backend as a fee source.
func NewBackendFeeSource(name string, b backend.Backend) *BackendFeeSource {
	return &BackendFeeSource{name: name, backend: b}
}

func (s *BackendFeeSource) Name() string { return s.name }

func (s *BackendFeeSource) FeeRate(ctx context.Context, tier Tier) (uint64, error) {
	estimates, err := s.backend.GetFeeEstimates(ctx)
	if err != nil {
		return 0, err
	}
	switch tier {
	case TierFast:
		return estimates.FastestFee, nil
	case TierEconomy:
		return estimates.EconomyFee, nil
	default:
		return estimates.HalfHourFee, nil
	}
}

type cachedRate struct {
	rate uint64
	at   time.Time
}

// FeeOracle layers fee sources behind circuit breakers with a TTL cache and
// a hardcoded per-chain fallback. Estimate never fails: when every source is
// down the chain's default rate is used, because a stalled refund costs more
// than an imprecise fee.
type FeeOracle struct {
	sources  []FeeSource
	breakers map[string]*gobreaker.CircuitBreaker

	// Sanity bounds applied to every source answer.
	minRate uint64
	maxRate uint64

	// Fallback when all sources fail.
	defaultRate uint64

	ttl   time.Duration
	mu    sync.Mutex
	cache map[Tier]cachedRate

	log *logging.Logger
}

// NewFeeOracle builds an oracle for a chain. Sources are consulted in order;
// bounds and the fallback rate come from the chain registry.
func NewFeeOracle(symbol string, network chain.Network, sources []FeeSource, log *logging.Logger) *FeeOracle {
	minRate := uint64(1)
	maxRate := uint64(1000)
	defaultRate := uint64(10)
	if params, ok := chain.Get(symbol, network); ok {
		if params.MaxFeeRate > 0 {
			maxRate = params.MaxFeeRate
		}
		if params.DefaultFeeRate > 0 {
			defaultRate = params.DefaultFeeRate
		}
	}

	if log == nil {
		log = logging.GetDefault()
	}

	o := &FeeOracle{
		sources:     sources,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		minRate:     minRate,
		maxRate:     maxRate,
		defaultRate: defaultRate,
		ttl:         time.Minute,
		cache:       make(map[Tier]cachedRate),
		log:         log.Component("fees").With("chain", symbol),
	}

	for _, src := range sources {
		o.breakers[src.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    src.Name(),
			Timeout: 2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}

	return o
}

// SetTTL overrides the cache lifetime.
func (o *FeeOracle) SetTTL(ttl time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ttl = ttl
}

// Estimate returns a sat/vB rate for the tier. Sources are tried in order
// through their breakers; the first answer inside the sanity bounds is cached
// and returned. An out-of-bounds answer disqualifies its source for the round
// instead of being clamped; a source quoting nonsense cannot be trusted for
// the real rate either. When everything fails the chain default is returned.
func (o *FeeOracle) Estimate(ctx context.Context, tier Tier) uint64 {
	o.mu.Lock()
	if cached, ok := o.cache[tier]; ok && time.Since(cached.at) < o.ttl {
		o.mu.Unlock()
		return cached.rate
	}
	o.mu.Unlock()

	for _, src := range o.sources {
		cb := o.breakers[src.Name()]
		result, err := cb.Execute(func() (interface{}, error) {
			return src.FeeRate(ctx, tier)
		})
		if err != nil {
			o.log.Debug("fee source failed", "source", src.Name(), "err", err)
			continue
		}

		rate := result.(uint64)
		if rate < o.minRate || rate > o.maxRate {
			o.log.Warn("fee source out of bounds, skipping",
				"source", src.Name(), "rate", rate, "min", o.minRate, "max", o.maxRate)
			continue
		}

		o.mu.Lock()
		o.cache[tier] = cachedRate{rate: rate, at: time.Now()}
		o.mu.Unlock()
		return rate
	}

	o.log.Warn("all fee sources failed, using default rate", "rate", o.defaultRate)
	return o.defaultRate
}
