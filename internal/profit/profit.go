// Package profit is the cost/benefit gate in front of the execution queue.
// Every order passes through Analyze before it may be matched; orders that
// cannot be priced fail closed.
package profit

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/chain"
	"github.com/crossmesh/fusion-resolver/internal/order"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
	"github.com/shopspring/decimal"
)

// CostSource prices an order's execution, typically the escrow factory's
// query surface.
type CostSource interface {
	EstimateExecutionCost(ctx context.Context, orderHash [32]byte, destChain string) (*big.Int, error)
	CalculateMinSafetyDeposit(ctx context.Context, amount *big.Int) (*big.Int, error)
}

// GasSource provides the source chain's current gas price.
type GasSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Config holds the analyzer's thresholds. All monetary values are in
// source-chain wei.
type Config struct {
	// MinProfit is the absolute floor below which an order is not worth
	// the risk of two settlement legs.
	MinProfit *big.Int

	// MinMarginBps is the floor on profit relative to total cost.
	MinMarginBps int64

	// MaxSafetyDepositBps caps the deposit as a share of the source amount.
	MaxSafetyDepositBps int64

	// OpportunityCostBps prices the capital locked in the safety deposit
	// for the duration of the swap.
	OpportunityCostBps int64

	// SourceGasUnits budgets the match plus complete transactions.
	SourceGasUnits uint64

	// MinTimeToExpiry rejects orders that leave no room for the timelock
	// schedule to fit.
	MinTimeToExpiry time.Duration
}

// DefaultConfig returns conservative thresholds.
func DefaultConfig() *Config {
	return &Config{
		MinProfit:           big.NewInt(1_000_000_000_000_000), // 0.001 in 18 decimals
		MinMarginBps:        200,                               // 2%
		MaxSafetyDepositBps: 2_000,                             // 20%
		OpportunityCostBps:  50,
		SourceGasUnits:      400_000,
		MinTimeToExpiry:     time.Hour,
	}
}

// Assessment is the analyzer's verdict on one order.
type Assessment struct {
	IsProfitable    bool
	EstimatedProfit decimal.Decimal
	GasEstimate     *big.Int
	SafetyDeposit   *big.Int
	ProfitMargin    decimal.Decimal // fraction of total cost
	Risk            chain.RiskLevel
	Priority        int // 0-100, queue ordering
	Reasoning       string
}

// Analyzer computes assessments. Safe for concurrent use.
type Analyzer struct {
	costs CostSource
	gas   GasSource
	cfg   *Config
	log   *logging.Logger
}

// NewAnalyzer creates an analyzer over the given price sources.
func NewAnalyzer(costs CostSource, gas GasSource, cfg *Config, log *logging.Logger) *Analyzer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Analyzer{costs: costs, gas: gas, cfg: cfg, log: log.Component("profit")}
}

// reject builds a fail-closed assessment.
func reject(reason string) *Assessment {
	return &Assessment{IsProfitable: false, Reasoning: reason}
}

// Analyze prices an order. It never returns an error: anything that cannot
// be priced comes back non-profitable with the reason attached.
func (a *Analyzer) Analyze(ctx context.Context, o *order.SwapOrder) *Assessment {
	if o.ResolverFee == nil || o.SourceAmount == nil {
		return reject("order is missing fee or amount")
	}
	if time.Until(o.Expiry) < a.cfg.MinTimeToExpiry {
		return reject(fmt.Sprintf("expires in %s, below the %s floor",
			time.Until(o.Expiry).Round(time.Second), a.cfg.MinTimeToExpiry))
	}

	execCost, err := a.costs.EstimateExecutionCost(ctx, o.OrderHash, o.DestChain)
	if err != nil {
		a.log.Warn("execution cost unavailable", "order", order.HashString(o.OrderHash), "error", err)
		return reject("execution cost unavailable")
	}
	gasPrice, err := a.gas.SuggestGasPrice(ctx)
	if err != nil {
		a.log.Warn("gas price unavailable", "order", order.HashString(o.OrderHash), "error", err)
		return reject("source gas price unavailable")
	}

	deposit := o.SafetyDeposit
	if deposit == nil || deposit.Sign() == 0 {
		deposit, err = a.costs.CalculateMinSafetyDeposit(ctx, o.SourceAmount)
		if err != nil {
			return reject("safety deposit unavailable")
		}
	}

	// Deposit cap: deposit/amount must stay under MaxSafetyDepositBps.
	depositBps := new(big.Int).Mul(deposit, big.NewInt(10_000))
	depositCap := new(big.Int).Mul(o.SourceAmount, big.NewInt(a.cfg.MaxSafetyDepositBps))
	if depositBps.Cmp(depositCap) > 0 {
		return reject(fmt.Sprintf("safety deposit exceeds %d bps of the order amount", a.cfg.MaxSafetyDepositBps))
	}

	sourceGas := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(a.cfg.SourceGasUnits))

	fee := decimal.NewFromBigInt(o.ResolverFee, 0)
	cost := decimal.NewFromBigInt(execCost, 0).
		Add(decimal.NewFromBigInt(sourceGas, 0)).
		Add(decimal.NewFromBigInt(deposit, 0).
			Mul(decimal.NewFromInt(a.cfg.OpportunityCostBps)).
			Div(decimal.NewFromInt(10_000)))
	net := fee.Sub(cost)

	assessment := &Assessment{
		EstimatedProfit: net,
		GasEstimate:     sourceGas,
		SafetyDeposit:   deposit,
		Risk:            a.pairRisk(o),
	}
	if cost.IsPositive() {
		assessment.ProfitMargin = net.Div(cost)
	}

	minProfit := decimal.NewFromBigInt(a.cfg.MinProfit, 0)
	minMargin := decimal.NewFromInt(a.cfg.MinMarginBps).Div(decimal.NewFromInt(10_000))
	switch {
	case net.LessThan(minProfit):
		assessment.Reasoning = fmt.Sprintf("profit %s below the %s floor", net, minProfit)
	case assessment.ProfitMargin.LessThan(minMargin):
		assessment.Reasoning = fmt.Sprintf("margin %s below the %s floor",
			assessment.ProfitMargin.StringFixed(4), minMargin.StringFixed(4))
	default:
		assessment.IsProfitable = true
		assessment.Priority = a.priority(net, minProfit, assessment.Risk, o.Expiry)
		assessment.Reasoning = fmt.Sprintf("profit %s, margin %s",
			net, assessment.ProfitMargin.StringFixed(4))
	}
	return assessment
}

// pairRisk is the worse of the two legs' settlement risk.
func (a *Analyzer) pairRisk(o *order.SwapOrder) chain.RiskLevel {
	rank := map[chain.RiskLevel]int{chain.RiskLow: 0, chain.RiskMedium: 1, chain.RiskHigh: 2}
	worst := chain.RiskHigh // unknown chains are treated as high risk
	if src, ok := chain.Get(o.SourceChain, chain.Mainnet); ok {
		if dst, ok := chain.Get(o.DestChain, chain.Mainnet); ok {
			worst = src.Risk
			if rank[dst.Risk] > rank[worst] {
				worst = dst.Risk
			}
		}
	}
	return worst
}

// priority maps profit, risk and time-to-expiry onto 0-100. Profit dominates;
// risk discounts; a shrinking expiry discounts further because the timelock
// schedule gets tighter.
func (a *Analyzer) priority(net, minProfit decimal.Decimal, risk chain.RiskLevel, expiry time.Time) int {
	ratio := decimal.NewFromInt(1)
	if minProfit.IsPositive() {
		ratio = net.Div(minProfit)
	}
	points := ratio.Mul(decimal.NewFromInt(10))
	if points.GreaterThan(decimal.NewFromInt(100)) {
		points = decimal.NewFromInt(100)
	}

	switch risk {
	case chain.RiskMedium:
		points = points.Mul(decimal.NewFromFloat(0.75))
	case chain.RiskHigh:
		points = points.Mul(decimal.NewFromFloat(0.5))
	}

	hoursLeft := time.Until(expiry).Hours()
	timeFactor := hoursLeft / 24
	if timeFactor > 1 {
		timeFactor = 1
	} else if timeFactor < 0.25 {
		timeFactor = 0.25
	}
	points = points.Mul(decimal.NewFromFloat(timeFactor))

	p := int(points.IntPart())
	if p < 1 {
		p = 1
	}
	if p > 100 {
		p = 100
	}
	return p
}
