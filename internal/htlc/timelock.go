package htlc

import (
	"errors"
	"fmt"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/chain"
)

// Timelock errors
var (
	ErrInvalidSchedule = errors.New("invalid timelock schedule")
)

// Stage identifies one window in a swap's timelock schedule. Windows open in
// order; an action allowed in stage N stays allowed until the next stage that
// supersedes it opens.
type Stage int

const (
	StageDstWithdrawal Stage = iota // taker may claim on destination
	StageDstPublicWithdrawal
	StageDstCancellation // destination funds become refundable
	StageSrcWithdrawal   // resolver may claim on source with the secret
	StageSrcPublicWithdrawal
	StageSrcCancellation // source escrow refundable by maker
	StageSrcPublicCancellation

	// NumStages is the number of windows in a schedule.
	NumStages = 7
)

// String returns a short stage name for logs.
func (s Stage) String() string {
	switch s {
	case StageDstWithdrawal:
		return "dst_withdrawal"
	case StageDstPublicWithdrawal:
		return "dst_public_withdrawal"
	case StageDstCancellation:
		return "dst_cancellation"
	case StageSrcWithdrawal:
		return "src_withdrawal"
	case StageSrcPublicWithdrawal:
		return "src_public_withdrawal"
	case StageSrcCancellation:
		return "src_cancellation"
	case StageSrcPublicCancellation:
		return "src_public_cancellation"
	default:
		return "unknown"
	}
}

// TimelockSchedule holds the opening time of each stage window. Stages are
// strictly increasing and the last stage coincides with the order expiry.
type TimelockSchedule struct {
	stages [NumStages]time.Time
}

// DeriveTimelockSchedule divides the span between now and the order expiry
// into seven equal windows, one per stage. The final stage opens exactly at
// expiry. Returns ErrInvalidSchedule when expiry is not in the future or the
// span is too short to give every window at least one second.
func DeriveTimelockSchedule(expiry, now time.Time) (*TimelockSchedule, error) {
	if !expiry.After(now) {
		return nil, fmt.Errorf("%w: expiry %s not after %s", ErrInvalidSchedule, expiry, now)
	}

	span := expiry.Sub(now)
	segment := span / NumStages
	if segment < time.Second {
		return nil, fmt.Errorf("%w: %s leaves less than 1s per stage", ErrInvalidSchedule, span)
	}

	var s TimelockSchedule
	for i := 0; i < NumStages-1; i++ {
		s.stages[i] = now.Add(segment * time.Duration(i+1))
	}
	// Assign the last stage directly so integer division never truncates it
	// away from the expiry.
	s.stages[NumStages-1] = expiry
	return &s, nil
}

// ScheduleFromStages rebuilds a schedule from stored stage times. The input
// must hold exactly NumStages strictly increasing values; stages already in
// the past are fine, a schedule reloaded mid-swap has them.
func ScheduleFromStages(stages []time.Time) (*TimelockSchedule, error) {
	if !MonotonicStages(stages) {
		return nil, fmt.Errorf("%w: %d stages", ErrInvalidSchedule, len(stages))
	}
	var s TimelockSchedule
	copy(s.stages[:], stages)
	return &s, nil
}

// Stage returns the opening time of the given stage.
func (s *TimelockSchedule) Stage(stage Stage) time.Time {
	return s.stages[stage]
}

// Stages returns all stage opening times in order.
func (s *TimelockSchedule) Stages() []time.Time {
	out := make([]time.Time, NumStages)
	copy(out, s.stages[:])
	return out
}

// Expiry returns the final stage time.
func (s *TimelockSchedule) Expiry() time.Time {
	return s.stages[NumStages-1]
}

// Active returns the stage whose window is open at t, or -1 when t is before
// the first window.
func (s *TimelockSchedule) Active(t time.Time) Stage {
	active := Stage(-1)
	for i := 0; i < NumStages; i++ {
		if !t.Before(s.stages[i]) {
			active = Stage(i)
		}
	}
	return active
}

// ValidateSchedule reports whether the given stage times form a schedule a
// new swap can run on: exactly NumStages strictly increasing entries, all
// still in the future.
func ValidateSchedule(stages []time.Time) bool {
	if !MonotonicStages(stages) {
		return false
	}
	// Strictly increasing, so the first stage in the future puts them all
	// there.
	return stages[0].After(time.Now())
}

// MonotonicStages reports whether the stage times have the shape of a
// schedule: exactly NumStages entries, strictly increasing. Past stages are
// accepted; use ValidateSchedule when the schedule must still be actionable.
func MonotonicStages(stages []time.Time) bool {
	if len(stages) != NumStages {
		return false
	}
	for i := 1; i < len(stages); i++ {
		if !stages[i].After(stages[i-1]) {
			return false
		}
	}
	return true
}

// FitsChains reports whether every stage window is at least one block
// interval of the slowest chain involved in the swap. Tighter schedules risk
// a window closing before the chain can confirm the transaction that uses it.
func (s *TimelockSchedule) FitsChains(symbols []string, network chain.Network) bool {
	slowest := chain.SlowestBlockInterval(symbols, network)
	if slowest == 0 {
		return false
	}
	prev := s.stages[0]
	for i := 1; i < NumStages; i++ {
		if s.stages[i].Sub(prev) < slowest {
			return false
		}
		prev = s.stages[i]
	}
	return true
}
