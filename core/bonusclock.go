package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Phase is a sale phase derived from wall-clock time.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseFullBonus
	PhaseDecay
	PhaseLocked
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseFullBonus:
		return "full_bonus"
	case PhaseDecay:
		return "decay"
	case PhaseLocked:
		return "locked"
	case PhaseClosed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// PhaseConfig holds the sale schedule. It is immutable after NewPhaseConfig.
type PhaseConfig struct {
	startTime           time.Time
	fullBonusEnd        time.Time
	withdrawalLockStart time.Time
	saleEnd             time.Time
	maxBonus            decimal.Decimal
}

// NewPhaseConfig validates start < fullBonusEnd ≤ withdrawalLockStart ≤ saleEnd and a
// non-negative maximum bonus.
func NewPhaseConfig(start, fullBonusEnd, withdrawalLockStart, saleEnd time.Time, maxBonus decimal.Decimal) (PhaseConfig, error) {
	if !start.Before(fullBonusEnd) {
		return PhaseConfig{}, fmt.Errorf("start time %s must be before full bonus end %s", start, fullBonusEnd)
	}
	if withdrawalLockStart.Before(fullBonusEnd) {
		return PhaseConfig{}, fmt.Errorf("withdrawal lock %s must not be before full bonus end %s", withdrawalLockStart, fullBonusEnd)
	}
	if saleEnd.Before(withdrawalLockStart) {
		return PhaseConfig{}, fmt.Errorf("sale end %s must not be before withdrawal lock %s", saleEnd, withdrawalLockStart)
	}
	if maxBonus.IsNegative() {
		return PhaseConfig{}, fmt.Errorf("invalid negative max bonus %s", maxBonus)
	}
	return PhaseConfig{
		startTime:           start,
		fullBonusEnd:        fullBonusEnd,
		withdrawalLockStart: withdrawalLockStart,
		saleEnd:             saleEnd,
		maxBonus:            maxBonus,
	}, nil
}

// PhasesFromDurations builds a schedule from a start time and consecutive phase lengths.
func PhasesFromDurations(start time.Time, fullBonus, partialWithdrawal, withdrawalLockUp time.Duration, maxBonus decimal.Decimal) (PhaseConfig, error) {
	fullBonusEnd := start.Add(fullBonus)
	lock := fullBonusEnd.Add(partialWithdrawal)
	return NewPhaseConfig(start, fullBonusEnd, lock, lock.Add(withdrawalLockUp), maxBonus)
}

func (pc PhaseConfig) StartTime() time.Time           { return pc.startTime }
func (pc PhaseConfig) FullBonusEnd() time.Time        { return pc.fullBonusEnd }
func (pc PhaseConfig) WithdrawalLockStart() time.Time { return pc.withdrawalLockStart }
func (pc PhaseConfig) SaleEnd() time.Time             { return pc.saleEnd }
func (pc PhaseConfig) MaxBonus() decimal.Decimal      { return pc.maxBonus }

// BonusClock maps wall-clock time to a phase and bonus fraction.
type BonusClock struct {
	phases PhaseConfig
}

// NewBonusClock returns a clock over the given schedule.
func NewBonusClock(phases PhaseConfig) BonusClock {
	return BonusClock{phases: phases}
}

// Phase returns the sale phase at now.
func (bc BonusClock) Phase(now time.Time) Phase {
	p := bc.phases
	switch {
	case now.Before(p.startTime):
		return PhaseNotStarted
	case now.Before(p.fullBonusEnd):
		return PhaseFullBonus
	case now.Before(p.withdrawalLockStart):
		return PhaseDecay
	case now.Before(p.saleEnd):
		return PhaseLocked
	}
	return PhaseClosed
}

// DecayElapsed returns the elapsed share of the decay window at now, in [0, 1].
func (bc BonusClock) DecayElapsed(now time.Time) decimal.Decimal {
	p := bc.phases
	window := p.withdrawalLockStart.Sub(p.fullBonusEnd)
	if window <= 0 || !now.After(p.fullBonusEnd) {
		return zero
	}
	if !now.Before(p.withdrawalLockStart) {
		return one
	}
	elapsed := now.Sub(p.fullBonusEnd)
	return ratio(decimal.NewFromInt(int64(elapsed)), decimal.NewFromInt(int64(window)))
}

// BonusFraction returns the bonus fraction at now. It fails outside the open sale.
func (bc BonusClock) BonusFraction(now time.Time) (decimal.Decimal, error) {
	switch bc.Phase(now) {
	case PhaseNotStarted:
		return zero, ErrSaleNotOpen
	case PhaseClosed:
		return zero, ErrSaleClosed
	case PhaseFullBonus:
		return bc.phases.maxBonus, nil
	case PhaseDecay:
		remaining := one.Sub(bc.DecayElapsed(now))
		return bc.phases.maxBonus.Mul(remaining).Round(fractionPrecision), nil
	}
	return zero, nil
}

// VirtualContribution returns amount × (1 + BonusFraction(now)).
func (bc BonusClock) VirtualContribution(amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	bonus, err := bc.BonusFraction(now)
	if err != nil {
		return zero, err
	}
	return virtualOf(amount, bonus), nil
}
