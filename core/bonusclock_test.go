package core

import (
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestNewPhaseConfig_Validation(t *testing.T) {
	t0 := saleStart
	tests := []struct {
		name    string
		times   [4]time.Time
		bonus   string
		wantErr bool
	}{
		{"valid", [4]time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour), t0.Add(3 * time.Hour)}, "0.3", false},
		{"empty decay and lock", [4]time.Time{t0, t0.Add(time.Hour), t0.Add(time.Hour), t0.Add(time.Hour)}, "0", false},
		{"empty full bonus", [4]time.Time{t0, t0, t0.Add(time.Hour), t0.Add(2 * time.Hour)}, "0.3", true},
		{"lock before bonus end", [4]time.Time{t0, t0.Add(2 * time.Hour), t0.Add(time.Hour), t0.Add(3 * time.Hour)}, "0.3", true},
		{"end before lock", [4]time.Time{t0, t0.Add(time.Hour), t0.Add(3 * time.Hour), t0.Add(2 * time.Hour)}, "0.3", true},
		{"negative bonus", [4]time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour), t0.Add(3 * time.Hour)}, "-0.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPhaseConfig(tt.times[0], tt.times[1], tt.times[2], tt.times[3], d(tt.bonus))
			check.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestPhasesFromDurations(t *testing.T) {
	pc := testPhases(t)
	check.Equal(t, saleStart, pc.StartTime())
	check.Equal(t, saleStart.Add(time.Hour), pc.FullBonusEnd())
	check.Equal(t, saleStart.Add(3*time.Hour), pc.WithdrawalLockStart())
	check.Equal(t, saleStart.Add(4*time.Hour), pc.SaleEnd())
	checkDecimal(t, "0.2", pc.MaxBonus())
}

func TestBonusClock_Phases(t *testing.T) {
	clock := NewBonusClock(testPhases(t))
	tests := []struct {
		offset time.Duration
		phase  Phase
		bonus  string
	}{
		{0, PhaseFullBonus, "0.2"},
		{59 * time.Minute, PhaseFullBonus, "0.2"},
		{time.Hour, PhaseDecay, "0.2"},
		{90 * time.Minute, PhaseDecay, "0.15"},
		{2 * time.Hour, PhaseDecay, "0.1"},
		{150 * time.Minute, PhaseDecay, "0.05"},
		{3 * time.Hour, PhaseLocked, "0"},
		{4*time.Hour - time.Nanosecond, PhaseLocked, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.phase.String()+"@"+tt.offset.String(), func(t *testing.T) {
			now := saleStart.Add(tt.offset)
			check.Equal(t, tt.phase, clock.Phase(now))
			bonus, err := clock.BonusFraction(now)
			assert.NoError(t, err)
			checkDecimal(t, tt.bonus, bonus)
		})
	}
}

func TestBonusClock_OutsideSale(t *testing.T) {
	clock := NewBonusClock(testPhases(t))

	check.Equal(t, PhaseNotStarted, clock.Phase(saleStart.Add(-time.Nanosecond)))
	_, err := clock.BonusFraction(saleStart.Add(-time.Nanosecond))
	check.True(t, errors.Is(err, ErrSaleNotOpen))

	check.Equal(t, PhaseClosed, clock.Phase(saleStart.Add(4*time.Hour)))
	_, err = clock.BonusFraction(saleStart.Add(4 * time.Hour))
	check.True(t, errors.Is(err, ErrSaleClosed))
}

func TestBonusClock_DecayIsMonotonic(t *testing.T) {
	clock := NewBonusClock(testPhases(t))
	prev, err := clock.BonusFraction(saleStart)
	assert.NoError(t, err)
	for offset := time.Duration(0); offset < 4*time.Hour; offset += 7 * time.Minute {
		bonus, err := clock.BonusFraction(saleStart.Add(offset))
		assert.NoError(t, err)
		check.True(t, bonus.LessThanOrEqual(prev))
		prev = bonus
	}
}

func TestBonusClock_VirtualContribution(t *testing.T) {
	clock := NewBonusClock(testPhases(t))

	v, err := clock.VirtualContribution(d("12"), saleStart)
	assert.NoError(t, err)
	checkDecimal(t, "14.4", v)

	v, err = clock.VirtualContribution(d("10"), saleStart.Add(2*time.Hour))
	assert.NoError(t, err)
	checkDecimal(t, "11", v)
}

func TestBonusClock_DecayElapsed(t *testing.T) {
	clock := NewBonusClock(testPhases(t))
	checkDecimal(t, "0", clock.DecayElapsed(saleStart))
	checkDecimal(t, "0", clock.DecayElapsed(saleStart.Add(time.Hour)))
	checkDecimal(t, "0.25", clock.DecayElapsed(saleStart.Add(90*time.Minute)))
	checkDecimal(t, "1", clock.DecayElapsed(saleStart.Add(3*time.Hour)))
	checkDecimal(t, "1", clock.DecayElapsed(saleStart.Add(10*time.Hour)))
}
