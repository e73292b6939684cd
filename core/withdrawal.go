package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// withdrawalPlan is the effect of a withdrawal, computed before anything is mutated.
type withdrawalPlan struct {
	full      bool
	newAmount decimal.Decimal
	refund    decimal.Decimal
}

// WithdrawalProcessor applies the bonus clock's decay to a bid's active amount.
//
// During the full-bonus window a withdrawal refunds everything and deactivates the bid.
// During the decay window the bid keeps amount × (1 − elapsed) and the rest is refunded;
// the cap never changes, so the bid keeps its position. Each bid withdraws at most once;
// a decay withdrawal that refunds nothing, as at the very end of the full-bonus window,
// does not count.
type WithdrawalProcessor struct {
	clock BonusClock
}

// NewWithdrawalProcessor returns a processor driven by clock.
func NewWithdrawalProcessor(clock BonusClock) WithdrawalProcessor {
	return WithdrawalProcessor{clock: clock}
}

// Plan checks the withdrawal preconditions and computes its effect.
func (wp WithdrawalProcessor) Plan(b *Bid, caller Identity, now time.Time) (withdrawalPlan, error) {
	if b.Bidder != caller {
		return withdrawalPlan{}, newError(ErrCodeNotBidder, b.ID, "caller %q is not the bidder", caller)
	}
	if !b.Active || b.Withdrawn {
		return withdrawalPlan{}, newError(ErrCodeAlreadyWithdrawn, b.ID, "bid already withdrawn")
	}

	switch wp.clock.Phase(now) {
	case PhaseNotStarted:
		return withdrawalPlan{}, newError(ErrCodeSaleNotOpen, b.ID, "sale has not started")
	case PhaseFullBonus:
		return withdrawalPlan{full: true, newAmount: zero, refund: b.Amount}, nil
	case PhaseDecay:
		retained := one.Sub(wp.clock.DecayElapsed(now))
		newAmount := b.Amount.Mul(retained).RoundDown(monetaryPrecision)
		return withdrawalPlan{newAmount: newAmount, refund: b.Amount.Sub(newAmount)}, nil
	}
	return withdrawalPlan{}, newError(ErrCodeTooLate, b.ID, "withdrawals locked since %s", wp.clock.phases.withdrawalLockStart)
}
