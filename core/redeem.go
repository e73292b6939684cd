package core

import (
	"github.com/shopspring/decimal"
)

// RedemptionProcessor computes the settlement of a bid once finalization is complete.
// Accepted bids share the token supply pro rata by virtual contribution. The cutoff bid
// takes its accepted fraction of that share, which FinalizationWalker always leaves at
// zero, and a refund of the rest. Bids below the cutoff are refunded in full.
type RedemptionProcessor struct {
	state  *FinalizationState
	supply decimal.Decimal
}

// NewRedemptionProcessor returns a processor over a finalized walk.
func NewRedemptionProcessor(state *FinalizationState, supply decimal.Decimal) RedemptionProcessor {
	return RedemptionProcessor{state: state, supply: supply}
}

// Effect returns the tokens and refund owed to b. It does not mutate anything.
func (rp RedemptionProcessor) Effect(b *Bid) Effect {
	eff := Effect{BidID: b.ID, Bidder: b.Bidder, Tokens: zero, Refund: zero}
	if !b.Active {
		eff.Outcome = OutcomeWithdrawn
		return eff
	}

	switch b.Outcome {
	case OutcomeAccepted:
		eff.Outcome = OutcomeAccepted
		eff.Tokens = rp.tokensFor(b.Virtual())
	case OutcomeCutoff:
		f := b.AcceptedFraction
		eff.Outcome = OutcomeCutoff
		eff.Tokens = rp.tokensFor(b.Virtual().Mul(f))
		eff.Refund = b.Amount.Sub(cutoffAccepted(b.Amount, f))
	default:
		eff.Outcome = OutcomeRejected
		eff.Refund = b.Amount
	}
	return eff
}

// tokensFor returns the pro-rata token share of a virtual contribution, rounded down so
// the sum over all bids never exceeds the supply.
func (rp RedemptionProcessor) tokensFor(share decimal.Decimal) decimal.Decimal {
	total := rp.state.CumulativeVirtual
	if total.IsZero() || share.IsZero() {
		return zero
	}
	return rp.supply.Mul(share).DivRound(total, tokenPrecision+6).RoundDown(tokenPrecision)
}
