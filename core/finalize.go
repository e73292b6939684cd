package core

import (
	"github.com/shopspring/decimal"
)

// FinalizationState is the resumable progress of the finalization walk. Accumulators
// hold the accepted totals scanned so far, counted from the highest cap downward.
type FinalizationState struct {
	Started           bool
	Cursor            int
	Steps             int
	CumulativeVirtual decimal.Decimal
	CumulativeReal    decimal.Decimal
	CutoffBidID       BidID
	CutoffFraction    decimal.Decimal
	Undersubscribed   bool
	Finalized         bool
}

// Cutoff returns the public view of the finalization boundary.
func (fs *FinalizationState) Cutoff() Cutoff {
	return Cutoff{
		BidID:            fs.CutoffBidID,
		AcceptedFraction: fs.CutoffFraction,
		Undersubscribed:  fs.Undersubscribed,
		Finalized:        fs.Finalized,
	}
}

// FinalizationWalker scans the book from the highest cap downward, accepting every bid
// whose cap admits the virtual total already counted above it. The first bid whose cap is
// exceeded becomes the cutoff and ends the walk. Bids below the cutoff are rejected.
//
// A bid becomes the cutoff only when the total counted above it is already over its cap,
// so its accepted fraction clamps to zero: the cutoff bid receives no tokens and is
// refunded in full. The fraction is still recorded so settlement reads one value.
type FinalizationWalker struct {
	book  *BidBook
	state *FinalizationState
}

// NewFinalizationWalker returns a walker that records its progress in state.
func NewFinalizationWalker(book *BidBook, state *FinalizationState) *FinalizationWalker {
	return &FinalizationWalker{book: book, state: state}
}

// Step scans at most maxSteps bids and reports how many it scanned and whether the walk
// is complete. Boundary markers are skipped without cost. The outcome does not depend on
// how the walk is split into steps.
func (w *FinalizationWalker) Step(maxSteps int) (int, bool) {
	st := w.state
	if st.Finalized {
		return 0, true
	}
	if maxSteps <= 0 {
		return 0, false
	}
	nodes := w.book.nodes
	if !st.Started {
		st.Started = true
		st.Cursor = nodes[w.book.tail].prev
		st.CumulativeVirtual = zero
		st.CumulativeReal = zero
		st.CutoffFraction = zero
	}

	steps := 0
	for {
		n := &nodes[st.Cursor]
		switch n.kind {
		case nodeMarker:
			st.Cursor = n.prev
			continue
		case nodeHead:
			st.Undersubscribed = true
			st.Finalized = true
			return steps, true
		}
		if steps >= maxSteps {
			return steps, false
		}
		steps++
		st.Steps++
		st.Cursor = n.prev

		b := &w.book.bids[n.bid-1]
		if !b.Active {
			b.Outcome = OutcomeWithdrawn
			continue
		}
		virtual := b.Virtual()
		if b.Cap.Admits(st.CumulativeVirtual) {
			b.Outcome = OutcomeAccepted
			b.AcceptedFraction = one
			st.CumulativeVirtual = st.CumulativeVirtual.Add(virtual)
			st.CumulativeReal = st.CumulativeReal.Add(b.Amount)
			continue
		}

		f := clampFraction(ratio(b.Cap.Amount().Sub(st.CumulativeVirtual), virtual))
		b.Outcome = OutcomeCutoff
		b.AcceptedFraction = f
		st.CutoffBidID = b.ID
		st.CutoffFraction = f
		st.CumulativeVirtual = st.CumulativeVirtual.Add(virtual.Mul(f))
		st.CumulativeReal = st.CumulativeReal.Add(cutoffAccepted(b.Amount, f))
		st.Finalized = true
		return steps, true
	}
}

// cutoffAccepted is the real contribution of a cutoff bid that stays in the sale.
func cutoffAccepted(amount, f decimal.Decimal) decimal.Decimal {
	return amount.Mul(f).RoundDown(monetaryPrecision)
}
