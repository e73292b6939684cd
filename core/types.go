package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BidID identifies a bid. IDs are assigned monotonically starting at 1; 0 means "no bid".
type BidID uint64

// Identity is an opaque, equality-comparable participant identifier.
type Identity string

// uncappedLabel is the textual form of the uncapped valuation sentinel.
const uncappedLabel = "uncapped"

// Cap is a valuation cap: the largest sale size, in virtual-contribution units, a bidder
// tolerates. The zero value is a zero cap; use Uncapped for bids without a limit.
type Cap struct {
	amount   decimal.Decimal
	uncapped bool
}

// CapOf returns a finite cap.
func CapOf(amount decimal.Decimal) Cap {
	return Cap{amount: amount}
}

// Uncapped returns the sentinel cap that sorts above every finite cap.
func Uncapped() Cap {
	return Cap{uncapped: true}
}

// ParseCap parses a decimal string or "uncapped".
func ParseCap(s string) (Cap, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, uncappedLabel) {
		return Uncapped(), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Cap{}, fmt.Errorf("parse cap %q: %w", s, err)
	}
	return CapOf(d), nil
}

// IsUncapped reports whether c is the uncapped sentinel.
func (c Cap) IsUncapped() bool { return c.uncapped }

// Amount returns the finite cap value. It is meaningless for the uncapped sentinel.
func (c Cap) Amount() decimal.Decimal { return c.amount }

// Cmp compares two caps, treating Uncapped as the maximum.
func (c Cap) Cmp(o Cap) int {
	switch {
	case c.uncapped && o.uncapped:
		return 0
	case c.uncapped:
		return 1
	case o.uncapped:
		return -1
	}
	return c.amount.Cmp(o.amount)
}

// Admits reports whether a sale of the given size does not exceed the cap.
func (c Cap) Admits(size decimal.Decimal) bool {
	return c.uncapped || size.LessThanOrEqual(c.amount)
}

func (c Cap) String() string {
	if c.uncapped {
		return uncappedLabel
	}
	return c.amount.String()
}

// Outcome is the finalization result for a single bid.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeAccepted  Outcome = "accepted"
	OutcomeCutoff    Outcome = "cutoff"
	OutcomeRejected  Outcome = "rejected"
	OutcomeWithdrawn Outcome = "withdrawn"
)

// RedemptionRecord tracks settlement of one bid. Redeemed flips exactly once; the leg
// flags record external transfers that already went through.
type RedemptionRecord struct {
	Redeemed   bool
	RefundPaid bool
	TokensPaid bool
}

// Bid is a single sale bid.
type Bid struct {
	ID     BidID
	Bidder Identity
	Cap    Cap

	// Amount is the active contribution; withdrawals reduce it.
	Amount decimal.Decimal
	// Contributed is the amount originally sent with the bid.
	Contributed decimal.Decimal
	// Bonus is the bonus fraction recorded at submission.
	Bonus decimal.Decimal

	SubmittedAt time.Time
	Active      bool
	// Withdrawn is set once a withdrawal has released money.
	Withdrawn bool

	Outcome          Outcome
	AcceptedFraction decimal.Decimal
	Redemption       RedemptionRecord

	// Next is the closest bid with a higher position in cap order, 0 if none. It is
	// filled in by read accessors and not stored.
	Next BidID

	slot int
}

// Virtual returns the bid's virtual contribution: Amount × (1 + Bonus).
func (b *Bid) Virtual() decimal.Decimal {
	return virtualOf(b.Amount, b.Bonus)
}

// Totals summarizes the sale state.
type Totals struct {
	Bids             int
	ActiveBids       int
	TotalContributed decimal.Decimal
	TotalActive      decimal.Decimal
	TotalVirtual     decimal.Decimal

	// Accepted sums are only meaningful once Finalized is true.
	AcceptedReal    decimal.Decimal
	AcceptedVirtual decimal.Decimal
	TokenSupply     decimal.Decimal
	Finalized       bool
}

// Cutoff describes the finalization boundary.
type Cutoff struct {
	BidID            BidID
	AcceptedFraction decimal.Decimal
	// Undersubscribed is set when the walk ran out of bids without exceeding any cap.
	Undersubscribed bool
	Finalized       bool
}

// Effect is the settlement of one redeemed bid.
type Effect struct {
	BidID   BidID
	Bidder  Identity
	Outcome Outcome
	Tokens  decimal.Decimal
	Refund  decimal.Decimal
}
