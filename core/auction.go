package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxSearchSteps bounds an insertion walk when neither the request nor the
// config sets a budget.
const DefaultMaxSearchSteps = 64

// Config describes one sale.
type Config struct {
	Phases          PhaseConfig
	MinContribution decimal.Decimal
	// BucketBounds are the strictly increasing inner boundaries of the bucket index.
	BucketBounds []decimal.Decimal
	// MaxSearchSteps is the default insertion walk budget.
	MaxSearchSteps int
	// SaleAccount holds the token supply on the ledger.
	SaleAccount Identity
}

// Dependencies are the external collaborators of an Auction. Gate is optional.
type Dependencies struct {
	Ledger TokenLedger
	Payer  Payer
	Gate   Gate
}

// SubmitRequest is a new bid. Hint only speeds up positioning; a zero MaxSearchSteps
// falls back to the configured budget.
type SubmitRequest struct {
	Bidder         Identity
	Cap            Cap
	Amount         decimal.Decimal
	Hint           Hint
	MaxSearchSteps int
}

// Auction is the sale state machine. It is single-writer: callers serialize every
// operation, and collaborators may re-enter it only from inside those calls.
type Auction struct {
	cfg    Config
	clock  BonusClock
	book   *BidBook
	fin    FinalizationState
	supply decimal.Decimal

	withdrawals WithdrawalProcessor
	walker      *FinalizationWalker

	ledger TokenLedger
	payer  Payer
	gate   Gate
}

// NewAuction validates cfg and reads the token supply from the sale account.
func NewAuction(cfg Config, deps Dependencies) (*Auction, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("token ledger is required")
	}
	if deps.Payer == nil {
		return nil, fmt.Errorf("payer is required")
	}
	if cfg.MinContribution.IsNegative() {
		return nil, fmt.Errorf("invalid negative minimum contribution %s", cfg.MinContribution)
	}
	if cfg.MaxSearchSteps < 0 {
		return nil, fmt.Errorf("invalid negative search budget %d", cfg.MaxSearchSteps)
	}
	if cfg.MaxSearchSteps == 0 {
		cfg.MaxSearchSteps = DefaultMaxSearchSteps
	}
	index, err := NewBucketIndex(cfg.BucketBounds)
	if err != nil {
		return nil, fmt.Errorf("build bucket index: %w", err)
	}
	supply, err := deps.Ledger.BalanceOf(cfg.SaleAccount)
	if err != nil {
		return nil, fmt.Errorf("read token supply of %q: %w", cfg.SaleAccount, err)
	}
	return newAuction(cfg, deps, NewBidBook(index), supply), nil
}

func newAuction(cfg Config, deps Dependencies, book *BidBook, supply decimal.Decimal) *Auction {
	a := &Auction{
		cfg:    cfg,
		clock:  NewBonusClock(cfg.Phases),
		book:   book,
		supply: supply,
		ledger: deps.Ledger,
		payer:  deps.Payer,
		gate:   deps.Gate,
	}
	a.withdrawals = NewWithdrawalProcessor(a.clock)
	a.walker = NewFinalizationWalker(a.book, &a.fin)
	return a
}

// SubmitBid places a new bid in cap order.
//
// Processing flow:
//  1. Check the sale window, amount, cap, identity and gate
//  2. Record the bonus fraction in effect at now
//  3. Walk from the hint to the bid's position within the search budget
//
// Returns the new bid's ID and the number of walk steps used. A failed walk leaves the
// book unchanged and fails with InvalidPosition.
func (a *Auction) SubmitBid(req SubmitRequest, now time.Time) (BidID, int, error) {
	bonus, err := a.clock.BonusFraction(now)
	if err != nil {
		return 0, 0, err
	}
	if !meetsMinimum(req.Amount, a.cfg.MinContribution) {
		return 0, 0, newError(ErrCodeInvalidAmount, 0, "amount %s below minimum %s", req.Amount, a.cfg.MinContribution)
	}
	if !req.Cap.IsUncapped() && !req.Cap.Amount().IsPositive() {
		return 0, 0, newError(ErrCodeInvalidCap, 0, "cap %s must be positive", req.Cap)
	}
	if id, ok := a.book.ActiveBidOf(req.Bidder); ok {
		return 0, 0, newError(ErrCodeDuplicateBid, id, "%q already has an active bid", req.Bidder)
	}
	if a.gate != nil && !a.gate.IsAllowed(req.Bidder, req.Amount) {
		return 0, 0, newError(ErrCodeNotAllowed, 0, "%q may not bid %s", req.Bidder, req.Amount)
	}

	budget := req.MaxSearchSteps
	if budget <= 0 {
		budget = a.cfg.MaxSearchSteps
	}
	amount := req.Amount.Round(monetaryPrecision)
	bid := Bid{
		ID:               BidID(a.book.Len() + 1),
		Bidder:           req.Bidder,
		Cap:              req.Cap,
		Amount:           amount,
		Contributed:      amount,
		Bonus:            bonus,
		SubmittedAt:      now,
		Active:           true,
		Outcome:          OutcomePending,
		AcceptedFraction: zero,
	}
	steps, err := a.book.insert(bid, req.Hint, budget)
	if err != nil {
		return 0, steps, err
	}
	return bid.ID, steps, nil
}

// WithdrawBid reduces or cancels a bid before the withdrawal lock and pays the refund.
// If the payout fails the bid is restored and the error is returned.
func (a *Auction) WithdrawBid(caller Identity, id BidID, now time.Time) (decimal.Decimal, error) {
	b, ok := a.book.get(id)
	if !ok {
		return zero, newError(ErrCodeUnknownBid, id, "no such bid")
	}
	plan, err := a.withdrawals.Plan(b, caller, now)
	if err != nil {
		return zero, err
	}

	before := *b
	b.Amount = plan.newAmount
	// A withdrawal that releases nothing does not use up the bid's one withdrawal.
	b.Withdrawn = plan.full || plan.refund.IsPositive()
	if plan.full {
		b.Active = false
	}

	if plan.refund.IsPositive() {
		if err := a.payer.Payout(caller, plan.refund); err != nil {
			*a.mustBid(id) = before
			return zero, transferError(id, "refund payout", err)
		}
	}
	if plan.full {
		a.book.release(a.mustBid(id))
	}
	return plan.refund, nil
}

// Finalize advances the finalization walk by at most maxSteps bids.
//
// Returns the number of bids scanned and whether finalization is complete. It may be
// called repeatedly with any budgets; the result does not depend on how the walk is
// split. A budget of zero or less changes nothing.
func (a *Auction) Finalize(now time.Time, maxSteps int) (int, bool, error) {
	if a.fin.Finalized {
		return 0, true, nil
	}
	if a.clock.Phase(now) != PhaseClosed {
		return 0, false, newError(ErrCodeSaleNotEnded, 0, "sale ends at %s", a.cfg.Phases.SaleEnd())
	}
	steps, done := a.walker.Step(maxSteps)
	return steps, done, nil
}

// Redeem settles a bid after finalization: tokens to accepted bids, refunds to the rest.
// Anyone may redeem any bid, and each bid is redeemed once. The bid is marked redeemed
// before any transfer; if a transfer fails the mark is cleared and legs already paid
// are not repeated on retry.
func (a *Auction) Redeem(id BidID) (Effect, error) {
	if !a.fin.Finalized {
		return Effect{}, newError(ErrCodeNotFinalized, id, "sale is not finalized")
	}
	b, ok := a.book.get(id)
	if !ok {
		return Effect{}, newError(ErrCodeUnknownBid, id, "no such bid")
	}
	if b.Redemption.Redeemed {
		return Effect{}, newError(ErrCodeAlreadyRedeemed, id, "bid already redeemed")
	}

	eff := NewRedemptionProcessor(&a.fin, a.supply).Effect(b)
	b.Redemption.Redeemed = true
	if b.Outcome == OutcomePending {
		b.Outcome = eff.Outcome
	}

	if eff.Refund.IsPositive() && !b.Redemption.RefundPaid {
		if err := a.payer.Payout(eff.Bidder, eff.Refund); err != nil {
			a.mustBid(id).Redemption.Redeemed = false
			return Effect{}, transferError(id, "refund payout", err)
		}
		a.mustBid(id).Redemption.RefundPaid = true
	}
	if eff.Tokens.IsPositive() && !a.mustBid(id).Redemption.TokensPaid {
		if err := a.ledger.Transfer(eff.Bidder, eff.Tokens); err != nil {
			a.mustBid(id).Redemption.Redeemed = false
			return Effect{}, transferError(id, "token transfer", err)
		}
		a.mustBid(id).Redemption.TokensPaid = true
	}
	return eff, nil
}

// Effects previews the settlement of every bid in ID order without paying anything.
func (a *Auction) Effects() ([]Effect, error) {
	if !a.fin.Finalized {
		return nil, newError(ErrCodeNotFinalized, 0, "sale is not finalized")
	}
	rp := NewRedemptionProcessor(&a.fin, a.supply)
	out := make([]Effect, len(a.book.bids))
	for i := range a.book.bids {
		out[i] = rp.Effect(&a.book.bids[i])
	}
	return out, nil
}

func (a *Auction) mustBid(id BidID) *Bid {
	b, _ := a.book.get(id)
	return b
}

// GetBid returns a copy of a bid with its Next link filled in.
func (a *Auction) GetBid(id BidID) (Bid, error) {
	b, ok := a.book.get(id)
	if !ok {
		return Bid{}, newError(ErrCodeUnknownBid, id, "no such bid")
	}
	out := *b
	out.Next = a.book.higherBid(b.slot)
	out.Outcome = a.outcomeOf(b)
	return out, nil
}

// outcomeOf reports bids left below the cutoff as rejected once the walk is complete.
func (a *Auction) outcomeOf(b *Bid) Outcome {
	if !a.fin.Finalized || b.Outcome != OutcomePending {
		return b.Outcome
	}
	if !b.Active {
		return OutcomeWithdrawn
	}
	return OutcomeRejected
}

// Bids returns every bid in ascending cap order.
func (a *Auction) Bids() []Bid {
	out := make([]Bid, 0, a.book.Len())
	a.book.Ascending(func(b Bid) bool {
		b.Outcome = a.outcomeOf(&b)
		out = append(out, b)
		return true
	})
	return out
}

// Buckets returns the bucket index view.
func (a *Auction) Buckets() []Bucket { return a.book.Buckets() }

// Cutoff returns the finalization boundary.
func (a *Auction) Cutoff() Cutoff { return a.fin.Cutoff() }

// Phase returns the sale phase at now.
func (a *Auction) Phase(now time.Time) Phase { return a.clock.Phase(now) }

// Config returns the sale configuration.
func (a *Auction) Config() Config { return a.cfg }

// Totals sums contributions over the book.
func (a *Auction) Totals() Totals {
	t := Totals{
		Bids:             a.book.Len(),
		TotalContributed: zero,
		TotalActive:      zero,
		TotalVirtual:     zero,
		AcceptedReal:     zero,
		AcceptedVirtual:  zero,
		TokenSupply:      a.supply,
		Finalized:        a.fin.Finalized,
	}
	for i := range a.book.bids {
		b := &a.book.bids[i]
		t.TotalContributed = t.TotalContributed.Add(b.Contributed)
		if !b.Active {
			continue
		}
		t.ActiveBids++
		t.TotalActive = t.TotalActive.Add(b.Amount)
		t.TotalVirtual = t.TotalVirtual.Add(b.Virtual())
	}
	if a.fin.Started {
		t.AcceptedReal = a.fin.CumulativeReal
		t.AcceptedVirtual = a.fin.CumulativeVirtual
	}
	return t
}

// CheckOrder verifies the bid book ordering.
func (a *Auction) CheckOrder() error { return a.book.CheckOrder() }
