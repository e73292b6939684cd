package core

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

const saleAccount Identity = "sale"

var saleStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func checkDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	if !d(want).Equal(got) {
		t.Errorf("got %s, want %s", got, want)
	}
}

// Schedule: 1h full bonus, 2h decay, 1h locked.
func testPhases(t *testing.T) PhaseConfig {
	t.Helper()
	pc, err := PhasesFromDurations(saleStart, time.Hour, 2*time.Hour, time.Hour, d("0.2"))
	assert.NoError(t, err)
	return pc
}

func newTestAuction(t *testing.T, bounds ...string) (*Auction, *MemoryLedger) {
	t.Helper()
	ledger := NewMemoryLedger(saleAccount)
	assert.NoError(t, ledger.Mint(saleAccount, d("1000")))

	cfg := Config{Phases: testPhases(t), MinContribution: d("0.1"), SaleAccount: saleAccount}
	for _, b := range bounds {
		cfg.BucketBounds = append(cfg.BucketBounds, d(b))
	}
	a, err := NewAuction(cfg, Dependencies{Ledger: ledger, Payer: ledger})
	assert.NoError(t, err)
	return a, ledger
}

func fullBonusAt() time.Time { return saleStart.Add(10 * time.Minute) }
func saleClosedAt() time.Time { return saleStart.Add(5 * time.Hour) }

func submit(t *testing.T, a *Auction, who Identity, c Cap, amount string, now time.Time) BidID {
	t.Helper()
	id, _, err := a.SubmitBid(SubmitRequest{Bidder: who, Cap: c, Amount: d(amount)}, now)
	assert.NoError(t, err)
	return id
}

func finalizeAll(t *testing.T, a *Auction) {
	t.Helper()
	_, done, err := a.Finalize(saleClosedAt(), a.book.Len()+1)
	assert.NoError(t, err)
	assert.True(t, done)
}

func TestNewAuction_ReadsSupplyFromSaleAccount(t *testing.T) {
	a, _ := newTestAuction(t)
	checkDecimal(t, "1000", a.Totals().TokenSupply)
	check.Equal(t, DefaultMaxSearchSteps, a.Config().MaxSearchSteps)
}

func TestNewAuction_RequiresCollaborators(t *testing.T) {
	ledger := NewMemoryLedger(saleAccount)
	cfg := Config{Phases: testPhases(t)}

	_, err := NewAuction(cfg, Dependencies{Payer: ledger})
	check.Error(t, err)
	_, err = NewAuction(cfg, Dependencies{Ledger: ledger})
	check.Error(t, err)

	cfg.BucketBounds = []decimal.Decimal{d("10"), d("5")}
	_, err = NewAuction(cfg, Dependencies{Ledger: ledger, Payer: ledger})
	check.Error(t, err)
}

func TestSubmitBid_Validation(t *testing.T) {
	a, _ := newTestAuction(t)
	submit(t, a, "alice", CapOf(d("100")), "1", fullBonusAt())

	tests := []struct {
		name string
		req  SubmitRequest
		now  time.Time
		want error
	}{
		{"before start", SubmitRequest{Bidder: "bob", Cap: CapOf(d("10")), Amount: d("1")}, saleStart.Add(-time.Second), ErrSaleNotOpen},
		{"at sale end", SubmitRequest{Bidder: "bob", Cap: CapOf(d("10")), Amount: d("1")}, testPhases(t).SaleEnd(), ErrSaleClosed},
		{"below minimum", SubmitRequest{Bidder: "bob", Cap: CapOf(d("10")), Amount: d("0.05")}, fullBonusAt(), ErrInvalidAmount},
		{"zero amount", SubmitRequest{Bidder: "bob", Cap: CapOf(d("10")), Amount: d("0")}, fullBonusAt(), ErrInvalidAmount},
		{"zero cap", SubmitRequest{Bidder: "bob", Cap: CapOf(d("0")), Amount: d("1")}, fullBonusAt(), ErrInvalidCap},
		{"duplicate identity", SubmitRequest{Bidder: "alice", Cap: CapOf(d("10")), Amount: d("1")}, fullBonusAt(), ErrDuplicateBid},
		{"unknown hint bid", SubmitRequest{Bidder: "bob", Cap: CapOf(d("10")), Amount: d("1"), Hint: NearBid(42)}, fullBonusAt(), ErrInvalidHint},
		{"unknown hint bucket", SubmitRequest{Bidder: "bob", Cap: CapOf(d("10")), Amount: d("1"), Hint: InBucket(3)}, fullBonusAt(), ErrInvalidHint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := a.SubmitBid(tt.req, tt.now)
			check.True(t, errors.Is(err, tt.want))
			check.True(t, IsValidation(err))
			check.Equal(t, 1, a.Totals().Bids)
		})
	}
}

func TestSubmitBid_AllowedDuringLock(t *testing.T) {
	a, _ := newTestAuction(t)
	id := submit(t, a, "alice", CapOf(d("100")), "3", testPhases(t).WithdrawalLockStart())

	b, err := a.GetBid(id)
	assert.NoError(t, err)
	checkDecimal(t, "0", b.Bonus)
	checkDecimal(t, "3", b.Virtual())
}

func TestSubmitBid_Gate(t *testing.T) {
	ledger := NewMemoryLedger(saleAccount)
	gate := GateFunc(func(who Identity, amount decimal.Decimal) bool {
		return who == "vip" || amount.LessThanOrEqual(d("5"))
	})
	a, err := NewAuction(Config{Phases: testPhases(t)}, Dependencies{Ledger: ledger, Payer: ledger, Gate: gate})
	assert.NoError(t, err)

	_, _, err = a.SubmitBid(SubmitRequest{Bidder: "bob", Cap: Uncapped(), Amount: d("6")}, fullBonusAt())
	check.True(t, errors.Is(err, ErrNotAllowed))
	_, _, err = a.SubmitBid(SubmitRequest{Bidder: "bob", Cap: Uncapped(), Amount: d("5")}, fullBonusAt())
	check.NoError(t, err)
	_, _, err = a.SubmitBid(SubmitRequest{Bidder: "vip", Cap: Uncapped(), Amount: d("50")}, fullBonusAt())
	check.NoError(t, err)
}

func TestSubmitBid_RecordsBonusAndNext(t *testing.T) {
	a, _ := newTestAuction(t)
	low := submit(t, a, "alice", CapOf(d("10")), "5", fullBonusAt())
	high := submit(t, a, "bob", CapOf(d("50")), "10", saleStart.Add(2*time.Hour))

	lowBid, err := a.GetBid(low)
	assert.NoError(t, err)
	checkDecimal(t, "0.2", lowBid.Bonus)
	checkDecimal(t, "6", lowBid.Virtual())
	check.Equal(t, high, lowBid.Next)

	highBid, err := a.GetBid(high)
	assert.NoError(t, err)
	checkDecimal(t, "0.1", highBid.Bonus)
	checkDecimal(t, "11", highBid.Virtual())
	check.Equal(t, BidID(0), highBid.Next)

	_, err = a.GetBid(99)
	check.True(t, errors.Is(err, ErrUnknownBid))
}

func TestFinalize_ScenarioA(t *testing.T) {
	a, ledger := newTestAuction(t)
	b30 := submit(t, a, "alice", CapOf(d("30")), "12", fullBonusAt())
	b20 := submit(t, a, "bob", CapOf(d("20")), "8", fullBonusAt())
	b10 := submit(t, a, "carol", CapOf(d("10")), "5", fullBonusAt())

	finalizeAll(t, a)

	cutoff := a.Cutoff()
	check.Equal(t, b10, cutoff.BidID)
	checkDecimal(t, "0", cutoff.AcceptedFraction)
	check.False(t, cutoff.Undersubscribed)
	check.True(t, cutoff.Finalized)

	totals := a.Totals()
	checkDecimal(t, "24", totals.AcceptedVirtual)
	checkDecimal(t, "20", totals.AcceptedReal)

	e30, err := a.Redeem(b30)
	assert.NoError(t, err)
	check.Equal(t, OutcomeAccepted, e30.Outcome)
	checkDecimal(t, "600", e30.Tokens)
	checkDecimal(t, "0", e30.Refund)

	e20, err := a.Redeem(b20)
	assert.NoError(t, err)
	check.Equal(t, OutcomeAccepted, e20.Outcome)
	checkDecimal(t, "400", e20.Tokens)

	e10, err := a.Redeem(b10)
	assert.NoError(t, err)
	check.Equal(t, OutcomeCutoff, e10.Outcome)
	checkDecimal(t, "0", e10.Tokens)
	checkDecimal(t, "5", e10.Refund)

	balance, _ := ledger.BalanceOf("alice")
	checkDecimal(t, "600", balance)
	checkDecimal(t, "5", ledger.Paid("carol"))
	remaining, _ := ledger.BalanceOf(saleAccount)
	checkDecimal(t, "0", remaining)
}

func TestFinalize_ScenarioC_ZeroBudget(t *testing.T) {
	a, _ := newTestAuction(t, "10", "100")
	submit(t, a, "alice", CapOf(d("30")), "12", fullBonusAt())
	submit(t, a, "bob", Uncapped(), "8", fullBonusAt())

	before, err := a.Snapshot()
	assert.NoError(t, err)

	steps, done, err := a.Finalize(saleClosedAt(), 0)
	assert.NoError(t, err)
	check.Equal(t, 0, steps)
	check.False(t, done)

	after, err := a.Snapshot()
	assert.NoError(t, err)
	check.True(t, bytes.Equal(before, after))
}

func TestFinalize_BeforeSaleEnd(t *testing.T) {
	a, _ := newTestAuction(t)
	submit(t, a, "alice", CapOf(d("30")), "12", fullBonusAt())

	_, _, err := a.Finalize(testPhases(t).SaleEnd().Add(-time.Nanosecond), 10)
	check.True(t, errors.Is(err, ErrSaleNotEnded))
	check.True(t, IsState(err))

	_, err = a.Redeem(1)
	check.True(t, errors.Is(err, ErrNotFinalized))
}

func TestFinalize_Undersubscribed(t *testing.T) {
	a, _ := newTestAuction(t, "50")
	ids := []BidID{
		submit(t, a, "alice", CapOf(d("100")), "10", fullBonusAt()),
		submit(t, a, "bob", Uncapped(), "20", fullBonusAt()),
		submit(t, a, "carol", CapOf(d("40")), "5", fullBonusAt()),
	}

	finalizeAll(t, a)

	cutoff := a.Cutoff()
	check.True(t, cutoff.Undersubscribed)
	check.Equal(t, BidID(0), cutoff.BidID)
	for _, id := range ids {
		b, err := a.GetBid(id)
		assert.NoError(t, err)
		check.Equal(t, OutcomeAccepted, b.Outcome)
	}
	checkDecimal(t, "42", a.Totals().AcceptedVirtual)

	steps, done, err := a.Finalize(saleClosedAt(), 10)
	assert.NoError(t, err)
	check.Equal(t, 0, steps)
	check.True(t, done)
}

func TestFinalize_CapBoundaryIsInclusive(t *testing.T) {
	a, _ := newTestAuction(t)
	top := submit(t, a, "alice", Uncapped(), "10", fullBonusAt())
	edge := submit(t, a, "bob", CapOf(d("12")), "1", fullBonusAt())
	below := submit(t, a, "carol", CapOf(d("12.5")), "1", fullBonusAt())

	finalizeAll(t, a)

	// alice counts 12; carol (cap 12.5) admits 12 and counts 13.2; bob (cap 12) is cut.
	for id, want := range map[BidID]Outcome{top: OutcomeAccepted, below: OutcomeAccepted, edge: OutcomeCutoff} {
		b, err := a.GetBid(id)
		assert.NoError(t, err)
		check.Equal(t, want, b.Outcome)
	}

	a2, _ := newTestAuction(t)
	submit(t, a2, "alice", Uncapped(), "10", fullBonusAt())
	exact := submit(t, a2, "bob", CapOf(d("12")), "1", fullBonusAt())
	finalizeAll(t, a2)
	b, err := a2.GetBid(exact)
	assert.NoError(t, err)
	check.Equal(t, OutcomeAccepted, b.Outcome)
	check.True(t, a2.Cutoff().Undersubscribed)
}

func TestFinalize_EqualCapsFavorEarlierBid(t *testing.T) {
	a, _ := newTestAuction(t)
	first := submit(t, a, "alice", CapOf(d("10")), "5", fullBonusAt())
	second := submit(t, a, "bob", CapOf(d("10")), "5", fullBonusAt())

	finalizeAll(t, a)

	b1, _ := a.GetBid(first)
	b2, _ := a.GetBid(second)
	check.Equal(t, OutcomeAccepted, b1.Outcome)
	check.Equal(t, OutcomeCutoff, b2.Outcome)
}

func TestFinalize_RejectsBidsBelowCutoff(t *testing.T) {
	a, _ := newTestAuction(t)
	submit(t, a, "alice", CapOf(d("30")), "12", fullBonusAt())
	submit(t, a, "bob", CapOf(d("20")), "8", fullBonusAt())
	cut := submit(t, a, "carol", CapOf(d("10")), "5", fullBonusAt())
	rejected := submit(t, a, "dave", CapOf(d("5")), "2", fullBonusAt())

	steps, done, err := a.Finalize(saleClosedAt(), 100)
	assert.NoError(t, err)
	check.True(t, done)
	check.Equal(t, 3, steps)
	check.Equal(t, cut, a.Cutoff().BidID)

	b, err := a.GetBid(rejected)
	assert.NoError(t, err)
	check.Equal(t, OutcomeRejected, b.Outcome)

	eff, err := a.Redeem(rejected)
	assert.NoError(t, err)
	check.Equal(t, OutcomeRejected, eff.Outcome)
	checkDecimal(t, "2", eff.Refund)
	checkDecimal(t, "0", eff.Tokens)
}

func TestFinalize_CutoffBidIsRefundedInFull(t *testing.T) {
	oversubscribed := 0
	for seed := int64(20); seed < 26; seed++ {
		a := buildRandomSale(t, seed, 50)
		finalizeAll(t, a)
		cutoff := a.Cutoff()
		if cutoff.Undersubscribed {
			continue
		}
		oversubscribed++
		checkDecimal(t, "0", cutoff.AcceptedFraction)

		b, err := a.GetBid(cutoff.BidID)
		assert.NoError(t, err)
		check.True(t, !b.Cap.Admits(a.fin.CumulativeVirtual))
		eff, err := a.Redeem(cutoff.BidID)
		assert.NoError(t, err)
		check.Equal(t, OutcomeCutoff, eff.Outcome)
		checkDecimal(t, "0", eff.Tokens)
		checkDecimal(t, b.Amount.String(), eff.Refund)
	}
	check.True(t, oversubscribed > 0)
}

// buildRandomSale submits n bids with random caps and times, some withdrawn.
func buildRandomSale(t *testing.T, seed int64, n int) *Auction {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	a, _ := newTestAuction(t, "25", "50", "100", "200")
	for i := 0; i < n; i++ {
		who := Identity("bidder-" + decimal.NewFromInt(int64(i)).String())
		c := Uncapped()
		if rng.Intn(10) > 0 {
			c = CapOf(decimal.NewFromInt(int64(rng.Intn(300) + 1)))
		}
		at := saleStart.Add(time.Duration(rng.Int63n(int64(4 * time.Hour))))
		amount := decimal.NewFromInt(int64(rng.Intn(20) + 1))
		id, _, err := a.SubmitBid(SubmitRequest{Bidder: who, Cap: c, Amount: amount, MaxSearchSteps: 4 * n}, at)
		assert.NoError(t, err)
		if rng.Intn(5) == 0 && a.Phase(at) != PhaseLocked {
			_, err := a.WithdrawBid(who, id, at)
			assert.NoError(t, err)
		}
	}
	assert.NoError(t, a.CheckOrder())
	return a
}

func TestFinalize_BatchingIsIdempotent(t *testing.T) {
	budgets := [][]int{
		{1},
		{2, 3},
		{7},
		{1, 0, 5, 2},
		{1000},
	}
	for seed := int64(1); seed <= 5; seed++ {
		reference := buildRandomSale(t, seed, 60)
		finalizeAll(t, reference)
		want, err := reference.Snapshot()
		assert.NoError(t, err)

		for _, pattern := range budgets {
			a := buildRandomSale(t, seed, 60)
			for i, done := 0, false; !done; i++ {
				var err error
				_, done, err = a.Finalize(saleClosedAt(), pattern[i%len(pattern)])
				assert.NoError(t, err)
			}
			got, err := a.Snapshot()
			assert.NoError(t, err)
			check.True(t, bytes.Equal(want, got))
			check.Equal(t, reference.Cutoff().BidID, a.Cutoff().BidID)
		}
	}
}

func TestRedeem_ConservesMoneyAndTokens(t *testing.T) {
	for seed := int64(10); seed < 15; seed++ {
		a := buildRandomSale(t, seed, 40)
		ledger := a.payer.(*MemoryLedger)
		withdrawnRefunds := decimal.Zero
		for _, b := range a.Bids() {
			withdrawnRefunds = withdrawnRefunds.Add(ledger.Paid(b.Bidder))
		}
		finalizeAll(t, a)
		totals := a.Totals()

		tokens, refunds := decimal.Zero, decimal.Zero
		for _, b := range a.Bids() {
			eff, err := a.Redeem(b.ID)
			assert.NoError(t, err)
			tokens = tokens.Add(eff.Tokens)
			refunds = refunds.Add(eff.Refund)
		}

		check.True(t, tokens.LessThanOrEqual(totals.TokenSupply))
		dust := decimal.New(int64(totals.Bids), -tokenPrecision)
		check.True(t, totals.TokenSupply.Sub(tokens).LessThanOrEqual(dust))
		checkDecimal(t, totals.TotalActive.Sub(totals.AcceptedReal).String(), refunds)
		checkDecimal(t, totals.TotalContributed.String(), withdrawnRefunds.Add(refunds).Add(totals.AcceptedReal))
	}
}

func TestRedeem_OnlyOnce(t *testing.T) {
	a, _ := newTestAuction(t)
	id := submit(t, a, "alice", Uncapped(), "10", fullBonusAt())
	finalizeAll(t, a)

	_, err := a.Redeem(id)
	assert.NoError(t, err)
	_, err = a.Redeem(id)
	check.True(t, errors.Is(err, ErrAlreadyRedeemed))
	check.True(t, IsState(err))

	_, err = a.Redeem(77)
	check.True(t, errors.Is(err, ErrUnknownBid))
}

func TestRedeem_ReentrantTransferCannotPayTwice(t *testing.T) {
	a, ledger := newTestAuction(t)
	id := submit(t, a, "alice", Uncapped(), "10", fullBonusAt())
	finalizeAll(t, a)

	var inner error
	ledger.BeforeTransfer = func(to Identity, amount decimal.Decimal) error {
		_, inner = a.Redeem(id)
		return nil
	}
	eff, err := a.Redeem(id)
	assert.NoError(t, err)
	check.True(t, errors.Is(inner, ErrAlreadyRedeemed))

	balance, _ := ledger.BalanceOf("alice")
	checkDecimal(t, eff.Tokens.String(), balance)
	checkDecimal(t, "1000", balance)
}

func TestRedeem_FailedTransferCanBeRetried(t *testing.T) {
	a, ledger := newTestAuction(t)
	id := submit(t, a, "alice", Uncapped(), "10", fullBonusAt())
	finalizeAll(t, a)

	ledger.BeforeTransfer = func(Identity, decimal.Decimal) error { return errors.New("ledger offline") }
	_, err := a.Redeem(id)
	check.True(t, errors.Is(err, ErrTransferFailed))
	check.True(t, IsTransfer(err))
	b, _ := a.GetBid(id)
	check.False(t, b.Redemption.Redeemed)

	ledger.BeforeTransfer = nil
	_, err = a.Redeem(id)
	assert.NoError(t, err)
	b, _ = a.GetBid(id)
	check.True(t, b.Redemption.Redeemed)
	check.True(t, b.Redemption.TokensPaid)
	balance, _ := ledger.BalanceOf("alice")
	checkDecimal(t, "1000", balance)
}

func TestRedeem_WithdrawnBidSettlesNothing(t *testing.T) {
	a, ledger := newTestAuction(t)
	id := submit(t, a, "alice", CapOf(d("50")), "10", fullBonusAt())
	submit(t, a, "bob", Uncapped(), "4", fullBonusAt())
	_, err := a.WithdrawBid("alice", id, fullBonusAt())
	assert.NoError(t, err)
	finalizeAll(t, a)

	eff, err := a.Redeem(id)
	assert.NoError(t, err)
	check.Equal(t, OutcomeWithdrawn, eff.Outcome)
	checkDecimal(t, "0", eff.Tokens)
	checkDecimal(t, "0", eff.Refund)
	checkDecimal(t, "10", ledger.Paid("alice"))
}

func TestTotals(t *testing.T) {
	a, _ := newTestAuction(t)
	submit(t, a, "alice", CapOf(d("50")), "10", fullBonusAt())
	id := submit(t, a, "bob", Uncapped(), "4", fullBonusAt())
	_, err := a.WithdrawBid("bob", id, fullBonusAt())
	assert.NoError(t, err)

	totals := a.Totals()
	check.Equal(t, 2, totals.Bids)
	check.Equal(t, 1, totals.ActiveBids)
	checkDecimal(t, "14", totals.TotalContributed)
	checkDecimal(t, "10", totals.TotalActive)
	checkDecimal(t, "12", totals.TotalVirtual)
	check.False(t, totals.Finalized)
}

func TestEffects_PreviewMatchesRedeem(t *testing.T) {
	a, _ := newTestAuction(t, "10", "25")
	submit(t, a, "alice", CapOf(d("30")), "12", fullBonusAt())
	submit(t, a, "bob", Uncapped(), "8", fullBonusAt())
	submit(t, a, "carol", CapOf(d("10")), "5", fullBonusAt())

	_, err := a.Effects()
	check.True(t, errors.Is(err, ErrNotFinalized))

	finalizeAll(t, a)
	preview, err := a.Effects()
	assert.NoError(t, err)
	assert.Equal(t, 3, len(preview))

	for i, want := range preview {
		got, err := a.Redeem(BidID(i + 1))
		assert.NoError(t, err)
		check.Equal(t, want.Outcome, got.Outcome)
		checkDecimal(t, want.Tokens.String(), got.Tokens)
		checkDecimal(t, want.Refund.String(), got.Refund)
	}
}
