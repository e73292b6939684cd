package scenario

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openiico/config"
	"github.com/cloudx-io/openiico/core"
	"github.com/cloudx-io/openiico/saleapi"
)

// StepResult records what one scripted step did.
type StepResult struct {
	Index     int
	At        time.Time
	Op        string
	Bidder    core.Identity
	BidID     core.BidID
	WalkSteps int
	Refund    decimal.Decimal
	ErrorCode string
}

// Report is the outcome of running a scenario.
type Report struct {
	Name          string
	SaleID        string
	Steps         []StepResult
	FinalizeCalls int
	FinalizeSteps int
	Cutoff        core.Cutoff
	Totals        core.Totals
	Effects       []core.Effect

	// StateHash is the SHA-256 of the engine snapshot taken right after finalization.
	// Runs that differ only in finalize batch size produce the same hash.
	StateHash string

	// Failures lists every expectation that did not hold.
	Failures []string
}

// Passed reports whether every expectation held.
func (r *Report) Passed() bool { return len(r.Failures) == 0 }

func (r *Report) failf(format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}

// Run executes a scenario on a fresh engine, finalizes it, and redeems every bid.
// Mismatched expectations are collected in Report.Failures; the returned error is for
// scenarios that cannot run at all.
func Run(s *Scenario) (*Report, error) {
	file := s.Sale
	file.EnsureID()
	sale, err := file.Sale()
	if err != nil {
		return nil, fmt.Errorf("invalid sale: %w", err)
	}
	auction, _, err := config.NewAuction(sale)
	if err != nil {
		return nil, fmt.Errorf("create sale: %w", err)
	}

	report := &Report{Name: s.Name, SaleID: sale.ID}
	start := sale.Core.Phases.StartTime()

	for i, step := range s.Steps {
		offset, err := time.ParseDuration(step.At)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		res := runStep(auction, step, start.Add(offset))
		res.Index = i
		report.Steps = append(report.Steps, res)

		if res.ErrorCode != step.Error {
			report.failf("step %d (%s): error %q, expected %q", i, res.Op, res.ErrorCode, step.Error)
		}
		if step.Withdraw != nil && step.Withdraw.Refund != "" && res.ErrorCode == "" {
			checkDecimal(report, fmt.Sprintf("step %d refund", i), step.Withdraw.Refund, res.Refund)
		}
	}

	if err := finalize(auction, sale.Core.Phases.SaleEnd(), s.FinalizeBatch, report); err != nil {
		return nil, err
	}

	snapshot, err := auction.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	sum := sha256.Sum256(snapshot)
	report.StateHash = hex.EncodeToString(sum[:])

	report.Cutoff = auction.Cutoff()
	report.Totals = auction.Totals()
	for id := core.BidID(1); int(id) <= report.Totals.Bids; id++ {
		effect, err := auction.Redeem(id)
		if err != nil {
			return nil, fmt.Errorf("redeem bid %d: %w", id, err)
		}
		report.Effects = append(report.Effects, effect)
	}

	if s.Expect != nil {
		checkExpect(report, s.Expect)
	}
	return report, nil
}

func runStep(auction *core.Auction, step Step, at time.Time) StepResult {
	res := StepResult{At: at}
	switch {
	case step.Submit != nil:
		res.Op = "submit"
		res.Bidder = core.Identity(step.Submit.Bidder)
		id, walk, err := submit(auction, step.Submit, at)
		res.BidID, res.WalkSteps, res.ErrorCode = id, walk, errorCode(err)
	case step.Withdraw != nil:
		res.Op = "withdraw"
		res.Bidder = core.Identity(step.Withdraw.Bidder)
		res.BidID = core.BidID(step.Withdraw.Bid)
		refund, err := auction.WithdrawBid(res.Bidder, res.BidID, at)
		res.Refund, res.ErrorCode = refund, errorCode(err)
	}
	return res
}

func submit(auction *core.Auction, sub *Submit, at time.Time) (core.BidID, int, error) {
	req, err := saleapi.SubmitBidRequest{
		Bidder:         sub.Bidder,
		Cap:            sub.Cap,
		Amount:         sub.Amount,
		HintBid:        sub.HintBid,
		HintBucket:     sub.HintBucket,
		MaxSearchSteps: sub.MaxSteps,
	}.CoreRequest()
	if err != nil {
		return 0, 0, err
	}
	return auction.SubmitBid(req, at)
}

func finalize(auction *core.Auction, end time.Time, batch int, report *Report) error {
	if batch == 0 {
		batch = auction.Totals().Bids + 1
	}
	for {
		steps, done, err := auction.Finalize(end, batch)
		if err != nil {
			return fmt.Errorf("finalize: %w", err)
		}
		report.FinalizeCalls++
		report.FinalizeSteps += steps
		if done {
			return nil
		}
		if steps == 0 {
			return fmt.Errorf("finalize made no progress after %d calls", report.FinalizeCalls)
		}
	}
}

func checkExpect(report *Report, want *Expect) {
	if want.CutoffBid != nil && uint64(report.Cutoff.BidID) != *want.CutoffBid {
		report.failf("cutoff bid %d, expected %d", report.Cutoff.BidID, *want.CutoffBid)
	}
	if want.Undersubscribed != nil && report.Cutoff.Undersubscribed != *want.Undersubscribed {
		report.failf("undersubscribed %t, expected %t", report.Cutoff.Undersubscribed, *want.Undersubscribed)
	}
	if want.AcceptedVirtual != "" {
		checkDecimal(report, "accepted virtual", want.AcceptedVirtual, report.Totals.AcceptedVirtual)
	}
	if want.AcceptedReal != "" {
		checkDecimal(report, "accepted real", want.AcceptedReal, report.Totals.AcceptedReal)
	}
	for _, wb := range want.Bids {
		if wb.ID == 0 || int(wb.ID) > len(report.Effects) {
			report.failf("bid %d: no such bid", wb.ID)
			continue
		}
		got := report.Effects[wb.ID-1]
		if wb.Outcome != "" && string(got.Outcome) != wb.Outcome {
			report.failf("bid %d: outcome %s, expected %s", wb.ID, got.Outcome, wb.Outcome)
		}
		if wb.Tokens != "" {
			checkDecimal(report, fmt.Sprintf("bid %d tokens", wb.ID), wb.Tokens, got.Tokens)
		}
		if wb.Refund != "" {
			checkDecimal(report, fmt.Sprintf("bid %d refund", wb.ID), wb.Refund, got.Refund)
		}
	}
}

func checkDecimal(report *Report, what, want string, got decimal.Decimal) {
	w, err := decimal.NewFromString(want)
	if err != nil {
		report.failf("%s: invalid expected value %q", what, want)
		return
	}
	if !w.Equal(got) {
		report.failf("%s %s, expected %s", what, got, w)
	}
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *core.Error
	if errors.As(err, &e) {
		return string(e.Code)
	}
	return err.Error()
}
