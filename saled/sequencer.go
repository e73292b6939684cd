package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cloudx-io/openiico/config"
	"github.com/cloudx-io/openiico/core"
	"github.com/cloudx-io/openiico/saleapi"
	"github.com/cloudx-io/openiico/store"
)

// ErrStopped is returned for requests issued after the sequencer has stopped.
var ErrStopped = errors.New("sequencer stopped")

// snapshotsKept is how many snapshots per sale survive pruning.
const snapshotsKept = 16

// Sequencer owns the sale engine. Every request runs on its goroutine, one at a time,
// so the engine needs no locking. Mutations are journaled and snapshotted before the
// response is returned.
type Sequencer struct {
	saleID  string
	auction *core.Auction
	ledger  *core.MemoryLedger
	store   *store.Store // nil keeps the sale in memory only
	seq     int64
	now     func() time.Time

	// persistErr is set once the store fails. The in-memory engine is then ahead of the
	// database, so further mutations are refused.
	persistErr error

	calls chan func()
	done  chan struct{}
}

// NewSequencer loads the sale from the latest snapshot in st, or creates it from file
// if st has none. st may be nil. It fails with core.ErrConfigMismatch if file changes a
// setting the sale was first registered with; the whitelist and search budget may change.
func NewSequencer(ctx context.Context, file *config.SaleFile, st *store.Store, now func() time.Time) (*Sequencer, error) {
	sale, err := file.Sale()
	if err != nil {
		return nil, fmt.Errorf("invalid sale file: %w", err)
	}
	if sale.ID == "" {
		return nil, fmt.Errorf("sale file has no sale_id")
	}
	if now == nil {
		now = time.Now
	}
	if sale.Whitelist != nil {
		log.Printf("INFO: Sale %s whitelist: %s", sale.ID, sale.Whitelist)
	}

	s := &Sequencer{
		saleID: sale.ID,
		store:  st,
		now:    now,
		calls:  make(chan func()),
		done:   make(chan struct{}),
	}

	if st != nil {
		raw, err := file.Marshal()
		if err != nil {
			return nil, fmt.Errorf("encode sale file: %w", err)
		}
		if err := st.CreateSale(ctx, store.Sale{ID: sale.ID, Config: raw, CreatedAt: now()}); err != nil {
			return nil, err
		}
		if err := checkRegistered(ctx, st, sale); err != nil {
			return nil, err
		}
		snap, ok, err := st.LatestSnapshot(ctx, sale.ID)
		if err != nil {
			return nil, err
		}
		if s.seq, err = st.LastSeq(ctx, sale.ID); err != nil {
			return nil, err
		}
		if ok {
			if err := s.restore(sale, snap); err != nil {
				return nil, err
			}
			log.Printf("INFO: Restored sale %s from snapshot %d (journal at %d)", sale.ID, snap.Seq, s.seq)
			return s, nil
		}
	}

	s.auction, s.ledger, err = config.NewAuction(sale)
	if err != nil {
		return nil, err
	}
	log.Printf("INFO: Created sale %s with supply %s", sale.ID, sale.TokenSupply)
	return s, nil
}

// checkRegistered compares sale with the configuration it was first registered under.
// A sale's schedule, bonus and supply are fixed once it exists.
func checkRegistered(ctx context.Context, st *store.Store, sale config.Sale) error {
	stored, ok, err := st.GetSale(ctx, sale.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sale %s is not registered", sale.ID)
	}
	file, err := config.Parse(stored.Config)
	if err != nil {
		return fmt.Errorf("stored sale config: %w", err)
	}
	registered, err := file.Sale()
	if err != nil {
		return fmt.Errorf("stored sale config: %w", err)
	}
	if err := registered.Core.CheckUnchanged(sale.Core); err != nil {
		return fmt.Errorf("sale %s: %w", sale.ID, err)
	}
	if !registered.TokenSupply.Equal(sale.TokenSupply) {
		return fmt.Errorf("sale %s: %w: token supply was %s, now %s",
			sale.ID, core.ErrConfigMismatch, registered.TokenSupply, sale.TokenSupply)
	}
	return nil
}

func (s *Sequencer) restore(sale config.Sale, snap store.Snapshot) error {
	auction, ledger, err := config.RestoreAuction(sale, snap.Auction, snap.Ledger)
	if err != nil {
		return err
	}
	s.auction, s.ledger = auction, ledger
	return nil
}

// SaleID returns the ID of the sale this sequencer owns.
func (s *Sequencer) SaleID() string { return s.saleID }

// Run serves calls until ctx is done.
func (s *Sequencer) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case call := <-s.calls:
			call()
		}
	}
}

// do runs fn on the sequencer goroutine and waits for it.
func (s *Sequencer) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.calls <- func() { defer close(finished); fn() }:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// mutate runs a state-changing operation and records it. The journal entry is written
// whether or not the operation failed; a snapshot is written when state may have changed.
func (s *Sequencer) mutate(ctx context.Context, op string, req any, fn func(now time.Time) (any, error)) (any, error) {
	var (
		result any
		opErr  error
	)
	err := s.do(ctx, func() {
		if s.persistErr != nil {
			opErr = fmt.Errorf("sale store unavailable: %w", s.persistErr)
			recordOperation(op, opErr, s.auction.Totals())
			return
		}
		now := s.now()
		result, opErr = fn(now)
		recordOperation(op, opErr, s.auction.Totals())
		// the operation has happened; its record must not be lost to a cancelled caller
		if err := s.record(context.WithoutCancel(ctx), op, req, result, opErr, now); err != nil {
			log.Printf("ERROR: Failed to persist %s: %v", op, err)
			persistFailures.Inc()
			s.persistErr = err
		}
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

func (s *Sequencer) record(ctx context.Context, op string, req, result any, opErr error, now time.Time) error {
	if s.store == nil {
		return nil
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resJSON := []byte("{}")
	if result != nil {
		if resJSON, err = json.Marshal(result); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	}

	entry := store.Entry{
		SaleID:  s.saleID,
		Seq:     s.seq + 1,
		Op:      op,
		Request: string(reqJSON),
		Result:  string(resJSON),
		At:      now,
	}
	var snap *store.Snapshot
	if opErr != nil {
		entry.ErrorCode = saleapi.NewErrorResponse(opErr).Code
	}
	// failed transfers may have recorded a paid leg
	if opErr == nil || core.IsTransfer(opErr) {
		if snap, err = s.snapshot(entry.Seq, now); err != nil {
			return err
		}
	}
	if err := s.store.Commit(ctx, entry, snap); err != nil {
		return err
	}
	s.seq = entry.Seq

	if snap != nil && s.seq%snapshotsKept == 0 {
		if _, err := s.store.PruneSnapshots(ctx, s.saleID, snapshotsKept); err != nil {
			log.Printf("WARNING: Failed to prune snapshots: %v", err)
		}
	}
	return nil
}

func (s *Sequencer) snapshot(seq int64, now time.Time) (*store.Snapshot, error) {
	auction, err := s.auction.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot sale: %w", err)
	}
	ledger, err := s.ledger.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot ledger: %w", err)
	}
	return &store.Snapshot{SaleID: s.saleID, Seq: seq, Auction: auction, Ledger: ledger, CreatedAt: now}, nil
}

// SubmitBid places a bid at the current time.
func (s *Sequencer) SubmitBid(ctx context.Context, req saleapi.SubmitBidRequest) (saleapi.SubmitBidResponse, error) {
	res, err := s.mutate(ctx, saleapi.TypeSubmitBid, req, func(now time.Time) (any, error) {
		sub, err := req.CoreRequest()
		if err != nil {
			return nil, err
		}
		id, steps, err := s.auction.SubmitBid(sub, now)
		if err != nil {
			return nil, err
		}
		return saleapi.SubmitBidResponse{Type: saleapi.TypeSubmitBid, BidID: uint64(id), Steps: steps}, nil
	})
	if err != nil {
		return saleapi.SubmitBidResponse{}, err
	}
	return res.(saleapi.SubmitBidResponse), nil
}

// WithdrawBid withdraws a bid at the current time.
func (s *Sequencer) WithdrawBid(ctx context.Context, req saleapi.WithdrawBidRequest) (saleapi.WithdrawBidResponse, error) {
	res, err := s.mutate(ctx, saleapi.TypeWithdraw, req, func(now time.Time) (any, error) {
		refund, err := s.auction.WithdrawBid(core.Identity(req.Bidder), core.BidID(req.BidID), now)
		if err != nil {
			return nil, err
		}
		return saleapi.WithdrawBidResponse{Type: saleapi.TypeWithdraw, BidID: req.BidID, Refund: refund.String()}, nil
	})
	if err != nil {
		return saleapi.WithdrawBidResponse{}, err
	}
	return res.(saleapi.WithdrawBidResponse), nil
}

// Finalize advances finalization by at most req.MaxSteps bids.
func (s *Sequencer) Finalize(ctx context.Context, req saleapi.FinalizeRequest) (saleapi.FinalizeResponse, error) {
	res, err := s.mutate(ctx, saleapi.TypeFinalize, req, func(now time.Time) (any, error) {
		steps, done, err := s.auction.Finalize(now, req.MaxSteps)
		if err != nil {
			return nil, err
		}
		finalizeSteps.Add(float64(steps))
		return saleapi.FinalizeResponse{
			Type:   saleapi.TypeFinalize,
			Steps:  steps,
			Done:   done,
			Cutoff: saleapi.NewCutoffView(s.auction.Cutoff()),
		}, nil
	})
	if err != nil {
		return saleapi.FinalizeResponse{}, err
	}
	return res.(saleapi.FinalizeResponse), nil
}

// Redeem settles a bid.
func (s *Sequencer) Redeem(ctx context.Context, req saleapi.BidRequest) (saleapi.RedeemResponse, error) {
	res, err := s.mutate(ctx, saleapi.TypeRedeem, req, func(time.Time) (any, error) {
		eff, err := s.auction.Redeem(core.BidID(req.BidID))
		if err != nil {
			return nil, err
		}
		return saleapi.RedeemResponse{Type: saleapi.TypeRedeem, Effect: saleapi.NewEffectView(eff)}, nil
	})
	if err != nil {
		return saleapi.RedeemResponse{}, err
	}
	return res.(saleapi.RedeemResponse), nil
}

// GetBid returns one bid.
func (s *Sequencer) GetBid(ctx context.Context, req saleapi.BidRequest) (saleapi.BidResponse, error) {
	var (
		b      core.Bid
		getErr error
	)
	if err := s.do(ctx, func() { b, getErr = s.auction.GetBid(core.BidID(req.BidID)) }); err != nil {
		return saleapi.BidResponse{}, err
	}
	if getErr != nil {
		return saleapi.BidResponse{}, getErr
	}
	return saleapi.BidResponse{Type: saleapi.TypeGetBid, Bid: saleapi.NewBidView(b)}, nil
}

// ListBids returns every bid in ascending cap order, and the buckets.
func (s *Sequencer) ListBids(ctx context.Context) (saleapi.ListBidsResponse, error) {
	resp := saleapi.ListBidsResponse{Type: saleapi.TypeListBids, Bids: []saleapi.BidView{}}
	err := s.do(ctx, func() {
		for _, b := range s.auction.Bids() {
			resp.Bids = append(resp.Bids, saleapi.NewBidView(b))
		}
		for _, b := range s.auction.Buckets() {
			resp.Buckets = append(resp.Buckets, saleapi.NewBucketView(b))
		}
	})
	return resp, err
}

// Totals returns the phase, sums and cutoff.
func (s *Sequencer) Totals(ctx context.Context) (saleapi.TotalsResponse, error) {
	var resp saleapi.TotalsResponse
	err := s.do(ctx, func() {
		resp = saleapi.TotalsResponse{
			Type:   saleapi.TypeTotals,
			Phase:  s.auction.Phase(s.now()).String(),
			Totals: saleapi.NewTotalsView(s.auction.Totals()),
			Cutoff: saleapi.NewCutoffView(s.auction.Cutoff()),
		}
	})
	return resp, err
}

// Settlement copies out what a settlement attestation commits to. The sale must be
// finalized.
func (s *Sequencer) Settlement(ctx context.Context) (Settlement, error) {
	var (
		out    Settlement
		setErr error
	)
	err := s.do(ctx, func() {
		effects, err := s.auction.Effects()
		if err != nil {
			setErr = err
			return
		}
		out = Settlement{
			SaleID:  s.saleID,
			Cutoff:  s.auction.Cutoff(),
			Totals:  s.auction.Totals(),
			Effects: effects,
		}
		for id := core.BidID(1); int(id) <= out.Totals.Bids; id++ {
			b, err := s.auction.GetBid(id)
			if err != nil {
				setErr = err
				return
			}
			out.Bids = append(out.Bids, b)
		}
	})
	if err != nil {
		return Settlement{}, err
	}
	return out, setErr
}
