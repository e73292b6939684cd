package core

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
)

const snapshotVersion = 2

// ErrConfigMismatch is returned when a sale is restored under settings other than the
// ones it was created with.
var ErrConfigMismatch = errors.New("sale configuration changed")

type snapshot struct {
	Version      int                  `cbor:"version"`
	Config       snapshotConfig       `cbor:"config"`
	TokenSupply  string               `cbor:"supply"`
	Nodes        []snapshotNode       `cbor:"nodes"`
	Buckets      []snapshotBucket     `cbor:"buckets"`
	Bids         []snapshotBid        `cbor:"bids"`
	Finalization snapshotFinalization `cbor:"finalization"`
}

// snapshotConfig holds the settings that must not change over the life of a sale.
// MaxSearchSteps is only a default budget and is left out.
type snapshotConfig struct {
	Start               int64    `cbor:"start"`
	FullBonusEnd        int64    `cbor:"full_bonus_end"`
	WithdrawalLockStart int64    `cbor:"withdrawal_lock_start"`
	SaleEnd             int64    `cbor:"sale_end"`
	MaxBonus            string   `cbor:"max_bonus"`
	MinContribution     string   `cbor:"min_contribution"`
	BucketBounds        []string `cbor:"bucket_bounds"`
	SaleAccount         string   `cbor:"sale_account"`
}

func configSnapshot(c Config) snapshotConfig {
	sc := snapshotConfig{
		Start:               c.Phases.StartTime().UnixNano(),
		FullBonusEnd:        c.Phases.FullBonusEnd().UnixNano(),
		WithdrawalLockStart: c.Phases.WithdrawalLockStart().UnixNano(),
		SaleEnd:             c.Phases.SaleEnd().UnixNano(),
		MaxBonus:            c.Phases.MaxBonus().String(),
		MinContribution:     c.MinContribution.String(),
		BucketBounds:        make([]string, len(c.BucketBounds)),
		SaleAccount:         string(c.SaleAccount),
	}
	for i, b := range c.BucketBounds {
		sc.BucketBounds[i] = b.String()
	}
	return sc
}

// diff names the first setting in which next departs from prev.
func (prev snapshotConfig) diff(next snapshotConfig) error {
	changed := func(field string, was, now any) error {
		return fmt.Errorf("%w: %s was %v, now %v", ErrConfigMismatch, field, was, now)
	}
	at := func(ns int64) string { return time.Unix(0, ns).UTC().Format(time.RFC3339Nano) }
	switch {
	case prev.Start != next.Start:
		return changed("start", at(prev.Start), at(next.Start))
	case prev.FullBonusEnd != next.FullBonusEnd:
		return changed("full bonus end", at(prev.FullBonusEnd), at(next.FullBonusEnd))
	case prev.WithdrawalLockStart != next.WithdrawalLockStart:
		return changed("withdrawal lock start", at(prev.WithdrawalLockStart), at(next.WithdrawalLockStart))
	case prev.SaleEnd != next.SaleEnd:
		return changed("sale end", at(prev.SaleEnd), at(next.SaleEnd))
	case prev.MaxBonus != next.MaxBonus:
		return changed("max bonus", prev.MaxBonus, next.MaxBonus)
	case prev.MinContribution != next.MinContribution:
		return changed("min contribution", prev.MinContribution, next.MinContribution)
	case !slices.Equal(prev.BucketBounds, next.BucketBounds):
		return changed("bucket bounds", prev.BucketBounds, next.BucketBounds)
	case prev.SaleAccount != next.SaleAccount:
		return changed("sale account", prev.SaleAccount, next.SaleAccount)
	}
	return nil
}

// CheckUnchanged returns an error wrapping ErrConfigMismatch if next differs from c in
// any setting fixed at creation. MaxSearchSteps may differ.
func (c Config) CheckUnchanged(next Config) error {
	return configSnapshot(c).diff(configSnapshot(next))
}

type snapshotNode struct {
	Kind   uint8  `cbor:"kind"`
	Cap    string `cbor:"cap"`
	Bid    uint64 `cbor:"bid"`
	Bucket int    `cbor:"bucket"`
	Next   int    `cbor:"next"`
	Prev   int    `cbor:"prev"`
}

type snapshotBucket struct {
	Marker int `cbor:"marker"`
	Count  int `cbor:"count"`
	Top    int `cbor:"top"`
}

type snapshotBid struct {
	ID               uint64 `cbor:"id"`
	Bidder           string `cbor:"bidder"`
	Cap              string `cbor:"cap"`
	Amount           string `cbor:"amount"`
	Contributed      string `cbor:"contributed"`
	Bonus            string `cbor:"bonus"`
	SubmittedAt      int64  `cbor:"submitted_at"`
	Active           bool   `cbor:"active"`
	Withdrawn        bool   `cbor:"withdrawn"`
	Outcome          string `cbor:"outcome"`
	AcceptedFraction string `cbor:"accepted_fraction"`
	Redeemed         bool   `cbor:"redeemed"`
	RefundPaid       bool   `cbor:"refund_paid"`
	TokensPaid       bool   `cbor:"tokens_paid"`
	Slot             int    `cbor:"slot"`
}

type snapshotFinalization struct {
	Started           bool   `cbor:"started"`
	Cursor            int    `cbor:"cursor"`
	Steps             int    `cbor:"steps"`
	CumulativeVirtual string `cbor:"cumulative_virtual"`
	CumulativeReal    string `cbor:"cumulative_real"`
	CutoffBidID       uint64 `cbor:"cutoff_bid"`
	CutoffFraction    string `cbor:"cutoff_fraction"`
	Undersubscribed   bool   `cbor:"undersubscribed"`
	Finalized         bool   `cbor:"finalized"`
}

// Snapshot encodes the full sale state as canonical CBOR. Equal states encode to equal
// bytes.
func (a *Auction) Snapshot() ([]byte, error) {
	s := snapshot{
		Version:     snapshotVersion,
		Config:      configSnapshot(a.cfg),
		TokenSupply: a.supply.String(),
		Nodes:       make([]snapshotNode, len(a.book.nodes)),
		Buckets:     make([]snapshotBucket, len(a.book.index.entries)),
		Bids:        make([]snapshotBid, len(a.book.bids)),
	}
	for i, n := range a.book.nodes {
		s.Nodes[i] = snapshotNode{Kind: uint8(n.kind), Bid: uint64(n.bid), Bucket: n.bucket, Next: n.next, Prev: n.prev}
		if n.kind == nodeMarker || n.kind == nodeBid {
			s.Nodes[i].Cap = n.cap.String()
		}
	}
	for i, e := range a.book.index.entries {
		s.Buckets[i] = snapshotBucket{Marker: e.marker, Count: e.count, Top: e.top}
	}
	for i, b := range a.book.bids {
		s.Bids[i] = snapshotBid{
			ID:               uint64(b.ID),
			Bidder:           string(b.Bidder),
			Cap:              b.Cap.String(),
			Amount:           b.Amount.String(),
			Contributed:      b.Contributed.String(),
			Bonus:            b.Bonus.String(),
			SubmittedAt:      b.SubmittedAt.UnixNano(),
			Active:           b.Active,
			Withdrawn:        b.Withdrawn,
			Outcome:          string(b.Outcome),
			AcceptedFraction: b.AcceptedFraction.String(),
			Redeemed:         b.Redemption.Redeemed,
			RefundPaid:       b.Redemption.RefundPaid,
			TokensPaid:       b.Redemption.TokensPaid,
			Slot:             b.slot,
		}
	}
	f := a.fin
	s.Finalization = snapshotFinalization{
		Started:           f.Started,
		Cursor:            f.Cursor,
		Steps:             f.Steps,
		CumulativeVirtual: f.CumulativeVirtual.String(),
		CumulativeReal:    f.CumulativeReal.String(),
		CutoffBidID:       uint64(f.CutoffBidID),
		CutoffFraction:    f.CutoffFraction.String(),
		Undersubscribed:   f.Undersubscribed,
		Finalized:         f.Finalized,
	}

	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}
	return em.Marshal(s)
}

// RestoreAuction rebuilds a sale from a Snapshot. cfg must carry the schedule, bonus,
// minimum and bucket bounds the snapshot was taken with; otherwise the error wraps
// ErrConfigMismatch. The token supply comes from the snapshot, not the ledger.
func RestoreAuction(cfg Config, deps Dependencies, data []byte) (*Auction, error) {
	var s snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	if deps.Ledger == nil || deps.Payer == nil {
		return nil, fmt.Errorf("token ledger and payer are required")
	}
	if err := s.Config.diff(configSnapshot(cfg)); err != nil {
		return nil, err
	}
	if cfg.MaxSearchSteps <= 0 {
		cfg.MaxSearchSteps = DefaultMaxSearchSteps
	}

	index, err := NewBucketIndex(cfg.BucketBounds)
	if err != nil {
		return nil, fmt.Errorf("build bucket index: %w", err)
	}
	if len(s.Buckets) != index.Len() {
		return nil, fmt.Errorf("snapshot has %d buckets, config %d", len(s.Buckets), index.Len())
	}
	supply, err := decimal.NewFromString(s.TokenSupply)
	if err != nil {
		return nil, fmt.Errorf("parse token supply: %w", err)
	}

	book := &BidBook{index: index, active: make(map[Identity]BidID)}
	book.nodes = make([]node, len(s.Nodes))
	for i, sn := range s.Nodes {
		if sn.Next < -1 || sn.Next >= len(s.Nodes) || sn.Prev < -1 || sn.Prev >= len(s.Nodes) {
			return nil, fmt.Errorf("node %d links out of range", i)
		}
		n := node{kind: nodeKind(sn.Kind), bid: BidID(sn.Bid), bucket: sn.Bucket, next: sn.Next, prev: sn.Prev}
		switch n.kind {
		case nodeHead:
			book.head = i
		case nodeTail:
			book.tail = i
		case nodeMarker, nodeBid:
			if n.cap, err = ParseCap(sn.Cap); err != nil {
				return nil, fmt.Errorf("node %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("node %d has unknown kind %d", i, sn.Kind)
		}
		book.nodes[i] = n
	}
	for i, sb := range s.Buckets {
		index.entries[i].marker = sb.Marker
		index.entries[i].count = sb.Count
		index.entries[i].top = sb.Top
	}

	book.bids = make([]Bid, len(s.Bids))
	for i, sb := range s.Bids {
		b, err := restoreBid(sb)
		if err != nil {
			return nil, fmt.Errorf("bid %d: %w", sb.ID, err)
		}
		if b.ID != BidID(i+1) {
			return nil, fmt.Errorf("bid at position %d has ID %d", i, b.ID)
		}
		if b.slot < 0 || b.slot >= len(book.nodes) || book.nodes[b.slot].bid != b.ID {
			return nil, fmt.Errorf("bid %d points at slot %d", b.ID, b.slot)
		}
		book.bids[i] = b
		if b.Active {
			book.active[b.Bidder] = b.ID
		}
	}
	if err := book.CheckOrder(); err != nil {
		return nil, fmt.Errorf("snapshot order: %w", err)
	}

	a := newAuction(cfg, deps, book, supply)
	if a.fin, err = restoreFinalization(s.Finalization); err != nil {
		return nil, err
	}
	if a.fin.Cursor < 0 || a.fin.Cursor >= len(book.nodes) {
		return nil, fmt.Errorf("finalization cursor %d out of range", a.fin.Cursor)
	}
	return a, nil
}

func restoreBid(sb snapshotBid) (Bid, error) {
	c, err := ParseCap(sb.Cap)
	if err != nil {
		return Bid{}, err
	}
	var decs [4]decimal.Decimal
	for i, v := range []string{sb.Amount, sb.Contributed, sb.Bonus, sb.AcceptedFraction} {
		if decs[i], err = decimal.NewFromString(v); err != nil {
			return Bid{}, fmt.Errorf("parse decimal %q: %w", v, err)
		}
	}
	return Bid{
		ID:               BidID(sb.ID),
		Bidder:           Identity(sb.Bidder),
		Cap:              c,
		Amount:           decs[0],
		Contributed:      decs[1],
		Bonus:            decs[2],
		SubmittedAt:      time.Unix(0, sb.SubmittedAt).UTC(),
		Active:           sb.Active,
		Withdrawn:        sb.Withdrawn,
		Outcome:          Outcome(sb.Outcome),
		AcceptedFraction: decs[3],
		Redemption: RedemptionRecord{
			Redeemed:   sb.Redeemed,
			RefundPaid: sb.RefundPaid,
			TokensPaid: sb.TokensPaid,
		},
		slot: sb.Slot,
	}, nil
}

func restoreFinalization(sf snapshotFinalization) (FinalizationState, error) {
	fs := FinalizationState{
		Started:         sf.Started,
		Cursor:          sf.Cursor,
		Steps:           sf.Steps,
		CutoffBidID:     BidID(sf.CutoffBidID),
		Undersubscribed: sf.Undersubscribed,
		Finalized:       sf.Finalized,
	}
	var err error
	if fs.CumulativeVirtual, err = decimal.NewFromString(sf.CumulativeVirtual); err != nil {
		return fs, fmt.Errorf("parse cumulative virtual: %w", err)
	}
	if fs.CumulativeReal, err = decimal.NewFromString(sf.CumulativeReal); err != nil {
		return fs, fmt.Errorf("parse cumulative real: %w", err)
	}
	if fs.CutoffFraction, err = decimal.NewFromString(sf.CutoffFraction); err != nil {
		return fs, fmt.Errorf("parse cutoff fraction: %w", err)
	}
	return fs, nil
}
