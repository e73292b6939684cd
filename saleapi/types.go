package saleapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openiico/core"
)

// Request types accepted by the sale daemon.
const (
	TypePing       = "ping"
	TypeSubmitBid  = "submit_bid"
	TypeWithdraw   = "withdraw_bid"
	TypeFinalize   = "finalize"
	TypeRedeem     = "redeem"
	TypeGetBid     = "get_bid"
	TypeListBids   = "list_bids"
	TypeTotals     = "totals"
	TypeSettlement = "settlement"
	TypeError      = "error"
)

// SubmitBidRequest places a bid. Cap is a decimal string or "uncapped". At most one of
// HintBid and HintBucket should be set.
type SubmitBidRequest struct {
	Type           string `json:"type"`
	Bidder         string `json:"bidder"`
	Cap            string `json:"cap"`
	Amount         string `json:"amount"`
	HintBid        uint64 `json:"hint_bid,omitempty"`
	HintBucket     *int   `json:"hint_bucket,omitempty"`
	MaxSearchSteps int    `json:"max_search_steps,omitempty"`
}

// Hint converts the wire hint to a core.Hint.
func (r SubmitBidRequest) Hint() core.Hint {
	switch {
	case r.HintBid != 0:
		return core.NearBid(core.BidID(r.HintBid))
	case r.HintBucket != nil:
		return core.InBucket(*r.HintBucket)
	}
	return core.NoHint()
}

// CoreRequest parses the wire fields into an engine request. A malformed cap or amount
// is a validation error with code INVALID_CAP or INVALID_AMOUNT.
func (r SubmitBidRequest) CoreRequest() (core.SubmitRequest, error) {
	c, err := core.ParseCap(r.Cap)
	if err != nil {
		return core.SubmitRequest{}, &core.Error{Kind: core.KindValidation, Code: core.ErrCodeInvalidCap, Message: err.Error()}
	}
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return core.SubmitRequest{}, &core.Error{Kind: core.KindValidation, Code: core.ErrCodeInvalidAmount, Message: fmt.Sprintf("invalid amount %q", r.Amount)}
	}
	return core.SubmitRequest{
		Bidder:         core.Identity(r.Bidder),
		Cap:            c,
		Amount:         amount,
		Hint:           r.Hint(),
		MaxSearchSteps: r.MaxSearchSteps,
	}, nil
}

type SubmitBidResponse struct {
	Type  string `json:"type"`
	BidID uint64 `json:"bid_id"`
	Steps int    `json:"steps"`
}

type WithdrawBidRequest struct {
	Type   string `json:"type"`
	Bidder string `json:"bidder"`
	BidID  uint64 `json:"bid_id"`
}

type WithdrawBidResponse struct {
	Type   string `json:"type"`
	BidID  uint64 `json:"bid_id"`
	Refund string `json:"refund"`
}

// FinalizeRequest advances finalization by at most MaxSteps bids.
type FinalizeRequest struct {
	Type     string `json:"type"`
	MaxSteps int    `json:"max_steps"`
}

type FinalizeResponse struct {
	Type   string     `json:"type"`
	Steps  int        `json:"steps"`
	Done   bool       `json:"done"`
	Cutoff CutoffView `json:"cutoff"`
}

// BidRequest names a single bid for redeem and get_bid.
type BidRequest struct {
	Type  string `json:"type"`
	BidID uint64 `json:"bid_id"`
}

type RedeemResponse struct {
	Type   string     `json:"type"`
	Effect EffectView `json:"effect"`
}

type BidResponse struct {
	Type string  `json:"type"`
	Bid  BidView `json:"bid"`
}

type ListBidsResponse struct {
	Type    string       `json:"type"`
	Bids    []BidView    `json:"bids"`
	Buckets []BucketView `json:"buckets"`
}

type TotalsResponse struct {
	Type   string     `json:"type"`
	Phase  string     `json:"phase"`
	Totals TotalsView `json:"totals"`
	Cutoff CutoffView `json:"cutoff"`
}

// SettlementResponse carries the attested settlement of a finalized sale.
type SettlementResponse struct {
	Type            string                `json:"type"`
	SaleID          string                `json:"sale_id"`
	Cutoff          CutoffView            `json:"cutoff"`
	Totals          TotalsView            `json:"totals"`
	Effects         []EffectView          `json:"effects"`
	AttestationCOSE AttestationCOSEBase64 `json:"attestation_cose"`
}

// ErrorResponse reports a failed request. Code and Kind are set for sale errors.
type ErrorResponse struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Kind    string `json:"kind,omitempty"`
	BidID   uint64 `json:"bid_id,omitempty"`
	Message string `json:"message"`
}

// NewErrorResponse maps err to the wire error, keeping the sale error code if present.
func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Type: TypeError, Message: err.Error()}
	var saleErr *core.Error
	if errors.As(err, &saleErr) {
		resp.Code = string(saleErr.Code)
		resp.Kind = string(saleErr.Kind)
		resp.BidID = uint64(saleErr.BidID)
	}
	return resp
}

// BidView is the JSON form of core.Bid. Decimals travel as strings.
type BidView struct {
	ID               uint64    `json:"id"`
	Bidder           string    `json:"bidder"`
	Cap              string    `json:"cap"`
	Amount           string    `json:"amount"`
	Contributed      string    `json:"contributed"`
	Bonus            string    `json:"bonus"`
	Virtual          string    `json:"virtual"`
	SubmittedAt      time.Time `json:"submitted_at"`
	Active           bool      `json:"active"`
	Withdrawn        bool      `json:"withdrawn"`
	Outcome          string    `json:"outcome"`
	AcceptedFraction string    `json:"accepted_fraction"`
	Redeemed         bool      `json:"redeemed"`
	Next             uint64    `json:"next,omitempty"`
}

func NewBidView(b core.Bid) BidView {
	return BidView{
		ID:               uint64(b.ID),
		Bidder:           string(b.Bidder),
		Cap:              b.Cap.String(),
		Amount:           b.Amount.String(),
		Contributed:      b.Contributed.String(),
		Bonus:            b.Bonus.String(),
		Virtual:          b.Virtual().String(),
		SubmittedAt:      b.SubmittedAt,
		Active:           b.Active,
		Withdrawn:        b.Withdrawn,
		Outcome:          string(b.Outcome),
		AcceptedFraction: b.AcceptedFraction.String(),
		Redeemed:         b.Redemption.Redeemed,
		Next:             uint64(b.Next),
	}
}

// Bid converts the view back to the fields that enter a bid hash.
func (v BidView) Bid() (core.Bid, error) {
	c, err := core.ParseCap(v.Cap)
	if err != nil {
		return core.Bid{}, err
	}
	contributed, err := decimal.NewFromString(v.Contributed)
	if err != nil {
		return core.Bid{}, fmt.Errorf("contributed: %w", err)
	}
	bonus, err := decimal.NewFromString(v.Bonus)
	if err != nil {
		return core.Bid{}, fmt.Errorf("bonus: %w", err)
	}
	return core.Bid{
		ID:          core.BidID(v.ID),
		Bidder:      core.Identity(v.Bidder),
		Cap:         c,
		Contributed: contributed,
		Bonus:       bonus,
	}, nil
}

type BucketView struct {
	Index int    `json:"index"`
	Lower string `json:"lower"`
	Upper string `json:"upper"`
	Bids  int    `json:"bids"`
	Top   uint64 `json:"top,omitempty"`
}

func NewBucketView(b core.Bucket) BucketView {
	return BucketView{Index: b.Index, Lower: b.Lower.String(), Upper: b.Upper.String(), Bids: b.Bids, Top: uint64(b.Top)}
}

type EffectView struct {
	BidID   uint64 `json:"bid_id"`
	Bidder  string `json:"bidder"`
	Outcome string `json:"outcome"`
	Tokens  string `json:"tokens"`
	Refund  string `json:"refund"`
}

func NewEffectView(e core.Effect) EffectView {
	return EffectView{
		BidID:   uint64(e.BidID),
		Bidder:  string(e.Bidder),
		Outcome: string(e.Outcome),
		Tokens:  e.Tokens.String(),
		Refund:  e.Refund.String(),
	}
}

// Effect converts the view back to a core.Effect.
func (v EffectView) Effect() (core.Effect, error) {
	tokens, err := decimal.NewFromString(v.Tokens)
	if err != nil {
		return core.Effect{}, fmt.Errorf("tokens: %w", err)
	}
	refund, err := decimal.NewFromString(v.Refund)
	if err != nil {
		return core.Effect{}, fmt.Errorf("refund: %w", err)
	}
	return core.Effect{
		BidID:   core.BidID(v.BidID),
		Bidder:  core.Identity(v.Bidder),
		Outcome: core.Outcome(v.Outcome),
		Tokens:  tokens,
		Refund:  refund,
	}, nil
}

type TotalsView struct {
	Bids             int    `json:"bids"`
	ActiveBids       int    `json:"active_bids"`
	TotalContributed string `json:"total_contributed"`
	TotalActive      string `json:"total_active"`
	TotalVirtual     string `json:"total_virtual"`
	AcceptedReal     string `json:"accepted_real"`
	AcceptedVirtual  string `json:"accepted_virtual"`
	TokenSupply      string `json:"token_supply"`
	Finalized        bool   `json:"finalized"`
}

func NewTotalsView(t core.Totals) TotalsView {
	return TotalsView{
		Bids:             t.Bids,
		ActiveBids:       t.ActiveBids,
		TotalContributed: t.TotalContributed.String(),
		TotalActive:      t.TotalActive.String(),
		TotalVirtual:     t.TotalVirtual.String(),
		AcceptedReal:     t.AcceptedReal.String(),
		AcceptedVirtual:  t.AcceptedVirtual.String(),
		TokenSupply:      t.TokenSupply.String(),
		Finalized:        t.Finalized,
	}
}

type CutoffView struct {
	BidID            uint64 `json:"bid_id,omitempty"`
	AcceptedFraction string `json:"accepted_fraction"`
	Undersubscribed  bool   `json:"undersubscribed"`
	Finalized        bool   `json:"finalized"`
}

func NewCutoffView(c core.Cutoff) CutoffView {
	return CutoffView{
		BidID:            uint64(c.BidID),
		AcceptedFraction: c.AcceptedFraction.String(),
		Undersubscribed:  c.Undersubscribed,
		Finalized:        c.Finalized,
	}
}

// PCRs represents the Platform Configuration Registers from AWS Nitro Enclaves
type PCRs struct {
	// PCR0: Hash of the Enclave Image File (EIF)
	ImageFileHash string `json:"0"`
	// PCR1: Hash of the Linux kernel and initial RAM data (initramfs)
	KernelHash string `json:"1"`
	// PCR2: Hash of user applications, excluding the boot ramfs
	ApplicationHash string `json:"2"`
	// PCR3: Hash of the IAM role assigned to the parent instance
	IAMRoleHash string `json:"3"`
	// PCR4: Hash of the parent instance's ID
	InstanceIDHash string `json:"4"`
	// PCR8: Hash of the enclave image file's signing certificate
	SigningCertHash string `json:"8,omitempty"`
}

// AttestationDoc is the parsed payload of a Nitro attestation document.
type AttestationDoc struct {
	ModuleID        string    `json:"module_id"`
	Timestamp       time.Time `json:"timestamp"`
	DigestAlgorithm string    `json:"digest"`
	PCRs            PCRs      `json:"pcrs"`
	// Certificate and CABundle entries are base64-encoded DER.
	Certificate string   `json:"certificate"`
	CABundle    []string `json:"cabundle"`
	PublicKey   string   `json:"public_key"`
	Nonce       string   `json:"nonce"`
}

// SettlementAttestationDoc is an attestation whose user data commits to a settlement.
type SettlementAttestationDoc struct {
	AttestationDoc
	UserData *SettlementUserData `json:"user_data"`
}

// SettlementUserData is embedded in settlement attestations. Bid hashes are listed in bid
// ID order; bidder identities only appear inside the hashes.
type SettlementUserData struct {
	SaleID           string    `json:"sale_id"`
	BidCount         int       `json:"bid_count"`
	BidHashes        []string  `json:"bid_hashes"`
	BidHashNonce     string    `json:"bid_hash_nonce"`
	CutoffBidID      uint64    `json:"cutoff_bid_id"`
	AcceptedFraction string    `json:"accepted_fraction"`
	Undersubscribed  bool      `json:"undersubscribed"`
	AcceptedVirtual  string    `json:"accepted_virtual"`
	AcceptedReal     string    `json:"accepted_real"`
	TokenSupply      string    `json:"token_supply"`
	SettlementHash   string    `json:"settlement_hash"`
	SettlementNonce  string    `json:"settlement_nonce"`
	EffectsHash      string    `json:"effects_hash"`
	EffectsNonce     string    `json:"effects_nonce"`
	Timestamp        time.Time `json:"timestamp"`
}
