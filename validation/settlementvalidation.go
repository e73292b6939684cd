package validation

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openiico/core"
	"github.com/cloudx-io/openiico/saleapi"
)

// SettlementValidationInput contains everything needed to check a settlement response
type SettlementValidationInput struct {
	Settlement saleapi.SettlementResponse
	// SaleID, when set, must match both the response and the attested sale.
	SaleID string
	// Bid, when set, is a bid the caller knows about; its hash must be attested.
	Bid *saleapi.BidView
	// ExpectedCutoff, when set, is the cutoff bid the caller expects.
	ExpectedCutoff *uint64
	Options        Options
}

// ValidateSettlementAttestation validates a settlement attestation and verifies:
// - Attested sale ID
// - Settlement hash over the response's cutoff and totals
// - Cutoff fields agree with the attested user data
// - Effects hash over the response's effects
// - Optionally, that a known bid was included
//
// Returns:
//   - SettlementValidationResult with detailed results (call result.IsValid() to check overall status)
//   - error if validation cannot be performed (e.g., malformed input, missing config)
func ValidateSettlementAttestation(input *SettlementValidationInput) (*SettlementValidationResult, error) {
	baseResult, _, userDataBytes, err := validateCommonAttestation(input.Settlement.AttestationCOSE, input.Options)
	if err != nil {
		return nil, err
	}

	result := &SettlementValidationResult{
		BaseValidationResult: *baseResult,
		BidChecked:           input.Bid != nil,
	}

	if len(userDataBytes) == 0 {
		result.ValidationDetails = append(result.ValidationDetails, "Attestation user data missing")
		return result, nil
	}
	var userData saleapi.SettlementUserData
	if err := json.Unmarshal(userDataBytes, &userData); err != nil {
		return nil, fmt.Errorf("parse user data: %w", err)
	}

	result.SaleIDValid = validateSaleID(input, &userData, result)
	result.SettlementHashValid = validateSettlementHash(input, &userData, result)
	result.CutoffValid = validateCutoff(input, &userData, result)
	result.EffectsHashValid = validateEffectsHash(input, &userData, result)
	if input.Bid != nil {
		result.BidHashValid = validateBidHash(input.Bid, &userData, result)
	}

	return result, nil
}

func validateSaleID(input *SettlementValidationInput, ud *saleapi.SettlementUserData, result *SettlementValidationResult) bool {
	if ud.SaleID != input.Settlement.SaleID {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Sale ID mismatch: response has %s, attestation has %s", input.Settlement.SaleID, ud.SaleID))
		return false
	}
	if input.SaleID != "" && input.SaleID != ud.SaleID {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Sale ID mismatch: expected %s, attestation has %s", input.SaleID, ud.SaleID))
		return false
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Sale ID validation passed: %s", ud.SaleID))
	return true
}

func validateSettlementHash(input *SettlementValidationInput, ud *saleapi.SettlementUserData, result *SettlementValidationResult) bool {
	if ud.SettlementNonce == "" {
		result.ValidationDetails = append(result.ValidationDetails, "Settlement nonce missing from attestation")
		return false
	}

	cutoff, totals, err := settlementFromViews(input.Settlement.Cutoff, input.Settlement.Totals)
	if err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Settlement values malformed: %v", err))
		return false
	}

	computedHash := core.ComputeSettlementHash(cutoff, totals, ud.SettlementNonce)
	if computedHash == ud.SettlementHash {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Settlement hash validation passed: %s", computedHash))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Settlement hash mismatch: computed %s, attestation has %s", computedHash, ud.SettlementHash))
	return false
}

func validateCutoff(input *SettlementValidationInput, ud *saleapi.SettlementUserData, result *SettlementValidationResult) bool {
	c := input.Settlement.Cutoff
	if c.BidID != ud.CutoffBidID || c.Undersubscribed != ud.Undersubscribed {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Cutoff mismatch: response has bid %d (undersubscribed %v), attestation has bid %d (undersubscribed %v)",
			c.BidID, c.Undersubscribed, ud.CutoffBidID, ud.Undersubscribed))
		return false
	}
	if !decimalStringsEqual(c.AcceptedFraction, ud.AcceptedFraction) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Accepted fraction mismatch: response has %s, attestation has %s", c.AcceptedFraction, ud.AcceptedFraction))
		return false
	}
	if input.ExpectedCutoff != nil && *input.ExpectedCutoff != ud.CutoffBidID {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Cutoff mismatch: expected bid %d, attestation has bid %d", *input.ExpectedCutoff, ud.CutoffBidID))
		return false
	}
	if ud.Undersubscribed {
		result.ValidationDetails = append(result.ValidationDetails, "Cutoff validation passed: sale undersubscribed")
	} else {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Cutoff validation passed: bid %d, fraction %s", ud.CutoffBidID, ud.AcceptedFraction))
	}
	return true
}

func validateEffectsHash(input *SettlementValidationInput, ud *saleapi.SettlementUserData, result *SettlementValidationResult) bool {
	if ud.EffectsNonce == "" {
		result.ValidationDetails = append(result.ValidationDetails, "Effects nonce missing from attestation")
		return false
	}
	if len(input.Settlement.Effects) != ud.BidCount {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Effects count mismatch: response has %d, attestation covers %d bids", len(input.Settlement.Effects), ud.BidCount))
		return false
	}

	effects := make([]core.Effect, 0, len(input.Settlement.Effects))
	for _, v := range input.Settlement.Effects {
		e, err := v.Effect()
		if err != nil {
			result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Effect for bid %d malformed: %v", v.BidID, err))
			return false
		}
		effects = append(effects, e)
	}

	computedHash := core.ComputeEffectsHash(effects, ud.EffectsNonce)
	if computedHash == ud.EffectsHash {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Effects hash validation passed: %s", computedHash))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Effects hash mismatch: computed %s, attestation has %s", computedHash, ud.EffectsHash))
	return false
}

func validateBidHash(view *saleapi.BidView, ud *saleapi.SettlementUserData, result *SettlementValidationResult) bool {
	if ud.BidHashNonce == "" {
		result.ValidationDetails = append(result.ValidationDetails, "Bid hash nonce missing from attestation")
		return false
	}
	bid, err := view.Bid()
	if err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Bid %d malformed: %v", view.ID, err))
		return false
	}
	// Bid IDs are dense from 1, so the hash sits at ID-1.
	if bid.ID == 0 || int(bid.ID) > len(ud.BidHashes) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Bid %d NOT in attestation (%d bids attested)", bid.ID, len(ud.BidHashes)))
		return false
	}

	computedHash := core.ComputeBidHash(bid, ud.BidHashNonce)
	if computedHash == ud.BidHashes[bid.ID-1] {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Bid hash found in attestation: %s", computedHash))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Bid hash mismatch for bid %d: computed %s, attestation has %s", bid.ID, computedHash, ud.BidHashes[bid.ID-1]))
	return false
}

func settlementFromViews(c saleapi.CutoffView, t saleapi.TotalsView) (core.Cutoff, core.Totals, error) {
	fraction, err := decimal.NewFromString(c.AcceptedFraction)
	if err != nil {
		return core.Cutoff{}, core.Totals{}, fmt.Errorf("accepted fraction: %w", err)
	}
	virtual, err := decimal.NewFromString(t.AcceptedVirtual)
	if err != nil {
		return core.Cutoff{}, core.Totals{}, fmt.Errorf("accepted virtual: %w", err)
	}
	acceptedReal, err := decimal.NewFromString(t.AcceptedReal)
	if err != nil {
		return core.Cutoff{}, core.Totals{}, fmt.Errorf("accepted real: %w", err)
	}
	supply, err := decimal.NewFromString(t.TokenSupply)
	if err != nil {
		return core.Cutoff{}, core.Totals{}, fmt.Errorf("token supply: %w", err)
	}
	cutoff := core.Cutoff{
		BidID:            core.BidID(c.BidID),
		AcceptedFraction: fraction,
		Undersubscribed:  c.Undersubscribed,
		Finalized:        c.Finalized,
	}
	totals := core.Totals{
		AcceptedVirtual: virtual,
		AcceptedReal:    acceptedReal,
		TokenSupply:     supply,
		Finalized:       t.Finalized,
	}
	return cutoff, totals, nil
}

func decimalStringsEqual(a, b string) bool {
	da, err := decimal.NewFromString(a)
	if err != nil {
		return false
	}
	db, err := decimal.NewFromString(b)
	if err != nil {
		return false
	}
	return da.Equal(db)
}
