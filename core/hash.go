package core

import (
	"crypto/sha256"
	"fmt"
	"sort"
)

// ComputeBidHash computes the commitment hash of a bid as submitted.
// This is used by both the sale daemon (to generate hashes) and validation (to verify hashes).
//
// Formula: SHA256(bid_id + "|" + bidder + "|" + cap + "|" + contributed + "|" + bonus + "|" + nonce)
//
// Decimals use their canonical string form so the hash is independent of how a value
// was parsed.
func ComputeBidHash(b Bid, nonce string) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s", b.ID, b.Bidder, b.Cap, b.Contributed.String(), b.Bonus.String(), nonce)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ComputeSettlementHash computes the hash of a finalized settlement.
// This is used by both the sale daemon (to generate hashes) and validation (to verify hashes).
//
// Formula: SHA256(nonce + "|" + cutoff_bid + "|" + accepted_fraction + "|" + accepted_virtual + "|" + accepted_real + "|" + supply)
func ComputeSettlementHash(cutoff Cutoff, totals Totals, nonce string) string {
	data := fmt.Sprintf("%s|%d|%s|%s|%s|%s",
		nonce,
		cutoff.BidID,
		cutoff.AcceptedFraction.String(),
		totals.AcceptedVirtual.String(),
		totals.AcceptedReal.String(),
		totals.TokenSupply.String(),
	)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ComputeEffectsHash computes the hash of a set of redemption effects.
//
// Formula: SHA256(nonce + "|" + sorted_effects)
// where sorted_effects = "id:outcome:tokens:refund|..." (sorted by bid ID)
func ComputeEffectsHash(effects []Effect, nonce string) string {
	sorted := make([]Effect, len(effects))
	copy(sorted, effects)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BidID < sorted[j].BidID })

	data := nonce
	for _, e := range sorted {
		data += fmt.Sprintf("|%d:%s:%s:%s", e.BidID, e.Outcome, e.Tokens.String(), e.Refund.String())
	}
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
