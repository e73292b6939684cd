package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"

	"github.com/cloudx-io/openiico/core"
	"github.com/cloudx-io/openiico/saleapi"
)

// EnclaveAttester interface for dependency injection and testing
type EnclaveAttester interface {
	Attest(options enclave.AttestationOptions) ([]byte, error)
}

// getEnclaveAttester attempts to get the NSM attester, returns error if not available
func getEnclaveAttester() (EnclaveAttester, error) {
	handle, err := enclave.GetOrInitializeHandle()
	if err != nil {
		return nil, fmt.Errorf("NSM not available: %w", err)
	}
	return handle, nil
}

// Settlement is the finalized state a settlement attestation commits to.
type Settlement struct {
	SaleID  string
	Cutoff  core.Cutoff
	Totals  core.Totals
	Bids    []core.Bid
	Effects []core.Effect
}

// GenerateSettlementAttestation has the NSM sign a document committing to every bid, the
// cutoff and the settlement effects. Each commitment uses its own fresh nonce.
func GenerateSettlementAttestation(attester EnclaveAttester, s Settlement) (saleapi.AttestationCOSE, *saleapi.SettlementUserData, error) {
	if attester == nil {
		return nil, nil, fmt.Errorf("enclave attester is nil")
	}

	bidHashNonce, err := generateNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate bid hash nonce: %w", err)
	}
	settlementNonce, err := generateNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate settlement nonce: %w", err)
	}
	effectsNonce, err := generateNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate effects nonce: %w", err)
	}

	bidHashes := make([]string, 0, len(s.Bids))
	for _, b := range s.Bids {
		bidHashes = append(bidHashes, core.ComputeBidHash(b, bidHashNonce))
	}

	userData := &saleapi.SettlementUserData{
		SaleID:           s.SaleID,
		BidCount:         len(s.Bids),
		BidHashes:        bidHashes,
		BidHashNonce:     bidHashNonce,
		CutoffBidID:      uint64(s.Cutoff.BidID),
		AcceptedFraction: s.Cutoff.AcceptedFraction.String(),
		Undersubscribed:  s.Cutoff.Undersubscribed,
		AcceptedVirtual:  s.Totals.AcceptedVirtual.String(),
		AcceptedReal:     s.Totals.AcceptedReal.String(),
		TokenSupply:      s.Totals.TokenSupply.String(),
		SettlementHash:   core.ComputeSettlementHash(s.Cutoff, s.Totals, settlementNonce),
		SettlementNonce:  settlementNonce,
		EffectsHash:      core.ComputeEffectsHash(s.Effects, effectsNonce),
		EffectsNonce:     effectsNonce,
		Timestamp:        time.Now(),
	}

	userDataBytes, err := json.Marshal(userData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal user data: %w", err)
	}
	randomNonce, err := generateNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate attestation nonce: %w", err)
	}

	attestationCBOR, err := attester.Attest(enclave.AttestationOptions{
		UserData: userDataBytes,
		Nonce:    []byte(randomNonce),
	})
	if err != nil {
		log.Printf("ERROR: NSM attestation failed: %v", err)
		return nil, nil, fmt.Errorf("NSM attestation failed: %w", err)
	}

	log.Printf("INFO: Settlement attestation generated: %d bytes", len(attestationCBOR))
	return saleapi.AttestationCOSE(attestationCBOR), userData, nil
}

// generateSecureRandomBytes reads from crypto/rand, which the NSM seeds inside an enclave.
func generateSecureRandomBytes(length int) ([]byte, error) {
	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("entropy generation failed: %w", err)
	}
	return randomBytes, nil
}

func generateNonce() (string, error) {
	randomBytes, err := generateSecureRandomBytes(32) // 256 bits of entropy
	if err != nil {
		return "", fmt.Errorf("failed to generate secure nonce - %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}
