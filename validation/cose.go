package validation

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

// coseSign1 is the untagged COSE_Sign1 array the NSM returns:
// [protected, unprotected, payload, signature]
type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

// headerAlgorithm is the COSE header label for the signature algorithm.
const headerAlgorithm = 1

// VerifyCOSESignature verifies a COSE_Sign1 attestation against the signing
// certificate's key. Only ES384 is accepted.
func VerifyCOSESignature(coseBytes []byte, signer *SigningCertificate) error {
	ecdsaKey, err := signer.PublicKey()
	if err != nil {
		return err
	}

	var msg coseSign1
	if err := cbor.Unmarshal(coseBytes, &msg); err != nil {
		return fmt.Errorf("parse COSE_Sign1: %w", err)
	}
	if len(msg.Payload) == 0 {
		return fmt.Errorf("invalid payload")
	}
	if len(msg.Signature) == 0 {
		return fmt.Errorf("invalid signature")
	}

	var header map[int64]any
	if err := cbor.Unmarshal(msg.Protected, &header); err != nil {
		return fmt.Errorf("invalid protected headers: %w", err)
	}
	alg, ok := header[headerAlgorithm].(int64)
	if !ok || cose.Algorithm(alg) != cose.AlgorithmES384 {
		return fmt.Errorf("unsupported COSE algorithm: %v", header[headerAlgorithm])
	}

	// Sig_structure for COSE_Sign1 with empty external_aad
	toBeSigned, err := cbor.Marshal([]any{"Signature1", msg.Protected, []byte{}, msg.Payload})
	if err != nil {
		return fmt.Errorf("marshal Sig_structure: %w", err)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES384, ecdsaKey)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	if err := verifier.Verify(toBeSigned, msg.Signature); err != nil {
		return fmt.Errorf("COSE signature verification failed: %w", err)
	}
	return nil
}
