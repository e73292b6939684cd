package validation

import (
	"bytes"
	"crypto/x509"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cloudx-io/openiico/saleapi"
	"github.com/cloudx-io/openiico/saleapi/parsing"
)

// builtinPCRs is the allow-list of enclave images released from this repository.
//
//go:embed pcrs.json
var builtinPCRs []byte

// Options controls what an attestation is checked against.
type Options struct {
	// PCRSets are the accepted enclave measurements. When empty they are read from
	// PCRConfigPath, or from the built-in allow-list if that is empty too.
	PCRSets       []PCRSet
	PCRConfigPath string

	// Roots overrides the AWS Nitro root CA.
	Roots *x509.CertPool
}

// BuiltinPCRSets returns the allow-list compiled into this package.
func BuiltinPCRSets() ([]PCRSet, error) {
	return decodePCRConfig(builtinPCRs)
}

// ReadPCRSets reads a PCR allow-list file.
func ReadPCRSets(path string) ([]PCRSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCR config file: %w", err)
	}
	return decodePCRConfig(data)
}

func decodePCRConfig(data []byte) ([]PCRSet, error) {
	var cfg PCRConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse PCR config: %w", err)
	}
	if len(cfg.PCRSets) == 0 {
		return nil, fmt.Errorf("PCR config lists no enclave images")
	}
	return cfg.PCRSets, nil
}

func (o Options) pcrSets() ([]PCRSet, error) {
	switch {
	case len(o.PCRSets) > 0:
		return o.PCRSets, nil
	case o.PCRConfigPath != "":
		return ReadPCRSets(o.PCRConfigPath)
	}
	return BuiltinPCRSets()
}

// Matches reports whether an attestation's first three PCRs are this image's.
func (s PCRSet) Matches(pcrs saleapi.PCRs) bool {
	return s.PCR0 == pcrs.ImageFileHash && s.PCR1 == pcrs.KernelHash && s.PCR2 == pcrs.ApplicationHash
}

// matchPCRSet returns the first allowed image the measurements match.
func matchPCRSet(pcrs saleapi.PCRs, allowed []PCRSet) (PCRSet, bool) {
	for _, s := range allowed {
		if s.Matches(pcrs) {
			return s, true
		}
	}
	return PCRSet{}, false
}

// validateCommonAttestation checks PCRs, the certificate chain and the COSE signature.
// It returns the parsed document and its raw user data alongside the result.
func validateCommonAttestation(attestationCOSEBase64 saleapi.AttestationCOSEBase64, opts Options) (*BaseValidationResult, saleapi.AttestationDoc, []byte, error) {
	coseBytes, err := attestationCOSEBase64.Decode()
	if err != nil {
		return nil, saleapi.AttestationDoc{}, nil, fmt.Errorf("decode COSE bytes: %w", err)
	}

	attestationDoc, userData, err := parsing.ParseAttestationDoc(coseBytes)
	if err != nil {
		return nil, saleapi.AttestationDoc{}, nil, fmt.Errorf("parse attestation document: %w", err)
	}

	allowed, err := opts.pcrSets()
	if err != nil {
		return nil, saleapi.AttestationDoc{}, nil, fmt.Errorf("failed to load PCR configuration: %w", err)
	}

	result := &BaseValidationResult{
		ValidationDetails: []string{},
	}
	note := func(format string, args ...any) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf(format, args...))
	}

	pcrs := attestationDoc.PCRs
	if image, ok := matchPCRSet(pcrs, allowed); ok {
		result.PCRsValid = true
		note("PCR measurements valid")
		note("Matched enclave image built from commit %s", image.CommitHash)
	} else {
		note("PCR0: %s (no match)", pcrs.ImageFileHash)
		note("PCR1: %s (no match)", pcrs.KernelHash)
		note("PCR2: %s (no match)", pcrs.ApplicationHash)
	}

	signer, err := ParseSigningCertificate(attestationDoc)
	if err != nil {
		note("Certificate unusable: %v", err)
		note("COSE signature not verified: no certificate")
		return result, attestationDoc, userData, nil
	}

	// The chain is checked at the attestation timestamp so old settlements stay verifiable.
	if err := signer.VerifyChain(attestationDoc.Timestamp, opts.Roots); err != nil {
		note("Certificate chain validation failed: %v", err)
	} else {
		result.CertificateValid = true
		note("Certificate chain verified")
	}

	if err := VerifyCOSESignature(coseBytes, signer); err != nil {
		note("COSE signature verification failed: %v", err)
	} else {
		result.SignatureValid = true
		note("COSE signature verified")
	}

	return result, attestationDoc, userData, nil
}
