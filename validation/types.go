package validation

// BaseValidationResult contains the checks common to every attestation
type BaseValidationResult struct {
	PCRsValid         bool
	CertificateValid  bool
	SignatureValid    bool
	ValidationDetails []string
}

// SettlementValidationResult contains validation results specific to settlement attestations
type SettlementValidationResult struct {
	BaseValidationResult
	SaleIDValid         bool
	SettlementHashValid bool
	CutoffValid         bool
	EffectsHashValid    bool

	// BidChecked is set when a bid was supplied; BidHashValid is only meaningful then.
	BidChecked   bool
	BidHashValid bool
}

// IsValid returns true if all settlement validation checks passed
func (r *SettlementValidationResult) IsValid() bool {
	valid := r.PCRsValid && r.CertificateValid && r.SignatureValid &&
		r.SaleIDValid && r.SettlementHashValid && r.CutoffValid && r.EffectsHashValid
	if r.BidChecked {
		valid = valid && r.BidHashValid
	}
	return valid
}

// PCRSet represents a known-good set of PCR measurements
type PCRSet struct {
	PCR0       string `json:"pcr0"`
	PCR1       string `json:"pcr1"`
	PCR2       string `json:"pcr2"`
	CommitHash string `json:"commit_hash"` // openiico repo commit used to build the enclave image
}

// PCRConfig represents the PCR configuration file structure
type PCRConfig struct {
	PCRSets []PCRSet `json:"pcr_sets"`
}
