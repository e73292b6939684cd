package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cloudx-io/openiico/saleapi"
	"github.com/cloudx-io/openiico/validation"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code: 0 valid, 1 invalid, 2 bad input.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("settlement-validator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		settlementInput = fs.String("settlement", "", "Settlement response JSON (file path or inline JSON)")
		bidInput        = fs.String("bid", "", "Bid JSON from get_bid to check for inclusion (file path or inline JSON)")
		saleID          = fs.String("sale-id", "", "Expected sale ID")
		cutoff          = fs.Int64("cutoff", -1, "Expected cutoff bid ID (-1 to skip)")
		pcrPath         = fs.String("pcrs", "", "PCR allow-list file (default: built-in allow-list)")
		outputFormat    = fs.String("format", "text", "Output format: text or json")
	)
	fs.Usage = func() { showUsage(stderr) }

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	if *settlementInput == "" {
		showUsage(stderr)
		fmt.Fprintf(stderr, "\nError: --settlement is required\n")
		return 2
	}

	input := &validation.SettlementValidationInput{
		SaleID:  *saleID,
		Options: validation.Options{PCRConfigPath: *pcrPath},
	}
	if err := readJSONInput(*settlementInput, &input.Settlement); err != nil {
		fmt.Fprintf(stderr, "Error reading settlement: %v\n", err)
		return 2
	}
	if *bidInput != "" {
		// get_bid responses wrap the bid; a bare bid object is accepted too
		var wrapped saleapi.BidResponse
		if err := readJSONInput(*bidInput, &wrapped); err != nil {
			fmt.Fprintf(stderr, "Error reading bid: %v\n", err)
			return 2
		}
		bid := wrapped.Bid
		if bid.ID == 0 {
			if err := readJSONInput(*bidInput, &bid); err != nil {
				fmt.Fprintf(stderr, "Error reading bid: %v\n", err)
				return 2
			}
		}
		input.Bid = &bid
	}
	if *cutoff >= 0 {
		expected := uint64(*cutoff)
		input.ExpectedCutoff = &expected
	}

	result, err := validation.ValidateSettlementAttestation(input)
	if err != nil {
		fmt.Fprintf(stderr, "Validation error: %v\n", err)
		return 2
	}

	if *outputFormat == "json" {
		if err := outputJSON(stdout, result); err != nil {
			fmt.Fprintf(stderr, "Error marshaling JSON: %v\n", err)
			return 2
		}
	} else {
		outputText(stdout, result)
	}

	if !result.IsValid() {
		return 1
	}
	return 0
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, "Sale Settlement Attestation Validator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Validates the attested settlement of a finalized sale.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  settlement-validator --settlement <json> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Required Flags:")
	fmt.Fprintln(w, "  --settlement <json>       Response to a settlement request")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Optional Flags:")
	fmt.Fprintln(w, "  --bid <json>              Your bid (get_bid response) to check for inclusion")
	fmt.Fprintln(w, "  --sale-id <id>            Expected sale ID")
	fmt.Fprintln(w, "  --cutoff <id>             Expected cutoff bid ID")
	fmt.Fprintln(w, "  --pcrs <path>             PCR allow-list file")
	fmt.Fprintln(w, "  --format <text|json>      Output format (default: text)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Each JSON flag accepts either a file path or an inline JSON string.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Exit Codes:")
	fmt.Fprintln(w, "  0 - Validation passed")
	fmt.Fprintln(w, "  1 - Validation failed")
	fmt.Fprintln(w, "  2 - Invalid input or runtime error")
}

func readJSONInput(input string, v any) error {
	data, err := os.ReadFile(input)
	if err != nil {
		// Treat as inline JSON
		data = []byte(input)
	}
	return json.Unmarshal(data, v)
}

func outputText(w io.Writer, result *validation.SettlementValidationResult) {
	fmt.Fprintln(w, "Sale Settlement Attestation Validator")
	fmt.Fprintln(w, "=====================================")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Summary:")
	fmt.Fprintf(w, "  PCRs Valid:              %v\n", result.PCRsValid)
	fmt.Fprintf(w, "  Certificate Valid:       %v\n", result.CertificateValid)
	fmt.Fprintf(w, "  Signature Valid:         %v\n", result.SignatureValid)
	fmt.Fprintf(w, "  Sale ID Valid:           %v\n", result.SaleIDValid)
	fmt.Fprintf(w, "  Settlement Hash Valid:   %v\n", result.SettlementHashValid)
	fmt.Fprintf(w, "  Cutoff Valid:            %v\n", result.CutoffValid)
	fmt.Fprintf(w, "  Effects Hash Valid:      %v\n", result.EffectsHashValid)
	if result.BidChecked {
		fmt.Fprintf(w, "  Bid Hash Valid:          %v\n", result.BidHashValid)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Details:")
	for _, detail := range result.ValidationDetails {
		fmt.Fprintf(w, "  - %s\n", detail)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=====================================")
	if result.IsValid() {
		fmt.Fprintln(w, "VALIDATION: ✓ PASSED")
	} else {
		fmt.Fprintln(w, "VALIDATION: ✗ FAILED")
	}
}

func outputJSON(w io.Writer, result *validation.SettlementValidationResult) error {
	output := map[string]any{
		"valid":                 result.IsValid(),
		"pcrs_valid":            result.PCRsValid,
		"certificate_valid":     result.CertificateValid,
		"signature_valid":       result.SignatureValid,
		"sale_id_valid":         result.SaleIDValid,
		"settlement_hash_valid": result.SettlementHashValid,
		"cutoff_valid":          result.CutoffValid,
		"effects_hash_valid":    result.EffectsHashValid,
		"details":               result.ValidationDetails,
	}
	if result.BidChecked {
		output["bid_hash_valid"] = result.BidHashValid
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
