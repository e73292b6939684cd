// Package scenario replays scripted sales against the engine.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudx-io/openiico/config"
)

// Scenario is a scripted sale: a configuration, timed operations, and expectations.
type Scenario struct {
	// Name identifies the scenario in reports.
	Name string `yaml:"name"`

	// Description explains what the scenario exercises.
	Description string `yaml:"description,omitempty"`

	// Sale is the sale configuration, in the same form as a sale file.
	Sale config.SaleFile `yaml:"sale"`

	// Steps run in order. Each step's At is an offset from the sale start.
	Steps []Step `yaml:"steps"`

	// FinalizeBatch is the step budget of each finalize call. Zero finalizes in one call.
	FinalizeBatch int `yaml:"finalize_batch,omitempty"`

	// Expect is checked after finalization and redemption of every bid.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Step is one timed operation. Exactly one of Submit and Withdraw is set.
type Step struct {
	At       string    `yaml:"at"`
	Submit   *Submit   `yaml:"submit,omitempty"`
	Withdraw *Withdraw `yaml:"withdraw,omitempty"`

	// Error is the expected error code, for example TOO_LATE. Empty expects success.
	Error string `yaml:"error,omitempty"`
}

// Submit places a bid.
type Submit struct {
	Bidder string `yaml:"bidder"`
	// Cap is a decimal or "uncapped".
	Cap        string `yaml:"cap"`
	Amount     string `yaml:"amount"`
	HintBid    uint64 `yaml:"hint_bid,omitempty"`
	HintBucket *int   `yaml:"hint_bucket,omitempty"`
	MaxSteps   int    `yaml:"max_steps,omitempty"`
}

// Withdraw withdraws a bid on behalf of Bidder.
type Withdraw struct {
	Bidder string `yaml:"bidder"`
	Bid    uint64 `yaml:"bid"`
	// Refund, when set, is the expected refund.
	Refund string `yaml:"refund,omitempty"`
}

// Expect lists assertions on the settled sale.
type Expect struct {
	CutoffBid       *uint64       `yaml:"cutoff_bid,omitempty"`
	AcceptedVirtual string        `yaml:"accepted_virtual,omitempty"`
	AcceptedReal    string        `yaml:"accepted_real,omitempty"`
	Undersubscribed *bool         `yaml:"undersubscribed,omitempty"`
	Bids            []ExpectedBid `yaml:"bids,omitempty"`
}

// ExpectedBid is the expected settlement of one bid. Empty fields are not checked.
type ExpectedBid struct {
	ID      uint64 `yaml:"id"`
	Outcome string `yaml:"outcome,omitempty"`
	Tokens  string `yaml:"tokens,omitempty"`
	Refund  string `yaml:"refund,omitempty"`
}

// Load reads and parses a scenario YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scenario, rejecting unknown fields, and validates it.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := s.Sale.Validate(); err != nil {
		return fmt.Errorf("sale: %w", err)
	}
	if s.FinalizeBatch < 0 {
		return fmt.Errorf("finalize_batch must not be negative")
	}
	for i, step := range s.Steps {
		if _, err := time.ParseDuration(step.At); err != nil {
			return fmt.Errorf("step %d: at: %w", i, err)
		}
		switch {
		case step.Submit != nil && step.Withdraw != nil:
			return fmt.Errorf("step %d: submit and withdraw are mutually exclusive", i)
		case step.Submit == nil && step.Withdraw == nil:
			return fmt.Errorf("step %d: one of submit or withdraw is required", i)
		case step.Submit != nil && step.Submit.Bidder == "":
			return fmt.Errorf("step %d: submit.bidder is required", i)
		case step.Withdraw != nil && step.Withdraw.Bid == 0:
			return fmt.Errorf("step %d: withdraw.bid is required", i)
		}
	}
	return nil
}
