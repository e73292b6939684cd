// Package config loads sale parameters from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/cloudx-io/openiico/core"
)

// SaleFile is the YAML form of a sale. Amounts are strings so they keep their exact
// decimal value; durations use time.ParseDuration syntax.
type SaleFile struct {
	// SaleID is a UUID. The daemon requires it; the simulator assigns one when empty.
	SaleID string `yaml:"sale_id"`

	// Start is an RFC 3339 timestamp.
	Start string `yaml:"start"`

	// FullBonus is the length of the full-bonus window.
	FullBonus string `yaml:"full_bonus"`
	// PartialWithdrawal is the length of the decay window.
	PartialWithdrawal string `yaml:"partial_withdrawal"`
	// WithdrawalLockup is the length of the locked window before the sale ends.
	WithdrawalLockup string `yaml:"withdrawal_lockup"`

	MaxBonus        string   `yaml:"max_bonus"`
	MinContribution string   `yaml:"min_contribution"`
	BucketBounds    []string `yaml:"bucket_bounds,omitempty"`
	MaxSearchSteps  int      `yaml:"max_search_steps,omitempty"`

	SaleAccount string `yaml:"sale_account"`
	// TokenSupply is minted to SaleAccount when the sale is created.
	TokenSupply string `yaml:"token_supply"`

	// Whitelist restricts who may bid. It may be edited between restarts.
	Whitelist *WhitelistFile `yaml:"whitelist,omitempty"`
}

// Sale is a parsed and validated SaleFile.
type Sale struct {
	ID          string
	Core        core.Config
	TokenSupply decimal.Decimal
	// Whitelist is nil when every identity may bid.
	Whitelist *LevelWhitelist
}

// Load reads and parses a sale file.
func Load(path string) (*SaleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sale file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, rejecting unknown fields.
func Parse(data []byte) (*SaleFile, error) {
	var f SaleFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &f, nil
}

// EnsureID assigns a fresh sale ID if none is set.
func (f *SaleFile) EnsureID() {
	if f.SaleID == "" {
		f.SaleID = uuid.NewString()
	}
}

// Marshal encodes the file back to YAML.
func (f *SaleFile) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

// Validate parses every field and reports all problems at once.
func (f *SaleFile) Validate() error {
	_, err := f.Sale()
	return err
}

// Sale converts the file into the engine configuration.
func (f *SaleFile) Sale() (Sale, error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if f.SaleID != "" {
		if _, err := uuid.Parse(f.SaleID); err != nil {
			fail("sale_id: %w", err)
		}
	}

	start, err := time.Parse(time.RFC3339, f.Start)
	if err != nil {
		fail("start: %w", err)
	}
	fullBonus := parseDuration("full_bonus", f.FullBonus, fail)
	partial := parseDuration("partial_withdrawal", f.PartialWithdrawal, fail)
	lockup := parseDuration("withdrawal_lockup", f.WithdrawalLockup, fail)
	maxBonus := parseDecimal("max_bonus", f.MaxBonus, fail)
	minContribution := parseDecimal("min_contribution", f.MinContribution, fail)
	supply := parseDecimal("token_supply", f.TokenSupply, fail)

	var bounds []decimal.Decimal
	for i, s := range f.BucketBounds {
		bounds = append(bounds, parseDecimal(fmt.Sprintf("bucket_bounds[%d]", i), s, fail))
	}

	if minContribution.IsNegative() {
		fail("min_contribution: must not be negative")
	}
	if !supply.IsPositive() && f.TokenSupply != "" {
		fail("token_supply: must be positive")
	}
	if f.MaxSearchSteps < 0 {
		fail("max_search_steps: must not be negative")
	}
	if f.SaleAccount == "" {
		fail("sale_account is required")
	}
	var whitelist *LevelWhitelist
	if f.Whitelist != nil {
		whitelist = f.Whitelist.parse(fail)
	}
	if len(errs) > 0 {
		return Sale{}, errors.Join(errs...)
	}

	phases, err := core.PhasesFromDurations(start, fullBonus, partial, lockup, maxBonus)
	if err != nil {
		return Sale{}, fmt.Errorf("phases: %w", err)
	}
	if _, err := core.NewBucketIndex(bounds); err != nil {
		return Sale{}, fmt.Errorf("bucket_bounds: %w", err)
	}

	return Sale{
		ID: f.SaleID,
		Core: core.Config{
			Phases:          phases,
			MinContribution: minContribution,
			BucketBounds:    bounds,
			MaxSearchSteps:  f.MaxSearchSteps,
			SaleAccount:     core.Identity(f.SaleAccount),
		},
		TokenSupply: supply,
		Whitelist:   whitelist,
	}, nil
}

func parseDuration(field, s string, fail func(string, ...any)) time.Duration {
	if s == "" {
		fail("%s is required", field)
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		fail("%s: %w", field, err)
	}
	return d
}

func parseDecimal(field, s string, fail func(string, ...any)) decimal.Decimal {
	if s == "" {
		fail("%s is required", field)
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		fail("%s: %w", field, err)
	}
	return d
}

// NewAuction creates the engine for a sale, minting the token supply to the sale
// account of a fresh in-memory ledger.
func NewAuction(sale Sale) (*core.Auction, *core.MemoryLedger, error) {
	ledger := core.NewMemoryLedger(sale.Core.SaleAccount)
	if err := ledger.Mint(sale.Core.SaleAccount, sale.TokenSupply); err != nil {
		return nil, nil, fmt.Errorf("mint supply: %w", err)
	}
	auction, err := core.NewAuction(sale.Core, sale.dependencies(ledger))
	if err != nil {
		return nil, nil, err
	}
	return auction, ledger, nil
}

// RestoreAuction rebuilds a sale and its ledger from snapshots. It fails with
// core.ErrConfigMismatch if sale no longer matches the snapshot.
func RestoreAuction(sale Sale, auctionSnap, ledgerSnap []byte) (*core.Auction, *core.MemoryLedger, error) {
	ledger, err := core.RestoreMemoryLedger(ledgerSnap)
	if err != nil {
		return nil, nil, fmt.Errorf("restore ledger: %w", err)
	}
	auction, err := core.RestoreAuction(sale.Core, sale.dependencies(ledger), auctionSnap)
	if err != nil {
		return nil, nil, fmt.Errorf("restore sale: %w", err)
	}
	return auction, ledger, nil
}

func (s Sale) dependencies(ledger *core.MemoryLedger) core.Dependencies {
	return core.Dependencies{Ledger: ledger, Payer: ledger, Gate: s.Gate()}
}
