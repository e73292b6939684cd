package config

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openiico/core"
)

// WhitelistFile is the YAML form of a two tier participant list. A sale without one
// accepts every identity.
type WhitelistFile struct {
	// BaseCap is the most a base-tier identity may commit to the sale.
	BaseCap    string   `yaml:"base_cap,omitempty"`
	Base       []string `yaml:"base,omitempty"`
	Reinforced []string `yaml:"reinforced,omitempty"`
}

// LevelWhitelist is a core.Gate with two tiers. Reinforced identities may bid any
// amount and base identities up to BaseCap. Unlisted identities are refused.
//
// An identity holds one active bid at a time and a full withdrawal zeroes the amount,
// so the bid being placed is the identity's whole commitment and the base cap is
// checked against it alone.
type LevelWhitelist struct {
	BaseCap decimal.Decimal
	tiers   map[core.Identity]tier
}

type tier int

const (
	tierBase tier = iota + 1
	tierReinforced
)

// IsAllowed implements core.Gate.
func (w *LevelWhitelist) IsAllowed(who core.Identity, amount decimal.Decimal) bool {
	switch w.tiers[who] {
	case tierReinforced:
		return true
	case tierBase:
		return amount.LessThanOrEqual(w.BaseCap)
	}
	return false
}

// Len returns the number of listed identities.
func (w *LevelWhitelist) Len() int { return len(w.tiers) }

func (f *WhitelistFile) parse(fail func(string, ...any)) *LevelWhitelist {
	w := &LevelWhitelist{tiers: make(map[core.Identity]tier)}
	add := func(list string, ids []string, t tier) {
		for i, id := range ids {
			switch {
			case id == "":
				fail("whitelist.%s[%d]: identity is empty", list, i)
			case w.tiers[core.Identity(id)] != 0:
				fail("whitelist.%s[%d]: %q is listed twice", list, i, id)
			default:
				w.tiers[core.Identity(id)] = t
			}
		}
	}
	add("base", f.Base, tierBase)
	add("reinforced", f.Reinforced, tierReinforced)

	if len(f.Base) > 0 || f.BaseCap != "" {
		w.BaseCap = parseDecimal("whitelist.base_cap", f.BaseCap, fail)
		if !w.BaseCap.IsPositive() && f.BaseCap != "" {
			fail("whitelist.base_cap: must be positive")
		}
	}
	if len(w.tiers) == 0 {
		fail("whitelist: lists no identities")
	}
	return w
}

// Gate returns the sale's whitelist as a core.Gate, or nil if every identity may bid.
func (s Sale) Gate() core.Gate {
	if s.Whitelist == nil {
		return nil
	}
	return s.Whitelist
}

func (w *LevelWhitelist) String() string {
	var base, reinforced int
	for _, t := range w.tiers {
		if t == tierBase {
			base++
		} else {
			reinforced++
		}
	}
	return fmt.Sprintf("%d base (cap %s), %d reinforced", base, w.BaseCap, reinforced)
}
