package core

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
)

// TokenLedger is the token bookkeeping the sale settles against. The sale's token supply
// is the balance of the configured sale account.
type TokenLedger interface {
	Transfer(to Identity, amount decimal.Decimal) error
	BalanceOf(who Identity) (decimal.Decimal, error)
}

// Payer sends money back to a participant. Failures must be returned, never swallowed.
type Payer interface {
	Payout(to Identity, amount decimal.Decimal) error
}

// Gate decides whether a participant may place a bid of the given amount.
type Gate interface {
	IsAllowed(who Identity, amount decimal.Decimal) bool
}

// GateFunc adapts a function to Gate.
type GateFunc func(who Identity, amount decimal.Decimal) bool

func (f GateFunc) IsAllowed(who Identity, amount decimal.Decimal) bool { return f(who, amount) }

// MemoryLedger is an in-process TokenLedger and Payer. Token transfers draw from the sale
// account; payouts are recorded per recipient. It is not safe for concurrent use.
type MemoryLedger struct {
	sale     Identity
	balances map[Identity]decimal.Decimal
	paid     map[Identity]decimal.Decimal

	// BeforePayout and BeforeTransfer run ahead of the bookkeeping. A non-nil error
	// aborts the call. Tests use them to inject failures and re-entrant calls.
	BeforePayout   func(to Identity, amount decimal.Decimal) error
	BeforeTransfer func(to Identity, amount decimal.Decimal) error
}

// NewMemoryLedger returns a ledger whose transfers are drawn from sale.
func NewMemoryLedger(sale Identity) *MemoryLedger {
	return &MemoryLedger{
		sale:     sale,
		balances: make(map[Identity]decimal.Decimal),
		paid:     make(map[Identity]decimal.Decimal),
	}
}

// Mint credits amount tokens to who.
func (l *MemoryLedger) Mint(who Identity, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("invalid negative mint amount %s", amount)
	}
	l.balances[who] = l.balances[who].Add(amount)
	return nil
}

func (l *MemoryLedger) Transfer(to Identity, amount decimal.Decimal) error {
	if l.BeforeTransfer != nil {
		if err := l.BeforeTransfer(to, amount); err != nil {
			return err
		}
	}
	if amount.IsNegative() {
		return fmt.Errorf("invalid negative transfer amount %s", amount)
	}
	if l.balances[l.sale].LessThan(amount) {
		return fmt.Errorf("insufficient token balance: have %s, need %s", l.balances[l.sale], amount)
	}
	l.balances[l.sale] = l.balances[l.sale].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *MemoryLedger) BalanceOf(who Identity) (decimal.Decimal, error) {
	return l.balances[who], nil
}

func (l *MemoryLedger) Payout(to Identity, amount decimal.Decimal) error {
	if l.BeforePayout != nil {
		if err := l.BeforePayout(to, amount); err != nil {
			return err
		}
	}
	if amount.IsNegative() {
		return fmt.Errorf("invalid negative payout amount %s", amount)
	}
	l.paid[to] = l.paid[to].Add(amount)
	return nil
}

// Paid returns the total money paid out to who.
func (l *MemoryLedger) Paid(who Identity) decimal.Decimal {
	return l.paid[who]
}

type ledgerEntry struct {
	Who    string `cbor:"who"`
	Amount string `cbor:"amount"`
}

type ledgerSnapshot struct {
	Sale     string        `cbor:"sale"`
	Balances []ledgerEntry `cbor:"balances"`
	Paid     []ledgerEntry `cbor:"paid"`
}

func ledgerEntries(m map[Identity]decimal.Decimal) []ledgerEntry {
	out := make([]ledgerEntry, 0, len(m))
	for who, amount := range m {
		out = append(out, ledgerEntry{Who: string(who), Amount: amount.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Who < out[j].Who })
	return out
}

// Snapshot encodes balances and payouts as canonical CBOR. Hooks are not included.
func (l *MemoryLedger) Snapshot() ([]byte, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}
	return em.Marshal(ledgerSnapshot{
		Sale:     string(l.sale),
		Balances: ledgerEntries(l.balances),
		Paid:     ledgerEntries(l.paid),
	})
}

// RestoreMemoryLedger rebuilds a ledger from MemoryLedger.Snapshot output.
func RestoreMemoryLedger(data []byte) (*MemoryLedger, error) {
	var s ledgerSnapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode ledger snapshot: %w", err)
	}
	l := NewMemoryLedger(Identity(s.Sale))
	for _, e := range s.Balances {
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", e.Who, err)
		}
		l.balances[Identity(e.Who)] = amount
	}
	for _, e := range s.Paid {
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil {
			return nil, fmt.Errorf("payout to %s: %w", e.Who, err)
		}
		l.paid[Identity(e.Who)] = amount
	}
	return l, nil
}
