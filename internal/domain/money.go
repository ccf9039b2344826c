package domain

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultTolerance is the maximum absolute difference at which two amounts
// are still considered equal.
var DefaultTolerance = decimal.New(1, -2)

// DefaultFeePercent is the settlement fee applied when a tenant does not
// configure its own.
var DefaultFeePercent = decimal.NewFromInt(5)

var hundred = decimal.NewFromInt(100)

// AmountsMatch reports whether |expected - observed| <= tolerance. The
// boundary is inclusive.
func AmountsMatch(expected, observed, tolerance decimal.Decimal) bool {
	return expected.Sub(observed).Abs().LessThanOrEqual(tolerance)
}

// ComputeFee returns sale * percent / 100 rounded to cents.
func ComputeFee(sale, percent decimal.Decimal) decimal.Decimal {
	return sale.Mul(percent).Div(hundred).Round(2)
}

var amountSuffixes = map[byte]decimal.Decimal{
	'k': decimal.NewFromInt(1_000),
	'm': decimal.NewFromInt(1_000_000),
	'b': decimal.NewFromInt(1_000_000_000),
}

// ParseAmount parses chat and webhook amounts such as "$1,250.50", "2.5k" or
// "12". The result is rounded to cents.
func ParseAmount(s string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("parse amount %q: empty", s)
	}

	multiplier := decimal.NewFromInt(1)
	last := cleaned[len(cleaned)-1] | 0x20
	if m, ok := amountSuffixes[last]; ok {
		multiplier = m
		cleaned = cleaned[:len(cleaned)-1]
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("parse amount %q: negative", s)
	}
	return d.Mul(multiplier).Round(2), nil
}

// FormatAmount renders an amount with exactly two decimals.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// VerificationAmountGenerator draws the random tripwire amounts each party
// must pay to prove control of its game account. Values are uniform over
// integer cents in [Min, Max] inclusive.
type VerificationAmountGenerator struct {
	minCents int64
	maxCents int64
	rand     io.Reader
}

// NewVerificationAmountGenerator returns a generator over [1.00, 50.23]
// backed by crypto/rand.
func NewVerificationAmountGenerator() *VerificationAmountGenerator {
	return &VerificationAmountGenerator{minCents: 100, maxCents: 5023, rand: rand.Reader}
}

// WithSource replaces the entropy source. Tests use it for determinism.
func (g *VerificationAmountGenerator) WithSource(r io.Reader) *VerificationAmountGenerator {
	g.rand = r
	return g
}

// Next draws one amount.
func (g *VerificationAmountGenerator) Next() (decimal.Decimal, error) {
	span := big.NewInt(g.maxCents - g.minCents + 1)
	n, err := rand.Int(g.rand, span)
	if err != nil {
		return decimal.Zero, fmt.Errorf("verification amount: %w", err)
	}
	return decimal.New(g.minCents+n.Int64(), -2), nil
}

// Pair draws independent amounts for the sender and the receiver.
func (g *VerificationAmountGenerator) Pair() (sender, receiver decimal.Decimal, err error) {
	if sender, err = g.Next(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if receiver, err = g.Next(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return sender, receiver, nil
}
