// Package money implements integer minor-unit arithmetic.
//
// All amounts are int64 minor units (cents). Fractional math (percentages,
// tax rates) goes through shopspring/decimal and is rounded half-up back to
// minor units exactly once.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeAmount is returned when an amount that must be >= 0 is not.
	ErrNegativeAmount = errors.New("money: negative amount")

	// ErrOverflow is returned when an operation exceeds the int64 range.
	ErrOverflow = errors.New("money: amount overflow")

	// ErrInvalidCurrency is returned for anything that is not a 3-letter code.
	ErrInvalidCurrency = errors.New("money: invalid currency code")
)

// basisPoints is the denominator of a percent expressed in basis points.
var basisPoints = decimal.NewFromInt(10000)

// NormalizeCurrency returns the canonical upper-case ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return c, nil
}

// SameCurrency compares two codes after normalization.
func SameCurrency(a, b string) bool {
	na, errA := NormalizeCurrency(a)
	nb, errB := NormalizeCurrency(b)
	return errA == nil && errB == nil && na == nb
}

// Validate returns ErrNegativeAmount if v < 0.
func Validate(v int64) error {
	if v < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeAmount, v)
	}
	return nil
}

// Add returns a+b, failing on overflow.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Mul returns unit*qty for non-negative operands, failing on overflow.
func Mul(unit, qty int64) (int64, error) {
	if unit < 0 || qty < 0 {
		return 0, ErrNegativeAmount
	}
	if unit != 0 && qty > math.MaxInt64/unit {
		return 0, ErrOverflow
	}
	return unit * qty, nil
}

// Sum adds all values, failing on overflow.
func Sum(values ...int64) (int64, error) {
	var total int64
	for _, v := range values {
		var err error
		if total, err = Add(total, v); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// NonNegative clamps v at zero.
func NonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// PercentOf returns amount * bps / 10000 rounded half-up.
func PercentOf(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(bps)).
		Div(basisPoints).
		Round(0).
		IntPart()
}

// ApplyRate returns amount * rate rounded half-up, e.g. rate "0.0825".
func ApplyRate(amount int64, rate decimal.Decimal) int64 {
	if amount <= 0 || !rate.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// ParseRate parses a decimal rate string such as "0.08".
func ParseRate(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	r, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: invalid rate %q: %w", s, err)
	}
	if r.IsNegative() {
		return decimal.Zero, fmt.Errorf("money: negative rate %q", s)
	}
	return r, nil
}

// Allocate splits total across weights proportionally. The result sums to
// total exactly when total <= sum(weights); the flooring remainder goes to
// the largest weight (first on ties) without exceeding any weight.
func Allocate(total int64, weights []int64) []int64 {
	out := make([]int64, len(weights))
	if total <= 0 || len(weights) == 0 {
		return out
	}

	var sum int64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	if sum == 0 {
		return out
	}

	d := decimal.NewFromInt(total)
	var allocated int64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		out[i] = d.Mul(decimal.NewFromInt(w)).Div(decimal.NewFromInt(sum)).Floor().IntPart()
		allocated += out[i]
	}

	remainder := total - allocated
	for remainder > 0 {
		best := -1
		for i, w := range weights {
			if w <= 0 || out[i] >= w {
				continue
			}
			if best == -1 || w > weights[best] {
				best = i
			}
		}
		if best == -1 {
			break
		}
		out[best]++
		remainder--
	}
	return out
}
