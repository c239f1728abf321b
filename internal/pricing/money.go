package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor currency units (paise).
type Money int64

const minorDigits = 2

var ErrAmountOutOfRange = errors.New("amount out of range")

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// FromDecimal converts a major-unit amount to Money, rounding half away from
// zero to the nearest minor unit. This is the only place rounding happens.
func FromDecimal(d decimal.Decimal) (Money, error) {
	minor := d.Round(minorDigits).Shift(minorDigits)
	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, d.String())
	}
	return Money(minor.IntPart()), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -minorDigits)
}

func (m Money) Add(other Money) (Money, error) {
	sum := m + other
	if (other > 0 && sum < m) || (other < 0 && sum > m) {
		return 0, fmt.Errorf("%w: %s + %s", ErrAmountOutOfRange, m, other)
	}
	return sum, nil
}

func (m Money) Sub(other Money) (Money, error) {
	diff := m - other
	if (other > 0 && diff > m) || (other < 0 && diff < m) {
		return 0, fmt.Errorf("%w: %s - %s", ErrAmountOutOfRange, m, other)
	}
	return diff, nil
}

func (m Money) Mul(qty int) (Money, error) {
	if m == 0 || qty == 0 {
		return 0, nil
	}
	n := Money(qty)
	product := m * n
	if product/n != m || (n == -1 && m == math.MinInt64) || (m == -1 && n == math.MinInt64) {
		return 0, fmt.Errorf("%w: %s x %d", ErrAmountOutOfRange, m, qty)
	}
	return product, nil
}

func (m Money) String() string {
	return m.Decimal().StringFixed(minorDigits)
}

// MarshalJSON renders the amount as a JSON number in major units, e.g. 64581.00.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}
