package invoice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/groviaus/jewellery-software-app/internal/pricing"
)

type DiscountKind string

const (
	DiscountNone       DiscountKind = "none"
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

var ErrInvalidDiscount = errors.New("invalid discount")

// DiscountPolicy is one of NoDiscount, PercentageDiscount or FixedDiscount.
type DiscountPolicy interface {
	Kind() DiscountKind
	// Value is the figure as entered: a percentage or a major-unit amount.
	Value() decimal.Decimal
	amount(subtotal pricing.Money) (pricing.Money, error)
}

type NoDiscount struct{}

func (NoDiscount) Kind() DiscountKind { return DiscountNone }
func (NoDiscount) Value() decimal.Decimal { return decimal.Zero }
func (NoDiscount) amount(_ pricing.Money) (pricing.Money, error) { return 0, nil }

type PercentageDiscount struct {
	Percent decimal.Decimal
}

func (PercentageDiscount) Kind() DiscountKind { return DiscountPercentage }
func (p PercentageDiscount) Value() decimal.Decimal { return p.Percent }

func (p PercentageDiscount) amount(subtotal pricing.Money) (pricing.Money, error) {
	return pricing.FromDecimal(subtotal.Decimal().Mul(p.Percent).Shift(-2))
}

type FixedDiscount struct {
	Amount pricing.Money
}

func (FixedDiscount) Kind() DiscountKind { return DiscountFixed }
func (f FixedDiscount) Value() decimal.Decimal { return f.Amount.Decimal() }

func (f FixedDiscount) amount(_ pricing.Money) (pricing.Money, error) { return f.Amount, nil }

// ParseDiscount builds a policy from the loosely typed request fields. A
// positive value without a kind is a fixed amount; a zero value without a kind
// means no discount.
func ParseDiscount(kind string, value decimal.Decimal) (DiscountPolicy, error) {
	if value.IsNegative() {
		return nil, fmt.Errorf("%w: value must not be negative", ErrInvalidDiscount)
	}
	switch DiscountKind(strings.ToLower(strings.TrimSpace(kind))) {
	case "":
		if value.IsZero() {
			return NoDiscount{}, nil
		}
		return fixedDiscount(value)
	case DiscountNone:
		return NoDiscount{}, nil
	case DiscountPercentage:
		return PercentageDiscount{Percent: value}, nil
	case DiscountFixed:
		return fixedDiscount(value)
	default:
		return nil, fmt.Errorf("%w: unknown discount type %q", ErrInvalidDiscount, kind)
	}
}

func fixedDiscount(value decimal.Decimal) (DiscountPolicy, error) {
	amount, err := pricing.FromDecimal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDiscount, err)
	}
	return FixedDiscount{Amount: amount}, nil
}
