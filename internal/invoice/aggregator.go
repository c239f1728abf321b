// Package invoice composes priced lines, a discount and a tax rate into
// invoice totals.
package invoice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/groviaus/jewellery-software-app/internal/pricing"
)

// NegativePolicy decides what happens when a discount exceeds the subtotal.
type NegativePolicy string

const (
	// Clamp caps the discount at the subtotal so the taxable amount is never negative.
	Clamp NegativePolicy = "clamp"
	// AllowNegative keeps an oversized discount, producing a negative taxable amount and tax.
	AllowNegative NegativePolicy = "allow-negative"
)

var ErrInvalidTaxRate = errors.New("tax rate must not be negative")

func ParseNegativePolicy(raw string) (NegativePolicy, error) {
	switch NegativePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", Clamp:
		return Clamp, nil
	case AllowNegative:
		return AllowNegative, nil
	default:
		return "", fmt.Errorf("unknown discount policy %q", raw)
	}
}

type Totals struct {
	CommodityValue pricing.Money
	MakingCharges  pricing.Money
	Subtotal       pricing.Money
	Discount       pricing.Money
	Taxable        pricing.Money
	TaxRate        decimal.Decimal
	Tax            pricing.Money
	GrandTotal     pricing.Money
}

type Aggregator struct {
	policy NegativePolicy
}

func NewAggregator(policy NegativePolicy) Aggregator {
	if policy == "" {
		policy = Clamp
	}
	return Aggregator{policy: policy}
}

func (a Aggregator) Policy() NegativePolicy {
	if a.policy == "" {
		return Clamp
	}
	return a.policy
}

// Aggregate sums the lines in order and applies discount then tax.
func (a Aggregator) Aggregate(lines []pricing.Quote, discount DiscountPolicy, taxRate decimal.Decimal) (Totals, error) {
	if taxRate.IsNegative() {
		return Totals{}, ErrInvalidTaxRate
	}
	if discount == nil {
		discount = NoDiscount{}
	}

	var (
		totals Totals
		err    error
	)
	for i, line := range lines {
		if totals, err = addLine(totals, line); err != nil {
			return Totals{}, fmt.Errorf("line %d: %w", i+1, err)
		}
	}

	totals.Discount, err = discount.amount(totals.Subtotal)
	if err != nil {
		return Totals{}, fmt.Errorf("discount: %w", err)
	}
	if a.Policy() == Clamp && totals.Discount > totals.Subtotal {
		totals.Discount = totals.Subtotal
	}

	if totals.Taxable, err = totals.Subtotal.Sub(totals.Discount); err != nil {
		return Totals{}, fmt.Errorf("taxable amount: %w", err)
	}
	totals.TaxRate = taxRate
	if totals.Tax, err = pricing.FromDecimal(totals.Taxable.Decimal().Mul(taxRate).Shift(-2)); err != nil {
		return Totals{}, fmt.Errorf("tax: %w", err)
	}
	if totals.GrandTotal, err = totals.Taxable.Add(totals.Tax); err != nil {
		return Totals{}, fmt.Errorf("grand total: %w", err)
	}
	return totals, nil
}

func addLine(totals Totals, line pricing.Quote) (Totals, error) {
	commodity, err := line.CommodityTotal()
	if err != nil {
		return totals, err
	}
	making, err := line.MakingTotal()
	if err != nil {
		return totals, err
	}
	if totals.CommodityValue, err = totals.CommodityValue.Add(commodity); err != nil {
		return totals, err
	}
	if totals.MakingCharges, err = totals.MakingCharges.Add(making); err != nil {
		return totals, err
	}
	if totals.Subtotal, err = totals.Subtotal.Add(line.LineTotal); err != nil {
		return totals, err
	}
	return totals, nil
}
