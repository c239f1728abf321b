// Package pricing turns a weighed item, a commodity rate and a making-charge
// configuration into a priced line.
//
// Inputs are exact decimals. Each per-unit figure is rounded once when it is
// converted to Money; quantities and sums are then integer arithmetic.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type ChargeKind string

const (
	// ChargeFixed is a flat amount per gram.
	ChargeFixed ChargeKind = "fixed"
	// ChargePercentage is a percentage of the commodity value.
	ChargePercentage ChargeKind = "percentage"
)

func (k ChargeKind) Valid() bool {
	return k == ChargeFixed || k == ChargePercentage
}

type Charge struct {
	Kind  ChargeKind
	Value decimal.Decimal
}

var (
	ErrInvalidWeight       = errors.New("weight must be greater than zero")
	ErrInvalidRate         = errors.New("rate must be greater than zero")
	ErrInvalidQuantity     = errors.New("quantity must be at least 1")
	ErrInvalidChargeConfig = errors.New("invalid making charge configuration")
)

// Quote is the priced result for one cart line. Per-unit amounts are kept
// alongside the line total so persisted lines can be re-verified.
type Quote struct {
	Weight         decimal.Decimal
	Rate           decimal.Decimal
	Charge         Charge
	Quantity       int
	CommodityValue Money
	MakingCharge   Money
	UnitPrice      Money
	LineTotal      Money
}

func (q Quote) CommodityTotal() (Money, error) {
	return q.CommodityValue.Mul(q.Quantity)
}

func (q Quote) MakingTotal() (Money, error) {
	return q.MakingCharge.Mul(q.Quantity)
}

// Fingerprint is a canonical rendering of the quote used for audit comparison.
func (q Quote) Fingerprint() string {
	return fmt.Sprintf("w=%s;r=%s;c=%s:%s;q=%d;cv=%d;mc=%d;up=%d;lt=%d",
		q.Weight.String(), q.Rate.String(), q.Charge.Kind, q.Charge.Value.String(), q.Quantity,
		q.CommodityValue, q.MakingCharge, q.UnitPrice, q.LineTotal)
}

// CommodityValue is weight × rate, unrounded.
func CommodityValue(weight decimal.Decimal, rate decimal.Decimal) (decimal.Decimal, error) {
	if !weight.IsPositive() {
		return decimal.Zero, ErrInvalidWeight
	}
	if !rate.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}
	return weight.Mul(rate), nil
}

// MakingCharge computes the unrounded making charge for one unit. A percentage
// charge needs the commodity value of the same line; passing nil is an error.
func MakingCharge(weight decimal.Decimal, charge Charge, commodity *decimal.Decimal) (decimal.Decimal, error) {
	if charge.Value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative charge value %s", ErrInvalidChargeConfig, charge.Value)
	}
	switch charge.Kind {
	case ChargeFixed:
		return weight.Mul(charge.Value), nil
	case ChargePercentage:
		if commodity == nil {
			return decimal.Zero, fmt.Errorf("%w: percentage charge requires the line commodity value", ErrInvalidChargeConfig)
		}
		return commodity.Mul(charge.Value).Shift(-2), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown charge kind %q", ErrInvalidChargeConfig, charge.Kind)
	}
}

// Price quotes quantity units of an item weighing weight grams at rate per gram.
func Price(weight decimal.Decimal, rate decimal.Decimal, charge Charge, quantity int) (Quote, error) {
	if quantity < 1 {
		return Quote{}, ErrInvalidQuantity
	}
	commodity, err := CommodityValue(weight, rate)
	if err != nil {
		return Quote{}, err
	}
	making, err := MakingCharge(weight, charge, &commodity)
	if err != nil {
		return Quote{}, err
	}

	commodityMoney, err := FromDecimal(commodity)
	if err != nil {
		return Quote{}, fmt.Errorf("commodity value: %w", err)
	}
	makingMoney, err := FromDecimal(making)
	if err != nil {
		return Quote{}, fmt.Errorf("making charge: %w", err)
	}
	unit, err := commodityMoney.Add(makingMoney)
	if err != nil {
		return Quote{}, fmt.Errorf("unit price: %w", err)
	}
	lineTotal, err := unit.Mul(quantity)
	if err != nil {
		return Quote{}, fmt.Errorf("line total: %w", err)
	}

	return Quote{
		Weight:         weight,
		Rate:           rate,
		Charge:         charge,
		Quantity:       quantity,
		CommodityValue: commodityMoney,
		MakingCharge:   makingMoney,
		UnitPrice:      unit,
		LineTotal:      lineTotal,
	}, nil
}
