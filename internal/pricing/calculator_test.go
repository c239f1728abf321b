package pricing

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return v
}

func TestPricePercentageCharge(t *testing.T) {
	q, err := Price(d(t, "10"), d(t, "6000"), Charge{Kind: ChargePercentage, Value: d(t, "10")}, 1)
	require.NoError(t, err)
	require.Equal(t, Money(6000000), q.CommodityValue)
	require.Equal(t, Money(600000), q.MakingCharge)
	require.Equal(t, Money(6600000), q.UnitPrice)
	require.Equal(t, Money(6600000), q.LineTotal)
	require.Equal(t, "66000.00", q.LineTotal.String())
}

func TestPriceFixedChargeIsPerGram(t *testing.T) {
	q, err := Price(d(t, "4.25"), d(t, "5800"), Charge{Kind: ChargeFixed, Value: d(t, "350")}, 3)
	require.NoError(t, err)
	require.Equal(t, Money(2465000), q.CommodityValue) // 24650.00
	require.Equal(t, Money(148750), q.MakingCharge)    // 1487.50
	require.Equal(t, Money(2613750), q.UnitPrice)
	require.Equal(t, Money(7841250), q.LineTotal)
	commodity, err := q.CommodityTotal()
	require.NoError(t, err)
	making, err := q.MakingTotal()
	require.NoError(t, err)
	require.Equal(t, q.LineTotal, commodity+making)
}

func TestPriceRoundsOncePerUnitFigure(t *testing.T) {
	// 1.005 g × 100.5 = 101.0025 -> 101.00; 2.5% of 101.0025 = 2.52506.. -> 2.53
	q, err := Price(d(t, "1.005"), d(t, "100.5"), Charge{Kind: ChargePercentage, Value: d(t, "2.5")}, 2)
	require.NoError(t, err)
	require.Equal(t, Money(10100), q.CommodityValue)
	require.Equal(t, Money(253), q.MakingCharge)
	require.Equal(t, Money(20706), q.LineTotal)
}

func TestPriceRejectsInvalidInputs(t *testing.T) {
	charge := Charge{Kind: ChargeFixed, Value: d(t, "10")}

	_, err := Price(decimal.Zero, d(t, "6000"), charge, 1)
	require.ErrorIs(t, err, ErrInvalidWeight)

	_, err = Price(d(t, "1"), d(t, "-1"), charge, 1)
	require.ErrorIs(t, err, ErrInvalidRate)

	_, err = Price(d(t, "1"), d(t, "6000"), charge, 0)
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = Price(d(t, "1"), d(t, "6000"), Charge{Kind: "per-piece", Value: d(t, "10")}, 1)
	require.ErrorIs(t, err, ErrInvalidChargeConfig)

	_, err = Price(d(t, "1"), d(t, "6000"), Charge{Kind: ChargeFixed, Value: d(t, "-5")}, 1)
	require.ErrorIs(t, err, ErrInvalidChargeConfig)
}

func TestMakingChargePercentageWithoutCommodityValue(t *testing.T) {
	_, err := MakingCharge(d(t, "10"), Charge{Kind: ChargePercentage, Value: d(t, "10")}, nil)
	require.True(t, errors.Is(err, ErrInvalidChargeConfig))

	fixed, err := MakingCharge(d(t, "10"), Charge{Kind: ChargeFixed, Value: d(t, "12.5")}, nil)
	require.NoError(t, err)
	require.True(t, fixed.Equal(d(t, "125")))
}

func TestPriceIsDeterministic(t *testing.T) {
	charge := Charge{Kind: ChargePercentage, Value: d(t, "12.75")}
	first, err := Price(d(t, "7.333"), d(t, "6123.45"), charge, 2)
	require.NoError(t, err)
	second, err := Price(d(t, "7.333"), d(t, "6123.45"), charge, 2)
	require.NoError(t, err)

	require.Equal(t, first.Fingerprint(), second.Fingerprint())

	a, err := json.Marshal(first.LineTotal)
	require.NoError(t, err)
	b, err := json.Marshal(second.LineTotal)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestMoneyJSON(t *testing.T) {
	raw, err := json.Marshal(struct {
		Total Money `json:"total"`
	}{Total: 6458100})
	require.NoError(t, err)
	require.JSONEq(t, `{"total":64581.00}`, string(raw))
}

func TestPriceRejectsAmountsBeyondMoneyRange(t *testing.T) {
	// 1e18 g at 6000/g is 6e21, far past what int64 paise can hold.
	_, err := Price(d(t, "1000000000000000000"), d(t, "6000"), Charge{Kind: ChargePercentage, Value: d(t, "10")}, 1)
	require.ErrorIs(t, err, ErrAmountOutOfRange)

	// The unit price fits but 100 units of it do not.
	_, err = Price(d(t, "1"), d(t, "1000000000000000"), Charge{Kind: ChargeFixed, Value: decimal.Zero}, 100)
	require.ErrorIs(t, err, ErrAmountOutOfRange)

	// Commodity and making charge fit separately but not summed.
	_, err = Price(d(t, "1"), d(t, "60000000000000000"), Charge{Kind: ChargePercentage, Value: d(t, "60")}, 1)
	require.ErrorIs(t, err, ErrAmountOutOfRange)
}

func TestFromDecimalBounds(t *testing.T) {
	m, err := FromDecimal(d(t, "92233720368547758.07"))
	require.NoError(t, err)
	require.Equal(t, Money(math.MaxInt64), m)

	_, err = FromDecimal(d(t, "92233720368547758.08"))
	require.ErrorIs(t, err, ErrAmountOutOfRange)

	m, err = FromDecimal(d(t, "-92233720368547758.08"))
	require.NoError(t, err)
	require.Equal(t, Money(math.MinInt64), m)

	_, err = FromDecimal(d(t, "-92233720368547758.09"))
	require.ErrorIs(t, err, ErrAmountOutOfRange)
}

func TestMoneyCheckedArithmetic(t *testing.T) {
	_, err := Money(math.MaxInt64).Add(1)
	require.ErrorIs(t, err, ErrAmountOutOfRange)
	_, err = Money(math.MinInt64).Add(-1)
	require.ErrorIs(t, err, ErrAmountOutOfRange)
	_, err = Money(math.MinInt64).Sub(1)
	require.ErrorIs(t, err, ErrAmountOutOfRange)
	_, err = Money(0).Sub(math.MinInt64)
	require.ErrorIs(t, err, ErrAmountOutOfRange)
	_, err = Money(math.MaxInt64 / 2).Mul(3)
	require.ErrorIs(t, err, ErrAmountOutOfRange)
	_, err = Money(math.MinInt64).Mul(-1)
	require.ErrorIs(t, err, ErrAmountOutOfRange)

	sum, err := Money(150).Add(-200)
	require.NoError(t, err)
	require.Equal(t, Money(-50), sum)
	product, err := Money(-250).Mul(4)
	require.NoError(t, err)
	require.Equal(t, Money(-1000), product)
	zero, err := Money(math.MaxInt64).Mul(0)
	require.NoError(t, err)
	require.Equal(t, Money(0), zero)
}
