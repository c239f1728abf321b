package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/groviaus/jewellery-software-app/internal/invoice"
	"github.com/groviaus/jewellery-software-app/internal/pricing"
)

type MetalType string

const (
	MetalGold    MetalType = "Gold"
	MetalSilver  MetalType = "Silver"
	MetalDiamond MetalType = "Diamond"
)

type Purity string

const (
	Purity24K   Purity = "24K"
	Purity22K   Purity = "22K"
	Purity18K   Purity = "18K"
	Purity14K   Purity = "14K"
	Purity925   Purity = "925"
	PurityOther Purity = "Other"
)

type InventoryItem struct {
	ID               string             `json:"id"`
	OwnerID          string             `json:"owner_id"`
	SKU              string             `json:"sku"`
	Name             string             `json:"name"`
	MetalType        MetalType          `json:"metal_type"`
	Purity           Purity             `json:"purity"`
	GrossWeight      decimal.Decimal    `json:"gross_weight"`
	NetWeight        decimal.Decimal    `json:"net_weight"`
	MakingCharge     decimal.Decimal    `json:"making_charge"`
	MakingChargeType pricing.ChargeKind `json:"making_charge_type"`
	Quantity         int                `json:"quantity"`
	Version          int64              `json:"version"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func (i InventoryItem) Charge() pricing.Charge {
	return pricing.Charge{Kind: i.MakingChargeType, Value: i.MakingCharge}
}

type ItemCreateRequest struct {
	SKU              string          `json:"sku" validate:"required,max=64"`
	Name             string          `json:"name" validate:"required,max=200"`
	MetalType        MetalType       `json:"metal_type" validate:"required,oneof=Gold Silver Diamond"`
	Purity           Purity          `json:"purity" validate:"required,oneof=24K 22K 18K 14K 925 Other"`
	GrossWeight      decimal.Decimal `json:"gross_weight"`
	NetWeight        decimal.Decimal `json:"net_weight"`
	MakingCharge     decimal.Decimal `json:"making_charge"`
	MakingChargeType string          `json:"making_charge_type" validate:"omitempty,oneof=fixed percentage"`
	Quantity         int             `json:"quantity" validate:"gte=0"`
}

// ItemUpdateRequest replaces every editable field of an item. The SKU is
// fixed at creation. Version, when sent, must match the stored item.
type ItemUpdateRequest struct {
	Name             string          `json:"name" validate:"required,max=200"`
	MetalType        MetalType       `json:"metal_type" validate:"required,oneof=Gold Silver Diamond"`
	Purity           Purity          `json:"purity" validate:"required,oneof=24K 22K 18K 14K 925 Other"`
	GrossWeight      decimal.Decimal `json:"gross_weight"`
	NetWeight        decimal.Decimal `json:"net_weight"`
	MakingCharge     decimal.Decimal `json:"making_charge"`
	MakingChargeType string          `json:"making_charge_type" validate:"omitempty,oneof=fixed percentage"`
	Quantity         int             `json:"quantity" validate:"gte=0"`
	Version          *int64          `json:"version,omitempty" validate:"omitempty,gte=1"`
}

type Customer struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Phone string `json:"phone" validate:"omitempty,max=32"`
}

type CartLine struct {
	ItemID   string           `json:"item_id" validate:"required"`
	Quantity int              `json:"quantity" validate:"gte=1"`
	Weight   *decimal.Decimal `json:"weight,omitempty"`
}

type CheckoutRequest struct {
	CustomerID    *string         `json:"customer_id"`
	Items         []CartLine      `json:"items" validate:"dive"`
	Rate          decimal.Decimal `json:"rate"`
	GoldRate      decimal.Decimal `json:"gold_rate"`
	DiscountType  string          `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
}

// EffectiveRate prefers rate and falls back to the older gold_rate field.
func (r CheckoutRequest) EffectiveRate() decimal.Decimal {
	if !r.Rate.IsZero() {
		return r.Rate
	}
	return r.GoldRate
}

type InvoiceStatus string

const (
	InvoiceProvisional InvoiceStatus = "provisional"
	InvoiceFinalized   InvoiceStatus = "finalized"
)

type Invoice struct {
	ID             string               `json:"id"`
	OwnerID        string               `json:"owner_id"`
	Number         string               `json:"invoice_number"`
	Sequence       int64                `json:"sequence"`
	CustomerID     *string              `json:"customer_id"`
	CustomerName   string               `json:"customer_name,omitempty"`
	CustomerPhone  string               `json:"customer_phone,omitempty"`
	Status         InvoiceStatus        `json:"status"`
	Rate           decimal.Decimal      `json:"rate"`
	CommodityValue pricing.Money        `json:"commodity_value"`
	MakingCharges  pricing.Money        `json:"making_charges"`
	Subtotal       pricing.Money        `json:"subtotal"`
	DiscountType   invoice.DiscountKind `json:"discount_type"`
	DiscountValue  decimal.Decimal      `json:"discount_value"`
	DiscountAmount pricing.Money        `json:"discount_amount"`
	TaxableAmount  pricing.Money        `json:"taxable_amount"`
	TaxRate        decimal.Decimal      `json:"tax_rate"`
	TaxAmount      pricing.Money        `json:"tax_amount"`
	GrandTotal     pricing.Money        `json:"total_amount"`
	CreatedAt      time.Time            `json:"created_at"`
	FinalizedAt    *time.Time           `json:"finalized_at,omitempty"`
	Lines          []InvoiceLine        `json:"lines,omitempty"`
}

// ApplyTotals copies aggregated totals onto the header.
func (inv *Invoice) ApplyTotals(t invoice.Totals) {
	inv.CommodityValue = t.CommodityValue
	inv.MakingCharges = t.MakingCharges
	inv.Subtotal = t.Subtotal
	inv.DiscountAmount = t.Discount
	inv.TaxableAmount = t.Taxable
	inv.TaxRate = t.TaxRate
	inv.TaxAmount = t.Tax
	inv.GrandTotal = t.GrandTotal
}

type InvoiceLine struct {
	InvoiceID      string          `json:"invoice_id"`
	LineNo         int             `json:"line_no"`
	ItemID         string          `json:"item_id"`
	SKU            string          `json:"sku"`
	ItemName       string          `json:"item_name"`
	Quantity       int             `json:"quantity"`
	Weight         decimal.Decimal `json:"weight"`
	CommodityValue pricing.Money   `json:"commodity_value"`
	MakingCharge   pricing.Money   `json:"making_charge"`
	UnitPrice      pricing.Money   `json:"price"`
	LineTotal      pricing.Money   `json:"line_total"`
}

type InvoiceFilter struct {
	From  *time.Time
	To    *time.Time
	Limit int
}

const DefaultLowStockThreshold = 5

var DefaultTaxRate = decimal.RequireFromString("3.0")

type StoreSettings struct {
	OwnerID           string          `json:"owner_id"`
	TaxRate           decimal.Decimal `json:"tax_rate"`
	LowStockThreshold int             `json:"low_stock_threshold"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func DefaultSettings(ownerID string) StoreSettings {
	return StoreSettings{
		OwnerID:           ownerID,
		TaxRate:           DefaultTaxRate,
		LowStockThreshold: DefaultLowStockThreshold,
	}
}

type SettingsUpdateRequest struct {
	TaxRate           *decimal.Decimal `json:"tax_rate"`
	LowStockThreshold *int             `json:"low_stock_threshold" validate:"omitempty,gte=0"`
}

// LowStockItem is an item left at or below the owner's threshold after a sale.
type LowStockItem struct {
	ItemID     string `json:"item_id"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	Threshold  int    `json:"threshold"`
	OutOfStock bool   `json:"out_of_stock"`
}

type CheckoutResponse struct {
	Invoice  Invoice        `json:"data"`
	LowStock []LowStockItem `json:"low_stock,omitempty"`
}

type Actor struct {
	OwnerID string
	Role    string
}
