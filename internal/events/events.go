// Package events publishes finalized invoices to downstream consumers
// (reporting, accounting exports) after the checkout transaction commits.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/groviaus/jewellery-software-app/internal/domain"
	"github.com/groviaus/jewellery-software-app/internal/pricing"
)

const TypeInvoiceFinalized = "invoice.finalized"

type InvoiceFinalized struct {
	Type        string          `json:"type"`
	InvoiceID   string          `json:"invoice_id"`
	OwnerID     string          `json:"owner_id"`
	Number      string          `json:"invoice_number"`
	CustomerID  *string         `json:"customer_id,omitempty"`
	GrandTotal  pricing.Money   `json:"total_amount"`
	TaxAmount   pricing.Money   `json:"tax_amount"`
	Lines       []FinalizedLine `json:"lines"`
	FinalizedAt time.Time       `json:"finalized_at"`
}

type FinalizedLine struct {
	ItemID    string        `json:"item_id"`
	SKU       string        `json:"sku"`
	Quantity  int           `json:"quantity"`
	LineTotal pricing.Money `json:"line_total"`
}

func NewInvoiceFinalized(inv domain.Invoice) InvoiceFinalized {
	evt := InvoiceFinalized{
		Type:       TypeInvoiceFinalized,
		InvoiceID:  inv.ID,
		OwnerID:    inv.OwnerID,
		Number:     inv.Number,
		CustomerID: inv.CustomerID,
		GrandTotal: inv.GrandTotal,
		TaxAmount:  inv.TaxAmount,
		Lines:      make([]FinalizedLine, 0, len(inv.Lines)),
	}
	if inv.FinalizedAt != nil {
		evt.FinalizedAt = *inv.FinalizedAt
	}
	for _, line := range inv.Lines {
		evt.Lines = append(evt.Lines, FinalizedLine{
			ItemID:    line.ItemID,
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			LineTotal: line.LineTotal,
		})
	}
	return evt
}

type Publisher interface {
	PublishInvoiceFinalized(ctx context.Context, evt InvoiceFinalized) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishInvoiceFinalized(_ context.Context, _ InvoiceFinalized) error {
	return nil
}

func (NoopPublisher) Close() error {
	return nil
}

// encode keys the message by owner so one shop's invoices stay ordered on a
// single partition, and carries the trace context in the headers.
func encode(ctx context.Context, evt InvoiceFinalized) (kafka.Message, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafka.Header, 0, len(carrier)+1)
	headers = append(headers, kafka.Header{Key: "event-type", Value: []byte(evt.Type)})
	for _, key := range carrier.Keys() {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(carrier.Get(key))})
	}

	return kafka.Message{
		Key:     []byte(evt.OwnerID),
		Value:   payload,
		Headers: headers,
		Time:    evt.FinalizedAt,
	}, nil
}
