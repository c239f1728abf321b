// Package reconcile turns a validated cart into a committed invoice while
// reserving stock, all inside one store transaction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/groviaus/jewellery-software-app/internal/apperr"
	"github.com/groviaus/jewellery-software-app/internal/domain"
	"github.com/groviaus/jewellery-software-app/internal/invoice"
	"github.com/groviaus/jewellery-software-app/internal/pricing"
	"github.com/groviaus/jewellery-software-app/internal/sequence"
	"github.com/groviaus/jewellery-software-app/internal/store"
	"github.com/groviaus/jewellery-software-app/internal/xid"
)

// Transactor opens checkout transactions. store.Repository satisfies it.
type Transactor interface {
	WithinCheckout(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.CheckoutTx) error) error
}

// Command is a checkout that already passed request validation.
type Command struct {
	OwnerID    string
	CustomerID *string
	Lines      []domain.CartLine
	Rate       decimal.Decimal
	Discount   invoice.DiscountPolicy
	TaxRate    decimal.Decimal
}

// Reservation is the stock left on an item after its line was reserved.
type Reservation struct {
	ItemID    string
	SKU       string
	Name      string
	Reserved  int
	Remaining int
}

type Result struct {
	Invoice      domain.Invoice
	Reservations []Reservation
	Attempt      *Attempt
}

type Reconciler struct {
	tx         Transactor
	aggregator invoice.Aggregator
	now        func() time.Time
}

func New(tx Transactor, aggregator invoice.Aggregator) *Reconciler {
	return &Reconciler{tx: tx, aggregator: aggregator, now: time.Now}
}

// Run executes one checkout attempt. The returned Result is never nil; on
// failure it carries the rolled-back attempt and the error is an *apperr.Error.
func (r *Reconciler) Run(ctx context.Context, cmd Command) (*Result, error) {
	attempt := newAttempt(xid.New("att"), cmd.OwnerID, r.now)
	if cmd.Discount == nil {
		cmd.Discount = invoice.NoDiscount{}
	}

	var committed Result
	err := r.tx.WithinCheckout(ctx, cmd.OwnerID, func(ctx context.Context, tx store.CheckoutTx) error {
		res, err := r.apply(ctx, tx, cmd, attempt)
		if err != nil {
			return err
		}
		committed = res
		return nil
	})
	if err != nil {
		appErr := classify(err)
		attempt.rollBack(appErr)
		return &Result{Attempt: attempt}, appErr
	}
	if err := attempt.advance(StateCommitted, 0); err != nil {
		return &Result{Attempt: attempt}, apperr.Internal(err)
	}
	committed.Attempt = attempt
	return &committed, nil
}

func (r *Reconciler) apply(ctx context.Context, tx store.CheckoutTx, cmd Command, attempt *Attempt) (Result, error) {
	seq, number, err := sequence.Next(ctx, tx)
	if err != nil {
		return Result{}, fmt.Errorf("next invoice number: %w", err)
	}

	if cmd.CustomerID != nil && *cmd.CustomerID != "" {
		ok, err := tx.CustomerExists(ctx, *cmd.CustomerID)
		if err != nil {
			return Result{}, fmt.Errorf("lookup customer: %w", err)
		}
		if !ok {
			return Result{}, apperr.NotFound(apperr.CodeCustomerNotFound, fmt.Sprintf("Customer %s not found", *cmd.CustomerID))
		}
	}

	header := domain.Invoice{
		ID:            xid.New("inv"),
		OwnerID:       cmd.OwnerID,
		Number:        number,
		Sequence:      seq,
		CustomerID:    cmd.CustomerID,
		Status:        domain.InvoiceProvisional,
		Rate:          cmd.Rate,
		DiscountType:  cmd.Discount.Kind(),
		DiscountValue: cmd.Discount.Value(),
		TaxRate:       cmd.TaxRate,
		CreatedAt:     r.now().UTC(),
	}
	if err := tx.CreateInvoice(ctx, header); err != nil {
		return Result{}, fmt.Errorf("create invoice header: %w", err)
	}
	if err := attempt.advance(StateHeaderWritten, 0); err != nil {
		return Result{}, err
	}

	quotes := make([]pricing.Quote, 0, len(cmd.Lines))
	lines := make([]domain.InvoiceLine, 0, len(cmd.Lines))
	reservations := make([]Reservation, 0, len(cmd.Lines))
	for i, cartLine := range cmd.Lines {
		lineNo := i + 1
		if err := attempt.advance(StateValidating, lineNo); err != nil {
			return Result{}, err
		}

		item, err := tx.LockItem(ctx, cartLine.ItemID)
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, apperr.NotFound(apperr.CodeItemNotFound, fmt.Sprintf("Item %s not found", cartLine.ItemID)).
				WithDetails("item_id", cartLine.ItemID).
				WithDetails("line", lineNo)
		}
		if err != nil {
			return Result{}, fmt.Errorf("lock item %s: %w", cartLine.ItemID, err)
		}
		if item.Quantity < cartLine.Quantity {
			return Result{}, apperr.InsufficientStock(item.ID, item.SKU, item.Name, item.Quantity, cartLine.Quantity).
				WithDetails("line", lineNo)
		}

		weight := item.NetWeight
		if cartLine.Weight != nil {
			weight = *cartLine.Weight
		}
		quote, err := pricing.Price(weight, cmd.Rate, item.Charge(), cartLine.Quantity)
		if err != nil {
			return Result{}, pricingError(err, item, lineNo)
		}

		remaining, err := tx.ReserveStock(ctx, item.ID, cartLine.Quantity, item.Version)
		switch {
		case errors.Is(err, store.ErrInsufficientStock):
			return Result{}, apperr.InsufficientStock(item.ID, item.SKU, item.Name, item.Quantity, cartLine.Quantity).
				WithDetails("line", lineNo)
		case err != nil:
			return Result{}, fmt.Errorf("reserve %s: %w", item.SKU, err)
		}

		line := domain.InvoiceLine{
			InvoiceID:      header.ID,
			LineNo:         lineNo,
			ItemID:         item.ID,
			SKU:            item.SKU,
			ItemName:       item.Name,
			Quantity:       cartLine.Quantity,
			Weight:         weight,
			CommodityValue: quote.CommodityValue,
			MakingCharge:   quote.MakingCharge,
			UnitPrice:      quote.UnitPrice,
			LineTotal:      quote.LineTotal,
		}
		if err := tx.AddInvoiceLine(ctx, line); err != nil {
			return Result{}, fmt.Errorf("add invoice line %d: %w", lineNo, err)
		}
		if err := attempt.advance(StateReserved, lineNo); err != nil {
			return Result{}, err
		}

		quotes = append(quotes, quote)
		lines = append(lines, line)
		reservations = append(reservations, Reservation{
			ItemID:    item.ID,
			SKU:       item.SKU,
			Name:      item.Name,
			Reserved:  cartLine.Quantity,
			Remaining: remaining,
		})
	}

	totals, err := r.aggregator.Aggregate(quotes, cmd.Discount, cmd.TaxRate)
	if err != nil {
		code := apperr.CodeInvalidRequest
		if errors.Is(err, pricing.ErrAmountOutOfRange) {
			code = apperr.CodeAmountOutOfRange
		}
		appErr := apperr.Validation(code, err.Error())
		appErr.Err = err
		return Result{}, appErr
	}
	header.ApplyTotals(totals)
	header.Status = domain.InvoiceFinalized
	finalizedAt := r.now().UTC()
	header.FinalizedAt = &finalizedAt
	if err := tx.FinalizeInvoice(ctx, header); err != nil {
		return Result{}, fmt.Errorf("finalize invoice: %w", err)
	}

	header.Lines = lines
	return Result{Invoice: header, Reservations: reservations}, nil
}

func pricingError(err error, item *domain.InventoryItem, lineNo int) error {
	var appErr *apperr.Error
	switch {
	case errors.Is(err, pricing.ErrInvalidChargeConfig):
		appErr = apperr.Validation(apperr.CodeInvalidChargeConfig, fmt.Sprintf("Item %s has an invalid making charge", item.SKU))
	case errors.Is(err, pricing.ErrInvalidRate):
		appErr = apperr.Validation(apperr.CodeInvalidRate, "Valid rate is required")
	case errors.Is(err, pricing.ErrInvalidWeight):
		appErr = apperr.Validation(apperr.CodeInvalidRequest, fmt.Sprintf("Weight for %s must be greater than zero", item.SKU))
	case errors.Is(err, pricing.ErrAmountOutOfRange):
		appErr = apperr.Validation(apperr.CodeAmountOutOfRange, fmt.Sprintf("Price for %s is too large", item.SKU))
	default:
		return fmt.Errorf("price %s: %w", item.SKU, err)
	}
	appErr.Err = err
	return appErr.WithDetails("item_id", item.ID).WithDetails("line", lineNo)
}

func classify(err error) *apperr.Error {
	if appErr, ok := apperr.As(err); ok {
		return appErr
	}
	if errors.Is(err, store.ErrConcurrencyConflict) {
		return apperr.Conflict(apperr.CodeConcurrencyConflict, "Stock changed during checkout, please retry", err)
	}
	return apperr.Internal(err)
}
