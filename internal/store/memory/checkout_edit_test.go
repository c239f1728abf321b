package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/groviaus/jewellery-software-app/internal/apperr"
	"github.com/groviaus/jewellery-software-app/internal/domain"
	"github.com/groviaus/jewellery-software-app/internal/invoice"
	"github.com/groviaus/jewellery-software-app/internal/reconcile"
	"github.com/groviaus/jewellery-software-app/internal/service"
	"github.com/groviaus/jewellery-software-app/internal/store"
)

// editingStore lets an item edit land between a checkout's LockItem and its
// ReserveStock, the window a writer without a row lock could hit.
type editingStore struct {
	*Store
	mu    sync.Mutex
	edits int
}

func (s *editingStore) WithinCheckout(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.CheckoutTx) error) error {
	return s.Store.WithinCheckout(ctx, ownerID, func(ctx context.Context, tx store.CheckoutTx) error {
		return fn(ctx, &editingTx{CheckoutTx: tx, parent: s})
	})
}

type editingTx struct {
	store.CheckoutTx
	parent *editingStore
}

func (t *editingTx) LockItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	item, err := t.CheckoutTx.LockItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	if t.parent.edits > 0 {
		return item, nil
	}
	t.parent.edits++
	restock := *item
	restock.Quantity += 5
	if _, err := t.parent.Store.updateItemLocked(restock, item.Version); err != nil {
		return nil, err
	}
	return item, nil
}

func TestCheckoutConflictsWhenItemEditedAfterLock(t *testing.T) {
	base := New()
	ctx := context.Background()
	item := seedItem(t, base, "owner-a", "RING-1", 3)
	s := &editingStore{Store: base}

	rec := reconcile.New(s, invoice.NewAggregator(invoice.Clamp))
	cmd := reconcile.Command{
		OwnerID: "owner-a",
		Lines:   []domain.CartLine{{ItemID: item.ID, Quantity: 1}},
		Rate:    decimal.NewFromInt(6000),
		TaxRate: decimal.NewFromInt(3),
	}

	res, err := rec.Run(ctx, cmd)
	appErr, ok := apperr.As(err)
	if !ok || appErr.Code != apperr.CodeConcurrencyConflict {
		t.Fatalf("expected concurrency_conflict, got %v", err)
	}
	if res.Attempt.State() != reconcile.StateRolledBack {
		t.Fatalf("expected rolled back attempt, got %s", res.Attempt.State())
	}

	got, _ := base.GetItem(ctx, "owner-a", item.ID)
	if got.Quantity != 8 || got.Version != item.Version+1 {
		t.Fatalf("expected only the edit applied (qty 8 v%d), got qty %d v%d", item.Version+1, got.Quantity, got.Version)
	}
	invoices, _ := base.ListInvoices(ctx, "owner-a", domain.InvoiceFilter{})
	if len(invoices) != 0 {
		t.Fatalf("expected no invoice after conflict, got %d", len(invoices))
	}

	// The edit window is spent, so a fresh attempt sees the new version.
	res, err = rec.Run(ctx, cmd)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if res.Invoice.Number != "INV-001" {
		t.Fatalf("expected the rolled back number to be reused, got %s", res.Invoice.Number)
	}
	got, _ = base.GetItem(ctx, "owner-a", item.ID)
	if got.Quantity != 7 {
		t.Fatalf("expected 7 left after sale, got %d", got.Quantity)
	}
}

func TestServiceRetriesCheckoutAfterConcurrentEdit(t *testing.T) {
	base := New()
	item := seedItem(t, base, "owner-a", "RING-1", 3)
	svc := service.New(&editingStore{Store: base}, service.Options{Logger: zerolog.Nop()})
	ctx := service.WithActor(context.Background(), domain.Actor{OwnerID: "owner-a", Role: "owner"})

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items: []domain.CartLine{{ItemID: item.ID, Quantity: 2}},
		Rate:  decimal.NewFromInt(6000),
	})
	if err != nil {
		t.Fatalf("expected the retry to absorb the conflict, got %v", err)
	}
	if resp.Invoice.Number != "INV-001" {
		t.Fatalf("expected INV-001, got %s", resp.Invoice.Number)
	}
	got, _ := base.GetItem(context.Background(), "owner-a", item.ID)
	if got.Quantity != 6 {
		t.Fatalf("expected restocked 8 minus 2 sold, got %d", got.Quantity)
	}
}

func TestUpdateItemBumpsVersionAndChecksExpected(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := seedItem(t, s, "owner-a", "RING-1", 2)

	edit := *item
	edit.Name = "Band Ring"
	edit.Quantity = 9
	updated, err := s.UpdateItem(ctx, edit, item.Version)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != item.Version+1 || updated.Quantity != 9 || updated.Name != "Band Ring" || updated.SKU != "RING-1" {
		t.Fatalf("unexpected updated item %+v", updated)
	}

	if _, err := s.UpdateItem(ctx, edit, item.Version); !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict for stale version, got %v", err)
	}
	if _, err := s.UpdateItem(ctx, edit, 0); err != nil {
		t.Fatalf("expected unconditional update to pass, got %v", err)
	}

	edit.OwnerID = "owner-b"
	if _, err := s.UpdateItem(ctx, edit, 0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for another owner, got %v", err)
	}
}

func TestDeleteItemRefusesInvoicedItems(t *testing.T) {
	s := New()
	ctx := context.Background()
	sold := seedItem(t, s, "owner-a", "RING-1", 2)
	unsold := seedItem(t, s, "owner-a", "RING-2", 2)

	err := s.WithinCheckout(ctx, "owner-a", func(ctx context.Context, tx store.CheckoutTx) error {
		if err := tx.CreateInvoice(ctx, domain.Invoice{ID: "inv-1", OwnerID: "owner-a", Number: "INV-001", Sequence: 1}); err != nil {
			return err
		}
		return tx.AddInvoiceLine(ctx, domain.InvoiceLine{InvoiceID: "inv-1", LineNo: 1, ItemID: sold.ID, Quantity: 1})
	})
	if err != nil {
		t.Fatalf("seed invoice: %v", err)
	}

	if err := s.DeleteItem(ctx, "owner-a", sold.ID); !errors.Is(err, store.ErrInUse) {
		t.Fatalf("expected in-use error, got %v", err)
	}
	if err := s.DeleteItem(ctx, "owner-b", unsold.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for another owner, got %v", err)
	}
	if err := s.DeleteItem(ctx, "owner-a", unsold.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetItem(ctx, "owner-a", unsold.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted item to be gone, got %v", err)
	}

	// The SKU is free again.
	seedItem(t, s, "owner-a", "RING-2", 1)
}

func TestInvoicesCarryCustomerContact(t *testing.T) {
	s := New()
	ctx := context.Background()
	customer, err := s.CreateCustomer(ctx, domain.Customer{OwnerID: "owner-a", Name: "Asha", Phone: "98765"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}

	err = s.WithinCheckout(ctx, "owner-a", func(ctx context.Context, tx store.CheckoutTx) error {
		inv := domain.Invoice{ID: "inv-1", OwnerID: "owner-a", Number: "INV-001", Sequence: 1, CustomerID: &customer.ID}
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		inv.Status = domain.InvoiceFinalized
		return tx.FinalizeInvoice(ctx, inv)
	})
	if err != nil {
		t.Fatalf("seed invoice: %v", err)
	}

	list, _ := s.ListInvoices(ctx, "owner-a", domain.InvoiceFilter{})
	if len(list) != 1 || list[0].CustomerName != "Asha" || list[0].CustomerPhone != "98765" {
		t.Fatalf("expected customer contact on list result, got %+v", list)
	}
	one, _ := s.GetInvoice(ctx, "owner-a", "inv-1")
	if one.CustomerName != "Asha" {
		t.Fatalf("expected customer name on invoice, got %+v", one)
	}
}
