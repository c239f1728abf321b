package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/groviaus/jewellery-software-app/internal/domain"
	"github.com/groviaus/jewellery-software-app/internal/pricing"
	"github.com/groviaus/jewellery-software-app/internal/store"
)

func seedItem(t *testing.T, s *Store, owner string, sku string, qty int) *domain.InventoryItem {
	t.Helper()
	item, err := s.CreateItem(context.Background(), domain.InventoryItem{
		OwnerID:          owner,
		SKU:              sku,
		Name:             "Item " + sku,
		MetalType:        domain.MetalGold,
		Purity:           domain.Purity22K,
		NetWeight:        decimal.NewFromInt(5),
		GrossWeight:      decimal.NewFromInt(5),
		MakingCharge:     decimal.NewFromInt(10),
		MakingChargeType: pricing.ChargePercentage,
		Quantity:         qty,
	})
	if err != nil {
		t.Fatalf("create item %s: %v", sku, err)
	}
	return item
}

func TestCreateItemRejectsDuplicateSKUPerOwner(t *testing.T) {
	s := New()
	seedItem(t, s, "owner-a", "RING-1", 1)

	_, err := s.CreateItem(context.Background(), domain.InventoryItem{OwnerID: "owner-a", SKU: "RING-1", Name: "dup", Quantity: 1})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	// Same SKU is fine for another owner.
	seedItem(t, s, "owner-b", "RING-1", 1)
}

func TestGetItemIsOwnerScoped(t *testing.T) {
	s := New()
	item := seedItem(t, s, "owner-a", "RING-1", 1)

	if _, err := s.GetItem(context.Background(), "owner-b", item.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for another owner, got %v", err)
	}
}

func TestWithinCheckoutCompensatesEveryWrite(t *testing.T) {
	s := New()
	ctx := context.Background()
	first := seedItem(t, s, "owner-a", "RING-1", 4)
	second := seedItem(t, s, "owner-a", "CHAIN-1", 2)

	boom := errors.New("line failed")
	err := s.WithinCheckout(ctx, "owner-a", func(ctx context.Context, tx store.CheckoutTx) error {
		seq, err := tx.NextInvoiceSequence(ctx)
		if err != nil || seq != 1 {
			t.Fatalf("expected first sequence 1, got %d (%v)", seq, err)
		}
		if err := tx.CreateInvoice(ctx, domain.Invoice{ID: "inv-1", OwnerID: "owner-a", Number: "INV-001", Sequence: seq}); err != nil {
			t.Fatalf("create invoice: %v", err)
		}
		for _, item := range []*domain.InventoryItem{first, second} {
			if _, err := tx.ReserveStock(ctx, item.ID, 1, item.Version); err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if err := tx.AddInvoiceLine(ctx, domain.InvoiceLine{InvoiceID: "inv-1", ItemID: item.ID, Quantity: 1}); err != nil {
				t.Fatalf("add line: %v", err)
			}
		}
		if err := tx.FinalizeInvoice(ctx, domain.Invoice{ID: "inv-1", OwnerID: "owner-a", Number: "INV-001", Status: domain.InvoiceFinalized}); err != nil {
			t.Fatalf("finalize: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	if _, err := s.GetInvoice(ctx, "owner-a", "inv-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected invoice to be removed, got %v", err)
	}
	for _, want := range []*domain.InventoryItem{first, second} {
		got, err := s.GetItem(ctx, "owner-a", want.ID)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if got.Quantity != want.Quantity || got.Version != want.Version {
			t.Fatalf("expected %s untouched (qty %d v%d), got qty %d v%d", want.SKU, want.Quantity, want.Version, got.Quantity, got.Version)
		}
	}

	// The counter was rolled back too, so the next attempt reuses 1.
	err = s.WithinCheckout(ctx, "owner-a", func(ctx context.Context, tx store.CheckoutTx) error {
		seq, err := tx.NextInvoiceSequence(ctx)
		if err != nil {
			return err
		}
		if seq != 1 {
			t.Fatalf("expected sequence 1 after rollback, got %d", seq)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
}

func TestWithinCheckoutRollsBackWhenContextEnds(t *testing.T) {
	s := New()
	item := seedItem(t, s, "owner-a", "RING-1", 1)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithinCheckout(ctx, "owner-a", func(ctx context.Context, tx store.CheckoutTx) error {
		if _, err := tx.ReserveStock(ctx, item.ID, 1, item.Version); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}

	got, _ := s.GetItem(context.Background(), "owner-a", item.ID)
	if got.Quantity != 1 {
		t.Fatalf("expected stock restored to 1, got %d", got.Quantity)
	}
}

func TestReserveStockChecksVersionAndQuantity(t *testing.T) {
	s := New()
	item := seedItem(t, s, "owner-a", "RING-1", 1)
	ctx := context.Background()

	err := s.WithinCheckout(ctx, "owner-a", func(ctx context.Context, tx store.CheckoutTx) error {
		if _, err := tx.ReserveStock(ctx, item.ID, 1, item.Version+1); !errors.Is(err, store.ErrConcurrencyConflict) {
			t.Fatalf("expected conflict for stale version, got %v", err)
		}
		if _, err := tx.ReserveStock(ctx, item.ID, 2, item.Version); !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("expected insufficient stock, got %v", err)
		}
		remaining, err := tx.ReserveStock(ctx, item.ID, 1, item.Version)
		if err != nil {
			return err
		}
		if remaining != 0 {
			t.Fatalf("expected 0 remaining, got %d", remaining)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	got, _ := s.GetItem(ctx, "owner-a", item.ID)
	if got.Quantity != 0 || got.Version != item.Version+1 {
		t.Fatalf("expected qty 0 v%d, got qty %d v%d", item.Version+1, got.Quantity, got.Version)
	}
}

func TestListInvoicesFiltersAndOrders(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{0, time.Hour, 48 * time.Hour} {
		id := []string{"inv-a", "inv-b", "inv-c"}[i]
		created := base.Add(offset)
		err := s.WithinCheckout(ctx, "owner-a", func(ctx context.Context, tx store.CheckoutTx) error {
			seq, _ := tx.NextInvoiceSequence(ctx)
			inv := domain.Invoice{ID: id, OwnerID: "owner-a", Number: id, Sequence: seq, CreatedAt: created}
			if err := tx.CreateInvoice(ctx, inv); err != nil {
				return err
			}
			inv.Status = domain.InvoiceFinalized
			return tx.FinalizeInvoice(ctx, inv)
		})
		if err != nil {
			t.Fatalf("seed invoice %s: %v", id, err)
		}
	}

	all, err := s.ListInvoices(ctx, "owner-a", domain.InvoiceFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "inv-c" || all[2].ID != "inv-a" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	from := base.Add(30 * time.Minute)
	to := base.Add(2 * time.Hour)
	window, _ := s.ListInvoices(ctx, "owner-a", domain.InvoiceFilter{From: &from, To: &to})
	if len(window) != 1 || window[0].ID != "inv-b" {
		t.Fatalf("expected only inv-b in window, got %+v", window)
	}

	limited, _ := s.ListInvoices(ctx, "owner-a", domain.InvoiceFilter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("expected limit 2, got %d", len(limited))
	}

	other, _ := s.ListInvoices(ctx, "owner-b", domain.InvoiceFilter{})
	if len(other) != 0 {
		t.Fatalf("expected no invoices for another owner, got %d", len(other))
	}
}

func TestNewSeededHasDefaultSettings(t *testing.T) {
	t.Setenv("SEED_OWNER_ID", "seed-owner")
	s := NewSeeded()

	settings, err := s.GetSettings(context.Background(), "seed-owner")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if !settings.TaxRate.Equal(domain.DefaultTaxRate) || settings.LowStockThreshold != domain.DefaultLowStockThreshold {
		t.Fatalf("unexpected seeded settings %+v", settings)
	}
	items, _ := s.ListItems(context.Background(), "seed-owner")
	if len(items) == 0 {
		t.Fatalf("expected seeded items")
	}
}
