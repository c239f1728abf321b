package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/groviaus/jewellery-software-app/internal/domain"
	"github.com/groviaus/jewellery-software-app/internal/pricing"
	"github.com/groviaus/jewellery-software-app/internal/sequence"
	"github.com/groviaus/jewellery-software-app/internal/store"
	"github.com/groviaus/jewellery-software-app/internal/xid"
)

func newIntegrationStore(t *testing.T) (*Store, string) {
	t.Helper()
	databaseURL := os.Getenv("JEWELPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set JEWELPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	owner := fmt.Sprintf("owner-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM invoices WHERE owner_id = $1`, owner)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM invoice_sequences WHERE owner_id = $1`, owner)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_items WHERE owner_id = $1`, owner)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM store_settings WHERE owner_id = $1`, owner)
		_ = s.Close()
	})
	return s, owner
}

func seedIntegrationItem(t *testing.T, s *Store, owner string, sku string, qty int) *domain.InventoryItem {
	t.Helper()
	item, err := s.CreateItem(context.Background(), domain.InventoryItem{
		OwnerID:          owner,
		SKU:              sku,
		Name:             "Item " + sku,
		MetalType:        domain.MetalGold,
		Purity:           domain.Purity22K,
		GrossWeight:      decimal.RequireFromString("10.250"),
		NetWeight:        decimal.RequireFromString("10.125"),
		MakingCharge:     decimal.NewFromInt(10),
		MakingChargeType: pricing.ChargePercentage,
		Quantity:         qty,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return item
}

func TestCheckoutRollbackLeavesNoRows(t *testing.T) {
	s, owner := newIntegrationStore(t)
	ctx := context.Background()
	item := seedIntegrationItem(t, s, owner, "RING-IT-1", 2)
	if !item.NetWeight.Equal(decimal.RequireFromString("10.125")) {
		t.Fatalf("expected exact weight round trip, got %s", item.NetWeight)
	}

	boom := errors.New("line 2 failed")
	err := s.WithinCheckout(ctx, owner, func(ctx context.Context, tx store.CheckoutTx) error {
		seq, err := tx.NextInvoiceSequence(ctx)
		if err != nil {
			return err
		}
		inv := domain.Invoice{ID: "inv-it-" + owner, OwnerID: owner, Number: fmt.Sprintf("INV-%03d", seq), Sequence: seq,
			Status: domain.InvoiceProvisional, Rate: decimal.NewFromInt(6000), DiscountType: "none", CreatedAt: time.Now().UTC()}
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		if _, err := tx.ReserveStock(ctx, item.ID, 1, item.Version); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	got, err := s.GetItem(ctx, owner, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Quantity != 2 || got.Version != item.Version {
		t.Fatalf("expected untouched stock, got qty %d v%d", got.Quantity, got.Version)
	}
	invoices, err := s.ListInvoices(ctx, owner, domain.InvoiceFilter{})
	if err != nil || len(invoices) != 0 {
		t.Fatalf("expected no invoices, got %d (%v)", len(invoices), err)
	}

	var counters int
	_ = s.db.QueryRowContext(ctx, `SELECT count(*) FROM invoice_sequences WHERE owner_id = $1`, owner).Scan(&counters)
	if counters != 0 {
		t.Fatalf("expected the counter insert to roll back")
	}
}

func TestReserveStockLastUnitRace(t *testing.T) {
	s, owner := newIntegrationStore(t)
	ctx := context.Background()
	item := seedIntegrationItem(t, s, owner, "PEND-IT-1", 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.WithinCheckout(ctx, owner, func(ctx context.Context, tx store.CheckoutTx) error {
				if _, err := tx.NextInvoiceSequence(ctx); err != nil {
					return err
				}
				locked, err := tx.LockItem(ctx, item.ID)
				if err != nil {
					return err
				}
				if locked.Quantity < 1 {
					return store.ErrInsufficientStock
				}
				_, err = tx.ReserveStock(ctx, item.ID, 1, locked.Version)
				return err
			})
		}(i)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || short != 1 {
		t.Fatalf("expected one success and one insufficient stock, got %d/%d", ok, short)
	}

	got, _ := s.GetItem(ctx, owner, item.ID)
	if got.Quantity != 0 {
		t.Fatalf("expected quantity 0, got %d", got.Quantity)
	}
}

func TestNextInvoiceSequenceUnderConcurrency(t *testing.T) {
	s, owner := newIntegrationStore(t)
	ctx := context.Background()

	const n = 50
	seqs := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.WithinCheckout(ctx, owner, func(ctx context.Context, tx store.CheckoutTx) error {
				seq, number, err := sequence.Next(ctx, tx)
				if err != nil {
					return err
				}
				inv := domain.Invoice{ID: xid.New("inv"), OwnerID: owner, Number: number, Sequence: seq,
					Status: domain.InvoiceProvisional, Rate: decimal.NewFromInt(6000), DiscountType: "none", CreatedAt: time.Now().UTC()}
				if err := tx.CreateInvoice(ctx, inv); err != nil {
					return err
				}
				inv.Status = domain.InvoiceFinalized
				now := time.Now().UTC()
				inv.FinalizedAt = &now
				if err := tx.FinalizeInvoice(ctx, inv); err != nil {
					return err
				}
				seqs[i] = seq
				return nil
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("checkout %d: %v", i, err)
		}
		if seen[seqs[i]] {
			t.Fatalf("sequence %d issued twice", seqs[i])
		}
		seen[seqs[i]] = true
	}
	for want := int64(1); want <= n; want++ {
		if !seen[want] {
			t.Fatalf("missing sequence %d", want)
		}
	}

	invoices, err := s.ListInvoices(ctx, owner, domain.InvoiceFilter{})
	if err != nil || len(invoices) != n {
		t.Fatalf("expected %d invoices, got %d (%v)", n, len(invoices), err)
	}
}

func TestUpdateItemWaitsForCheckoutLock(t *testing.T) {
	s, owner := newIntegrationStore(t)
	ctx := context.Background()
	item := seedIntegrationItem(t, s, owner, "RING-IT-UPD", 3)

	locked := make(chan struct{})
	release := make(chan struct{})
	checkoutErr := make(chan error, 1)
	go func() {
		checkoutErr <- s.WithinCheckout(ctx, owner, func(ctx context.Context, tx store.CheckoutTx) error {
			got, err := tx.LockItem(ctx, item.ID)
			if err != nil {
				return err
			}
			close(locked)
			<-release
			_, err = tx.ReserveStock(ctx, item.ID, 1, got.Version)
			return err
		})
	}()

	<-locked
	edit := *item
	edit.Quantity = 10
	updateErr := make(chan error, 1)
	go func() {
		_, err := s.UpdateItem(ctx, edit, item.Version)
		updateErr <- err
	}()

	select {
	case err := <-updateErr:
		close(release)
		t.Fatalf("expected update to block on the checkout's row lock, returned %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	close(release)

	if err := <-checkoutErr; err != nil {
		t.Fatalf("checkout: %v", err)
	}
	// The sale bumped the version, so the edit based on the old one conflicts.
	if err := <-updateErr; !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict for the stale edit, got %v", err)
	}

	got, _ := s.GetItem(ctx, owner, item.ID)
	if got.Quantity != 2 || got.Version != item.Version+1 {
		t.Fatalf("expected qty 2 v%d, got qty %d v%d", item.Version+1, got.Quantity, got.Version)
	}

	fresh := *got
	fresh.Quantity = 10
	updated, err := s.UpdateItem(ctx, fresh, got.Version)
	if err != nil {
		t.Fatalf("update with current version: %v", err)
	}
	if updated.Version != got.Version+1 || updated.Quantity != 10 {
		t.Fatalf("unexpected updated item %+v", updated)
	}
}

func TestDeleteItemRefusesSoldItem(t *testing.T) {
	s, owner := newIntegrationStore(t)
	ctx := context.Background()
	sold := seedIntegrationItem(t, s, owner, "RING-IT-DEL1", 2)
	unsold := seedIntegrationItem(t, s, owner, "RING-IT-DEL2", 2)

	err := s.WithinCheckout(ctx, owner, func(ctx context.Context, tx store.CheckoutTx) error {
		seq, number, err := sequence.Next(ctx, tx)
		if err != nil {
			return err
		}
		inv := domain.Invoice{ID: xid.New("inv"), OwnerID: owner, Number: number, Sequence: seq,
			Status: domain.InvoiceProvisional, Rate: decimal.NewFromInt(6000), DiscountType: "none", CreatedAt: time.Now().UTC()}
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		return tx.AddInvoiceLine(ctx, domain.InvoiceLine{InvoiceID: inv.ID, LineNo: 1, ItemID: sold.ID, SKU: sold.SKU,
			ItemName: sold.Name, Quantity: 1, Weight: sold.NetWeight})
	})
	if err != nil {
		t.Fatalf("seed invoice: %v", err)
	}

	if err := s.DeleteItem(ctx, owner, sold.ID); !errors.Is(err, store.ErrInUse) {
		t.Fatalf("expected in-use error, got %v", err)
	}
	if err := s.DeleteItem(ctx, owner, unsold.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteItem(ctx, owner, unsold.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestCreateItemDuplicateSKU(t *testing.T) {
	s, owner := newIntegrationStore(t)
	seedIntegrationItem(t, s, owner, "DUP-IT-1", 1)

	_, err := s.CreateItem(context.Background(), domain.InventoryItem{
		OwnerID: owner, SKU: "DUP-IT-1", Name: "dup", MetalType: domain.MetalGold, Purity: domain.Purity22K,
		NetWeight: decimal.NewFromInt(1), GrossWeight: decimal.NewFromInt(1), MakingChargeType: pricing.ChargeFixed, Quantity: 1,
	})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}
