package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/groviaus/jewellery-software-app/internal/domain"
	"github.com/groviaus/jewellery-software-app/internal/pricing"
	"github.com/groviaus/jewellery-software-app/internal/store"
	"github.com/groviaus/jewellery-software-app/internal/xid"
)

// Store keeps everything in process memory behind one mutex. A checkout holds
// the write lock for its whole duration and undoes its writes from a
// compensation log when it fails.
type Store struct {
	mu        sync.RWMutex
	items     map[string]domain.InventoryItem
	skus      map[string]map[string]string
	customers map[string]domain.Customer
	settings  map[string]domain.StoreSettings
	invoices  map[string]*domain.Invoice
	counters  map[string]int64
	now       func() time.Time
}

func New() *Store {
	return &Store{
		items:     make(map[string]domain.InventoryItem),
		skus:      make(map[string]map[string]string),
		customers: make(map[string]domain.Customer),
		settings:  make(map[string]domain.StoreSettings),
		invoices:  make(map[string]*domain.Invoice),
		counters:  make(map[string]int64),
		now:       time.Now,
	}
}

// NewSeeded returns a store with a small demo catalogue for SEED_OWNER_ID
// (default "demo-owner").
func NewSeeded() *Store {
	owner := strings.TrimSpace(os.Getenv("SEED_OWNER_ID"))
	if owner == "" {
		owner = "demo-owner"
	}
	log.Warn().Str("owner_id", owner).Msg("memory store seeded with demo inventory; data is lost on restart")

	s := New()
	ctx := context.Background()
	seed := []domain.InventoryItem{
		{SKU: "RING-22K-001", Name: "Classic Band Ring", MetalType: domain.MetalGold, Purity: domain.Purity22K,
			GrossWeight: decimal.RequireFromString("4.350"), NetWeight: decimal.RequireFromString("4.120"),
			MakingCharge: decimal.NewFromInt(12), MakingChargeType: pricing.ChargePercentage, Quantity: 8},
		{SKU: "CHAIN-22K-010", Name: "Rope Chain 20in", MetalType: domain.MetalGold, Purity: domain.Purity22K,
			GrossWeight: decimal.RequireFromString("10.000"), NetWeight: decimal.RequireFromString("10.000"),
			MakingCharge: decimal.NewFromInt(450), MakingChargeType: pricing.ChargeFixed, Quantity: 3},
		{SKU: "ANKLET-925-004", Name: "Silver Anklet Pair", MetalType: domain.MetalSilver, Purity: domain.Purity925,
			GrossWeight: decimal.RequireFromString("38.500"), NetWeight: decimal.RequireFromString("37.800"),
			MakingCharge: decimal.NewFromInt(8), MakingChargeType: pricing.ChargePercentage, Quantity: 12},
		{SKU: "PEND-18K-DIA-2", Name: "Solitaire Pendant", MetalType: domain.MetalDiamond, Purity: domain.Purity18K,
			GrossWeight: decimal.RequireFromString("2.900"), NetWeight: decimal.RequireFromString("2.640"),
			MakingCharge: decimal.NewFromInt(18), MakingChargeType: pricing.ChargePercentage, Quantity: 1},
	}
	for _, item := range seed {
		item.OwnerID = owner
		if _, err := s.CreateItem(ctx, item); err != nil {
			log.Fatal().Err(err).Str("sku", item.SKU).Msg("seed inventory item")
		}
	}
	if _, err := s.UpsertSettings(ctx, domain.DefaultSettings(owner)); err != nil {
		log.Fatal().Err(err).Msg("seed store settings")
	}
	return s
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) CreateItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.OwnerID == "" || item.SKU == "" || item.Name == "" || item.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bySKU, ok := s.skus[item.OwnerID]
	if !ok {
		bySKU = make(map[string]string)
		s.skus[item.OwnerID] = bySKU
	}
	if _, exists := bySKU[item.SKU]; exists {
		return nil, fmt.Errorf("sku %s: %w", item.SKU, store.ErrDuplicate)
	}

	now := s.now().UTC()
	if item.ID == "" {
		item.ID = xid.New("itm")
	}
	item.Version = 1
	item.CreatedAt = now
	item.UpdatedAt = now
	s.items[item.ID] = item
	bySKU[item.SKU] = item.ID

	out := item
	return &out, nil
}

func (s *Store) GetItem(_ context.Context, ownerID string, itemID string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemID]
	if !ok || item.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) ListItems(_ context.Context, ownerID string) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.InventoryItem, 0, len(s.skus[ownerID]))
	for _, id := range s.skus[ownerID] {
		items = append(items, s.items[id])
	}
	slices.SortFunc(items, func(a, b domain.InventoryItem) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SKU, b.SKU)
	})
	return items, nil
}

func (s *Store) UpdateItem(_ context.Context, item domain.InventoryItem, expectedVersion int64) (*domain.InventoryItem, error) {
	if item.OwnerID == "" || item.ID == "" || item.Name == "" || item.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateItemLocked(item, expectedVersion)
}

// updateItemLocked applies an edit with s.mu already held for writing.
func (s *Store) updateItemLocked(item domain.InventoryItem, expectedVersion int64) (*domain.InventoryItem, error) {
	current, ok := s.items[item.ID]
	if !ok || current.OwnerID != item.OwnerID {
		return nil, store.ErrNotFound
	}
	if expectedVersion != 0 && current.Version != expectedVersion {
		return nil, store.ErrConcurrencyConflict
	}

	current.Name = item.Name
	current.MetalType = item.MetalType
	current.Purity = item.Purity
	current.GrossWeight = item.GrossWeight
	current.NetWeight = item.NetWeight
	current.MakingCharge = item.MakingCharge
	current.MakingChargeType = item.MakingChargeType
	current.Quantity = item.Quantity
	current.Version++
	current.UpdatedAt = s.now().UTC()
	s.items[current.ID] = current

	out := current
	return &out, nil
}

func (s *Store) DeleteItem(_ context.Context, ownerID string, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok || item.OwnerID != ownerID {
		return store.ErrNotFound
	}
	for _, inv := range s.invoices {
		for _, line := range inv.Lines {
			if line.ItemID == itemID {
				return fmt.Errorf("item %s on invoice %s: %w", item.SKU, inv.Number, store.ErrInUse)
			}
		}
	}

	delete(s.items, itemID)
	delete(s.skus[ownerID], item.SKU)
	return nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.OwnerID == "" || strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if _, exists := s.customers[customer.ID]; exists {
		return nil, store.ErrDuplicate
	}
	customer.CreatedAt = s.now().UTC()
	s.customers[customer.ID] = customer
	out := customer
	return &out, nil
}

func (s *Store) GetSettings(_ context.Context, ownerID string) (*domain.StoreSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.settings[ownerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &settings, nil
}

func (s *Store) UpsertSettings(_ context.Context, settings domain.StoreSettings) (*domain.StoreSettings, error) {
	if settings.OwnerID == "" || settings.TaxRate.IsNegative() || settings.LowStockThreshold < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	settings.UpdatedAt = s.now().UTC()
	s.settings[settings.OwnerID] = settings
	out := settings
	return &out, nil
}

func (s *Store) GetInvoice(_ context.Context, ownerID string, invoiceID string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[invoiceID]
	if !ok || inv.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return s.withCustomer(cloneInvoice(inv, true)), nil
}

func (s *Store) ListInvoices(_ context.Context, ownerID string, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Invoice, 0, 32)
	for _, inv := range s.invoices {
		if inv.OwnerID != ownerID || inv.Status != domain.InvoiceFinalized {
			continue
		}
		if filter.From != nil && inv.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && inv.CreatedAt.After(*filter.To) {
			continue
		}
		out = append(out, *s.withCustomer(cloneInvoice(inv, false)))
	}
	slices.SortFunc(out, func(a, b domain.Invoice) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.Sequence > b.Sequence:
			return -1
		case a.Sequence < b.Sequence:
			return 1
		}
		return 0
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) WithinCheckout(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.CheckoutTx) error) (err error) {
	if ownerID == "" {
		return store.ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &checkoutTx{s: s, ownerID: ownerID}
	defer func() {
		if r := recover(); r != nil {
			tx.compensate()
			panic(r)
		}
	}()

	err = fn(ctx, tx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tx.compensate()
		return err
	}
	return nil
}

type checkoutTx struct {
	s       *Store
	ownerID string
	undo    []func()
}

func (t *checkoutTx) record(fn func()) {
	t.undo = append(t.undo, fn)
}

// compensate replays the undo log newest first.
func (t *checkoutTx) compensate() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *checkoutTx) NextInvoiceSequence(_ context.Context) (int64, error) {
	prev, existed := t.s.counters[t.ownerID]
	next := prev + 1
	t.s.counters[t.ownerID] = next
	t.record(func() {
		if existed {
			t.s.counters[t.ownerID] = prev
		} else {
			delete(t.s.counters, t.ownerID)
		}
	})
	return next, nil
}

func (t *checkoutTx) CustomerExists(_ context.Context, customerID string) (bool, error) {
	customer, ok := t.s.customers[customerID]
	return ok && customer.OwnerID == t.ownerID, nil
}

func (t *checkoutTx) CreateInvoice(_ context.Context, inv domain.Invoice) error {
	if inv.ID == "" || inv.OwnerID != t.ownerID {
		return store.ErrInvalidInput
	}
	if _, exists := t.s.invoices[inv.ID]; exists {
		return store.ErrDuplicate
	}
	for _, existing := range t.s.invoices {
		if existing.OwnerID == inv.OwnerID && existing.Number == inv.Number {
			return fmt.Errorf("invoice number %s: %w", inv.Number, store.ErrDuplicate)
		}
	}
	t.s.invoices[inv.ID] = cloneInvoice(&inv, false)
	t.record(func() { delete(t.s.invoices, inv.ID) })
	return nil
}

func (t *checkoutTx) LockItem(_ context.Context, itemID string) (*domain.InventoryItem, error) {
	item, ok := t.s.items[itemID]
	if !ok || item.OwnerID != t.ownerID {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (t *checkoutTx) ReserveStock(_ context.Context, itemID string, qty int, expectedVersion int64) (int, error) {
	if qty < 1 {
		return 0, store.ErrInvalidInput
	}
	item, ok := t.s.items[itemID]
	if !ok || item.OwnerID != t.ownerID {
		return 0, store.ErrNotFound
	}
	if item.Version != expectedVersion {
		return 0, store.ErrConcurrencyConflict
	}
	if item.Quantity < qty {
		return 0, store.ErrInsufficientStock
	}

	prev := item
	item.Quantity -= qty
	item.Version++
	item.UpdatedAt = t.s.now().UTC()
	t.s.items[itemID] = item
	t.record(func() { t.s.items[itemID] = prev })
	return item.Quantity, nil
}

func (t *checkoutTx) AddInvoiceLine(_ context.Context, line domain.InvoiceLine) error {
	inv, ok := t.s.invoices[line.InvoiceID]
	if !ok || inv.OwnerID != t.ownerID {
		return store.ErrNotFound
	}
	if line.Quantity < 1 {
		return store.ErrInvalidInput
	}
	n := len(inv.Lines)
	inv.Lines = append(inv.Lines, line)
	t.record(func() { inv.Lines = inv.Lines[:n] })
	return nil
}

func (t *checkoutTx) FinalizeInvoice(_ context.Context, inv domain.Invoice) error {
	current, ok := t.s.invoices[inv.ID]
	if !ok || current.OwnerID != t.ownerID {
		return store.ErrNotFound
	}
	prev := *current
	lines := current.Lines
	*current = *cloneInvoice(&inv, false)
	current.Lines = lines
	t.record(func() { *current = prev })
	return nil
}

func (s *Store) withCustomer(inv *domain.Invoice) *domain.Invoice {
	if inv.CustomerID == nil {
		return inv
	}
	if customer, ok := s.customers[*inv.CustomerID]; ok && customer.OwnerID == inv.OwnerID {
		inv.CustomerName = customer.Name
		inv.CustomerPhone = customer.Phone
	}
	return inv
}

func cloneInvoice(inv *domain.Invoice, withLines bool) *domain.Invoice {
	out := *inv
	out.Lines = nil
	if withLines && len(inv.Lines) > 0 {
		out.Lines = slices.Clone(inv.Lines)
	}
	if inv.CustomerID != nil {
		id := *inv.CustomerID
		out.CustomerID = &id
	}
	if inv.FinalizedAt != nil {
		at := *inv.FinalizedAt
		out.FinalizedAt = &at
	}
	return &out
}
