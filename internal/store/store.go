package store

import (
	"context"
	"errors"

	"github.com/groviaus/jewellery-software-app/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("row changed by a concurrent writer")
	ErrDuplicate           = errors.New("duplicate")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInUse               = errors.New("referenced by an invoice")
)

type Repository interface {
	CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	GetItem(ctx context.Context, ownerID string, itemID string) (*domain.InventoryItem, error)
	ListItems(ctx context.Context, ownerID string) ([]domain.InventoryItem, error)
	// UpdateItem replaces the editable fields of item and bumps its version.
	// A non-zero expectedVersion must match the stored version.
	UpdateItem(ctx context.Context, item domain.InventoryItem, expectedVersion int64) (*domain.InventoryItem, error)
	// DeleteItem removes an item no invoice line points at.
	DeleteItem(ctx context.Context, ownerID string, itemID string) error
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetSettings(ctx context.Context, ownerID string) (*domain.StoreSettings, error)
	UpsertSettings(ctx context.Context, settings domain.StoreSettings) (*domain.StoreSettings, error)
	GetInvoice(ctx context.Context, ownerID string, invoiceID string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, ownerID string, filter domain.InvoiceFilter) ([]domain.Invoice, error)
	// WithinCheckout runs fn as one atomic unit for ownerID. If fn returns an
	// error, or the context ends first, every write made through tx is undone.
	WithinCheckout(ctx context.Context, ownerID string, fn func(ctx context.Context, tx CheckoutTx) error) error
	Ping(ctx context.Context) error
}

// CheckoutTx is the set of writes a checkout attempt may make. Every method is
// scoped to the owner the transaction was opened for.
type CheckoutTx interface {
	// NextInvoiceSequence increments the owner's invoice counter. The counter
	// stays locked until the transaction ends.
	NextInvoiceSequence(ctx context.Context) (int64, error)
	CustomerExists(ctx context.Context, customerID string) (bool, error)
	CreateInvoice(ctx context.Context, inv domain.Invoice) error
	// LockItem loads an item and holds it against concurrent stock writes.
	LockItem(ctx context.Context, itemID string) (*domain.InventoryItem, error)
	// ReserveStock decrements quantity when the row still has expectedVersion
	// and enough stock. It returns the remaining quantity.
	ReserveStock(ctx context.Context, itemID string, qty int, expectedVersion int64) (int, error)
	AddInvoiceLine(ctx context.Context, line domain.InvoiceLine) error
	FinalizeInvoice(ctx context.Context, inv domain.Invoice) error
}
