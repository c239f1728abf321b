package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/groviaus/jewellery-software-app/internal/domain"
	"github.com/groviaus/jewellery-software-app/internal/store"
	"github.com/groviaus/jewellery-software-app/internal/xid"
)

type Options struct {
	MaxOpenConns int
	MaxIdleConns int
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 8
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 30
	}
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const itemColumns = `id, owner_id, sku, name, metal_type, purity, gross_weight, net_weight,
	making_charge, making_charge_type, quantity, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := row.Scan(
		&item.ID, &item.OwnerID, &item.SKU, &item.Name,
		(*string)(&item.MetalType), (*string)(&item.Purity),
		&item.GrossWeight, &item.NetWeight, &item.MakingCharge, (*string)(&item.MakingChargeType),
		&item.Quantity, &item.Version, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.OwnerID == "" || item.SKU == "" || item.Name == "" || item.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}
	if item.ID == "" {
		item.ID = xid.New("itm")
	}

	created, err := scanItem(s.db.QueryRowContext(ctx, `
		INSERT INTO inventory_items (
			id, owner_id, sku, name, metal_type, purity, gross_weight, net_weight,
			making_charge, making_charge_type, quantity, version, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1,now(),now())
		RETURNING `+itemColumns,
		item.ID, item.OwnerID, item.SKU, item.Name, string(item.MetalType), string(item.Purity),
		item.GrossWeight, item.NetWeight, item.MakingCharge, string(item.MakingChargeType), item.Quantity,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("sku %s: %w", item.SKU, store.ErrDuplicate)
		}
		if isCheckViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetItem(ctx context.Context, ownerID string, itemID string) (*domain.InventoryItem, error) {
	return scanItem(s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE id = $1 AND owner_id = $2
	`, itemID, ownerID))
}

func (s *Store) ListItems(ctx context.Context, ownerID string) ([]domain.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE owner_id = $1
		ORDER BY created_at DESC, sku
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 64)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateItem(ctx context.Context, item domain.InventoryItem, expectedVersion int64) (*domain.InventoryItem, error) {
	if item.OwnerID == "" || item.ID == "" || item.Name == "" || item.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}

	// A checkout holding the row FOR UPDATE makes this wait until it commits,
	// so the version it compares against already includes the sale.
	updated, err := scanItem(s.db.QueryRowContext(ctx, `
		UPDATE inventory_items
		SET name = $3, metal_type = $4, purity = $5, gross_weight = $6, net_weight = $7,
			making_charge = $8, making_charge_type = $9, quantity = $10,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND owner_id = $2 AND ($11::bigint = 0 OR version = $11::bigint)
		RETURNING `+itemColumns,
		item.ID, item.OwnerID, item.Name, string(item.MetalType), string(item.Purity),
		item.GrossWeight, item.NetWeight, item.MakingCharge, string(item.MakingChargeType), item.Quantity,
		expectedVersion,
	))
	switch {
	case err == nil:
		return updated, nil
	case isCheckViolation(err):
		return nil, store.ErrInvalidInput
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM inventory_items WHERE id = $1 AND owner_id = $2)
	`, item.ID, item.OwnerID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, store.ErrConcurrencyConflict
	}
	return nil, store.ErrNotFound
}

// DeleteItem relies on the invoice_lines foreign key to refuse items that
// were ever sold.
func (s *Store) DeleteItem(ctx context.Context, ownerID string, itemID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM inventory_items WHERE id = $1 AND owner_id = $2
	`, itemID, ownerID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("item %s: %w", itemID, store.ErrInUse)
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.OwnerID == "" || strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (id, owner_id, name, phone, created_at)
		VALUES ($1,$2,$3,$4,now())
		RETURNING created_at
	`, customer.ID, customer.OwnerID, customer.Name, nullIfEmpty(customer.Phone)).Scan(&customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) GetSettings(ctx context.Context, ownerID string) (*domain.StoreSettings, error) {
	settings := domain.StoreSettings{OwnerID: ownerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT tax_rate, low_stock_threshold, updated_at
		FROM store_settings
		WHERE owner_id = $1
	`, ownerID).Scan(&settings.TaxRate, &settings.LowStockThreshold, &settings.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &settings, nil
}

func (s *Store) UpsertSettings(ctx context.Context, settings domain.StoreSettings) (*domain.StoreSettings, error) {
	if settings.OwnerID == "" || settings.TaxRate.IsNegative() || settings.LowStockThreshold < 0 {
		return nil, store.ErrInvalidInput
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO store_settings (owner_id, tax_rate, low_stock_threshold, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (owner_id)
		DO UPDATE SET tax_rate = EXCLUDED.tax_rate,
			low_stock_threshold = EXCLUDED.low_stock_threshold,
			updated_at = now()
		RETURNING updated_at
	`, settings.OwnerID, settings.TaxRate, settings.LowStockThreshold).Scan(&settings.UpdatedAt)
	if err != nil {
		if isCheckViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	return &settings, nil
}

const invoiceColumns = `i.id, i.owner_id, i.invoice_number, i.sequence, i.customer_id,
	COALESCE(c.name, ''), COALESCE(c.phone, ''), i.status, i.rate,
	i.commodity_value, i.making_charges, i.subtotal, i.discount_type, i.discount_value, i.discount_amount,
	i.taxable_amount, i.tax_rate, i.tax_amount, i.grand_total, i.created_at, i.finalized_at`

const invoiceFrom = `
	FROM invoices i
	LEFT JOIN customers c ON c.id = i.customer_id AND c.owner_id = i.owner_id`

func scanInvoice(row scanner) (*domain.Invoice, error) {
	var (
		inv         domain.Invoice
		customerID  sql.NullString
		finalizedAt sql.NullTime
	)
	err := row.Scan(
		&inv.ID, &inv.OwnerID, &inv.Number, &inv.Sequence, &customerID,
		&inv.CustomerName, &inv.CustomerPhone, (*string)(&inv.Status), &inv.Rate,
		(*int64)(&inv.CommodityValue), (*int64)(&inv.MakingCharges), (*int64)(&inv.Subtotal),
		(*string)(&inv.DiscountType), &inv.DiscountValue, (*int64)(&inv.DiscountAmount),
		(*int64)(&inv.TaxableAmount), &inv.TaxRate, (*int64)(&inv.TaxAmount), (*int64)(&inv.GrandTotal),
		&inv.CreatedAt, &finalizedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		inv.CustomerID = &customerID.String
	}
	if finalizedAt.Valid {
		at := finalizedAt.Time
		inv.FinalizedAt = &at
	}
	return &inv, nil
}

func (s *Store) GetInvoice(ctx context.Context, ownerID string, invoiceID string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+invoiceFrom+`
		WHERE i.id = $1 AND i.owner_id = $2
	`, invoiceID, ownerID))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT invoice_id, line_no, item_id, sku, item_name, quantity, weight,
			commodity_value, making_charge, unit_price, line_total
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY line_no
	`, inv.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.InvoiceLine
		if err := rows.Scan(
			&line.InvoiceID, &line.LineNo, &line.ItemID, &line.SKU, &line.ItemName, &line.Quantity, &line.Weight,
			(*int64)(&line.CommodityValue), (*int64)(&line.MakingCharge), (*int64)(&line.UnitPrice), (*int64)(&line.LineTotal),
		); err != nil {
			return nil, err
		}
		inv.Lines = append(inv.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, ownerID string, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + invoiceFrom + `
		WHERE i.owner_id = $1 AND i.status = 'finalized'`
	args := []any{ownerID}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(" AND i.created_at >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(" AND i.created_at <= $%d", len(args))
	}
	query += " ORDER BY i.created_at DESC, i.sequence DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, 32)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

// WithinCheckout runs fn in a READ COMMITTED transaction. Stock rows are
// locked explicitly, and the per-owner counter row serializes checkouts of
// the same owner until commit.
func (s *Store) WithinCheckout(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.CheckoutTx) error) error {
	if ownerID == "" {
		return store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(ctx, &checkoutTx{tx: pgTx, ownerID: ownerID}); err != nil {
		return classify(err)
	}
	if err := pgTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

type checkoutTx struct {
	tx      *sql.Tx
	ownerID string
}

func (t *checkoutTx) NextInvoiceSequence(ctx context.Context) (int64, error) {
	var next int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO invoice_sequences (owner_id, last_value)
		VALUES ($1, 1)
		ON CONFLICT (owner_id)
		DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value
	`, t.ownerID).Scan(&next)
	return next, err
}

func (t *checkoutTx) CustomerExists(ctx context.Context, customerID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1 AND owner_id = $2)
	`, customerID, t.ownerID).Scan(&exists)
	return exists, err
}

func (t *checkoutTx) CreateInvoice(ctx context.Context, inv domain.Invoice) error {
	if inv.ID == "" || inv.OwnerID != t.ownerID {
		return store.ErrInvalidInput
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (
			id, owner_id, invoice_number, sequence, customer_id, status, rate,
			discount_type, discount_value, tax_rate, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, inv.ID, inv.OwnerID, inv.Number, inv.Sequence, nullIfEmptyPtr(inv.CustomerID), string(inv.Status), inv.Rate,
		string(inv.DiscountType), inv.DiscountValue, inv.TaxRate, inv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invoice %s: %w", inv.Number, store.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (t *checkoutTx) LockItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	return scanItem(t.tx.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE id = $1 AND owner_id = $2
		FOR UPDATE
	`, itemID, t.ownerID))
}

func (t *checkoutTx) ReserveStock(ctx context.Context, itemID string, qty int, expectedVersion int64) (int, error) {
	if qty < 1 {
		return 0, store.ErrInvalidInput
	}

	var remaining int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE inventory_items
		SET quantity = quantity - $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND owner_id = $3 AND version = $4 AND quantity >= $1
		RETURNING quantity
	`, qty, itemID, t.ownerID, expectedVersion).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if isCheckViolation(err) {
		return 0, store.ErrInsufficientStock
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	// Nothing matched; find out which guard failed.
	var (
		quantity int
		version  int64
	)
	err = t.tx.QueryRowContext(ctx, `
		SELECT quantity, version FROM inventory_items WHERE id = $1 AND owner_id = $2
	`, itemID, t.ownerID).Scan(&quantity, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, store.ErrNotFound
	case err != nil:
		return 0, err
	case version != expectedVersion:
		return 0, store.ErrConcurrencyConflict
	default:
		return 0, store.ErrInsufficientStock
	}
}

func (t *checkoutTx) AddInvoiceLine(ctx context.Context, line domain.InvoiceLine) error {
	if line.Quantity < 1 {
		return store.ErrInvalidInput
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoice_lines (
			invoice_id, line_no, item_id, sku, item_name, quantity, weight,
			commodity_value, making_charge, unit_price, line_total
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, line.InvoiceID, line.LineNo, line.ItemID, line.SKU, line.ItemName, line.Quantity, line.Weight,
		int64(line.CommodityValue), int64(line.MakingCharge), int64(line.UnitPrice), int64(line.LineTotal))
	return err
}

func (t *checkoutTx) FinalizeInvoice(ctx context.Context, inv domain.Invoice) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices
		SET status = $3,
			commodity_value = $4, making_charges = $5, subtotal = $6,
			discount_type = $7, discount_value = $8, discount_amount = $9,
			taxable_amount = $10, tax_rate = $11, tax_amount = $12, grand_total = $13,
			finalized_at = $14
		WHERE id = $1 AND owner_id = $2
	`, inv.ID, t.ownerID, string(inv.Status),
		int64(inv.CommodityValue), int64(inv.MakingCharges), int64(inv.Subtotal),
		string(inv.DiscountType), inv.DiscountValue, int64(inv.DiscountAmount),
		int64(inv.TaxableAmount), inv.TaxRate, int64(inv.TaxAmount), int64(inv.GrandTotal),
		nullTime(inv.FinalizedAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// classify maps serialization failures and deadlocks to the retryable
// conflict sentinel.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfEmptyPtr(val *string) any {
	if val == nil {
		return nil
	}
	return nullIfEmpty(*val)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
