package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/groviaus/jewellery-software-app/internal/apperr"
	"github.com/groviaus/jewellery-software-app/internal/cache"
	"github.com/groviaus/jewellery-software-app/internal/domain"
	"github.com/groviaus/jewellery-software-app/internal/events"
	"github.com/groviaus/jewellery-software-app/internal/invoice"
	"github.com/groviaus/jewellery-software-app/internal/obs"
	"github.com/groviaus/jewellery-software-app/internal/pricing"
	"github.com/groviaus/jewellery-software-app/internal/reconcile"
	"github.com/groviaus/jewellery-software-app/internal/store"
)

const (
	DefaultInvoiceLimit = 100
	MaxInvoiceLimit     = 1000

	publishTimeout = 5 * time.Second
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Options carries the optional collaborators. Zero values fall back to no-op
// implementations.
type Options struct {
	Settings        cache.SettingsCache
	SettingsTTL     time.Duration
	Publisher       events.Publisher
	Metrics         *obs.CheckoutMetrics
	Logger          zerolog.Logger
	DiscountPolicy  invoice.NegativePolicy
	CheckoutTimeout time.Duration
}

type Service struct {
	repo        store.Repository
	reconciler  *reconcile.Reconciler
	settings    cache.SettingsCache
	settingsTTL time.Duration
	publisher   events.Publisher
	metrics     *obs.CheckoutMetrics
	logger      zerolog.Logger
	validate    *validator.Validate
	timeout     time.Duration
	tracer      trace.Tracer
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Settings == nil {
		opts.Settings = cache.NoopSettingsCache{}
	}
	if opts.SettingsTTL <= 0 {
		opts.SettingsTTL = time.Minute
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.DiscountPolicy == "" {
		opts.DiscountPolicy = invoice.Clamp
	}
	if opts.CheckoutTimeout <= 0 {
		opts.CheckoutTimeout = 10 * time.Second
	}

	return &Service{
		repo:        repo,
		reconciler:  reconcile.New(repo, invoice.NewAggregator(opts.DiscountPolicy)),
		settings:    opts.Settings,
		settingsTTL: opts.SettingsTTL,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With().Str("component", "service").Logger(),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		timeout:     opts.CheckoutTimeout,
		tracer:      otel.Tracer("jewelpos/service"),
	}
}

// Checkout validates a cart, runs the reconciliation and reports the items
// that dropped to the low stock threshold. A concurrency conflict is retried
// once; every other failure is returned as is.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	start := time.Now()
	ownerID, err := ownerFrom(ctx)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	cmd, err := s.checkoutCommand(req)
	if err != nil {
		s.metrics.ObserveCheckout(string(apperr.KindValidation), time.Since(start))
		return domain.CheckoutResponse{}, err
	}
	cmd.OwnerID = ownerID

	settings, err := s.settingsFor(ctx, ownerID)
	if err != nil {
		return domain.CheckoutResponse{}, apperr.Internal(err)
	}
	cmd.TaxRate = settings.TaxRate

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "checkout", trace.WithAttributes(
		attribute.String("owner_id", ownerID),
		attribute.Int("lines", len(cmd.Lines)),
	))
	defer span.End()

	var res *reconcile.Result
	for attempt := 1; ; attempt++ {
		res, err = s.reconciler.Run(ctx, cmd)
		if err == nil || attempt > 1 || apperr.KindOf(err) != apperr.KindConflict {
			break
		}
		s.metrics.Retried()
		s.logger.Warn().Str("owner_id", ownerID).Str("attempt_id", res.Attempt.ID).Msg("checkout conflict, retrying once")
	}

	if err != nil {
		appErr := apperr.Ensure(err)
		s.metrics.ObserveCheckout(string(appErr.Kind), time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, appErr.Code)
		s.logRollback(ownerID, res, appErr)
		return domain.CheckoutResponse{}, appErr
	}

	lowStock := lowStockFrom(res.Reservations, settings.LowStockThreshold)
	units := 0
	for _, r := range res.Reservations {
		units += r.Reserved
	}
	s.metrics.Reserved(units, len(lowStock))
	s.metrics.ObserveCheckout("committed", time.Since(start))
	span.SetAttributes(attribute.String("invoice_number", res.Invoice.Number))

	s.logger.Info().
		Str("owner_id", ownerID).
		Str("invoice_id", res.Invoice.ID).
		Str("invoice_number", res.Invoice.Number).
		Stringer("total", res.Invoice.GrandTotal).
		Int("units", units).
		Int("low_stock", len(lowStock)).
		Msg("checkout committed")
	for _, item := range lowStock {
		s.logger.Info().Str("owner_id", ownerID).Str("sku", item.SKU).Int("quantity", item.Quantity).Msg("item at low stock")
	}

	s.publishFinalized(ctx, res.Invoice)

	return domain.CheckoutResponse{Invoice: res.Invoice, LowStock: lowStock}, nil
}

func (s *Service) checkoutCommand(req domain.CheckoutRequest) (reconcile.Command, error) {
	if len(req.Items) == 0 {
		return reconcile.Command{}, apperr.Validation(apperr.CodeEmptyCart, "Cart is empty")
	}
	rate := req.EffectiveRate()
	if !rate.IsPositive() {
		return reconcile.Command{}, apperr.Validation(apperr.CodeInvalidRate, "Valid rate is required")
	}
	if err := s.validate.Struct(req); err != nil {
		return reconcile.Command{}, validationError(err)
	}
	for i, line := range req.Items {
		if line.Weight != nil && !line.Weight.IsPositive() {
			return reconcile.Command{}, apperr.Validation(apperr.CodeInvalidRequest, "Weight must be greater than zero").
				WithDetails("line", i+1)
		}
	}
	discount, err := invoice.ParseDiscount(req.DiscountType, req.DiscountValue)
	if err != nil {
		appErr := apperr.Validation(apperr.CodeInvalidDiscount, err.Error())
		appErr.Err = err
		return reconcile.Command{}, appErr
	}

	var customerID *string
	if req.CustomerID != nil {
		if id := strings.TrimSpace(*req.CustomerID); id != "" {
			customerID = &id
		}
	}
	return reconcile.Command{
		CustomerID: customerID,
		Lines:      req.Items,
		Rate:       rate,
		Discount:   discount,
	}, nil
}

func (s *Service) logRollback(ownerID string, res *reconcile.Result, appErr *apperr.Error) {
	evt := s.logger.Warn()
	if appErr.Kind == apperr.KindInternal {
		evt = s.logger.Error().Err(appErr.Err)
	}
	evt = evt.Str("owner_id", ownerID).Str("code", appErr.Code)
	if res != nil && res.Attempt != nil {
		evt = evt.Str("attempt_id", res.Attempt.ID).
			Str("state", string(res.Attempt.State())).
			Int("line", res.Attempt.Line())
	}
	evt.Msg("checkout rolled back")
}

// publishFinalized runs after commit; a failed publish is logged and the
// invoice stands.
func (s *Service) publishFinalized(ctx context.Context, inv domain.Invoice) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.PublishInvoiceFinalized(ctx, events.NewInvoiceFinalized(inv)); err != nil {
		s.logger.Warn().Err(err).Str("invoice_number", inv.Number).Msg("publish invoice.finalized failed")
	}
}

func lowStockFrom(reservations []reconcile.Reservation, threshold int) []domain.LowStockItem {
	var out []domain.LowStockItem
	seen := make(map[string]int, len(reservations))
	for _, r := range reservations {
		if r.Remaining > threshold {
			continue
		}
		item := domain.LowStockItem{
			ItemID:     r.ItemID,
			SKU:        r.SKU,
			Name:       r.Name,
			Quantity:   r.Remaining,
			Threshold:  threshold,
			OutOfStock: r.Remaining == 0,
		}
		// The same item on two lines reports its final quantity once.
		if idx, ok := seen[r.ItemID]; ok {
			out[idx] = item
			continue
		}
		seen[r.ItemID] = len(out)
		out = append(out, item)
	}
	return out
}

func (s *Service) ListInvoices(ctx context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	ownerID, err := ownerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultInvoiceLimit
	}
	if filter.Limit > MaxInvoiceLimit {
		filter.Limit = MaxInvoiceLimit
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "from must not be after to")
	}

	invoices, err := s.repo.ListInvoices(ctx, ownerID, filter)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return invoices, nil
}

func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	ownerID, err := ownerFrom(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv, err := s.repo.GetInvoice(ctx, ownerID, strings.TrimSpace(invoiceID))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Invoice{}, apperr.NotFound(apperr.CodeInvoiceNotFound, "Invoice not found")
	}
	if err != nil {
		return domain.Invoice{}, apperr.Internal(err)
	}
	return *inv, nil
}

func (s *Service) CreateItem(ctx context.Context, req domain.ItemCreateRequest) (domain.InventoryItem, error) {
	ownerID, err := ownerFrom(ctx)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if req.MakingChargeType == "" {
		req.MakingChargeType = string(pricing.ChargePercentage)
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.InventoryItem{}, validationError(err)
	}
	gross, err := checkItemFigures(req.GrossWeight, req.NetWeight, req.MakingCharge)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	req.GrossWeight = gross

	created, err := s.repo.CreateItem(ctx, domain.InventoryItem{
		OwnerID:          ownerID,
		SKU:              req.SKU,
		Name:             req.Name,
		MetalType:        req.MetalType,
		Purity:           req.Purity,
		GrossWeight:      req.GrossWeight,
		NetWeight:        req.NetWeight,
		MakingCharge:     req.MakingCharge,
		MakingChargeType: pricing.ChargeKind(req.MakingChargeType),
		Quantity:         req.Quantity,
	})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return domain.InventoryItem{}, apperr.Conflict(apperr.CodeDuplicateSKU, fmt.Sprintf("SKU %s already exists", req.SKU), err)
	case errors.Is(err, store.ErrInvalidInput):
		return domain.InventoryItem{}, apperr.Validation(apperr.CodeInvalidRequest, "Invalid item")
	case err != nil:
		return domain.InventoryItem{}, apperr.Internal(err)
	}

	s.logger.Info().Str("owner_id", ownerID).Str("sku", created.SKU).Int("quantity", created.Quantity).Msg("item created")
	return *created, nil
}

func (s *Service) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	ownerID, err := ownerFrom(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListItems(ctx, ownerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return items, nil
}

func (s *Service) GetItem(ctx context.Context, itemID string) (domain.InventoryItem, error) {
	ownerID, err := ownerFrom(ctx)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	item, err := s.repo.GetItem(ctx, ownerID, strings.TrimSpace(itemID))
	if errors.Is(err, store.ErrNotFound) {
		return domain.InventoryItem{}, apperr.NotFound(apperr.CodeItemNotFound, "Item not found").WithDetails("item_id", itemID)
	}
	if err != nil {
		return domain.InventoryItem{}, apperr.Internal(err)
	}
	return *item, nil
}

// UpdateItem replaces an item's editable fields. Sending the version read
// earlier turns a lost update into a concurrency conflict.
func (s *Service) UpdateItem(ctx context.Context, itemID string, req domain.ItemUpdateRequest) (domain.InventoryItem, error) {
	ownerID, err := ownerFrom(ctx)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	itemID = strings.TrimSpace(itemID)

	req.Name = strings.TrimSpace(req.Name)
	if req.MakingChargeType == "" {
		req.MakingChargeType = string(pricing.ChargePercentage)
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.InventoryItem{}, validationError(err)
	}
	gross, err := checkItemFigures(req.GrossWeight, req.NetWeight, req.MakingCharge)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	var expectedVersion int64
	if req.Version != nil {
		expectedVersion = *req.Version
	}

	updated, err := s.repo.UpdateItem(ctx, domain.InventoryItem{
		ID:               itemID,
		OwnerID:          ownerID,
		Name:             req.Name,
		MetalType:        req.MetalType,
		Purity:           req.Purity,
		GrossWeight:      gross,
		NetWeight:        req.NetWeight,
		MakingCharge:     req.MakingCharge,
		MakingChargeType: pricing.ChargeKind(req.MakingChargeType),
		Quantity:         req.Quantity,
	}, expectedVersion)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.InventoryItem{}, apperr.NotFound(apperr.CodeItemNotFound, "Item not found").WithDetails("item_id", itemID)
	case errors.Is(err, store.ErrConcurrencyConflict):
		return domain.InventoryItem{}, apperr.Conflict(apperr.CodeConcurrencyConflict, "Item changed since it was read, reload and retry", err).
			WithDetails("item_id", itemID)
	case errors.Is(err, store.ErrInvalidInput):
		return domain.InventoryItem{}, apperr.Validation(apperr.CodeInvalidRequest, "Invalid item")
	case err != nil:
		return domain.InventoryItem{}, apperr.Internal(err)
	}

	s.logger.Info().Str("owner_id", ownerID).Str("sku", updated.SKU).Int64("version", updated.Version).Msg("item updated")
	return *updated, nil
}

// DeleteItem removes an item that was never invoiced. Sold items stay so
// their invoice lines keep pointing at them.
func (s *Service) DeleteItem(ctx context.Context, itemID string) error {
	ownerID, err := ownerFrom(ctx)
	if err != nil {
		return err
	}
	itemID = strings.TrimSpace(itemID)

	err = s.repo.DeleteItem(ctx, ownerID, itemID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(apperr.CodeItemNotFound, "Item not found").WithDetails("item_id", itemID)
	case errors.Is(err, store.ErrInUse):
		return apperr.Conflict(apperr.CodeItemInUse, "Item has been invoiced and cannot be deleted", err).
			WithDetails("item_id", itemID)
	case err != nil:
		return apperr.Internal(err)
	}

	s.logger.Info().Str("owner_id", ownerID).Str("item_id", itemID).Msg("item deleted")
	return nil
}

// checkItemFigures validates weights and the making charge and returns the
// gross weight to store, defaulting it to the net weight.
func checkItemFigures(gross decimal.Decimal, net decimal.Decimal, making decimal.Decimal) (decimal.Decimal, error) {
	switch {
	case !net.IsPositive():
		return gross, apperr.Validation(apperr.CodeInvalidRequest, "net_weight must be greater than zero")
	case gross.IsZero():
		gross = net
	case gross.LessThan(net):
		return gross, apperr.Validation(apperr.CodeInvalidRequest, "gross_weight must not be below net_weight")
	}
	if making.IsNegative() {
		return gross, apperr.Validation(apperr.CodeInvalidChargeConfig, "making_charge must not be negative")
	}
	return gross, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	ownerID, err := ownerFrom(ctx)
	if err != nil {
		return domain.Customer{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if err := s.validate.Struct(req); err != nil {
		return domain.Customer{}, validationError(err)
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{OwnerID: ownerID, Name: req.Name, Phone: req.Phone})
	if err != nil {
		return domain.Customer{}, apperr.Internal(err)
	}
	return *created, nil
}

func (s *Service) GetSettings(ctx context.Context) (domain.StoreSettings, error) {
	ownerID, err := ownerFrom(ctx)
	if err != nil {
		return domain.StoreSettings{}, err
	}
	settings, err := s.settingsFor(ctx, ownerID)
	if err != nil {
		return domain.StoreSettings{}, apperr.Internal(err)
	}
	return *settings, nil
}

func (s *Service) UpdateSettings(ctx context.Context, req domain.SettingsUpdateRequest) (domain.StoreSettings, error) {
	ownerID, err := ownerFrom(ctx)
	if err != nil {
		return domain.StoreSettings{}, err
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.StoreSettings{}, validationError(err)
	}
	if req.TaxRate != nil && (req.TaxRate.IsNegative() || req.TaxRate.GreaterThan(decimal.NewFromInt(100))) {
		return domain.StoreSettings{}, apperr.Validation(apperr.CodeInvalidRequest, "tax_rate must be between 0 and 100")
	}

	current, err := s.settingsFor(ctx, ownerID)
	if err != nil {
		return domain.StoreSettings{}, apperr.Internal(err)
	}
	next := *current
	if req.TaxRate != nil {
		next.TaxRate = *req.TaxRate
	}
	if req.LowStockThreshold != nil {
		next.LowStockThreshold = *req.LowStockThreshold
	}

	saved, err := s.repo.UpsertSettings(ctx, next)
	if err != nil {
		return domain.StoreSettings{}, apperr.Internal(err)
	}
	if err := s.settings.Invalidate(ctx, ownerID); err != nil {
		s.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("settings cache invalidate failed")
	}
	return *saved, nil
}

// Ready reports whether the system of record is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// settingsFor reads through the cache. Owners who never saved settings get
// the defaults.
func (s *Service) settingsFor(ctx context.Context, ownerID string) (*domain.StoreSettings, error) {
	cached, ok, err := s.settings.Get(ctx, ownerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("settings cache read failed")
	}
	if ok {
		return cached, nil
	}

	settings, err := s.repo.GetSettings(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		defaults := domain.DefaultSettings(ownerID)
		settings = &defaults
	} else if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if err := s.settings.Set(ctx, settings, s.settingsTTL); err != nil {
		s.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("settings cache write failed")
	}
	return settings, nil
}

func ownerFrom(ctx context.Context) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.OwnerID) == "" {
		return "", apperr.Internal(errors.New("request has no authenticated owner"))
	}
	return actor.OwnerID, nil
}

func validationError(err error) *apperr.Error {
	appErr := apperr.Validation(apperr.CodeInvalidRequest, "Invalid request")
	appErr.Err = err

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return appErr
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fieldName(fe.Namespace())] = fe.Tag()
	}
	return appErr.WithDetails("fields", fields)
}

// fieldName drops the struct name from a validator namespace such as
// "CheckoutRequest.Items[0].Quantity".
func fieldName(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}
