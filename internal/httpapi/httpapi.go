package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/groviaus/jewellery-software-app/internal/apperr"
	"github.com/groviaus/jewellery-software-app/internal/domain"
	"github.com/groviaus/jewellery-software-app/internal/obs"
	"github.com/groviaus/jewellery-software-app/internal/service"
)

const maxBodyBytes = 1 << 20

// Pinger is a dependency probed by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	AllowedOrigins []string
	Logger         zerolog.Logger
	Metrics        *obs.HTTPMetrics
	Gatherer       prometheus.Gatherer
	Probes         map[string]Pinger
}

type API struct {
	service        *service.Service
	auth           *AuthManager
	allowedOrigins []string
	logger         zerolog.Logger
	metrics        *obs.HTTPMetrics
	gatherer       prometheus.Gatherer
	probes         map[string]Pinger
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://127.0.0.1:3000"}
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &API{
		service:        svc,
		auth:           auth,
		allowedOrigins: origins,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		gatherer:       gatherer,
		probes:         opts.Probes,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(obs.TracingMiddleware)
	r.Use(obs.RequestLogger{Logger: a.logger}.Middleware)
	r.Use(obs.HTTPObs{Metrics: a.metrics}.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeStatusError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeStatusError(w, http.StatusNotFound, "not_found", "route not found")
	})

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Post("/invoices", a.handleCheckout)
		r.Get("/invoices", a.handleListInvoices)
		r.Get("/invoices/{invoiceID}", a.handleGetInvoice)

		r.Get("/items", a.handleListItems)
		r.Post("/items", a.handleCreateItem)
		r.Get("/items/{itemID}", a.handleGetItem)
		r.Put("/items/{itemID}", a.handleUpdateItem)
		r.Delete("/items/{itemID}", a.handleDeleteItem)

		r.Post("/customers", a.handleCreateCustomer)

		r.Get("/settings", a.handleGetSettings)
		r.Put("/settings", a.handleUpdateSettings)
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeStatusError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeStatusError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		ctx := service.WithActor(r.Context(), actor)
		ctx = obs.WithOwner(ctx, actor.OwnerID)
		obs.ShareContext(w, ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok"}
	ready := true
	if err := a.service.Ready(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("readiness: store unreachable")
		checks["store"] = "unavailable"
		ready = false
	}
	for name, probe := range a.probes {
		if probe == nil {
			continue
		}
		if err := probe.Ping(ctx); err != nil {
			a.logger.Warn().Err(err).Str("dependency", name).Msg("readiness: dependency unreachable")
			checks[name] = "unavailable"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": ready, "checks": checks})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.InvoiceFilter{
		Limit: parsePositiveLimit(query.Get("limit"), service.DefaultInvoiceLimit, service.MaxInvoiceLimit),
	}

	from, err := parseTimeBound(query.Get("from"), false)
	if err != nil {
		a.writeError(w, r, apperr.Validation(apperr.CodeInvalidRequest, "from must be RFC3339 or YYYY-MM-DD"))
		return
	}
	to, err := parseTimeBound(query.Get("to"), true)
	if err != nil {
		a.writeError(w, r, apperr.Validation(apperr.CodeInvalidRequest, "to must be RFC3339 or YYYY-MM-DD"))
		return
	}
	filter.From, filter.To = from, to

	invoices, err := a.service.ListInvoices(r.Context(), filter)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": invoices})
}

func (a *API) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := a.service.GetInvoice(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": inv})
}

func (a *API) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.service.ListItems(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items})
}

func (a *API) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.ItemCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	item, err := a.service.CreateItem(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": item})
}

func (a *API) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.service.GetItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": item})
}

func (a *API) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.ItemUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	item, err := a.service.UpdateItem(r.Context(), chi.URLParam(r, "itemID"), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": item})
}

func (a *API) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteItem(r.Context(), chi.URLParam(r, "itemID")); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	customer, err := a.service.CreateCustomer(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": customer})
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.service.GetSettings(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": settings})
}

func (a *API) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req domain.SettingsUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	settings, err := a.service.UpdateSettings(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": settings})
}

// parseTimeBound accepts RFC3339 or a bare date. A bare upper bound covers
// the whole day.
func parseTimeBound(raw string, upper bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		ts = ts.UTC()
		return &ts, nil
	}
	day, err := time.Parse(time.DateOnly, trimmed)
	if err != nil {
		return nil, err
	}
	if upper {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return &day, nil
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation(apperr.CodeInvalidRequest, "request body too large")
		}
		appErr := apperr.Validation(apperr.CodeInvalidRequest, "invalid JSON body")
		appErr.Err = err
		return appErr
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// writeError renders err in the canonical error envelope. 5xx responses get
// a generic message; the cause is logged with the request id.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperr.Ensure(err)
	status := appErr.HTTPStatus()

	body := errorBody{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	if status >= http.StatusInternalServerError {
		a.logger.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("code", appErr.Code).
			Msg("request failed")
		body = errorBody{Code: apperr.CodeInternal, Message: "internal server error"}
	}
	if body.Details == nil {
		body.Details = map[string]any{}
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeStatusError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": errorBody{Code: code, Message: message, Details: map[string]any{}},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
