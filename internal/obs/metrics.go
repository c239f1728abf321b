package obs

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type HTTPMetrics struct {
	ReqTotal *prometheus.CounterVec
	ReqDur   *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

func NewHTTPMetrics(namespace string, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &HTTPMetrics{
		ReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the server.",
		}, []string{"method", "route", "status"}),
		ReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency distribution in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"method", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
	}
	register(reg, m.ReqTotal, func(c prometheus.Collector) { m.ReqTotal = c.(*prometheus.CounterVec) })
	register(reg, m.ReqDur, func(c prometheus.Collector) { m.ReqDur = c.(*prometheus.HistogramVec) })
	register(reg, m.InFlight, func(c prometheus.Collector) { m.InFlight = c.(prometheus.Gauge) })
	return m
}

// CheckoutMetrics covers the checkout path.
type CheckoutMetrics struct {
	Total         *prometheus.CounterVec
	Retries       prometheus.Counter
	UnitsReserved prometheus.Counter
	LowStockItems prometheus.Counter
	Duration      *prometheus.HistogramVec
}

func NewCheckoutMetrics(namespace string, reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &CheckoutMetrics{
		Total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_total",
			Help:      "Checkout outcomes by result kind.",
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_retries_total",
			Help:      "Checkouts retried after a concurrency conflict.",
		}),
		UnitsReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_units_reserved_total",
			Help:      "Inventory units decremented by committed checkouts.",
		}),
		LowStockItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "low_stock_items_total",
			Help:      "Items reported at or below the low stock threshold after a sale.",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkout_duration_ms",
			Help:      "Checkout latency in milliseconds, including retries.",
			Buckets:   []float64{2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"result"}),
	}
	register(reg, m.Total, func(c prometheus.Collector) { m.Total = c.(*prometheus.CounterVec) })
	register(reg, m.Retries, func(c prometheus.Collector) { m.Retries = c.(prometheus.Counter) })
	register(reg, m.UnitsReserved, func(c prometheus.Collector) { m.UnitsReserved = c.(prometheus.Counter) })
	register(reg, m.LowStockItems, func(c prometheus.Collector) { m.LowStockItems = c.(prometheus.Counter) })
	register(reg, m.Duration, func(c prometheus.Collector) { m.Duration = c.(*prometheus.HistogramVec) })
	return m
}

// ObserveCheckout is nil-safe so callers without metrics can skip wiring.
func (m *CheckoutMetrics) ObserveCheckout(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Total.WithLabelValues(result).Inc()
	m.Duration.WithLabelValues(result).Observe(DurationMillis(d))
}

func (m *CheckoutMetrics) Retried() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *CheckoutMetrics) Reserved(units int, lowStock int) {
	if m == nil {
		return
	}
	m.UnitsReserved.Add(float64(units))
	m.LowStockItems.Add(float64(lowStock))
}

func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// register reuses an already registered collector with the same descriptor,
// which happens when tests build several servers on the default registry.
func register(reg prometheus.Registerer, c prometheus.Collector, reuse func(prometheus.Collector)) {
	err := reg.Register(c)
	if err == nil {
		return
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		reuse(are.ExistingCollector)
		return
	}
	panic(fmt.Errorf("register metric: %w", err))
}
