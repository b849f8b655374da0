package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backoffice"

// Engine holds the order engine collectors on a private registry. All
// methods are safe on a nil *Engine.
type Engine struct {
	registry *prometheus.Registry

	Transitions     *prometheus.CounterVec
	StockRejections prometheus.Counter
	StockUnits      *prometheus.CounterVec
	Scans           *prometheus.CounterVec
	StockLevel      *prometheus.GaugeVec
	ConflictRetries prometheus.Counter
	DroppedEvents   prometheus.Counter
	Requests        *prometheus.CounterVec
	LatencyMS       *prometheus.HistogramVec
}

func New() *Engine {
	e := &Engine{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Sales order status transitions.",
		}, []string{"to"}),
		StockRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_insufficient_total",
			Help:      "Reservations rejected for insufficient stock.",
		}),
		StockUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_adjusted_units_total",
			Help:      "Units moved through the stock ledger.",
		}, []string{"reason"}),
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulfillment_scans_total",
			Help:      "Fulfillment scans by result.",
		}, []string{"result"}),
		StockLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stock_level",
			Help:      "Last observed stock level per product.",
		}, []string{"product_id"}),
		ConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Operations retried after a concurrent modification.",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_events_dropped_total",
			Help:      "Stock events dropped because the forwarder queue was full.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
	}
	e.registry.MustRegister(
		e.Transitions, e.StockRejections, e.StockUnits, e.Scans, e.StockLevel,
		e.ConflictRetries, e.DroppedEvents, e.Requests, e.LatencyMS,
	)
	return e
}

func (e *Engine) Handler() http.Handler {
	if e == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Engine) Registry() *prometheus.Registry {
	if e == nil {
		return nil
	}
	return e.registry
}

func (e *Engine) ObserveTransition(to string) {
	if e == nil {
		return
	}
	e.Transitions.WithLabelValues(to).Inc()
}

func (e *Engine) ObserveInsufficientStock() {
	if e == nil {
		return
	}
	e.StockRejections.Inc()
}

func (e *Engine) ObserveAdjustment(reason string, units int) {
	if e == nil || units == 0 {
		return
	}
	if units < 0 {
		units = -units
	}
	e.StockUnits.WithLabelValues(reason).Add(float64(units))
}

func (e *Engine) ObserveScan(result string) {
	if e == nil {
		return
	}
	e.Scans.WithLabelValues(result).Inc()
}

func (e *Engine) SetStockLevel(productID string, qty int) {
	if e == nil {
		return
	}
	e.StockLevel.WithLabelValues(productID).Set(float64(qty))
}

func (e *Engine) ObserveConflictRetry() {
	if e == nil {
		return
	}
	e.ConflictRetries.Inc()
}

func (e *Engine) ObserveDroppedEvent() {
	if e == nil {
		return
	}
	e.DroppedEvents.Inc()
}

func (e *Engine) ObserveRequest(handler string, status int, elapsed time.Duration) {
	if e == nil {
		return
	}
	e.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	e.LatencyMS.WithLabelValues(handler).Observe(float64(elapsed.Milliseconds()))
}
