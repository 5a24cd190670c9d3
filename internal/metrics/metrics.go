// Package metrics exposes Prometheus instruments for matching and
// settlement.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

const namespace = "polymatch"

// Metrics holds every instrument on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	ordersSubmitted *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	trades          prometheus.Counter
	tradeVolume     prometheus.Counter
	matchLatency    prometheus.Histogram
	booksHalted     prometheus.Gauge

	batches        *prometheus.CounterVec
	batchDuration  prometheus.Histogram
	batchSize      prometheus.Histogram
	settlementByOK *prometheus.CounterVec
}

// New registers the instruments plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matching", Name: "orders_submitted_total",
			Help: "Orders accepted by the matching engine.",
		}, []string{"type", "side"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matching", Name: "orders_rejected_total",
			Help: "Orders rejected before matching, by reason.",
		}, []string{"reason"}),
		trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matching", Name: "trades_total",
			Help: "Trades executed.",
		}),
		tradeVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matching", Name: "trade_volume_total",
			Help: "Sum of executed trade sizes.",
		}),
		matchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "matching", Name: "submit_seconds",
			Help:    "Time spent matching one submission.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		booksHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "matching", Name: "books_halted",
			Help: "Books currently halted on a crossed state.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "batches_total",
			Help: "Settlement calls by result.",
		}, []string{"result"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "batch_seconds",
			Help:    "Duration of one settlement call.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "batch_size",
			Help:    "Trades per settlement call.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		settlementByOK: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "trades_total",
			Help: "Per-trade settlement outcomes.",
		}, []string{"outcome"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ordersSubmitted, m.ordersRejected, m.trades, m.tradeVolume,
		m.matchLatency, m.booksHalted,
		m.batches, m.batchDuration, m.batchSize, m.settlementByOK,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// OrderSubmitted records an accepted submission and its trades.
func (m *Metrics) OrderSubmitted(o domain.Order, trades []domain.Trade, took time.Duration) {
	m.ordersSubmitted.WithLabelValues(string(o.Type), string(o.Side)).Inc()
	m.matchLatency.Observe(took.Seconds())
	for _, t := range trades {
		m.trades.Inc()
		m.tradeVolume.Add(float64(t.Size))
	}
}

// OrderRejected counts a refused submission.
func (m *Metrics) OrderRejected(reason string) {
	m.ordersRejected.WithLabelValues(reason).Inc()
}

// SetHaltedBooks publishes the number of halted books.
func (m *Metrics) SetHaltedBooks(n int) {
	m.booksHalted.Set(float64(n))
}

// BatchCompleted, TradeRetrying, TradeSettled and TradeFailed make Metrics a
// settlement observer.
func (m *Metrics) BatchCompleted(size int, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.batches.WithLabelValues(result).Inc()
	m.batchDuration.Observe(took.Seconds())
	m.batchSize.Observe(float64(size))
}

func (m *Metrics) TradeRetrying(domain.Trade) { m.settlementByOK.WithLabelValues("retrying").Inc() }
func (m *Metrics) TradeSettled(domain.Trade)  { m.settlementByOK.WithLabelValues("settled").Inc() }
func (m *Metrics) TradeFailed(domain.Trade)   { m.settlementByOK.WithLabelValues("failed").Inc() }

// WatchQueues samples the id mapper size and the number of trades awaiting
// settlement at scrape time.
func (m *Metrics) WatchQueues(mapperLen, outstanding func() int) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "matching", Name: "mapper_bindings",
			Help: "Live internal to external order id bindings.",
		}, func() float64 { return float64(mapperLen()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "outstanding_trades",
			Help: "Trades enqueued and not yet settled or failed.",
		}, func() float64 { return float64(outstanding()) }),
	)
}
