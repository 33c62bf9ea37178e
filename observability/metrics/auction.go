package metrics

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type AuctionMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	bids        *prometheus.CounterVec
	events      *prometheus.CounterVec
	outstanding *prometheus.GaugeVec
	feedHealthy *prometheus.GaugeVec
}

var (
	auctionOnce     sync.Once
	auctionRegistry *AuctionMetrics
)

// Auction returns the lazily-initialised auction metrics registry.
func Auction() *AuctionMetrics {
	auctionOnce.Do(func() {
		auctionRegistry = &AuctionMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "auction",
				Name:      "operations_total",
				Help:      "Count of auction operations segmented by operation and outcome code.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "auction",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for auction operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			bids: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "auction",
				Name:      "bids_total",
				Help:      "Count of accepted bids by payment unit.",
			}, []string{"unit"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "auction",
				Name:      "events_total",
				Help:      "Count of emitted notifications by type.",
			}, []string{"type"}),
			outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "auction",
				Name:      "refund_outstanding",
				Help:      "Refund liabilities awaiting withdrawal per auction and unit, in base units.",
			}, []string{"auction", "unit"}),
			feedHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "auction",
				Name:      "oracle_feed_healthy",
				Help:      "1 when the price feed passed its last health check.",
			}, []string{"feed"}),
		}
		prometheus.MustRegister(
			auctionRegistry.operations,
			auctionRegistry.latency,
			auctionRegistry.bids,
			auctionRegistry.events,
			auctionRegistry.outstanding,
			auctionRegistry.feedHealthy,
		)
	})
	return auctionRegistry
}

func label(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// ObserveOperation records the outcome and latency of an engine operation.
func (m *AuctionMetrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(label(op), label(outcome)).Inc()
	m.latency.WithLabelValues(label(op)).Observe(elapsed.Seconds())
}

func (m *AuctionMetrics) RecordBid(unit string) {
	if m == nil {
		return
	}
	m.bids.WithLabelValues(label(unit)).Inc()
}

func (m *AuctionMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(eventType)).Inc()
}

// SetOutstanding publishes the refund liability of one auction. Values beyond
// float64 precision are approximated.
func (m *AuctionMetrics) SetOutstanding(auction, unit string, amount *big.Int) {
	if m == nil {
		return
	}
	value := 0.0
	if amount != nil {
		value, _ = new(big.Float).SetInt(amount).Float64()
	}
	m.outstanding.WithLabelValues(label(auction), label(unit)).Set(value)
}

func (m *AuctionMetrics) SetFeedHealthy(feed string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1
	}
	m.feedHealthy.WithLabelValues(label(feed)).Set(value)
}
