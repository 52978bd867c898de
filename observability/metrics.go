package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kusd"

type engineMetrics struct {
	ops        *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	supply     prometheus.Gauge
	tvl        prometheus.Gauge
	prices     *prometheus.GaugeVec
	priceFails *prometheus.CounterVec
}

type gatewayMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	engineOnce     sync.Once
	engineRegistry *engineMetrics

	gatewayOnce     sync.Once
	gatewayRegistry *gatewayMetrics
)

// Engine returns the lazily registered metrics of the state engine.
func Engine() *engineMetrics {
	engineOnce.Do(func() {
		engineRegistry = &engineMetrics{
			ops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "State-changing operations segmented by name and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency of state-changing operations including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			supply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "supply",
				Help:      "Circulating KUSD supply in whole tokens.",
			}),
			tvl: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "allocator",
				Name:      "tvl",
				Help:      "Total assets reported by the allocator's sinks in whole tokens.",
			}),
			prices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "price_usd",
				Help:      "Last accepted price per asset in USD.",
			}, []string{"asset"}),
			priceFails: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "price_failures_total",
				Help:      "Price reads rejected as stale or invalid.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			engineRegistry.ops,
			engineRegistry.latency,
			engineRegistry.supply,
			engineRegistry.tvl,
			engineRegistry.prices,
			engineRegistry.priceFails,
		)
	})
	return engineRegistry
}

// ObserveOp records the outcome of a state-changing operation.
func (m *engineMetrics) ObserveOp(op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op = label(op)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.ops.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetSupply publishes the stable token supply scaled down by decimals.
func (m *engineMetrics) SetSupply(amount *big.Int, decimals uint8) {
	if m == nil {
		return
	}
	m.supply.Set(scaled(amount, decimals))
}

// SetTVL publishes the allocator's total value locked.
func (m *engineMetrics) SetTVL(amount *big.Int, decimals uint8) {
	if m == nil {
		return
	}
	m.tvl.Set(scaled(amount, decimals))
}

// RecordPrice publishes an accepted 18-decimal price.
func (m *engineMetrics) RecordPrice(asset string, price *big.Int) {
	if m == nil {
		return
	}
	m.prices.WithLabelValues(label(asset)).Set(scaled(price, 18))
}

// RecordPriceFailure counts a price read that failed closed.
func (m *engineMetrics) RecordPriceFailure(asset string) {
	if m == nil {
		return
	}
	m.priceFails.WithLabelValues(label(asset)).Inc()
}

// Gateway returns the lazily registered metrics of the HTTP gateway.
func Gateway() *gatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution of HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(gatewayRegistry.requests, gatewayRegistry.latency, gatewayRegistry.throttles)
	})
	return gatewayRegistry
}

// Observe records one served request.
func (m *gatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route)
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle counts a request rejected by rate limiting.
func (m *gatewayMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(label(route)).Inc()
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

func scaled(amount *big.Int, decimals uint8) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), new(big.Float).SetFloat64(math.Pow10(int(decimals)))).Float64()
	return f
}
