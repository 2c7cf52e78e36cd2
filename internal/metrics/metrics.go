package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Kline pipeline metrics
	KlineUpdatesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_chart_kline_updates_total",
			Help: "Total kline_update deliveries handed to subscriptions",
		},
		[]string{"interval"},
	)

	KlineUpdatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_chart_kline_updates_dropped_total",
			Help: "Kline updates dropped before reaching the chart",
		},
		[]string{"reason"}, // malformed, token, duplicate, interval, align, regression
	)

	BarsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_chart_bars_emitted_total",
			Help: "Bars emitted to realtime callbacks",
		},
		[]string{"kind"}, // new, update
	)

	ClockCorrections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_chart_clock_corrections_total",
			Help: "Timestamps corrected locally",
		},
		[]string{"type"}, // future, regression
	)

	MergeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nyyu_chart_merge_latency_ms",
			Help:    "Kline update processing latency in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100},
		},
	)

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_chart_active_subscriptions",
			Help: "Number of live chart subscriptions",
		},
	)

	WireChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_chart_wire_channels",
			Help: "Number of wire-level kline channels held open",
		},
	)

	StalledSubscriptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_chart_stalled_subscriptions_total",
			Help: "Liveness checks that found a subscription without recent updates",
		},
	)

	// Gateway metrics
	GatewayConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_chart_gateway_connected",
			Help: "1 when the market-data WebSocket is connected",
		},
	)

	GatewayReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_chart_gateway_ready",
			Help: "1 when the market-data session accepts subscriptions",
		},
	)

	GatewayReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_chart_gateway_reconnects_total",
			Help: "WebSocket reconnect attempts",
		},
	)

	GatewayFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_chart_gateway_frames_total",
			Help: "Frames received by event",
		},
		[]string{"event"},
	)

	GatewaySends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_chart_gateway_sends_total",
			Help: "Outbound subscribe/unsubscribe frames by outcome",
		},
		[]string{"event", "outcome"}, // sent, queued, failed, cancelled
	)

	// History metrics
	HistoryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_chart_history_requests_total",
			Help: "Historical page requests by outcome",
		},
		[]string{"outcome"}, // ok, error, exhausted
	)

	HistoryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nyyu_chart_history_latency_ms",
			Help:    "Historical page fetch latency in milliseconds",
			Buckets: []float64{5, 10, 50, 100, 250, 500, 1000, 5000},
		},
	)

	// Cursor cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_chart_cursor_cache_hits_total",
			Help: "Cursor state hits by tier",
		},
		[]string{"tier"}, // memory, redis
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_chart_cursor_cache_misses_total",
			Help: "Cursor state misses by tier",
		},
		[]string{"tier"},
	)

	CacheHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nyyu_chart_cursor_cache_hit_ratio",
			Help: "Cursor state hit ratio by tier (0-1)",
		},
		[]string{"tier"},
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_chart_publish_success_total",
			Help: "Total bars published to Redis",
		},
	)

	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_chart_publish_failures_total",
			Help: "Total failed Redis bar publishes",
		},
	)
)

// RateTracker tracks rate per second for dynamic metrics
type RateTracker struct {
	count       int64
	lastCount   int64
	lastUpdated time.Time
	mu          sync.Mutex
}

func NewRateTracker() *RateTracker {
	return &RateTracker{
		lastUpdated: time.Now(),
	}
}

func (rt *RateTracker) Increment() {
	atomic.AddInt64(&rt.count, 1)
}

func (rt *RateTracker) GetRate() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rt.lastUpdated).Seconds()

	if elapsed < 1.0 {
		return 0 // Not enough time passed
	}

	current := atomic.LoadInt64(&rt.count)
	rate := float64(current-rt.lastCount) / elapsed

	rt.lastCount = current
	rt.lastUpdated = now

	return rate
}

var emissionsTracker = NewRateTracker()

// TrackEmission counts a bar handed to a realtime callback
func TrackEmission(kind string) {
	BarsEmitted.WithLabelValues(kind).Inc()
	emissionsTracker.Increment()
}

// GetEmissionsPerSecond returns current bar emissions/sec
func GetEmissionsPerSecond() float64 {
	return emissionsTracker.GetRate()
}

// TrackDrop counts an update dropped before the merger
func TrackDrop(reason string) {
	KlineUpdatesDropped.WithLabelValues(reason).Inc()
}

// SetGatewayState mirrors the gateway's connected/ready flags
func SetGatewayState(connected, ready bool) {
	GatewayConnected.Set(boolToFloat(connected))
	GatewayReady.Set(boolToFloat(ready))
}

// RecordCacheAccess records a cursor cache hit or miss
func RecordCacheAccess(tier string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(tier).Inc()
	} else {
		CacheMisses.WithLabelValues(tier).Inc()
	}
	updateCacheHitRatio(tier)
}

func updateCacheHitRatio(tier string) {
	hits, _ := CacheHits.GetMetricWithLabelValues(tier)
	misses, _ := CacheMisses.GetMetricWithLabelValues(tier)
	if hits == nil || misses == nil {
		return
	}

	hitsMetric := &dto.Metric{}
	missesMetric := &dto.Metric{}
	if hits.Write(hitsMetric) != nil || misses.Write(missesMetric) != nil {
		return
	}

	total := hitsMetric.Counter.GetValue() + missesMetric.Counter.GetValue()
	if total > 0 {
		CacheHitRatio.WithLabelValues(tier).Set(hitsMetric.Counter.GetValue() / total)
	}
}

// TrackLatency is a helper to measure and record latency
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(float64(time.Since(start).Microseconds()) / 1000)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
