// Package observability holds the process-wide prometheus collectors.
package observability

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var instanceLabel atomic.Value

func init() {
	instanceLabel.Store("perfcore")
}

// SetInstance sets the value of the "instance_role" label attached to the
// cache and http collectors.
func SetInstance(s string) {
	if s == "" {
		s = "perfcore"
	}
	instanceLabel.Store(s)
}

func getInstance() string {
	if v := instanceLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "perfcore"
}

type collectors struct {
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	buildInfo     *prometheus.GaugeVec
	cacheOps      *prometheus.CounterVec
	redisDuration *prometheus.HistogramVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	hotKeys       *prometheus.GaugeVec

	thresholdValue      *prometheus.GaugeVec
	thresholdConfidence *prometheus.GaugeVec
	baselineSamples     *prometheus.CounterVec
	alerts              *prometheus.CounterVec
	warming             *prometheus.CounterVec
	warmingQueue        prometheus.Gauge
	patterns            prometheus.Gauge
	predictions         *prometheus.CounterVec
	componentHealth     *prometheus.GaugeVec
	ingestErrors        *prometheus.CounterVec
}

var (
	mu      sync.RWMutex
	current *collectors
)

func newCollectors() *collectors {
	return &collectors{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status", "instance_role"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status", "instance_role"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perfcore_build_info",
				Help: "Build information for the binary.",
			},
			[]string{"version"},
		),
		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_op_total",
				Help: "Redis cache operations by op and result.",
			},
			[]string{"op", "result"},
		),
		redisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redis_operation_duration_seconds",
				Help:    "Latency of redis operations in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"op"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfcore_cache_hits_total",
				Help: "Cache keys found on read.",
			},
			[]string{"instance_role"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfcore_cache_misses_total",
				Help: "Cache keys missing on read.",
			},
			[]string{"instance_role"},
		),
		hotKeys: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perfcore_hot_keys",
				Help: "Number of cache keys tracked by the hotness tracker.",
			},
			[]string{"instance_role", "tier"},
		),
		thresholdValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perfcore_threshold_value",
				Help: "Current adaptive threshold value.",
			},
			[]string{"threshold"},
		),
		thresholdConfidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perfcore_threshold_confidence",
				Help: "Confidence of the adaptive threshold in [0,1].",
			},
			[]string{"threshold"},
		),
		baselineSamples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfcore_baseline_samples_total",
				Help: "Samples folded into metric baselines.",
			},
			[]string{"category"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfcore_alerts_total",
				Help: "Alert pipeline outcomes.",
			},
			[]string{"outcome", "severity"},
		),
		warming: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfcore_warming_ops_total",
				Help: "Cache warming operations by outcome and key category.",
			},
			[]string{"outcome", "category"},
		),
		warmingQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "perfcore_warming_queue_depth",
				Help: "Predictions waiting in the warming queue.",
			},
		),
		patterns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "perfcore_usage_patterns",
				Help: "Usage patterns currently stored.",
			},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfcore_predictions_total",
				Help: "Predictions generated by model.",
			},
			[]string{"model"},
		),
		componentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perfcore_component_health",
				Help: "Component health: 0 healthy, 1 degraded, 2 critical.",
			},
			[]string{"component"},
		),
		ingestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfcore_ingest_errors_total",
				Help: "Ingest pipeline errors by stage.",
			},
			[]string{"stage"},
		),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.httpRequests, c.httpDuration, c.buildInfo, c.cacheOps, c.redisDuration,
		c.cacheHits, c.cacheMisses, c.hotKeys, c.thresholdValue, c.thresholdConfidence,
		c.baselineSamples, c.alerts, c.warming, c.warmingQueue, c.patterns,
		c.predictions, c.componentHealth, c.ingestErrors,
	}
}

// Init replaces the active collectors. With enabled=false every helper in this
// package becomes a no-op. A nil registerer keeps the collectors unregistered.
func Init(reg prometheus.Registerer, enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled {
		current = nil
		return
	}
	c := newCollectors()
	if reg != nil {
		for _, col := range c.all() {
			if err := reg.Register(col); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					panic(err)
				}
				// replace collectors left by an earlier Init on the same registry
				reg.Unregister(are.ExistingCollector)
				reg.MustRegister(col)
			}
		}
	}
	current = c
}

func get() *collectors {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	c := get()
	if c == nil {
		return
	}
	s := getInstance()
	st := strconv.Itoa(status)
	c.httpRequests.WithLabelValues(method, route, st, s).Inc()
	c.httpDuration.WithLabelValues(method, route, st, s).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	c := get()
	if c == nil {
		return
	}
	if version == "" {
		version = "dev"
	}
	c.buildInfo.WithLabelValues(version).Set(1)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	c := get()
	if c == nil {
		return
	}
	res := "ok"
	if err != nil {
		res = "error"
	}
	c.cacheOps.WithLabelValues(op, res).Inc()
	c.redisDuration.WithLabelValues(op).Observe(durationSeconds)
}

func AddCacheHits(n int) {
	if c := get(); c != nil && n > 0 {
		c.cacheHits.WithLabelValues(getInstance()).Add(float64(n))
	}
}

func AddCacheMisses(n int) {
	if c := get(); c != nil && n > 0 {
		c.cacheMisses.WithLabelValues(getInstance()).Add(float64(n))
	}
}

func SetHotKeysGauge(tier string, n int) {
	if c := get(); c != nil {
		c.hotKeys.WithLabelValues(getInstance(), tier).Set(float64(n))
	}
}

func SetThreshold(id string, value, confidence float64) {
	if c := get(); c != nil {
		c.thresholdValue.WithLabelValues(id).Set(value)
		c.thresholdConfidence.WithLabelValues(id).Set(confidence)
	}
}

func IncBaselineSample(category string) {
	if c := get(); c != nil {
		c.baselineSamples.WithLabelValues(category).Inc()
	}
}

// IncAlert counts one alert pipeline outcome: processed, suppressed,
// downgraded, delivered, rate_limited or failed.
func IncAlert(outcome, severity string) {
	if c := get(); c != nil {
		c.alerts.WithLabelValues(outcome, severity).Inc()
	}
}

func IncWarming(outcome, category string) {
	if c := get(); c != nil {
		c.warming.WithLabelValues(outcome, category).Inc()
	}
}

func SetWarmingQueueDepth(n int) {
	if c := get(); c != nil {
		c.warmingQueue.Set(float64(n))
	}
}

func SetPatternCount(n int) {
	if c := get(); c != nil {
		c.patterns.Set(float64(n))
	}
}

func AddPredictions(model string, n int) {
	if c := get(); c != nil && n > 0 {
		c.predictions.WithLabelValues(model).Add(float64(n))
	}
}

func SetComponentHealth(component string, level int) {
	if c := get(); c != nil {
		c.componentHealth.WithLabelValues(component).Set(float64(level))
	}
}

func IncIngestError(stage string) {
	if c := get(); c != nil {
		c.ingestErrors.WithLabelValues(stage).Inc()
	}
}
