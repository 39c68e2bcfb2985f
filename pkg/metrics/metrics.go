package metrics

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = false
	mu                 sync.RWMutex

	// Test metrics
	TestsTotal    *prometheus.CounterVec
	TestDuration  *prometheus.HistogramVec
	TurnTTFB      *prometheus.HistogramVec
	RunsActive    prometheus.Gauge
	TurnsRecorded *prometheus.CounterVec

	// External service metrics
	ExternalRequestsTotal *prometheus.CounterVec
	ExternalLatency       *prometheus.HistogramVec
	RetriesTotal          *prometheus.CounterVec
	BreakerState          *prometheus.GaugeVec

	// Load test metrics
	LoadTestActiveCallers prometheus.Gauge
	LoadTestCallsTotal    *prometheus.CounterVec

	// Reporting metrics
	ReportsPublished *prometheus.CounterVec

	// Resource metrics
	Goroutines  prometheus.Gauge
	MemoryAlloc prometheus.Gauge
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		TestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceprobe_tests_total",
				Help: "Total number of executed tests",
			},
			[]string{"test_type", "test_name", "status"},
		)

		TestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voiceprobe_test_duration_seconds",
				Help:    "Wall-clock duration of a single test",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
			},
			[]string{"test_type"},
		)

		TurnTTFB = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voiceprobe_turn_ttfb_seconds",
				Help:    "Agent time to first byte per turn",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"source"},
		)

		RunsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voiceprobe_runs_active",
				Help: "Number of runs currently executing",
			},
		)

		TurnsRecorded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceprobe_conversation_turns_total",
				Help: "Conversation turns recorded",
			},
			[]string{"role"},
		)

		ExternalRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceprobe_external_requests_total",
				Help: "Requests to external services (STT, TTS, LLM)",
			},
			[]string{"service", "provider", "status"},
		)

		ExternalLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voiceprobe_external_latency_seconds",
				Help:    "Latency of external service calls",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"service", "provider"},
		)

		RetriesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceprobe_retries_total",
				Help: "Retried external operations",
			},
			[]string{"operation"},
		)

		BreakerState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voiceprobe_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		)

		LoadTestActiveCallers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voiceprobe_loadtest_active_callers",
				Help: "Virtual callers currently in flight",
			},
		)

		LoadTestCallsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceprobe_loadtest_calls_total",
				Help: "Completed virtual calls",
			},
			[]string{"status"},
		)

		ReportsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceprobe_reports_published_total",
				Help: "Result and progress deliveries",
			},
			[]string{"reporter", "kind", "status"},
		)

		Goroutines = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voiceprobe_goroutines",
				Help: "Number of goroutines",
			},
		)

		MemoryAlloc = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voiceprobe_memory_alloc_bytes",
				Help: "Bytes of allocated heap objects",
			},
		)

		registry.MustRegister(
			TestsTotal,
			TestDuration,
			TurnTTFB,
			RunsActive,
			TurnsRecorded,

			ExternalRequestsTotal,
			ExternalLatency,
			RetriesTotal,
			BreakerState,

			LoadTestActiveCallers,
			LoadTestCallsTotal,

			ReportsPublished,

			Goroutines,
			MemoryAlloc,
		)

		if logger != nil {
			logger.Info("Prometheus metrics initialized")
		}
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	mu.Lock()
	metricsEnabled = enabled
	mu.Unlock()
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return metricsEnabled && registry != nil
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if !IsMetricsEnabled() {
		return
	}
	handler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
	mux.Handle(defaultMetricsPath, handler)
}

// StartMetrics initializes the metrics service. The returned function stops
// the resource sampler.
func StartMetrics(logger *logrus.Logger, enabled bool) func() {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return func() {}
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")

	stop := make(chan struct{})
	go updateResourceMetrics(stop)
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

func updateResourceMetrics(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			MemoryAlloc.Set(float64(m.Alloc))
			Goroutines.Set(float64(runtime.NumGoroutine()))
		case <-stop:
			return
		}
	}
}

// RecordTest records a finished test
func RecordTest(testType, testName, status string, duration time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	TestsTotal.WithLabelValues(testType, testName, status).Inc()
	TestDuration.WithLabelValues(testType).Observe(duration.Seconds())
}

// RecordTurn records a conversation turn and, for agent turns, its TTFB
func RecordTurn(role string, ttfb time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	TurnsRecorded.WithLabelValues(role).Inc()
	if ttfb > 0 {
		TurnTTFB.WithLabelValues("conversation").Observe(ttfb.Seconds())
	}
}

// ObserveTTFB records a TTFB sample measured outside conversations
func ObserveTTFB(source string, ttfb time.Duration) {
	if IsMetricsEnabled() {
		TurnTTFB.WithLabelValues(source).Observe(ttfb.Seconds())
	}
}

// StartRun marks a run active; the returned function marks it finished
func StartRun() func() {
	if !IsMetricsEnabled() {
		return func() {}
	}
	RunsActive.Inc()
	return func() { RunsActive.Dec() }
}

// ObserveExternal returns a timer for one external service call. Call the
// returned function with the call's outcome.
func ObserveExternal(service, provider string) func(err error) {
	if !IsMetricsEnabled() {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		status := "success"
		if err != nil {
			status = "error"
		}
		ExternalRequestsTotal.WithLabelValues(service, provider, status).Inc()
		ExternalLatency.WithLabelValues(service, provider).Observe(time.Since(start).Seconds())
	}
}

// RecordRetry records a retried operation
func RecordRetry(operation string) {
	if IsMetricsEnabled() {
		RetriesTotal.WithLabelValues(operation).Inc()
	}
}

// SetBreakerState publishes a circuit breaker state
func SetBreakerState(name string, state int) {
	if IsMetricsEnabled() {
		BreakerState.WithLabelValues(name).Set(float64(state))
	}
}

// SetLoadTestActive publishes the load test in-flight caller count
func SetLoadTestActive(n int64) {
	if IsMetricsEnabled() {
		LoadTestActiveCallers.Set(float64(n))
	}
}

// RecordLoadTestCall records a completed virtual call
func RecordLoadTestCall(success bool) {
	if !IsMetricsEnabled() {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	LoadTestCallsTotal.WithLabelValues(status).Inc()
}

// RecordReport records a delivery attempt of a reporter
func RecordReport(reporter, kind string, err error) {
	if !IsMetricsEnabled() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	ReportsPublished.WithLabelValues(reporter, kind, status).Inc()
}
