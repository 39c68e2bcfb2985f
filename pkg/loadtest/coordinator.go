// Package loadtest drives many concurrent virtual callers against an agent
// and tracks how latency and errors evolve as concurrency grows.
package loadtest

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"voiceprobe/pkg/analysis"
	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/metrics"
	"voiceprobe/pkg/tts"
	"voiceprobe/pkg/turn"
)

// Statuses
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// Timepoint is one rolling snapshot of the load test.
type Timepoint struct {
	ElapsedS          float64 `json:"elapsed_s"`
	ActiveConnections int     `json:"active_connections"`
	Calls             int     `json:"calls"`
	TTFBP50Ms         float64 `json:"ttfb_p50_ms"`
	TTFBP95Ms         float64 `json:"ttfb_p95_ms"`
	TTFBP99Ms         float64 `json:"ttfb_p99_ms"`
	ErrorRate         float64 `json:"error_rate"`
	ErrorsCumulative  int     `json:"errors_cumulative"`
}

// BreakingPoint is the first snapshot where p95 TTFB more than doubled the
// baseline under concurrent load.
type BreakingPoint struct {
	ElapsedS          float64 `json:"elapsed_s"`
	ActiveConnections int     `json:"active_connections"`
	TTFBP95Ms         float64 `json:"ttfb_p95_ms"`
	BaselineP95Ms     float64 `json:"baseline_p95_ms"`
}

// Summary aggregates every call of the run.
type Summary struct {
	TotalCalls            int            `json:"total_calls"`
	SuccessfulCalls       int            `json:"successful_calls"`
	FailedCalls           int            `json:"failed_calls"`
	ErrorRate             float64        `json:"error_rate"`
	TTFBP50Ms             float64        `json:"ttfb_p50_ms"`
	TTFBP95Ms             float64        `json:"ttfb_p95_ms"`
	TTFBP99Ms             float64        `json:"ttfb_p99_ms"`
	MeanTTFBMs            float64        `json:"mean_ttfb_ms"`
	TargetConcurrency     int            `json:"target_concurrency"`
	ActualPeakConcurrency int            `json:"actual_peak_concurrency"`
	Errors                map[string]int `json:"errors,omitempty"`
}

// Result is the outcome of a load test.
type Result struct {
	Status        string         `json:"status"`
	Pattern       Pattern        `json:"pattern"`
	Summary       Summary        `json:"summary"`
	Timeline      []Timepoint    `json:"timeline"`
	BreakingPoint *BreakingPoint `json:"breaking_point,omitempty"`
	DurationMs    float64        `json:"duration_ms"`
	Error         string         `json:"error,omitempty"`
}

// Options wire the coordinator to its collaborators.
type Options struct {
	Factory     channel.Factory
	Synthesizer tts.Synthesizer
	Collector   turn.Config
	RunID       string
}

// Coordinator runs load tests. Each virtual caller owns its channel.
type Coordinator struct {
	opts      Options
	collector *turn.Collector
	logger    *logrus.Logger
}

// NewCoordinator builds a coordinator.
func NewCoordinator(opts Options, logger *logrus.Logger) *Coordinator {
	return &Coordinator{opts: opts, collector: turn.NewCollector(opts.Collector, logger), logger: logger}
}

// callResult is what one virtual caller reports to the aggregator.
type callResult struct {
	success bool
	ttfbMs  float64
	err     string
}

// Run executes the load test described by cfg. Failures of individual
// callers only count toward the error rate; Run itself never panics.
func (c *Coordinator) Run(ctx context.Context, cfg Config) (result *Result) {
	start := time.Now()
	cfg.Normalize()
	logger := c.logger.WithFields(logrus.Fields{"run_id": c.opts.RunID, "pattern": cfg.Pattern})
	result = &Result{Pattern: cfg.Pattern, Timeline: []Timepoint{}}
	result.Summary.TargetConcurrency = cfg.TargetConcurrency

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Error("Load test panicked")
			result.Status = StatusFail
			result.Error = fmt.Sprintf("panic: %v", r)
		}
		result.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		metrics.RecordTest("load", string(cfg.Pattern), result.Status, time.Since(start))
	}()

	if err := cfg.Validate(); err != nil {
		result.Status = StatusFail
		result.Error = err.Error()
		return result
	}
	if c.opts.Factory == nil || c.opts.Synthesizer == nil {
		result.Status = StatusFail
		result.Error = "load test needs a channel factory and a speech synthesizer"
		return result
	}

	// One synthesis shared by every virtual caller.
	pcm, err := c.opts.Synthesizer.Synthesize(ctx, cfg.CallerPrompt)
	if err != nil {
		result.Status = StatusFail
		result.Error = errors.Wrap(err, "failed to synthesize caller prompt").Error()
		return result
	}

	logger.WithFields(logrus.Fields{
		"target_concurrency": cfg.TargetConcurrency,
		"duration_s":         cfg.DurationS,
	}).Info("Starting load test")

	callCtx, cancelCalls := context.WithCancel(ctx)
	defer cancelCalls()
	lr := &loadRun{
		cfg:     &cfg,
		start:   start,
		pcm:     pcm,
		results: make(chan callResult, 1024),
		logger:  logger,
	}
	agg := newAggregator(start, &lr.active)
	aggDone := make(chan struct{})
	go func() {
		agg.run(lr.results, millis(cfg.SnapshotIntervalMs))
		close(aggDone)
	}()

	c.spawnLoop(ctx, callCtx, lr)

	drained := make(chan struct{})
	go func() {
		lr.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(seconds(float64(cfg.DrainTimeoutS))):
		logger.WithField("in_flight", lr.active.Load()).Warn("Drain timeout reached, cancelling remaining callers")
		cancelCalls()
		<-drained
	}
	close(lr.results)
	<-aggDone
	metrics.SetLoadTestActive(0)

	result.Timeline = agg.timeline
	result.Summary = agg.summary(cfg.TargetConcurrency, int(lr.peak.Load()))
	result.BreakingPoint = BreakingPointOf(agg.timeline, cfg.BaselineWindow)
	result.Status, result.Error = verdict(result.Summary, cfg.MaxErrorRate)

	logger.WithFields(logrus.Fields{
		"status":      result.Status,
		"total_calls": result.Summary.TotalCalls,
		"error_rate":  result.Summary.ErrorRate,
		"p95_ttfb_ms": result.Summary.TTFBP95Ms,
		"peak":        result.Summary.ActualPeakConcurrency,
	}).Info("Load test finished")
	return result
}

// loadRun is the state shared between the spawn loop and its callers.
type loadRun struct {
	cfg     *Config
	start   time.Time
	pcm     []byte
	active  atomic.Int64
	peak    atomic.Int64
	results chan callResult
	wg      sync.WaitGroup
	logger  *logrus.Entry
}

// spawnLoop keeps the active caller count at the pattern's target until the
// deadline. It is the only goroutine that increments active, so the count
// never exceeds the target. Callers run on callCtx so they outlive the
// deadline while draining.
func (c *Coordinator) spawnLoop(ctx, callCtx context.Context, lr *loadRun) {
	cfg := lr.cfg
	runCtx, cancel := context.WithDeadline(ctx, lr.start.Add(cfg.duration()))
	defer cancel()

	interval := millis(cfg.SpawnIntervalMs)
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		target := int64(TargetAt(cfg.Pattern, cfg.TargetConcurrency, time.Since(lr.start), cfg.duration(), seconds(cfg.RampDurationS)))
		for lr.active.Load() < target {
			if err := limiter.Wait(runCtx); err != nil {
				return
			}
			n := lr.active.Add(1)
			if n > lr.peak.Load() {
				lr.peak.Store(n)
			}
			metrics.SetLoadTestActive(n)

			lr.wg.Add(1)
			go func() {
				defer lr.wg.Done()
				r := c.call(callCtx, cfg, lr.pcm, lr.logger)
				metrics.SetLoadTestActive(lr.active.Add(-1))
				lr.results <- r
			}()
		}

		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

// call is one virtual caller: connect, send the prompt, collect the reply,
// disconnect.
func (c *Coordinator) call(ctx context.Context, cfg *Config, pcm []byte, logger *logrus.Entry) (res callResult) {
	log := logger.WithField("caller_id", uuid.NewString())
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Virtual caller panicked")
			res = callResult{err: fmt.Sprintf("panic: %v", r)}
		}
		metrics.RecordLoadTestCall(res.success)
	}()

	ch, err := c.opts.Factory()
	if err != nil {
		return callResult{err: "failed to create channel"}
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ch.Disconnect(dctx); err != nil {
			log.WithError(err).Debug("Virtual caller disconnect failed")
		}
	}()

	if err := ch.Connect(ctx); err != nil {
		log.WithError(err).Debug("Virtual caller failed to connect")
		return callResult{err: "connect failed"}
	}
	if err := ch.SendAudio(ctx, pcm); err != nil {
		return callResult{err: "send failed"}
	}
	sentAt := time.Now()

	col, err := c.collector.CollectUntilEndOfTurn(ctx, ch, millis(cfg.CallTimeoutMs), millis(cfg.SilenceThresholdMs))
	switch {
	case err != nil:
		return callResult{err: "cancelled"}
	case col.Err != nil:
		return callResult{err: "agent disconnected"}
	case col.NoResponse():
		return callResult{err: "no response"}
	}

	ttfb := col.FirstAudioAt.Sub(sentAt)
	if ttfb < 0 {
		ttfb = 0
	}
	metrics.ObserveTTFB("load_test", ttfb)
	return callResult{success: true, ttfbMs: float64(ttfb.Microseconds()) / 1000}
}

// aggregator is the single owner of call results. Callers reach it only
// through the results channel.
type aggregator struct {
	start    time.Time
	active   *atomic.Int64
	window   []callResult
	ttfbs    []float64
	total    int
	failed   int
	errors   map[string]int
	timeline []Timepoint
}

func newAggregator(start time.Time, active *atomic.Int64) *aggregator {
	return &aggregator{start: start, active: active, errors: map[string]int{}}
}

// run consumes results until the channel closes, snapshotting every interval
// and once more at the end.
func (a *aggregator) run(results <-chan callResult, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case r, ok := <-results:
			if !ok {
				a.snapshot()
				return
			}
			a.add(r)
		case <-ticker.C:
			a.snapshot()
		}
	}
}

func (a *aggregator) add(r callResult) {
	a.window = append(a.window, r)
	a.total++
	if r.success {
		a.ttfbs = append(a.ttfbs, r.ttfbMs)
		return
	}
	a.failed++
	a.errors[r.err]++
}

func (a *aggregator) snapshot() {
	tp := Timepoint{
		ElapsedS:          time.Since(a.start).Seconds(),
		ActiveConnections: int(a.active.Load()),
		Calls:             len(a.window),
	}
	var ok []float64
	failed := 0
	for _, r := range a.window {
		if r.success {
			ok = append(ok, r.ttfbMs)
		} else {
			failed++
		}
	}
	if len(a.window) > 0 {
		tp.ErrorRate = float64(failed) / float64(len(a.window))
	}
	s := analysis.Summarize(ok)
	tp.TTFBP50Ms, tp.TTFBP95Ms, tp.TTFBP99Ms = s.P50, s.P95, s.P99
	tp.ErrorsCumulative = a.failed
	a.timeline = append(a.timeline, tp)
	a.window = a.window[:0]
}

func (a *aggregator) summary(target, peak int) Summary {
	s := analysis.Summarize(a.ttfbs)
	out := Summary{
		TotalCalls:            a.total,
		SuccessfulCalls:       a.total - a.failed,
		FailedCalls:           a.failed,
		TTFBP50Ms:             s.P50,
		TTFBP95Ms:             s.P95,
		TTFBP99Ms:             s.P99,
		MeanTTFBMs:            s.Mean,
		TargetConcurrency:     target,
		ActualPeakConcurrency: peak,
	}
	if a.total > 0 {
		out.ErrorRate = float64(a.failed) / float64(a.total)
	}
	if len(a.errors) > 0 {
		out.Errors = a.errors
	}
	return out
}

// BreakingPointOf finds the first timepoint whose p95 exceeds twice the
// baseline while more than one connection was active. The baseline is the
// second timepoint's p95, or with window > 1 the mean p95 of the first
// window timepoints that carried calls. A zero baseline yields nil.
func BreakingPointOf(timeline []Timepoint, window int) *BreakingPoint {
	baseline := 0.0
	if window > 1 {
		var sum float64
		n := 0
		for _, tp := range timeline {
			if n == window {
				break
			}
			if tp.Calls > 0 && tp.TTFBP95Ms > 0 {
				sum += tp.TTFBP95Ms
				n++
			}
		}
		if n > 0 {
			baseline = sum / float64(n)
		}
	} else if len(timeline) > 1 {
		baseline = timeline[1].TTFBP95Ms
	}
	if baseline <= 0 {
		return nil
	}

	for _, tp := range timeline {
		if tp.TTFBP95Ms > 2*baseline && tp.ActiveConnections > 1 {
			return &BreakingPoint{
				ElapsedS:          tp.ElapsedS,
				ActiveConnections: tp.ActiveConnections,
				TTFBP95Ms:         tp.TTFBP95Ms,
				BaselineP95Ms:     baseline,
			}
		}
	}
	return nil
}

func verdict(s Summary, maxErrorRate float64) (string, string) {
	switch {
	case s.TotalCalls == 0:
		return StatusFail, "no virtual call completed"
	case s.ErrorRate > maxErrorRate:
		return StatusFail, fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", s.ErrorRate*100, maxErrorRate*100)
	}
	return StatusPass, ""
}
