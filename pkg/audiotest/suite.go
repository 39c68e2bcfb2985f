// Package audiotest runs single-shot audio checks against a voice agent.
// Every check gets a fresh channel and turns any failure, panic included,
// into a fail result.
package audiotest

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/audio"
	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/metrics"
	"voiceprobe/pkg/stt"
	"voiceprobe/pkg/tts"
	"voiceprobe/pkg/turn"
)

// Result statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// Check names.
const (
	TestEcho                 = "echo"
	TestTTFB                 = "ttfb"
	TestAudioQuality         = "audio_quality"
	TestResponseCompleteness = "response_completeness"
	TestBargeIn              = "barge_in"
	TestSilenceHandling      = "silence_handling"
	TestConnectionStability  = "connection_stability"
	TestNoiseResilience      = "noise_resilience"
	TestEndpointing          = "endpointing"
)

// Result is the outcome of one check.
type Result struct {
	TestName   string                 `json:"test_name"`
	Status     string                 `json:"status"`
	Metrics    map[string]interface{} `json:"metrics"`
	DurationMs float64                `json:"duration_ms"`
	Error      string                 `json:"error,omitempty"`
}

// Passed reports whether the check passed.
func (r Result) Passed() bool {
	return r.Status == StatusPass
}

// outcome is what a check returns; the suite adds name and timing.
type outcome struct {
	metrics map[string]interface{}
	failure string
}

func pass(m map[string]interface{}) outcome { return outcome{metrics: m} }

func fail(m map[string]interface{}, format string, args ...interface{}) outcome {
	return outcome{metrics: m, failure: fmt.Sprintf(format, args...)}
}

type checkFunc func(ctx context.Context, env *checkEnv) (outcome, error)

var checks = map[string]checkFunc{
	TestEcho:                 runEcho,
	TestTTFB:                 runTTFB,
	TestAudioQuality:         runAudioQuality,
	TestResponseCompleteness: runResponseCompleteness,
	TestBargeIn:              runBargeIn,
	TestSilenceHandling:      runSilenceHandling,
	TestConnectionStability:  runConnectionStability,
	TestNoiseResilience:      runNoiseResilience,
	TestEndpointing:          runEndpointing,
}

// Names lists every check, sorted.
func Names() []string {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name is a check.
func Known(name string) bool {
	_, ok := checks[name]
	return ok
}

// Options configure a Suite. Transcriber is only needed by
// response_completeness.
type Options struct {
	Factory     channel.Factory
	Synthesizer tts.Synthesizer
	Transcriber stt.Transcriber
	Thresholds  Thresholds
	Prompts     Prompts
	Collector   turn.Config
	BatchVAD    audio.BatchVADConfig
	RunID       string
}

// Suite dispatches checks by name.
type Suite struct {
	opts      Options
	collector *turn.Collector
	logger    *logrus.Logger
}

// NewSuite builds a suite.
func NewSuite(opts Options, logger *logrus.Logger) *Suite {
	opts.Thresholds = opts.Thresholds.Normalize()
	opts.Prompts = opts.Prompts.withDefaults()
	if opts.BatchVAD.FrameSize == 0 {
		opts.BatchVAD = audio.DefaultBatchVADConfig()
	}
	return &Suite{
		opts:      opts,
		collector: turn.NewCollector(opts.Collector, logger),
		logger:    logger,
	}
}

// Run executes the named checks one after another. onResult, when set, is
// called after each check.
func (s *Suite) Run(ctx context.Context, names []string, onResult func(Result)) []Result {
	results := make([]Result, 0, len(names))
	for _, name := range names {
		r := s.RunTest(ctx, name)
		results = append(results, r)
		if onResult != nil {
			onResult(r)
		}
	}
	return results
}

// RunTest executes one check against a fresh channel. It never panics and
// always returns a result with a status.
func (s *Suite) RunTest(ctx context.Context, name string) (result Result) {
	start := time.Now()
	logger := s.logger.WithFields(logrus.Fields{"run_id": s.opts.RunID, "test_name": name})

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Error("Audio test panicked")
			result = Result{TestName: name, Status: StatusFail, Metrics: map[string]interface{}{}, Error: fmt.Sprintf("panic: %v", r)}
		}
		result.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		if result.Metrics == nil {
			result.Metrics = map[string]interface{}{}
		}
		metrics.RecordTest("audio", name, result.Status, time.Since(start))
		logger.WithFields(logrus.Fields{
			"status":      result.Status,
			"duration_ms": result.DurationMs,
			"error":       result.Error,
		}).Info("Audio test finished")
	}()

	check, ok := checks[name]
	if !ok {
		return Result{TestName: name, Status: StatusFail, Error: errors.NewUnknownTest(name).Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, ms(s.opts.Thresholds.TestTimeoutMs))
	defer cancel()

	ch, err := s.opts.Factory()
	if err != nil {
		return Result{TestName: name, Status: StatusFail, Error: errors.Wrap(err, "failed to create channel").Error()}
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if err := ch.Disconnect(dctx); err != nil {
			logger.WithError(err).Warn("Failed to disconnect channel")
		}
	}()

	if err := ch.Connect(ctx); err != nil {
		return Result{TestName: name, Status: StatusFail, Error: errors.Wrap(err, "failed to connect").Error()}
	}

	env := &checkEnv{suite: s, ch: ch, th: s.opts.Thresholds, prompts: s.opts.Prompts, logger: logger}
	out, err := check(ctx, env)
	if err != nil {
		return Result{TestName: name, Status: StatusFail, Metrics: out.metrics, Error: err.Error()}
	}
	if out.failure != "" {
		return Result{TestName: name, Status: StatusFail, Metrics: out.metrics, Error: out.failure}
	}
	return Result{TestName: name, Status: StatusPass, Metrics: out.metrics}
}

// checkEnv is what one check run works with.
type checkEnv struct {
	suite   *Suite
	ch      channel.AudioChannel
	th      Thresholds
	prompts Prompts
	logger  *logrus.Entry
}

func (e *checkEnv) collector() *turn.Collector { return e.suite.collector }

// synthesize renders text with the suite's voice.
func (e *checkEnv) synthesize(ctx context.Context, text string) ([]byte, error) {
	if e.suite.opts.Synthesizer == nil {
		return nil, errors.NewInvalidInput("no speech synthesizer configured")
	}
	pcm, err := e.suite.opts.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		return nil, errors.Wrap(err, "failed to synthesize prompt")
	}
	return pcm, nil
}

// send writes pcm and returns the time sending finished.
func (e *checkEnv) send(ctx context.Context, pcm []byte) (time.Time, error) {
	if err := e.ch.SendAudio(ctx, pcm); err != nil {
		return time.Time{}, errors.Wrap(err, "failed to send audio")
	}
	return time.Now(), nil
}

// exchange speaks text and collects the agent's reply with the default
// timeout and silence threshold.
func (e *checkEnv) exchange(ctx context.Context, text string) (*turn.Collection, time.Time, error) {
	pcm, err := e.synthesize(ctx, text)
	if err != nil {
		return nil, time.Time{}, err
	}
	return e.exchangeAudio(ctx, pcm)
}

func (e *checkEnv) exchangeAudio(ctx context.Context, pcm []byte) (*turn.Collection, time.Time, error) {
	sentAt, err := e.send(ctx, pcm)
	if err != nil {
		return nil, time.Time{}, err
	}
	col, err := e.collector().CollectUntilEndOfTurn(ctx, e.ch, e.th.responseTimeout(), e.th.silenceThreshold())
	if err == nil && col.Err != nil {
		err = col.Err
	}
	return col, sentAt, err
}

// ttfbMs is the gap between sending and the first voiced chunk of col, or
// nil when no speech was heard.
func ttfbMs(col *turn.Collection, sentAt time.Time) *float64 {
	if col == nil || !col.HeardSpeech() {
		return nil
	}
	v := float64(col.FirstSpeechAt.Sub(sentAt).Microseconds()) / 1000
	if v < 0 {
		v = 0
	}
	return &v
}

// observation is what observe saw while the caller stayed silent.
type observation struct {
	onsets       int
	disconnected bool
	err          error
}

// observe stays silent for d, listening in windows of window, and counts
// agent speech onsets. Each detected utterance is consumed to its end before
// listening resumes.
func (e *checkEnv) observe(ctx context.Context, d, window time.Duration) observation {
	var obs observation
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return obs
		}
		w := window
		if w > remaining {
			w = remaining
		}

		onset := e.collector().WaitForSpeech(ctx, e.ch, w)
		if onset.Err != nil {
			if ctx.Err() != nil {
				obs.err = ctx.Err()
				return obs
			}
			obs.disconnected = errors.Is(onset.Err, errors.ErrDisconnected)
			obs.err = onset.Err
			return obs
		}
		if !onset.Detected() {
			continue
		}

		obs.onsets++
		e.logger.WithField("onset", obs.onsets).Debug("Agent spoke unprompted")
		rest := time.Until(deadline)
		if rest <= 0 {
			return obs
		}
		col, err := e.collector().CollectAfterOnset(ctx, e.ch, onset, rest, e.th.silenceThreshold())
		if err != nil {
			obs.err = err
			return obs
		}
		if col.Err != nil {
			obs.disconnected = errors.Is(col.Err, errors.ErrDisconnected)
			obs.err = col.Err
			return obs
		}
	}
}

// settle gives the agent a moment to finish trailing audio between exchanges.
func settle(ctx context.Context, env *checkEnv, d time.Duration) error {
	_, err := env.collector().Drain(ctx, env.ch, d)
	return err
}
