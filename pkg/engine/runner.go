package engine

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"voiceprobe/pkg/analysis"
	"voiceprobe/pkg/audiotest"
	"voiceprobe/pkg/caller"
	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/conversation"
	"voiceprobe/pkg/judge"
	"voiceprobe/pkg/llm"
	"voiceprobe/pkg/loadtest"
	"voiceprobe/pkg/metrics"
	"voiceprobe/pkg/retry"
	"voiceprobe/pkg/stt"
	"voiceprobe/pkg/telemetry/tracing"
	"voiceprobe/pkg/tts"
	"voiceprobe/pkg/turn"
)

// Deps are the collaborators a Runner drives. Only Synthesizer, Transcriber,
// CallerChat and JudgeChat are required.
type Deps struct {
	// Channels builds the channel factory for a job; defaults to channel.NewFactory.
	Channels    func(cfg channel.Config, logger *logrus.Logger) channel.Factory
	Synthesizer tts.Synthesizer
	// Voices applies a job's voice override; nil ignores overrides.
	Voices      func(v tts.Voice) tts.Synthesizer
	Transcriber stt.Transcriber
	// Transcribers pins a job to one STT provider; nil ignores the override.
	Transcribers func(provider string) stt.Transcriber

	CallerChat        llm.Chatter
	CallerModel       string
	CallerTemperature float64
	JudgeChat         llm.Chatter
	JudgeModel        string

	Reporter      Reporter
	HealthClient  *http.Client
	HealthRetryer *retry.Retryer
	HealthTimeout time.Duration
	Collector     turn.Config
	// RetainAudio turns on audio retention for every conversation.
	RetainAudio bool
}

// Runner executes jobs. It is safe to run several jobs concurrently.
type Runner struct {
	deps   Deps
	logger *logrus.Logger
}

// NewRunner builds a runner.
func NewRunner(deps Deps, logger *logrus.Logger) *Runner {
	if deps.Channels == nil {
		deps.Channels = channel.NewFactory
	}
	if deps.Reporter == nil {
		deps.Reporter = nopReporter{}
	}
	if deps.HealthRetryer == nil {
		deps.HealthRetryer = retry.New(retry.DefaultPolicy(), logger)
	}
	return &Runner{deps: deps, logger: logger}
}

// run is the state of one job execution.
type run struct {
	job       *Job
	result    *RunResult
	completed int
	logger    *logrus.Entry
	scope     *tracing.RunScope
}

// Run executes job and delivers the result to the reporter. It never panics;
// an unexpected failure fails the run with error_text set.
func (r *Runner) Run(ctx context.Context, job *Job) (result *RunResult) {
	job.Normalize()
	start := time.Now()
	result = &RunResult{
		RunID:               job.RunID,
		AudioResults:        []audiotest.Result{},
		ConversationResults: []*conversation.Result{},
		StartedAt:           start,
	}
	st := &run{
		job:    job,
		result: result,
		logger: r.logger.WithFields(logrus.Fields{"run_id": job.RunID, "adapter": job.Connection.Adapter}),
		scope:  tracing.StartRunScope(ctx, job.RunID, attribute.Int("run.total_tests", job.Total())),
	}
	st.scope.Metadata().SetAdapter(job.Connection.Adapter)
	ctx = st.scope.Context()
	defer metrics.StartRun()()

	defer func() {
		if rec := recover(); rec != nil {
			st.logger.WithField("stack", string(debug.Stack())).Error("Run panicked")
			result.ErrorText = fmt.Sprintf("panic: %v", rec)
		}
		r.finish(ctx, st)
	}()

	r.event(ctx, st, EventRunStarted, "run started", map[string]interface{}{"total_tests": job.Total()})

	if err := job.Validate(); err != nil {
		result.ErrorText = err.Error()
		return result
	}

	if url := job.Connection.HealthCheckURL; url != "" {
		if err := CheckHealth(ctx, r.deps.HealthClient, r.deps.HealthRetryer, url, r.deps.HealthTimeout); err != nil {
			st.logger.WithError(err).Warn("Agent health check failed, skipping tests")
			result.ErrorText = err.Error()
			r.event(ctx, st, EventHealthCheckFailed, err.Error(), nil)
			return result
		}
	}

	factory := r.deps.Channels(job.Connection, r.logger)
	synth := r.synthesizer(job)
	transcriber := r.transcriber(job)

	if len(job.Tests.AudioTests) > 0 {
		r.runAudio(ctx, st, factory, synth, transcriber)
	}
	if len(job.Tests.ConversationTests) > 0 {
		r.runConversations(ctx, st, factory, synth, transcriber)
	}
	if job.LoadTest != nil {
		r.runLoad(ctx, st, factory, synth)
	}
	return result
}

func (r *Runner) synthesizer(job *Job) tts.Synthesizer {
	v := job.Voice.TTS
	if r.deps.Voices != nil && (v.VoiceID != "" || v.Model != "" || v.Provider != "") {
		return r.deps.Voices(v)
	}
	return r.deps.Synthesizer
}

func (r *Runner) transcriber(job *Job) stt.Transcriber {
	if r.deps.Transcribers != nil && job.Voice.STTProvider != "" {
		return r.deps.Transcribers(job.Voice.STTProvider)
	}
	return r.deps.Transcriber
}

func (r *Runner) runAudio(ctx context.Context, st *run, factory channel.Factory, synth tts.Synthesizer, transcriber stt.Transcriber) {
	opts := audiotest.Options{
		Factory:     factory,
		Synthesizer: synth,
		Transcriber: transcriber,
		Thresholds:  st.job.Thresholds,
		Collector:   r.deps.Collector,
		RunID:       st.job.RunID,
	}
	if st.job.Prompts != nil {
		opts.Prompts = *st.job.Prompts
	}
	suite := audiotest.NewSuite(opts, r.logger)
	r.event(ctx, st, EventAudioTestsStarted, "audio tests started", map[string]interface{}{"tests": st.job.Tests.AudioTests})

	for _, name := range st.job.Tests.AudioTests {
		tctx, span := tracing.StartSpan(ctx, "audio_test."+name)
		res := suite.RunTest(tctx, name)
		span.SetAttributes(attribute.String("test.status", res.Status))
		span.End()

		st.scope.Metadata().AddTest(name)
		st.result.AudioResults = append(st.result.AudioResults, res)
		r.progress(ctx, st, TestTypeAudio, name, res.Status, res.DurationMs)
	}
}

func (r *Runner) runConversations(ctx context.Context, st *run, factory channel.Factory, synth tts.Synthesizer, transcriber stt.Transcriber) {
	exec := conversation.NewExecutor(conversation.Options{
		Factory:     factory,
		Synthesizer: synth,
		Transcriber: transcriber,
		NewCaller: func(spec conversation.TestSpec) conversation.Caller {
			return caller.New(r.deps.CallerChat, spec.CallerPrompt, r.deps.CallerModel, r.deps.CallerTemperature, r.logger)
		},
		Judge:     judge.New(r.deps.JudgeChat, r.deps.JudgeModel, r.logger),
		Collector: r.deps.Collector,
		RunID:     st.job.RunID,
	}, r.logger)
	r.event(ctx, st, EventConversationsStart, "conversation tests started", map[string]interface{}{"tests": len(st.job.Tests.ConversationTests)})

	// Conversations run one at a time; each gets its own channel and caller.
	for _, spec := range st.job.Tests.ConversationTests {
		if st.job.RetainAudio || r.deps.RetainAudio {
			spec.RetainAudio = true
		}
		tctx, span := tracing.StartSpan(ctx, "conversation."+spec.Name)
		res := exec.Run(tctx, spec)
		span.SetAttributes(attribute.String("test.status", res.Status), attribute.Int("test.turns", len(res.Transcript)))
		span.End()

		st.scope.Metadata().AddTest(spec.Name)
		st.result.ConversationResults = append(st.result.ConversationResults, res)
		r.progress(ctx, st, TestTypeConversation, spec.Name, res.Status, res.DurationMs)
	}
}

func (r *Runner) runLoad(ctx context.Context, st *run, factory channel.Factory, synth tts.Synthesizer) {
	co := loadtest.NewCoordinator(loadtest.Options{
		Factory:     factory,
		Synthesizer: synth,
		Collector:   r.deps.Collector,
		RunID:       st.job.RunID,
	}, r.logger)
	r.event(ctx, st, EventLoadTestStarted, "load test started", map[string]interface{}{
		"pattern":            st.job.LoadTest.Pattern,
		"target_concurrency": st.job.LoadTest.TargetConcurrency,
	})

	tctx, span := tracing.StartSpan(ctx, "load_test."+string(st.job.LoadTest.Pattern))
	res := co.Run(tctx, *st.job.LoadTest)
	span.SetAttributes(attribute.String("test.status", res.Status))
	span.End()

	st.scope.Metadata().AddTest("load_test")
	st.result.LoadTest = res
	r.progress(ctx, st, TestTypeLoad, string(res.Pattern), res.Status, res.DurationMs)
}

// finish computes the aggregate and status, then delivers the result.
func (r *Runner) finish(ctx context.Context, st *run) {
	res := st.result
	res.FinishedAt = time.Now()
	res.DurationMs = float64(res.FinishedAt.Sub(res.StartedAt).Microseconds()) / 1000
	res.Aggregate = Aggregated(res)
	res.Status = StatusPass
	if res.ErrorText != "" || res.Aggregate.Failed > 0 || res.Aggregate.TotalTests == 0 {
		res.Status = StatusFail
	}

	st.logger.WithFields(logrus.Fields{
		"status":      res.Status,
		"passed":      res.Aggregate.Passed,
		"failed":      res.Aggregate.Failed,
		"duration_ms": res.DurationMs,
		"error":       res.ErrorText,
	}).Info("Run finished")

	r.event(ctx, st, EventRunFinished, "run finished", map[string]interface{}{"status": res.Status})
	if err := r.deps.Reporter.Result(ctx, res); err != nil {
		st.logger.WithError(err).Error("Failed to deliver run result")
	}

	var runErr error
	if res.Status == StatusFail {
		runErr = fmt.Errorf("run failed: %s", firstNonEmpty(res.ErrorText, fmt.Sprintf("%d tests failed", res.Aggregate.Failed)))
	}
	st.scope.End(runErr)
}

func (r *Runner) progress(ctx context.Context, st *run, testType, name, status string, durationMs float64) {
	st.completed++
	p := Progress{
		RunID:      st.job.RunID,
		Completed:  st.completed,
		Total:      st.job.Total(),
		TestType:   testType,
		TestName:   name,
		Status:     status,
		DurationMs: durationMs,
	}
	if err := r.deps.Reporter.Progress(ctx, p); err != nil {
		st.logger.WithError(err).Debug("Progress delivery failed")
	}
}

func (r *Runner) event(ctx context.Context, st *run, kind, message string, fields map[string]interface{}) {
	e := Event{RunID: st.job.RunID, Type: kind, Message: message, Fields: fields, At: time.Now()}
	if err := r.deps.Reporter.Event(ctx, e); err != nil {
		st.logger.WithError(err).Debug("Event delivery failed")
	}
}

// Aggregated counts results and pools every TTFB sample: the ttfb check's
// per-prompt samples and each conversation's agent turns.
func Aggregated(res *RunResult) Aggregate {
	var agg Aggregate
	var ttfbs []float64
	count := func(status string) {
		agg.TotalTests++
		if status == StatusPass {
			agg.Passed++
		} else {
			agg.Failed++
		}
	}

	for _, a := range res.AudioResults {
		count(a.Status)
		if samples, ok := a.Metrics["ttfb_ms"].([]float64); ok {
			ttfbs = append(ttfbs, samples...)
		}
	}
	for _, c := range res.ConversationResults {
		count(c.Status)
		for _, t := range c.Transcript {
			if t.Role == analysis.RoleAgent && t.TTFBMs != nil {
				ttfbs = append(ttfbs, *t.TTFBMs)
			}
		}
	}
	if res.LoadTest != nil {
		count(res.LoadTest.Status)
	}

	if agg.TotalTests > 0 {
		agg.PassRate = float64(agg.Passed) / float64(agg.TotalTests)
	}
	s := analysis.Summarize(ttfbs)
	agg.MeanTTFBMs = s.Mean
	agg.P95TTFBMs = s.P95
	return agg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
