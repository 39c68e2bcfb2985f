package conversation

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"voiceprobe/pkg/analysis"
	"voiceprobe/pkg/audio"
	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/judge"
	"voiceprobe/pkg/media"
	"voiceprobe/pkg/metrics"
	"voiceprobe/pkg/stt"
	"voiceprobe/pkg/tts"
	"voiceprobe/pkg/turn"
)

const (
	defaultMaxTurns        = 10
	defaultResponseTimeout = 30 * time.Second
)

// Options configure an Executor.
type Options struct {
	Factory     channel.Factory
	Synthesizer tts.Synthesizer
	Transcriber stt.Transcriber
	NewCaller   CallerFactory
	Judge       Judge
	Collector   turn.Config
	BatchVAD    audio.BatchVADConfig
	// MinSilenceMs and MaxSilenceMs bound the adaptive threshold; 0 uses defaults.
	MinSilenceMs float64
	MaxSilenceMs float64
	RunID        string
}

// Executor runs conversation tests. Each Run owns its channel, caller and
// adaptive threshold, so one Executor can serve many conversations.
type Executor struct {
	opts      Options
	collector *turn.Collector
	logger    *logrus.Logger
}

// NewExecutor builds an executor.
func NewExecutor(opts Options, logger *logrus.Logger) *Executor {
	if opts.BatchVAD.FrameSize == 0 {
		opts.BatchVAD = audio.DefaultBatchVADConfig()
	}
	return &Executor{opts: opts, collector: turn.NewCollector(opts.Collector, logger), logger: logger}
}

// Run executes one conversation. It never panics; every failure becomes a
// fail result carrying the transcript so far.
func (e *Executor) Run(ctx context.Context, spec TestSpec) (result *Result) {
	start := time.Now()
	logger := e.logger.WithFields(logrus.Fields{"run_id": e.opts.RunID, "test_name": spec.Name})
	result = &Result{Name: spec.Name, Transcript: []analysis.Turn{}, EvalResults: []judge.EvalResult{}}

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Error("Conversation panicked")
			result.Status = StatusFail
			result.Error = fmt.Sprintf("panic: %v", r)
		}
		result.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		metrics.RecordTest("conversation", spec.Name, result.Status, time.Since(start))
		logger.WithFields(logrus.Fields{
			"status":      result.Status,
			"turns":       len(result.Transcript),
			"duration_ms": result.DurationMs,
			"error":       result.Error,
		}).Info("Conversation test finished")
	}()

	if err := e.validate(spec); err != nil {
		return failed(result, err)
	}

	call, err := e.converse(ctx, spec, logger)
	result.Transcript = call.turns
	result.ToolCalls = call.toolCalls
	result.FinalSilenceThresholdMs = call.thresholdMs
	if err != nil {
		return failed(result, err)
	}

	if err := e.grade(ctx, spec, call, result, logger); err != nil {
		return failed(result, err)
	}
	return result
}

func (e *Executor) validate(spec TestSpec) error {
	switch {
	case strings.TrimSpace(spec.CallerPrompt) == "":
		return errors.NewInvalidInput("conversation test needs a caller prompt")
	case e.opts.Factory == nil:
		return errors.NewInvalidInput("no channel factory configured")
	case e.opts.Synthesizer == nil:
		return errors.NewInvalidInput("no speech synthesizer configured")
	case e.opts.Transcriber == nil:
		return errors.NewInvalidInput("no speech-to-text provider configured")
	case e.opts.NewCaller == nil:
		return errors.NewInvalidInput("no caller simulator configured")
	case e.opts.Judge == nil:
		return errors.NewInvalidInput("no judge configured")
	}
	return nil
}

func failed(result *Result, err error) *Result {
	result.Status = StatusFail
	result.Error = err.Error()
	return result
}

// call is what the turn loop produced.
type call struct {
	turns       []analysis.Turn
	toolCalls   []channel.ToolCall
	thresholdMs float64
	durationMs  float64
}

// converse runs the turn loop on a fresh channel. The returned call holds the
// transcript so far even when err is set.
func (e *Executor) converse(ctx context.Context, spec TestSpec, logger *logrus.Entry) (call, error) {
	c := call{turns: []analysis.Turn{}}
	threshold := turn.NewAdaptiveThreshold(spec.SilenceThresholdMs, e.opts.MinSilenceMs, e.opts.MaxSilenceMs)
	c.thresholdMs = threshold.ThresholdMs()

	ch, err := e.opts.Factory()
	if err != nil {
		return c, errors.Wrap(err, "failed to create channel")
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ch.Disconnect(dctx); err != nil {
			logger.WithError(err).Warn("Failed to disconnect channel")
		}
	}()
	if err := ch.Connect(ctx); err != nil {
		return c, errors.Wrap(err, "failed to connect")
	}

	start := time.Now()
	rel := func(t time.Time) float64 { return float64(t.Sub(start).Microseconds()) / 1000 }
	responseTimeout := defaultResponseTimeout
	if spec.ResponseTimeoutMs > 0 {
		responseTimeout = time.Duration(spec.ResponseTimeoutMs) * time.Millisecond
	}
	maxTurns := spec.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	caller := e.opts.NewCaller(spec)

	lastAgentText := ""
	if spec.GreetingTimeoutMs > 0 {
		greeting, err := e.collector.CollectUntilEndOfTurn(ctx, ch, time.Duration(spec.GreetingTimeoutMs)*time.Millisecond, threshold.Threshold())
		if err != nil {
			return c, err
		}
		c.toolCalls = append(c.toolCalls, greeting.ToolCalls...)
		if greeting.Err != nil {
			return c, errors.Wrap(greeting.Err, "agent hung up before the caller spoke")
		}
		if greeting.HeardSpeech() {
			threshold.Update(greeting.Stats)
			agent, err := e.agentTurn(ctx, spec, greeting, rel(greeting.FirstAudioAt), nil)
			if err != nil {
				return c, err
			}
			c.turns = append(c.turns, agent)
			lastAgentText = agent.Text
		}
	}

	for i := 0; i < maxTurns; i++ {
		turnLog := logger.WithField("turn", i+1)

		text, done, err := caller.NextUtterance(ctx, lastAgentText)
		if err != nil {
			return c, errors.Wrap(err, "caller simulation failed", map[string]interface{}{"turn": i + 1})
		}
		if done || strings.TrimSpace(text) == "" {
			turnLog.Debug("Simulated caller ended the conversation")
			break
		}

		ttsStart := time.Now()
		pcm, err := e.opts.Synthesizer.Synthesize(ctx, text)
		if err != nil {
			return c, errors.Wrap(err, "failed to synthesize caller utterance", map[string]interface{}{"turn": i + 1})
		}
		callerTurn := analysis.Turn{
			Role:            analysis.RoleCaller,
			Text:            text,
			TimestampMs:     rel(time.Now()),
			AudioDurationMs: analysis.Float(media.DurationMs(pcm, media.EngineSampleRate)),
			TTSMs:           analysis.Float(float64(time.Since(ttsStart).Microseconds()) / 1000),
		}
		if spec.RetainAudio {
			callerTurn.Audio = pcm
		}
		c.turns = append(c.turns, callerTurn)
		metrics.RecordTurn(string(analysis.RoleCaller), 0)

		if err := ch.SendAudio(ctx, pcm); err != nil {
			return c, errors.Wrap(err, "failed to send caller audio", map[string]interface{}{"turn": i + 1})
		}
		sentAt := time.Now()

		col, err := e.collector.CollectUntilEndOfTurn(ctx, ch, responseTimeout, threshold.Threshold())
		if err != nil {
			return c, err
		}
		threshold.Update(col.Stats)
		c.thresholdMs = threshold.ThresholdMs()
		c.toolCalls = append(c.toolCalls, col.ToolCalls...)
		if col.Err != nil {
			return c, errors.Wrap(col.Err, "agent connection failed mid-conversation", map[string]interface{}{"turn": i + 1})
		}

		ttfb := replyTTFB(col, sentAt)
		at := time.Now()
		if !col.FirstAudioAt.IsZero() {
			at = col.FirstAudioAt
		}
		agent, err := e.agentTurn(ctx, spec, col, rel(at), ttfb)
		if err != nil {
			return c, err
		}
		c.turns = append(c.turns, agent)
		lastAgentText = agent.Text

		turnLog.WithFields(logrus.Fields{
			"timed_out":    col.TimedOut,
			"segments":     col.Stats.SpeechSegments,
			"threshold_ms": c.thresholdMs,
		}).Debug("Turn completed")
	}

	if provider, ok := ch.(channel.CallDataProvider); ok {
		calls, err := provider.CallData(ctx)
		if err != nil {
			logger.WithError(err).Warn("Failed to fetch call data")
		} else {
			c.toolCalls = append(c.toolCalls, calls...)
		}
	}
	c.durationMs = rel(time.Now())
	return c, nil
}

// replyTTFB is the time from sending to the end of the reply minus the
// reply's playback duration, floored at zero. Nil when no audio arrived.
func replyTTFB(col *turn.Collection, sentAt time.Time) *float64 {
	if col.NoResponse() {
		return nil
	}
	end := col.LastAudioAt.Add(media.Duration(col.LastChunk, media.EngineSampleRate))
	elapsed := float64(end.Sub(sentAt).Microseconds()) / 1000
	v := elapsed - media.DurationMs(col.Audio, media.EngineSampleRate)
	if v < 0 {
		v = 0
	}
	return &v
}

// agentTurn transcribes a collected reply. An empty buffer yields an empty
// agent turn without calling speech-to-text.
func (e *Executor) agentTurn(ctx context.Context, spec TestSpec, col *turn.Collection, timestampMs float64, ttfb *float64) (analysis.Turn, error) {
	t := analysis.Turn{Role: analysis.RoleAgent, TimestampMs: timestampMs, TTFBMs: ttfb}
	if col.NoResponse() {
		metrics.RecordTurn(string(analysis.RoleAgent), 0)
		return t, nil
	}

	t.AudioDurationMs = analysis.Float(media.DurationMs(col.Audio, media.EngineSampleRate))
	if spec.RetainAudio {
		t.Audio = col.Audio
	}

	sttStart := time.Now()
	res, err := e.opts.Transcriber.Transcribe(ctx, col.Audio)
	if err != nil {
		return t, errors.Wrap(err, "failed to transcribe agent reply")
	}
	t.STTMs = analysis.Float(float64(time.Since(sttStart).Microseconds()) / 1000)
	t.Text = strings.TrimSpace(res.Text)
	t.STTConfidence = analysis.Float(res.Confidence)

	var ttfbDur time.Duration
	if ttfb != nil {
		ttfbDur = time.Duration(*ttfb * float64(time.Millisecond))
	}
	metrics.RecordTurn(string(analysis.RoleAgent), ttfbDur)
	return t, nil
}

// grade runs the judge tasks and the deterministic metrics concurrently and
// sets the status.
func (e *Executor) grade(ctx context.Context, spec TestSpec, c call, result *Result, logger *logrus.Entry) error {
	var (
		evals      []judge.EvalResult
		toolEvals  []judge.EvalResult
		behavioral map[string]judge.BehavioralScore
		computed   analysis.ConversationMetrics
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		evals, err = e.opts.Judge.Evaluate(gctx, c.turns, spec.EvalQuestions)
		if err != nil {
			return errors.Wrap(err, "eval question grading failed")
		}
		return nil
	})
	g.Go(func() error {
		scores, err := e.opts.Judge.BehavioralMetrics(gctx, c.turns)
		if err != nil {
			logger.WithError(err).Warn("Behavioral grading failed")
			return nil
		}
		behavioral = scores
		return nil
	})
	if len(spec.ToolCallEvalQuestions) > 0 {
		g.Go(func() error {
			var err error
			toolEvals, err = e.opts.Judge.EvaluateToolCalls(gctx, c.turns, c.toolCalls, spec.ToolCallEvalQuestions)
			if err != nil {
				return errors.Wrap(err, "tool call grading failed")
			}
			return nil
		})
	}
	g.Go(func() error {
		in := analysis.Input{Turns: c.turns, DurationMs: c.durationMs}
		if spec.RetainAudio {
			segments, err := analysis.SegmentTurns(c.turns, e.opts.BatchVAD)
			if err != nil {
				logger.WithError(err).Warn("Audio analysis failed")
			} else {
				in.Segments = segments
			}
		}
		computed = analysis.Compute(in)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	result.EvalResults = evals
	result.ToolCallEvalResults = toolEvals
	result.BehavioralMetrics = behavioral
	result.Metrics = &computed
	result.Status, result.Error = Status(evals, toolEvals)
	return nil
}

// Status applies the pass rule: at least one relevant eval question, every
// relevant one passed, and no relevant tool-call question failed.
func Status(evals, toolEvals []judge.EvalResult) (string, string) {
	var problems []string
	if !judge.AllRelevantPassed(evals) {
		failedQs := failedQuestions(evals)
		if len(failedQs) == 0 {
			problems = append(problems, "no eval question was relevant to the conversation")
		} else {
			problems = append(problems, "failed eval questions: "+strings.Join(failedQs, "; "))
		}
	}
	if !judge.NoRelevantFailed(toolEvals) {
		problems = append(problems, "failed tool call questions: "+strings.Join(failedQuestions(toolEvals), "; "))
	}
	if len(problems) > 0 {
		return StatusFail, strings.Join(problems, " | ")
	}
	return StatusPass, ""
}

func failedQuestions(results []judge.EvalResult) []string {
	var out []string
	for _, r := range results {
		if r.Relevant && !r.Passed {
			out = append(out, r.Question)
		}
	}
	return out
}
