package loadtest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/channel/channeltest"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type countingVoice struct{ calls atomic.Int32 }

func (v *countingVoice) Synthesize(context.Context, string) ([]byte, error) {
	v.calls.Add(1)
	return media.Tone(220, 100*time.Millisecond, 8000, media.EngineSampleRate), nil
}

type failingVoice struct{}

func (failingVoice) Synthesize(context.Context, string) ([]byte, error) {
	return nil, errors.ErrTimeout
}

// concurrencyGauge counts channels that are connected at the same time.
type concurrencyGauge struct {
	mu      sync.Mutex
	current int
	max     int
}

type gaugedStub struct {
	*channeltest.Stub
	gauge *concurrencyGauge
}

func (p *gaugedStub) Connect(ctx context.Context) error {
	if err := p.Stub.Connect(ctx); err != nil {
		return err
	}
	p.gauge.mu.Lock()
	p.gauge.current++
	if p.gauge.current > p.gauge.max {
		p.gauge.max = p.gauge.current
	}
	p.gauge.mu.Unlock()
	return nil
}

func (p *gaugedStub) Disconnect(ctx context.Context) error {
	p.gauge.mu.Lock()
	p.gauge.current--
	p.gauge.mu.Unlock()
	return p.Stub.Disconnect(ctx)
}

func answering(delay time.Duration) channeltest.Script {
	return func(int, []byte) []channeltest.Reply {
		return []channeltest.Reply{{Delay: delay, Audio: media.Tone(220, 100*time.Millisecond, 8000, media.EngineSampleRate)}}
	}
}

func fastConfig(p Pattern, target int, durationS float64) Config {
	return Config{
		Pattern:            p,
		TargetConcurrency:  target,
		DurationS:          durationS,
		CallerPrompt:       "What are your opening hours?",
		CallTimeoutMs:      500,
		SilenceThresholdMs: 100,
		SpawnIntervalMs:    10,
		SnapshotIntervalMs: 200,
		DrainTimeoutS:      5,
	}
}

func TestAllCallersFailing(t *testing.T) {
	voice := &countingVoice{}
	co := NewCoordinator(Options{
		Factory: func() (channel.AudioChannel, error) {
			s := channeltest.New(nil)
			s.ConnectErr = errors.ErrTransport
			return s, nil
		},
		Synthesizer: voice,
	}, quietLogger())

	res := co.Run(context.Background(), fastConfig(PatternSustained, 3, 0.5))

	assert.Equal(t, StatusFail, res.Status)
	assert.Greater(t, res.Summary.TotalCalls, 0)
	assert.Equal(t, 1.0, res.Summary.ErrorRate)
	assert.Equal(t, res.Summary.TotalCalls, res.Summary.Errors["connect failed"])
	assert.Contains(t, res.Error, "error rate")
	assert.LessOrEqual(t, res.Summary.ActualPeakConcurrency, 3)
	assert.Equal(t, int32(1), voice.calls.Load(), "prompt is synthesized once")
}

func TestPeakNeverExceedsTarget(t *testing.T) {
	gauge := &concurrencyGauge{}
	co := NewCoordinator(Options{
		Factory: func() (channel.AudioChannel, error) {
			return &gaugedStub{Stub: channeltest.New(answering(50 * time.Millisecond)), gauge: gauge}, nil
		},
		Synthesizer: &countingVoice{},
	}, quietLogger())

	res := co.Run(context.Background(), fastConfig(PatternSustained, 4, 1))

	require.Equal(t, StatusPass, res.Status, res.Error)
	assert.LessOrEqual(t, res.Summary.ActualPeakConcurrency, 4)
	assert.Equal(t, 4, res.Summary.ActualPeakConcurrency)
	assert.LessOrEqual(t, gauge.max, 4)
	assert.Zero(t, res.Summary.FailedCalls)
	assert.Greater(t, res.Summary.SuccessfulCalls, 4)
	assert.InDelta(t, 50, res.Summary.TTFBP50Ms, 40)
	require.NotEmpty(t, res.Timeline)
	last := res.Timeline[len(res.Timeline)-1]
	assert.Zero(t, last.ActiveConnections)
}

func TestSynthesisFailureFailsRun(t *testing.T) {
	co := NewCoordinator(Options{
		Factory:     channeltest.Factory(func() *channeltest.Stub { return channeltest.New(nil) }),
		Synthesizer: failingVoice{},
	}, quietLogger())

	res := co.Run(context.Background(), fastConfig(PatternRamp, 2, 0.2))
	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Error, "synthesize")
	assert.Zero(t, res.Summary.TotalCalls)
}

func TestInvalidConfig(t *testing.T) {
	co := NewCoordinator(Options{}, quietLogger())
	cfg := fastConfig("zigzag", 2, 1)
	res := co.Run(context.Background(), cfg)
	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Error, "unknown load test pattern")

	cfg = fastConfig(PatternRamp, 0, 1)
	cfg.Normalize()
	assert.Error(t, cfg.Validate())
}

func TestTargetAt(t *testing.T) {
	total := 100 * time.Second
	tests := []struct {
		name    string
		pattern Pattern
		elapsed time.Duration
		ramp    time.Duration
		want    int
	}{
		{"ramp start", PatternRamp, 0, 0, 0},
		{"ramp half", PatternRamp, 50 * time.Second, 0, 5},
		{"ramp custom window done", PatternRamp, 30 * time.Second, 20 * time.Second, 10},
		{"ramp custom window partial", PatternRamp, 10 * time.Second, 20 * time.Second, 5},
		{"spike warmup", PatternSpike, 4 * time.Second, 0, 1},
		{"spike jump", PatternSpike, 5 * time.Second, 0, 10},
		{"sustained", PatternSustained, 0, 0, 10},
		{"soak ramping", PatternSoak, 5 * time.Second, 0, 5},
		{"soak holding", PatternSoak, 60 * time.Second, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TargetAt(tt.pattern, 10, tt.elapsed, total, tt.ramp))
		})
	}
}

func TestTargetAtBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := rapid.SampledFrom([]Pattern{PatternRamp, PatternSpike, PatternSustained, PatternSoak}).Draw(t, "pattern")
		target := rapid.IntRange(1, 500).Draw(t, "target")
		total := time.Duration(rapid.Int64Range(1, 3600).Draw(t, "total_s")) * time.Second
		elapsed := time.Duration(rapid.Int64Range(0, int64(2*total)).Draw(t, "elapsed"))
		ramp := time.Duration(rapid.Int64Range(0, int64(total)).Draw(t, "ramp"))

		got := TargetAt(p, target, elapsed, total, ramp)
		if got < 0 || got > target {
			t.Fatalf("target %d outside [0, %d]", got, target)
		}
		if later := TargetAt(p, target, elapsed+time.Second, total, ramp); p != PatternSpike && later < got {
			t.Fatalf("target decreased from %d to %d", got, later)
		}
	})
}

func TestBreakingPoint(t *testing.T) {
	timeline := []Timepoint{
		{ActiveConnections: 1, Calls: 1, TTFBP95Ms: 50},
		{ActiveConnections: 2, Calls: 2, TTFBP95Ms: 100},
		{ActiveConnections: 1, Calls: 1, TTFBP95Ms: 500},
		{ElapsedS: 3, ActiveConnections: 4, Calls: 4, TTFBP95Ms: 250},
	}

	bp := BreakingPointOf(timeline, 0)
	require.NotNil(t, bp)
	assert.Equal(t, 3.0, bp.ElapsedS)
	assert.Equal(t, 100.0, bp.BaselineP95Ms)

	bp = BreakingPointOf(timeline, 2)
	require.NotNil(t, bp)
	assert.Equal(t, 75.0, bp.BaselineP95Ms)
	assert.Equal(t, 250.0, bp.TTFBP95Ms)

	assert.Nil(t, BreakingPointOf(timeline[:1], 0), "no second timepoint")
	assert.Nil(t, BreakingPointOf([]Timepoint{{}, {}, {TTFBP95Ms: 900, ActiveConnections: 5}}, 0), "zero baseline")
}

func TestAggregatorSnapshots(t *testing.T) {
	var active atomic.Int64
	active.Store(3)
	a := newAggregator(time.Now(), &active)
	a.add(callResult{success: true, ttfbMs: 100})
	a.add(callResult{success: true, ttfbMs: 300})
	a.add(callResult{err: "no response"})
	a.snapshot()
	a.add(callResult{err: "no response"})
	a.snapshot()
	a.snapshot()

	require.Len(t, a.timeline, 3)
	first := a.timeline[0]
	assert.Equal(t, 3, first.ActiveConnections)
	assert.Equal(t, 3, first.Calls)
	assert.InDelta(t, 1.0/3, first.ErrorRate, 1e-9)
	assert.Equal(t, 200.0, first.TTFBP50Ms)
	assert.Equal(t, 1, first.ErrorsCumulative)

	assert.Equal(t, 1.0, a.timeline[1].ErrorRate)
	assert.Equal(t, 2, a.timeline[1].ErrorsCumulative)
	assert.Zero(t, a.timeline[2].Calls)
	assert.Zero(t, a.timeline[2].ErrorRate)

	s := a.summary(5, 3)
	assert.Equal(t, 4, s.TotalCalls)
	assert.Equal(t, 0.5, s.ErrorRate)
	assert.Equal(t, 2, s.Errors["no response"])

	status, msg := verdict(s, 0.1)
	assert.Equal(t, StatusFail, status)
	assert.Contains(t, msg, "50.0%")
}
