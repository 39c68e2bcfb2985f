package conversation

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceprobe/pkg/analysis"
	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/channel/channeltest"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/judge"
	"voiceprobe/pkg/media"
	"voiceprobe/pkg/stt"
	"voiceprobe/pkg/turn"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func tone(d time.Duration) []byte {
	return media.Tone(220, d, 8000, media.EngineSampleRate)
}

type toneVoice struct{}

func (toneVoice) Synthesize(context.Context, string) ([]byte, error) {
	return tone(200 * time.Millisecond), nil
}

type countingSTT struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSTT) Transcribe(context.Context, []byte) (*stt.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &stt.Result{Text: "agent reply", Confidence: 0.9}, nil
}

type scriptedCaller struct {
	lines []string
	err   error
	heard []string
}

func (c *scriptedCaller) NextUtterance(_ context.Context, last string) (string, bool, error) {
	c.heard = append(c.heard, last)
	if len(c.lines) == 0 {
		if c.err != nil {
			return "", false, c.err
		}
		return "", true, nil
	}
	line := c.lines[0]
	c.lines = c.lines[1:]
	return line, false, nil
}

type fakeJudge struct {
	evals     []judge.EvalResult
	toolEvals []judge.EvalResult
	evalErr   error
	seenTools []channel.ToolCall
	seenTurns int
	mu        sync.Mutex
}

func (j *fakeJudge) Evaluate(_ context.Context, turns []analysis.Turn, _ []string) ([]judge.EvalResult, error) {
	j.mu.Lock()
	j.seenTurns = len(turns)
	j.mu.Unlock()
	return j.evals, j.evalErr
}

func (j *fakeJudge) EvaluateToolCalls(_ context.Context, _ []analysis.Turn, calls []channel.ToolCall, _ []string) ([]judge.EvalResult, error) {
	j.mu.Lock()
	j.seenTools = calls
	j.mu.Unlock()
	return j.toolEvals, nil
}

func (j *fakeJudge) BehavioralMetrics(context.Context, []analysis.Turn) (map[string]judge.BehavioralScore, error) {
	return map[string]judge.BehavioralScore{"clarity": {Score: 0.9}}, nil
}

var passing = []judge.EvalResult{{Question: "q", Relevant: true, Passed: true}}

type fixture struct {
	stt    *countingSTT
	caller *scriptedCaller
	judge  *fakeJudge
	stubs  []*channeltest.Stub
	setup  func(*channeltest.Stub)
}

func newFixture(lines ...string) *fixture {
	return &fixture{
		stt:    &countingSTT{},
		caller: &scriptedCaller{lines: lines},
		judge:  &fakeJudge{evals: passing},
	}
}

func (f *fixture) executor(script channeltest.Script) *Executor {
	return NewExecutor(Options{
		Factory: func() (channel.AudioChannel, error) {
			s := channeltest.New(script)
			if f.setup != nil {
				f.setup(s)
			}
			f.stubs = append(f.stubs, s)
			return s, nil
		},
		Synthesizer: toneVoice{},
		Transcriber: f.stt,
		NewCaller:   func(TestSpec) Caller { return f.caller },
		Judge:       f.judge,
	}, quietLogger())
}

// realtime replies after delay with 300ms of audio paced like a live stream.
func realtime(delay time.Duration) channeltest.Script {
	return func(int, []byte) []channeltest.Reply {
		return []channeltest.Reply{{Delay: delay, Audio: tone(300 * time.Millisecond), ChunkBytes: media.BytesFor(100*time.Millisecond, media.EngineSampleRate), ChunkInterval: 100 * time.Millisecond}}
	}
}

func spec() TestSpec {
	return TestSpec{
		Name:               "booking",
		CallerPrompt:       "You want a table for two.",
		MaxTurns:           5,
		EvalQuestions:      []string{"q"},
		SilenceThresholdMs: 700,
		ResponseTimeoutMs:  3000,
	}
}

func TestConversationHappyPath(t *testing.T) {
	f := newFixture("Hi, a table please.", "For two.")
	res := f.executor(realtime(200*time.Millisecond)).Run(context.Background(), spec())

	require.Equal(t, StatusPass, res.Status, res.Error)
	require.Len(t, res.Transcript, 4)
	assert.Equal(t, analysis.RoleCaller, res.Transcript[0].Role)
	assert.Equal(t, "Hi, a table please.", res.Transcript[0].Text)
	assert.NotNil(t, res.Transcript[0].TTSMs)
	assert.InDelta(t, 200, *res.Transcript[0].AudioDurationMs, 1)

	agent := res.Transcript[1]
	assert.Equal(t, analysis.RoleAgent, agent.Role)
	assert.Equal(t, "agent reply", agent.Text)
	require.NotNil(t, agent.TTFBMs)
	assert.InDelta(t, 200, *agent.TTFBMs, 150)
	assert.NotNil(t, agent.STTMs)
	assert.Greater(t, res.Transcript[2].TimestampMs, agent.TimestampMs)

	assert.Equal(t, []string{"", "agent reply", "agent reply"}, f.caller.heard)
	assert.Equal(t, 2, f.stt.calls)
	assert.Equal(t, 4, f.judge.seenTurns)
	require.NotNil(t, res.Metrics)
	assert.Equal(t, 4, res.Metrics.TurnCount)
	assert.Nil(t, res.Metrics.Audio)
	assert.Contains(t, res.BehavioralMetrics, "clarity")
	assert.Equal(t, 1, f.stubs[0].Disconnects())
	assert.GreaterOrEqual(t, res.FinalSilenceThresholdMs, 600.0)
}

func TestEmptyReplySkipsTranscription(t *testing.T) {
	f := newFixture("Hello?")
	s := spec()
	s.ResponseTimeoutMs = 200
	res := f.executor(nil).Run(context.Background(), s)

	require.Equal(t, StatusPass, res.Status, res.Error)
	require.Len(t, res.Transcript, 2)
	assert.Empty(t, res.Transcript[1].Text)
	assert.Nil(t, res.Transcript[1].TTFBMs)
	assert.Zero(t, f.stt.calls)
}

func TestMaxTurnsBoundsTheLoop(t *testing.T) {
	f := newFixture("one", "two", "three", "four")
	s := spec()
	s.MaxTurns = 2
	res := f.executor(realtime(10*time.Millisecond)).Run(context.Background(), s)
	assert.Len(t, res.Transcript, 4)
}

func TestNoRelevantQuestionFails(t *testing.T) {
	f := newFixture("Hi.")
	f.judge.evals = []judge.EvalResult{{Question: "q", Relevant: false}}
	res := f.executor(realtime(10*time.Millisecond)).Run(context.Background(), spec())

	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Error, "no eval question was relevant")
}

func TestToolCallsAreGradedAndCollected(t *testing.T) {
	f := newFixture("Cancel order 12.")
	f.judge.toolEvals = []judge.EvalResult{{Question: "cancel_order called", Relevant: true, Passed: false}}
	f.setup = func(s *channeltest.Stub) {
		s.CallTools = []channel.ToolCall{{Name: "lookup_order"}}
	}
	script := func(int, []byte) []channeltest.Reply {
		return []channeltest.Reply{{ToolCall: &channel.ToolCall{Name: "cancel_order"}, Audio: tone(100 * time.Millisecond)}}
	}
	s := spec()
	s.ToolCallEvalQuestions = []string{"cancel_order called"}
	res := f.executor(script).Run(context.Background(), s)

	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Error, "failed tool call questions: cancel_order called")
	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "cancel_order", res.ToolCalls[0].Name)
	assert.Equal(t, "lookup_order", res.ToolCalls[1].Name)
	assert.Len(t, f.judge.seenTools, 2)
}

func TestFailuresKeepTranscript(t *testing.T) {
	t.Run("caller error", func(t *testing.T) {
		f := newFixture("Hi.")
		f.caller.err = errors.ErrTimeout
		res := f.executor(realtime(10*time.Millisecond)).Run(context.Background(), spec())
		assert.Equal(t, StatusFail, res.Status)
		assert.Contains(t, res.Error, "caller simulation failed")
		assert.Len(t, res.Transcript, 2)
	})

	t.Run("agent hangs up", func(t *testing.T) {
		f := newFixture("Hi.", "Still there?")
		script := func(n int, _ []byte) []channeltest.Reply {
			if n == 1 {
				return []channeltest.Reply{{Disconnect: true}}
			}
			return []channeltest.Reply{{Audio: tone(100 * time.Millisecond)}}
		}
		res := f.executor(script).Run(context.Background(), spec())
		assert.Equal(t, StatusFail, res.Status)
		assert.Contains(t, res.Error, "mid-conversation")
		assert.Len(t, res.Transcript, 3)
	})

	t.Run("judge error", func(t *testing.T) {
		f := newFixture("Hi.")
		f.judge.evalErr = errors.ErrTimeout
		res := f.executor(realtime(10*time.Millisecond)).Run(context.Background(), spec())
		assert.Equal(t, StatusFail, res.Status)
		assert.Contains(t, res.Error, "eval question grading failed")
	})

	t.Run("missing caller prompt", func(t *testing.T) {
		f := newFixture()
		s := spec()
		s.CallerPrompt = " "
		res := f.executor(nil).Run(context.Background(), s)
		assert.Equal(t, StatusFail, res.Status)
		assert.Empty(t, f.stubs)
	})
}

func TestGreetingIsRecorded(t *testing.T) {
	f := newFixture("Hi, I need help.")
	f.setup = func(s *channeltest.Stub) {
		s.Emit(channel.Event{Type: channel.EventAudio, Audio: tone(200 * time.Millisecond)})
	}
	s := spec()
	s.GreetingTimeoutMs = 2000
	res := f.executor(realtime(10*time.Millisecond)).Run(context.Background(), s)

	require.Equal(t, StatusPass, res.Status, res.Error)
	require.Len(t, res.Transcript, 3)
	assert.Equal(t, analysis.RoleAgent, res.Transcript[0].Role)
	assert.Nil(t, res.Transcript[0].TTFBMs)
	assert.Equal(t, "agent reply", f.caller.heard[0])
}

func TestRetainAudioRunsAudioAnalysis(t *testing.T) {
	f := newFixture("Hi.")
	s := spec()
	s.RetainAudio = true
	res := f.executor(realtime(10*time.Millisecond)).Run(context.Background(), s)

	require.Equal(t, StatusPass, res.Status, res.Error)
	require.NotNil(t, res.Metrics.Audio)
	assert.NotEmpty(t, res.Transcript[1].Audio)
}

func TestStatus(t *testing.T) {
	status, msg := Status(passing, nil)
	assert.Equal(t, StatusPass, status)
	assert.Empty(t, msg)

	status, msg = Status([]judge.EvalResult{{Question: "greeted", Relevant: true}, {Question: "x", Relevant: false}}, nil)
	assert.Equal(t, StatusFail, status)
	assert.Equal(t, "failed eval questions: greeted", msg)

	status, _ = Status(passing, []judge.EvalResult{{Relevant: false}})
	assert.Equal(t, StatusPass, status, "irrelevant tool questions do not fail")

	status, _ = Status(nil, nil)
	assert.Equal(t, StatusFail, status)
}

func TestReplyTTFB(t *testing.T) {
	sent := time.Now()
	assert.Nil(t, replyTTFB(&turn.Collection{}, sent))

	chunk := tone(100 * time.Millisecond)
	col := &turn.Collection{
		Audio:       tone(300 * time.Millisecond),
		LastChunk:   chunk,
		LastAudioAt: sent.Add(400 * time.Millisecond),
	}
	got := replyTTFB(col, sent)
	require.NotNil(t, got)
	assert.InDelta(t, 200, *got, 1)

	col.LastAudioAt = sent
	assert.Equal(t, 0.0, *replyTTFB(col, sent))
}
