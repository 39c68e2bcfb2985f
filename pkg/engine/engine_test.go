package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceprobe/pkg/analysis"
	"voiceprobe/pkg/audiotest"
	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/channel/channeltest"
	"voiceprobe/pkg/conversation"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/llm"
	"voiceprobe/pkg/loadtest"
	"voiceprobe/pkg/media"
	"voiceprobe/pkg/retry"
	"voiceprobe/pkg/stt"
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
	return tone(100 * time.Millisecond), nil
}

type fixedSTT struct{ text string }

func (f fixedSTT) Transcribe(context.Context, []byte) (*stt.Result, error) {
	return &stt.Result{Text: f.text, Confidence: 0.9}, nil
}

// callerChat says one line and then ends the call.
type callerChat struct{ calls atomic.Int32 }

func (c *callerChat) Complete(context.Context, llm.Request) (string, error) {
	if c.calls.Add(1) == 1 {
		return "Hi, I'd like to book a table for two.", nil
	}
	return "Thanks, bye! [END_CALL]", nil
}

type judgeChat struct{ passed bool }

func (j judgeChat) Complete(context.Context, llm.Request) (string, error) {
	verdict := "false"
	if j.passed {
		verdict = "true"
	}
	return `{"results":[{"index":0,"relevant":true,"passed":` + verdict + `,"reasoning":"checked"}],` +
		`"metrics":{"clarity":{"score":0.8,"reasoning":"clear"}}}`, nil
}

type recorder struct {
	mu       sync.Mutex
	progress []Progress
	events   []Event
	results  []*RunResult
	failing  bool
}

func (r *recorder) Progress(_ context.Context, p Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
	if r.failing {
		return errors.ErrTimeout
	}
	return nil
}

func (r *recorder) Event(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.failing {
		return errors.ErrTimeout
	}
	return nil
}

func (r *recorder) Result(_ context.Context, res *RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *recorder) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

const longAnswer = "Sure. First you create an account, then you pick a plan, and finally you confirm your details and you're all set!"

func newRunner(rec *recorder, judgePasses bool, channels *atomic.Int32) *Runner {
	return NewRunner(Deps{
		Channels: func(channel.Config, *logrus.Logger) channel.Factory {
			return channeltest.Factory(func() *channeltest.Stub {
				channels.Add(1)
				return channeltest.New(func(int, []byte) []channeltest.Reply {
					return []channeltest.Reply{{Delay: 20 * time.Millisecond, Audio: tone(200 * time.Millisecond), ChunkInterval: 100 * time.Millisecond}}
				})
			})
		},
		Synthesizer:   toneVoice{},
		Transcriber:   fixedSTT{text: longAnswer},
		CallerChat:    &callerChat{},
		JudgeChat:     judgeChat{passed: judgePasses},
		Reporter:      rec,
		HealthRetryer: retry.New(retry.Policy{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond}, quietLogger()),
	}, quietLogger())
}

func testJob() *Job {
	th := audiotest.DefaultThresholds()
	th.SilenceThresholdMs = 200
	th.ResponseTimeoutMs = 2000
	return &Job{
		RunID:      "run-42",
		Connection: channel.Config{Adapter: channel.AdapterWebSocket, URL: "ws://agent.invalid/ws"},
		Tests: Tests{
			AudioTests: []string{audiotest.TestResponseCompleteness, "warp_drive"},
			ConversationTests: []conversation.TestSpec{{
				Name:               "booking",
				CallerPrompt:       "You want a table for two tonight.",
				MaxTurns:           4,
				EvalQuestions:      []string{"Did the agent confirm the booking?"},
				SilenceThresholdMs: 600,
				ResponseTimeoutMs:  2000,
			}},
		},
		Thresholds: th,
	}
}

func TestRunExecutesEveryTest(t *testing.T) {
	rec := &recorder{}
	var channels atomic.Int32
	res := newRunner(rec, true, &channels).Run(context.Background(), testJob())

	require.Len(t, res.AudioResults, 2)
	assert.Equal(t, audiotest.StatusPass, res.AudioResults[0].Status, res.AudioResults[0].Error)
	assert.Equal(t, audiotest.StatusFail, res.AudioResults[1].Status)
	assert.Contains(t, res.AudioResults[1].Error, "warp_drive")

	require.Len(t, res.ConversationResults, 1)
	conv := res.ConversationResults[0]
	assert.Equal(t, conversation.StatusPass, conv.Status, conv.Error)
	require.Len(t, conv.Transcript, 2)
	assert.Equal(t, analysis.RoleAgent, conv.Transcript[1].Role)
	assert.Contains(t, conv.BehavioralMetrics, "clarity")

	assert.Equal(t, StatusFail, res.Status, "one failed audio test fails the run")
	assert.Empty(t, res.ErrorText)
	assert.Equal(t, Aggregate{TotalTests: 3, Passed: 2, Failed: 1, PassRate: 2.0 / 3, MeanTTFBMs: res.Aggregate.MeanTTFBMs, P95TTFBMs: res.Aggregate.P95TTFBMs}, res.Aggregate)
	assert.Greater(t, res.Aggregate.MeanTTFBMs, 0.0)

	require.Len(t, rec.progress, 3)
	for i, p := range rec.progress {
		assert.Equal(t, i+1, p.Completed)
		assert.Equal(t, 3, p.Total)
		assert.Equal(t, "run-42", p.RunID)
	}
	assert.Equal(t, TestTypeConversation, rec.progress[2].TestType)
	require.Len(t, rec.results, 1)
	assert.Same(t, res, rec.results[0])
	assert.Equal(t, EventRunStarted, rec.eventTypes()[0])
	assert.Equal(t, EventRunFinished, rec.eventTypes()[len(rec.events)-1])

	// the unknown test never opens a channel
	assert.Equal(t, int32(2), channels.Load())
}

func TestRunPassesWhenEveryTestPasses(t *testing.T) {
	job := testJob()
	job.Tests.AudioTests = nil
	var channels atomic.Int32
	res := newRunner(&recorder{failing: true}, true, &channels).Run(context.Background(), job)

	assert.Equal(t, StatusPass, res.Status, res.ErrorText)
	assert.Equal(t, 1.0, res.Aggregate.PassRate)
}

func TestRunFailsOnJudgeVerdict(t *testing.T) {
	job := testJob()
	job.Tests.AudioTests = nil
	var channels atomic.Int32
	res := newRunner(&recorder{}, false, &channels).Run(context.Background(), job)

	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.ConversationResults[0].Error, "failed eval questions")
}

func TestHealthCheckGate(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	job := testJob()
	job.Connection.HealthCheckURL = srv.URL
	rec := &recorder{}
	var channels atomic.Int32
	res := newRunner(rec, true, &channels).Run(context.Background(), job)

	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.ErrorText, "health check")
	assert.Empty(t, res.AudioResults)
	assert.Empty(t, res.ConversationResults)
	assert.Zero(t, channels.Load())
	assert.Equal(t, int32(2), hits.Load(), "503 is retried")
	assert.Contains(t, rec.eventTypes(), EventHealthCheckFailed)
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	retryer := retry.New(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, quietLogger())

	require.NoError(t, CheckHealth(context.Background(), srv.Client(), retryer, srv.URL+"/ok", time.Second))

	err := CheckHealth(context.Background(), srv.Client(), retryer, srv.URL+"/missing", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrHealthCheck))
	assert.Contains(t, err.Error(), "404")
}

func TestInvalidJobFailsRun(t *testing.T) {
	job := testJob()
	job.Tests = Tests{}
	var channels atomic.Int32
	res := newRunner(&recorder{}, true, &channels).Run(context.Background(), job)
	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.ErrorText, "no tests")
}

func TestRunWithLoadTest(t *testing.T) {
	job := testJob()
	job.Tests = Tests{}
	job.LoadTest = &loadtest.Config{
		Pattern:            loadtest.PatternSustained,
		TargetConcurrency:  2,
		DurationS:          0.5,
		CallerPrompt:       "What time do you open?",
		SilenceThresholdMs: 100,
		SnapshotIntervalMs: 100,
	}
	rec := &recorder{}
	var channels atomic.Int32
	res := newRunner(rec, true, &channels).Run(context.Background(), job)

	require.NotNil(t, res.LoadTest)
	assert.Equal(t, loadtest.StatusPass, res.LoadTest.Status, res.LoadTest.Error)
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, 1, res.Aggregate.TotalTests)
	require.Len(t, rec.progress, 1)
	assert.Equal(t, TestTypeLoad, rec.progress[0].TestType)
}

func TestDecodeJob(t *testing.T) {
	yamlJob := `
run_id: nightly
connection:
  adapter: websocket
  url: ws://localhost:9000/agent
  health_check_url: http://localhost:9000/health
tests:
  audio_tests: [echo, ttfb]
  conversation_tests:
    - name: refund
      caller_prompt: You want a refund for order 12.
      max_turns: 6
      eval_questions: ["Did the agent ask for the order number?"]
thresholds:
  ttfb_p95_ms: 2500
voice:
  stt_provider: deepgram
`
	job, err := DecodeJob([]byte(yamlJob), "")
	require.NoError(t, err)
	assert.Equal(t, "nightly", job.RunID)
	assert.Equal(t, []string{"echo", "ttfb"}, job.Tests.AudioTests)
	require.Len(t, job.Tests.ConversationTests, 1)
	assert.Equal(t, 6, job.Tests.ConversationTests[0].MaxTurns)
	assert.Equal(t, 2500.0, job.Thresholds.TTFBP95Ms)
	assert.Equal(t, audiotest.DefaultThresholds().ComplexTTFBP95Ms, job.Thresholds.ComplexTTFBP95Ms, "unset thresholds keep defaults")
	assert.Equal(t, "deepgram", job.Voice.STTProvider)
	require.NoError(t, job.Validate())
	assert.Equal(t, 3, job.Total())

	jsonJob := `{"connection":{"adapter":"websocket","url":"ws://x"},"tests":{"audio_tests":["echo"]},"load_test":{"pattern":"spike","target_concurrency":5,"duration_s":30,"caller_prompt":"hi"}}`
	job, err = DecodeJob([]byte(jsonJob), "")
	require.NoError(t, err)
	job.Normalize()
	assert.NotEmpty(t, job.RunID)
	require.NotNil(t, job.LoadTest)
	assert.Equal(t, 15000, job.LoadTest.CallTimeoutMs)
	assert.Equal(t, 2, job.Total())

	_, err = DecodeJob([]byte("{not json"), FormatJSON)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	_, err = DecodeJob([]byte("a: b"), "toml")
	assert.Error(t, err)
}

func TestLoadJob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run_id":"from-file","connection":{"adapter":"websocket","url":"ws://x"},"tests":{"audio_tests":["echo"]}}`), 0o600))

	job, err := LoadJob(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", job.RunID)

	_, err = LoadJob(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConversationSpecs(t *testing.T) {
	job := testJob()
	job.Tests.ConversationTests = append(job.Tests.ConversationTests, job.Tests.ConversationTests[0])
	err := job.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	job = testJob()
	job.Tests.ConversationTests[0].EvalQuestions = nil
	assert.Error(t, job.Validate())

	job = testJob()
	job.Connection.URL = ""
	assert.Error(t, job.Validate())
}

func TestAggregated(t *testing.T) {
	res := &RunResult{
		AudioResults: []audiotest.Result{
			{Status: audiotest.StatusPass, Metrics: map[string]interface{}{"ttfb_ms": []float64{100, 300}}},
			{Status: audiotest.StatusFail},
		},
		ConversationResults: []*conversation.Result{{
			Status: conversation.StatusPass,
			Transcript: []analysis.Turn{
				{Role: analysis.RoleCaller},
				{Role: analysis.RoleAgent, TTFBMs: analysis.Float(200)},
				{Role: analysis.RoleAgent},
			},
		}},
		LoadTest: &loadtest.Result{Status: loadtest.StatusFail},
	}
	agg := Aggregated(res)
	assert.Equal(t, 4, agg.TotalTests)
	assert.Equal(t, 2, agg.Passed)
	assert.Equal(t, 2, agg.Failed)
	assert.Equal(t, 0.5, agg.PassRate)
	assert.Equal(t, 200.0, agg.MeanTTFBMs)
	assert.InDelta(t, 290, agg.P95TTFBMs, 1e-9)
}
