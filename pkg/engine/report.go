package engine

import (
	"context"
	"time"

	"voiceprobe/pkg/audiotest"
	"voiceprobe/pkg/conversation"
	"voiceprobe/pkg/loadtest"
)

// Run statuses
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// Test types reported in progress updates.
const (
	TestTypeAudio        = "audio"
	TestTypeConversation = "conversation"
	TestTypeLoad         = "load"
)

// Progress is sent after every finished test.
type Progress struct {
	RunID      string  `json:"run_id"`
	Completed  int     `json:"completed"`
	Total      int     `json:"total"`
	TestType   string  `json:"test_type"`
	TestName   string  `json:"test_name"`
	Status     string  `json:"status"`
	DurationMs float64 `json:"duration_ms"`
}

// Event is a free-form run lifecycle notice.
type Event struct {
	RunID   string                 `json:"run_id"`
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	At      time.Time              `json:"at"`
}

// Event types
const (
	EventRunStarted         = "run_started"
	EventHealthCheckFailed  = "health_check_failed"
	EventAudioTestsStarted  = "audio_tests_started"
	EventConversationsStart = "conversations_started"
	EventLoadTestStarted    = "load_test_started"
	EventRunFinished        = "run_finished"
)

// Aggregate summarizes every test of a run.
type Aggregate struct {
	TotalTests int     `json:"total_tests"`
	Passed     int     `json:"passed"`
	Failed     int     `json:"failed"`
	PassRate   float64 `json:"pass_rate"`
	MeanTTFBMs float64 `json:"mean_ttfb_ms"`
	P95TTFBMs  float64 `json:"p95_ttfb_ms"`
}

// RunResult is the final payload of a run.
type RunResult struct {
	RunID               string                 `json:"run_id"`
	Status              string                 `json:"status"`
	AudioResults        []audiotest.Result     `json:"audio_results"`
	ConversationResults []*conversation.Result `json:"conversation_results"`
	LoadTest            *loadtest.Result       `json:"load_test,omitempty"`
	Aggregate           Aggregate              `json:"aggregate"`
	ErrorText           string                 `json:"error_text,omitempty"`
	StartedAt           time.Time              `json:"started_at"`
	FinishedAt          time.Time              `json:"finished_at"`
	DurationMs          float64                `json:"duration_ms"`
}

// Reporter receives run output. Progress and event delivery is best effort;
// the runner never fails a run because of them.
type Reporter interface {
	Progress(ctx context.Context, p Progress) error
	Event(ctx context.Context, e Event) error
	Result(ctx context.Context, r *RunResult) error
}

type nopReporter struct{}

func (nopReporter) Progress(context.Context, Progress) error { return nil }
func (nopReporter) Event(context.Context, Event) error       { return nil }
func (nopReporter) Result(context.Context, *RunResult) error { return nil }
