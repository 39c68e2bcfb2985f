// Package conversation runs multi-turn simulated calls against a voice agent
// and grades them.
package conversation

import (
	"context"

	"voiceprobe/pkg/analysis"
	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/judge"
)

// Result statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// TestSpec describes one conversation test. It is never modified.
type TestSpec struct {
	Name                  string   `json:"name" yaml:"name"`
	CallerPrompt          string   `json:"caller_prompt" yaml:"caller_prompt"`
	MaxTurns              int      `json:"max_turns" yaml:"max_turns"`
	EvalQuestions         []string `json:"eval_questions" yaml:"eval_questions"`
	ToolCallEvalQuestions []string `json:"tool_call_eval_questions,omitempty" yaml:"tool_call_eval_questions"`
	// SilenceThresholdMs is the base end-of-turn silence; 0 uses the default.
	SilenceThresholdMs float64 `json:"silence_threshold_ms,omitempty" yaml:"silence_threshold_ms"`
	ResponseTimeoutMs  int     `json:"response_timeout_ms,omitempty" yaml:"response_timeout_ms"`
	// GreetingTimeoutMs, when positive, waits for the agent to speak first.
	GreetingTimeoutMs int  `json:"greeting_timeout_ms,omitempty" yaml:"greeting_timeout_ms"`
	RetainAudio       bool `json:"retain_audio,omitempty" yaml:"retain_audio"`
}

// Result is the outcome of one conversation.
type Result struct {
	Name                    string                           `json:"name"`
	Status                  string                           `json:"status"`
	Transcript              []analysis.Turn                  `json:"transcript"`
	EvalResults             []judge.EvalResult               `json:"eval_results"`
	ToolCallEvalResults     []judge.EvalResult               `json:"tool_call_eval_results,omitempty"`
	ToolCalls               []channel.ToolCall               `json:"tool_calls,omitempty"`
	BehavioralMetrics       map[string]judge.BehavioralScore `json:"behavioral_metrics,omitempty"`
	Metrics                 *analysis.ConversationMetrics    `json:"metrics,omitempty"`
	FinalSilenceThresholdMs float64                          `json:"final_silence_threshold_ms"`
	DurationMs              float64                          `json:"duration_ms"`
	Error                   string                           `json:"error,omitempty"`
}

// Passed reports whether the conversation passed.
func (r *Result) Passed() bool {
	return r.Status == StatusPass
}

// Caller produces the simulated caller's side of the call.
type Caller interface {
	NextUtterance(ctx context.Context, lastAgentText string) (text string, done bool, err error)
}

// CallerFactory builds a fresh caller for one conversation.
type CallerFactory func(spec TestSpec) Caller

// Judge grades a finished conversation.
type Judge interface {
	Evaluate(ctx context.Context, turns []analysis.Turn, questions []string) ([]judge.EvalResult, error)
	EvaluateToolCalls(ctx context.Context, turns []analysis.Turn, calls []channel.ToolCall, questions []string) ([]judge.EvalResult, error)
	BehavioralMetrics(ctx context.Context, turns []analysis.Turn) (map[string]judge.BehavioralScore, error)
}
