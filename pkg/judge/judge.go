// Package judge grades conversation transcripts with an LLM.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/analysis"
	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/llm"
)

// EvalResult is the verdict for one question. Irrelevant questions do not
// count toward pass or fail.
type EvalResult struct {
	Question  string `json:"question"`
	Relevant  bool   `json:"relevant"`
	Passed    bool   `json:"passed"`
	Reasoning string `json:"reasoning"`
}

// BehavioralScore is a 0..1 grade for one standard behavior.
type BehavioralScore struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// BehavioralMetricNames are graded for every conversation.
var BehavioralMetricNames = []string{
	"goal_completion",
	"instruction_following",
	"empathy",
	"clarity",
	"no_hallucination",
	"conversation_flow",
}

// Judge grades transcripts. It is safe for concurrent use when the
// underlying Chatter is.
type Judge struct {
	chat   llm.Chatter
	model  string
	logger *logrus.Logger
}

// New builds a judge using model (empty for the client default).
func New(chat llm.Chatter, model string, logger *logrus.Logger) *Judge {
	return &Judge{chat: chat, model: model, logger: logger}
}

const evalSystemPrompt = `You evaluate transcripts of phone calls between a caller and a voice agent.
For each numbered question decide:
- "relevant": whether the question applies to what happened in this call at all.
- "passed": whether the agent's behaviour satisfies the question (false when not relevant).
- "reasoning": one sentence citing the transcript.
Respond with JSON only: {"results":[{"index":1,"relevant":true,"passed":true,"reasoning":"..."}]}`

const toolSystemPrompt = `You evaluate the tool calls a voice agent made during a phone call.
You are given the transcript and the tool calls observed on the agent platform, with arguments and results.
For each numbered criterion decide "relevant", "passed" and "reasoning" as for any evaluation question.
Respond with JSON only: {"results":[{"index":1,"relevant":true,"passed":true,"reasoning":"..."}]}`

const behaviorSystemPrompt = `You grade a voice agent's behaviour in a phone call transcript.
Score each listed metric from 0 (very poor) to 1 (excellent) with a short reasoning.
Respond with JSON only: {"metrics":{"<name>":{"score":0.0,"reasoning":"..."}}}`

type verdict struct {
	Index     int    `json:"index"`
	Question  string `json:"question"`
	Relevant  *bool  `json:"relevant"`
	Passed    *bool  `json:"passed"`
	Reasoning string `json:"reasoning"`
}

type verdicts struct {
	Results []verdict `json:"results"`
}

// Evaluate grades every question against the transcript. The result has one
// entry per question, in order.
func (j *Judge) Evaluate(ctx context.Context, turns []analysis.Turn, questions []string) ([]EvalResult, error) {
	if len(questions) == 0 {
		return []EvalResult{}, nil
	}
	user := fmt.Sprintf("Transcript:\n%s\n\nQuestions:\n%s", FormatTranscript(turns), numbered(questions))
	return j.grade(ctx, evalSystemPrompt, user, questions)
}

// EvaluateToolCalls grades tool-call criteria against the observed calls.
func (j *Judge) EvaluateToolCalls(ctx context.Context, turns []analysis.Turn, calls []channel.ToolCall, questions []string) ([]EvalResult, error) {
	if len(questions) == 0 {
		return []EvalResult{}, nil
	}
	callsJSON, err := json.MarshalIndent(calls, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode tool calls")
	}
	if len(calls) == 0 {
		callsJSON = []byte("(no tool calls were observed)")
	}
	user := fmt.Sprintf("Transcript:\n%s\n\nTool calls:\n%s\n\nCriteria:\n%s", FormatTranscript(turns), callsJSON, numbered(questions))
	return j.grade(ctx, toolSystemPrompt, user, questions)
}

// BehavioralMetrics scores the standard behaviors. Metrics the model leaves
// out are absent from the map.
func (j *Judge) BehavioralMetrics(ctx context.Context, turns []analysis.Turn) (map[string]BehavioralScore, error) {
	user := fmt.Sprintf("Metrics: %s\n\nTranscript:\n%s", strings.Join(BehavioralMetricNames, ", "), FormatTranscript(turns))

	var out struct {
		Metrics map[string]BehavioralScore `json:"metrics"`
	}
	err := llm.CompleteJSON(ctx, j.chat, llm.Request{
		Model:       j.model,
		Temperature: llm.Float(0),
		Messages: []llm.Message{
			{Role: "system", Content: behaviorSystemPrompt},
			{Role: "user", Content: user},
		},
	}, &out)
	if err != nil {
		return nil, errors.Wrap(err, "behavioral grading failed")
	}

	scores := make(map[string]BehavioralScore, len(BehavioralMetricNames))
	for _, name := range BehavioralMetricNames {
		s, ok := out.Metrics[name]
		if !ok {
			continue
		}
		s.Score = clamp01(s.Score)
		scores[name] = s
	}
	return scores, nil
}

func (j *Judge) grade(ctx context.Context, system, user string, questions []string) ([]EvalResult, error) {
	var out verdicts
	err := llm.CompleteJSON(ctx, j.chat, llm.Request{
		Model:       j.model,
		Temperature: llm.Float(0),
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}, &out)
	if err != nil {
		return nil, errors.Wrap(err, "judge evaluation failed", map[string]interface{}{"questions": len(questions)})
	}
	return j.match(questions, out.Results), nil
}

// match aligns verdicts with questions by index, falling back to position.
// A question without a verdict counts as relevant and failed.
func (j *Judge) match(questions []string, got []verdict) []EvalResult {
	byIndex := make(map[int]verdict, len(got))
	for i, v := range got {
		idx := v.Index
		if idx < 1 || idx > len(questions) {
			idx = i + 1
		}
		if _, dup := byIndex[idx]; !dup {
			byIndex[idx] = v
		}
	}

	results := make([]EvalResult, len(questions))
	for i, q := range questions {
		v, ok := byIndex[i+1]
		if !ok || v.Relevant == nil {
			j.logger.WithField("question", q).Warn("Judge returned no verdict for question")
			results[i] = EvalResult{Question: q, Relevant: true, Passed: false, Reasoning: "judge returned no verdict"}
			continue
		}
		r := EvalResult{Question: q, Relevant: *v.Relevant, Reasoning: strings.TrimSpace(v.Reasoning)}
		r.Passed = r.Relevant && v.Passed != nil && *v.Passed
		results[i] = r
	}
	return results
}

// AllRelevantPassed reports whether at least one result is relevant and every
// relevant result passed.
func AllRelevantPassed(results []EvalResult) bool {
	relevant := 0
	for _, r := range results {
		if !r.Relevant {
			continue
		}
		relevant++
		if !r.Passed {
			return false
		}
	}
	return relevant > 0
}

// NoRelevantFailed reports whether every relevant result passed, including
// when none is relevant.
func NoRelevantFailed(results []EvalResult) bool {
	for _, r := range results {
		if r.Relevant && !r.Passed {
			return false
		}
	}
	return true
}

// FormatTranscript renders turns as "Caller: ..." / "Agent: ..." lines.
func FormatTranscript(turns []analysis.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		speaker := "Agent"
		if t.Role == analysis.RoleCaller {
			speaker = "Caller"
		}
		text := strings.TrimSpace(t.Text)
		if text == "" {
			text = "(no response)"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func numbered(items []string) string {
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(item))
	}
	return strings.TrimRight(b.String(), "\n")
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
