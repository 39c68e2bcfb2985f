// Package reporting delivers run progress, events and final results to
// outside systems.
package reporting

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/engine"
	"voiceprobe/pkg/metrics"
)

// Payload kinds
const (
	KindProgress = "progress"
	KindEvent    = "event"
	KindResult   = "result"
)

// Envelope wraps every delivered payload.
type Envelope struct {
	Kind    string      `json:"kind"`
	RunID   string      `json:"run_id"`
	SentAt  time.Time   `json:"sent_at"`
	Payload interface{} `json:"payload"`
}

// Multi fans every call out to all reporters. A failing reporter does not
// stop the others; the errors are joined.
type Multi []engine.Reporter

// Progress implements engine.Reporter.
func (m Multi) Progress(ctx context.Context, p engine.Progress) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Progress(ctx, p))
	}
	return stderrors.Join(errs...)
}

// Event implements engine.Reporter.
func (m Multi) Event(ctx context.Context, e engine.Event) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Event(ctx, e))
	}
	return stderrors.Join(errs...)
}

// Result implements engine.Reporter.
func (m Multi) Result(ctx context.Context, res *engine.RunResult) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Result(ctx, res))
	}
	return stderrors.Join(errs...)
}

// LogReporter writes everything to a logger.
type LogReporter struct {
	logger *logrus.Logger
}

// NewLogReporter builds a LogReporter.
func NewLogReporter(logger *logrus.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Progress implements engine.Reporter.
func (l *LogReporter) Progress(_ context.Context, p engine.Progress) error {
	l.logger.WithFields(logrus.Fields{
		"run_id":      p.RunID,
		"completed":   p.Completed,
		"total":       p.Total,
		"test_type":   p.TestType,
		"test_name":   p.TestName,
		"status":      p.Status,
		"duration_ms": p.DurationMs,
	}).Info("Test completed")
	metrics.RecordReport("log", KindProgress, nil)
	return nil
}

// Event implements engine.Reporter.
func (l *LogReporter) Event(_ context.Context, e engine.Event) error {
	entry := l.logger.WithFields(logrus.Fields{"run_id": e.RunID, "event": e.Type})
	if len(e.Fields) > 0 {
		entry = entry.WithFields(logrus.Fields(e.Fields))
	}
	entry.Info(e.Message)
	metrics.RecordReport("log", KindEvent, nil)
	return nil
}

// Result implements engine.Reporter.
func (l *LogReporter) Result(_ context.Context, res *engine.RunResult) error {
	l.logger.WithFields(logrus.Fields{
		"run_id":      res.RunID,
		"status":      res.Status,
		"total_tests": res.Aggregate.TotalTests,
		"passed":      res.Aggregate.Passed,
		"failed":      res.Aggregate.Failed,
		"pass_rate":   res.Aggregate.PassRate,
		"p95_ttfb_ms": res.Aggregate.P95TTFBMs,
		"error_text":  res.ErrorText,
		"duration_ms": res.DurationMs,
	}).Info("Run result")
	metrics.RecordReport("log", KindResult, nil)
	return nil
}
