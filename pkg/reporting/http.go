package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/circuitbreaker"
	"voiceprobe/pkg/config"
	"voiceprobe/pkg/engine"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/metrics"
	"voiceprobe/pkg/retry"
)

// HTTPReporter POSTs envelopes to a callback URL. Final results are retried;
// progress and events get a single attempt.
type HTTPReporter struct {
	url      string
	token    string
	client   *http.Client
	retryer  *retry.Retryer
	breakers *circuitbreaker.Manager
	logger   *logrus.Logger
}

// NewHTTPReporter builds a callback reporter from the reporting config.
func NewHTTPReporter(cfg config.ReportingConfig, logger *logrus.Logger, retryer *retry.Retryer, breakers *circuitbreaker.Manager) *HTTPReporter {
	if retryer == nil {
		retryer = retry.New(retry.DefaultPolicy(), logger)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReporter{
		url:      strings.TrimSpace(cfg.CallbackURL),
		token:    cfg.CallbackToken,
		client:   &http.Client{Timeout: timeout},
		retryer:  retryer,
		breakers: breakers,
		logger:   logger,
	}
}

// Progress implements engine.Reporter.
func (h *HTTPReporter) Progress(ctx context.Context, p engine.Progress) error {
	err := h.post(ctx, Envelope{Kind: KindProgress, RunID: p.RunID, SentAt: time.Now(), Payload: p})
	metrics.RecordReport("http", KindProgress, err)
	return err
}

// Event implements engine.Reporter.
func (h *HTTPReporter) Event(ctx context.Context, e engine.Event) error {
	err := h.post(ctx, Envelope{Kind: KindEvent, RunID: e.RunID, SentAt: time.Now(), Payload: e})
	metrics.RecordReport("http", KindEvent, err)
	return err
}

// Result implements engine.Reporter.
func (h *HTTPReporter) Result(ctx context.Context, res *engine.RunResult) error {
	env := Envelope{Kind: KindResult, RunID: res.RunID, SentAt: time.Now(), Payload: res}
	err := h.retryer.Do(ctx, "report.result", func(ctx context.Context) error {
		return h.breakers.Execute(ctx, "result_callback", func(ctx context.Context) error {
			return h.post(ctx, env)
		})
	})
	metrics.RecordReport("http", KindResult, err)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", res.RunID).Error("Failed to deliver run result")
	}
	return err
}

func (h *HTTPReporter) post(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return errors.NewInvalidInput("invalid callback url", map[string]interface{}{"url": h.url})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Voiceprobe-Kind", env.Kind)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &errors.ServiceError{Service: "result_callback", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.NewServiceError("result_callback", resp.StatusCode, string(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
