package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/retry"
)

// CheckHealth GETs url until it answers 2xx. Timeouts, 429, 5xx and network
// errors are retried by retryer; the final failure wraps ErrHealthCheck.
func CheckHealth(ctx context.Context, client *http.Client, retryer *retry.Retryer, url string, timeout time.Duration) error {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	err := retryer.Do(ctx, "health_check", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return errors.NewInvalidInput("invalid health check url", map[string]interface{}{"url": url})
		}
		resp, err := client.Do(req)
		if err != nil {
			return &errors.ServiceError{Service: "health_check", Err: err}
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errors.NewServiceError("health_check", resp.StatusCode, string(body))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrHealthCheck, err)
	}
	return nil
}
