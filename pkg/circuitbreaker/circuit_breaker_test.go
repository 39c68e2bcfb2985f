package circuitbreaker

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceprobe/pkg/config"
	"voiceprobe/pkg/errors"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func transient() error {
	return errors.NewServiceError("stt", http.StatusBadGateway, "")
}

func TestBreakerTripsOnTransientFailures(t *testing.T) {
	cb := NewCircuitBreaker("stt.deepgram", &Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}, quietLogger())
	fail := func(ctx context.Context) error { return transient() }

	require.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, StateClosed, cb.GetState())
	require.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, IsCircuitBreakerError(err))
	assert.Equal(t, int64(1), cb.GetStatistics().RejectedRequests)
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	cb := NewCircuitBreaker("tts.openai", &Config{FailureThreshold: 1, Timeout: time.Minute}, quietLogger())
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.NewServiceError("tts", http.StatusUnauthorized, "bad key")
	})
	require.Error(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("llm", &Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, ExponentialBackoff: true, MaxTimeout: time.Minute}, quietLogger())
	now := time.Unix(1000, 0)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return transient() })
	require.Equal(t, StateOpen, cb.GetState())

	now = now.Add(2 * time.Second)
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return transient() })
	require.Equal(t, StateOpen, cb.GetState(), "failed trial request reopens")

	// second trip doubles the timeout
	now = now.Add(1500 * time.Millisecond)
	assert.True(t, IsCircuitBreakerError(cb.Execute(context.Background(), func(ctx context.Context) error { return nil })))

	now = now.Add(time.Second)
	require.NoError(t, cb.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestManagerDisabledRunsUnguarded(t *testing.T) {
	m := NewManager(quietLogger(), &Config{FailureThreshold: 1, Timeout: time.Minute}, false)
	for i := 0; i < 3; i++ {
		calls := 0
		_ = m.Execute(context.Background(), "stt", func(ctx context.Context) error { calls++; return transient() })
		assert.Equal(t, 1, calls)
	}
	assert.Empty(t, m.OpenBreakers())

	var nilManager *Manager
	assert.NoError(t, nilManager.Execute(context.Background(), "x", func(ctx context.Context) error { return nil }))
}

func TestManagerSharesBreakerByName(t *testing.T) {
	m := NewManager(quietLogger(), ConfigFromSettings(config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute}), true)
	assert.Same(t, m.GetCircuitBreaker("stt.google"), m.GetCircuitBreaker("stt.google"))

	_ = m.Execute(context.Background(), "stt.google", func(ctx context.Context) error { return transient() })
	assert.Equal(t, []string{"stt.google"}, m.OpenBreakers())
	assert.Equal(t, int64(1), m.GetAllStatistics()["stt.google"].FailedRequests)
}
