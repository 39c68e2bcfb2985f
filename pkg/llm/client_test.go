package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceprobe/pkg/config"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/retry"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(url string) *Client {
	r := retry.New(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}, quietLogger())
	return NewClient(config.LLMConfig{BaseURL: url, APIKey: "sk", Timeout: time.Second}, "gpt-4o-mini", quietLogger(), r, nil)
}

func TestCompleteSendsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
		assert.Equal(t, 0.2, body["temperature"])
		_, _ = w.Write([]byte(`{"id":"x","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"  {\"ok\": true} "}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	var out struct{ OK bool }
	err := CompleteJSON(context.Background(), c, Request{
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: Float(0.2),
	}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestCompleteRetriesRateLimits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"done"}}]}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteFailsClosed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedReply))
	assert.Equal(t, int32(1), calls.Load())

	noKey := NewClient(config.LLMConfig{BaseURL: srv.URL}, "m", quietLogger(), nil, nil)
	_, err = noKey.Complete(context.Background(), Request{})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestDecodeJSON(t *testing.T) {
	var v map[string]int
	require.NoError(t, DecodeJSON("```json\n{\"a\": 1}\n```", &v))
	assert.Equal(t, 1, v["a"])
	assert.Error(t, DecodeJSON("no json here", &v))
	assert.True(t, errors.Is(DecodeJSON("{broken", &v), errors.ErrMalformedReply))
}
