package stt

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

	"voiceprobe/pkg/circuitbreaker"
	"voiceprobe/pkg/config"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
	"voiceprobe/pkg/retry"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fastRetryer() *retry.Retryer {
	return retry.New(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}, quietLogger())
}

type fakeProvider struct {
	name    string
	calls   atomic.Int32
	results []error
	text    string
}

func (f *fakeProvider) Name() string      { return f.name }
func (f *fakeProvider) Initialize() error { return nil }
func (f *fakeProvider) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.results) && f.results[n] != nil {
		return nil, f.results[n]
	}
	return &Result{Text: f.text, Confidence: 0.9}, nil
}

func TestDeepgramTranscribe(t *testing.T) {
	pcm := media.Tone(300, 100*time.Millisecond, 8000, media.EngineSampleRate)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listen", r.URL.Path)
		assert.Equal(t, "Token dg-key", r.Header.Get("Authorization"))
		assert.Equal(t, "audio/wav", r.Header.Get("Content-Type"))
		assert.Equal(t, "nova-2", r.URL.Query().Get("model"))
		body, _ := io.ReadAll(r.Body)
		decoded, rate, err := media.DecodeWAV(body)
		assert.NoError(t, err)
		assert.Equal(t, media.EngineSampleRate, rate)
		assert.Equal(t, pcm, decoded)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"request_id":"r1","results":{"channels":[{"alternatives":[{"transcript":"  hello   there ","confidence":0.93}]}]}}`))
	}))
	defer srv.Close()

	p := NewDeepgramProvider(quietLogger(), config.DeepgramSTTConfig{Enabled: true, APIKey: "dg-key", BaseURL: srv.URL, Model: "nova-2", Language: "en", Timeout: time.Second})
	require.NoError(t, p.Initialize())

	res, err := p.Transcribe(context.Background(), pcm)
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Text)
	assert.InDelta(t, 0.93, res.Confidence, 1e-9)
}

func TestDeepgramErrorsAreClassified(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"err_msg":"slow down"}`))
	}))
	defer srv.Close()

	p := NewDeepgramProvider(quietLogger(), config.DeepgramSTTConfig{Enabled: true, APIKey: "k", BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, p.Initialize())

	_, err := p.Transcribe(context.Background(), []byte{0, 0})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Contains(t, err.Error(), "429")

	status = http.StatusBadRequest
	_, err = p.Transcribe(context.Background(), []byte{0, 0})
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
}

func TestDeepgramMalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	p := NewDeepgramProvider(quietLogger(), config.DeepgramSTTConfig{Enabled: true, APIKey: "k", BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, p.Initialize())
	_, err := p.Transcribe(context.Background(), []byte{0, 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedReply))
	assert.False(t, errors.IsRetryable(err))
}

func TestOpenAITranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		if _, header, err := r.FormFile("file"); assert.NoError(t, err) {
			assert.Equal(t, "utterance.wav", header.Filename)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"text":     "How can I help?",
			"segments": []map[string]any{{"avg_logprob": -0.1}, {"avg_logprob": -0.3}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(quietLogger(), config.OpenAISTTConfig{Enabled: true, APIKey: "sk-test", BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, p.Initialize())

	res, err := p.Transcribe(context.Background(), make([]byte, 480))
	require.NoError(t, err)
	assert.Equal(t, "How can I help?", res.Text)
	assert.InDelta(t, 0.8187, res.Confidence, 1e-3)
}

func TestElevenLabsTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/speech-to-text", r.URL.Path)
		assert.Equal(t, "xi-key", r.Header.Get("xi-api-key"))
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "scribe_v1", r.FormValue("model_id"))
		_, _ = w.Write([]byte(`{"text":"Sure thing.","language_code":"en","language_probability":0.99}`))
	}))
	defer srv.Close()

	p := NewElevenLabsProvider(quietLogger(), config.ElevenLabsSTTConfig{Enabled: true, APIKey: "xi-key", BaseURL: srv.URL, ModelID: "scribe_v1", Timeout: time.Second})
	require.NoError(t, p.Initialize())

	res, err := p.Transcribe(context.Background(), make([]byte, 480))
	require.NoError(t, err)
	assert.Equal(t, "Sure thing.", res.Text)
}

func TestInitializeRequiresCredentials(t *testing.T) {
	logger := quietLogger()
	assert.ErrorIs(t, NewDeepgramProvider(logger, config.DeepgramSTTConfig{}).Initialize(), ErrProviderDisabled)
	assert.ErrorIs(t, NewDeepgramProvider(logger, config.DeepgramSTTConfig{Enabled: true}).Initialize(), ErrInitializationFailed)
	assert.ErrorIs(t, NewOpenAIProvider(logger, config.OpenAISTTConfig{Enabled: true}).Initialize(), ErrInitializationFailed)
	assert.ErrorIs(t, NewGoogleProvider(logger, config.GoogleSTTConfig{Enabled: true}).Initialize(), ErrInitializationFailed)
	assert.ErrorIs(t, NewAmazonTranscribeProvider(logger, config.AmazonSTTConfig{}).Initialize(), ErrProviderDisabled)
}

func TestManagerRetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{name: "deepgram", text: "ok", results: []error{
		errors.NewServiceError("stt.deepgram", http.StatusBadGateway, ""),
	}}
	m := NewProviderManager(quietLogger(), "deepgram", false, fastRetryer(), nil)
	require.NoError(t, m.RegisterProvider(p))

	res, err := m.Transcribe(context.Background(), []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, "deepgram", res.Provider)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestManagerFallsBack(t *testing.T) {
	bad := &fakeProvider{name: "deepgram", results: []error{
		errors.NewServiceError("stt.deepgram", http.StatusUnauthorized, "bad key"),
	}}
	good := &fakeProvider{name: "openai", text: "fallback"}

	m := NewProviderManager(quietLogger(), "deepgram", true, fastRetryer(), nil)
	require.NoError(t, m.RegisterProvider(bad))
	require.NoError(t, m.RegisterProvider(good))

	res, err := m.Transcribe(context.Background(), []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, int32(1), bad.calls.Load(), "non-retryable errors are not retried")

	noFallback := NewProviderManager(quietLogger(), "deepgram", false, fastRetryer(), nil)
	bad2 := &fakeProvider{name: "deepgram", results: []error{errors.NewServiceError("stt.deepgram", http.StatusForbidden, "")}}
	require.NoError(t, noFallback.RegisterProvider(bad2))
	require.NoError(t, noFallback.RegisterProvider(&fakeProvider{name: "openai"}))
	_, err = noFallback.Transcribe(context.Background(), nil)
	require.Error(t, err)
}

func TestManagerBreakerOpensAfterFailures(t *testing.T) {
	breakers := circuitbreaker.NewManager(quietLogger(), &circuitbreaker.Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute}, true)
	p := &fakeProvider{name: "google", results: []error{
		errors.NewServiceError("stt.google", 503, ""),
		errors.NewServiceError("stt.google", 503, ""),
		errors.NewServiceError("stt.google", 503, ""),
		errors.NewServiceError("stt.google", 503, ""),
	}}
	m := NewProviderManager(quietLogger(), "google", false, fastRetryer(), breakers)
	require.NoError(t, m.RegisterProvider(p))

	_, err := m.Transcribe(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, []string{"stt.google"}, breakers.OpenBreakers())

	_, err = m.Transcribe(context.Background(), nil)
	assert.True(t, circuitbreaker.IsCircuitBreakerError(err))
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestManagerWithoutProviders(t *testing.T) {
	m := NewProviderManager(quietLogger(), "deepgram", true, nil, nil)
	_, err := m.Transcribe(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoProviderAvailable)

	_, err = m.TranscribeWith(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrProviderNotFound)

	_, err = NewFromConfig(quietLogger(), config.STTConfig{DefaultVendor: "deepgram"}, nil, nil)
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}

func TestWithProviderPinsVendor(t *testing.T) {
	a := &fakeProvider{name: "deepgram", text: "a"}
	b := &fakeProvider{name: "openai", text: "b"}
	m := NewProviderManager(quietLogger(), "deepgram", false, fastRetryer(), nil)
	require.NoError(t, m.RegisterProvider(a))
	require.NoError(t, m.RegisterProvider(b))

	res, err := m.WithProvider("openai").Transcribe(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Text)

	res, err = m.WithProvider("unknown").Transcribe(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Text)
}
