package tts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
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

func fastRetryer() *retry.Retryer {
	return retry.New(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}, quietLogger())
}

func TestOpenAISynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer sk", r.Header.Get("Authorization"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pcm", body["response_format"])
		assert.Equal(t, "nova", body["voice"])
		assert.Equal(t, "Hello there", body["input"])
		_, _ = w.Write([]byte{1, 0, 2, 0, 3})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(quietLogger(), config.OpenAITTSConfig{APIKey: "sk", BaseURL: srv.URL, Model: "tts-1", Voice: "alloy", Timeout: time.Second})
	pcm, err := p.Synthesize(context.Background(), "Hello there", Voice{VoiceID: "nova"})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, pcm, "odd trailing byte dropped")
}

func TestElevenLabsSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-1", r.URL.Path)
		assert.Equal(t, "pcm_24000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "xi", r.Header.Get("xi-api-key"))
		_, _ = w.Write(make([]byte, 480))
	}))
	defer srv.Close()

	p := NewElevenLabsProvider(quietLogger(), config.ElevenLabsTTSConfig{APIKey: "xi", BaseURL: srv.URL, ModelID: "m", VoiceID: "voice-1", Timeout: time.Second})
	pcm, err := p.Synthesize(context.Background(), "hi", Voice{})
	require.NoError(t, err)
	assert.Len(t, pcm, 480)

	_, err = NewElevenLabsProvider(quietLogger(), config.ElevenLabsTTSConfig{APIKey: "xi", BaseURL: srv.URL}).Synthesize(context.Background(), "hi", Voice{})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestServiceRetriesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(make([]byte, 960))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(quietLogger(), config.OpenAITTSConfig{APIKey: "sk", BaseURL: srv.URL, Timeout: time.Second})
	svc := NewService(quietLogger(), p, Voice{VoiceID: "alloy"}, NewMemoryCache(4), time.Hour, fastRetryer(), nil)

	pcm, err := svc.Synthesize(context.Background(), "Book a table for two")
	require.NoError(t, err)
	assert.Len(t, pcm, 960)
	assert.Equal(t, int32(2), calls.Load())

	again, err := svc.Synthesize(context.Background(), "  Book a table for two ")
	require.NoError(t, err)
	assert.Equal(t, pcm, again)
	assert.Equal(t, int32(2), calls.Load(), "second call served from cache")

	other := svc.WithVoice(Voice{VoiceID: "echo"})
	_, err = other.Synthesize(context.Background(), "Book a table for two")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "voice is part of the cache key")
}

func TestServiceDoesNotRetryAuthFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(quietLogger(), config.OpenAITTSConfig{APIKey: "bad", BaseURL: srv.URL, Timeout: time.Second})
	svc := NewService(quietLogger(), p, Voice{}, nil, 0, fastRetryer(), nil)
	_, err := svc.Synthesize(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = svc.Synthesize(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestMemoryCacheEvictsLRU(t *testing.T) {
	c := NewMemoryCache(2)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", []byte{1}, 0))
	require.NoError(t, c.Set(ctx, "b", []byte{2}, 0))
	_, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, c.Set(ctx, "c", []byte{3}, 0))

	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok, "b was least recently used")
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache(2)
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }
	require.NoError(t, c.Set(context.Background(), "k", []byte{1}, time.Minute))
	now = now.Add(2 * time.Minute)
	_, ok, _ := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	rc, err := NewRedisCache(ctx, "redis://"+mr.Addr()+"/0", "voiceprobe:tts:", quietLogger())
	require.NoError(t, err)
	defer rc.Close()

	_, ok, err := rc.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rc.Set(ctx, "k1", []byte{9, 8, 7}, time.Hour))
	assert.True(t, mr.Exists("voiceprobe:tts:k1"))
	pcm, ok, err := rc.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{9, 8, 7}, pcm)

	mr.FastForward(2 * time.Hour)
	_, ok, _ = rc.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	c := NewCache(context.Background(), config.CacheConfig{Enabled: true, RedisURL: "redis://127.0.0.1:1/0", MaxEntries: 3}, quietLogger())
	_, isMemory := c.(*MemoryCache)
	assert.True(t, isMemory)
	assert.Nil(t, NewCache(context.Background(), config.CacheConfig{Enabled: false}, quietLogger()))
}

func TestNewProvider(t *testing.T) {
	_, _, err := NewProvider(quietLogger(), config.TTSConfig{Provider: "openai"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	_, _, err = NewProvider(quietLogger(), config.TTSConfig{Provider: "polly"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	p, v, err := NewProvider(quietLogger(), config.TTSConfig{Provider: "ElevenLabs", ElevenLabs: config.ElevenLabsTTSConfig{APIKey: "k", VoiceID: "v", ModelID: "m"}})
	require.NoError(t, err)
	assert.Equal(t, "elevenlabs", p.Name())
	assert.Equal(t, "v", v.VoiceID)
}
