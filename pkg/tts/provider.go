package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/circuitbreaker"
	"voiceprobe/pkg/config"
	vperrors "voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
	"voiceprobe/pkg/metrics"
	"voiceprobe/pkg/retry"
)

// Error definitions
var (
	ErrUnknownProvider = errors.New("unknown text-to-speech provider")
	ErrMissingAPIKey   = errors.New("text-to-speech API key is not set")
	ErrEmptyText       = errors.New("nothing to synthesize")
)

// Voice selects a voice for one synthesis. Empty fields use provider defaults.
type Voice struct {
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	VoiceID  string `json:"voice_id,omitempty" yaml:"voice_id,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
}

// Provider turns text into pcm16 24 kHz mono audio.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}

// Synthesizer is what the test executors depend on.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Service wraps a provider with caching, retry and a circuit breaker.
type Service struct {
	logger   *logrus.Logger
	provider Provider
	voice    Voice
	cache    Cache
	ttl      time.Duration
	retryer  *retry.Retryer
	breakers *circuitbreaker.Manager
}

// NewService creates a synthesis service. cache may be nil.
func NewService(logger *logrus.Logger, provider Provider, voice Voice, cache Cache, ttl time.Duration, retryer *retry.Retryer, breakers *circuitbreaker.Manager) *Service {
	if retryer == nil {
		retryer = retry.New(retry.DefaultPolicy(), logger)
	}
	return &Service{
		logger:   logger,
		provider: provider,
		voice:    voice,
		cache:    cache,
		ttl:      ttl,
		retryer:  retryer,
		breakers: breakers,
	}
}

// WithVoice returns a copy of the service using another voice.
func (s *Service) WithVoice(v Voice) *Service {
	clone := *s
	if v.VoiceID != "" {
		clone.voice.VoiceID = v.VoiceID
	}
	if v.Model != "" {
		clone.voice.Model = v.Model
	}
	return &clone
}

// Synthesize returns cached audio when available.
func (s *Service) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, vperrors.Wrap(ErrEmptyText, "synthesize")
	}

	key := s.cacheKey(text)
	if s.cache != nil {
		if pcm, ok, err := s.cache.Get(ctx, key); err != nil {
			s.logger.WithError(err).Debug("TTS cache lookup failed")
		} else if ok {
			return pcm, nil
		}
	}

	name := "tts." + s.provider.Name()
	start := time.Now()
	pcm, err := retry.Value(ctx, s.retryer, name, func(ctx context.Context) ([]byte, error) {
		var out []byte
		err := s.breakers.Execute(ctx, name, func(ctx context.Context) error {
			done := metrics.ObserveExternal("tts", s.provider.Name())
			var err error
			out, err = s.provider.Synthesize(ctx, text, s.voice)
			done(err)
			return err
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"provider":    s.provider.Name(),
		"chars":       len(text),
		"audio_ms":    int64(media.DurationMs(pcm, media.EngineSampleRate)),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Synthesized utterance")

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, pcm, s.ttl); err != nil {
			s.logger.WithError(err).Debug("TTS cache store failed")
		}
	}
	return pcm, nil
}

func (s *Service) cacheKey(text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", s.provider.Name(), s.voice.VoiceID, s.voice.Model, text)
	return hex.EncodeToString(h.Sum(nil))
}

// NewProvider builds the provider named in cfg.Provider.
func NewProvider(logger *logrus.Logger, cfg config.TTSConfig) (Provider, Voice, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, Voice{}, fmt.Errorf("%w: OPENAI_API_KEY", ErrMissingAPIKey)
		}
		return NewOpenAIProvider(logger, cfg.OpenAI), Voice{Provider: "openai", VoiceID: cfg.OpenAI.Voice, Model: cfg.OpenAI.Model}, nil
	case "elevenlabs":
		if cfg.ElevenLabs.APIKey == "" {
			return nil, Voice{}, fmt.Errorf("%w: ELEVENLABS_API_KEY", ErrMissingAPIKey)
		}
		return NewElevenLabsProvider(logger, cfg.ElevenLabs), Voice{Provider: "elevenlabs", VoiceID: cfg.ElevenLabs.VoiceID, Model: cfg.ElevenLabs.ModelID}, nil
	default:
		return nil, Voice{}, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

func readAudio(service string, resp *http.Response) ([]byte, error) {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, vperrors.NewServiceError(service, resp.StatusCode, string(body))
	}
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &vperrors.ServiceError{Service: service, Err: err}
	}
	if len(pcm) < media.BytesPerSample {
		return nil, &vperrors.ServiceError{Service: service, Err: fmt.Errorf("%w: empty audio", vperrors.ErrMalformedReply)}
	}
	return pcm[:len(pcm)-len(pcm)%media.BytesPerSample], nil
}
