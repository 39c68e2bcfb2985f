package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/circuitbreaker"
	"voiceprobe/pkg/config"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/metrics"
	"voiceprobe/pkg/retry"
)

// Result is one transcription of a complete utterance.
type Result struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Provider   string        `json:"provider"`
	Latency    time.Duration `json:"latency"`
}

// Provider defines the interface for speech-to-text providers. Audio is
// pcm16 little-endian mono at 24 kHz.
type Provider interface {
	// Initialize validates configuration and prepares clients
	Initialize() error

	// Name returns the provider name
	Name() string

	// Transcribe converts one utterance to text
	Transcribe(ctx context.Context, pcm []byte) (*Result, error)
}

// Transcriber is what the test executors depend on.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (*Result, error)
}

// ProviderManager manages all speech-to-text providers
type ProviderManager struct {
	logger          *logrus.Logger
	mu              sync.RWMutex
	providers       map[string]Provider
	order           []string
	defaultProvider string
	fallback        bool
	retryer         *retry.Retryer
	breakers        *circuitbreaker.Manager
}

// NewProviderManager creates a new provider manager
func NewProviderManager(logger *logrus.Logger, defaultProvider string, fallback bool, retryer *retry.Retryer, breakers *circuitbreaker.Manager) *ProviderManager {
	if retryer == nil {
		retryer = retry.New(retry.DefaultPolicy(), logger)
	}
	return &ProviderManager{
		logger:          logger,
		providers:       make(map[string]Provider),
		defaultProvider: defaultProvider,
		fallback:        fallback,
		retryer:         retryer,
		breakers:        breakers,
	}
}

// RegisterProvider initializes and registers a speech-to-text provider
func (m *ProviderManager) RegisterProvider(provider Provider) error {
	if err := provider.Initialize(); err != nil {
		if errors.Is(err, ErrProviderDisabled) {
			return err
		}
		m.logger.WithFields(logrus.Fields{
			"provider": provider.Name(),
			"error":    err,
		}).Error("Failed to initialize speech-to-text provider")
		return err
	}

	m.mu.Lock()
	if _, exists := m.providers[provider.Name()]; !exists {
		m.order = append(m.order, provider.Name())
	}
	m.providers[provider.Name()] = provider
	m.mu.Unlock()

	m.logger.WithField("provider", provider.Name()).Info("Registered speech-to-text provider")
	return nil
}

// GetProvider returns a provider by name
func (m *ProviderManager) GetProvider(name string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	provider, exists := m.providers[name]
	return provider, exists
}

// Providers lists registered provider names in registration order
func (m *ProviderManager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// WithProvider returns a Transcriber pinned to one provider (job-level
// override). Unknown names fall back to the manager itself.
func (m *ProviderManager) WithProvider(name string) Transcriber {
	if _, ok := m.GetProvider(name); !ok || name == "" {
		return m
	}
	return transcriberFunc(func(ctx context.Context, pcm []byte) (*Result, error) {
		return m.TranscribeWith(ctx, name, pcm)
	})
}

type transcriberFunc func(ctx context.Context, pcm []byte) (*Result, error)

func (f transcriberFunc) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	return f(ctx, pcm)
}

// candidates returns the default provider first, then the rest when fallback is on
func (m *ProviderManager) candidates() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	if _, ok := m.providers[m.defaultProvider]; ok {
		names = append(names, m.defaultProvider)
	}
	if m.fallback || len(names) == 0 {
		for _, name := range m.order {
			if name != m.defaultProvider {
				names = append(names, name)
			}
		}
	}
	if !m.fallback && len(names) > 1 {
		names = names[:1]
	}
	return names
}

// Transcribe sends the utterance to the default provider, falling back to the
// other registered providers when enabled.
func (m *ProviderManager) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	names := m.candidates()
	if len(names) == 0 {
		return nil, ErrNoProviderAvailable
	}

	var lastErr error
	for i, name := range names {
		result, err := m.TranscribeWith(ctx, name, pcm)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(names)-1 {
			m.logger.WithFields(logrus.Fields{
				"provider":      name,
				"next_provider": names[i+1],
				"error":         err,
			}).Warn("Speech-to-text provider failed, falling back")
		}
	}
	return nil, lastErr
}

// TranscribeWith runs one provider under retry and its circuit breaker
func (m *ProviderManager) TranscribeWith(ctx context.Context, name string, pcm []byte) (*Result, error) {
	provider, ok := m.GetProvider(name)
	if !ok {
		return nil, errors.Wrap(ErrProviderNotFound, "unknown provider").WithField("provider", name)
	}

	start := time.Now()
	result, err := retry.Value(ctx, m.retryer, "stt."+name, func(ctx context.Context) (*Result, error) {
		var res *Result
		err := m.breakers.Execute(ctx, "stt."+name, func(ctx context.Context) error {
			done := metrics.ObserveExternal("stt", name)
			var err error
			res, err = provider.Transcribe(ctx, pcm)
			done(err)
			return err
		})
		return res, err
	})
	elapsed := time.Since(start)

	m.logger.WithFields(logrus.Fields{
		"provider":    name,
		"duration_ms": elapsed.Milliseconds(),
		"audio_bytes": len(pcm),
		"error":       err != nil,
	}).Debug("Transcription completed")

	if err != nil {
		return nil, err
	}
	result.Provider = name
	result.Latency = elapsed
	return result, nil
}

// serviceError builds a ServiceError from a non-2xx response
func serviceError(service string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return errors.NewServiceError(service, resp.StatusCode, string(body))
}

// requestError wraps a failure to reach the service
func requestError(service string, err error) error {
	return &errors.ServiceError{Service: service, Err: err}
}

// decodeJSON decodes a provider reply, marking decode failures as malformed
func decodeJSON(service string, r io.Reader, v interface{}) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return &errors.ServiceError{Service: service, Err: fmt.Errorf("%w: %v", errors.ErrMalformedReply, err)}
	}
	return nil
}

func trimTranscript(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NewFromConfig registers every enabled provider. Providers that fail to
// initialize are logged and skipped; at least one must succeed.
func NewFromConfig(logger *logrus.Logger, cfg config.STTConfig, retryer *retry.Retryer, breakers *circuitbreaker.Manager) (*ProviderManager, error) {
	m := NewProviderManager(logger, cfg.DefaultVendor, cfg.EnableFallback, retryer, breakers)

	candidates := []Provider{
		NewDeepgramProvider(logger, cfg.Deepgram),
		NewOpenAIProvider(logger, cfg.OpenAI),
		NewElevenLabsProvider(logger, cfg.ElevenLabs),
		NewGoogleProvider(logger, cfg.Google),
		NewAmazonTranscribeProvider(logger, cfg.Amazon),
	}
	for _, p := range candidates {
		if err := m.RegisterProvider(p); err != nil && !errors.Is(err, ErrProviderDisabled) {
			logger.WithError(err).WithField("provider", p.Name()).Warn("Skipping speech-to-text provider")
		}
	}

	if len(m.Providers()) == 0 {
		return nil, ErrNoProviderAvailable
	}
	return m, nil
}
