package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/config"
	vperrors "voiceprobe/pkg/errors"
)

// OpenAIProvider uses the OpenAI speech endpoint with raw pcm output
// (24 kHz, 16-bit, mono).
type OpenAIProvider struct {
	logger     *logrus.Logger
	config     config.OpenAITTSConfig
	httpClient *http.Client
}

// NewOpenAIProvider creates a new OpenAI TTS provider
func NewOpenAIProvider(logger *logrus.Logger, cfg config.OpenAITTSConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		logger:     logger,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Synthesize requests raw pcm for text
func (p *OpenAIProvider) Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error) {
	model := p.config.Model
	if voice.Model != "" {
		model = voice.Model
	}
	voiceID := p.config.Voice
	if voice.VoiceID != "" {
		voiceID = voice.VoiceID
	}

	payload, err := json.Marshal(map[string]string{
		"model":           model,
		"input":           text,
		"voice":           voiceID,
		"response_format": "pcm",
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/audio/speech"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &vperrors.ServiceError{Service: "tts.openai", Err: err}
	}
	defer resp.Body.Close()

	return readAudio("tts.openai", resp)
}
