package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/config"
	vperrors "voiceprobe/pkg/errors"
)

// ElevenLabsProvider requests pcm_24000 output, which matches the engine format.
type ElevenLabsProvider struct {
	logger     *logrus.Logger
	config     config.ElevenLabsTTSConfig
	httpClient *http.Client
}

// NewElevenLabsProvider creates a new ElevenLabs TTS provider
func NewElevenLabsProvider(logger *logrus.Logger, cfg config.ElevenLabsTTSConfig) *ElevenLabsProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	return &ElevenLabsProvider{
		logger:     logger,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name
func (p *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

// Synthesize requests raw pcm for text
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error) {
	voiceID := p.config.VoiceID
	if voice.VoiceID != "" {
		voiceID = voice.VoiceID
	}
	if voiceID == "" {
		return nil, vperrors.NewInvalidInput("ElevenLabs voice id is required")
	}
	model := p.config.ModelID
	if voice.Model != "" {
		model = voice.Model
	}

	payload, err := json.Marshal(map[string]string{
		"text":     text,
		"model_id": model,
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=pcm_24000",
		strings.TrimRight(p.config.BaseURL, "/"), url.PathEscape(voiceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &vperrors.ServiceError{Service: "tts.elevenlabs", Err: err}
	}
	defer resp.Body.Close()

	return readAudio("tts.elevenlabs", resp)
}
