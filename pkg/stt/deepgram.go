package stt

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/config"
	"voiceprobe/pkg/media"
)

// DeepgramProvider implements the Provider interface for Deepgram pre-recorded transcription
type DeepgramProvider struct {
	logger     *logrus.Logger
	config     config.DeepgramSTTConfig
	httpClient *http.Client
}

// NewDeepgramProvider creates a new Deepgram provider
func NewDeepgramProvider(logger *logrus.Logger, cfg config.DeepgramSTTConfig) *DeepgramProvider {
	return &DeepgramProvider{
		logger:     logger,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

// Initialize validates the Deepgram configuration
func (p *DeepgramProvider) Initialize() error {
	if !p.config.Enabled {
		return ErrProviderDisabled
	}
	if p.config.APIKey == "" {
		return fmt.Errorf("%w: DEEPGRAM_API_KEY is not set", ErrInitializationFailed)
	}
	if p.config.BaseURL == "" {
		p.config.BaseURL = "https://api.deepgram.com"
	}
	p.logger.WithFields(logrus.Fields{
		"model":    p.config.Model,
		"language": p.config.Language,
	}).Info("Deepgram provider initialized successfully")
	return nil
}

// DeepgramResponse defines the parts of the Deepgram API response we read
type DeepgramResponse struct {
	RequestID string `json:"request_id"`
	Results   struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
	Metadata struct {
		RequestID string  `json:"request_id"`
		Duration  float64 `json:"duration"`
	} `json:"metadata"`
}

// Transcribe uploads the utterance as WAV
func (p *DeepgramProvider) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	query := url.Values{}
	query.Set("model", p.config.Model)
	if p.config.Language != "" {
		query.Set("language", p.config.Language)
	}
	query.Set("punctuate", "true")
	query.Set("smart_format", "true")
	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/v1/listen?" + query.Encode()

	wav := media.EncodeWAV(pcm, media.EngineSampleRate, 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wav))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.config.APIKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, requestError("stt.deepgram", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, serviceError("stt.deepgram", resp)
	}

	var dgResp DeepgramResponse
	if err := decodeJSON("stt.deepgram", resp.Body, &dgResp); err != nil {
		return nil, err
	}

	result := &Result{}
	if len(dgResp.Results.Channels) > 0 && len(dgResp.Results.Channels[0].Alternatives) > 0 {
		alt := dgResp.Results.Channels[0].Alternatives[0]
		result.Text = trimTranscript(alt.Transcript)
		result.Confidence = alt.Confidence
	}

	p.logger.WithFields(logrus.Fields{
		"request_id": dgResp.RequestID,
		"confidence": result.Confidence,
		"words":      len(strings.Fields(result.Text)),
	}).Debug("Transcription received from Deepgram")

	return result, nil
}
