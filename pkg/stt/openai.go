package stt

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/config"
	"voiceprobe/pkg/media"
)

// OpenAIProvider implements the Provider interface for the OpenAI transcription API
type OpenAIProvider struct {
	logger     *logrus.Logger
	config     config.OpenAISTTConfig
	httpClient *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(logger *logrus.Logger, cfg config.OpenAISTTConfig) *OpenAIProvider {
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

// Initialize validates the OpenAI configuration
func (p *OpenAIProvider) Initialize() error {
	if !p.config.Enabled {
		return ErrProviderDisabled
	}
	if p.config.APIKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrInitializationFailed)
	}
	if p.config.BaseURL == "" {
		p.config.BaseURL = "https://api.openai.com/v1"
	}
	if p.config.Model == "" {
		p.config.Model = "whisper-1"
	}
	p.logger.WithField("model", p.config.Model).Info("OpenAI provider initialized successfully")
	return nil
}

// openAITranscription is the verbose_json response shape
type openAITranscription struct {
	Text     string `json:"text"`
	Segments []struct {
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe uploads the utterance as a multipart WAV file
func (p *OpenAIProvider) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(media.EncodeWAV(pcm, media.EngineSampleRate, 1)); err != nil {
		return nil, fmt.Errorf("failed to write audio: %w", err)
	}
	_ = writer.WriteField("model", p.config.Model)
	_ = writer.WriteField("response_format", "verbose_json")
	if p.config.Language != "" {
		_ = writer.WriteField("language", p.config.Language)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, requestError("stt.openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, serviceError("stt.openai", resp)
	}

	var out openAITranscription
	if err := decodeJSON("stt.openai", resp.Body, &out); err != nil {
		return nil, err
	}

	return &Result{Text: trimTranscript(out.Text), Confidence: segmentConfidence(out)}, nil
}

// segmentConfidence maps the mean segment log probability to [0, 1]
func segmentConfidence(t openAITranscription) float64 {
	if len(t.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.Segments {
		sum += s.AvgLogprob
	}
	return math.Min(1, math.Exp(sum/float64(len(t.Segments))))
}
