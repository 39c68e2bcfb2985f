package stt

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/config"
	"voiceprobe/pkg/media"
)

// ElevenLabsProvider implements speech-to-text support for ElevenLabs.
type ElevenLabsProvider struct {
	logger     *logrus.Logger
	config     config.ElevenLabsSTTConfig
	httpClient *http.Client
}

// NewElevenLabsProvider creates a new ElevenLabs provider instance.
func NewElevenLabsProvider(logger *logrus.Logger, cfg config.ElevenLabsSTTConfig) *ElevenLabsProvider {
	return &ElevenLabsProvider{
		logger:     logger,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name.
func (p *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

// Initialize validates configuration and prepares the provider.
func (p *ElevenLabsProvider) Initialize() error {
	if !p.config.Enabled {
		return ErrProviderDisabled
	}
	if p.config.APIKey == "" {
		return fmt.Errorf("%w: ElevenLabs API key is required when STT is enabled", ErrInitializationFailed)
	}
	if p.config.BaseURL == "" {
		p.config.BaseURL = "https://api.elevenlabs.io"
	}

	p.logger.WithFields(logrus.Fields{
		"base_url":        p.config.BaseURL,
		"model_id":        p.config.ModelID,
		"language":        p.config.Language,
		"timeout_seconds": p.httpClient.Timeout.Seconds(),
	}).Info("ElevenLabs provider initialized")
	return nil
}

type elevenLabsResponse struct {
	Text                string  `json:"text"`
	LanguageCode        string  `json:"language_code"`
	LanguageProbability float64 `json:"language_probability"`
}

// Transcribe streams a multipart upload through a pipe.
func (p *ElevenLabsProvider) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			if err := writer.WriteField("model_id", p.config.ModelID); err != nil {
				return err
			}
			if p.config.Language != "" {
				if err := writer.WriteField("language_code", p.config.Language); err != nil {
					return err
				}
			}
			part, err := writer.CreateFormFile("file", "utterance.wav")
			if err != nil {
				return err
			}
			if _, err := part.Write(media.EncodeWAV(pcm, media.EngineSampleRate, 1)); err != nil {
				return err
			}
			return writer.Close()
		}()
		pw.CloseWithError(err)
	}()

	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/v1/speech-to-text"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.config.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, requestError("stt.elevenlabs", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, serviceError("stt.elevenlabs", resp)
	}

	var out elevenLabsResponse
	if err := decodeJSON("stt.elevenlabs", resp.Body, &out); err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"language": out.LanguageCode,
		"words":    len(strings.Fields(out.Text)),
	}).Debug("Transcription received from ElevenLabs")

	return &Result{Text: trimTranscript(out.Text)}, nil
}
