package stt

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"voiceprobe/pkg/config"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
)

// GoogleProvider implements the Provider interface for Google Speech-to-Text
type GoogleProvider struct {
	logger *logrus.Logger
	client *speech.Client
	config config.GoogleSTTConfig
	opts   []option.ClientOption
}

// NewGoogleProvider creates a new Google Speech-to-Text provider. Extra
// client options are appended to the credential options.
func NewGoogleProvider(logger *logrus.Logger, cfg config.GoogleSTTConfig, opts ...option.ClientOption) *GoogleProvider {
	return &GoogleProvider{
		logger: logger,
		config: cfg,
		opts:   opts,
	}
}

// Name returns the provider name
func (p *GoogleProvider) Name() string {
	return "google"
}

// Initialize initializes the Google Speech-to-Text client
func (p *GoogleProvider) Initialize() error {
	if !p.config.Enabled {
		return ErrProviderDisabled
	}

	var clientOptions []option.ClientOption
	if p.config.APIKey != "" {
		clientOptions = append(clientOptions, option.WithAPIKey(p.config.APIKey))
		p.logger.Debug("Using Google STT API key authentication")
	} else if p.config.CredentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(p.config.CredentialsFile))
		p.logger.WithField("credentials_file", p.config.CredentialsFile).Debug("Using Google STT credentials file")
	} else {
		return fmt.Errorf("%w: Google STT requires either API key or credentials file", ErrInitializationFailed)
	}
	clientOptions = append(clientOptions, p.opts...)

	var err error
	p.client, err = speech.NewClient(context.Background(), clientOptions...)
	if err != nil {
		p.logger.WithError(err).Error("Failed to create Google Speech client")
		return fmt.Errorf("%w: failed to create Google Speech client: %v", ErrInitializationFailed, err)
	}

	p.logger.WithFields(logrus.Fields{
		"language":         p.config.Language,
		"model":            p.config.Model,
		"enhanced_models":  p.config.EnhancedModels,
		"auto_punctuation": p.config.EnableAutomaticPunctuation,
	}).Info("Google Speech-to-Text client initialized successfully")
	return nil
}

// recognitionConfig builds the request config for engine-format audio
func (p *GoogleProvider) recognitionConfig() *speechpb.RecognitionConfig {
	return &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            media.EngineSampleRate,
		AudioChannelCount:          1,
		LanguageCode:               p.config.Language,
		Model:                      p.config.Model,
		UseEnhanced:                p.config.EnhancedModels,
		EnableAutomaticPunctuation: p.config.EnableAutomaticPunctuation,
	}
}

// Transcribe runs a synchronous Recognize call
func (p *GoogleProvider) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	if p.client == nil {
		return nil, ErrInitializationFailed
	}

	resp, err := p.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: p.recognitionConfig(),
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	})
	if err != nil {
		return nil, grpcServiceError("stt.google", err)
	}

	var parts []string
	var confidence float64
	var n int
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		parts = append(parts, alts[0].GetTranscript())
		confidence += float64(alts[0].GetConfidence())
		n++
	}
	if n > 0 {
		confidence /= float64(n)
	}

	return &Result{Text: trimTranscript(strings.Join(parts, " ")), Confidence: confidence}, nil
}

// Close releases the gRPC connection
func (p *GoogleProvider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// grpcServiceError maps gRPC status codes onto HTTP-like service errors so
// retry classification is shared with the REST providers.
func grpcServiceError(service string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return requestError(service, err)
	}

	var code int
	switch st.Code() {
	case codes.ResourceExhausted:
		code = http.StatusTooManyRequests
	case codes.Unavailable, codes.Internal, codes.Unknown, codes.Aborted:
		code = http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		code = http.StatusGatewayTimeout
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		code = http.StatusBadRequest
	case codes.Unauthenticated:
		code = http.StatusUnauthorized
	case codes.PermissionDenied:
		code = http.StatusForbidden
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.Canceled:
		return requestError(service, context.Canceled)
	default:
		code = http.StatusBadRequest
	}
	return errors.NewServiceError(service, code, st.Message())
}
