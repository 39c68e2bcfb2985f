package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/config"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
)

// amazonChunkBytes is 100ms of engine audio per audio event
const amazonChunkBytes = media.EngineSampleRate / 10 * media.BytesPerSample

// AmazonTranscribeProvider implements the Provider interface for Amazon Transcribe streaming
type AmazonTranscribeProvider struct {
	logger *logrus.Logger
	client *transcribestreaming.Client
	config config.AmazonSTTConfig
}

// NewAmazonTranscribeProvider creates a new Amazon Transcribe provider
func NewAmazonTranscribeProvider(logger *logrus.Logger, cfg config.AmazonSTTConfig) *AmazonTranscribeProvider {
	return &AmazonTranscribeProvider{
		logger: logger,
		config: cfg,
	}
}

// Name returns the provider name
func (p *AmazonTranscribeProvider) Name() string {
	return "amazon-transcribe"
}

// Initialize initializes the Amazon Transcribe client
func (p *AmazonTranscribeProvider) Initialize() error {
	if !p.config.Enabled {
		return ErrProviderDisabled
	}

	region := p.config.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if p.config.AccessKeyID != "" && p.config.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     p.config.AccessKeyID,
				SecretAccessKey: p.config.SecretAccessKey,
				Source:          "voiceprobe",
			}, nil
		})))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("%w: failed to load AWS config: %v", ErrInitializationFailed, err)
	}
	p.client = transcribestreaming.NewFromConfig(cfg)

	p.logger.WithFields(logrus.Fields{
		"region":   region,
		"language": p.config.Language,
	}).Info("Amazon Transcribe provider initialized successfully")
	return nil
}

// Transcribe streams the utterance and joins the final results
func (p *AmazonTranscribeProvider) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	if p.client == nil {
		return nil, ErrInitializationFailed
	}

	resp, err := p.client.StartStreamTranscription(ctx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(p.config.Language),
		MediaSampleRateHertz: aws.Int32(media.EngineSampleRate),
		MediaEncoding:        types.MediaEncodingPcm,
	})
	if err != nil {
		return nil, awsServiceError("stt.amazon", err)
	}
	stream := resp.GetStream()
	defer stream.Close()

	sendErr := make(chan error, 1)
	go func() {
		reader := bytes.NewReader(pcm)
		buf := make([]byte, amazonChunkBytes)
		for {
			n, _ := reader.Read(buf)
			if n == 0 {
				break
			}
			chunk := append([]byte(nil), buf[:n]...)
			if err := stream.Send(ctx, &types.AudioStreamMemberAudioEvent{
				Value: types.AudioEvent{AudioChunk: chunk},
			}); err != nil {
				sendErr <- err
				return
			}
		}
		// an empty event signals end of audio
		sendErr <- stream.Send(ctx, &types.AudioStreamMemberAudioEvent{Value: types.AudioEvent{AudioChunk: []byte{}}})
	}()

	var parts []string
	for event := range stream.Events() {
		te, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || te.Value.Transcript == nil {
			continue
		}
		for _, result := range te.Value.Transcript.Results {
			if result.IsPartial || len(result.Alternatives) == 0 || result.Alternatives[0].Transcript == nil {
				continue
			}
			parts = append(parts, *result.Alternatives[0].Transcript)
		}
	}

	if err := stream.Err(); err != nil {
		return nil, awsServiceError("stt.amazon", err)
	}
	if err := <-sendErr; err != nil {
		return nil, awsServiceError("stt.amazon", err)
	}

	return &Result{Text: trimTranscript(strings.Join(parts, " "))}, nil
}

// awsServiceError keeps the HTTP status of AWS response errors
func awsServiceError(service string, err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return errors.NewServiceError(service, respErr.HTTPStatusCode(), respErr.Error())
	}
	return requestError(service, err)
}
