package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/circuitbreaker"
	"voiceprobe/pkg/config"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/metrics"
	"voiceprobe/pkg/retry"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request. Model empty means the client default.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	JSON        bool
	MaxTokens   int
}

// Chatter is the capability the caller simulator and judge depend on.
type Chatter interface {
	Complete(ctx context.Context, req Request) (string, error)
}

type chatCompletionsRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionsResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		FinishReason string  `json:"finish_reason"`
		Message      Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Client talks to any OpenAI-compatible chat completions endpoint.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
	logger       *logrus.Logger
	retryer      *retry.Retryer
	breakers     *circuitbreaker.Manager
}

// NewClient builds a client from the LLM config section.
func NewClient(cfg config.LLMConfig, defaultModel string, logger *logrus.Logger, retryer *retry.Retryer, breakers *circuitbreaker.Manager) *Client {
	if retryer == nil {
		retryer = retry.New(retry.DefaultPolicy(), logger)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       cfg.APIKey,
		defaultModel: defaultModel,
		logger:       logger,
		retryer:      retryer,
		breakers:     breakers,
	}
}

// Complete returns the first choice's content, trimmed.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	return retry.Value(ctx, c.retryer, "llm.chat", func(ctx context.Context) (string, error) {
		var out string
		err := c.breakers.Execute(ctx, "llm", func(ctx context.Context) error {
			done := metrics.ObserveExternal("llm", req.Model)
			var err error
			out, err = c.complete(ctx, req)
			done(err)
			return err
		})
		return out, err
	})
}

func (c *Client) complete(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", errors.NewInvalidInput("LLM API key is not configured")
	}

	body := chatCompletionsRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &errors.ServiceError{Service: "llm", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.NewServiceError("llm", resp.StatusCode, string(b))
	}

	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", &errors.ServiceError{Service: "llm", Err: fmt.Errorf("%w: %v", errors.ErrMalformedReply, err)}
	}
	if len(cr.Choices) == 0 {
		return "", &errors.ServiceError{Service: "llm", Err: fmt.Errorf("%w: empty choices", errors.ErrMalformedReply)}
	}

	c.logger.WithFields(logrus.Fields{
		"model":             cr.Model,
		"prompt_tokens":     cr.Usage.PromptTokens,
		"completion_tokens": cr.Usage.CompletionTokens,
		"duration_ms":       time.Since(start).Milliseconds(),
	}).Debug("Chat completion finished")

	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

// CompleteJSON asks for a JSON object and decodes it into v. Code fences
// around the object are tolerated.
func CompleteJSON(ctx context.Context, chat Chatter, req Request, v interface{}) error {
	req.JSON = true
	out, err := chat.Complete(ctx, req)
	if err != nil {
		return err
	}
	return DecodeJSON(out, v)
}

// DecodeJSON extracts the outermost JSON object from s.
func DecodeJSON(s string, v interface{}) error {
	start := strings.IndexAny(s, "{[")
	end := strings.LastIndexAny(s, "}]")
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object in reply", errors.ErrMalformedReply)
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrMalformedReply, err)
	}
	return nil
}

// Float returns a pointer for Request.Temperature.
func Float(v float64) *float64 {
	return &v
}
