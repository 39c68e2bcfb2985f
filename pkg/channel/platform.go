package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/version"
)

// PlatformConfig configures a hosted voice-agent platform reached through a
// REST control API with SIP media.
type PlatformConfig struct {
	AgentID string `json:"agent_id" yaml:"agent_id"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	// SIP overrides for the media leg; Target comes from the call setup response.
	SIP SIPConfig `json:"sip,omitempty" yaml:"sip,omitempty"`
}

type platformCallResponse struct {
	CallID string `json:"call_id"`
	SIPURI string `json:"sip_uri"`
}

type platformCallData struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// PlatformChannel registers a call with the platform API, dials the returned
// SIP URI for media and queries tool calls after the call.
type PlatformChannel struct {
	cfg    Config
	logger *logrus.Logger
	client *http.Client

	callID string
	media  *SIPChannel
	// pending carries events until the SIP leg exists
	pending *eventSink
}

// NewPlatformChannel creates an unconnected platform channel.
func NewPlatformChannel(cfg Config, logger *logrus.Logger) *PlatformChannel {
	return &PlatformChannel{
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.connectTimeout()},
		pending: newEventSink(),
	}
}

func (c *PlatformChannel) endpoint(path string) string {
	return strings.TrimRight(c.cfg.URL, "/") + path
}

func (c *PlatformChannel) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.cfg.Platform.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Platform.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &errors.ServiceError{Service: "platform", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errors.ServiceError{Service: "platform", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewServiceError("platform", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: platform %s %s: %v", errors.ErrMalformedReply, method, path, err)
	}
	return nil
}

// Connect creates the call on the platform and dials its SIP leg.
func (c *PlatformChannel) Connect(ctx context.Context) error {
	var call platformCallResponse
	req := map[string]interface{}{
		"agent_id":  c.cfg.Platform.AgentID,
		"transport": "sip",
	}
	if err := c.do(ctx, http.MethodPost, "/v1/calls", req, &call); err != nil {
		return errors.NewTransport(err, "platform call setup")
	}
	if call.CallID == "" || call.SIPURI == "" {
		return errors.NewTransport(errors.ErrMalformedReply, "platform call setup returned no call_id or sip_uri")
	}
	c.callID = call.CallID

	sipCfg := c.cfg
	sipCfg.Adapter = AdapterSIP
	sipCfg.SIP = c.cfg.Platform.SIP
	sipCfg.SIP.Target = call.SIPURI
	c.media = NewSIPChannel(sipCfg, c.logger)

	c.logger.WithFields(logrus.Fields{
		"call_id":  call.CallID,
		"agent_id": c.cfg.Platform.AgentID,
	}).Info("Platform call created")

	if err := c.media.Connect(ctx); err != nil {
		c.pending.close(nil)
		return err
	}
	return nil
}

// SendAudio forwards to the SIP leg.
func (c *PlatformChannel) SendAudio(ctx context.Context, pcm []byte) error {
	if c.media == nil {
		return errors.NewTransport(errors.ErrNotConnected, "send audio")
	}
	return c.media.SendAudio(ctx, pcm)
}

// Events returns the SIP leg's events once connected.
func (c *PlatformChannel) Events() <-chan Event {
	if c.media == nil {
		return c.pending.events
	}
	return c.media.Events()
}

// CallData fetches the tool calls the platform recorded for this call.
func (c *PlatformChannel) CallData(ctx context.Context) ([]ToolCall, error) {
	if c.callID == "" {
		return nil, errors.NewTransport(errors.ErrNotConnected, "call data")
	}
	var data platformCallData
	if err := c.do(ctx, http.MethodGet, "/v1/calls/"+c.callID, nil, &data); err != nil {
		return nil, err
	}
	return data.ToolCalls, nil
}

// Disconnect hangs up the SIP leg.
func (c *PlatformChannel) Disconnect(ctx context.Context) error {
	if c.media == nil {
		c.pending.close(nil)
		return nil
	}
	return c.media.Disconnect(ctx)
}
