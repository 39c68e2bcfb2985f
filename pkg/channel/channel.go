// Package channel implements the duplex audio transports used to talk to an
// agent under test. Every transport exchanges 16-bit little-endian mono PCM at
// 24 kHz with the engine; codec conversion happens inside the adapter.
package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/errors"
)

// EventType identifies what an Event carries.
type EventType string

const (
	EventAudio        EventType = "audio"
	EventToolCall     EventType = "tool_call"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
)

// Event is one inbound notification from the agent side of a channel.
type Event struct {
	Type     EventType
	Audio    []byte
	ToolCall *ToolCall
	Err      error
	At       time.Time
}

// ToolCall is a tool invocation observed on the agent platform.
type ToolCall struct {
	Name        string                 `json:"name"`
	Arguments   map[string]interface{} `json:"arguments"`
	Result      interface{}            `json:"result,omitempty"`
	Successful  *bool                  `json:"successful,omitempty"`
	TimestampMs *int64                 `json:"timestamp_ms,omitempty"`
	LatencyMs   *float64               `json:"latency_ms,omitempty"`
}

// AudioChannel is a duplex PCM connection to the agent.
type AudioChannel interface {
	Connect(ctx context.Context) error
	// SendAudio writes pcm16/24k audio. Real-time transports return once the
	// audio has been played out.
	SendAudio(ctx context.Context, pcm []byte) error
	// Events delivers inbound audio and terminal events. It is closed after
	// the transport shuts down.
	Events() <-chan Event
	// Disconnect is idempotent.
	Disconnect(ctx context.Context) error
}

// CallDataProvider is implemented by channels that can report tool calls after the call.
type CallDataProvider interface {
	CallData(ctx context.Context) ([]ToolCall, error)
}

// Factory builds a fresh, unconnected channel.
type Factory func() (AudioChannel, error)

// Adapter names
const (
	AdapterWebSocket = "websocket"
	AdapterSIP       = "sip"
	AdapterWebRTC    = "webrtc"
	AdapterPlatform  = "platform"
)

// Config describes how to reach the agent.
type Config struct {
	Adapter string            `json:"adapter" yaml:"adapter"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// AudioFormat is the websocket payload format: pcm16 (default) or mulaw.
	AudioFormat      string         `json:"audio_format,omitempty" yaml:"audio_format,omitempty"`
	ConnectTimeoutMs int            `json:"connect_timeout_ms,omitempty" yaml:"connect_timeout_ms,omitempty"`
	SIP              SIPConfig      `json:"sip,omitempty" yaml:"sip,omitempty"`
	Platform         PlatformConfig `json:"platform,omitempty" yaml:"platform,omitempty"`
	// HealthCheckURL is polled by the runner before any test starts.
	HealthCheckURL string `json:"health_check_url,omitempty" yaml:"health_check_url,omitempty"`
}

// Validate checks the adapter-specific fields.
func (c Config) Validate() error {
	switch strings.ToLower(c.Adapter) {
	case AdapterWebSocket, AdapterWebRTC:
		if c.URL == "" {
			return errors.NewInvalidInput(fmt.Sprintf("%s adapter requires url", c.Adapter))
		}
	case AdapterSIP:
		if c.SIP.Target == "" {
			return errors.NewInvalidInput("sip adapter requires sip.target")
		}
	case AdapterPlatform:
		if c.URL == "" || c.Platform.AgentID == "" {
			return errors.NewInvalidInput("platform adapter requires url and platform.agent_id")
		}
	default:
		return errors.NewInvalidInput(fmt.Sprintf("unknown adapter %q", c.Adapter))
	}
	return nil
}

// New builds an unconnected channel for cfg.Adapter.
func New(cfg Config, logger *logrus.Logger) (AudioChannel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeoutMs <= 0 {
		cfg.ConnectTimeoutMs = 10000
	}

	switch strings.ToLower(cfg.Adapter) {
	case AdapterWebSocket:
		return NewWebSocketChannel(cfg, logger), nil
	case AdapterSIP:
		return NewSIPChannel(cfg, logger), nil
	case AdapterWebRTC:
		return NewWebRTCChannel(cfg, logger), nil
	case AdapterPlatform:
		return NewPlatformChannel(cfg, logger), nil
	}
	return nil, errors.NewInvalidInput(fmt.Sprintf("unknown adapter %q", cfg.Adapter))
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// NewFactory returns a Factory that builds a new channel per call.
func NewFactory(cfg Config, logger *logrus.Logger) Factory {
	return func() (AudioChannel, error) {
		return New(cfg, logger)
	}
}

// eventSink is the per-instance event queue shared by the adapters. It is
// safe for several producers; emits after close are dropped.
type eventSink struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
	mu        sync.RWMutex
	closed    bool
}

func newEventSink() *eventSink {
	return &eventSink{
		events: make(chan Event, 1024),
		done:   make(chan struct{}),
	}
}

// emit blocks until the event is queued or the sink is stopped.
func (s *eventSink) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	case <-s.done:
	}
}

// stop unblocks pending emits; called when the local side disconnects.
func (s *eventSink) stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

// close emits a final event (if any) and closes the events channel.
func (s *eventSink) close(final *Event) {
	s.closeOnce.Do(func() {
		if final != nil {
			s.emit(*final)
		}
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}
