package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
)

const (
	wsWriteTimeout = 10 * time.Second
	// 100ms of pcm16/24k per binary frame
	wsChunkBytes = 4800
)

// controlMessage is the JSON shape of text frames exchanged with the agent.
type controlMessage struct {
	Type      string                 `json:"type"`
	Name      string                 `json:"name,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Result    interface{}            `json:"result,omitempty"`
	Success   *bool                  `json:"successful,omitempty"`
	LatencyMs *float64               `json:"latency_ms,omitempty"`
	Audio     string                 `json:"audio,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

// WebSocketChannel streams audio as binary frames. Text frames carry JSON
// control messages: tool_call, audio (base64 payload) and error.
type WebSocketChannel struct {
	cfg    Config
	logger *logrus.Logger

	conn      *websocket.Conn
	writeMu   sync.Mutex
	sink      *eventSink
	mulaw     bool
	closing   chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
	toolCalls []ToolCall
	toolMu    sync.Mutex
}

// NewWebSocketChannel creates an unconnected websocket channel.
func NewWebSocketChannel(cfg Config, logger *logrus.Logger) *WebSocketChannel {
	return &WebSocketChannel{
		cfg:      cfg,
		logger:   logger,
		sink:     newEventSink(),
		mulaw:    strings.EqualFold(cfg.AudioFormat, "mulaw"),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// Connect dials the agent endpoint.
func (c *WebSocketChannel) Connect(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout())
	defer cancel()

	headers := http.Header{}
	for k, v := range c.cfg.Headers {
		headers.Set(k, v)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.connectTimeout(),
		ReadBufferSize:   16 * 1024,
		WriteBufferSize:  16 * 1024,
	}
	conn, resp, err := dialer.DialContext(connCtx, c.cfg.URL, headers)
	if err != nil {
		fields := map[string]interface{}{"url": c.cfg.URL}
		if resp != nil {
			fields["status"] = resp.StatusCode
		}
		return errors.NewTransport(err, "websocket dial failed", fields)
	}
	c.conn = conn

	c.logger.WithFields(logrus.Fields{
		"url":    c.cfg.URL,
		"format": c.format(),
	}).Debug("WebSocket channel connected")

	go c.readLoop()
	return nil
}

func (c *WebSocketChannel) format() string {
	if c.mulaw {
		return "mulaw"
	}
	return "pcm16"
}

// SendAudio writes pcm as a series of binary frames.
func (c *WebSocketChannel) SendAudio(ctx context.Context, pcm []byte) error {
	if c.conn == nil {
		return errors.NewTransport(errors.ErrNotConnected, "send audio")
	}
	select {
	case <-c.closing:
		return errors.NewTransport(errors.ErrDisconnected, "send audio")
	default:
	}

	payload := pcm
	chunk := wsChunkBytes
	if c.mulaw {
		payload = media.PCM24kToMuLaw8k(pcm)
		chunk = wsChunkBytes / 6
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for start := 0; start < len(payload); start += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + chunk
		if end > len(payload) {
			end = len(payload)
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, payload[start:end]); err != nil {
			return errors.NewTransport(err, "websocket write failed")
		}
	}
	return nil
}

// Events returns the inbound event stream.
func (c *WebSocketChannel) Events() <-chan Event {
	return c.sink.events
}

// CallData returns tool calls announced in-band during the call.
func (c *WebSocketChannel) CallData(ctx context.Context) ([]ToolCall, error) {
	c.toolMu.Lock()
	defer c.toolMu.Unlock()
	return append([]ToolCall(nil), c.toolCalls...), nil
}

// Disconnect sends a close frame and waits briefly for the reader to finish.
func (c *WebSocketChannel) Disconnect(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.sink.stop()
		if c.conn == nil {
			c.sink.close(nil)
			return
		}

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "test complete")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		select {
		case <-c.readDone:
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
		err = c.conn.Close()
	})
	return err
}

func (c *WebSocketChannel) readLoop() {
	defer close(c.readDone)

	var final *Event
	defer func() { c.sink.close(final) }()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				final = &Event{Type: EventDisconnected}
			} else {
				final = &Event{Type: EventError, Err: errors.NewTransport(err, "websocket read failed")}
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.sink.emit(Event{Type: EventAudio, Audio: c.decode(data)})
		case websocket.TextMessage:
			c.handleText(data)
		}
	}
}

func (c *WebSocketChannel) decode(data []byte) []byte {
	if c.mulaw {
		return media.MuLaw8kToPCM24k(data)
	}
	return data
}

func (c *WebSocketChannel) handleText(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.WithError(err).Debug("Ignoring non-JSON text frame")
		return
	}

	switch msg.Type {
	case "tool_call":
		now := time.Now().UnixMilli()
		call := ToolCall{
			Name:        msg.Name,
			Arguments:   msg.Arguments,
			Result:      msg.Result,
			Successful:  msg.Success,
			LatencyMs:   msg.LatencyMs,
			TimestampMs: &now,
		}
		c.toolMu.Lock()
		c.toolCalls = append(c.toolCalls, call)
		c.toolMu.Unlock()
		c.sink.emit(Event{Type: EventToolCall, ToolCall: &call})
	case "audio":
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			c.logger.WithError(err).Debug("Ignoring malformed base64 audio frame")
			return
		}
		c.sink.emit(Event{Type: EventAudio, Audio: c.decode(pcm)})
	case "error":
		c.sink.emit(Event{Type: EventError, Err: fmt.Errorf("agent reported error: %s", msg.Message)})
	default:
		c.logger.WithField("type", msg.Type).Debug("Ignoring unknown control message")
	}
}
