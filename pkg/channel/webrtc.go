package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
	"voiceprobe/pkg/version"
)

const iceGatherTimeout = 10 * time.Second

// WebRTCChannel negotiates a PCMU audio track plus an "events" data channel
// with a WHIP-style endpoint: the SDP offer is POSTed to URL and the answer
// comes back in the response body.
type WebRTCChannel struct {
	cfg    Config
	logger *logrus.Logger
	client *http.Client

	pc       *webrtc.PeerConnection
	track    *webrtc.TrackLocalStaticSample
	sink     *eventSink
	resource string

	toolMu    sync.Mutex
	toolCalls []ToolCall

	closing   chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// NewWebRTCChannel creates an unconnected WebRTC channel.
func NewWebRTCChannel(cfg Config, logger *logrus.Logger) *WebRTCChannel {
	return &WebRTCChannel{
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.connectTimeout()},
		sink:    newEventSink(),
		closing: make(chan struct{}),
	}
}

func newPCMUAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: media.TelephonySampleRate,
			Channels:  1,
		},
		PayloadType: 0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register pcmu codec: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

// Connect performs the offer/answer exchange and waits for ICE to connect.
func (c *WebRTCChannel) Connect(ctx context.Context) error {
	api, err := newPCMUAPI()
	if err != nil {
		return errors.NewTransport(err, "create WebRTC API")
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return errors.NewTransport(err, "create peer connection")
	}
	c.pc = pc

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: media.TelephonySampleRate, Channels: 1},
		"audio", "voiceprobe",
	)
	if err != nil {
		c.closePeer()
		return errors.NewTransport(err, "create audio track")
	}
	if _, err := pc.AddTrack(track); err != nil {
		c.closePeer()
		return errors.NewTransport(err, "add audio track")
	}
	c.track = track

	ordered := true
	dc, err := pc.CreateDataChannel("events", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		c.closePeer()
		return errors.NewTransport(err, "create data channel")
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			c.handleControl(msg.Data)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.WithFields(logrus.Fields{
			"codec": remote.Codec().MimeType,
			"pt":    uint8(remote.PayloadType()),
		}).Debug("Inbound WebRTC track")
		go c.inboundLoop(remote)
	})

	connected := make(chan struct{})
	var connectedOnce sync.Once
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.logger.WithField("state", state.String()).Debug("ICE state")
		switch state {
		case webrtc.ICEConnectionStateConnected:
			connectedOnce.Do(func() { close(connected) })
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
			select {
			case <-c.closing:
			default:
				c.sink.close(&Event{Type: EventDisconnected, Err: fmt.Errorf("ICE %s", state.String())})
			}
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.closePeer()
		return errors.NewTransport(err, "create offer")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.closePeer()
		return errors.NewTransport(err, "set local description")
	}
	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-time.After(iceGatherTimeout):
		c.logger.Warn("ICE gathering timed out, proceeding with partial candidates")
	case <-ctx.Done():
		c.closePeer()
		return ctx.Err()
	}

	answer, err := c.exchange(ctx, pc.LocalDescription().SDP)
	if err != nil {
		c.closePeer()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		c.closePeer()
		return errors.NewTransport(err, "set remote description")
	}

	select {
	case <-connected:
	case <-time.After(c.cfg.connectTimeout()):
		c.closePeer()
		return errors.NewTransport(errors.ErrTimeout, "ICE did not connect")
	case <-ctx.Done():
		c.closePeer()
		return ctx.Err()
	}

	c.logger.WithField("url", c.cfg.URL).Info("WebRTC channel connected")
	return nil
}

func (c *WebRTCChannel) exchange(ctx context.Context, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewBufferString(offer))
	if err != nil {
		return "", errors.NewTransport(err, "build signaling request")
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.NewTransport(err, "signaling request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.NewTransport(err, "read SDP answer")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errors.NewTransport(errors.NewServiceError("webrtc signaling", resp.StatusCode, string(body)), "signaling rejected")
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		if base, err := url.Parse(c.cfg.URL); err == nil {
			if ref, err := url.Parse(loc); err == nil {
				c.resource = base.ResolveReference(ref).String()
			}
		}
	}
	return string(body), nil
}

func (c *WebRTCChannel) inboundLoop(remote *webrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.sink.close(&Event{Type: EventDisconnected, Err: err})
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		c.sink.emit(Event{Type: EventAudio, Audio: media.MuLaw8kToPCM24k(pkt.Payload)})
	}
}

func (c *WebRTCChannel) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "tool_call":
		now := time.Now().UnixMilli()
		call := ToolCall{Name: msg.Name, Arguments: msg.Arguments, Result: msg.Result,
			Successful: msg.Success, LatencyMs: msg.LatencyMs, TimestampMs: &now}
		c.toolMu.Lock()
		c.toolCalls = append(c.toolCalls, call)
		c.toolMu.Unlock()
		c.sink.emit(Event{Type: EventToolCall, ToolCall: &call})
	case "error":
		c.sink.emit(Event{Type: EventError, Err: fmt.Errorf("agent reported error: %s", msg.Message)})
	}
}

// SendAudio writes 20ms PCMU samples to the outbound track in real time.
func (c *WebRTCChannel) SendAudio(ctx context.Context, pcm []byte) error {
	if c.track == nil {
		return errors.NewTransport(errors.ErrNotConnected, "send audio")
	}
	payload := media.PCM24kToMuLaw8k(pcm)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ticker := time.NewTicker(rtpPacketInterval)
	defer ticker.Stop()
	for start := 0; start < len(payload); start += rtpSamplesPerPacket {
		select {
		case <-c.closing:
			return errors.NewTransport(errors.ErrDisconnected, "send audio")
		default:
		}
		end := start + rtpSamplesPerPacket
		if end > len(payload) {
			end = len(payload)
		}
		if err := c.track.WriteSample(pionmedia.Sample{Data: payload[start:end], Duration: rtpPacketInterval}); err != nil {
			return errors.NewTransport(err, "write sample")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Events returns the inbound event stream.
func (c *WebRTCChannel) Events() <-chan Event {
	return c.sink.events
}

// CallData returns tool calls announced over the data channel.
func (c *WebRTCChannel) CallData(ctx context.Context) ([]ToolCall, error) {
	c.toolMu.Lock()
	defer c.toolMu.Unlock()
	return append([]ToolCall(nil), c.toolCalls...), nil
}

// Disconnect closes the peer connection and deletes the signaling resource.
func (c *WebRTCChannel) Disconnect(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.sink.stop()

		if c.resource != "" {
			if req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, c.resource, nil); reqErr == nil {
				for k, v := range c.cfg.Headers {
					req.Header.Set(k, v)
				}
				if resp, doErr := c.client.Do(req); doErr == nil {
					resp.Body.Close()
				}
			}
		}
		err = c.closePeer()
		c.sink.close(nil)
	})
	return err
}

func (c *WebRTCChannel) closePeer() error {
	if c.pc == nil {
		return nil
	}
	return c.pc.Close()
}
