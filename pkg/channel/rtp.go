package channel

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/srtp/v2"
	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
)

const (
	// 20ms of 8 kHz G.711
	rtpSamplesPerPacket = 160
	rtpPacketInterval   = 20 * time.Millisecond
	rtpReadPoll         = 500 * time.Millisecond
	srtpProfileName     = "AES_CM_128_HMAC_SHA1_80"
	srtpKeyLen          = 16
	srtpSaltLen         = 14
)

// rtpSession carries G.711 audio over plain RTP or SDES-keyed SRTP.
type rtpSession struct {
	logger *logrus.Logger
	conn   *net.UDPConn
	remote *net.UDPAddr

	useSRTP     bool
	localKey    []byte
	localSalt   []byte
	srtpSession *srtp.SessionSRTP
	writeStream *srtp.WriteStreamSRTP

	payloadType uint8
	ssrc        uint32
	seq         uint16
	timestamp   uint32
	writeMu     sync.Mutex
	started     bool

	lastPacket atomic.Int64
}

func newRTPSession(localIP string, useSRTP bool, logger *logrus.Logger) (*rtpSession, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(localIP)})
	if err != nil {
		return nil, errors.NewTransport(err, "allocate RTP port")
	}

	s := &rtpSession{
		logger:      logger,
		conn:        conn,
		useSRTP:     useSRTP,
		payloadType: media.PayloadTypePCMU,
		ssrc:        randomUint32(),
		seq:         uint16(randomUint32()),
		timestamp:   randomUint32(),
	}
	if useSRTP {
		s.localKey = make([]byte, srtpKeyLen)
		s.localSalt = make([]byte, srtpSaltLen)
		if _, err := rand.Read(s.localKey); err != nil {
			conn.Close()
			return nil, err
		}
		if _, err := rand.Read(s.localSalt); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *rtpSession) localPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// offer builds the SDP offer for a PCMU/PCMA audio stream.
func (s *rtpSession) offer(localIP string) ([]byte, error) {
	proto := []string{"RTP", "AVP"}
	attrs := []sdp.Attribute{
		{Key: "rtpmap", Value: "0 PCMU/8000"},
		{Key: "rtpmap", Value: "8 PCMA/8000"},
		{Key: "rtpmap", Value: "101 telephone-event/8000"},
		{Key: "fmtp", Value: "101 0-16"},
		{Key: "ptime", Value: "20"},
		{Key: "sendrecv"},
	}
	if s.useSRTP {
		proto = []string{"RTP", "SAVP"}
		keySalt := base64.StdEncoding.EncodeToString(append(append([]byte(nil), s.localKey...), s.localSalt...))
		attrs = append(attrs, sdp.Attribute{Key: "crypto", Value: fmt.Sprintf("1 %s inline:%s", srtpProfileName, keySalt)})
	}

	sessionID := uint64(time.Now().UnixNano())
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "voiceprobe",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "voiceprobe",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: s.localPort()},
				Protos:  proto,
				Formats: []string{"0", "8", "101"},
			},
			Attributes: attrs,
		}},
	}
	return desc.Marshal()
}

// applyAnswer reads the remote address, codec and SRTP key from the answer.
func (s *rtpSession) applyAnswer(body []byte) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return errors.NewTransport(err, "parse SDP answer")
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			audio = md
			break
		}
	}
	if audio == nil {
		return errors.NewTransport(nil, "SDP answer has no active audio stream")
	}

	host := ""
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		host = audio.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		host = desc.ConnectionInformation.Address.Address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return errors.NewTransport(nil, fmt.Sprintf("SDP answer has invalid connection address %q", host))
	}
	s.remote = &net.UDPAddr{IP: ip, Port: audio.MediaName.Port.Value}

	for _, f := range audio.MediaName.Formats {
		if f == "8" {
			s.payloadType = media.PayloadTypePCMA
			break
		}
		if f == "0" {
			break
		}
	}

	if !s.useSRTP {
		return nil
	}
	var remoteKey []byte
	for _, a := range audio.Attributes {
		if a.Key != "crypto" {
			continue
		}
		idx := strings.Index(a.Value, "inline:")
		if idx < 0 {
			continue
		}
		material := a.Value[idx+len("inline:"):]
		if bar := strings.IndexByte(material, '|'); bar >= 0 {
			material = material[:bar]
		}
		decoded, err := base64.StdEncoding.DecodeString(material)
		if err != nil {
			return errors.NewTransport(err, "decode SDES key")
		}
		remoteKey = decoded
		break
	}
	if len(remoteKey) != srtpKeyLen+srtpSaltLen {
		return errors.NewTransport(nil, "SDP answer has no usable crypto attribute")
	}

	cfg := &srtp.Config{
		Profile: srtp.ProtectionProfileAes128CmHmacSha1_80,
		Keys: srtp.SessionKeys{
			LocalMasterKey:   s.localKey,
			LocalMasterSalt:  s.localSalt,
			RemoteMasterKey:  remoteKey[:srtpKeyLen],
			RemoteMasterSalt: remoteKey[srtpKeyLen:],
		},
	}
	session, err := srtp.NewSessionSRTP(&fixedPeerConn{UDPConn: s.conn, peer: s.remote}, cfg)
	if err != nil {
		return errors.NewTransport(err, "create SRTP session")
	}
	writeStream, err := session.OpenWriteStream()
	if err != nil {
		session.Close()
		return errors.NewTransport(err, "open SRTP write stream")
	}
	s.srtpSession = session
	s.writeStream = writeStream
	return nil
}

// send packetizes pcm16/24k into 20ms G.711 packets paced in real time.
func (s *rtpSession) send(ctx context.Context, pcm []byte) error {
	samples := media.Resample(media.BytesToSamples(pcm), media.EngineSampleRate, media.TelephonySampleRate)
	payload, err := media.EncodeRTPPayload(s.payloadType, samples)
	if err != nil {
		return errors.NewTransport(err, "encode RTP payload")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ticker := time.NewTicker(rtpPacketInterval)
	defer ticker.Stop()

	for start := 0; start < len(payload); start += rtpSamplesPerPacket {
		end := start + rtpSamplesPerPacket
		if end > len(payload) {
			end = len(payload)
		}

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         !s.started,
				PayloadType:    s.payloadType,
				SequenceNumber: s.seq,
				Timestamp:      s.timestamp,
				SSRC:           s.ssrc,
			},
			Payload: payload[start:end],
		}
		s.started = true
		s.seq++
		s.timestamp += uint32(end - start)

		if err := s.writePacket(&pkt); err != nil {
			return errors.NewTransport(err, "RTP write failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *rtpSession) writePacket(pkt *rtp.Packet) error {
	if s.writeStream != nil {
		_, err := s.writeStream.WriteRTP(&pkt.Header, pkt.Payload)
		return err
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(raw, s.remote)
	return err
}

// receive reads packets until stop is closed or inactivity exceeds idle,
// emitting decoded pcm16/24k audio. It returns the terminal event, if any.
func (s *rtpSession) receive(sink *eventSink, stop <-chan struct{}, hangup <-chan struct{}, idle time.Duration) *Event {
	s.lastPacket.Store(time.Now().UnixNano())

	type readDeadliner interface {
		Read([]byte) (int, error)
		SetReadDeadline(time.Time) error
	}
	var reader readDeadliner = s.conn
	if s.srtpSession != nil {
		stream, ssrc, ev := s.acceptSRTP(stop, hangup)
		if stream == nil {
			return ev
		}
		s.logger.WithField("ssrc", ssrc).Debug("Accepted SRTP stream")
		reader = stream
	}

	buf := make([]byte, 1500)
	for {
		select {
		case <-stop:
			return nil
		case <-hangup:
			return &Event{Type: EventDisconnected}
		default:
		}

		_ = reader.SetReadDeadline(time.Now().Add(rtpReadPoll))
		n, err := reader.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if idle > 0 && time.Since(time.Unix(0, s.lastPacket.Load())) > idle {
					return &Event{Type: EventDisconnected, Err: fmt.Errorf("no RTP received for %s", idle)}
				}
				continue
			}
			select {
			case <-stop:
				return nil
			default:
			}
			return &Event{Type: EventError, Err: errors.NewTransport(err, "RTP read failed")}
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		s.lastPacket.Store(time.Now().UnixNano())

		samples, err := media.DecodeRTPPayload(pkt.PayloadType, pkt.Payload)
		if err != nil {
			continue
		}
		pcm := media.SamplesToBytes(media.Resample(samples, media.TelephonySampleRate, media.EngineSampleRate))
		sink.emit(Event{Type: EventAudio, Audio: pcm})
	}
}

func (s *rtpSession) acceptSRTP(stop, hangup <-chan struct{}) (*srtp.ReadStreamSRTP, uint32, *Event) {
	type accepted struct {
		stream *srtp.ReadStreamSRTP
		ssrc   uint32
		err    error
	}
	ch := make(chan accepted, 1)
	go func() {
		stream, ssrc, err := s.srtpSession.AcceptStream()
		ch <- accepted{stream, ssrc, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return nil, 0, &Event{Type: EventError, Err: errors.NewTransport(a.err, "accept SRTP stream")}
		}
		return a.stream, a.ssrc, nil
	case <-stop:
		return nil, 0, nil
	case <-hangup:
		return nil, 0, &Event{Type: EventDisconnected}
	}
}

func (s *rtpSession) close() error {
	if s.srtpSession != nil {
		_ = s.srtpSession.Close()
	} else {
		s.sendBye()
	}
	return s.conn.Close()
}

// sendBye tells the far end on its RTCP port (RTP port + 1) that our SSRC
// is leaving. SRTP sessions skip it since RTCP would need SRTCP keying.
func (s *rtpSession) sendBye() {
	if s.remote == nil {
		return
	}
	raw, err := rtcpBye(s.ssrc)
	if err == nil {
		addr := &net.UDPAddr{IP: s.remote.IP, Port: s.remote.Port + 1, Zone: s.remote.Zone}
		_, err = s.conn.WriteToUDP(raw, addr)
	}
	if err != nil {
		s.logger.WithError(err).Debug("Failed to send RTCP BYE")
	}
}

// rtcpBye builds the compound receiver report + BYE packet.
func rtcpBye(ssrc uint32) ([]byte, error) {
	return rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: ssrc},
		&rtcp.Goodbye{Sources: []uint32{ssrc}, Reason: "hangup"},
	})
}

// fixedPeerConn adapts an unconnected UDP socket to the net.Conn the SRTP
// session expects, pinning writes to the negotiated peer.
type fixedPeerConn struct {
	*net.UDPConn
	peer *net.UDPAddr
}

func (c *fixedPeerConn) Read(b []byte) (int, error) {
	n, _, err := c.UDPConn.ReadFromUDP(b)
	return n, err
}

func (c *fixedPeerConn) Write(b []byte) (int, error) {
	return c.UDPConn.WriteToUDP(b, c.peer)
}

func (c *fixedPeerConn) RemoteAddr() net.Addr {
	return c.peer
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
