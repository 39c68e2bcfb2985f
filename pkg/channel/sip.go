package channel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/version"
)

// SIPConfig addresses a SIP endpoint for the agent.
type SIPConfig struct {
	// Target is the request URI, e.g. sip:agent@pbx.example.com:5060
	Target    string            `json:"target" yaml:"target"`
	FromUser  string            `json:"from_user,omitempty" yaml:"from_user,omitempty"`
	LocalIP   string            `json:"local_ip,omitempty" yaml:"local_ip,omitempty"`
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty"`
	SRTP      bool              `json:"srtp,omitempty" yaml:"srtp,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// IdleTimeoutMs ends the call when no RTP arrives for this long. 0 disables.
	IdleTimeoutMs int `json:"idle_timeout_ms,omitempty" yaml:"idle_timeout_ms,omitempty"`
}

// SIPChannel places an outbound call with sipgo and exchanges G.711 over RTP/SRTP.
type SIPChannel struct {
	cfg    Config
	logger *logrus.Logger

	ua      *sipgo.UserAgent
	server  *sipgo.Server
	dialogs *sipgo.DialogClientCache
	session *sipgo.DialogClientSession
	rtp     *rtpSession
	sink    *eventSink

	srvCancel context.CancelFunc
	hangup    chan struct{}
	hangOnce  sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	recvDone  chan struct{}
	callID    string
}

// NewSIPChannel creates an unconnected SIP channel.
func NewSIPChannel(cfg Config, logger *logrus.Logger) *SIPChannel {
	return &SIPChannel{
		cfg:      cfg,
		logger:   logger,
		sink:     newEventSink(),
		hangup:   make(chan struct{}),
		stop:     make(chan struct{}),
		recvDone: make(chan struct{}),
	}
}

// Connect sends INVITE, waits for the answer, ACKs and starts media.
func (c *SIPChannel) Connect(ctx context.Context) error {
	sipCfg := c.cfg.SIP
	transport := sipCfg.Transport
	if transport == "" {
		transport = "udp"
	}
	fromUser := sipCfg.FromUser
	if fromUser == "" {
		fromUser = "voiceprobe"
	}

	var recipient sip.Uri
	if err := sip.ParseUri(sipCfg.Target, &recipient); err != nil {
		return errors.NewInvalidInput(fmt.Sprintf("invalid SIP target %q: %v", sipCfg.Target, err))
	}

	localIP := sipCfg.LocalIP
	if localIP == "" {
		ip, err := outboundIP(recipient.Host)
		if err != nil {
			return errors.NewTransport(err, "determine local address")
		}
		localIP = ip
	}

	sipPort, err := freeUDPPort(localIP)
	if err != nil {
		return errors.NewTransport(err, "allocate SIP port")
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(version.UserAgent()))
	if err != nil {
		return errors.NewTransport(err, "create SIP user agent")
	}
	c.ua = ua

	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(localIP))
	if err != nil {
		c.closeUA()
		return errors.NewTransport(err, "create SIP client")
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{User: fromUser, Host: localIP, Port: sipPort},
	}
	c.dialogs = sipgo.NewDialogClientCache(client, contact)

	server, err := sipgo.NewServer(ua)
	if err != nil {
		c.closeUA()
		return errors.NewTransport(err, "create SIP server")
	}
	server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := c.dialogs.ReadBye(req, tx); err != nil {
			c.logger.WithError(err).Debug("BYE did not match an active dialog")
			return
		}
		c.logger.WithField("call_id", c.callID).Info("Agent hung up")
		c.hangOnce.Do(func() { close(c.hangup) })
	})
	c.server = server

	srvCtx, srvCancel := context.WithCancel(context.Background())
	c.srvCancel = srvCancel
	go func() {
		addr := net.JoinHostPort(localIP, fmt.Sprint(sipPort))
		if err := server.ListenAndServe(srvCtx, transport, addr); err != nil && srvCtx.Err() == nil {
			c.logger.WithError(err).Warn("SIP listener stopped")
		}
	}()

	c.rtp, err = newRTPSession(localIP, sipCfg.SRTP, c.logger)
	if err != nil {
		c.closeUA()
		return err
	}
	offer, err := c.rtp.offer(localIP)
	if err != nil {
		c.teardown()
		return errors.NewTransport(err, "build SDP offer")
	}

	headers := []sip.Header{sip.NewHeader("Content-Type", "application/sdp")}
	for k, v := range sipCfg.Headers {
		headers = append(headers, sip.NewHeader(k, v))
	}

	connCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout())
	defer cancel()

	session, err := c.dialogs.Invite(connCtx, recipient, offer, headers...)
	if err != nil {
		c.teardown()
		return errors.NewTransport(err, "send INVITE", map[string]interface{}{"target": sipCfg.Target})
	}
	c.session = session

	if err := session.WaitAnswer(connCtx, sipgo.AnswerOptions{}); err != nil {
		c.teardown()
		return errors.NewTransport(err, "call not answered", map[string]interface{}{"target": sipCfg.Target})
	}
	if cid := session.InviteRequest.CallID(); cid != nil {
		c.callID = cid.Value()
	}

	if err := c.rtp.applyAnswer(session.InviteResponse.Body()); err != nil {
		_ = session.Bye(context.Background())
		c.teardown()
		return err
	}
	if err := session.Ack(connCtx); err != nil {
		c.teardown()
		return errors.NewTransport(err, "send ACK")
	}

	c.logger.WithFields(logrus.Fields{
		"call_id": c.callID,
		"target":  sipCfg.Target,
		"remote":  c.rtp.remote.String(),
		"srtp":    sipCfg.SRTP,
	}).Info("SIP call established")

	idle := time.Duration(sipCfg.IdleTimeoutMs) * time.Millisecond
	go func() {
		defer close(c.recvDone)
		c.sink.close(c.rtp.receive(c.sink, c.stop, c.hangup, idle))
	}()
	return nil
}

// SendAudio streams pcm to the agent in real time.
func (c *SIPChannel) SendAudio(ctx context.Context, pcm []byte) error {
	if c.rtp == nil || c.rtp.remote == nil {
		return errors.NewTransport(errors.ErrNotConnected, "send audio")
	}
	select {
	case <-c.hangup:
		return errors.NewTransport(errors.ErrDisconnected, "send audio")
	case <-c.stop:
		return errors.NewTransport(errors.ErrDisconnected, "send audio")
	default:
	}
	return c.rtp.send(ctx, pcm)
}

// Events returns the inbound event stream.
func (c *SIPChannel) Events() <-chan Event {
	return c.sink.events
}

// Disconnect sends BYE (unless the agent already hung up) and releases media.
func (c *SIPChannel) Disconnect(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		c.sink.stop()

		if c.session != nil {
			select {
			case <-c.hangup:
			default:
				byeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if byeErr := c.session.Bye(byeCtx); byeErr != nil {
					err = errors.NewTransport(byeErr, "send BYE")
				}
				cancel()
			}
		}

		if c.rtp != nil && c.rtp.remote != nil {
			select {
			case <-c.recvDone:
			case <-time.After(2 * time.Second):
			}
		} else {
			c.sink.close(nil)
		}
		c.teardown()
	})
	return err
}

func (c *SIPChannel) teardown() {
	if c.session != nil {
		_ = c.session.Close()
	}
	if c.rtp != nil {
		_ = c.rtp.close()
	}
	c.closeUA()
}

func (c *SIPChannel) closeUA() {
	if c.srvCancel != nil {
		c.srvCancel()
	}
	if c.ua != nil {
		_ = c.ua.Close()
	}
}

// outboundIP finds the local address the OS would route to host.
func outboundIP(host string) (string, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(host, "5060"))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func freeUDPPort(ip string) (int, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip)})
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}
