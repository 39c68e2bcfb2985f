package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voiceprobe/pkg/config"
	"voiceprobe/pkg/engine"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/metrics"
)

// publisher is the part of *amqp.Channel the reporter uses.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPReporter publishes envelopes to a topic exchange. Routing keys are
// "<routing_key>.<kind>", so consumers can bind to results only.
type AMQPReporter struct {
	logger    *logrus.Logger
	config    config.AMQPConfig
	dial      func(url string) (*amqp.Connection, error)
	conn      *amqp.Connection
	channel   publisher
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPReporter creates a reporter; call Connect before use.
func NewAMQPReporter(logger *logrus.Logger, cfg config.AMQPConfig) *AMQPReporter {
	if cfg.Exchange == "" {
		cfg.Exchange = "voiceprobe"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "runs"
	}
	return &AMQPReporter{
		logger:   logger,
		config:   cfg,
		dial:     amqp.Dial,
		stopChan: make(chan struct{}),
	}
}

// Connect dials the broker and declares the exchange.
func (a *AMQPReporter) Connect() error {
	a.connMutex.Lock()
	defer a.connMutex.Unlock()

	if a.connected {
		return nil
	}
	if a.config.URL == "" {
		return errors.NewInvalidInput("AMQP_URL is not configured")
	}

	type dialed struct {
		conn *amqp.Connection
		err  error
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	connChan := make(chan dialed, 1)
	go func() {
		conn, err := a.dial(a.config.URL)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case connChan <- dialed{conn, err}:
		}
	}()

	var conn *amqp.Connection
	select {
	case d := <-connChan:
		if d.err != nil {
			return errors.NewTransport(d.err, "failed to connect to AMQP server")
		}
		conn = d.conn
	case <-ctx.Done():
		return errors.NewTransport(errors.ErrTimeout, "connection to AMQP server timed out after 5 seconds")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.NewTransport(err, "failed to open AMQP channel")
	}
	if err := ch.ExchangeDeclare(a.config.Exchange, "topic", a.config.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return errors.NewTransport(err, "failed to declare AMQP exchange")
	}

	a.conn = conn
	a.channel = ch
	a.connected = true
	a.stopChan = make(chan struct{})
	a.logger.WithFields(logrus.Fields{
		"exchange":    a.config.Exchange,
		"routing_key": a.config.RoutingKey,
	}).Info("Connected to AMQP server")

	go a.monitorConnection(conn)
	return nil
}

// Disconnect closes the channel and connection.
func (a *AMQPReporter) Disconnect() {
	a.connMutex.Lock()
	defer a.connMutex.Unlock()

	if !a.connected {
		return
	}
	close(a.stopChan)
	if a.channel != nil {
		a.channel.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	a.connected = false
	a.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status.
func (a *AMQPReporter) IsConnected() bool {
	a.connMutex.RLock()
	defer a.connMutex.RUnlock()
	return a.connected
}

// Progress implements engine.Reporter.
func (a *AMQPReporter) Progress(_ context.Context, p engine.Progress) error {
	return a.publish(Envelope{Kind: KindProgress, RunID: p.RunID, SentAt: time.Now(), Payload: p}, false)
}

// Event implements engine.Reporter.
func (a *AMQPReporter) Event(_ context.Context, e engine.Event) error {
	return a.publish(Envelope{Kind: KindEvent, RunID: e.RunID, SentAt: time.Now(), Payload: e}, false)
}

// Result implements engine.Reporter. Results are persistent messages.
func (a *AMQPReporter) Result(_ context.Context, res *engine.RunResult) error {
	return a.publish(Envelope{Kind: KindResult, RunID: res.RunID, SentAt: time.Now(), Payload: res}, true)
}

func (a *AMQPReporter) publish(env Envelope, persistent bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.WithFields(logrus.Fields{"run_id": env.RunID, "recover": r}).Error("Recovered from panic in AMQP publish")
			err = fmt.Errorf("amqp publish panicked: %v", r)
		}
		metrics.RecordReport("amqp", env.Kind, err)
	}()

	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}

	a.connMutex.RLock()
	defer a.connMutex.RUnlock()
	if !a.connected || a.channel == nil {
		return errors.NewTransport(errors.ErrNotConnected, "AMQP reporter is not connected")
	}

	msg := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   env.SentAt,
		MessageId:   env.RunID + "." + env.Kind,
		Headers:     amqp.Table{"x-run-id": env.RunID, "x-kind": env.Kind},
	}
	if persistent {
		msg.DeliveryMode = amqp.Persistent
	} else {
		// progress is stale after a few minutes
		msg.Expiration = "300000"
	}
	if err := a.channel.Publish(a.config.Exchange, a.config.RoutingKey+"."+env.Kind, false, false, msg); err != nil {
		return errors.NewTransport(err, "failed to publish report")
	}
	a.logger.WithFields(logrus.Fields{"run_id": env.RunID, "kind": env.Kind}).Debug("Published report to AMQP")
	return nil
}

// monitorConnection reconnects with backoff when the broker drops conn.
func (a *AMQPReporter) monitorConnection(conn *amqp.Connection) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	a.connMutex.RLock()
	stop := a.stopChan
	a.connMutex.RUnlock()

	select {
	case <-stop:
		return
	case closeErr, ok := <-closeChan:
		if !ok {
			return
		}
		a.connMutex.Lock()
		a.connected = false
		a.connMutex.Unlock()
		a.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")
	}

	for attempt := 1; attempt <= 10; attempt++ {
		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}
		if err := a.Connect(); err != nil {
			a.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")
			continue
		}
		a.logger.Info("Reconnected to AMQP server")
		return
	}
}
