package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/metrics"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// StreamName is the JetStream stream holding market events.
const StreamName = "MARKET_EVENTS"

// jetStream is the publishing slice of nats.JetStreamContext.
type jetStream interface {
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher wraps a NATS connection and publishes canonical event envelopes.
type Publisher struct {
	nc      *nats.Conn
	js      jetStream
	mgr     nats.JetStreamManager
	service string
	logger  *zap.Logger
}

// New creates a Publisher with JetStream enabled.
func New(nc *nats.Conn, service string, logger *zap.Logger) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, js: js, mgr: js, service: service, logger: logger}, nil
}

// EnsureStream creates the market event stream if it does not exist yet.
func (p *Publisher) EnsureStream() error {
	if p.mgr == nil {
		return nil
	}
	_, err := p.mgr.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}
	_, err = p.mgr.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"evt.market.>"},
		Storage:    nats.FileStorage,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", StreamName, err)
	}
	p.logger.Info("publisher.stream_created", zap.String("stream", StreamName))
	return nil
}

// PublishEnvelope serializes and publishes an envelope to its topic.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("publisher.marshal_failed",
			zap.String("subject", env.Topic),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: env.Topic,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
			nats.MsgIdHdr:    []string{env.ID.String()},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg)
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, env.Topic)

	if err != nil {
		p.logger.Error("publisher.publish_failed",
			zap.String("subject", env.Topic),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		metrics.IncNATSMessage(env.Topic, "error")
		return err
	}

	p.logger.Debug("publisher.publish_success",
		zap.String("subject", env.Topic),
		zap.String("event_type", env.EventType))
	metrics.IncNATSMessage(env.Topic, "ok")
	return nil
}

// NewEnvelope wraps payload for topic. correlationKey groups every event of one
// trade or instrument under the same correlation id.
func (p *Publisher) NewEnvelope(topic, eventType, correlationKey string, at time.Time, payload any) (*model.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &model.Envelope{
		ID:            uuid.New(),
		CorrelationID: uuid.NewSHA1(uuid.NameSpaceURL, []byte(correlationKey)),
		Topic:         topic,
		EventType:     eventType,
		Version:       "1.0.0",
		Source:        p.service,
		Timestamp:     at.UTC(),
		Payload:       data,
	}, nil
}

// HealthCheck reports whether the NATS connection is usable.
func (p *Publisher) HealthCheck(context.Context) error {
	if p.nc == nil || !p.nc.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		_ = p.nc.Drain()
	}
}
