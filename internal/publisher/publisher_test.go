package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/pkg/eventbus"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

type mockJetStream struct {
	mu        sync.Mutex
	published []*nats.Msg
	fail      bool
}

func (m *mockJetStream) PublishMsg(msg *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("mock publish error")
	}
	m.published = append(m.published, msg)
	return &nats.PubAck{Stream: StreamName}, nil
}

func (m *mockJetStream) messages() []*nats.Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*nats.Msg(nil), m.published...)
}

func newTestPublisher(js *mockJetStream) *Publisher {
	return &Publisher{js: js, service: "marketcore", logger: zap.NewNop()}
}

func TestPublishEnvelope(t *testing.T) {
	js := &mockJetStream{}
	p := newTestPublisher(js)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := p.NewEnvelope(SubjectTradeMatched, "trade.matched", "t1", at, map[string]string{"id": "t1"})
	require.NoError(t, err)
	require.NoError(t, p.PublishEnvelope(context.Background(), env))

	msgs := js.messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, SubjectTradeMatched, msg.Subject)
	assert.Equal(t, "trade.matched", msg.Header.Get("event_type"))
	assert.Equal(t, "marketcore", msg.Header.Get("service"))
	assert.Equal(t, env.ID.String(), msg.Header.Get(nats.MsgIdHdr))

	var decoded model.Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, "1.0.0", decoded.Version)
	assert.JSONEq(t, `{"id":"t1"}`, string(decoded.Payload))
}

func TestNewEnvelope_CorrelatesByKey(t *testing.T) {
	p := newTestPublisher(&mockJetStream{})
	now := time.Now()

	a, err := p.NewEnvelope(SubjectTradeMatched, "trade.matched", "t1", now, struct{}{})
	require.NoError(t, err)
	b, err := p.NewEnvelope(SubjectPaymentApplied, "payment.SUCCEEDED", "t1", now, struct{}{})
	require.NoError(t, err)
	c, err := p.NewEnvelope(SubjectPaymentApplied, "payment.SUCCEEDED", "t2", now, struct{}{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.CorrelationID, b.CorrelationID)
	assert.NotEqual(t, a.CorrelationID, c.CorrelationID)
	assert.NotEqual(t, uuid.Nil, a.CorrelationID)
}

func TestPublishEnvelope_Failure(t *testing.T) {
	p := newTestPublisher(&mockJetStream{fail: true})
	env, err := p.NewEnvelope(SubjectOrdersExpired, "orders.expired", "sweep", time.Now(), struct{}{})
	require.NoError(t, err)
	assert.Error(t, p.PublishEnvelope(context.Background(), env))
}

func TestRegister_ForwardsBusEvents(t *testing.T) {
	js := &mockJetStream{}
	p := newTestPublisher(js)
	bus := eventbus.New(zap.NewNop())
	p.Register(bus)

	trade := model.Trade{ID: "t1", Price: decimal.NewFromInt(150), Status: model.TradeMatched}
	ctx := context.Background()
	bus.PublishSync(ctx, model.TradeMatchedEvent{Trade: trade})
	bus.PublishSync(ctx, model.TradeStatusChanged{Trade: trade, From: model.TradeMatched})
	bus.PublishSync(ctx, model.PaymentApplied{Trade: trade, Payment: model.Payment{Status: model.PaymentSucceeded}})
	bus.PublishSync(ctx, model.PaymentRefundedEvent{Trade: trade})
	bus.PublishSync(ctx, model.MarketStatsUpdated{Instrument: model.Instrument{ID: "i1"}})
	bus.PublishSync(ctx, model.OrdersExpired{Count: 2})

	var subjects []string
	for _, m := range js.messages() {
		subjects = append(subjects, m.Subject)
	}
	assert.Equal(t, []string{
		SubjectTradeMatched,
		SubjectTradeStatusChanged,
		SubjectPaymentApplied,
		SubjectPaymentRefunded,
		SubjectStatsUpdated,
		SubjectOrdersExpired,
	}, subjects)
	assert.Equal(t, "payment.SUCCEEDED", js.messages()[2].Header.Get("event_type"))
}

func TestHealthCheck_NoConnection(t *testing.T) {
	assert.Error(t, newTestPublisher(&mockJetStream{}).HealthCheck(context.Background()))
}
