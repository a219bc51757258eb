package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/eventbus"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// ─── fakes ────────────────────────────────────────────────────────────────────

type sentMessage struct{ channel, text string }

type fakeMessenger struct {
	mu       sync.Mutex
	createFn func(name string, members []string) (string, error)
	sendFn   func(channelID, text string) error
	created  []string
	sent     []sentMessage
}

func (m *fakeMessenger) CreateChannel(_ context.Context, name string, members []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, name)
	if m.createFn != nil {
		return m.createFn(name, members)
	}
	return "chat_1", nil
}

func (m *fakeMessenger) SendSystemMessage(_ context.Context, channelID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendFn != nil {
		if err := m.sendFn(channelID, text); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, sentMessage{channelID, text})
	return nil
}

type fakeTrades struct {
	mu     sync.Mutex
	trades map[string]*model.Trade
	insts  map[string]*model.Instrument
}

func newFakeTrades(trades ...*model.Trade) *fakeTrades {
	f := &fakeTrades{trades: map[string]*model.Trade{}, insts: map[string]*model.Instrument{}}
	for _, t := range trades {
		f.trades[t.ID] = t
	}
	return f
}

func (f *fakeTrades) Trade(_ context.Context, id string) (*model.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trades[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTrades) AttachChatChannel(_ context.Context, id, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trades[id]
	if !ok {
		return store.ErrNotFound
	}
	t.ChatChannelID = channelID
	return nil
}

func (f *fakeTrades) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	inst, ok := f.insts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inst, nil
}

type captureDispatcher struct {
	mu    sync.Mutex
	tasks []Task
}

func (d *captureDispatcher) Enqueue(_ context.Context, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

// ─── client ───────────────────────────────────────────────────────────────────

func TestClient_CreateChannelAndMessage(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer chat-token", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		bodies = append(bodies, m)
		switch r.URL.Path {
		case "/api/v1/dm_channels":
			_, _ = w.Write([]byte(`{"id":"chat_42"}`))
		case "/api/v1/messages":
			_, _ = w.Write([]byte(`{"id":"msg_1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop(), nil, srv.Client(), srv.URL+"/", "chat-token", "biz_1")
	id, err := c.CreateChannel(context.Background(), "Trade: Dunk Low Size 9", []string{"buyer", "seller"})
	require.NoError(t, err)
	assert.Equal(t, "chat_42", id)
	require.NoError(t, c.SendSystemMessage(context.Background(), id, "hello"))

	require.Len(t, bodies, 2)
	assert.Equal(t, "biz_1", bodies[0]["company_id"])
	assert.Equal(t, "Trade: Dunk Low Size 9", bodies[0]["custom_name"])
	assert.Equal(t, []any{"buyer", "seller"}, bodies[0]["with_user_ids"])
	assert.Equal(t, "chat_42", bodies[1]["channel_id"])
	assert.Equal(t, "hello", bodies[1]["content"])
}

func TestClient_CreateChannelWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop(), nil, srv.Client(), srv.URL, "t", "biz")
	_, err := c.CreateChannel(context.Background(), "x", nil)
	assert.Error(t, err)
}

// ─── processor ────────────────────────────────────────────────────────────────

func TestProcessor_OpenChannel(t *testing.T) {
	trades := newFakeTrades(&model.Trade{ID: "t1"})
	msgr := &fakeMessenger{}
	p := NewProcessor(zap.NewNop(), msgr, trades)

	task := Task{ID: "k1", Kind: KindOpenChannel, TradeID: "t1", Name: "Trade: X Size 9", Members: []string{"b", "s"}, Text: "opening"}
	require.NoError(t, p.Process(context.Background(), task))
	assert.Equal(t, "chat_1", trades.trades["t1"].ChatChannelID)
	assert.Equal(t, []sentMessage{{"chat_1", "opening"}}, msgr.sent)

	// Redelivery is a no-op once the channel is stored.
	require.NoError(t, p.Process(context.Background(), task))
	assert.Len(t, msgr.created, 1)
	assert.Len(t, msgr.sent, 1)
}

func TestProcessor_OpenChannelFailures(t *testing.T) {
	trades := newFakeTrades(&model.Trade{ID: "t1"})
	msgr := &fakeMessenger{createFn: func(string, []string) (string, error) { return "", errors.New("503") }}
	p := NewProcessor(zap.NewNop(), msgr, trades)

	err := p.Process(context.Background(), Task{Kind: KindOpenChannel, TradeID: "t1"})
	assert.ErrorContains(t, err, "create channel")
	assert.Empty(t, trades.trades["t1"].ChatChannelID)

	msgr = &fakeMessenger{sendFn: func(string, string) error { return errors.New("boom") }}
	p = NewProcessor(zap.NewNop(), msgr, trades)
	require.NoError(t, p.Process(context.Background(), Task{Kind: KindOpenChannel, TradeID: "t1", Text: "hi"}),
		"a lost greeting does not fail the task")
	assert.Equal(t, "chat_1", trades.trades["t1"].ChatChannelID)

	err = p.Process(context.Background(), Task{Kind: KindOpenChannel, TradeID: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessor_SystemMessage(t *testing.T) {
	trades := newFakeTrades(
		&model.Trade{ID: "t1", ChatChannelID: "chat_9"},
		&model.Trade{ID: "t2"},
	)
	msgr := &fakeMessenger{}
	p := NewProcessor(zap.NewNop(), msgr, trades)

	require.NoError(t, p.Process(context.Background(), Task{Kind: KindSystemMessage, TradeID: "t1", Text: "a"}))
	require.NoError(t, p.Process(context.Background(), Task{Kind: KindSystemMessage, TradeID: "t2", ChannelID: "chat_x", Text: "b"}))
	assert.Equal(t, []sentMessage{{"chat_9", "a"}, {"chat_x", "b"}}, msgr.sent)

	err := p.Process(context.Background(), Task{Kind: KindSystemMessage, TradeID: "t2", Text: "c"})
	assert.ErrorIs(t, err, ErrNoChannel)

	assert.NoError(t, p.Process(context.Background(), Task{Kind: "carrier_pigeon"}))
}

func TestInlineDispatcher_SwallowsFailures(t *testing.T) {
	p := NewProcessor(zap.NewNop(), &fakeMessenger{}, newFakeTrades(&model.Trade{ID: "t1"}))
	d := NewInlineDispatcher(zap.NewNop(), p)
	assert.NoError(t, d.Enqueue(context.Background(), Task{Kind: KindSystemMessage, TradeID: "t1", Text: "x"}))
}

// ─── relay ────────────────────────────────────────────────────────────────────

func TestRelay_TradeMatched(t *testing.T) {
	trades := newFakeTrades()
	trades.insts["i1"] = &model.Instrument{ID: "i1", Name: "Jordan 1 Retro High", Size: "10"}
	d := &captureDispatcher{}
	bus := eventbus.New(zap.NewNop())
	NewRelay(zap.NewNop(), d, trades).Register(bus)

	trade := model.Trade{ID: "t1", InstrumentID: "i1", BuyerID: "b", SellerID: "s", Price: decimal.NewFromInt(150)}
	bus.PublishSync(context.Background(), model.TradeMatchedEvent{Trade: trade})

	require.Len(t, d.tasks, 1)
	task := d.tasks[0]
	assert.Equal(t, KindOpenChannel, task.Kind)
	assert.Equal(t, "Trade: Jordan 1 Retro High Size 10", task.Name)
	assert.Equal(t, []string{"b", "s"}, task.Members)
	assert.Equal(t, "Trade matched at $150.00! Use this chat to coordinate shipping details.", task.Text)
	assert.NotEmpty(t, task.ID)
}

func TestRelay_PaymentApplied(t *testing.T) {
	d := &captureDispatcher{}
	bus := eventbus.New(zap.NewNop())
	NewRelay(zap.NewNop(), d, newFakeTrades()).Register(bus)

	trade := model.Trade{ID: "t1", ChatChannelID: "chat_1"}
	bus.PublishSync(context.Background(), model.PaymentApplied{Trade: trade, Payment: model.Payment{Status: model.PaymentSucceeded}})
	bus.PublishSync(context.Background(), model.PaymentApplied{Trade: trade, Payment: model.Payment{Status: model.PaymentFailed}})
	bus.PublishSync(context.Background(), model.PaymentApplied{Trade: trade, Payment: model.Payment{Status: model.PaymentRefunded}})

	require.Len(t, d.tasks, 2)
	assert.Equal(t, "Payment confirmed! Seller, please ship your item for authentication.", d.tasks[0].Text)
	assert.Equal(t, "Payment failed. The bid and ask have been reopened.", d.tasks[1].Text)
	assert.Equal(t, "chat_1", d.tasks[0].ChannelID)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "Trade: Dunk Low Size 9", ChannelName(&model.Instrument{ID: "i", Name: "Dunk Low", Size: "9"}))
	assert.Equal(t, "Trade: i", ChannelName(&model.Instrument{ID: "i"}))
}

// ─── queue ────────────────────────────────────────────────────────────────────

type fakePublisher struct {
	key string
	msg amqp.Publishing
	err error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.key, f.msg = key, msg
	return f.err
}

type fakeAck struct {
	acked, nacked, requeued int
}

func (a *fakeAck) Ack(uint64, bool) error { a.acked++; return nil }
func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	if requeue {
		a.requeued++
	}
	return nil
}
func (a *fakeAck) Reject(uint64, bool) error { return nil }

type processorFunc func(ctx context.Context, task Task) error

func (f processorFunc) Process(ctx context.Context, task Task) error { return f(ctx, task) }

func TestPublishTask(t *testing.T) {
	pub := &fakePublisher{}
	task := Task{ID: "k1", Kind: KindSystemMessage, TradeID: "t1", Text: "hi"}
	require.NoError(t, publishTask(context.Background(), pub, DefaultQueue, task))

	assert.Equal(t, DefaultQueue, pub.key)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, "k1", pub.msg.MessageId)
	var decoded Task
	require.NoError(t, json.Unmarshal(pub.msg.Body, &decoded))
	assert.Equal(t, task, decoded)

	pub.err = errors.New("channel closed")
	assert.ErrorContains(t, publishTask(context.Background(), pub, DefaultQueue, task), "channel closed")
}

func TestHandleDelivery(t *testing.T) {
	body, _ := json.Marshal(Task{ID: "k1", Kind: KindSystemMessage, TradeID: "t1"})
	failing := processorFunc(func(context.Context, Task) error { return ErrNoChannel })
	ok := processorFunc(func(context.Context, Task) error { return nil })

	tests := []struct {
		name        string
		body        []byte
		redelivered bool
		proc        TaskProcessor
		want        fakeAck
	}{
		{"success acks", body, false, ok, fakeAck{acked: 1}},
		{"first failure requeues", body, false, failing, fakeAck{nacked: 1, requeued: 1}},
		{"second failure drops", body, true, failing, fakeAck{nacked: 1}},
		{"garbage drops", []byte("{"), false, ok, fakeAck{nacked: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAck{}
			handleDelivery(context.Background(), zap.NewNop(), tt.proc, amqp.Delivery{
				Acknowledger: ack,
				Body:         tt.body,
				Redelivered:  tt.redelivered,
			})
			assert.Equal(t, tt.want, *ack)
		})
	}
}
