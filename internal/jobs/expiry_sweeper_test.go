package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

type fakeExpirer struct {
	calls atomic.Int32
	fn    func() (*model.OrdersExpired, error)
}

func (f *fakeExpirer) ExpireOrders(context.Context) (*model.OrdersExpired, error) {
	f.calls.Add(1)
	return f.fn()
}

type fakeLimiters struct {
	idle []time.Duration
}

func (f *fakeLimiters) Sweep(idle time.Duration) int {
	f.idle = append(f.idle, idle)
	return 1
}

func TestRunOnce_ReportsCount(t *testing.T) {
	exp := &fakeExpirer{fn: func() (*model.OrdersExpired, error) {
		return &model.OrdersExpired{InstrumentIDs: []string{"i1"}, Count: 3}, nil
	}}
	lim := &fakeLimiters{}
	s := NewExpirySweeper(zap.NewNop(), exp, lim, time.Minute)

	assert.Equal(t, 3, s.RunOnce(context.Background()))
	assert.Equal(t, []time.Duration{10 * time.Minute}, lim.idle)
}

func TestRunOnce_ErrorIsSwallowed(t *testing.T) {
	exp := &fakeExpirer{fn: func() (*model.OrdersExpired, error) {
		return nil, errors.New("db down")
	}}
	lim := &fakeLimiters{}
	s := NewExpirySweeper(zap.NewNop(), exp, lim, time.Minute)

	assert.Equal(t, 0, s.RunOnce(context.Background()))
	assert.Empty(t, lim.idle)
}

func TestStart_StopsOnStopAndContext(t *testing.T) {
	exp := &fakeExpirer{fn: func() (*model.OrdersExpired, error) { return &model.OrdersExpired{}, nil }}
	s := NewExpirySweeper(zap.NewNop(), exp, nil, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return exp.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s2 := NewExpirySweeper(zap.NewNop(), exp, nil, time.Hour)
	done2 := make(chan struct{})
	go func() {
		s2.Start(ctx)
		close(done2)
	}()
	cancel()
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("sweeper ignored context cancel")
	}
}

func TestRunOnce_AgainstMarketService(t *testing.T) {
	st := store.NewMemory()
	svc := market.NewService(zap.NewNop(), st, nil, nil, market.DefaultConfig())
	ctx := context.Background()
	require.NoError(t, svc.RegisterInstrument(ctx, "i1", "Jordan 1", "10"))

	soon := time.Now().Add(20 * time.Millisecond)
	_, err := svc.PlaceAsk(ctx, "seller", "i1", decimal.NewFromInt(200), &soon)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	s := NewExpirySweeper(zap.NewNop(), svc, nil, time.Minute)
	assert.Equal(t, 1, s.RunOnce(ctx))
	assert.Equal(t, 0, s.RunOnce(ctx))
}
