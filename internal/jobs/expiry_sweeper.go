package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/metrics"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

const jobName = "expiry_sweeper"

// OrderExpirer is the market operation driven by the sweeper.
type OrderExpirer interface {
	ExpireOrders(ctx context.Context) (*model.OrdersExpired, error)
}

// LimiterSweeper drops rate limiters that have been idle for a while.
type LimiterSweeper interface {
	Sweep(idle time.Duration) int
}

// ExpirySweeper periodically expires ACTIVE orders whose expiry has passed.
type ExpirySweeper struct {
	logger   *zap.Logger
	expirer  OrderExpirer
	limiters LimiterSweeper
	interval time.Duration
	idle     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewExpirySweeper constructs the sweeper. limiters may be nil.
func NewExpirySweeper(logger *zap.Logger, expirer OrderExpirer, limiters LimiterSweeper, interval time.Duration) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{
		logger:   logger,
		expirer:  expirer,
		limiters: limiters,
		interval: interval,
		idle:     10 * time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is canceled or Stop is called.
func (s *ExpirySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry_sweeper.started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopCh:
			s.logger.Info("expiry_sweeper.stopped (manual stop)")
			return
		case <-ctx.Done():
			s.logger.Info("expiry_sweeper.stopped (context canceled)")
			return
		}
	}
}

func (s *ExpirySweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce executes one sweep cycle. It returns the number of orders expired.
func (s *ExpirySweeper) RunOnce(ctx context.Context) int {
	start := time.Now()

	ev, err := s.expirer.ExpireOrders(ctx)
	if err != nil {
		s.logger.Error("expiry_sweeper.failed", zap.Error(err))
		metrics.IncError(jobName, "expire_failed")
		return 0
	}
	metrics.SetLastJobRun(jobName, start)

	count := 0
	if ev != nil {
		count = ev.Count
	}
	if count > 0 {
		metrics.ExpiredOrdersTotal.Add(float64(count))
		s.logger.Info("expiry_sweeper.expired",
			zap.Int("orders", count),
			zap.Strings("instruments", ev.InstrumentIDs),
			zap.Duration("duration", time.Since(start)))
	}

	if s.limiters != nil {
		if dropped := s.limiters.Sweep(s.idle); dropped > 0 {
			s.logger.Debug("expiry_sweeper.limiters_swept", zap.Int("dropped", dropped))
		}
	}
	return count
}
