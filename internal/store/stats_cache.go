package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/pkg/model"
)

// StatsCache keeps the latest instrument summary in redis for read paths.
// It is a projection only; Postgres stays authoritative.
type StatsCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisClient connects and pings with a short timeout.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func NewStatsCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *StatsCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsCache{redis: rdb, ttl: ttl, logger: logger}
}

func statsKey(instrumentID string) string {
	return "market:instrument:" + instrumentID
}

func (c *StatsCache) Put(ctx context.Context, inst model.Instrument) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, statsKey(inst.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("store.redis.put_stats_failed", zap.String("instrument_id", inst.ID), zap.Error(err))
		return err
	}
	return nil
}

// Get returns ErrNotFound on a cache miss.
func (c *StatsCache) Get(ctx context.Context, instrumentID string) (*model.Instrument, error) {
	raw, err := c.redis.Get(ctx, statsKey(instrumentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var inst model.Instrument
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("decode cached instrument %s: %w", instrumentID, err)
	}
	return &inst, nil
}

func (c *StatsCache) Invalidate(ctx context.Context, instrumentID string) error {
	return c.redis.Del(ctx, statsKey(instrumentID)).Err()
}

func (c *StatsCache) HealthCheck(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// OnStatsUpdated refreshes the cached summary from a committed stats event.
// Events may arrive out of order, so an entry newer than the event is kept.
func (c *StatsCache) OnStatsUpdated(ctx context.Context, ev model.MarketStatsUpdated) {
	if cur, err := c.Get(ctx, ev.Instrument.ID); err == nil && cur.UpdatedAt.After(ev.Instrument.UpdatedAt) {
		return
	}
	_ = c.Put(ctx, ev.Instrument)
}
