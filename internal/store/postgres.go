package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/pkg/model"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// PostgresStore is the production Store backed by a pgx pool.
type PostgresStore struct {
	*pgQueries
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects to pgURL and applies the schema.
func NewPostgres(ctx context.Context, pgURL string, poolCfg PGPoolConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pgURL == "" {
		return nil, errors.New("postgres url is required")
	}

	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if poolCfg.MaxConns > 0 {
		cfg.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		cfg.MinConns = poolCfg.MinConns
	}
	if poolCfg.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = poolCfg.MaxConnLifetime
	}
	if poolCfg.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = poolCfg.MaxConnIdleTime
	}
	if poolCfg.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = poolCfg.HealthCheckPeriod
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if err := Migrate(connectCtx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pgQueries: &pgQueries{db: pool, logger: logger},
		pool:      pool,
		logger:    logger,
	}, nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgQueries{db: tx, logger: s.logger, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("store.pg.commit_failed", zap.Error(err))
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgQueries struct {
	db     dbtx
	logger *zap.Logger
	inTx   bool
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func orderTable(side model.Side) string {
	if side == model.SideBid {
		return "market.bids"
	}
	return "market.asks"
}

func (q *pgQueries) lockClause() string {
	if q.inTx {
		return " FOR UPDATE"
	}
	return ""
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 24
	}
	return limit
}

// --- instruments ---

func (q *pgQueries) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var inst model.Instrument
	err := q.db.QueryRow(ctx, `
		SELECT id, name, size, lowest_ask, highest_bid, last_sale_price, sales_count, updated_at
		FROM market.instruments
		WHERE id = $1
	`, id).Scan(&inst.ID, &inst.Name, &inst.Size, &inst.LowestAsk, &inst.HighestBid,
		&inst.LastSalePrice, &inst.SalesCount, &inst.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &inst, nil
}

func (q *pgQueries) UpsertInstrument(ctx context.Context, inst model.Instrument) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO market.instruments (id, name, size, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, size = EXCLUDED.size, updated_at = NOW()
	`, inst.ID, inst.Name, inst.Size)
	if err != nil {
		q.logger.Error("store.pg.upsert_instrument_failed", zap.String("instrument_id", inst.ID), zap.Error(err))
	}
	return mapErr(err)
}

// LockInstrument serializes match attempts for one instrument across processes.
// The lock is released when the surrounding transaction ends.
func (q *pgQueries) LockInstrument(ctx context.Context, instrumentID string) error {
	if !q.inTx {
		return errors.New("LockInstrument requires a transaction")
	}
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, instrumentID)
	return err
}

func (q *pgQueries) SaveMarketStats(ctx context.Context, instrumentID string, stats model.MarketStats, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE market.instruments
		SET lowest_ask = $2, highest_bid = $3, last_sale_price = $4, sales_count = $5, updated_at = $6
		WHERE id = $1
	`, instrumentID, stats.LowestAsk, stats.HighestBid, stats.LastSalePrice, stats.SalesCount, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) BestPrice(ctx context.Context, side model.Side, instrumentID string, now time.Time) (decimal.NullDecimal, error) {
	agg := "MIN(price)"
	if side == model.SideBid {
		agg = "MAX(price)"
	}
	var best decimal.NullDecimal
	err := q.db.QueryRow(ctx, `
		SELECT `+agg+`
		FROM `+orderTable(side)+`
		WHERE instrument_id = $1 AND status = 'ACTIVE'
		  AND (expires_at IS NULL OR expires_at > $2)
	`, instrumentID, now).Scan(&best)
	return best, mapErr(err)
}

func (q *pgQueries) DeliveredSummary(ctx context.Context, instrumentID string) (decimal.NullDecimal, int, error) {
	var (
		last  decimal.NullDecimal
		count int
	)
	err := q.db.QueryRow(ctx, `
		SELECT
			(SELECT price FROM market.trades
			 WHERE instrument_id = $1 AND status = 'DELIVERED'
			 ORDER BY updated_at DESC, id DESC LIMIT 1),
			(SELECT COUNT(*) FROM market.trades
			 WHERE instrument_id = $1 AND status = 'DELIVERED')
	`, instrumentID).Scan(&last, &count)
	return last, count, mapErr(err)
}

// --- orders ---

const orderColumns = `id, user_id, instrument_id, price, status, expires_at, created_at, updated_at`

func scanOrder(row pgx.Row, side model.Side) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.InstrumentID, &o.Price, &status,
		&o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Side = side
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func (q *pgQueries) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO `+orderTable(o.Side)+` (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, o.UserID, o.InstrumentID, o.Price, string(o.Status), o.ExpiresAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		q.logger.Error("store.pg.insert_order_failed",
			zap.String("side", string(o.Side)),
			zap.String("order_id", o.ID),
			zap.Error(err))
	}
	return mapErr(err)
}

func (q *pgQueries) GetOrder(ctx context.Context, side model.Side, id string) (*model.Order, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM `+orderTable(side)+`
		WHERE id = $1`+q.lockClause(), id)
	o, err := scanOrder(row, side)
	if err != nil {
		return nil, mapErr(err)
	}
	return o, nil
}

func (q *pgQueries) FindBestCounter(ctx context.Context, cq CounterQuery) (*model.Order, error) {
	cmp, dir := "<=", "ASC"
	if cq.Side == model.SideBid {
		cmp, dir = ">=", "DESC"
	}
	row := q.db.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM `+orderTable(cq.Side)+`
		WHERE instrument_id = $1
		  AND status = 'ACTIVE'
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND price `+cmp+` $3
		  AND user_id <> $4
		ORDER BY price `+dir+`, created_at ASC, id ASC
		LIMIT 1`+q.lockClause(),
		cq.InstrumentID, cq.Now, cq.LimitPrice, cq.ExcludeUserID)
	o, err := scanOrder(row, cq.Side)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return o, nil
}

func (q *pgQueries) SetOrderStatus(ctx context.Context, side model.Side, id string, status model.OrderStatus, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE `+orderTable(side)+`
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, id, string(status), at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, int, error) {
	dir := "ASC"
	if f.Side == model.SideBid {
		dir = "DESC"
	}
	where := ` WHERE ($1 = '' OR instrument_id = $1)
		  AND ($2 = '' OR user_id = $2)
		  AND ($3 = '' OR status = $3)`
	args := []any{f.InstrumentID, f.UserID, string(f.Status)}

	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM `+orderTable(f.Side)+where, args...).Scan(&total); err != nil {
		return nil, 0, mapErr(err)
	}

	rows, err := q.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM `+orderTable(f.Side)+where+`
		ORDER BY price `+dir+`, created_at ASC, id ASC
		LIMIT $4 OFFSET $5
	`, append(args, limitOrDefault(f.Limit), f.Offset)...)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows, f.Side)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *o)
	}
	return out, total, rows.Err()
}

// ExpireOrders marks ACTIVE orders past their expiry as EXPIRED in both books and
// returns the distinct instruments touched.
func (q *pgQueries) ExpireOrders(ctx context.Context, now time.Time) ([]string, int, error) {
	seen := map[string]struct{}{}
	var (
		instruments []string
		count       int
	)
	for _, side := range []model.Side{model.SideBid, model.SideAsk} {
		rows, err := q.db.Query(ctx, `
			UPDATE `+orderTable(side)+`
			SET status = 'EXPIRED', updated_at = $1
			WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= $1
			RETURNING instrument_id
		`, now)
		if err != nil {
			return nil, 0, mapErr(err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, 0, err
			}
			count++
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				instruments = append(instruments, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, 0, err
		}
	}
	return instruments, count, nil
}

// --- trades ---

const tradeColumns = `id, buyer_id, seller_id, instrument_id, bid_id, ask_id, price, platform_fee,
	status, COALESCE(chat_channel_id, ''), created_at, updated_at`

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var (
		t      model.Trade
		status string
	)
	if err := row.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.InstrumentID, &t.BidID, &t.AskID,
		&t.Price, &t.PlatformFee, &status, &t.ChatChannelID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = model.TradeStatus(status)
	return &t, nil
}

func (q *pgQueries) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO market.trades (
			id, buyer_id, seller_id, instrument_id, bid_id, ask_id,
			price, platform_fee, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.BuyerID, t.SellerID, t.InstrumentID, t.BidID, t.AskID,
		t.Price, t.PlatformFee, string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		q.logger.Warn("store.pg.insert_trade_failed",
			zap.String("bid_id", t.BidID),
			zap.String("ask_id", t.AskID),
			zap.Error(err))
	}
	return mapErr(err)
}

func (q *pgQueries) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(q.db.QueryRow(ctx, `
		SELECT `+tradeColumns+`
		FROM market.trades
		WHERE id = $1`+q.lockClause(), id))
	if err != nil {
		return nil, mapErr(err)
	}
	return t, nil
}

func (q *pgQueries) SetTradeStatus(ctx context.Context, id string, status model.TradeStatus, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE market.trades SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(status), at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) SetTradeChatChannel(ctx context.Context, id, channelID string, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE market.trades SET chat_channel_id = $2, updated_at = $3 WHERE id = $1
	`, id, channelID, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, int, error) {
	where := ` WHERE ($1 = '' OR buyer_id = $1 OR seller_id = $1)
		  AND ($2 = '' OR status = $2)`
	args := []any{f.UserID, string(f.Status)}

	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM market.trades`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapErr(err)
	}

	rows, err := q.db.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM market.trades`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, append(args, limitOrDefault(f.Limit), f.Offset)...)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *t)
	}
	return out, total, rows.Err()
}

// --- payments ---

const paymentColumns = `id, trade_id, provider_payment_id, amount, platform_fee, status,
	idempotency_key, created_at, updated_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p      model.Payment
		status string
	)
	if err := row.Scan(&p.ID, &p.TradeID, &p.ProviderPaymentID, &p.Amount, &p.PlatformFee,
		&status, &p.IdempotencyKey, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

func (q *pgQueries) GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*model.Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM market.payments
		WHERE provider_payment_id = $1
	`, providerPaymentID))
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

func (q *pgQueries) GetTradePayment(ctx context.Context, tradeID string, status model.PaymentStatus) (*model.Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM market.payments
		WHERE trade_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`+q.lockClause(), tradeID, string(status)))
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

func (q *pgQueries) InsertPayment(ctx context.Context, p *model.Payment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO market.payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.TradeID, p.ProviderPaymentID, p.Amount, p.PlatformFee, string(p.Status),
		p.IdempotencyKey, p.CreatedAt, p.UpdatedAt)
	return mapErr(err)
}

func (q *pgQueries) SetPaymentStatus(ctx context.Context, id string, status model.PaymentStatus, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE market.payments SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(status), at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- notifications ---

func (q *pgQueries) InsertNotifications(ctx context.Context, ns []model.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, n := range ns {
		meta := n.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		batch.Queue(`
			INSERT INTO market.notifications (id, user_id, type, title, message, metadata, read, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, n.ID, n.UserID, string(n.Type), n.Title, n.Message, meta, n.Read, n.CreatedAt)
	}
	br := q.db.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range ns {
		if _, err := br.Exec(); err != nil {
			q.logger.Error("store.pg.insert_notification_failed", zap.Error(err))
			return mapErr(err)
		}
	}
	return nil
}

func (q *pgQueries) ListNotifications(ctx context.Context, f NotificationFilter) ([]model.Notification, int, error) {
	where := ` WHERE user_id = $1 AND (NOT $2 OR read = FALSE)`
	args := []any{f.UserID, f.UnreadOnly}

	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM market.notifications`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapErr(err)
	}

	rows, err := q.db.Query(ctx, `
		SELECT id, user_id, type, title, message, metadata, read, created_at
		FROM market.notifications`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, append(args, limitOrDefault(f.Limit), f.Offset)...)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var (
			n   model.Notification
			typ string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &n.Metadata, &n.Read, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		n.Type = model.NotificationType(typ)
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (q *pgQueries) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM market.notifications WHERE user_id = $1 AND read = FALSE
	`, userID).Scan(&n)
	return n, mapErr(err)
}

func (q *pgQueries) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if len(ids) == 0 {
		tag, err = q.db.Exec(ctx, `
			UPDATE market.notifications SET read = TRUE WHERE user_id = $1 AND read = FALSE
		`, userID)
	} else {
		tag, err = q.db.Exec(ctx, `
			UPDATE market.notifications SET read = TRUE
			WHERE user_id = $1 AND id = ANY($2) AND read = FALSE
		`, userID, ids)
	}
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}
