package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/Checker-Finance/marketcore/internal/api"
	"github.com/Checker-Finance/marketcore/internal/chat"
	"github.com/Checker-Finance/marketcore/internal/config"
	"github.com/Checker-Finance/marketcore/internal/jobs"
	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/internal/payments"
	"github.com/Checker-Finance/marketcore/internal/publisher"
	"github.com/Checker-Finance/marketcore/internal/rate"
	internalsecrets "github.com/Checker-Finance/marketcore/internal/secrets"
	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/eventbus"
	"github.com/Checker-Finance/marketcore/pkg/logger"
	"github.com/Checker-Finance/marketcore/pkg/secrets"
	"github.com/Checker-Finance/marketcore/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Infof("starting [%s]...", cfg.ServiceName)

	health := map[string]api.HealthChecker{}

	// --- Store (Postgres, or in-memory when no DSN is configured) ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, store.PGPoolConfig{
			MaxConns:          int32(cfg.PGMaxConns),
			MinConns:          int32(cfg.PGMinConns),
			MaxConnLifetime:   cfg.PGMaxConnLifetime,
			MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
			HealthCheckPeriod: cfg.PGHealthCheckPeriod,
		}, logger.Named("store"))
		if err != nil {
			logg.Fatalw("failed to init store", "error", err)
		}
		st = pg
	} else {
		logg.Warn("DATABASE_URL not configured; using in-memory store")
		st = store.NewMemory()
	}
	health["store"] = st

	bus := eventbus.New(logger.Named("eventbus"))

	// --- Redis market summary cache ---
	var (
		rdb   *redis.Client
		stats *store.StatsCache
	)
	if cfg.RedisAddr != "" {
		var err error
		rdb, err = store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			logg.Fatalw("failed to connect to redis", "error", err)
		}
		stats = store.NewStatsCache(rdb, cfg.StatsCacheTTL, logger.Named("stats_cache"))
		eventbus.Subscribe(bus, "cache.stats", stats.OnStatsUpdated)
		health["redis"] = stats
	}

	// --- NATS event stream ---
	var pub *publisher.Publisher
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		pub, err = publisher.New(nc, cfg.ServiceName, logger.Named("publisher"))
		if err != nil {
			logg.Fatalw("failed to init publisher", "error", err)
		}
		if err := pub.EnsureStream(); err != nil {
			logg.Fatalw("failed to ensure event stream", "error", err)
		}
		pub.Register(bus)
		health["nats"] = pub
	}

	// --- Outbound rate limiter shared by provider clients ---
	outboundRate := rate.NewManager(rate.Config{Limit: 10, Window: time.Second, Burst: 20})
	httpClient := &http.Client{Timeout: 15 * time.Second}

	// --- Payment provider credentials ---
	creds := payments.StaticCredentials(cfg.PaymentCredentials())
	webhookSecret := cfg.PaymentWebhookSecret
	if cfg.UseAWSSecrets {
		awsProvider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		resolver := internalsecrets.NewResolver(
			logger.Named("secrets"),
			cfg.Env,
			awsProvider,
			secrets.NewCache[payments.Credentials](cfg.SecretCacheTTL),
			payments.ParseCredentials,
		)
		creds = payments.SecretCredentials(resolver)
		if c, err := resolver.Resolve(ctx, payments.SecretName); err != nil {
			logg.Warnw("payment credentials not resolvable at startup", "secret", resolver.SecretName(payments.SecretName), "error", err)
		} else if c.WebhookSecret != "" {
			webhookSecret = c.WebhookSecret
		}
	}
	if webhookSecret == "" {
		logg.Warn("PAYMENT_WEBHOOK_SECRET not configured; webhook signatures are not verified")
	}

	logg.Infow("payment provider configured",
		"base_url", cfg.PaymentBaseURL,
		"api_key", utils.MaskSecret(cfg.PaymentAPIKey),
		"aws_secrets", cfg.UseAWSSecrets)
	paymentClient := payments.NewClient(logger.Named("payments"), outboundRate, httpClient, creds, cfg.AppURL)

	// --- Market core ---
	svc := market.NewService(logger.Named("market"), st, paymentClient, bus, cfg.Market())

	// --- Payment confirmation paths ---
	poller := payments.NewPoller(logger.Named("payments.poller"), paymentClient, svc, cfg.PaymentPollInterval, cfg.PaymentPollAttempts)
	webhookHandler := payments.NewWebhookHandler(logger.Named("payments.webhook"), svc, poller, webhookSecret, cfg.PaymentSignatureHeader)
	callbackHandler := payments.NewCallbackHandler(logger.Named("payments.callback"), svc, paymentClient, poller, cfg.AppURL)

	// --- Chat side effects ---
	var queue *chat.Queue
	if cfg.ChatBaseURL != "" {
		chatClient := chat.NewClient(logger.Named("chat"), outboundRate, httpClient, cfg.ChatBaseURL, cfg.ChatToken, cfg.ChatCompanyID)
		processor := chat.NewProcessor(logger.Named("chat"), chatClient, svc)

		var dispatcher chat.Dispatcher = chat.NewInlineDispatcher(logger.Named("chat"), processor)
		if cfg.RabbitMQURL != "" {
			q, err := chat.DialQueue(cfg.RabbitMQURL, cfg.ChatQueue, logger.Named("chat.queue"))
			if err != nil {
				logg.Fatalw("failed to connect to RabbitMQ", "error", err)
			}
			if err := q.Consume(ctx, processor, 8); err != nil {
				logg.Fatalw("failed to start chat consumer", "error", err)
			}
			queue = q
			dispatcher = q
			health["rabbitmq"] = q
		}
		chat.NewRelay(logger.Named("chat.relay"), dispatcher, svc).Register(bus)
	} else {
		logg.Warn("CHAT_BASE_URL not configured; trade chat disabled")
	}

	// --- Expiry sweep ---
	apiRate := rate.NewManager(cfg.APIRate())
	sweeper := jobs.NewExpirySweeper(logger.Named("jobs"), svc, apiRate, cfg.ExpirySweepEvery)
	go sweeper.Start(ctx)

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})

	var statsReader api.StatsReader
	if stats != nil {
		statsReader = stats
	}
	api.RegisterRoutes(app, api.Routes{
		Market:   api.NewMarketHandler(logger.Named("api"), svc, statsReader, cfg.PageSize),
		Webhook:  webhookHandler.HandlePaymentWebhook,
		Callback: callbackHandler.HandlePaymentCallback,
		Limiter:  apiRate,
		Health:   health,
	})

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow(fmt.Sprintf("[%s] running", cfg.ServiceName),
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"redis", rdb != nil,
		"nats", pub != nil,
		"rabbitmq", queue != nil)

	<-ctx.Done()
	logg.Infof("shutting down [%s]...", cfg.ServiceName)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	sweeper.Stop()
	poller.Stop()
	if err := bus.Drain(shutdownCtx); err != nil {
		logg.Warnw("eventbus.drain_incomplete", "error", err)
	}
	if queue != nil {
		if err := queue.Close(); err != nil {
			logg.Warnw("rabbitmq.close_failed", "error", err)
		}
	}
	if pub != nil {
		pub.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
}
