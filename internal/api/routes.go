package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Checker-Finance/marketcore/internal/rate"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// HealthChecker is any dependency that can report its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Routes bundles everything RegisterRoutes mounts. Nil handlers and limiters are skipped.
type Routes struct {
	Market   *MarketHandler
	Webhook  fiber.Handler
	Callback fiber.Handler
	Limiter  *rate.Manager
	// Health maps a component name to its checker, e.g. "store", "redis", "nats".
	Health map[string]HealthChecker
}

func RegisterRoutes(app *fiber.App, r Routes) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/health", healthHandler(r.Health))

	if r.Webhook != nil {
		app.Post("/webhooks/payments", r.Webhook)
	}

	v1 := app.Group("/api/v1")
	if r.Limiter != nil {
		v1.Use(RateLimit(r.Limiter))
	}

	// The checkout redirect arrives from the user's browser without gateway headers.
	if r.Callback != nil {
		v1.Get("/trades/:id/payment-callback", r.Callback)
	}

	h := r.Market
	auth := Identity()

	v1.Post("/bids", auth, h.PlaceOrder(model.SideBid))
	v1.Post("/asks", auth, h.PlaceOrder(model.SideAsk))
	v1.Delete("/bids/:id", auth, h.CancelOrder(model.SideBid))
	v1.Delete("/asks/:id", auth, h.CancelOrder(model.SideAsk))

	v1.Get("/instruments/:id/bids", auth, h.OrderBook(model.SideBid))
	v1.Get("/instruments/:id/asks", auth, h.OrderBook(model.SideAsk))
	v1.Get("/instruments/:id/market", auth, h.MarketSummary)
	v1.Put("/instruments/:id", auth, h.PutInstrument)
	v1.Post("/instruments/:id/recalculate", auth, h.RecalculateStats)

	v1.Get("/trades", auth, h.ListTrades)
	v1.Get("/trades/:id", auth, h.GetTrade)
	v1.Patch("/trades/:id", auth, h.UpdateTrade)
	v1.Post("/trades/:id/checkout", auth, h.Checkout)
	v1.Post("/trades/:id/refund", auth, h.Refund)

	v1.Get("/portfolio", auth, h.Portfolio)

	v1.Get("/notifications", auth, h.ListNotifications)
	v1.Post("/notifications/read", auth, h.MarkNotificationsRead)
	v1.Post("/notifications/read-all", auth, h.MarkAllNotificationsRead)
	v1.Post("/notifications/:id/read", auth, h.MarkNotificationRead)
}

func healthHandler(checks map[string]HealthChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		results := make(map[string]string, len(checks))
		status := "ok"
		code := fiber.StatusOK
		for name, hc := range checks {
			if err := hc.HealthCheck(ctx); err != nil {
				results[name] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": results,
		})
	}
}
