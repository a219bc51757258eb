package api

import (
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/internal/metrics"
	"github.com/Checker-Finance/marketcore/internal/rate"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	actorKey = "actor"
)

// Identity trusts the gateway headers and stores the caller on the request.
// Requests without a user id are rejected.
func Identity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get(HeaderUserID))
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing " + HeaderUserID + " header"})
		}
		role := market.RoleUser
		if strings.EqualFold(strings.TrimSpace(c.Get(HeaderUserRole)), string(market.RoleAdmin)) {
			role = market.RoleAdmin
		}
		c.Locals(actorKey, market.Actor{UserID: userID, Role: role})
		return c.Next()
	}
}

func actorOf(c *fiber.Ctx) market.Actor {
	a, _ := c.Locals(actorKey).(market.Actor)
	return a
}

// RateLimit applies one token bucket per client ip and route path.
func RateLimit(mgr *rate.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP() + " " + c.Path()
		lim := mgr.GetLimiter(key)
		if lim.Allow() {
			return c.Next()
		}
		metrics.IncRateLimited(c.Route().Path)
		wait := int(math.Ceil(lim.RetryAfter().Seconds()))
		if wait < 1 {
			wait = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(wait))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
	}
}
