package mgmt

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // sustained requests per second
	Burst int // requests allowed per window
}

// window is how long Burst requests may take at the sustained rate.
func (c RateLimitConfig) window() time.Duration {
	burst := c.Burst
	if burst < c.RPS {
		burst = c.RPS
	}
	w := time.Duration(burst) * time.Second / time.Duration(c.RPS)
	if w < time.Second {
		w = time.Second
	}
	return w
}

// NewRateLimitMiddleware returns a per-client sliding-window limiter.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	max := cfg.Burst
	if max < cfg.RPS {
		max = cfg.RPS
	}
	return limiter.New(limiter.Config{
		Next: func(c *fiber.Ctx) bool {
			return isProbe(c.Path())
		},
		Max:        max,
		Expiration: cfg.window(),
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		},
		LimiterMiddleware: limiter.SlidingWindow{},
	})
}
