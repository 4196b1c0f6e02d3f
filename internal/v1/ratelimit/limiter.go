// Package ratelimit implements per-session frame limiting and per-IP
// HTTP limiting on top of ulule/limiter with an in-memory store.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/parlorlabs/parlor/internal/v1/logging"
	"github.com/parlorlabs/parlor/internal/v1/metrics"
)

// FrameRate is the per-session inbound frame budget. The 21st frame
// inside a window is rejected.
var FrameRate = limiter.Rate{
	Period: 2 * time.Second,
	Limit:  20,
}

// FrameGate answers whether a session may dispatch another inbound frame.
type FrameGate struct {
	lim *limiter.Limiter
}

// NewFrameGate creates a frame gate backed by a process-local store.
// State is per instance; sessions never share keys across processes.
func NewFrameGate() *FrameGate {
	return &FrameGate{
		lim: limiter.New(memory.NewStore(), FrameRate),
	}
}

// Allow consumes one slot of the session's frame budget and reports
// whether the frame may be dispatched. Store failures fail open.
func (g *FrameGate) Allow(ctx context.Context, key string) bool {
	lctx, err := g.lim.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "Frame gate store failed", zap.Error(err))
		return true
	}
	return !lctx.Reached
}

// NewMiddleware returns a Gin middleware enforcing a per-IP limit on an
// HTTP endpoint group. The rate uses ulule's formatted notation, e.g.
// "60-M" for sixty requests per minute.
func NewMiddleware(formatted string) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid rate %q: %w", formatted, err)
	}

	lim := limiter.New(memory.NewStore(), rate)

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		lctx, err := lim.Get(ctx, c.ClientIP())
		if err != nil {
			// Fail open is safer for availability.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		// Set headers
		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("http").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10)) // approximate
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}, nil
}
