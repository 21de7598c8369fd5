package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	apperrors "gcliproxy/internal/errors"
)

// limiterTTL is how long an idle client's limiter survives before the
// sweep drops it.
const limiterTTL = 15 * time.Minute

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterCache maps client keys to limiters, sweeping idle entries
// opportunistically on insert so no background goroutine is needed.
type limiterCache struct {
	mu        sync.Mutex
	items     map[string]*limiterEntry
	lastSweep time.Time
}

func newLimiterCache() *limiterCache {
	return &limiterCache{items: make(map[string]*limiterEntry)}
}

func (c *limiterCache) get(key string, rps float64, burst int) *rate.Limiter {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	c.items[key] = &limiterEntry{lim: lim, lastSeen: now}

	if now.Sub(c.lastSweep) > 2*time.Minute {
		for k, e := range c.items {
			if now.Sub(e.lastSeen) > limiterTTL {
				delete(c.items, k)
			}
		}
		c.lastSweep = now
	}
	return lim
}

// RateLimit enforces a per-client token bucket keyed by API key when
// present, falling back to client IP. enabled/rps/burst are read per
// request so config hot reloads apply without rebuilding the engine.
func RateLimit(cfg func() (enabled bool, rps float64, burst int)) gin.HandlerFunc {
	cache := newLimiterCache()
	return func(c *gin.Context) {
		enabled, rps, burst := cfg()
		if !enabled {
			c.Next()
			return
		}
		if rps <= 0 {
			rps = 10
		}
		if burst <= 0 {
			burst = 20
		}

		key := ExtractAPIKey(c)
		if key == "" {
			key = c.ClientIP()
		}
		if !cache.get(key, rps, burst).Allow() {
			apiErr := apperrors.RateLimited("rate limit exceeded, slow down")
			c.Data(http.StatusTooManyRequests, "application/json", apiErr.ToJSON(apperrors.FormatOpenAI))
			c.Abort()
			return
		}
		c.Next()
	}
}
