package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long a client's limiter survives without requests.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           10 * time.Minute,
	}
}

// clientLimiters keeps one limiter per client key. Each request pushes the
// key's expiry forward, so only idle clients are evicted.
type clientLimiters struct {
	mu    sync.Mutex
	cache *cache.Cache
	r     rate.Limit
	b     int
}

func newClientLimiters(cfg RateLimitConfig) *clientLimiters {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = DefaultRateLimitConfig().IdleTTL
	}
	return &clientLimiters{
		cache: cache.New(ttl, ttl),
		r:     rate.Limit(cfg.RequestsPerSecond),
		b:     cfg.BurstSize,
	}
}

func (s *clientLimiters) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	var l *rate.Limiter
	if v, ok := s.cache.Get(key); ok {
		l = v.(*rate.Limiter)
	} else {
		l = rate.NewLimiter(s.r, s.b)
	}
	s.cache.Set(key, l, cache.DefaultExpiration)
	return l
}

// RateLimit limits each client (authenticated actor, else remote IP).
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newClientLimiters(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			c.Response().Header().Set("X-RateLimit-Limit", limit)
			if !store.get(key).Allow() {
				c.Response().Header().Set("Retry-After", "1")
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
