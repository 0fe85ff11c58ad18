// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config configures the rate limiter
type Config struct {
	Enabled                  bool                      `yaml:"enabled"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	Tiers                    map[string]TierLimits     `yaml:"tiers"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	ClientTiers              map[string]string         `yaml:"client_tiers"` // client id -> tier
	IncludeHeaders           bool                      `yaml:"include_headers"`
}

// TierLimits defines rate limits per client tier
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// DefaultConfig returns the default limiter configuration. It is disabled
// until switched on.
func DefaultConfig() Config {
	return Config{
		DefaultRequestsPerMinute: 600,
		Tiers:                    DefaultTiers(),
		Endpoints:                DefaultEndpointLimits(),
		IncludeHeaders:           true,
	}
}

// DefaultTiers returns default tier configurations for event producers
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"default":  {RequestsPerMinute: 600},
		"sensor":   {RequestsPerMinute: 6000},
		"internal": {RequestsPerMinute: 60000},
	}
}

// DefaultEndpointLimits returns default endpoint-specific limits
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/events/batch": {
			Path:           "/api/v1/events/batch",
			Method:         http.MethodPost,
			CostMultiplier: 10,
		},
	}
}

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Reason     string
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter counts requests per client in fixed one-minute windows held
// in Redis. When Redis is unavailable requests are allowed.
type RateLimiter struct {
	redis  redis.UniversalClient
	logger *zap.Logger
	config Config
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client redis.UniversalClient, cfg Config, logger *zap.Logger) *RateLimiter {
	if cfg.DefaultRequestsPerMinute <= 0 {
		cfg.DefaultRequestsPerMinute = 600
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	return &RateLimiter{
		redis:  client,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
}

// Check performs a rate limit check
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) *Result {
	limit := rl.effectiveLimit(tier, endpoint, method)
	key := "incidentforge:ratelimit:" + tier + ":" + clientID + ":" + endpoint + ":minute"
	now := rl.now()

	count, err := incrScript.Run(ctx, rl.redis, []string{key}, time.Minute.Milliseconds()).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request",
			zap.String("client", clientID),
			zap.Error(err),
		)
		return &Result{Allowed: true, Limit: limit, Tier: tier}
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	ttl, err := rl.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}

	res := &Result{
		Allowed:   count <= limit,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   now.Add(ttl),
		Tier:      tier,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		res.Reason = "Rate limit exceeded"
	}
	return res
}

func (rl *RateLimiter) effectiveLimit(tier, endpoint, method string) int {
	limit := rl.config.DefaultRequestsPerMinute
	if t, ok := rl.config.Tiers[tier]; ok && t.RequestsPerMinute > 0 {
		limit = t.RequestsPerMinute
	}

	ep, ok := rl.config.Endpoints[method+":"+endpoint]
	if !ok {
		return limit
	}
	if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
		limit = ep.RequestsPerMinute
	}
	if ep.CostMultiplier > 1 {
		limit /= ep.CostMultiplier
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// TierFor returns the configured tier of a client, or "default".
func (rl *RateLimiter) TierFor(clientID string) string {
	if tier, ok := rl.config.ClientTiers[clientID]; ok && tier != "" {
		return tier
	}
	return "default"
}

// Middleware returns an HTTP middleware for rate limiting. getClientID
// identifies the caller and getTier picks its tier; both should rely on
// authenticated or proxy-verified data, never on free-form request headers.
// A nil getClientID uses the remote address, which chi's RealIP middleware
// has already resolved, and a nil getTier looks the client up in
// client_tiers.
func (rl *RateLimiter) Middleware(getTier, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = remoteIP(r)
			}

			tier := ""
			if getTier != nil {
				tier = getTier(r)
			}
			if tier == "" {
				tier = rl.TierFor(clientID)
			}

			result := rl.Check(r.Context(), tier, clientID, r.URL.Path, r.Method)

			if rl.config.IncludeHeaders && !result.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate_limit_exceeded",
					"message":     result.Reason,
					"retry_after": retry,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
