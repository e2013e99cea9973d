package service

import (
	"context"
	"fmt"
	"time"

	"iptracker/internal/metrics"

	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

const (
	PolicyLogin         = "login"
	PolicyPasswordReset = "password_reset"
	PolicyLogs          = "logs"
)

// RatePolicy allows Limit requests per key within each fixed Period.
type RatePolicy struct {
	Name   string
	Limit  int64
	Period time.Duration
}

// RateDecision is the outcome of one counted request.
type RateDecision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     int64
}

type RateLimiter struct {
	policies map[string]*limiter.Limiter
}

// NewRateLimiter builds one Redis-backed fixed window limiter per policy,
// each under its own key prefix.
func NewRateLimiter(client *redis.Client, policies ...RatePolicy) (*RateLimiter, error) {
	rl := &RateLimiter{policies: make(map[string]*limiter.Limiter, len(policies))}
	for _, p := range policies {
		store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
			Prefix:   "limiter_" + p.Name,
			MaxRetry: 3,
		})
		if err != nil {
			return nil, fmt.Errorf("create limiter store %s: %w", p.Name, err)
		}
		rl.policies[p.Name] = limiter.New(store, limiter.Rate{Period: p.Period, Limit: p.Limit})
	}
	return rl, nil
}

// Check counts one request for key under policy. When the store fails the
// request is allowed and the error is returned for logging.
func (r *RateLimiter) Check(ctx context.Context, policy, key string) (RateDecision, error) {
	lim, ok := r.policies[policy]
	if !ok {
		return RateDecision{Allowed: true}, fmt.Errorf("unknown rate limit policy %q", policy)
	}

	res, err := lim.Get(ctx, key)
	if err != nil {
		metrics.MetricRateLimitErrors.WithLabelValues(policy).Inc()
		zlog.Warn().Err(err).Str("policy", policy).Str("key", key).Msg("Rate limit store unavailable, allowing request")
		return RateDecision{Allowed: true, Limit: lim.Rate.Limit, Remaining: lim.Rate.Limit}, err
	}

	if res.Reached {
		metrics.MetricRateLimited.WithLabelValues(policy).Inc()
	}
	return RateDecision{
		Allowed:   !res.Reached,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		Reset:     res.Reset,
	}, nil
}

// Allow reports whether one more request for key fits in the current window.
func (r *RateLimiter) Allow(ctx context.Context, policy, key string) (bool, error) {
	d, err := r.Check(ctx, policy, key)
	return d.Allowed, err
}
