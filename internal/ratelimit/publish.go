package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenmeter/internal/config"
)

const keyUsagePublishTenant = "usage:publish:tenant:%s"

// PublishLimiter throttles the usage publish endpoint per tenant so one noisy
// reporter cannot crowd the event stream.
type PublishLimiter struct {
	enabled bool

	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewPublishLimiter(cfg config.Config, client *redis.Client) *PublishLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || limitCfg.PublishRate <= 0 || limitCfg.PublishBurst <= 0 {
		return &PublishLimiter{}
	}
	return &PublishLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.PublishRate,
		burst:   limitCfg.PublishBurst,
	}
}

func (l *PublishLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow reports whether the tenant may publish another event right now.
func (l *PublishLimiter) Allow(ctx context.Context, tenantID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		tenantID = config.DefaultTenantID
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsagePublishTenant, tenantID), l.rate, l.burst)
}
