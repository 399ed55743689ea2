package service

import (
	"context"

	aggregatedomain "github.com/smallbiznis/tokenmeter/internal/aggregate/domain"
	"github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/tokenmeter/internal/quota/domain"
	"github.com/smallbiznis/tokenmeter/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	Aggregates aggregatedomain.Service
	Metrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	aggregates aggregatedomain.Service
	metrics    *metrics.Metrics
}

func NewService(p ServiceParam) quotadomain.Service {
	return &Service{
		log:        p.Log.Named("quota.service"),
		aggregates: p.Aggregates,
		metrics:    p.Metrics,
	}
}

// Check reads the tenant's aggregate row and compares usage against the
// limit. The boundary is inclusive: a tenant sitting exactly at its limit is
// denied. Anything that prevents reading the row allows the request, since
// blocking live traffic on a metering outage is worse than briefly
// over-serving one tenant.
func (s *Service) Check(ctx context.Context, tenantID string) quotadomain.Decision {
	decision := quotadomain.Decision{Allowed: true, TenantID: tenantID}
	defer func() {
		if s.metrics != nil {
			s.metrics.IncQuotaDecision(decision.Allowed)
		}
	}()

	row, err := s.aggregates.GetByTenant(ctx, tenantID)
	if err != nil {
		ctxlogger.WithContext(ctx, s.log).Error("quota check failed open",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return decision
	}
	if row == nil || row.TokenLimit == nil {
		return decision
	}

	decision.TotalTokens = row.TotalTokens
	decision.TokenLimit = row.TokenLimit
	if row.TotalTokens >= *row.TokenLimit {
		decision.Allowed = false
		ctxlogger.WithContext(ctx, s.log).Warn("tenant over quota",
			zap.String("tenant_id", tenantID),
			zap.Int64("total_tokens", row.TotalTokens),
			zap.Int64("token_limit", *row.TokenLimit),
		)
	}
	return decision
}
