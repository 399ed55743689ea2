package service

import (
	"context"
	"errors"
	"strings"
	"time"

	aggregatedomain "github.com/smallbiznis/tokenmeter/internal/aggregate/domain"
	limitsdomain "github.com/smallbiznis/tokenmeter/internal/limits/domain"
	"github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	"github.com/smallbiznis/tokenmeter/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) limitsdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("limits.service"),
		metrics: p.Metrics,
	}
}

// SetLimit validates the request and upserts only token_limit and tenant_id
// on the aggregate row. Usage counters belong to the aggregator and are left
// alone, so a limit write can never clobber concurrent usage increments.
func (s *Service) SetLimit(ctx context.Context, req limitsdomain.SetLimitRequest) (limitsdomain.SetLimitResponse, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return limitsdomain.SetLimitResponse{}, limitsdomain.ErrTenantRequired
	}
	limit, err := limitsdomain.ParseTokenLimit(req.TokenLimit)
	if err != nil {
		return limitsdomain.SetLimitResponse{}, err
	}
	if s.db == nil {
		return limitsdomain.SetLimitResponse{}, errors.New("missing_db")
	}

	row := aggregatedomain.TenantUsage{
		AggregationKey: aggregatedomain.AggregationKey(req.TenantID),
		TenantID:       req.TenantID,
		TokenLimit:     &limit,
		UpdatedAt:      time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "aggregation_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"token_limit", "tenant_id", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return limitsdomain.SetLimitResponse{}, err
	}

	if s.metrics != nil {
		s.metrics.IncLimitUpdate()
	}
	ctxlogger.WithContext(ctx, s.log).Info("tenant limit updated",
		zap.String("tenant_id", req.TenantID),
		zap.Int64("token_limit", limit),
	)
	return limitsdomain.SetLimitResponse{
		Success:    true,
		TenantID:   req.TenantID,
		TokenLimit: limit,
	}, nil
}
