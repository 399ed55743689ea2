package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	aggregatedomain "github.com/smallbiznis/tokenmeter/internal/aggregate/domain"
	"github.com/smallbiznis/tokenmeter/internal/config"
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
	Pricing *config.PricingHolder
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	pricing *config.PricingHolder
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) aggregatedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("aggregate.service"),
		pricing: p.Pricing,
		metrics: p.Metrics,
	}
}

var thousand = decimal.NewFromInt(1000)

// tenantDelta accumulates one batch's worth of consumption for a tenant
// before it is turned into a single database increment.
type tenantDelta struct {
	tenantID     string
	inputTokens  int64
	outputTokens int64
	totalTokens  int64
	requestCount int64
}

// Apply groups INSERT records by tenant, prices the token deltas, and applies
// one atomic server-side increment per tenant. MODIFY and REMOVE records are
// acknowledged without effect. Any database error fails the whole batch so
// the substrate redelivers it.
func (s *Service) Apply(ctx context.Context, records []aggregatedomain.ChangeRecord) error {
	if s.db == nil {
		return errors.New("missing_db")
	}

	deltas := make(map[string]*tenantDelta)
	for _, record := range records {
		if record.EventName != aggregatedomain.EventInsert {
			ctxlogger.WithContext(ctx, s.log).Debug("skipping change record",
				zap.String("event_name", record.EventName),
			)
			if s.metrics != nil {
				s.metrics.IncChangeSkipped(record.EventName)
			}
			continue
		}
		if record.NewImage == nil {
			return aggregatedomain.ErrMissingNewImage
		}

		event := record.NewImage
		tenantID := event.TenantID
		if tenantID == "" {
			tenantID = config.DefaultTenantID
		}
		delta, ok := deltas[tenantID]
		if !ok {
			delta = &tenantDelta{tenantID: tenantID}
			deltas[tenantID] = delta
		}
		delta.inputTokens += event.InputTokens
		delta.outputTokens += event.OutputTokens
		delta.totalTokens += event.TotalTokens
		delta.requestCount++
	}

	if len(deltas) == 0 {
		return nil
	}

	rates := s.pricing.Get()
	now := time.Now().UTC()

	tenants := make([]string, 0, len(deltas))
	for tenantID := range deltas {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)

	rows := make([]aggregatedomain.TenantUsage, 0, len(tenants))
	for _, tenantID := range tenants {
		delta := deltas[tenantID]
		inputCost := rates.InputRatePer1000.Mul(decimal.NewFromInt(delta.inputTokens)).Div(thousand)
		outputCost := rates.OutputRatePer1000.Mul(decimal.NewFromInt(delta.outputTokens)).Div(thousand)

		rows = append(rows, aggregatedomain.TenantUsage{
			AggregationKey: aggregatedomain.AggregationKey(tenantID),
			TenantID:       tenantID,
			InputTokens:    delta.inputTokens,
			OutputTokens:   delta.outputTokens,
			TotalTokens:    delta.totalTokens,
			RequestCount:   delta.requestCount,
			InputCost:      inputCost,
			OutputCost:     outputCost,
			TotalCost:      inputCost.Add(outputCost),
			UpdatedAt:      now,
		})
	}

	// Server-side increments: the insert values double as the deltas on
	// conflict, so concurrent consumers never lose updates to a
	// read-modify-write race. token_limit is deliberately absent from the
	// assignment list.
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "aggregation_key"}},
		DoUpdates: clause.Assignments(incrementAssignments(s.db.Dialector.Name())),
	}).Create(&rows).Error
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.AddTenantsUpdated(len(rows))
	}
	ctxlogger.WithContext(ctx, s.log).Info("applied usage aggregates",
		zap.Int("tenants", len(rows)),
		zap.Int("records", len(records)),
	)
	return nil
}

// counterColumns are the columns incremented on conflict. token_limit stays
// out so limit writes are never clobbered by aggregation.
var counterColumns = []string{
	"input_tokens", "output_tokens", "total_tokens", "request_count",
	"input_cost", "output_cost", "total_cost",
}

// incrementAssignments builds the conflict-update expressions for the given
// dialect. Postgres and sqlite spell the proposed row `excluded`; mysql
// renders ON DUPLICATE KEY UPDATE, where the proposed value is VALUES(col)
// and a bare column names the current row.
func incrementAssignments(dialect string) map[string]interface{} {
	out := make(map[string]interface{}, len(counterColumns)+2)
	if dialect == "mysql" {
		for _, col := range counterColumns {
			out[col] = gorm.Expr(col + " + VALUES(" + col + ")")
		}
		out["tenant_id"] = gorm.Expr("VALUES(tenant_id)")
		out["updated_at"] = gorm.Expr("VALUES(updated_at)")
		return out
	}
	for _, col := range counterColumns {
		out[col] = gorm.Expr("tenant_usage." + col + " + excluded." + col)
	}
	out["tenant_id"] = gorm.Expr("excluded.tenant_id")
	out["updated_at"] = gorm.Expr("excluded.updated_at")
	return out
}

func (s *Service) GetByTenant(ctx context.Context, tenantID string) (*aggregatedomain.TenantUsage, error) {
	if s.db == nil {
		return nil, errors.New("missing_db")
	}
	var row aggregatedomain.TenantUsage
	err := s.db.WithContext(ctx).
		Where("aggregation_key = ?", aggregatedomain.AggregationKey(tenantID)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) List(ctx context.Context) ([]aggregatedomain.TenantUsage, error) {
	if s.db == nil {
		return nil, errors.New("missing_db")
	}
	var rows []aggregatedomain.TenantUsage
	err := s.db.WithContext(ctx).
		Where("aggregation_key LIKE ?", aggregatedomain.TenantKeyPrefix+"%").
		Order("tenant_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
