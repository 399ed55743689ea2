package service

import (
	"context"
	"errors"
	"testing"

	aggregatedomain "github.com/smallbiznis/tokenmeter/internal/aggregate/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type aggregateMock struct {
	mock.Mock
}

func (m *aggregateMock) Apply(ctx context.Context, records []aggregatedomain.ChangeRecord) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

func (m *aggregateMock) GetByTenant(ctx context.Context, tenantID string) (*aggregatedomain.TenantUsage, error) {
	args := m.Called(ctx, tenantID)
	row := args.Get(0)
	if row == nil {
		return nil, args.Error(1)
	}
	return row.(*aggregatedomain.TenantUsage), args.Error(1)
}

func (m *aggregateMock) List(ctx context.Context) ([]aggregatedomain.TenantUsage, error) {
	args := m.Called(ctx)
	return nil, args.Error(1)
}

func newQuotaService(aggregates aggregatedomain.Service) *Service {
	return &Service{log: zap.NewNop(), aggregates: aggregates}
}

func usageRow(tenantID string, total int64, limit *int64) *aggregatedomain.TenantUsage {
	return &aggregatedomain.TenantUsage{
		AggregationKey: aggregatedomain.AggregationKey(tenantID),
		TenantID:       tenantID,
		TotalTokens:    total,
		TokenLimit:     limit,
	}
}

func limitOf(v int64) *int64 { return &v }

func TestCheckBoundary(t *testing.T) {
	tests := []struct {
		name        string
		row         *aggregatedomain.TenantUsage
		wantAllowed bool
	}{
		{
			name:        "no usage row",
			row:         nil,
			wantAllowed: true,
		},
		{
			name:        "usage without limit",
			row:         usageRow("acme", 1000000, nil),
			wantAllowed: true,
		},
		{
			name:        "under limit",
			row:         usageRow("acme", 999, limitOf(1000)),
			wantAllowed: true,
		},
		{
			name:        "exactly at limit",
			row:         usageRow("acme", 1000, limitOf(1000)),
			wantAllowed: false,
		},
		{
			name:        "over limit",
			row:         usageRow("acme", 1001, limitOf(1000)),
			wantAllowed: false,
		},
		{
			name:        "zero usage with limit",
			row:         usageRow("acme", 0, limitOf(1000)),
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aggregates := &aggregateMock{}
			aggregates.On("GetByTenant", mock.Anything, "acme").Return(tt.row, nil)

			decision := newQuotaService(aggregates).Check(context.Background(), "acme")
			assert.Equal(t, tt.wantAllowed, decision.Allowed)
			assert.Equal(t, "acme", decision.TenantID)
		})
	}
}

func TestCheckDenialCarriesNumbers(t *testing.T) {
	aggregates := &aggregateMock{}
	aggregates.On("GetByTenant", mock.Anything, "acme").Return(usageRow("acme", 1500, limitOf(1000)), nil)

	decision := newQuotaService(aggregates).Check(context.Background(), "acme")
	assert.False(t, decision.Allowed)
	assert.EqualValues(t, 1500, decision.TotalTokens)
	if assert.NotNil(t, decision.TokenLimit) {
		assert.EqualValues(t, 1000, *decision.TokenLimit)
	}
}

func TestCheckFailsOpenOnReadError(t *testing.T) {
	aggregates := &aggregateMock{}
	aggregates.On("GetByTenant", mock.Anything, "acme").Return(nil, errors.New("connection refused"))

	decision := newQuotaService(aggregates).Check(context.Background(), "acme")
	assert.True(t, decision.Allowed)
	assert.Nil(t, decision.TokenLimit)
}
