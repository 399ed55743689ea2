// Package domain contains the per-tenant usage aggregate and the change
// records that feed it.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
)

// TenantKeyPrefix namespaces tenant rows in the aggregate table. Rows with
// other key shapes are ignored by tenant listings.
const TenantKeyPrefix = "tenant:"

// AggregationKey builds the primary key for a tenant's aggregate row.
func AggregationKey(tenantID string) string { return TenantKeyPrefix + tenantID }

// TenantUsage is the running total of a tenant's consumption. Counters and
// costs only ever grow; TokenLimit is managed separately by limit
// administration and is never touched by aggregation writes.
type TenantUsage struct {
	AggregationKey string          `gorm:"primaryKey;type:text" json:"aggregation_key"`
	TenantID       string          `gorm:"type:text;not null" json:"tenant_id"`
	InputTokens    int64           `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens   int64           `gorm:"not null;default:0" json:"output_tokens"`
	TotalTokens    int64           `gorm:"not null;default:0" json:"total_tokens"`
	RequestCount   int64           `gorm:"not null;default:0" json:"request_count"`
	InputCost      decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"input_cost"`
	OutputCost     decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"output_cost"`
	TotalCost      decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"total_cost"`
	TokenLimit     *int64          `json:"token_limit,omitempty"`
	UpdatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (TenantUsage) TableName() string { return "tenant_usage" }

// Change record event names.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// ChangeRecord describes one mutation of the usage_events table as seen on
// the change stream. Only INSERT records carry a usable new image.
type ChangeRecord struct {
	EventName string                  `json:"event_name"`
	NewImage  *usagedomain.UsageEvent `json:"new_image,omitempty"`
	Keys      map[string]string       `json:"keys,omitempty"`
}
