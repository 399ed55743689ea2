// Package domain contains persistence models for raw usage ingestion.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// UsageEvent stores a single token-usage report from an agent invocation.
// The (ID, Timestamp) pair is the identity: redelivered messages collapse
// onto the same row instead of inflating the table.
type UsageEvent struct {
	ID              string            `gorm:"primaryKey;type:text" json:"id"`
	Timestamp       string            `gorm:"primaryKey;type:text" json:"timestamp"`
	TenantID        string            `gorm:"type:text;not null;index" json:"tenant_id"`
	InputTokens     int64             `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens    int64             `gorm:"not null;default:0" json:"output_tokens"`
	TotalTokens     int64             `gorm:"not null;default:0" json:"total_tokens"`
	UserMessage     string            `gorm:"type:text" json:"user_message,omitempty"`
	ResponseMessage string            `gorm:"type:text" json:"response_message,omitempty"`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// ChangeOutbox marks a recorded event whose change record has not yet reached
// the change stream. Rows are written in the same transaction as the event and
// deleted once the publish succeeds, so a stream failure after commit leaves a
// durable marker instead of an event that never gets aggregated.
type ChangeOutbox struct {
	EventID        string    `gorm:"primaryKey;type:text"`
	EventTimestamp string    `gorm:"primaryKey;type:text"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ChangeOutbox) TableName() string { return "usage_change_outbox" }
