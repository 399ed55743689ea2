package domain

import (
	"context"
	"encoding/json"
	"errors"
)

type Service interface {
	// Apply folds a batch of change records into per-tenant aggregates.
	// The batch succeeds or fails as a unit.
	Apply(context.Context, []ChangeRecord) error
	// GetByTenant returns the tenant's aggregate row, or nil when the tenant
	// has no recorded usage yet.
	GetByTenant(ctx context.Context, tenantID string) (*TenantUsage, error)
	// List returns every tenant aggregate row, skipping keys outside the
	// tenant namespace.
	List(context.Context) ([]TenantUsage, error)
}

var (
	ErrInvalidChangeRecord = errors.New("invalid_change_record")
	ErrMissingNewImage     = errors.New("missing_new_image")
)

// ParseChangeRecord decodes a change-stream message body.
func ParseChangeRecord(body []byte) (ChangeRecord, error) {
	var record ChangeRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return ChangeRecord{}, ErrInvalidChangeRecord
	}
	if record.EventName == "" {
		return ChangeRecord{}, ErrInvalidChangeRecord
	}
	if record.EventName == EventInsert && record.NewImage == nil {
		return ChangeRecord{}, ErrMissingNewImage
	}
	return record, nil
}
