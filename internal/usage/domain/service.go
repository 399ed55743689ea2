package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/smallbiznis/tokenmeter/internal/config"
	"gorm.io/datatypes"
)

type Service interface {
	// Record persists a batch of usage events and returns the subset that was
	// newly inserted. Redelivered events already on disk are filtered out so
	// downstream change records are emitted at most once per row. Every new
	// row also gets an outbox entry in the same transaction.
	Record(context.Context, []UsageEvent) ([]UsageEvent, error)

	// PendingChanges returns events whose change record has not been published
	// yet, oldest outbox entries first.
	PendingChanges(ctx context.Context, limit int) ([]UsageEvent, error)

	// ClearChange removes the outbox entry for one event after its change
	// record reached the stream.
	ClearChange(ctx context.Context, eventID, eventTimestamp string) error
}

var (
	ErrInvalidPayload = errors.New("invalid_usage_payload")
	ErrMissingEventID = errors.New("missing_event_id")
	ErrMissingTokens  = errors.New("missing_total_tokens")
	ErrNegativeTokens = errors.New("negative_token_count")
)

// inboundEvent mirrors the wire shape. Pointer fields distinguish "absent"
// from zero, which matters for the required-field checks.
type inboundEvent struct {
	ID              *string        `json:"id"`
	Timestamp       *string        `json:"timestamp"`
	TenantID        string         `json:"tenant_id"`
	InputTokens     *int64         `json:"input_tokens"`
	OutputTokens    *int64         `json:"output_tokens"`
	TotalTokens     *int64         `json:"total_tokens"`
	UserMessage     string         `json:"user_message"`
	ResponseMessage string         `json:"response_message"`
	Metadata        map[string]any `json:"metadata"`
}

// ParseEvent decodes a queued message body into a UsageEvent. Events must
// carry an id and a total token count; the tenant falls back to the shared
// default bucket when the reporter did not identify itself.
func ParseEvent(body []byte) (UsageEvent, error) {
	var in inboundEvent
	if err := json.Unmarshal(body, &in); err != nil {
		return UsageEvent{}, ErrInvalidPayload
	}

	if in.ID == nil || *in.ID == "" {
		return UsageEvent{}, ErrMissingEventID
	}
	if in.TotalTokens == nil {
		return UsageEvent{}, ErrMissingTokens
	}

	event := UsageEvent{
		ID:              *in.ID,
		TenantID:        in.TenantID,
		TotalTokens:     *in.TotalTokens,
		UserMessage:     in.UserMessage,
		ResponseMessage: in.ResponseMessage,
	}
	if in.Timestamp != nil {
		event.Timestamp = *in.Timestamp
	}
	if event.Timestamp == "" {
		event.Timestamp = strconv.FormatInt(time.Now().UTC().Unix(), 10)
	}
	if event.TenantID == "" {
		event.TenantID = config.DefaultTenantID
	}
	if in.InputTokens != nil {
		event.InputTokens = *in.InputTokens
	}
	if in.OutputTokens != nil {
		event.OutputTokens = *in.OutputTokens
	}
	if event.InputTokens < 0 || event.OutputTokens < 0 || event.TotalTokens < 0 {
		return UsageEvent{}, ErrNegativeTokens
	}
	if in.Metadata != nil {
		event.Metadata = datatypes.JSONMap(in.Metadata)
	}

	return event, nil
}
