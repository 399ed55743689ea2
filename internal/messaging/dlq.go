package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQEntry is a parked message held for manual inspection.
type DLQEntry struct {
	ID             string          `json:"id"`
	OriginalStream string          `json:"original_stream"`
	MessageID      string          `json:"message_id"`
	Data           json.RawMessage `json:"data"`
	Error          string          `json:"error"`
	DeliveryCount  int64           `json:"delivery_count"`
	FailedAt       time.Time       `json:"failed_at"`
}

func appendDLQ(ctx context.Context, client *redis.Client, stream string, entry DLQEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(payload)},
	}).Err()
}

// ListDLQ returns up to limit of the most recently parked messages for stream.
func ListDLQ(ctx context.Context, client *redis.Client, stream Stream, limit int64) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := client.XRevRangeN(ctx, stream.DLQ(), "+", "-", limit).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]DLQEntry, 0, len(msgs))
	for _, m := range msgs {
		body, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var entry DLQEntry
		if err := json.Unmarshal([]byte(body), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
