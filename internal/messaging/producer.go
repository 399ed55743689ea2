package messaging

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("messaging")

const defaultMaxLen = 100000

// Producer appends message bodies to a stream.
type Producer struct {
	client *redis.Client
	maxLen int64
}

func NewProducer(client *redis.Client) *Producer {
	return &Producer{
		client: client,
		maxLen: defaultMaxLen,
	}
}

// Publish appends body to stream and returns the assigned entry ID.
func (p *Producer) Publish(ctx context.Context, stream Stream, body []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.Publish",
		trace.WithAttributes(attribute.String("stream", string(stream))))
	defer span.End()

	result, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(body)},
	}).Result()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}

	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}
