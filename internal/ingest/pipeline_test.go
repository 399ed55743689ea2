package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	aggregatedomain "github.com/smallbiznis/tokenmeter/internal/aggregate/domain"
	aggregateservice "github.com/smallbiznis/tokenmeter/internal/aggregate/service"
	"github.com/smallbiznis/tokenmeter/internal/config"
	"github.com/smallbiznis/tokenmeter/internal/messaging"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	usageservice "github.com/smallbiznis/tokenmeter/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type capturedPublish struct {
	stream messaging.Stream
	body   []byte
}

type publisherStub struct {
	published []capturedPublish
	err       error
}

func (p *publisherStub) Publish(_ context.Context, stream messaging.Stream, body []byte) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.published = append(p.published, capturedPublish{stream: stream, body: body})
	return "1-0", nil
}

func setupPipeline(t *testing.T) (*Pipeline, *publisherStub, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&usagedomain.UsageEvent{}, &usagedomain.ChangeOutbox{}, &aggregatedomain.TenantUsage{}))

	table := config.RateTable{
		InputRatePer1000:  decimal.RequireFromString("0.003"),
		OutputRatePer1000: decimal.RequireFromString("0.015"),
	}
	usage := usageservice.NewService(usageservice.ServiceParam{DB: db, Log: zap.NewNop()})
	aggregates := aggregateservice.NewService(aggregateservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		Pricing: config.NewStaticPricingHolder(table),
	})

	stub := &publisherStub{}
	pipeline := &Pipeline{
		log:          zap.NewNop(),
		usage:        usage,
		aggregates:   aggregates,
		publisher:    stub,
		changeStream: "usage:changes",
	}
	return pipeline, stub, db
}

func delivery(id, body string) messaging.Delivery {
	return messaging.Delivery{ID: id, Body: []byte(body), RetryCount: 1}
}

func TestHandleUsageBatchPublishesChanges(t *testing.T) {
	pipeline, stub, db := setupPipeline(t)
	ctx := context.Background()

	err := pipeline.HandleUsageBatch(ctx, []messaging.Delivery{
		delivery("1-0", `{"id":"pipe-a","timestamp":"1700000001","tenant_id":"pipe-acme","input_tokens":100,"output_tokens":50,"total_tokens":150}`),
		delivery("1-1", `{"id":"pipe-b","timestamp":"1700000002","tenant_id":"pipe-acme","input_tokens":20,"output_tokens":10,"total_tokens":30}`),
	})
	require.NoError(t, err)
	require.Len(t, stub.published, 2)
	assert.Equal(t, messaging.Stream("usage:changes"), stub.published[0].stream)

	var count int64
	require.NoError(t, db.Model(&usagedomain.UsageEvent{}).Where("tenant_id = ?", "pipe-acme").Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestHandleUsageBatchFailsOnBadMessage(t *testing.T) {
	pipeline, stub, db := setupPipeline(t)
	ctx := context.Background()

	err := pipeline.HandleUsageBatch(ctx, []messaging.Delivery{
		delivery("2-0", `{"id":"pipe-good","timestamp":"1700000003","tenant_id":"pipe-mixed","total_tokens":10}`),
		delivery("2-1", `{"timestamp":"1700000004","total_tokens":10}`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, usagedomain.ErrMissingEventID)

	// Nothing from the failed batch lands: no rows, no change records.
	assert.Empty(t, stub.published)
	var count int64
	require.NoError(t, db.Model(&usagedomain.UsageEvent{}).Where("tenant_id = ?", "pipe-mixed").Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestHandleUsageBatchRedeliveryPublishesOnce(t *testing.T) {
	pipeline, stub, _ := setupPipeline(t)
	ctx := context.Background()

	batch := []messaging.Delivery{
		delivery("3-0", `{"id":"pipe-redeliver","timestamp":"1700000005","tenant_id":"pipe-retry","total_tokens":42}`),
	}

	require.NoError(t, pipeline.HandleUsageBatch(ctx, batch))
	require.Len(t, stub.published, 1)

	// Redelivery of an already-persisted batch emits no new change records.
	require.NoError(t, pipeline.HandleUsageBatch(ctx, batch))
	assert.Len(t, stub.published, 1)
}

func TestHandleUsageBatchRecoversFromPublishFailure(t *testing.T) {
	pipeline, stub, db := setupPipeline(t)
	ctx := context.Background()

	batch := []messaging.Delivery{
		delivery("6-0", `{"id":"pipe-outbox","timestamp":"1700000008","tenant_id":"pipe-outbox-tenant","input_tokens":100,"output_tokens":50,"total_tokens":150}`),
	}

	// The stream is down: the event commits but the change record does not go
	// out, so the batch must fail and stay pending.
	stub.err = errors.New("stream unavailable")
	require.Error(t, pipeline.HandleUsageBatch(ctx, batch))
	assert.Empty(t, stub.published)

	var rows int64
	require.NoError(t, db.Model(&usagedomain.UsageEvent{}).Where("id = ?", "pipe-outbox").Count(&rows).Error)
	require.EqualValues(t, 1, rows)

	// Redelivery after the stream recovers: the row is a duplicate, but the
	// outbox entry is still pending, so the change record goes out now.
	stub.err = nil
	require.NoError(t, pipeline.HandleUsageBatch(ctx, batch))
	require.Len(t, stub.published, 1)

	require.NoError(t, pipeline.HandleChangeBatch(ctx, []messaging.Delivery{
		{ID: "6-1", Body: stub.published[0].body, RetryCount: 1},
	}))
	row, err := pipeline.aggregates.GetByTenant(ctx, "pipe-outbox-tenant")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.EqualValues(t, 150, row.TotalTokens)

	// A third delivery publishes nothing: the outbox entry is gone.
	require.NoError(t, pipeline.HandleUsageBatch(ctx, batch))
	assert.Len(t, stub.published, 1)
}

func TestPipelineEndToEnd(t *testing.T) {
	pipeline, stub, _ := setupPipeline(t)
	ctx := context.Background()

	err := pipeline.HandleUsageBatch(ctx, []messaging.Delivery{
		delivery("4-0", `{"id":"pipe-e2e-a","timestamp":"1700000006","tenant_id":"pipe-e2e","input_tokens":100,"output_tokens":50,"total_tokens":150}`),
		delivery("4-1", `{"id":"pipe-e2e-b","timestamp":"1700000007","tenant_id":"pipe-e2e","input_tokens":20,"output_tokens":10,"total_tokens":30}`),
	})
	require.NoError(t, err)

	changes := make([]messaging.Delivery, 0, len(stub.published))
	for i, p := range stub.published {
		changes = append(changes, messaging.Delivery{ID: fmt.Sprintf("4-%d", i), Body: p.body, RetryCount: 1})
	}
	require.NoError(t, pipeline.HandleChangeBatch(ctx, changes))

	row, err := pipeline.aggregates.GetByTenant(ctx, "pipe-e2e")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.EqualValues(t, 180, row.TotalTokens)
	assert.EqualValues(t, 120, row.InputTokens)
	assert.EqualValues(t, 60, row.OutputTokens)
	assert.EqualValues(t, 2, row.RequestCount)
}

func TestHandleChangeBatchFailsOnBadRecord(t *testing.T) {
	pipeline, _, _ := setupPipeline(t)

	err := pipeline.HandleChangeBatch(context.Background(), []messaging.Delivery{
		delivery("5-0", `{"event_name":"INSERT"}`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, aggregatedomain.ErrMissingNewImage)
}
