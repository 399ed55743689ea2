// Package ingest connects the delivery substrate to the usage and aggregate
// services: queued events become rows, rows become change records, change
// records become per-tenant totals.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	aggregatedomain "github.com/smallbiznis/tokenmeter/internal/aggregate/domain"
	"github.com/smallbiznis/tokenmeter/internal/config"
	"github.com/smallbiznis/tokenmeter/internal/messaging"
	"github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"github.com/smallbiznis/tokenmeter/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// changePublisher is the slice of messaging.Producer the pipeline needs.
type changePublisher interface {
	Publish(ctx context.Context, stream messaging.Stream, body []byte) (string, error)
}

type PipelineParam struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Usage      usagedomain.Service
	Aggregates aggregatedomain.Service
	Producer   *messaging.Producer
	Metrics    *metrics.Metrics `optional:"true"`
}

// Pipeline holds the two batch handlers driven by the stream consumers.
type Pipeline struct {
	log          *zap.Logger
	usage        usagedomain.Service
	aggregates   aggregatedomain.Service
	publisher    changePublisher
	changeStream messaging.Stream
	metrics      *metrics.Metrics
}

func NewPipeline(p PipelineParam) *Pipeline {
	return &Pipeline{
		log:          p.Log.Named("ingest.pipeline"),
		usage:        p.Usage,
		aggregates:   p.Aggregates,
		publisher:    p.Producer,
		changeStream: messaging.Stream(p.Cfg.Streams.UsageChanges),
		metrics:      p.Metrics,
	}
}

// changeDrainBatch bounds how many outbox entries one drain pass loads.
const changeDrainBatch = 100

// HandleUsageBatch parses and persists a batch of queued usage events, then
// drains the change outbox to the change stream. Any parse, write, or publish
// error fails the whole batch; nothing is acknowledged and the substrate
// redelivers. Rows already persisted by an earlier attempt are absorbed by
// Record, but their outbox entries stay until the publish succeeds, so a
// redelivered batch re-publishes exactly the change records that never made
// it out.
func (p *Pipeline) HandleUsageBatch(ctx context.Context, batch []messaging.Delivery) error {
	events := make([]usagedomain.UsageEvent, 0, len(batch))
	for _, delivery := range batch {
		event, err := usagedomain.ParseEvent(delivery.Body)
		if err != nil {
			p.failBatch("ingest")
			return fmt.Errorf("parse message %s: %w", delivery.ID, err)
		}
		events = append(events, event)
	}

	inserted, err := p.usage.Record(ctx, events)
	if err != nil {
		p.failBatch("ingest")
		return fmt.Errorf("record usage batch: %w", err)
	}

	published, err := p.drainChanges(ctx)
	if err != nil {
		p.failBatch("ingest")
		return err
	}

	ctxlogger.WithContext(ctx, p.log).Info("usage batch ingested",
		zap.Int("received", len(batch)),
		zap.Int("inserted", len(inserted)),
		zap.Int("published", published),
	)
	return nil
}

// drainChanges publishes one INSERT change record per pending outbox entry
// and clears the entry once the stream append succeeds. Publish then clear
// means a crash between the two re-publishes the record on the next pass,
// never drops it.
func (p *Pipeline) drainChanges(ctx context.Context) (int, error) {
	published := 0
	for {
		pending, err := p.usage.PendingChanges(ctx, changeDrainBatch)
		if err != nil {
			return published, fmt.Errorf("load pending changes: %w", err)
		}
		if len(pending) == 0 {
			return published, nil
		}

		for i := range pending {
			record := aggregatedomain.ChangeRecord{
				EventName: aggregatedomain.EventInsert,
				NewImage:  &pending[i],
				Keys: map[string]string{
					"id":        pending[i].ID,
					"timestamp": pending[i].Timestamp,
				},
			}
			body, err := json.Marshal(record)
			if err != nil {
				return published, fmt.Errorf("encode change record: %w", err)
			}
			if _, err := p.publisher.Publish(ctx, p.changeStream, body); err != nil {
				return published, fmt.Errorf("publish change record: %w", err)
			}
			if err := p.usage.ClearChange(ctx, pending[i].ID, pending[i].Timestamp); err != nil {
				return published, fmt.Errorf("clear change outbox: %w", err)
			}
			published++
		}
	}
}

// HandleChangeBatch parses a batch of change records and folds them into the
// per-tenant aggregates. Parse and apply errors fail the whole batch.
func (p *Pipeline) HandleChangeBatch(ctx context.Context, batch []messaging.Delivery) error {
	records := make([]aggregatedomain.ChangeRecord, 0, len(batch))
	for _, delivery := range batch {
		record, err := aggregatedomain.ParseChangeRecord(delivery.Body)
		if err != nil {
			p.failBatch("aggregate")
			return fmt.Errorf("parse change record %s: %w", delivery.ID, err)
		}
		records = append(records, record)
	}

	if err := p.aggregates.Apply(ctx, records); err != nil {
		p.failBatch("aggregate")
		return fmt.Errorf("apply change batch: %w", err)
	}
	return nil
}

func (p *Pipeline) failBatch(stage string) {
	if p.metrics != nil {
		p.metrics.IncBatchFailed(stage)
	}
}
