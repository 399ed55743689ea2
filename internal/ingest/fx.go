package ingest

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenmeter/internal/config"
	"github.com/smallbiznis/tokenmeter/internal/messaging"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Consumer group names for the two pipeline stages.
const (
	IngestGroup    = "cg-usage-ingest"
	AggregateGroup = "cg-usage-aggregate"
)

var Module = fx.Module("ingest",
	fx.Provide(NewPipeline),
	fx.Invoke(registerConsumers),
)

type consumerParams struct {
	fx.In

	LC       fx.Lifecycle
	Cfg      config.Config
	Client   *redis.Client
	Pipeline *Pipeline
	Log      *zap.Logger
}

// registerConsumers starts one consumer per pipeline stage and ties their
// lifetimes to the application lifecycle.
func registerConsumers(p consumerParams) {
	streams := p.Cfg.Streams
	base := messaging.ConsumerConfig{
		BatchSize:     streams.ConsumerBatchSize,
		BlockTimeout:  streams.BlockTimeout,
		ClaimInterval: streams.ClaimInterval,
		RetryLimit:    streams.RetryLimit,
		Backoff:       messaging.DefaultBackoffConfig(),
	}

	ingestCfg := base
	ingestCfg.Stream = messaging.Stream(streams.UsageEvents)
	ingestCfg.Group = IngestGroup
	ingestConsumer := messaging.NewConsumer(p.Client, ingestCfg, p.Pipeline.HandleUsageBatch, p.Log)

	aggregateCfg := base
	aggregateCfg.Stream = messaging.Stream(streams.UsageChanges)
	aggregateCfg.Group = AggregateGroup
	aggregateConsumer := messaging.NewConsumer(p.Client, aggregateCfg, p.Pipeline.HandleChangeBatch, p.Log)

	p.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := ingestConsumer.Start(ctx); err != nil {
				return err
			}
			return aggregateConsumer.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			ingestConsumer.Stop()
			aggregateConsumer.Stop()
			return nil
		},
	})
}
