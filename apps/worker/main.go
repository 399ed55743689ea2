package main

import (
	"github.com/smallbiznis/tokenmeter/internal/aggregate"
	"github.com/smallbiznis/tokenmeter/internal/config"
	"github.com/smallbiznis/tokenmeter/internal/ingest"
	"github.com/smallbiznis/tokenmeter/internal/messaging"
	"github.com/smallbiznis/tokenmeter/internal/migration"
	"github.com/smallbiznis/tokenmeter/internal/observability"
	"github.com/smallbiznis/tokenmeter/internal/redisconn"
	"github.com/smallbiznis/tokenmeter/internal/usage"
	"github.com/smallbiznis/tokenmeter/pkg/db"
	"github.com/smallbiznis/tokenmeter/pkg/log"
	"go.uber.org/fx"
)

// Consumers only: drains the event stream into storage and the change stream
// into aggregates.
func main() {
	app := fx.New(
		config.Module,
		log.Module,
		observability.Module,
		db.Module,
		redisconn.Module,
		messaging.Module,
		migration.Module,

		usage.Module,
		aggregate.Module,
		ingest.Module,
	)
	app.Run()
}
