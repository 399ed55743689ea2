package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenmeter/internal/aggregate"
	"github.com/smallbiznis/tokenmeter/internal/config"
	"github.com/smallbiznis/tokenmeter/internal/limits"
	"github.com/smallbiznis/tokenmeter/internal/messaging"
	"github.com/smallbiznis/tokenmeter/internal/migration"
	"github.com/smallbiznis/tokenmeter/internal/observability"
	"github.com/smallbiznis/tokenmeter/internal/quota"
	"github.com/smallbiznis/tokenmeter/internal/ratelimit"
	"github.com/smallbiznis/tokenmeter/internal/redisconn"
	"github.com/smallbiznis/tokenmeter/internal/server"
	"github.com/smallbiznis/tokenmeter/pkg/db"
	"github.com/smallbiznis/tokenmeter/pkg/log"
	"go.uber.org/fx"
)

// HTTP API only; the worker binary runs the consumers.
func main() {
	app := fx.New(
		config.Module,
		log.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redisconn.Module,
		messaging.Module,
		migration.Module,

		aggregate.Module,
		quota.Module,
		limits.Module,
		ratelimit.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
