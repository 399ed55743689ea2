package migration

import (
	"strings"

	aggregatedomain "github.com/smallbiznis/tokenmeter/internal/aggregate/domain"
	"github.com/smallbiznis/tokenmeter/internal/config"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Versioned migrations are written for postgres; other dialects
		// (sqlite dev mode, mysql) fall back to schema sync.
		if !strings.EqualFold(cfg.DBType, "postgres") {
			return conn.AutoMigrate(
				&usagedomain.UsageEvent{},
				&usagedomain.ChangeOutbox{},
				&aggregatedomain.TenantUsage{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
