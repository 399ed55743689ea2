package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	aggregatedomain "github.com/smallbiznis/tokenmeter/internal/aggregate/domain"
	"github.com/smallbiznis/tokenmeter/internal/config"
	limitsdomain "github.com/smallbiznis/tokenmeter/internal/limits/domain"
	"github.com/smallbiznis/tokenmeter/internal/messaging"
	obslogger "github.com/smallbiznis/tokenmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tokenmeter/internal/observability/tracing"
	quotadomain "github.com/smallbiznis/tokenmeter/internal/quota/domain"
	"github.com/smallbiznis/tokenmeter/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterAPIRoutes() }),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// eventPublisher is the slice of messaging.Producer the publish handler needs.
type eventPublisher interface {
	Publish(ctx context.Context, stream messaging.Stream, body []byte) (string, error)
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger

	genID          *snowflake.Node
	redis          *redis.Client
	producer       eventPublisher
	aggregatesvc   aggregatedomain.Service
	quotasvc       quotadomain.Service
	limitssvc      limitsdomain.Service
	publishLimiter *ratelimit.PublishLimiter
	metrics        *obsmetrics.Metrics

	eventStream messaging.Stream
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	GenID          *snowflake.Node
	Redis          *redis.Client
	Producer       *messaging.Producer
	AggregateSvc   aggregatedomain.Service
	QuotaSvc       quotadomain.Service
	LimitsSvc      limitsdomain.Service
	PublishLimiter *ratelimit.PublishLimiter `optional:"true"`
	Metrics        *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		genID:          p.GenID,
		redis:          p.Redis,
		producer:       p.Producer,
		aggregatesvc:   p.AggregateSvc,
		quotasvc:       p.QuotaSvc,
		limitssvc:      p.LimitsSvc,
		publishLimiter: p.PublishLimiter,
		metrics:        p.Metrics,
		eventStream:    messaging.Stream(p.Cfg.Streams.UsageEvents),
	}
}

func (s *Server) RegisterAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/usage/events", s.PublishUsageEvent)
	v1.GET("/usage", s.ListTenantUsage)
	v1.GET("/tenants/:tenant_id/quota", s.GetTenantQuota)
	v1.POST("/tenants/limit", s.SetTenantLimit)
	v1.GET("/dlq", s.ListDLQ)
}
