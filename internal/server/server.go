package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	analyticsdomain "github.com/smallbiznis/creditledger/internal/analytics/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditledger/internal/observability/tracing"
	webhookdomain "github.com/smallbiznis/creditledger/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(run),
)

type EngineParams struct {
	fx.In

	ObsCfg     observability.Config
	JobMetrics *obsmetrics.JobMetrics `optional:"true"`
	Gatherer   prometheus.Gatherer    `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           p.ObsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(p.JobMetrics))
	r.Use(ErrorHandlingMiddleware())

	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}

type Params struct {
	fx.In

	Engine    *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Ledger    ledgerdomain.Service
	Credits   creditdomain.Service
	Analytics analyticsdomain.Service
	Webhooks  webhookdomain.Service
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	log       *zap.Logger
	clock     clock.Clock
	ledger    ledgerdomain.Service
	credits   creditdomain.Service
	analytics analyticsdomain.Service
	webhooks  webhookdomain.Service
	stripe    *StripeVerifier
}

func NewServer(p Params) *Server {
	log := p.Log.Named("http.server")
	if p.Cfg.StripeWebhookSecret == "" {
		log.Warn("STRIPE_WEBHOOK_SECRET is empty, stripe deliveries will be rejected")
	}
	return &Server{
		engine:    p.Engine,
		cfg:       p.Cfg,
		log:       log,
		clock:     p.Clock,
		ledger:    p.Ledger,
		credits:   p.Credits,
		analytics: p.Analytics,
		webhooks:  p.Webhooks,
		stripe:    NewStripeVerifier(p.Cfg.StripeWebhookSecret, p.Cfg.StripeWebhookTolerance, p.Clock.Now),
	}
}

func RegisterRoutes(s *Server) {
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)

	v1 := s.engine.Group("/v1")
	v1.GET("/surcharge", s.GetSurcharge)

	tenants := v1.Group("/tenants/:id")
	tenants.GET("/balance", s.GetBalance)
	tenants.GET("/transactions", s.ListTransactions)
	tenants.POST("/usage", s.RecordUsage)
	tenants.GET("/credit-check", s.CheckCredits)
	tenants.GET("/billing-history", s.ListBillingHistory)
	tenants.GET("/analytics/engines", s.GetEngineAnalytics)
	tenants.GET("/analytics/usage", s.GetUsageAnalytics)

	events := v1.Group("/billing-events")
	events.GET("/failed", s.ListFailedBillingEvents)
	events.POST("/:provider/:external_id/replay", s.ReplayBillingEvent)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
