package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	analyticsdomain "github.com/tablierhq/tablier/internal/analytics/domain"
	billingeventdomain "github.com/tablierhq/tablier/internal/billingevent/domain"
	"github.com/tablierhq/tablier/internal/config"
	invoicedomain "github.com/tablierhq/tablier/internal/invoice/domain"
	meterdomain "github.com/tablierhq/tablier/internal/meter/domain"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	"github.com/tablierhq/tablier/internal/ratelimit"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	walletdomain "github.com/tablierhq/tablier/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type ServerParams struct {
	fx.In

	Log           *zap.Logger
	Config        config.Config
	Plans         plandomain.Service
	Subscriptions subscriptiondomain.Service
	Meter         meterdomain.Service
	Wallets       walletdomain.Service
	BillingEvents billingeventdomain.Service
	Invoices      invoicedomain.Service
	Analytics     analyticsdomain.Service
	Limiter       ratelimit.Limiter
}

type Server struct {
	log           *zap.Logger
	cfg           config.Config
	plans         plandomain.Service
	subscriptions subscriptiondomain.Service
	meter         meterdomain.Service
	wallets       walletdomain.Service
	billingEvents billingeventdomain.Service
	invoices      invoicedomain.Service
	analytics     analyticsdomain.Service
	limiter       ratelimit.Limiter
}

func NewServer(p ServerParams) *Server {
	return &Server{
		log:           p.Log.Named("http.server"),
		cfg:           p.Config,
		plans:         p.Plans,
		subscriptions: p.Subscriptions,
		meter:         p.Meter,
		wallets:       p.Wallets,
		billingEvents: p.BillingEvents,
		invoices:      p.Invoices,
		analytics:     p.Analytics,
		limiter:       p.Limiter,
	}
}

func registerRoutes(r *gin.Engine, s *Server) {
	v1 := r.Group("/v1")

	v1.GET("/plans", s.ListPlans)

	v1.POST("/subscriptions", s.CreateSubscription)
	v1.POST("/subscriptions/change-plan", s.ChangePlan)
	v1.POST("/subscriptions/cancel", s.CancelSubscription)
	v1.GET("/restaurants/:restaurant_id/subscription", s.GetSubscription)
	v1.GET("/restaurants/:restaurant_id/usage", s.ListUsageCounters)

	v1.POST("/usage/check", s.CheckAndRecordUsage)
	v1.GET("/restaurants/:restaurant_id/usage/events", s.ListUsageEvents)

	v1.POST("/wallet/purchase", s.PurchaseCredits)
	v1.GET("/restaurants/:restaurant_id/wallet", s.GetWalletBalance)
	v1.GET("/restaurants/:restaurant_id/wallet/transactions", s.ListWalletTransactions)

	v1.GET("/invoices/:invoice_id", s.GetInvoice)
	v1.GET("/restaurants/:restaurant_id/invoices", s.ListInvoices)

	v1.GET("/restaurants/:restaurant_id/analytics/churn-risk", s.GetChurnRisk)
	v1.GET("/restaurants/:restaurant_id/analytics/clv", s.GetCLV)
	v1.GET("/restaurants/:restaurant_id/analytics/snapshot", s.GetRevenueSnapshot)
	v1.GET("/analytics/forecast", s.GetRevenueForecast)

	r.POST("/v1/webhooks/payments", s.IngestPaymentWebhook)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("starting http server", zap.String("addr", cfg.ListenAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
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
