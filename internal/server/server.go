package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/arenda-io/arenda/internal/auth"
	"github.com/arenda-io/arenda/internal/config"
	"github.com/arenda-io/arenda/internal/observability"
	obsmiddleware "github.com/arenda-io/arenda/internal/observability/logger"
	obsmetrics "github.com/arenda-io/arenda/internal/observability/metrics"
	obstracing "github.com/arenda-io/arenda/internal/observability/tracing"
	paymentdomain "github.com/arenda-io/arenda/internal/payment/domain"
	refunddomain "github.com/arenda-io/arenda/internal/refund/domain"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	authn      *auth.Authenticator
	paymentSvc paymentdomain.Service
	refundSvc  refunddomain.Service
	webhooks   paymentdomain.Dispatcher
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	Authn      *auth.Authenticator
	PaymentSvc paymentdomain.Service
	RefundSvc  refunddomain.Service
	Webhooks   paymentdomain.Dispatcher
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		authn:      p.Authn,
		paymentSvc: p.PaymentSvc,
		refundSvc:  p.RefundSvc,
		webhooks:   p.Webhooks,
	}

	svc.registerPaymentRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerPaymentRoutes() {
	payments := s.engine.Group("/payments")
	payments.Use(s.AuthRequired())

	payments.POST("/payment-sheet", s.CreatePaymentSheet)
	payments.POST("/confirm", s.ConfirmPayment)
	payments.POST("/cancel", s.CancelPayment)
	payments.POST("/refund", s.RequestRefund)
	payments.POST("/refund-request/:id/process", s.ProcessRefundRequest)
	payments.GET("/history", s.ListPaymentHistory)
	payments.GET("/:id", s.GetPaymentByID)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/gateway", s.HandleGatewayWebhook)
}
