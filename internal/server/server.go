package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/feeledger/internal/config"
	"github.com/smallbiznis/feeledger/internal/events"
	"github.com/smallbiznis/feeledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/feeledger/internal/observability/logger"
	obstracing "github.com/smallbiznis/feeledger/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	reconciliationdomain "github.com/smallbiznis/feeledger/internal/reconciliation/domain"
	statisticsdomain "github.com/smallbiznis/feeledger/internal/statistics/domain"
	studentdomain "github.com/smallbiznis/feeledger/internal/student/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	metricsPath := obsCfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
		QuietRoutes:     []string{"/health", metricsPath},
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET(metricsPath, gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

type Server struct {
	engine        *gin.Engine
	studentSvc    studentdomain.Service
	paymentSvc    paymentdomain.Service
	reconciler    reconciliationdomain.Reconciler
	statisticsSvc statisticsdomain.Service
	hub           *events.Hub
	log           *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	StudentSvc    studentdomain.Service
	PaymentSvc    paymentdomain.Service
	Reconciler    reconciliationdomain.Reconciler
	StatisticsSvc statisticsdomain.Service
	Hub           *events.Hub `optional:"true"`
	Log           *zap.Logger
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		studentSvc:    p.StudentSvc,
		paymentSvc:    p.PaymentSvc,
		reconciler:    p.Reconciler,
		statisticsSvc: p.StatisticsSvc,
		hub:           p.Hub,
		log:           p.Log.Named("http.server"),
	}

	svc.RegisterAPIRoutes()
	return svc
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(OrgContext())

	students := api.Group("/students")
	students.POST("", s.CreateStudent)
	students.GET("", s.ListStudents)
	students.GET("/:studentId", s.GetStudent)
	students.PATCH("/:studentId", s.UpdateStudent)
	students.DELETE("/:studentId", s.DeleteStudent)
	students.GET("/:studentId/payments", s.ListStudentPayments)
	students.GET("/:studentId/summary", s.StudentSummary)
	students.POST("/:studentId/reconcile", s.ReconcileStudent)

	payments := api.Group("/payments")
	payments.POST("", s.AddPayment)
	payments.GET("/:id", s.GetPayment)
	payments.PATCH("/:id", s.UpdatePayment)
	payments.DELETE("/:id", s.DeletePayment)
	payments.POST("/:id/record", s.RecordPayment)

	api.GET("/statistics", s.GetStatistics)
	api.GET("/events", s.StreamEvents)
}
