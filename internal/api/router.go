package api

import (
	"github.com/gin-gonic/gin"

	"github.com/caresync/resilience-core/pkg/breaker"
	"github.com/caresync/resilience-core/pkg/config"
	"github.com/caresync/resilience-core/pkg/health"
	"github.com/caresync/resilience-core/pkg/metrics"
	"github.com/caresync/resilience-core/pkg/monitor"
	"github.com/caresync/resilience-core/pkg/recovery"
)

// Deps carries the router's collaborators from the composition root
type Deps struct {
	Config       *config.Config
	Health       *health.Service
	Metrics      *metrics.Metrics
	Breakers     *breaker.Registry
	Orchestrator *recovery.Orchestrator
	Collector    *monitor.Collector
	AutoRecovery *monitor.AutomatedRecovery
	SampleSource *monitor.PushSource
	Monitor      *monitor.Monitor
	Audit        AuditReader
}

// NewRouter creates and configures the API router
func NewRouter(deps Deps) *gin.Engine {
	if deps.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(RecoveryMiddleware())
	router.Use(SecurityHeadersMiddleware())

	router.GET("/health", deps.Health.Handler())
	router.GET("/health/live", deps.Health.LivenessHandler())
	router.GET("/health/ready", deps.Health.ReadinessHandler())
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	breakerHandler := NewBreakerHandler(deps.Breakers)
	recoveryHandler := NewRecoveryHandler(deps.Orchestrator, deps.Audit)
	monitorHandler := NewMonitorHandler(deps.Collector, deps.AutoRecovery, deps.SampleSource, deps.Monitor)

	v1 := router.Group("/api/v1")
	{
		breakers := v1.Group("/breakers")
		{
			breakers.GET("", breakerHandler.List)
			breakers.GET("/:name", breakerHandler.Get)
			breakers.POST("/:name/reset", breakerHandler.Reset)
			breakers.POST("/:name/open", breakerHandler.Open)
		}

		workflows := v1.Group("/workflows")
		{
			workflows.GET("", recoveryHandler.ListWorkflows)
			workflows.POST("/:id/execute", recoveryHandler.Execute)
		}

		recoveries := v1.Group("/recoveries")
		{
			recoveries.POST("/trigger", recoveryHandler.Trigger)
			recoveries.GET("/:service", recoveryHandler.History)
		}

		services := v1.Group("/services")
		{
			services.GET("", monitorHandler.Services)
			services.POST("/:service/samples", monitorHandler.Ingest)
			services.GET("/:service/window", monitorHandler.Window)
			services.GET("/:service/trend", monitorHandler.Trend)
			services.GET("/:service/actions", monitorHandler.Actions)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "endpoint not found")
	})

	return router
}
