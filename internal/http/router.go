package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/yungbote/taskmesh-backend/internal/http/handlers"
	httpMW "github.com/yungbote/taskmesh-backend/internal/http/middleware"
	"github.com/yungbote/taskmesh-backend/internal/observability"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log           *logger.Logger
	HealthHandler *httpH.HealthHandler
	RunHandler    *httpH.RunHandler
	TenantHandler *httpH.TenantHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.CORS())
	r.Use(httpMW.AttachTraceContext())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}

	// Health + metrics scrape (503 when metrics are disabled)
	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}
	r.GET("/metrics", gin.WrapF(observability.Current().WriteHTTP))

	api := r.Group("/api")
	{
		if cfg.RunHandler != nil {
			api.POST("/runs", cfg.RunHandler.SubmitRun)
			api.GET("/runs/:id", cfg.RunHandler.GetRun)
			api.POST("/runs/:id/cancel", cfg.RunHandler.CancelRun)
			api.GET("/tenants/:id/runs", cfg.RunHandler.ListTenantRuns)
		}
		if cfg.TenantHandler != nil {
			api.PUT("/tenants/:id/binding", cfg.TenantHandler.BindInstallation)
		}
	}

	return r
}
