package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/vidforge/vidforge-backend/internal/http/handlers"
	httpMW "github.com/vidforge/vidforge-backend/internal/http/middleware"
)

type RouterConfig struct {
	JobHandler        *httpH.JobHandler
	DeadLetterHandler *httpH.DeadLetterHandler
	WebhookHandler    *httpH.WebhookHandler
	StatsHandler      *httpH.StatsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(httpMW.CORS())

	// Health
	r.GET("/healthcheck", httpH.HealthCheck)

	api := r.Group("/api")
	{
		// Jobs
		if cfg.JobHandler != nil {
			api.POST("/queues/:queue/jobs", cfg.JobHandler.Enqueue)
			api.GET("/jobs", cfg.JobHandler.List)
			api.GET("/jobs/:id", cfg.JobHandler.Get)
			api.POST("/jobs/:id/cancel", cfg.JobHandler.Cancel)
		}

		// Queue stats
		if cfg.StatsHandler != nil {
			api.GET("/queues/stats", cfg.StatsHandler.List)
		}

		// Dead-letter archive
		if cfg.DeadLetterHandler != nil {
			api.GET("/dead-letter", cfg.DeadLetterHandler.List)
			api.POST("/dead-letter/:id/replay", cfg.DeadLetterHandler.Replay)
		}

		// Webhooks
		if cfg.WebhookHandler != nil {
			api.POST("/webhooks", cfg.WebhookHandler.Create)
			api.GET("/webhooks", cfg.WebhookHandler.List)
			api.GET("/webhooks/:id", cfg.WebhookHandler.Get)
			api.PUT("/webhooks/:id", cfg.WebhookHandler.Update)
			api.DELETE("/webhooks/:id", cfg.WebhookHandler.Delete)
			api.POST("/webhooks/:id/rotate-secret", cfg.WebhookHandler.RotateSecret)
			api.GET("/webhooks/:id/deliveries", cfg.WebhookHandler.Deliveries)
			api.POST("/webhooks/:id/test", cfg.WebhookHandler.SendTest)
		}
	}

	return r
}
