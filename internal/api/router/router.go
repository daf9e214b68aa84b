package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/api/handler"
	"github.com/gin-gonic/gin"
)

const maxUploadMemory = 8 << 20

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, cors *CORSConfig) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = maxUploadMemory

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(cors))

	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = "mail-scheduler-api"
	}

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := deps.HealthCheck(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": serviceName,
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		emails := v1.Group("/emails")
		{
			// POST /api/v1/emails/schedule - Fan a batch out into jobs
			emails.POST("/schedule", jobHandler.ScheduleEmails)

			// GET /api/v1/emails/scheduled - Pending jobs
			emails.GET("/scheduled", jobHandler.ListScheduled)

			// GET /api/v1/emails/sent - Sent and failed jobs
			emails.GET("/sent", jobHandler.ListSent)

			// GET /api/v1/emails/:job_id - Job details
			emails.GET("/:job_id", jobHandler.GetJob)
		}

		// GET /api/v1/queue/stats - Dispatch queue counters
		v1.GET("/queue/stats", jobHandler.QueueStats)
	}

	return r
}
