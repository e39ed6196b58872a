package router

import (
	"net/http"

	"github.com/cuongbtq/research-scheduler/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps))

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.SubmitJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.GET("/:job_id/result", jobHandler.GetJobResult)
			jobs.GET("/:job_id/error", jobHandler.GetJobError)
			jobs.GET("/:job_id/report", jobHandler.GetJobReport)
			jobs.GET("/:job_id/position", jobHandler.GetJobPosition)
			jobs.PATCH("/:job_id/priority", jobHandler.AdjustPriority)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}

		v1.GET("/queue", jobHandler.GetQueue)
	}

	return r
}

// healthHandler reports liveness plus the state of every registered dependency
func healthHandler(deps *handler.Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK

		checks := make(map[string]string, len(deps.HealthChecks))
		for name, check := range deps.HealthChecks {
			if err := check(c.Request.Context()); err != nil {
				checks[name] = err.Error()
				status = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		c.JSON(code, gin.H{
			"status":  status,
			"service": deps.ServiceName,
			"checks":  checks,
		})
	}
}
