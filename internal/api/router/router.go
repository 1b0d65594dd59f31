package router

import (
	"github.com/cuongbtq/crop-copilot-be/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	h := handler.New(deps)

	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1", RequireUser())
	{
		// POST /api/v1/inputs - Submit an observation
		v1.POST("/inputs", h.CreateInput)

		// GET /api/v1/jobs/:job_id - Job status and result
		v1.GET("/jobs/:job_id", h.GetJob)

		// GET /api/v1/sync/pull - Incremental sync feed
		v1.GET("/sync/pull", h.SyncPull)

		admin := v1.Group("/admin", RequireAdmin())
		{
			// GET /api/v1/admin/status - Backing service health
			admin.GET("/status", h.AdminStatus)
		}
	}

	return r
}
