package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/api/dto"
	"github.com/gin-gonic/gin"
)

const dependencyCheckTimeout = 2 * time.Second

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{
		Service:   h.serviceName,
		Status:    "ok",
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// AdminStatus handles GET /api/v1/admin/status
// Checks each backing service; responds 503 when any is unhealthy
func (h *Handler) AdminStatus(c *gin.Context) {
	resp := dto.AdminStatusResponse{
		Service:      h.serviceName,
		Status:       "ok",
		Dependencies: make([]dto.DependencyStatus, 0, len(h.checks)),
		Timestamp:    h.now().UTC().Format(time.RFC3339),
	}

	for _, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), dependencyCheckTimeout)
		err := check.Check(ctx)
		cancel()

		status := dto.DependencyStatus{Name: check.Name, Healthy: err == nil}
		if err != nil {
			status.Error = err.Error()
			resp.Status = "degraded"
		}
		resp.Dependencies = append(resp.Dependencies, status)
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
