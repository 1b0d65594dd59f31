package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/crop-copilot-be/internal/api/dto"
	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/gin-gonic/gin"
)

// CreateInput handles POST /api/v1/inputs
// Stores the observation and queues its recommendation job
func (h *Handler) CreateInput(c *gin.Context) {
	var req dto.CreateInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		AbortWithError(c, http.StatusBadRequest, domain.CodeBadRequest, err.Error())
		return
	}

	result, err := h.intake.Submit(c.Request.Context(), UserID(c), req.ToCommand())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

// GetJob handles GET /api/v1/jobs/:job_id
// Jobs owned by other users are reported as not found
func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	view, err := h.store.GetJobStatus(c.Request.Context(), jobID, UserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// SyncPull handles GET /api/v1/sync/pull
// Returns one page of the caller's inputs, newest first
func (h *Handler) SyncPull(c *gin.Context) {
	var query dto.SyncPullQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, http.StatusBadRequest, domain.CodeBadRequest, "invalid query parameters")
		return
	}

	resp, err := h.store.PullSyncRecords(c.Request.Context(), UserID(c), query.ToRequest())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
