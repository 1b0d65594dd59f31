package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/api/dto"
	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/cuongbtq/crop-copilot-be/internal/intake"
	"github.com/cuongbtq/crop-copilot-be/internal/storage"
	"github.com/gin-gonic/gin"
)

// ContextKeyUserID is where the auth middleware stores the caller identity
const ContextKeyUserID = "user_id"

// DependencyCheck reports the health of one backing service on the admin status endpoint
type DependencyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Store       storage.Store
	Intake      *intake.Service
	Checks      []DependencyCheck
	Now         func() time.Time
}

// Handler serves the recommendation pipeline API
type Handler struct {
	logger      *slog.Logger
	serviceName string
	store       storage.Store
	intake      *intake.Service
	checks      []DependencyCheck
	now         func() time.Time
}

// New creates a Handler instance
func New(deps *Dependencies) *Handler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		logger:      deps.Logger,
		serviceName: deps.ServiceName,
		store:       deps.Store,
		intake:      deps.Intake,
		checks:      deps.Checks,
		now:         now,
	}
}

// UserID returns the authenticated caller
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// AbortWithError writes the error envelope and stops the chain
func AbortWithError(c *gin.Context, status int, code domain.ErrorCode, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error: dto.ErrorBody{Code: code, Message: message},
	})
}

// respondError maps service errors onto HTTP responses
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *domain.AppError
	switch {
	case errors.As(err, &appErr):
		status := statusForCode(appErr.Code)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Request failed", slog.String("code", string(appErr.Code)), slog.Any("error", err))
		}
		AbortWithError(c, status, appErr.Code, appErr.Message)
	case errors.Is(err, domain.ErrNotFound):
		AbortWithError(c, http.StatusNotFound, domain.CodeNotFound, "job not found")
	case errors.Is(err, domain.ErrInvalidCursor):
		AbortWithError(c, http.StatusBadRequest, domain.CodeBadRequest, err.Error())
	default:
		h.logger.Error("Request failed", slog.Any("error", err))
		AbortWithError(c, http.StatusInternalServerError, domain.CodeInternal, "internal server error")
	}
}

func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeBadRequest:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodePipelineEnqueueFailed:
		return http.StatusServiceUnavailable
	case domain.CodeValidationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
