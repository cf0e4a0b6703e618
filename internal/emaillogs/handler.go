package emaillogs

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/condorsoft/funnels/internal/models"
	"github.com/condorsoft/funnels/pkg/queue"
	"github.com/condorsoft/funnels/pkg/response"
)

// Store is the part of Repository the handler needs.
type Store interface {
	Get(ctx context.Context, executionID, stepID uuid.UUID) (*models.EmailLog, error)
	ListByExecution(ctx context.Context, executionID uuid.UUID) ([]*models.EmailLog, error)
}

// Enqueuer puts an email job back on the worker queue.
type Enqueuer interface {
	EnqueueEmail(ctx context.Context, payload queue.EmailPayload) error
}

// Handler handles email log HTTP endpoints.
type Handler struct {
	logs   Store
	queue  Enqueuer
	logger *zap.Logger
}

// NewHandler creates an email logs handler.
func NewHandler(logs Store, q Enqueuer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logs: logs, queue: q, logger: logger}
}

// ListByExecution handles GET /executions/:id/emails.
func (h *Handler) ListByExecution(c *gin.Context) {
	executionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid execution id")
		return
	}
	logs, err := h.logs.ListByExecution(c.Request.Context(), executionID)
	if err != nil {
		response.Internal(c, "failed to load email logs")
		return
	}
	response.OK(c, logs)
}

// Resend handles POST /executions/:id/emails/:stepId/resend. Only failed deliveries are re-queued.
func (h *Handler) Resend(c *gin.Context) {
	executionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid execution id")
		return
	}
	stepID, err := uuid.Parse(c.Param("stepId"))
	if err != nil {
		response.BadRequest(c, "invalid step id")
		return
	}
	el, err := h.logs.Get(c.Request.Context(), executionID, stepID)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "email log not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to load email log")
		return
	}
	if el.Status != models.EmailLogStatusFailed {
		response.Conflict(c, "only failed emails can be resent")
		return
	}
	err = h.queue.EnqueueEmail(c.Request.Context(), queue.EmailPayload{
		DedupeKey:      executionID.String() + ":" + stepID.String(),
		ExecutionID:    executionID,
		StepID:         stepID,
		RecipientEmail: el.RecipientEmail,
		Subject:        el.Subject,
		Body:           el.Body,
	})
	if err != nil {
		h.logger.Warn("resend enqueue failed", zap.Error(err))
		response.ServiceUnavailable(c, "email queue unavailable")
		return
	}
	response.OK(c, gin.H{"message": "resend queued"})
}
