package analytics

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/condorsoft/funnels/pkg/response"
)

// Source loads raw flow aggregates. *Repository implements it.
type Source interface {
	FlowCounts(ctx context.Context, flowID uuid.UUID) (*Counts, error)
}

// Handler handles GET /flows/:id/analytics.
type Handler struct {
	source Source
	logger *zap.Logger
}

// NewHandler creates an analytics handler.
func NewHandler(source Source, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{source: source, logger: logger}
}

// SummaryResponse is the JSON shape for flow analytics.
type SummaryResponse struct {
	TotalExecutions     int         `json:"total_executions"`
	CompletedExecutions int         `json:"completed_executions"`
	CompletionPercent   float64     `json:"completion_percent"`
	FormResponses       int         `json:"form_responses"`
	EmailsSent          int         `json:"emails_sent"`
	EmailsFailed        int         `json:"emails_failed"`
	Steps               []StepReach `json:"steps"`
	// DropOffStep is the step where most executions are currently parked.
	DropOffStep *uuid.UUID `json:"drop_off_step,omitempty"`
}

// Summarize turns raw counts into the response shape.
func Summarize(c *Counts) SummaryResponse {
	out := SummaryResponse{
		TotalExecutions:     c.Executions,
		CompletedExecutions: c.Completed,
		FormResponses:       c.FormResponses,
		EmailsSent:          c.EmailsSent,
		EmailsFailed:        c.EmailsFailed,
		Steps:               c.Steps,
	}
	if out.Steps == nil {
		out.Steps = []StepReach{}
	}
	if c.Executions > 0 {
		out.CompletionPercent = float64(c.Completed) / float64(c.Executions) * 100
	}
	parked := 0
	for i := range c.Steps {
		if n := c.Steps[i].Reached - c.Steps[i].Passed; n > parked {
			parked = n
			id := c.Steps[i].StepID
			out.DropOffStep = &id
		}
	}
	return out
}

// GetByFlow handles GET /flows/:id/analytics.
func (h *Handler) GetByFlow(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid flow id")
		return
	}
	counts, err := h.source.FlowCounts(c.Request.Context(), id)
	if errors.Is(err, ErrFlowNotFound) {
		response.NotFound(c, "flow not found")
		return
	}
	if err != nil {
		h.logger.Error("flow analytics", zap.String("flow_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load flow analytics")
		return
	}
	response.OK(c, Summarize(counts))
}
