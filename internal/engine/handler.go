package engine

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/condorsoft/funnels/internal/mailer"
	"github.com/condorsoft/funnels/internal/store"
	"github.com/condorsoft/funnels/pkg/response"
)

// Handler exposes executions over HTTP.
type Handler struct {
	engine *Engine
	logger *zap.Logger
}

// NewHandler creates an execution handler.
func NewHandler(e *Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: e, logger: logger}
}

// StartRequest is the body for POST /executions.
type StartRequest struct {
	FlowID string `json:"flow_id" binding:"required,uuid"`
	UserID string `json:"user_id" binding:"required"`
}

// NextRequest is the body for POST /executions/:id/next.
type NextRequest struct {
	FormValues map[string]string `json:"form_values"`
}

// Start handles POST /executions.
func (h *Handler) Start(c *gin.Context) {
	var body StartRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "flow_id and user_id required")
		return
	}
	flowID, _ := uuid.Parse(body.FlowID)
	res, err := h.engine.Start(c.Request.Context(), flowID, body.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, res)
}

// Next handles POST /executions/:id/next. An empty body is allowed.
func (h *Handler) Next(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid execution id")
		return
	}
	var body NextRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "invalid body")
			return
		}
	}
	res, err := h.engine.Next(c.Request.Context(), id, body.FormValues)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, res)
}

// Get handles GET /executions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid execution id")
		return
	}
	exec, err := h.engine.Execution(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, exec)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.NotFound(c, "not found")
	case errors.Is(err, ErrFlowClosed):
		response.Conflict(c, err.Error())
	case errors.Is(err, mailer.ErrUnavailable), errors.Is(err, store.ErrUnavailable):
		h.logger.Warn("dependency unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServiceUnavailable(c, "temporarily unavailable, retry the request")
	default:
		h.logger.Error("execution request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, "execution failed")
	}
}
