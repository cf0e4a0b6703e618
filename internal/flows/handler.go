package flows

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/condorsoft/funnels/internal/funnel"
	"github.com/condorsoft/funnels/internal/store"
	"github.com/condorsoft/funnels/pkg/response"
)

// Handler handles flow editing endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a flows handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// StatusRequest is the body for PATCH /flows/:id/status.
type StatusRequest struct {
	Status  string     `json:"status" binding:"required"`
	EndDate *time.Time `json:"end_date"`
}

// ReorderRequest is the body for PUT /flows/:id/steps/order.
type ReorderRequest struct {
	StepIDs []uuid.UUID `json:"step_ids" binding:"required"`
}

// ConfigRequest is the body for PUT /flows/:id/steps/:stepId.
type ConfigRequest struct {
	Config json.RawMessage `json:"config" binding:"required"`
}

// ValidateRequest is the body for POST /flows/validate.
type ValidateRequest struct {
	Steps []StepInput `json:"steps"`
}

// Create handles POST /flows.
func (h *Handler) Create(c *gin.Context) {
	var body CreateInput
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name required")
		return
	}
	f, err := h.svc.CreateFlow(c.Request.Context(), body)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, f)
}

// List handles GET /flows.
func (h *Handler) List(c *gin.Context) {
	list, err := h.svc.ListFlows(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, list)
}

// Get handles GET /flows/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	f, err := h.svc.GetFlow(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, f)
}

// Delete handles DELETE /flows/:id.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteFlow(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

// SetStatus handles PATCH /flows/:id/status.
func (h *Handler) SetStatus(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var body StatusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "status required")
		return
	}
	f, err := h.svc.SetStatus(c.Request.Context(), id, body.Status, body.EndDate)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, f)
}

// AddStep handles POST /flows/:id/steps.
func (h *Handler) AddStep(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var body StepInput
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "type required")
		return
	}
	steps, err := h.svc.AddStep(c.Request.Context(), id, body)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, steps)
}

// DuplicateStep handles POST /flows/:id/steps/:stepId/duplicate.
func (h *Handler) DuplicateStep(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	stepID, ok := parseID(c, "stepId")
	if !ok {
		return
	}
	steps, err := h.svc.DuplicateStep(c.Request.Context(), id, stepID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, steps)
}

// Reorder handles PUT /flows/:id/steps/order.
func (h *Handler) Reorder(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var body ReorderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "step_ids required")
		return
	}
	steps, err := h.svc.Reorder(c.Request.Context(), id, body.StepIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, steps)
}

// UpdateStep handles PUT /flows/:id/steps/:stepId.
func (h *Handler) UpdateStep(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	stepID, ok := parseID(c, "stepId")
	if !ok {
		return
	}
	var body ConfigRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "config required")
		return
	}
	steps, err := h.svc.UpdateStepConfig(c.Request.Context(), id, stepID, body.Config)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, steps)
}

// DeleteStep handles DELETE /flows/:id/steps/:stepId.
func (h *Handler) DeleteStep(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	stepID, ok := parseID(c, "stepId")
	if !ok {
		return
	}
	steps, err := h.svc.DeleteStep(c.Request.Context(), id, stepID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, steps)
}

// Validate handles POST /flows/validate. It never touches stored flows.
func (h *Handler) Validate(c *gin.Context) {
	var body ValidateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "steps required")
		return
	}
	if err := h.svc.ValidateSteps(body.Steps); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"valid": true})
}

func (h *Handler) fail(c *gin.Context, err error) {
	var verr *funnel.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Unprocessable(c, verr.Error(), gin.H{"violations": verr.Violations})
	case errors.Is(err, store.ErrNotFound):
		response.NotFound(c, "not found")
	case errors.Is(err, ErrUnknownStepType), errors.Is(err, ErrNotPermutation),
		errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrNameRequired):
		response.BadRequest(c, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		h.logger.Warn("store unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServiceUnavailable(c, "temporarily unavailable, retry the request")
	default:
		h.logger.Error("flow request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, "flow update failed")
	}
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.BadRequest(c, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}
