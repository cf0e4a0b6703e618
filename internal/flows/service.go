// Package flows edits flow definitions. Every step edit is validated as a whole
// candidate list and committed atomically, so a rejected edit changes nothing.
package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/condorsoft/funnels/internal/funnel"
	"github.com/condorsoft/funnels/internal/models"
	"github.com/condorsoft/funnels/internal/store"
)

var (
	ErrUnknownStepType = errors.New("unknown step type")
	ErrNotPermutation  = errors.New("step ids must list every step of the flow exactly once")
	ErrInvalidStatus   = errors.New("status must be active or inactive")
	ErrNameRequired    = errors.New("flow name required")
)

// Issuer mints the coupon or ticket of new steps and cleans up after removed ones.
type Issuer interface {
	Attach(ctx context.Context, st *models.Step) error
	Release(ctx context.Context, st models.Step)
}

// StepInput describes a step to add.
type StepInput struct {
	Type   models.StepType `json:"type" binding:"required"`
	Config json.RawMessage `json:"config"`
}

// CreateInput describes a new flow.
type CreateInput struct {
	Name    string      `json:"name" binding:"required"`
	Status  string      `json:"status"`
	EndDate *time.Time  `json:"end_date"`
	Steps   []StepInput `json:"steps"`
}

// Service implements flow and step editing on top of a Store.
type Service struct {
	store  store.Store
	issuer Issuer
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(st store.Store, issuer Issuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, issuer: issuer, logger: logger}
}

// CreateFlow validates the initial steps, then stores the flow and its steps.
func (s *Service) CreateFlow(ctx context.Context, in CreateInput) (*models.Flow, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	status := in.Status
	if status == "" {
		status = models.FlowStatusActive
	}
	if !validStatus(status) {
		return nil, ErrInvalidStatus
	}
	candidate, err := toSteps(in.Steps)
	if err != nil {
		return nil, err
	}
	if err := funnel.Validate(candidate); err != nil {
		return nil, err
	}

	f := &models.Flow{Name: name, Status: status, EndDate: in.EndDate}
	if err := s.store.CreateFlow(ctx, f); err != nil {
		return nil, err
	}
	if len(candidate) > 0 {
		steps, err := s.edit(ctx, f.ID, func([]models.Step) ([]models.Step, error) {
			return candidate, nil
		})
		if err != nil {
			if delErr := s.store.DeleteFlow(ctx, f.ID); delErr != nil {
				s.logger.Warn("remove half-created flow", zap.String("flow_id", f.ID.String()), zap.Error(delErr))
			}
			return nil, err
		}
		f.Steps = steps
	}
	s.logger.Info("flow created", zap.String("flow_id", f.ID.String()), zap.Int("steps", len(f.Steps)))
	return f, nil
}

func (s *Service) ListFlows(ctx context.Context) ([]models.Flow, error) {
	return s.store.ListFlows(ctx)
}

func (s *Service) GetFlow(ctx context.Context, id uuid.UUID) (*models.Flow, error) {
	return s.store.GetFlow(ctx, id)
}

// SetStatus activates or deactivates a flow. A nil endDate keeps the current one.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status string, endDate *time.Time) (*models.Flow, error) {
	if !validStatus(status) {
		return nil, ErrInvalidStatus
	}
	if err := s.store.UpdateFlowStatus(ctx, id, status, endDate); err != nil {
		return nil, err
	}
	return s.store.GetFlow(ctx, id)
}

// DeleteFlow removes a flow with everything it owns.
func (s *Service) DeleteFlow(ctx context.Context, id uuid.UUID) error {
	steps, err := s.store.ListSteps(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteFlow(ctx, id); err != nil {
		return err
	}
	for _, st := range steps {
		s.issuer.Release(ctx, st)
	}
	s.logger.Info("flow deleted", zap.String("flow_id", id.String()))
	return nil
}

// AddStep appends a step.
func (s *Service) AddStep(ctx context.Context, flowID uuid.UUID, in StepInput) ([]models.Step, error) {
	st, err := toStep(in)
	if err != nil {
		return nil, err
	}
	return s.edit(ctx, flowID, func(current []models.Step) ([]models.Step, error) {
		return append(current, st), nil
	})
}

// DuplicateStep appends a copy of stepID. The copy gets its own coupon or ticket.
func (s *Service) DuplicateStep(ctx context.Context, flowID, stepID uuid.UUID) ([]models.Step, error) {
	return s.edit(ctx, flowID, func(current []models.Step) ([]models.Step, error) {
		i := indexOf(current, stepID)
		if i < 0 {
			return nil, fmt.Errorf("step %s: %w", stepID, store.ErrNotFound)
		}
		dup := models.Step{Type: current[i].Type, Config: append(json.RawMessage(nil), current[i].Config...)}
		return append(current, dup), nil
	})
}

// Reorder puts the steps in the order of stepIDs, which must be a permutation of the current ids.
func (s *Service) Reorder(ctx context.Context, flowID uuid.UUID, stepIDs []uuid.UUID) ([]models.Step, error) {
	return s.edit(ctx, flowID, func(current []models.Step) ([]models.Step, error) {
		if len(stepIDs) != len(current) {
			return nil, ErrNotPermutation
		}
		byID := make(map[uuid.UUID]models.Step, len(current))
		for _, st := range current {
			byID[st.ID] = st
		}
		out := make([]models.Step, 0, len(stepIDs))
		for _, id := range stepIDs {
			st, ok := byID[id]
			if !ok {
				return nil, ErrNotPermutation
			}
			delete(byID, id)
			out = append(out, st)
		}
		return out, nil
	})
}

// UpdateStepConfig replaces the config of one step. Issued coupons and tickets are kept.
func (s *Service) UpdateStepConfig(ctx context.Context, flowID, stepID uuid.UUID, config json.RawMessage) ([]models.Step, error) {
	return s.edit(ctx, flowID, func(current []models.Step) ([]models.Step, error) {
		i := indexOf(current, stepID)
		if i < 0 {
			return nil, fmt.Errorf("step %s: %w", stepID, store.ErrNotFound)
		}
		current[i].Config = config
		return current, nil
	})
}

// DeleteStep removes one step and its coupon or ticket.
func (s *Service) DeleteStep(ctx context.Context, flowID, stepID uuid.UUID) ([]models.Step, error) {
	var removed models.Step
	steps, err := s.edit(ctx, flowID, func(current []models.Step) ([]models.Step, error) {
		i := indexOf(current, stepID)
		if i < 0 {
			return nil, fmt.Errorf("step %s: %w", stepID, store.ErrNotFound)
		}
		removed = current[i]
		return append(current[:i:i], current[i+1:]...), nil
	})
	if err != nil {
		return nil, err
	}
	s.issuer.Release(ctx, removed)
	return steps, nil
}

// ValidateSteps checks a candidate list without touching the store.
func (s *Service) ValidateSteps(in []StepInput) error {
	candidate := make([]models.Step, 0, len(in))
	for _, si := range in {
		candidate = append(candidate, models.Step{Type: si.Type, Config: si.Config})
	}
	return funnel.Validate(candidate)
}

// edit runs build under the store's edit lock, validates the result and issues
// coupons and tickets for steps that are new to the flow.
func (s *Service) edit(ctx context.Context, flowID uuid.UUID, build store.EditFunc) ([]models.Step, error) {
	var issued []models.Step
	steps, err := s.store.EditSteps(ctx, flowID, func(current []models.Step) ([]models.Step, error) {
		issued = issued[:0]
		candidate, err := build(current)
		if err != nil {
			return nil, err
		}
		if err := funnel.Validate(candidate); err != nil {
			return nil, err
		}
		for i := range candidate {
			if candidate[i].ID != uuid.Nil {
				continue
			}
			if err := s.issuer.Attach(ctx, &candidate[i]); err != nil {
				return nil, fmt.Errorf("issue %s: %w", candidate[i].Type, err)
			}
			issued = append(issued, candidate[i])
		}
		return candidate, nil
	})
	if err != nil {
		for _, st := range issued {
			s.issuer.Release(ctx, st)
		}
		return nil, err
	}
	s.logger.Debug("steps edited", zap.String("flow_id", flowID.String()), zap.Int("steps", len(steps)))
	return steps, nil
}

func toSteps(in []StepInput) ([]models.Step, error) {
	out := make([]models.Step, 0, len(in))
	for _, si := range in {
		st, err := toStep(si)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func toStep(in StepInput) (models.Step, error) {
	if !in.Type.Canonical().Known() {
		return models.Step{}, fmt.Errorf("%w: %q", ErrUnknownStepType, in.Type)
	}
	cfg := in.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	return models.Step{Type: in.Type, Config: cfg}, nil
}

func indexOf(steps []models.Step, id uuid.UUID) int {
	for i := range steps {
		if steps[i].ID == id {
			return i
		}
	}
	return -1
}

func validStatus(status string) bool {
	return status == models.FlowStatusActive || status == models.FlowStatusInactive
}
