package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/condorsoft/funnels/internal/mailer"
	"github.com/condorsoft/funnels/internal/models"
	"github.com/condorsoft/funnels/internal/store"
)

var (
	// ErrFlowClosed is returned by Start for inactive or expired flows.
	ErrFlowClosed = errors.New("flow is not accepting executions")
	// ErrEngineStalled means evaluation exceeded one pass over the steps.
	ErrEngineStalled = errors.New("engine stalled")
)

const defaultRedemptionMessage = "Show this screen to a staff member to redeem your benefit."

// Mailer delivers email step messages.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// Recorder counts engine activity. *metrics.Metrics implements it.
type Recorder interface {
	ExecutionStarted()
	ActionEmitted(kind string)
}

type nopRecorder struct{}

func (nopRecorder) ExecutionStarted()    {}
func (nopRecorder) ActionEmitted(string) {}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for delay steps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRecorder reports starts and actions to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// Engine advances executions through their flow's steps. It keeps no state of its
// own: every call reloads the execution and the cursor only moves through the store CAS.
type Engine struct {
	store    store.Store
	mailer   Mailer
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
}

// New creates an Engine.
func New(st store.Store, m Mailer, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{store: st, mailer: m, logger: logger, recorder: nopRecorder{}, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates an execution at step 0 and evaluates it.
func (e *Engine) Start(ctx context.Context, flowID uuid.UUID, userID string) (*Result, error) {
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !flow.Open(e.now()) {
		return nil, ErrFlowClosed
	}
	exec, err := e.store.CreateExecution(ctx, flowID, userID)
	if err != nil {
		return nil, err
	}
	e.recorder.ExecutionStarted()
	e.logger.Info("execution started",
		zap.String("execution_id", exec.ID.String()),
		zap.String("flow_id", flowID.String()),
		zap.String("user_id", userID),
	)
	steps, err := e.store.ListSteps(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return e.evaluate(ctx, exec, steps)
}

// Next records input for the current step, advances past it when its type allows,
// then evaluates. Repeating a call after a crash or timeout is safe.
func (e *Engine) Next(ctx context.Context, executionID uuid.UUID, input map[string]string) (*Result, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, exec.FlowID)
	if err != nil {
		return nil, err
	}
	cursor := exec.CurrentStepIndex
	if cursor < len(steps) {
		step := steps[cursor]
		if len(input) > 0 && step.Type.Canonical() == models.StepPopupForm {
			resp := &models.FormResponse{ExecutionID: exec.ID, StepID: step.ID, Payload: input}
			if err := e.store.AppendFormResponse(ctx, resp); err != nil {
				return nil, fmt.Errorf("save form response: %w", err)
			}
		}
		if e.advancesOnNext(exec, &step) {
			if exec, err = e.advance(ctx, exec, cursor, len(steps)); err != nil {
				return nil, err
			}
		}
	}
	return e.evaluate(ctx, exec, steps)
}

// Execution returns the stored execution.
func (e *Engine) Execution(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// advancesOnNext decides whether an explicit next moves past step. Email and unknown
// steps are left to evaluate, which applies their effect before moving on.
func (e *Engine) advancesOnNext(exec *models.Execution, step *models.Step) bool {
	switch step.Type.Canonical() {
	case models.StepPopupText, models.StepPopupForm, models.StepPopupCoupon,
		models.StepTicket, models.StepRedemption, models.StepExpiration:
		return true
	case models.StepDelay:
		var cfg models.DelayConfig
		if err := step.DecodeConfig(&cfg); err != nil {
			e.logger.Warn("bad delay config, not waiting", zap.String("step_id", step.ID.String()), zap.Error(err))
			return true
		}
		return !e.now().Before(exec.UpdatedAt.Add(time.Duration(cfg.Duration) * time.Second))
	}
	return false
}

// advance moves the cursor from expected to expected+1. A lost race is not retried:
// the fresh execution is returned and evaluated from wherever the winner left it.
func (e *Engine) advance(ctx context.Context, exec *models.Execution, expected, total int) (*models.Execution, error) {
	won, err := e.store.CASAdvanceCursor(ctx, exec.ID, expected, expected+1 >= total)
	if err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}
	if !won {
		e.logger.Debug("cursor moved concurrently",
			zap.String("execution_id", exec.ID.String()),
			zap.Int("expected", expected),
		)
		return e.store.GetExecution(ctx, exec.ID)
	}
	next := *exec
	next.CurrentStepIndex = expected + 1
	next.UpdatedAt = e.now()
	if next.CurrentStepIndex >= total {
		next.State = models.ExecutionCompleted
	}
	return &next, nil
}

func (e *Engine) evaluate(ctx context.Context, exec *models.Execution, steps []models.Step) (*Result, error) {
	res := &Result{ExecutionID: exec.ID}
	for pass := 0; pass <= len(steps); pass++ {
		cursor := exec.CurrentStepIndex
		if cursor >= len(steps) {
			res.Action = End()
			e.recorder.ActionEmitted(string(res.Action.Kind))
			return res, nil
		}
		action, auto, err := e.present(ctx, exec, steps, cursor)
		if err != nil {
			return nil, err
		}
		if !auto {
			res.Action = action
			e.recorder.ActionEmitted(string(action.Kind))
			return res, nil
		}
		if action.Kind != "" {
			res.Effects = append(res.Effects, action)
			e.recorder.ActionEmitted(string(action.Kind))
		}
		if exec, err = e.advance(ctx, exec, cursor, len(steps)); err != nil {
			return nil, err
		}
	}
	e.logger.Error("evaluation did not settle",
		zap.String("execution_id", exec.ID.String()),
		zap.Int("steps", len(steps)),
	)
	return nil, ErrEngineStalled
}

// present maps the step at cursor to an action. auto is true for steps that apply
// their effect and move on without user input.
func (e *Engine) present(ctx context.Context, exec *models.Execution, steps []models.Step, cursor int) (Action, bool, error) {
	step := &steps[cursor]
	log := e.logger.With(
		zap.String("execution_id", exec.ID.String()),
		zap.String("step_id", step.ID.String()),
		zap.String("step_type", string(step.Type)),
	)

	switch step.Type.Canonical() {
	case models.StepPopupText:
		var cfg models.PopupConfig
		e.decode(log, step, &cfg)
		return ShowPopup(cfg.Title, cfg.Description), false, nil

	case models.StepPopupForm:
		var cfg models.FormConfig
		e.decode(log, step, &cfg)
		return ShowForm(cfg.Title, cfg.Fields), false, nil

	case models.StepDelay:
		var cfg models.DelayConfig
		e.decode(log, step, &cfg)
		return Waiting(cfg.Duration), false, nil

	case models.StepPopupCoupon:
		c, err := e.store.GetCouponByStepID(ctx, step.ID)
		if err != nil {
			return Action{}, false, fmt.Errorf("coupon for step %s: %w", step.ID, err)
		}
		return ShowCoupon(c.Code, qrOf(c.QRImageURL, c.QRPayload)), false, nil

	case models.StepTicket:
		t, err := e.store.GetTicketByStepID(ctx, step.ID)
		if err != nil {
			return Action{}, false, fmt.Errorf("ticket for step %s: %w", step.ID, err)
		}
		return ShowTicket(t.Code, qrOf(t.QRImageURL, t.QRPayload)), false, nil

	case models.StepRedemption:
		var cfg models.RedemptionConfig
		e.decode(log, step, &cfg)
		if cfg.Message == "" {
			cfg.Message = defaultRedemptionMessage
		}
		return ShowRedemption(cfg.Message), false, nil

	case models.StepExpiration:
		return ShowExpiration(), false, nil

	case models.StepEmail:
		action, err := e.sendEmail(ctx, exec, steps, cursor)
		if err != nil {
			return Action{}, false, err
		}
		log.Info("email step dispatched")
		return action, true, nil
	}

	log.Warn("skipping step of unknown type")
	return Action{}, true, nil
}

func (e *Engine) sendEmail(ctx context.Context, exec *models.Execution, steps []models.Step, cursor int) (Action, error) {
	step := &steps[cursor]
	var cfg models.EmailConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return Action{}, err
	}
	to, err := e.recipient(ctx, exec, steps, cursor, cfg)
	if err != nil {
		return Action{}, err
	}
	msg := mailer.Message{
		Key:         exec.ID.String() + ":" + step.ID.String(),
		ExecutionID: exec.ID,
		StepID:      step.ID,
		To:          to,
		Subject:     cfg.Subject,
		Body:        cfg.Body,
	}
	if err := e.mailer.Send(ctx, msg); err != nil {
		return Action{}, fmt.Errorf("send email for step %s: %w", step.ID, err)
	}
	return EmailSent(cfg.Subject), nil
}

// recipient prefers the configured address, then the email answer of the nearest
// preceding form, then the execution's user id.
func (e *Engine) recipient(ctx context.Context, exec *models.Execution, steps []models.Step, cursor int, cfg models.EmailConfig) (string, error) {
	if cfg.To != "" {
		return cfg.To, nil
	}
	for i := cursor - 1; i >= 0; i-- {
		if steps[i].Type.Canonical() != models.StepPopupForm {
			continue
		}
		var form models.FormConfig
		if err := steps[i].DecodeConfig(&form); err != nil {
			continue
		}
		field, ok := form.EmailField()
		if !ok {
			continue
		}
		resp, err := e.store.GetFormResponse(ctx, exec.ID, steps[i].ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if v := resp.Payload[field.Name]; v != "" {
			return v, nil
		}
	}
	return exec.UserID, nil
}

func (e *Engine) decode(log *zap.Logger, step *models.Step, v interface{}) {
	if err := step.DecodeConfig(v); err != nil {
		log.Warn("bad step config, using defaults", zap.Error(err))
	}
}

func qrOf(imageURL, payload string) string {
	if imageURL != "" {
		return imageURL
	}
	return payload
}
