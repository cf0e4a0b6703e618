package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionState is running or completed.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
)

// Execution is one user's progress through a flow. Only the engine writes CurrentStepIndex.
type Execution struct {
	ID               uuid.UUID `json:"id"`
	FlowID           uuid.UUID `json:"flow_id"`
	UserID           string    `json:"user_id"`
	CurrentStepIndex int       `json:"current_step_index"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FormResponse is a popup_form submission, one per execution and step.
type FormResponse struct {
	ID          uuid.UUID         `json:"id"`
	ExecutionID uuid.UUID         `json:"execution_id"`
	StepID      uuid.UUID         `json:"step_id"`
	Payload     map[string]string `json:"response"`
	CreatedAt   time.Time         `json:"created_at"`
}
