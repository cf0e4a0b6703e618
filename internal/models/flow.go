package models

import (
	"time"

	"github.com/google/uuid"
)

// FlowStatus is active or inactive.
const (
	FlowStatusActive   = "active"
	FlowStatusInactive = "inactive"
)

// Flow is an ordered template of steps defining a customer journey.
type Flow struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Steps     []Step     `json:"steps,omitempty"`
}

// Open reports whether new executions may start at now.
func (f *Flow) Open(now time.Time) bool {
	if f.Status != FlowStatusActive {
		return false
	}
	return f.EndDate == nil || now.Before(*f.EndDate)
}
