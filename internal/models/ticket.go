package models

import (
	"time"

	"github.com/google/uuid"
)

// TicketStatus is unused or used.
const (
	TicketStatusUnused = "unused"
	TicketStatusUsed   = "used"
)

// Ticket is issued once for every ticket step. The unused -> used transition is one-way.
type Ticket struct {
	ID         uuid.UUID  `json:"id"`
	StepID     uuid.UUID  `json:"step_id"`
	Code       string     `json:"code"`
	Status     string     `json:"status"`
	QRPayload  string     `json:"qr_payload"`
	QRImageURL string     `json:"qr_code_url"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
