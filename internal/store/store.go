// Package store persists flows, steps, executions, form responses, coupons and tickets.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/condorsoft/funnels/internal/models"
)

var (
	// ErrNotFound is returned when a flow, step, execution, coupon or ticket is absent.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRedeemed is returned by a second redemption of the same code.
	ErrAlreadyRedeemed = errors.New("already redeemed")
	// ErrUnavailable wraps transient storage failures.
	ErrUnavailable = errors.New("store unavailable")
)

// EditFunc receives the current ordered step list and returns the candidate list to persist.
// Steps whose ID is not in the current list are inserted together with their Coupon/Ticket;
// current steps missing from the candidate are deleted. Returning an error aborts the edit.
type EditFunc func(current []models.Step) ([]models.Step, error)

// Store is the persistence boundary of the engine, the editor and redemption.
type Store interface {
	CreateFlow(ctx context.Context, f *models.Flow) error
	// GetFlow returns the flow with its ordered steps and their coupons/tickets.
	GetFlow(ctx context.Context, id uuid.UUID) (*models.Flow, error)
	ListFlows(ctx context.Context) ([]models.Flow, error)
	UpdateFlowStatus(ctx context.Context, id uuid.UUID, status string, endDate *time.Time) error
	DeleteFlow(ctx context.Context, id uuid.UUID) error

	// ListSteps returns the flow's steps ordered by order_index.
	ListSteps(ctx context.Context, flowID uuid.UUID) ([]models.Step, error)
	// EditSteps applies fn under a per-flow lock and persists its result atomically,
	// rewriting order_index densely from 0.
	EditSteps(ctx context.Context, flowID uuid.UUID, fn EditFunc) ([]models.Step, error)

	CreateExecution(ctx context.Context, flowID uuid.UUID, userID string) (*models.Execution, error)
	GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	// CASAdvanceCursor moves the cursor from expected to expected+1 and reports whether
	// this caller won. completed marks the execution terminal in the same write.
	CASAdvanceCursor(ctx context.Context, id uuid.UUID, expected int, completed bool) (bool, error)

	// AppendFormResponse stores a form submission; a second submission for the same
	// execution and step is ignored.
	AppendFormResponse(ctx context.Context, r *models.FormResponse) error
	GetFormResponse(ctx context.Context, executionID, stepID uuid.UUID) (*models.FormResponse, error)

	GetCouponByStepID(ctx context.Context, stepID uuid.UUID) (*models.Coupon, error)
	GetTicketByStepID(ctx context.Context, stepID uuid.UUID) (*models.Ticket, error)
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error)
	// RedeemCoupon flips is_redeemed in one conditional write. A redeemed coupon yields
	// ErrAlreadyRedeemed together with the stored record.
	RedeemCoupon(ctx context.Context, code, redeemedBy string, at time.Time) (*models.Coupon, error)
	RedeemTicket(ctx context.Context, code string, at time.Time) (*models.Ticket, error)
}
