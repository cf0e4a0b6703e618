package analytics

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/condorsoft/funnels/internal/models"
)

// ErrFlowNotFound is returned when the flow does not exist.
var ErrFlowNotFound = errors.New("flow not found")

// StepReach counts how many executions got to a step. Counts use the cursor
// against the current step order, so a reorder reshapes historical numbers.
type StepReach struct {
	StepID     uuid.UUID       `json:"step_id"`
	Type       models.StepType `json:"type"`
	OrderIndex int             `json:"order_index"`
	Reached    int             `json:"reached"`
	Passed     int             `json:"passed"`
	Redeemed   bool            `json:"redeemed,omitempty"`
}

// Counts is the raw aggregate read from the database.
type Counts struct {
	Executions    int
	Completed     int
	FormResponses int
	EmailsSent    int
	EmailsFailed  int
	Steps         []StepReach
}

// Repository aggregates execution data for a flow.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an analytics repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FlowCounts loads the aggregates for one flow.
func (r *Repository) FlowCounts(ctx context.Context, flowID uuid.UUID) (*Counts, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM flows WHERE id = $1)`, flowID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check flow: %w", err)
	}
	if !exists {
		return nil, ErrFlowNotFound
	}

	out := &Counts{}
	const totalsQ = `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE state = 'completed'),
		(SELECT COUNT(*) FROM form_responses fr JOIN flow_executions e ON e.id = fr.execution_id WHERE e.flow_id = $1),
		(SELECT COUNT(*) FROM email_logs el JOIN flow_executions e ON e.id = el.execution_id WHERE e.flow_id = $1 AND el.status = 'sent'),
		(SELECT COUNT(*) FROM email_logs el JOIN flow_executions e ON e.id = el.execution_id WHERE e.flow_id = $1 AND el.status = 'failed')
		FROM flow_executions WHERE flow_id = $1`
	err := r.pool.QueryRow(ctx, totalsQ, flowID).Scan(&out.Executions, &out.Completed, &out.FormResponses, &out.EmailsSent, &out.EmailsFailed)
	if err != nil {
		return nil, fmt.Errorf("flow totals: %w", err)
	}

	const stepsQ = `SELECT s.id, s.type, s.order_index,
		(SELECT COUNT(*) FROM flow_executions e WHERE e.flow_id = s.flow_id AND e.current_step_index >= s.order_index),
		(SELECT COUNT(*) FROM flow_executions e WHERE e.flow_id = s.flow_id AND e.current_step_index > s.order_index),
		COALESCE(c.is_redeemed, false) OR COALESCE(t.status = 'used', false)
		FROM flow_steps s
		LEFT JOIN coupons c ON c.step_id = s.id
		LEFT JOIN tickets t ON t.step_id = s.id
		WHERE s.flow_id = $1
		ORDER BY s.order_index`
	rows, err := r.pool.Query(ctx, stepsQ, flowID)
	if err != nil {
		return nil, fmt.Errorf("step reach: %w", err)
	}
	out.Steps, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (StepReach, error) {
		var s StepReach
		err := row.Scan(&s.StepID, &s.Type, &s.OrderIndex, &s.Reached, &s.Passed, &s.Redeemed)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("step reach: %w", err)
	}
	return out, nil
}
