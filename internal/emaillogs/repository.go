package emaillogs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/condorsoft/funnels/internal/models"
)

// ErrNotFound is returned when no log exists for an execution step.
var ErrNotFound = errors.New("email log not found")

// Repository handles email_logs persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an email logs repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const logColumns = `id, execution_id, step_id, recipient_email, subject, body, status, sent_at, error_message, created_at`

func scanLog(row pgx.Row) (*models.EmailLog, error) {
	var el models.EmailLog
	var subject, body, errMsg *string
	if err := row.Scan(&el.ID, &el.ExecutionID, &el.StepID, &el.RecipientEmail, &subject, &body, &el.Status, &el.SentAt, &errMsg, &el.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if subject != nil {
		el.Subject = *subject
	}
	if body != nil {
		el.Body = *body
	}
	if errMsg != nil {
		el.ErrorMessage = *errMsg
	}
	return &el, nil
}

// Begin records a pending delivery for an execution step, or returns the existing
// log when the step was already attempted.
func (r *Repository) Begin(ctx context.Context, executionID, stepID uuid.UUID, recipient, subject, body string) (*models.EmailLog, error) {
	const q = `INSERT INTO email_logs (execution_id, step_id, recipient_email, subject, body, status)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), 'pending')
		ON CONFLICT (execution_id, step_id) DO UPDATE SET recipient_email = email_logs.recipient_email
		RETURNING ` + logColumns
	return scanLog(r.pool.QueryRow(ctx, q, executionID, stepID, recipient, subject, body))
}

// MarkSent flags a log as delivered.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE email_logs SET status = 'sent', sent_at = $2, error_message = NULL WHERE id = $1`, id, at)
	return err
}

// MarkFailed flags a log as failed with the last error.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	_, err := r.pool.Exec(ctx, `UPDATE email_logs SET status = 'failed', error_message = $2 WHERE id = $1`, id, message)
	return err
}

// Get returns the log of one execution step.
func (r *Repository) Get(ctx context.Context, executionID, stepID uuid.UUID) (*models.EmailLog, error) {
	return scanLog(r.pool.QueryRow(ctx, `SELECT `+logColumns+` FROM email_logs WHERE execution_id = $1 AND step_id = $2`, executionID, stepID))
}

// ListByExecution returns email logs for an execution, newest first.
func (r *Repository) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]*models.EmailLog, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+logColumns+` FROM email_logs WHERE execution_id = $1 ORDER BY created_at DESC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.EmailLog{}
	for rows.Next() {
		el, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, el)
	}
	return list, rows.Err()
}
