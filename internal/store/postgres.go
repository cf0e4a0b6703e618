package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/condorsoft/funnels/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresStore is a Store backed by PostgreSQL through pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore. Schema comes from database.Migrate.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func unavailable(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

const flowColumns = `id, name, status, end_date, created_at, updated_at`

func scanFlow(row pgx.Row, f *models.Flow) error {
	return row.Scan(&f.ID, &f.Name, &f.Status, &f.EndDate, &f.CreatedAt, &f.UpdatedAt)
}

// CreateFlow inserts a new flow.
func (s *PostgresStore) CreateFlow(ctx context.Context, f *models.Flow) error {
	if f.Status == "" {
		f.Status = models.FlowStatusActive
	}
	const q = `INSERT INTO flows (id, name, status, end_date)
		VALUES (gen_random_uuid(), $1, $2, $3)
		RETURNING id, created_at, updated_at`
	if err := s.pool.QueryRow(ctx, q, f.Name, f.Status, f.EndDate).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return unavailable("create flow", err)
	}
	return nil
}

// GetFlow returns a flow with its steps, coupons and tickets.
func (s *PostgresStore) GetFlow(ctx context.Context, id uuid.UUID) (*models.Flow, error) {
	var f models.Flow
	if err := scanFlow(s.pool.QueryRow(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id), &f); err != nil {
		return nil, unavailable("get flow", err)
	}
	steps, err := listSteps(ctx, s.pool, id)
	if err != nil {
		return nil, err
	}
	f.Steps = steps
	return &f, nil
}

// ListFlows returns all flows, newest first.
func (s *PostgresStore) ListFlows(ctx context.Context) ([]models.Flow, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+flowColumns+` FROM flows ORDER BY created_at DESC`)
	if err != nil {
		return nil, unavailable("list flows", err)
	}
	defer rows.Close()

	var list []models.Flow
	for rows.Next() {
		var f models.Flow
		if err := scanFlow(rows, &f); err != nil {
			return nil, unavailable("scan flow", err)
		}
		list = append(list, f)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list flows", err)
	}
	return list, nil
}

// UpdateFlowStatus sets status and, when given, the end date.
func (s *PostgresStore) UpdateFlowStatus(ctx context.Context, id uuid.UUID, status string, endDate *time.Time) error {
	const q = `UPDATE flows SET status = $1, end_date = COALESCE($2::timestamptz, end_date), updated_at = NOW() WHERE id = $3`
	tag, err := s.pool.Exec(ctx, q, status, endDate, id)
	if err != nil {
		return unavailable("update flow", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFlow removes a flow; steps, coupons, tickets and executions cascade.
func (s *PostgresStore) DeleteFlow(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM flows WHERE id = $1`, id)
	if err != nil {
		return unavailable("delete flow", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSteps returns a flow's steps ordered by order_index.
func (s *PostgresStore) ListSteps(ctx context.Context, flowID uuid.UUID) ([]models.Step, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM flows WHERE id = $1)`, flowID).Scan(&exists); err != nil {
		return nil, unavailable("check flow", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return listSteps(ctx, s.pool, flowID)
}

func listSteps(ctx context.Context, q querier, flowID uuid.UUID) ([]models.Step, error) {
	const query = `SELECT fs.id, fs.flow_id, fs.type, fs.order_index, fs.config,
			c.id, c.code, c.type, c.value, c.qr_payload, c.qr_code_url, c.is_redeemed, c.redeemed_at, c.redeemed_by, c.created_at,
			t.id, t.code, t.status, t.qr_payload, t.qr_code_url, t.redeemed_at, t.created_at
		FROM flow_steps fs
		LEFT JOIN coupons c ON c.step_id = fs.id
		LEFT JOIN tickets t ON t.step_id = fs.id
		WHERE fs.flow_id = $1
		ORDER BY fs.order_index ASC`
	rows, err := q.Query(ctx, query, flowID)
	if err != nil {
		return nil, unavailable("list steps", err)
	}
	defer rows.Close()

	var list []models.Step
	for rows.Next() {
		var (
			st                            models.Step
			cID, tID                      *uuid.UUID
			cCode, cType, cPayload, cQR   *string
			cRedeemed                     *bool
			cRedeemedBy                   *string
			cValue                        []byte
			cRedeemedAt, cCreated         *time.Time
			tCode, tStatus, tPayload, tQR *string
			tRedeemedAt, tCreated         *time.Time
		)
		if err := rows.Scan(&st.ID, &st.FlowID, &st.Type, &st.OrderIndex, &st.Config,
			&cID, &cCode, &cType, &cValue, &cPayload, &cQR, &cRedeemed, &cRedeemedAt, &cRedeemedBy, &cCreated,
			&tID, &tCode, &tStatus, &tPayload, &tQR, &tRedeemedAt, &tCreated); err != nil {
			return nil, unavailable("scan step", err)
		}
		if cID != nil {
			st.Coupon = &models.Coupon{
				ID: *cID, StepID: st.ID, Code: deref(cCode), Type: deref(cType), Value: cValue,
				QRPayload: deref(cPayload), QRImageURL: deref(cQR), IsRedeemed: cRedeemed != nil && *cRedeemed,
				RedeemedAt: cRedeemedAt, RedeemedBy: cRedeemedBy,
			}
			if cCreated != nil {
				st.Coupon.CreatedAt = *cCreated
			}
		}
		if tID != nil {
			st.Ticket = &models.Ticket{
				ID: *tID, StepID: st.ID, Code: deref(tCode), Status: deref(tStatus),
				QRPayload: deref(tPayload), QRImageURL: deref(tQR), RedeemedAt: tRedeemedAt,
			}
			if tCreated != nil {
				st.Ticket.CreatedAt = *tCreated
			}
		}
		list = append(list, st)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list steps", err)
	}
	return list, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// EditSteps locks the flow row, applies fn and writes the resulting list in one transaction.
func (s *PostgresStore) EditSteps(ctx context.Context, flowID uuid.UUID, fn EditFunc) ([]models.Step, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin edit", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var locked uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM flows WHERE id = $1 FOR UPDATE`, flowID).Scan(&locked); err != nil {
		return nil, unavailable("lock flow", err)
	}
	current, err := listSteps(ctx, tx, flowID)
	if err != nil {
		return nil, err
	}
	candidate, err := fn(current)
	if err != nil {
		return nil, err
	}

	existing := make(map[uuid.UUID]bool, len(current))
	for _, st := range current {
		existing[st.ID] = true
	}
	kept := make(map[uuid.UUID]bool, len(candidate))
	for i := range candidate {
		if candidate[i].ID == uuid.Nil {
			candidate[i].ID = uuid.New()
		}
		if kept[candidate[i].ID] {
			return nil, fmt.Errorf("step %s appears twice", candidate[i].ID)
		}
		kept[candidate[i].ID] = true
	}
	for _, st := range current {
		if kept[st.ID] {
			continue
		}
		if _, err := tx.Exec(ctx, `DELETE FROM flow_steps WHERE id = $1`, st.ID); err != nil {
			return nil, unavailable("delete step", err)
		}
	}
	for i, st := range candidate {
		config := []byte(st.Config)
		if len(config) == 0 {
			config = []byte("{}")
		}
		if existing[st.ID] {
			const q = `UPDATE flow_steps SET order_index = $1, config = $2 WHERE id = $3`
			if _, err := tx.Exec(ctx, q, i, config, st.ID); err != nil {
				return nil, unavailable("update step", err)
			}
			continue
		}
		const q = `INSERT INTO flow_steps (id, flow_id, type, order_index, config) VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.Exec(ctx, q, st.ID, flowID, string(st.Type), i, config); err != nil {
			return nil, unavailable("insert step", err)
		}
		if err := insertIssued(ctx, tx, st); err != nil {
			return nil, err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE flows SET updated_at = NOW() WHERE id = $1`, flowID); err != nil {
		return nil, unavailable("touch flow", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit edit", err)
	}
	return listSteps(ctx, s.pool, flowID)
}

func insertIssued(ctx context.Context, tx pgx.Tx, st models.Step) error {
	if c := st.Coupon; c != nil {
		var value []byte
		if len(c.Value) > 0 {
			value = c.Value
		}
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		const q = `INSERT INTO coupons (id, step_id, code, type, value, qr_payload, qr_code_url)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`
		if _, err := tx.Exec(ctx, q, id, st.ID, c.Code, c.Type, value, c.QRPayload, c.QRImageURL); err != nil {
			return unavailable("insert coupon", err)
		}
	}
	if t := st.Ticket; t != nil {
		id := t.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		const q = `INSERT INTO tickets (id, step_id, code, status, qr_payload, qr_code_url)
			VALUES ($1, $2, $3, 'unused', $4, $5)`
		if _, err := tx.Exec(ctx, q, id, st.ID, t.Code, t.QRPayload, t.QRImageURL); err != nil {
			return unavailable("insert ticket", err)
		}
	}
	return nil
}

const executionColumns = `id, flow_id, user_id, current_step_index, state, created_at, updated_at`

func scanExecution(row pgx.Row, e *models.Execution) error {
	return row.Scan(&e.ID, &e.FlowID, &e.UserID, &e.CurrentStepIndex, &e.State, &e.CreatedAt, &e.UpdatedAt)
}

// CreateExecution inserts a running execution at cursor 0.
func (s *PostgresStore) CreateExecution(ctx context.Context, flowID uuid.UUID, userID string) (*models.Execution, error) {
	const q = `INSERT INTO flow_executions (id, flow_id, user_id, current_step_index, state)
		VALUES (gen_random_uuid(), $1, $2, 0, 'running')
		RETURNING ` + executionColumns
	var e models.Execution
	if err := scanExecution(s.pool.QueryRow(ctx, q, flowID, userID), &e); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, ErrNotFound
		}
		return nil, unavailable("create execution", err)
	}
	return &e, nil
}

// GetExecution returns an execution by ID.
func (s *PostgresStore) GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	var e models.Execution
	if err := scanExecution(s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM flow_executions WHERE id = $1`, id), &e); err != nil {
		return nil, unavailable("get execution", err)
	}
	return &e, nil
}

// CASAdvanceCursor increments the cursor only if it still equals expected.
func (s *PostgresStore) CASAdvanceCursor(ctx context.Context, id uuid.UUID, expected int, completed bool) (bool, error) {
	const q = `UPDATE flow_executions
		SET current_step_index = current_step_index + 1,
		    state = CASE WHEN $3 THEN 'completed' ELSE state END,
		    updated_at = NOW()
		WHERE id = $1 AND current_step_index = $2`
	tag, err := s.pool.Exec(ctx, q, id, expected, completed)
	if err != nil {
		return false, unavailable("advance cursor", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetExecution(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// AppendFormResponse inserts a form response once per execution and step.
func (s *PostgresStore) AppendFormResponse(ctx context.Context, r *models.FormResponse) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("marshal form response: %w", err)
	}
	const q = `INSERT INTO form_responses (id, execution_id, step_id, response)
		VALUES (gen_random_uuid(), $1, $2, $3)
		ON CONFLICT (execution_id, step_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, r.ExecutionID, r.StepID, payload); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return unavailable("append form response", err)
	}
	return nil
}

// GetFormResponse returns the stored submission for an execution's form step.
func (s *PostgresStore) GetFormResponse(ctx context.Context, executionID, stepID uuid.UUID) (*models.FormResponse, error) {
	const q = `SELECT id, execution_id, step_id, response, created_at FROM form_responses
		WHERE execution_id = $1 AND step_id = $2`
	var (
		r   models.FormResponse
		raw []byte
	)
	if err := s.pool.QueryRow(ctx, q, executionID, stepID).Scan(&r.ID, &r.ExecutionID, &r.StepID, &raw, &r.CreatedAt); err != nil {
		return nil, unavailable("get form response", err)
	}
	if err := json.Unmarshal(raw, &r.Payload); err != nil {
		return nil, fmt.Errorf("decode form response: %w", err)
	}
	return &r, nil
}

const couponColumns = `id, step_id, code, type, value, qr_payload, qr_code_url, is_redeemed, redeemed_at, redeemed_by, created_at`

func scanCoupon(row pgx.Row) (*models.Coupon, error) {
	var c models.Coupon
	var value []byte
	if err := row.Scan(&c.ID, &c.StepID, &c.Code, &c.Type, &value, &c.QRPayload, &c.QRImageURL,
		&c.IsRedeemed, &c.RedeemedAt, &c.RedeemedBy, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Value = value
	return &c, nil
}

const ticketColumns = `id, step_id, code, status, qr_payload, qr_code_url, redeemed_at, created_at`

func scanTicket(row pgx.Row) (*models.Ticket, error) {
	var t models.Ticket
	if err := row.Scan(&t.ID, &t.StepID, &t.Code, &t.Status, &t.QRPayload, &t.QRImageURL, &t.RedeemedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetCouponByStepID returns the coupon issued for a popup_coupon step.
func (s *PostgresStore) GetCouponByStepID(ctx context.Context, stepID uuid.UUID) (*models.Coupon, error) {
	c, err := scanCoupon(s.pool.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE step_id = $1`, stepID))
	if err != nil {
		return nil, unavailable("get coupon", err)
	}
	return c, nil
}

// GetTicketByStepID returns the ticket issued for a ticket step.
func (s *PostgresStore) GetTicketByStepID(ctx context.Context, stepID uuid.UUID) (*models.Ticket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE step_id = $1`, stepID))
	if err != nil {
		return nil, unavailable("get ticket", err)
	}
	return t, nil
}

// GetCouponByCode returns a coupon by its redemption code.
func (s *PostgresStore) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	c, err := scanCoupon(s.pool.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code))
	if err != nil {
		return nil, unavailable("get coupon", err)
	}
	return c, nil
}

// GetTicketByCode returns a ticket by its code.
func (s *PostgresStore) GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE code = $1`, code))
	if err != nil {
		return nil, unavailable("get ticket", err)
	}
	return t, nil
}

// RedeemCoupon marks a coupon redeemed if and only if it was not redeemed yet.
func (s *PostgresStore) RedeemCoupon(ctx context.Context, code, redeemedBy string, at time.Time) (*models.Coupon, error) {
	const q = `UPDATE coupons SET is_redeemed = TRUE, redeemed_at = $2, redeemed_by = NULLIF($3, '')
		WHERE code = $1 AND is_redeemed = FALSE
		RETURNING ` + couponColumns
	c, err := scanCoupon(s.pool.QueryRow(ctx, q, code, at, redeemedBy))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable("redeem coupon", err)
	}
	existing, err := s.GetCouponByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return existing, ErrAlreadyRedeemed
}

// RedeemTicket marks a ticket used if and only if it is still unused.
func (s *PostgresStore) RedeemTicket(ctx context.Context, code string, at time.Time) (*models.Ticket, error) {
	const q = `UPDATE tickets SET status = 'used', redeemed_at = $2
		WHERE code = $1 AND status = 'unused'
		RETURNING ` + ticketColumns
	t, err := scanTicket(s.pool.QueryRow(ctx, q, code, at))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable("redeem ticket", err)
	}
	existing, err := s.GetTicketByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return existing, ErrAlreadyRedeemed
}
