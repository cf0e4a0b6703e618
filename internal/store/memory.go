package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/condorsoft/funnels/internal/models"
)

// MemoryStore is a goroutine-safe Store backed by maps. It is used by tests and by
// STORE_DRIVER=memory for local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	flows      map[uuid.UUID]*models.Flow
	steps      map[uuid.UUID][]models.Step
	coupons    map[uuid.UUID]*models.Coupon
	tickets    map[uuid.UUID]*models.Ticket
	executions map[uuid.UUID]*models.Execution
	forms      map[formKey]*models.FormResponse
}

type formKey struct {
	execution uuid.UUID
	step      uuid.UUID
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:        time.Now,
		flows:      make(map[uuid.UUID]*models.Flow),
		steps:      make(map[uuid.UUID][]models.Step),
		coupons:    make(map[uuid.UUID]*models.Coupon),
		tickets:    make(map[uuid.UUID]*models.Ticket),
		executions: make(map[uuid.UUID]*models.Execution),
		forms:      make(map[formKey]*models.FormResponse),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateFlow(_ context.Context, f *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = models.FlowStatusActive
	}
	now := s.now()
	f.CreatedAt, f.UpdatedAt = now, now
	cp := *f
	cp.Steps = nil
	s.flows[f.ID] = &cp
	return nil
}

func (s *MemoryStore) GetFlow(_ context.Context, id uuid.UUID) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	cp.Steps = s.stepsLocked(id)
	return &cp, nil
}

func (s *MemoryStore) ListFlows(_ context.Context) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]models.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		list = append(list, *f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (s *MemoryStore) UpdateFlowStatus(_ context.Context, id uuid.UUID, status string, endDate *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[id]
	if !ok {
		return ErrNotFound
	}
	f.Status = status
	if endDate != nil {
		d := *endDate
		f.EndDate = &d
	}
	f.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteFlow(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[id]; !ok {
		return ErrNotFound
	}
	for _, st := range s.steps[id] {
		s.dropStepLocked(st.ID)
	}
	delete(s.steps, id)
	for eid, e := range s.executions {
		if e.FlowID == id {
			delete(s.executions, eid)
			for k := range s.forms {
				if k.execution == eid {
					delete(s.forms, k)
				}
			}
		}
	}
	delete(s.flows, id)
	return nil
}

func (s *MemoryStore) ListSteps(_ context.Context, flowID uuid.UUID) ([]models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.flows[flowID]; !ok {
		return nil, ErrNotFound
	}
	return s.stepsLocked(flowID), nil
}

func (s *MemoryStore) EditSteps(_ context.Context, flowID uuid.UUID, fn EditFunc) ([]models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[flowID]; !ok {
		return nil, ErrNotFound
	}
	current := s.stepsLocked(flowID)
	candidate, err := fn(current)
	if err != nil {
		return nil, err
	}

	existing := make(map[uuid.UUID]bool, len(current))
	for _, st := range current {
		existing[st.ID] = true
	}
	kept := make(map[uuid.UUID]bool, len(candidate))
	next := make([]models.Step, len(candidate))
	for i, st := range candidate {
		if st.ID == uuid.Nil {
			st.ID = uuid.New()
		}
		if kept[st.ID] {
			return nil, fmt.Errorf("step %s appears twice", st.ID)
		}
		kept[st.ID] = true
		st.FlowID = flowID
		st.OrderIndex = i
		st.Config = cloneRaw(st.Config)
		next[i] = st
	}
	if err := s.checkCodesLocked(next, existing); err != nil {
		return nil, err
	}
	for i := range next {
		if !existing[next[i].ID] {
			s.attachLocked(&next[i])
		}
		next[i].Coupon, next[i].Ticket = nil, nil
	}
	for _, st := range current {
		if !kept[st.ID] {
			s.dropStepLocked(st.ID)
		}
	}
	s.steps[flowID] = next
	s.flows[flowID].UpdatedAt = s.now()
	return s.stepsLocked(flowID), nil
}

// checkCodesLocked rejects coupon or ticket codes on new steps that collide with
// issued codes or with each other.
func (s *MemoryStore) checkCodesLocked(candidate []models.Step, existing map[uuid.UUID]bool) error {
	coupons := make(map[string]bool, len(s.coupons))
	for _, c := range s.coupons {
		coupons[c.Code] = true
	}
	tickets := make(map[string]bool, len(s.tickets))
	for _, t := range s.tickets {
		tickets[t.Code] = true
	}
	for _, st := range candidate {
		if existing[st.ID] {
			continue
		}
		if c := st.Coupon; c != nil {
			if coupons[c.Code] {
				return fmt.Errorf("coupon code %q already issued", c.Code)
			}
			coupons[c.Code] = true
		}
		if t := st.Ticket; t != nil {
			if tickets[t.Code] {
				return fmt.Errorf("ticket code %q already issued", t.Code)
			}
			tickets[t.Code] = true
		}
	}
	return nil
}

func (s *MemoryStore) attachLocked(st *models.Step) {
	if c := st.Coupon; c != nil {
		cp := *c
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		cp.StepID = st.ID
		cp.CreatedAt = s.now()
		s.coupons[st.ID] = &cp
	}
	if t := st.Ticket; t != nil {
		cp := *t
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		if cp.Status == "" {
			cp.Status = models.TicketStatusUnused
		}
		cp.StepID = st.ID
		cp.CreatedAt = s.now()
		s.tickets[st.ID] = &cp
	}
}

func (s *MemoryStore) dropStepLocked(stepID uuid.UUID) {
	delete(s.coupons, stepID)
	delete(s.tickets, stepID)
}

func (s *MemoryStore) stepsLocked(flowID uuid.UUID) []models.Step {
	src := s.steps[flowID]
	out := make([]models.Step, len(src))
	for i, st := range src {
		st.Config = cloneRaw(st.Config)
		if c, ok := s.coupons[st.ID]; ok {
			cp := *c
			st.Coupon = &cp
		}
		if t, ok := s.tickets[st.ID]; ok {
			cp := *t
			st.Ticket = &cp
		}
		out[i] = st
	}
	return out
}

func (s *MemoryStore) CreateExecution(_ context.Context, flowID uuid.UUID, userID string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[flowID]; !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	e := &models.Execution{
		ID:        uuid.New(),
		FlowID:    flowID,
		UserID:    userID,
		State:     models.ExecutionRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.executions[e.ID] = e
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id uuid.UUID) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) CASAdvanceCursor(_ context.Context, id uuid.UUID, expected int, completed bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.CurrentStepIndex != expected {
		return false, nil
	}
	e.CurrentStepIndex = expected + 1
	if completed {
		e.State = models.ExecutionCompleted
	}
	e.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) AppendFormResponse(_ context.Context, r *models.FormResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[r.ExecutionID]; !ok {
		return ErrNotFound
	}
	key := formKey{execution: r.ExecutionID, step: r.StepID}
	if _, ok := s.forms[key]; ok {
		return nil
	}
	cp := *r
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = s.now()
	cp.Payload = make(map[string]string, len(r.Payload))
	for k, v := range r.Payload {
		cp.Payload[k] = v
	}
	s.forms[key] = &cp
	r.ID, r.CreatedAt = cp.ID, cp.CreatedAt
	return nil
}

func (s *MemoryStore) GetFormResponse(_ context.Context, executionID, stepID uuid.UUID) (*models.FormResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.forms[formKey{execution: executionID, step: stepID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetCouponByStepID(_ context.Context, stepID uuid.UUID) (*models.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.coupons[stepID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetTicketByStepID(_ context.Context, stepID uuid.UUID) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[stepID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.couponByCodeLocked(code)
	if c == nil {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetTicketByCode(_ context.Context, code string) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.ticketByCodeLocked(code)
	if t == nil {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) RedeemCoupon(_ context.Context, code, redeemedBy string, at time.Time) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.couponByCodeLocked(code)
	if c == nil {
		return nil, ErrNotFound
	}
	if c.IsRedeemed {
		cp := *c
		return &cp, ErrAlreadyRedeemed
	}
	c.IsRedeemed = true
	c.RedeemedAt = &at
	if redeemedBy != "" {
		by := redeemedBy
		c.RedeemedBy = &by
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) RedeemTicket(_ context.Context, code string, at time.Time) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.ticketByCodeLocked(code)
	if t == nil {
		return nil, ErrNotFound
	}
	if t.Status == models.TicketStatusUsed {
		cp := *t
		return &cp, ErrAlreadyRedeemed
	}
	t.Status = models.TicketStatusUsed
	t.RedeemedAt = &at
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) couponByCodeLocked(code string) *models.Coupon {
	for _, c := range s.coupons {
		if c.Code == code {
			return c
		}
	}
	return nil
}

func (s *MemoryStore) ticketByCodeLocked(code string) *models.Ticket {
	for _, t := range s.tickets {
		if t.Code == code {
			return t
		}
	}
	return nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
