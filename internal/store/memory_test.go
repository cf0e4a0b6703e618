package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/condorsoft/funnels/internal/models"
)

func newFlow(t *testing.T, s *MemoryStore, types ...models.StepType) (*models.Flow, []models.Step) {
	t.Helper()
	ctx := context.Background()
	f := &models.Flow{Name: "welcome"}
	require.NoError(t, s.CreateFlow(ctx, f))
	steps, err := s.EditSteps(ctx, f.ID, func(current []models.Step) ([]models.Step, error) {
		for _, typ := range types {
			st := models.Step{Type: typ, Config: json.RawMessage(`{}`)}
			switch typ {
			case models.StepPopupCoupon:
				st.Coupon = &models.Coupon{Code: uuid.NewString(), Type: models.CouponTypeFixed}
			case models.StepTicket:
				st.Ticket = &models.Ticket{Code: uuid.NewString()}
			}
			current = append(current, st)
		}
		return current, nil
	})
	require.NoError(t, err)
	return f, steps
}

func TestMemoryStore_EditStepsKeepsDenseOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f, steps := newFlow(t, s, models.StepPopupText, models.StepPopupCoupon, models.StepTicket)

	for i, st := range steps {
		require.Equal(t, i, st.OrderIndex)
		require.Equal(t, f.ID, st.FlowID)
	}
	require.NotNil(t, steps[1].Coupon)
	require.NotNil(t, steps[2].Ticket)
	require.Equal(t, models.TicketStatusUnused, steps[2].Ticket.Status)

	// Drop the middle step and reverse the rest.
	got, err := s.EditSteps(ctx, f.ID, func(current []models.Step) ([]models.Step, error) {
		return []models.Step{current[2], current[0]}, nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, models.StepTicket, got[0].Type)
	require.Equal(t, 0, got[0].OrderIndex)
	require.Equal(t, 1, got[1].OrderIndex)

	_, err = s.GetCouponByStepID(ctx, steps[1].ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_EditStepsRejectedLeavesStoreUnchanged(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f, before := newFlow(t, s, models.StepPopupText, models.StepPopupForm)

	boom := errors.New("rejected")
	_, err := s.EditSteps(ctx, f.ID, func(current []models.Step) ([]models.Step, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	after, err := s.ListSteps(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestMemoryStore_CASAdvanceCursor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f, _ := newFlow(t, s, models.StepPopupText, models.StepPopupText)

	exec, err := s.CreateExecution(ctx, f.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, 0, exec.CurrentStepIndex)
	require.Equal(t, models.ExecutionRunning, exec.State)

	ok, err := s.CASAdvanceCursor(ctx, exec.ID, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CASAdvanceCursor(ctx, exec.ID, 0, false)
	require.NoError(t, err)
	require.False(t, ok, "stale expected index must lose")

	ok, err = s.CASAdvanceCursor(ctx, exec.ID, 1, true)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.CurrentStepIndex)
	require.Equal(t, models.ExecutionCompleted, got.State)

	_, err = s.CASAdvanceCursor(ctx, uuid.New(), 0, false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CASAdvanceCursorConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f, _ := newFlow(t, s, models.StepPopupText)
	exec, err := s.CreateExecution(ctx, f.ID, "user-1")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CASAdvanceCursor(ctx, exec.ID, 0, true)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentStepIndex)
}

func TestMemoryStore_FormResponseOncePerStep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f, steps := newFlow(t, s, models.StepPopupForm)
	exec, err := s.CreateExecution(ctx, f.ID, "user-1")
	require.NoError(t, err)

	require.NoError(t, s.AppendFormResponse(ctx, &models.FormResponse{ExecutionID: exec.ID, StepID: steps[0].ID, Payload: map[string]string{"email": "a@b.c"}}))
	require.NoError(t, s.AppendFormResponse(ctx, &models.FormResponse{ExecutionID: exec.ID, StepID: steps[0].ID, Payload: map[string]string{"email": "other@b.c"}}))

	got, err := s.GetFormResponse(ctx, exec.ID, steps[0].ID)
	require.NoError(t, err)
	require.Equal(t, "a@b.c", got.Payload["email"])
}

func TestMemoryStore_RedeemCouponExactlyOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, steps := newFlow(t, s, models.StepPopupCoupon)
	code := steps[0].Coupon.Code

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c, err := s.RedeemCoupon(ctx, code, "staff-1", first)
	require.NoError(t, err)
	require.True(t, c.IsRedeemed)
	require.Equal(t, first, *c.RedeemedAt)

	c, err = s.RedeemCoupon(ctx, code, "staff-2", first.Add(time.Hour))
	require.ErrorIs(t, err, ErrAlreadyRedeemed)
	require.Equal(t, first, *c.RedeemedAt)
	require.Equal(t, "staff-1", *c.RedeemedBy)

	_, err = s.RedeemCoupon(ctx, "missing", "", first)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RedeemTicketExactlyOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, steps := newFlow(t, s, models.StepTicket)
	code := steps[0].Ticket.Code

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tk, err := s.RedeemTicket(ctx, code, first)
	require.NoError(t, err)
	require.Equal(t, models.TicketStatusUsed, tk.Status)

	tk, err = s.RedeemTicket(ctx, code, first.Add(time.Minute))
	require.ErrorIs(t, err, ErrAlreadyRedeemed)
	require.Equal(t, first, *tk.RedeemedAt)
}

func TestMemoryStore_DeleteFlowCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f, steps := newFlow(t, s, models.StepPopupCoupon)
	exec, err := s.CreateExecution(ctx, f.ID, "user-1")
	require.NoError(t, err)

	require.NoError(t, s.DeleteFlow(ctx, f.ID))

	_, err = s.GetFlow(ctx, f.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetExecution(ctx, exec.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetCouponByStepID(ctx, steps[0].ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.DeleteFlow(ctx, f.ID), ErrNotFound)
}
