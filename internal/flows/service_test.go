package flows

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/condorsoft/funnels/internal/funnel"
	"github.com/condorsoft/funnels/internal/issuance"
	"github.com/condorsoft/funnels/internal/models"
	"github.com/condorsoft/funnels/internal/store"
)

const emailForm = `{"title":"Join","fields":[{"name":"email","type":"email","required":true}]}`

type recordingIssuer struct {
	*issuance.Issuer
	released []models.Step
}

func (r *recordingIssuer) Release(ctx context.Context, st models.Step) {
	r.released = append(r.released, st)
	r.Issuer.Release(ctx, st)
}

func newService(t *testing.T) (*Service, *store.MemoryStore, *recordingIssuer) {
	t.Helper()
	st := store.NewMemoryStore()
	iss := &recordingIssuer{Issuer: issuance.New("https://shop.co", nil, nil)}
	return NewService(st, iss, nil), st, iss
}

func in(typ models.StepType, cfg string) StepInput {
	return StepInput{Type: typ, Config: json.RawMessage(cfg)}
}

func types(steps []models.Step) []models.StepType {
	out := make([]models.StepType, len(steps))
	for i, st := range steps {
		out[i] = st.Type
	}
	return out
}

func TestCreateFlowIssuesCodes(t *testing.T) {
	svc, _, _ := newService(t)
	f, err := svc.CreateFlow(context.Background(), CreateInput{
		Name: "Spring",
		Steps: []StepInput{
			in(models.StepPopupCoupon, `{"benefitType":"fixed","fixedAmount":5}`),
			in(models.StepRedemption, `{}`),
			in(models.StepTicket, ``),
		},
	})
	require.NoError(t, err)
	require.Equal(t, models.FlowStatusActive, f.Status)
	require.Len(t, f.Steps, 3)
	require.NotNil(t, f.Steps[0].Coupon)
	require.JSONEq(t, `5`, string(f.Steps[0].Coupon.Value))
	require.NotNil(t, f.Steps[2].Ticket)
	require.JSONEq(t, `{}`, string(f.Steps[2].Config))
}

func TestCreateFlowRejectsInvalidSteps(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateFlow(ctx, CreateInput{Name: "Bad", Steps: []StepInput{in(models.StepRedemption, `{}`)}})
	require.ErrorIs(t, err, funnel.ErrInvalidFunnel)

	_, err = svc.CreateFlow(ctx, CreateInput{Name: "Bad", Steps: []StepInput{in("carousel", `{}`)}})
	require.ErrorIs(t, err, ErrUnknownStepType)

	_, err = svc.CreateFlow(ctx, CreateInput{Name: "  "})
	require.ErrorIs(t, err, ErrNameRequired)

	list, err := st.ListFlows(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestAddStepValidatesCandidate(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	f, err := svc.CreateFlow(ctx, CreateInput{Name: "Mail", Steps: []StepInput{in(models.StepPopupForm, emailForm)}})
	require.NoError(t, err)

	steps, err := svc.AddStep(ctx, f.ID, in(models.StepEmail, `{"subject":"Hi"}`))
	require.NoError(t, err)
	require.Equal(t, []models.StepType{models.StepPopupForm, models.StepEmail}, types(steps))

	_, err = svc.AddStep(ctx, f.ID, in(models.StepEmail, `{"subject":"Again"}`))
	var verr *funnel.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, funnel.RuleNoConsecutiveEmails, verr.Violations[0].Rule)

	stored, err := st.ListSteps(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestDuplicateStepGetsFreshCoupon(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	f, err := svc.CreateFlow(ctx, CreateInput{Name: "Dup", Steps: []StepInput{
		in(models.StepPopupCoupon, `{"benefitType":"percent","percentAmount":10}`),
		in(models.StepPopupText, `{"title":"Bye"}`),
	}})
	require.NoError(t, err)

	steps, err := svc.DuplicateStep(ctx, f.ID, f.Steps[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, models.StepPopupCoupon, steps[2].Type)
	require.NotEqual(t, f.Steps[0].ID, steps[2].ID)
	require.NotEqual(t, steps[0].Coupon.Code, steps[2].Coupon.Code)
	require.Equal(t, 2, steps[2].OrderIndex)

	_, err = svc.DuplicateStep(ctx, f.ID, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReorderRejectionKeepsOrder(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	f, err := svc.CreateFlow(ctx, CreateInput{Name: "Order", Steps: []StepInput{
		in(models.StepPopupText, `{}`),
		in(models.StepDelay, `{"duration":5}`),
		in(models.StepExpiration, `{}`),
	}})
	require.NoError(t, err)
	ids := []uuid.UUID{f.Steps[0].ID, f.Steps[1].ID, f.Steps[2].ID}

	// Delay first and expiration in the middle break two rules at once.
	_, err = svc.Reorder(ctx, f.ID, []uuid.UUID{ids[1], ids[2], ids[0]})
	var verr *funnel.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 2)

	_, err = svc.Reorder(ctx, f.ID, []uuid.UUID{ids[0], ids[0], ids[2]})
	require.ErrorIs(t, err, ErrNotPermutation)
	_, err = svc.Reorder(ctx, f.ID, ids[:2])
	require.ErrorIs(t, err, ErrNotPermutation)

	stored, err := st.ListSteps(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, []models.StepType{models.StepPopupText, models.StepDelay, models.StepExpiration}, types(stored))

	steps, err := svc.Reorder(ctx, f.ID, []uuid.UUID{ids[0], ids[1], ids[2]})
	require.NoError(t, err)
	for i, s := range steps {
		require.Equal(t, i, s.OrderIndex)
	}
}

func TestUpdateStepConfigRevalidates(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	f, err := svc.CreateFlow(ctx, CreateInput{Name: "Cfg", Steps: []StepInput{
		in(models.StepPopupForm, emailForm),
		in(models.StepEmail, `{"subject":"Hi"}`),
	}})
	require.NoError(t, err)

	_, err = svc.UpdateStepConfig(ctx, f.ID, f.Steps[0].ID, json.RawMessage(`{"fields":[{"name":"n","type":"text"}]}`))
	require.ErrorIs(t, err, funnel.ErrInvalidFunnel)

	steps, err := svc.UpdateStepConfig(ctx, f.ID, f.Steps[1].ID, json.RawMessage(`{"subject":"Hello"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"subject":"Hello"}`, string(steps[1].Config))
}

func TestDeleteStepReleasesCoupon(t *testing.T) {
	svc, st, iss := newService(t)
	ctx := context.Background()
	f, err := svc.CreateFlow(ctx, CreateInput{Name: "Del", Steps: []StepInput{
		in(models.StepPopupCoupon, `{}`),
		in(models.StepRedemption, `{}`),
	}})
	require.NoError(t, err)

	_, err = svc.DeleteStep(ctx, f.ID, f.Steps[0].ID)
	require.ErrorIs(t, err, funnel.ErrInvalidFunnel)
	require.Empty(t, iss.released)

	steps, err := svc.DeleteStep(ctx, f.ID, f.Steps[1].ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	steps, err = svc.DeleteStep(ctx, f.ID, f.Steps[0].ID)
	require.NoError(t, err)
	require.Empty(t, steps)
	require.Len(t, iss.released, 2)
	_, err = st.GetCouponByCode(ctx, f.Steps[0].Coupon.Code)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetStatusAndDeleteFlow(t *testing.T) {
	svc, _, iss := newService(t)
	ctx := context.Background()
	f, err := svc.CreateFlow(ctx, CreateInput{Name: "Life", Steps: []StepInput{in(models.StepTicket, `{}`)}})
	require.NoError(t, err)

	_, err = svc.SetStatus(ctx, f.ID, "paused", nil)
	require.ErrorIs(t, err, ErrInvalidStatus)

	got, err := svc.SetStatus(ctx, f.ID, models.FlowStatusInactive, nil)
	require.NoError(t, err)
	require.Equal(t, models.FlowStatusInactive, got.Status)

	require.NoError(t, svc.DeleteFlow(ctx, f.ID))
	require.Len(t, iss.released, 1)
	_, err = svc.GetFlow(ctx, f.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestValidateStepsIsPure(t *testing.T) {
	svc, _, _ := newService(t)
	require.NoError(t, svc.ValidateSteps(nil))
	require.NoError(t, svc.ValidateSteps([]StepInput{in(models.StepMenu, ``), in(models.StepPopupText, `{}`)}))

	err := svc.ValidateSteps([]StepInput{in(models.StepMenu, ``), in(models.StepDelay, `{}`)})
	var verr *funnel.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, 1, verr.Violations[0].Position)
}
