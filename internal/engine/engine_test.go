package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/condorsoft/funnels/internal/mailer"
	"github.com/condorsoft/funnels/internal/models"
	"github.com/condorsoft/funnels/internal/store"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	mailer *fakeMailer
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.WithClock(clk.Now))
	m := &fakeMailer{}
	return &fixture{
		engine: New(st, m, nil, WithClock(clk.Now)),
		store:  st,
		mailer: m,
		clock:  clk,
	}
}

func (f *fixture) flow(t *testing.T, steps ...models.Step) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	fl := &models.Flow{Name: "spring promo", Status: models.FlowStatusActive}
	require.NoError(t, f.store.CreateFlow(ctx, fl))
	_, err := f.store.EditSteps(ctx, fl.ID, func([]models.Step) ([]models.Step, error) {
		return steps, nil
	})
	require.NoError(t, err)
	return fl.ID
}

func step(typ models.StepType, cfg string) models.Step {
	return models.Step{Type: typ, Config: json.RawMessage(cfg)}
}

func (f *fixture) cursor(t *testing.T, id uuid.UUID) int {
	t.Helper()
	exec, err := f.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return exec.CurrentStepIndex
}

func TestStartShowsFirstPopupAndEndIsAbsorbing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flowID := f.flow(t, step(models.StepPopupText, `{"title":"Hi","description":"Welcome in"}`))

	res, err := f.engine.Start(ctx, flowID, "user-1")
	require.NoError(t, err)
	require.Equal(t, ShowPopup("Hi", "Welcome in"), res.Action)

	res, err = f.engine.Next(ctx, res.ExecutionID, nil)
	require.NoError(t, err)
	require.Equal(t, End(), res.Action)

	for i := 0; i < 3; i++ {
		res, err = f.engine.Next(ctx, res.ExecutionID, nil)
		require.NoError(t, err)
		require.Equal(t, ActionEnd, res.Action.Kind)
	}
	exec, err := f.engine.Execution(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, 1, exec.CurrentStepIndex)
	require.Equal(t, models.ExecutionCompleted, exec.State)
}

func TestEmptyFlowEndsImmediately(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Start(context.Background(), f.flow(t), "user-1")
	require.NoError(t, err)
	require.Equal(t, End(), res.Action)
}

func TestEmailAutoAdvancesToPopup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flowID := f.flow(t,
		step(models.StepEmail, `{"to":"x@y.z","subject":"Welcome","body":"hello"}`),
		step(models.StepPopupText, `{"title":"Done"}`),
	)

	res, err := f.engine.Start(ctx, flowID, "user-1")
	require.NoError(t, err)
	require.Equal(t, ActionShowPopup, res.Action.Kind)
	require.Equal(t, []Action{EmailSent("Welcome")}, res.Effects)
	require.Equal(t, 1, f.cursor(t, res.ExecutionID))

	require.Len(t, f.mailer.sent, 1)
	msg := f.mailer.sent[0]
	require.Equal(t, "x@y.z", msg.To)
	require.Equal(t, res.ExecutionID.String()+":"+msg.StepID.String(), msg.Key)
}

func TestLegacySendEmailAlias(t *testing.T) {
	f := newFixture(t)
	flowID := f.flow(t, step(models.StepSendEmail, `{"subject":"Legacy"}`))

	res, err := f.engine.Start(context.Background(), flowID, "user-1")
	require.NoError(t, err)
	require.Equal(t, End(), res.Action)
	require.Len(t, f.mailer.sent, 1)
	require.Equal(t, "user-1", f.mailer.sent[0].To)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flowID := f.flow(t,
		step(models.StepEmail, `{"to":"x@y.z","subject":"Welcome"}`),
		step(models.StepPopupForm, `{"title":"Your email","fields":[{"name":"email","type":"email","required":true}]}`),
	)
	res, err := f.engine.Start(ctx, flowID, "user-1")
	require.NoError(t, err)

	steps, err := f.store.ListSteps(ctx, flowID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		exec, err := f.store.GetExecution(ctx, res.ExecutionID)
		require.NoError(t, err)
		again, err := f.engine.evaluate(ctx, exec, steps)
		require.NoError(t, err)
		require.Equal(t, res.Action, again.Action)
		require.Empty(t, again.Effects)
	}
	require.Equal(t, 1, f.cursor(t, res.ExecutionID))
	require.Len(t, f.mailer.sent, 1)
}

func TestUnknownStepIsSkipped(t *testing.T) {
	f := newFixture(t)
	flowID := f.flow(t,
		step("carousel", `{}`),
		step(models.StepPopupText, `{"title":"After"}`),
	)

	res, err := f.engine.Start(context.Background(), flowID, "user-1")
	require.NoError(t, err)
	require.Equal(t, ShowPopup("After", ""), res.Action)
	require.Empty(t, res.Effects)
	require.Equal(t, 1, f.cursor(t, res.ExecutionID))
}

func TestDelayWaitsForDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flowID := f.flow(t,
		step(models.StepDelay, `{"duration":60}`),
		step(models.StepPopupText, `{"title":"Later"}`),
	)

	res, err := f.engine.Start(ctx, flowID, "user-1")
	require.NoError(t, err)
	require.Equal(t, Waiting(60), res.Action)

	f.clock.Advance(10 * time.Second)
	res, err = f.engine.Next(ctx, res.ExecutionID, nil)
	require.NoError(t, err)
	require.Equal(t, Waiting(60), res.Action)
	require.Equal(t, 0, f.cursor(t, res.ExecutionID))

	f.clock.Advance(50 * time.Second)
	res, err = f.engine.Next(ctx, res.ExecutionID, nil)
	require.NoError(t, err)
	require.Equal(t, ShowPopup("Later", ""), res.Action)
}

func TestFormResponseFeedsEmailRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flowID := f.flow(t,
		step(models.StepPopupForm, `{"title":"Join","fields":[{"name":"name","type":"text"},{"name":"mail","type":"email","required":true}]}`),
		step(models.StepEmail, `{"subject":"Thanks"}`),
	)

	res, err := f.engine.Start(ctx, flowID, "user-1")
	require.NoError(t, err)
	require.Equal(t, ActionShowForm, res.Action.Kind)
	require.Len(t, res.Action.Fields, 2)

	res, err = f.engine.Next(ctx, res.ExecutionID, map[string]string{"name": "Ana", "mail": "ana@shop.co"})
	require.NoError(t, err)
	require.Equal(t, End(), res.Action)
	require.Equal(t, []Action{EmailSent("Thanks")}, res.Effects)
	require.Equal(t, "ana@shop.co", f.mailer.sent[0].To)

	steps, err := f.store.ListSteps(ctx, flowID)
	require.NoError(t, err)
	resp, err := f.store.GetFormResponse(ctx, res.ExecutionID, steps[0].ID)
	require.NoError(t, err)
	require.Equal(t, "Ana", resp.Payload["name"])
}

func TestCouponAndTicketUsePersistedCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coupon := step(models.StepPopupCoupon, `{"benefitType":"fixed","fixedAmount":10}`)
	coupon.Coupon = &models.Coupon{Code: "CPN-1", Type: models.CouponTypeFixed, QRPayload: "https://shop.co/redeem?code=CPN-1"}
	ticket := step(models.StepTicket, `{}`)
	ticket.Ticket = &models.Ticket{Code: "TKT-1", QRImageURL: "https://cdn.shop.co/qr/ticket/TKT-1.png"}
	flowID := f.flow(t, coupon, ticket)

	res, err := f.engine.Start(ctx, flowID, "user-1")
	require.NoError(t, err)
	require.Equal(t, ShowCoupon("CPN-1", "https://shop.co/redeem?code=CPN-1"), res.Action)

	res, err = f.engine.Next(ctx, res.ExecutionID, nil)
	require.NoError(t, err)
	require.Equal(t, ShowTicket("TKT-1", "https://cdn.shop.co/qr/ticket/TKT-1.png"), res.Action)
}

func TestRedemptionAndExpiration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flowID := f.flow(t,
		step(models.StepShowRedemption, `{}`),
		step(models.StepExpiration, `{}`),
	)

	res, err := f.engine.Start(ctx, flowID, "user-1")
	require.NoError(t, err)
	require.Equal(t, ShowRedemption(defaultRedemptionMessage), res.Action)

	res, err = f.engine.Next(ctx, res.ExecutionID, nil)
	require.NoError(t, err)
	require.Equal(t, ShowExpiration(), res.Action)

	res, err = f.engine.Next(ctx, res.ExecutionID, nil)
	require.NoError(t, err)
	require.Equal(t, End(), res.Action)
}

func TestLostRaceDoesNotAdvanceTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flowID := f.flow(t,
		step(models.StepPopupText, `{"title":"One"}`),
		step(models.StepPopupText, `{"title":"Two"}`),
		step(models.StepPopupText, `{"title":"Three"}`),
	)
	res, err := f.engine.Start(ctx, flowID, "user-1")
	require.NoError(t, err)

	stale, err := f.store.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	won, err := f.store.CASAdvanceCursor(ctx, stale.ID, 0, false)
	require.NoError(t, err)
	require.True(t, won)

	fresh, err := f.engine.advance(ctx, stale, 0, 3)
	require.NoError(t, err)
	require.Equal(t, 1, fresh.CurrentStepIndex)
	require.Equal(t, 1, f.cursor(t, res.ExecutionID))
}

func TestConcurrentEvaluationSendsEmailOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flowID := f.flow(t,
		step(models.StepPopupText, `{"title":"Start"}`),
		step(models.StepEmail, `{"to":"x@y.z","subject":"Hi"}`),
		step(models.StepPopupText, `{"title":"End"}`),
	)
	res, err := f.engine.Start(ctx, flowID, "user-1")
	require.NoError(t, err)
	_, err = f.store.CASAdvanceCursor(ctx, res.ExecutionID, 0, false)
	require.NoError(t, err)
	steps, err := f.store.ListSteps(ctx, flowID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, err := f.store.GetExecution(ctx, res.ExecutionID)
			if err != nil {
				return
			}
			_, _ = f.engine.evaluate(ctx, exec, steps)
		}()
	}
	wg.Wait()

	require.Equal(t, 2, f.cursor(t, res.ExecutionID))
	// The fake mailer does not deduplicate; real delivery is keyed per execution and step.
	for _, msg := range f.mailer.sent {
		require.Equal(t, res.ExecutionID.String()+":"+steps[1].ID.String(), msg.Key)
	}
}

func TestMailerFailureHoldsCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flowID := f.flow(t,
		step(models.StepPopupText, `{"title":"Start"}`),
		step(models.StepEmail, `{"to":"x@y.z","subject":"Hi"}`),
	)
	res, err := f.engine.Start(ctx, flowID, "user-1")
	require.NoError(t, err)

	f.mailer.err = mailer.ErrUnavailable
	_, err = f.engine.Next(ctx, res.ExecutionID, nil)
	require.ErrorIs(t, err, mailer.ErrUnavailable)
	require.Equal(t, 1, f.cursor(t, res.ExecutionID))

	f.mailer.err = nil
	res, err = f.engine.Next(ctx, res.ExecutionID, nil)
	require.NoError(t, err)
	require.Equal(t, End(), res.Action)
	require.Equal(t, []Action{EmailSent("Hi")}, res.Effects)
	require.Len(t, f.mailer.sent, 1)
}

func TestStartRejectsClosedFlows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flowID := f.flow(t, step(models.StepPopupText, `{}`))

	require.NoError(t, f.store.UpdateFlowStatus(ctx, flowID, models.FlowStatusInactive, nil))
	_, err := f.engine.Start(ctx, flowID, "user-1")
	require.ErrorIs(t, err, ErrFlowClosed)

	past := f.clock.Now().Add(-time.Hour)
	require.NoError(t, f.store.UpdateFlowStatus(ctx, flowID, models.FlowStatusActive, &past))
	_, err = f.engine.Start(ctx, flowID, "user-1")
	require.ErrorIs(t, err, ErrFlowClosed)
}

func TestUnknownIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, uuid.New(), "user-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.engine.Next(ctx, uuid.New(), nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

type countingRecorder struct {
	mu      sync.Mutex
	started int
	actions []string
}

func (r *countingRecorder) ExecutionStarted() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *countingRecorder) ActionEmitted(kind string) {
	r.mu.Lock()
	r.actions = append(r.actions, kind)
	r.mu.Unlock()
}

func TestRecorderSeesStartsAndActions(t *testing.T) {
	f := newFixture(t)
	rec := &countingRecorder{}
	f.engine = New(f.store, f.mailer, nil, WithClock(f.clock.Now), WithRecorder(rec))
	ctx := context.Background()
	flowID := f.flow(t,
		step(models.StepEmail, `{"to":"x@y.z","subject":"Welcome"}`),
		step(models.StepPopupText, `{"title":"Done"}`),
	)

	res, err := f.engine.Start(ctx, flowID, "user-1")
	require.NoError(t, err)
	_, err = f.engine.Next(ctx, res.ExecutionID, nil)
	require.NoError(t, err)

	require.Equal(t, 1, rec.started)
	require.Equal(t, []string{"send_email", "show_popup", "end"}, rec.actions)
}
