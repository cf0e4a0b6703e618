package emaillogs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/condorsoft/funnels/internal/models"
	"github.com/condorsoft/funnels/pkg/queue"
)

type fakeLogs struct {
	logs []*models.EmailLog
}

func (f *fakeLogs) Get(_ context.Context, executionID, stepID uuid.UUID) (*models.EmailLog, error) {
	for _, l := range f.logs {
		if l.ExecutionID == executionID && l.StepID == stepID {
			return l, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeLogs) ListByExecution(_ context.Context, executionID uuid.UUID) ([]*models.EmailLog, error) {
	out := []*models.EmailLog{}
	for _, l := range f.logs {
		if l.ExecutionID == executionID {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeQueue struct {
	jobs []queue.EmailPayload
	err  error
}

func (q *fakeQueue) EnqueueEmail(_ context.Context, p queue.EmailPayload) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, p)
	return nil
}

func TestListAndResend(t *testing.T) {
	gin.SetMode(gin.TestMode)
	exec := uuid.New()
	sent := &models.EmailLog{ID: uuid.New(), ExecutionID: exec, StepID: uuid.New(), Status: models.EmailLogStatusSent}
	failed := &models.EmailLog{ID: uuid.New(), ExecutionID: exec, StepID: uuid.New(), Status: models.EmailLogStatusFailed,
		RecipientEmail: "a@b.co", Subject: "Hi", Body: "<p>hi</p>"}
	q := &fakeQueue{}
	h := NewHandler(&fakeLogs{logs: []*models.EmailLog{sent, failed}}, q, nil)
	r := gin.New()
	r.GET("/executions/:id/emails", h.ListByExecution)
	r.POST("/executions/:id/emails/:stepId/resend", h.Resend)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/executions/"+exec.String()+"/emails", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Data []models.EmailLog `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Len(t, env.Data, 2)

	resend := func(step uuid.UUID) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/executions/"+exec.String()+"/emails/"+step.String()+"/resend", nil))
		return w.Code
	}
	require.Equal(t, http.StatusConflict, resend(sent.StepID))
	require.Equal(t, http.StatusNotFound, resend(uuid.New()))
	require.Equal(t, http.StatusOK, resend(failed.StepID))
	require.Len(t, q.jobs, 1)
	require.Equal(t, "<p>hi</p>", q.jobs[0].Body)
	require.Equal(t, exec.String()+":"+failed.StepID.String(), q.jobs[0].DedupeKey)

	q.err = errors.New("redis down")
	require.Equal(t, http.StatusServiceUnavailable, resend(failed.StepID))
}
