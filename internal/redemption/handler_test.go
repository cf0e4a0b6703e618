package redemption

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/condorsoft/funnels/internal/middleware"
	"github.com/condorsoft/funnels/internal/models"
	"github.com/condorsoft/funnels/internal/store"
)

var redeemedAt = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) *gin.Engine {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	f := &models.Flow{Name: "promo"}
	require.NoError(t, st.CreateFlow(ctx, f))
	_, err := st.EditSteps(ctx, f.ID, func([]models.Step) ([]models.Step, error) {
		return []models.Step{
			{Type: models.StepPopupCoupon, Coupon: &models.Coupon{Code: "CPN-1", Type: models.CouponTypeFixed}},
			{Type: models.StepTicket, Ticket: &models.Ticket{Code: "TKT-1"}},
		}, nil
	})
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	h := NewHandler(st, nil)
	h.now = func() time.Time { return redeemedAt }
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(middleware.ContextUserID, "staff-7") })
	r.POST("/coupons/redeem", h.RedeemCoupon)
	r.POST("/tickets/redeem", h.RedeemTicket)
	r.GET("/coupons/:code", h.GetCoupon)
	r.GET("/tickets/:code", h.GetTicket)
	return r
}

func post(t *testing.T, r http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRedeemCouponOnce(t *testing.T) {
	r := setup(t)

	w := post(t, r, "/coupons/redeem", RedeemRequest{Code: "CPN-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Data models.Coupon `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.True(t, env.Data.IsRedeemed)
	require.Equal(t, "staff-7", *env.Data.RedeemedBy)
	require.True(t, redeemedAt.Equal(*env.Data.RedeemedAt))

	w = post(t, r, "/coupons/redeem", RedeemRequest{Code: "CPN-1", RedeemedBy: "someone-else"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Equal(t, "staff-7", *env.Data.RedeemedBy)

	w = post(t, r, "/coupons/redeem", RedeemRequest{Code: "NOPE"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = post(t, r, "/coupons/redeem", map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRedeemTicketOnce(t *testing.T) {
	r := setup(t)

	w := post(t, r, "/tickets/redeem", RedeemRequest{Code: "TKT-1"})
	require.Equal(t, http.StatusOK, w.Code)
	w = post(t, r, "/tickets/redeem", RedeemRequest{Code: "TKT-1"})
	require.Equal(t, http.StatusConflict, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/tickets/TKT-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data models.Ticket `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, models.TicketStatusUsed, env.Data.Status)
}

func TestGetCouponUnknown(t *testing.T) {
	r := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/coupons/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
