// Package redemption lets staff redeem coupons and tickets by code.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/condorsoft/funnels/internal/middleware"
	"github.com/condorsoft/funnels/internal/models"
	"github.com/condorsoft/funnels/internal/store"
	"github.com/condorsoft/funnels/pkg/response"
)

// Store is the part of store.Store redemption needs.
type Store interface {
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error)
	RedeemCoupon(ctx context.Context, code, redeemedBy string, at time.Time) (*models.Coupon, error)
	RedeemTicket(ctx context.Context, code string, at time.Time) (*models.Ticket, error)
}

// Handler handles coupon and ticket redemption.
type Handler struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewHandler creates a redemption handler.
func NewHandler(st Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: st, now: time.Now, logger: logger}
}

// RedeemRequest is the body for POST /coupons/redeem and POST /tickets/redeem.
type RedeemRequest struct {
	Code       string `json:"code" binding:"required"`
	RedeemedBy string `json:"redeemed_by"`
}

// RedeemCoupon handles POST /coupons/redeem. redeemed_by defaults to the caller.
func (h *Handler) RedeemCoupon(c *gin.Context) {
	var body RedeemRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "code required")
		return
	}
	by := strings.TrimSpace(body.RedeemedBy)
	if by == "" {
		if v, ok := c.Get(middleware.ContextUserID); ok {
			by = fmt.Sprint(v)
		}
	}
	coupon, err := h.store.RedeemCoupon(c.Request.Context(), strings.TrimSpace(body.Code), by, h.now())
	if err != nil {
		h.fail(c, "coupon", coupon, err)
		return
	}
	h.logger.Info("coupon redeemed", zap.String("code", coupon.Code), zap.String("redeemed_by", by))
	response.OK(c, coupon)
}

// RedeemTicket handles POST /tickets/redeem.
func (h *Handler) RedeemTicket(c *gin.Context) {
	var body RedeemRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "code required")
		return
	}
	ticket, err := h.store.RedeemTicket(c.Request.Context(), strings.TrimSpace(body.Code), h.now())
	if err != nil {
		h.fail(c, "ticket", ticket, err)
		return
	}
	h.logger.Info("ticket redeemed", zap.String("code", ticket.Code))
	response.OK(c, ticket)
}

// GetCoupon handles GET /coupons/:code.
func (h *Handler) GetCoupon(c *gin.Context) {
	coupon, err := h.store.GetCouponByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, "coupon", nil, err)
		return
	}
	response.OK(c, coupon)
}

// GetTicket handles GET /tickets/:code.
func (h *Handler) GetTicket(c *gin.Context) {
	ticket, err := h.store.GetTicketByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, "ticket", nil, err)
		return
	}
	response.OK(c, ticket)
}

func (h *Handler) fail(c *gin.Context, kind string, record interface{}, err error) {
	switch {
	case errors.Is(err, store.ErrAlreadyRedeemed):
		response.ConflictWith(c, kind+" already redeemed", record)
	case errors.Is(err, store.ErrNotFound):
		response.NotFound(c, kind+" not found")
	case errors.Is(err, store.ErrUnavailable):
		h.logger.Warn("store unavailable", zap.String("kind", kind), zap.Error(err))
		response.ServiceUnavailable(c, "temporarily unavailable, retry the request")
	default:
		h.logger.Error("redemption failed", zap.String("kind", kind), zap.Error(err))
		response.Internal(c, "redemption failed")
	}
}
