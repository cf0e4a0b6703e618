package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CouponType is fixed, percent or free_product.
const (
	CouponTypeFixed       = "fixed"
	CouponTypePercent     = "percent"
	CouponTypeFreeProduct = "free_product"
)

// Coupon is issued once for every popup_coupon step. Redemption is one-way.
type Coupon struct {
	ID         uuid.UUID       `json:"id"`
	StepID     uuid.UUID       `json:"step_id"`
	Code       string          `json:"code"`
	Type       string          `json:"type"`
	Value      json.RawMessage `json:"value,omitempty"`
	QRPayload  string          `json:"qr_payload"`
	QRImageURL string          `json:"qr_code_url"`
	IsRedeemed bool            `json:"is_redeemed"`
	RedeemedAt *time.Time      `json:"redeemed_at,omitempty"`
	RedeemedBy *string         `json:"redeemed_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
