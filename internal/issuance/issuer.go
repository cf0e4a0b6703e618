// Package issuance mints coupon and ticket codes with their QR images.
package issuance

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/condorsoft/funnels/internal/models"
	"github.com/condorsoft/funnels/pkg/storage"
)

const (
	kindCoupon = "coupon"
	kindTicket = "ticket"

	qrSize     = 256
	dataURLPNG = "data:image/png;base64,"
	couponPath = "/redeem?code="
	ticketPath = "/redeem-ticket?code="
)

// Uploader stores QR images. *storage.S3 implements it.
type Uploader interface {
	UploadQR(ctx context.Context, key string, png []byte) (string, error)
	DeleteQR(ctx context.Context, key string) error
}

// Issuer creates coupons and tickets. Without an Uploader the QR image is kept inline as a data URL.
type Issuer struct {
	baseURL  string
	uploader Uploader
	logger   *zap.Logger
}

// New creates an Issuer. baseURL prefixes the redeem links encoded in QR codes.
func New(baseURL string, uploader Uploader, logger *zap.Logger) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{baseURL: strings.TrimRight(baseURL, "/"), uploader: uploader, logger: logger}
}

// Attach issues the coupon or ticket a new step of type popup_coupon or ticket needs.
// Other step types are left unchanged.
func (i *Issuer) Attach(ctx context.Context, st *models.Step) error {
	switch st.Type.Canonical() {
	case models.StepPopupCoupon:
		c, err := i.IssueCoupon(ctx, st.Config)
		if err != nil {
			return err
		}
		st.Coupon = c
	case models.StepTicket:
		t, err := i.IssueTicket(ctx)
		if err != nil {
			return err
		}
		st.Ticket = t
	}
	return nil
}

// IssueCoupon mints a coupon whose type and value come from the step config.
func (i *Issuer) IssueCoupon(ctx context.Context, config json.RawMessage) (*models.Coupon, error) {
	var cfg models.CouponConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("decode coupon config: %w", err)
		}
	}
	typ, value := couponBenefit(cfg)
	id := uuid.New()
	code := id.String()
	payload := i.baseURL + couponPath + code
	img, err := i.qr(ctx, kindCoupon, code, payload)
	if err != nil {
		return nil, err
	}
	return &models.Coupon{
		ID:         id,
		Code:       code,
		Type:       typ,
		Value:      value,
		QRPayload:  payload,
		QRImageURL: img,
	}, nil
}

// IssueTicket mints an unused ticket.
func (i *Issuer) IssueTicket(ctx context.Context) (*models.Ticket, error) {
	id := uuid.New()
	code := id.String()
	payload := i.baseURL + ticketPath + code
	img, err := i.qr(ctx, kindTicket, code, payload)
	if err != nil {
		return nil, err
	}
	return &models.Ticket{
		ID:         id,
		Code:       code,
		Status:     models.TicketStatusUnused,
		QRPayload:  payload,
		QRImageURL: img,
	}, nil
}

// Release removes uploaded QR images of a step that left its flow. Failures are only logged.
func (i *Issuer) Release(ctx context.Context, st models.Step) {
	if i.uploader == nil {
		return
	}
	var keys []string
	if st.Coupon != nil && !strings.HasPrefix(st.Coupon.QRImageURL, dataURLPNG) {
		keys = append(keys, storage.QRKey(kindCoupon, st.Coupon.Code))
	}
	if st.Ticket != nil && !strings.HasPrefix(st.Ticket.QRImageURL, dataURLPNG) {
		keys = append(keys, storage.QRKey(kindTicket, st.Ticket.Code))
	}
	for _, key := range keys {
		if err := i.uploader.DeleteQR(ctx, key); err != nil {
			i.logger.Warn("delete qr image", zap.String("key", key), zap.Error(err))
		}
	}
}

func (i *Issuer) qr(ctx context.Context, kind, code, payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	if i.uploader == nil {
		return dataURLPNG + base64.StdEncoding.EncodeToString(png), nil
	}
	url, err := i.uploader.UploadQR(ctx, storage.QRKey(kind, code), png)
	if err != nil {
		return "", fmt.Errorf("upload qr: %w", err)
	}
	return url, nil
}

// couponBenefit maps benefitType to a coupon type and JSON value. Unknown or missing
// types fall back to a fixed benefit of 0.
func couponBenefit(cfg models.CouponConfig) (string, json.RawMessage) {
	switch cfg.BenefitType {
	case models.CouponTypePercent:
		return models.CouponTypePercent, number(cfg.PercentAmount)
	case models.CouponTypeFreeProduct:
		if len(cfg.FreeProducts) == 0 {
			return models.CouponTypeFreeProduct, json.RawMessage("null")
		}
		return models.CouponTypeFreeProduct, cfg.FreeProducts
	case models.CouponTypeFixed:
		return models.CouponTypeFixed, number(cfg.FixedAmount)
	}
	return models.CouponTypeFixed, json.RawMessage("0")
}

// number accepts a JSON number or a numeric string, as editors send either.
func number(raw json.RawMessage) json.RawMessage {
	f, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(string(raw)), `"`), 64)
	if err != nil {
		return json.RawMessage("0")
	}
	return json.RawMessage(strconv.FormatFloat(f, 'f', -1, 64))
}
