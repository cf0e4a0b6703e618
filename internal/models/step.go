package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// StepType is the UI/behavior kind of a step.
type StepType string

const (
	StepMenu        StepType = "menu"
	StepPopupText   StepType = "popup_text"
	StepPopupForm   StepType = "popup_form"
	StepPopupCoupon StepType = "popup_coupon"
	StepTicket      StepType = "ticket"
	StepEmail       StepType = "email"
	StepDelay       StepType = "delay"
	StepRedemption  StepType = "redemption"
	StepExpiration  StepType = "expiration"

	// Legacy aliases still found in stored flows.
	StepSendEmail      StepType = "send_email"
	StepShowRedemption StepType = "show_redemption"
	StepShowExpiration StepType = "show_expiration"
	StepPopupTicket    StepType = "popup_ticket"
)

// Known reports whether t is a step type operators may create.
func (t StepType) Known() bool {
	switch t {
	case StepPopupText, StepPopupForm, StepPopupCoupon, StepTicket, StepEmail,
		StepDelay, StepRedemption, StepExpiration:
		return true
	}
	return false
}

// Canonical folds legacy aliases onto their current type.
func (t StepType) Canonical() StepType {
	switch t {
	case StepSendEmail:
		return StepEmail
	case StepShowRedemption:
		return StepRedemption
	case StepShowExpiration:
		return StepExpiration
	case StepPopupTicket:
		return StepTicket
	}
	return t
}

// UIPosition maps an engine index to the editor position, which has the menu anchor at 0.
func UIPosition(index int) int { return index + 1 }

// Step is one stage in a flow. Config shape depends on Type.
type Step struct {
	ID         uuid.UUID       `json:"id"`
	FlowID     uuid.UUID       `json:"flow_id"`
	Type       StepType        `json:"type"`
	OrderIndex int             `json:"order_index"`
	Config     json.RawMessage `json:"config"`
	Coupon     *Coupon         `json:"coupon,omitempty"`
	Ticket     *Ticket         `json:"ticket,omitempty"`
}

// FormField is one input of a popup_form step.
type FormField struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"` // "text", "email", "number", "textarea"
	Required bool   `json:"required"`
}

// PopupConfig configures popup_text.
type PopupConfig struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Button      string `json:"button,omitempty"`
}

// FormConfig configures popup_form.
type FormConfig struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Fields      []FormField `json:"fields"`
}

// EmailField returns the first field of type email.
func (c FormConfig) EmailField() (FormField, bool) {
	for _, f := range c.Fields {
		if f.Type == "email" {
			return f, true
		}
	}
	return FormField{}, false
}

// EmailConfig configures email.
type EmailConfig struct {
	To      string `json:"to,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// DelayConfig configures delay. Duration is in seconds.
type DelayConfig struct {
	Duration int `json:"duration"`
}

// RedemptionConfig configures redemption.
type RedemptionConfig struct {
	Message string `json:"message,omitempty"`
}

// CouponConfig configures popup_coupon benefits.
type CouponConfig struct {
	BenefitType   string          `json:"benefitType"`
	FixedAmount   json.RawMessage `json:"fixedAmount,omitempty"`
	PercentAmount json.RawMessage `json:"percentAmount,omitempty"`
	FreeProducts  json.RawMessage `json:"freeProducts,omitempty"`
}

// DecodeConfig unmarshals the step config into v. An empty config leaves v untouched.
func (s *Step) DecodeConfig(v interface{}) error {
	if len(s.Config) == 0 || string(s.Config) == "null" {
		return nil
	}
	if err := json.Unmarshal(s.Config, v); err != nil {
		return fmt.Errorf("decode %s config: %w", s.Type, err)
	}
	return nil
}
