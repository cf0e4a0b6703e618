package engine

import (
	"github.com/google/uuid"

	"github.com/condorsoft/funnels/internal/models"
)

// ActionKind tags the variant of an Action.
type ActionKind string

const (
	ActionShowPopup      ActionKind = "show_popup"
	ActionShowForm       ActionKind = "show_form"
	ActionWaiting        ActionKind = "waiting"
	ActionShowCoupon     ActionKind = "show_coupon"
	ActionShowTicket     ActionKind = "show_ticket"
	ActionEmailSent      ActionKind = "send_email"
	ActionShowRedemption ActionKind = "show_redemption"
	ActionShowExpiration ActionKind = "show_expiration"
	ActionEnd            ActionKind = "end"
)

// Action is what the client should present next. Only the fields of its Kind are set.
type Action struct {
	Kind    ActionKind         `json:"action"`
	Title   string             `json:"title,omitempty"`
	Text    string             `json:"text,omitempty"`
	Fields  []models.FormField `json:"fields,omitempty"`
	Seconds int                `json:"seconds,omitempty"`
	Code    string             `json:"code,omitempty"`
	QR      string             `json:"qr,omitempty"`
	Subject string             `json:"subject,omitempty"`
	Message string             `json:"message,omitempty"`
}

// Result is the outcome of a start or next call.
type Result struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Action      Action    `json:"action"`
	// Effects lists side effects applied while auto-advancing, e.g. EmailSent.
	Effects []Action `json:"effects,omitempty"`
}

func ShowPopup(title, text string) Action {
	return Action{Kind: ActionShowPopup, Title: title, Text: text}
}

func ShowForm(title string, fields []models.FormField) Action {
	return Action{Kind: ActionShowForm, Title: title, Fields: fields}
}

func Waiting(seconds int) Action {
	return Action{Kind: ActionWaiting, Seconds: seconds}
}

func ShowCoupon(code, qr string) Action {
	return Action{Kind: ActionShowCoupon, Code: code, QR: qr}
}

func ShowTicket(code, qr string) Action {
	return Action{Kind: ActionShowTicket, Code: code, QR: qr}
}

func EmailSent(subject string) Action {
	return Action{Kind: ActionEmailSent, Subject: subject}
}

func ShowRedemption(message string) Action {
	return Action{Kind: ActionShowRedemption, Message: message}
}

func ShowExpiration() Action { return Action{Kind: ActionShowExpiration} }

func End() Action { return Action{Kind: ActionEnd} }
