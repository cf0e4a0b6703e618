// Package funnel checks the structural ordering rules of a flow's step list.
package funnel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/condorsoft/funnels/internal/models"
)

// Rule numbers, in the order violations are reported.
const (
	RuleEmailNeedsForm = iota + 1
	RuleNoConsecutiveEmails
	RuleNoLeadingDelay
	RuleNoConsecutiveDelays
	RuleRedemptionNeedsCoupon
	RuleExpirationLast
)

// ErrInvalidFunnel is matched by every *ValidationError.
var ErrInvalidFunnel = errors.New("invalid funnel")

// Violation is a single broken rule. Position is the editor position (menu anchor at 0).
type Violation struct {
	Rule     int    `json:"rule"`
	Position int    `json:"position"`
	Message  string `json:"message"`
}

// ValidationError carries every violation found in a candidate list.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return "invalid funnel: " + strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidFunnel) hold.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidFunnel }

// Messages returns the violation messages in report order.
func (e *ValidationError) Messages() []string {
	out := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		out[i] = v.Message
	}
	return out
}

// Validate checks a candidate step list and returns a *ValidationError listing all
// violations, or nil. A leading menu anchor is ignored.
func Validate(steps []models.Step) error {
	types := make([]models.StepType, 0, len(steps))
	var forms []*models.Step
	for i := range steps {
		t := steps[i].Type.Canonical()
		if i == 0 && t == models.StepMenu {
			continue
		}
		types = append(types, t)
		forms = append(forms, &steps[i])
	}
	if len(types) == 0 {
		return nil
	}

	var out []Violation
	add := func(rule, idx int, format string, args ...interface{}) {
		out = append(out, Violation{Rule: rule, Position: models.UIPosition(idx), Message: fmt.Sprintf(format, args...)})
	}

	for i, t := range types {
		if t != models.StepEmail {
			continue
		}
		form := nearestForm(types[:i], forms)
		if form == nil {
			add(RuleEmailNeedsForm, i, "email step at position %d needs a form before it", models.UIPosition(i))
			continue
		}
		var cfg models.FormConfig
		if err := form.DecodeConfig(&cfg); err != nil {
			add(RuleEmailNeedsForm, i, "form before email step at position %d has an unreadable config", models.UIPosition(i))
			continue
		}
		if _, ok := cfg.EmailField(); !ok {
			add(RuleEmailNeedsForm, i, "form before email step at position %d must have an email field", models.UIPosition(i))
		}
	}

	for i := 0; i+1 < len(types); i++ {
		if types[i] == models.StepEmail && types[i+1] == models.StepEmail {
			add(RuleNoConsecutiveEmails, i+1, "two email steps in a row at positions %d and %d", models.UIPosition(i), models.UIPosition(i+1))
		}
	}

	if types[0] == models.StepDelay {
		add(RuleNoLeadingDelay, 0, "delay cannot be the first step after the menu")
	}

	for i := 0; i+1 < len(types); i++ {
		if types[i] == models.StepDelay && types[i+1] == models.StepDelay {
			add(RuleNoConsecutiveDelays, i+1, "two delay steps in a row at positions %d and %d", models.UIPosition(i), models.UIPosition(i+1))
		}
	}

	seenCoupon := false
	for i, t := range types {
		switch t {
		case models.StepPopupCoupon:
			seenCoupon = true
		case models.StepRedemption:
			if !seenCoupon {
				add(RuleRedemptionNeedsCoupon, i, "redemption step at position %d needs a coupon step before it", models.UIPosition(i))
			}
		}
	}

	for i, t := range types {
		if t == models.StepExpiration && i != len(types)-1 {
			add(RuleExpirationLast, i, "expiration step at position %d must be the last step", models.UIPosition(i))
		}
	}

	if len(out) == 0 {
		return nil
	}
	return &ValidationError{Violations: out}
}

// nearestForm scans prefix backwards for the closest popup_form.
func nearestForm(prefix []models.StepType, steps []*models.Step) *models.Step {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] == models.StepPopupForm {
			return steps[i]
		}
	}
	return nil
}
