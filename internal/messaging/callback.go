package messaging

import (
	"errors"
	"net/url"
	"strings"
)

// Outcome is what a status callback means for a delivery.
type Outcome int

const (
	// OutcomeNone covers intermediate statuses that do not move a delivery.
	OutcomeNone Outcome = iota
	OutcomeDelivered
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// ErrMissingMessageSID is returned when a callback does not identify a message.
var ErrMissingMessageSID = errors.New("messaging: callback missing message sid")

// StatusCallback is a provider delivery status notification.
type StatusCallback struct {
	MessageSID    string
	MessageStatus string
	ErrorCode     string
	ErrorMessage  string
	To            string
}

// ParseStatusCallback reads a Twilio status callback form.
func ParseStatusCallback(form url.Values) (StatusCallback, error) {
	cb := StatusCallback{
		MessageSID:    firstNonEmpty(form.Get("MessageSid"), form.Get("SmsSid")),
		MessageStatus: strings.ToLower(firstNonEmpty(form.Get("MessageStatus"), form.Get("SmsStatus"))),
		ErrorCode:     strings.TrimSpace(form.Get("ErrorCode")),
		ErrorMessage:  strings.TrimSpace(form.Get("ErrorMessage")),
		To:            form.Get("To"),
	}
	if cb.MessageSID == "" {
		return StatusCallback{}, ErrMissingMessageSID
	}
	return cb, nil
}

// Outcome maps the provider status onto a delivery transition.
func (c StatusCallback) Outcome() Outcome {
	switch c.MessageStatus {
	case "delivered", "read":
		return OutcomeDelivered
	case "failed", "undelivered":
		return OutcomeFailed
	default:
		return OutcomeNone
	}
}

// FailureReason describes why the message failed.
func (c StatusCallback) FailureReason() string {
	if reason, ok := FailureReason(c.ErrorCode); ok {
		return reason
	}
	if c.ErrorMessage != "" {
		return c.ErrorMessage
	}
	if c.ErrorCode != "" {
		return "provider error " + c.ErrorCode
	}
	return "message " + c.MessageStatus
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
