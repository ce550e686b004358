package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// SendRequest describes one outbound template message.
type SendRequest struct {
	To             string
	TemplateID     string
	Variables      map[string]string
	StatusCallback string
	// IdempotencyKey is the delivery's dispatch token, carried for logging.
	// Providers do not deduplicate on it; resends are prevented by the delivery
	// claim and the stored provider message id.
	IdempotencyKey string
}

// SendResult is the provider's synchronous acceptance of a message.
type SendResult struct {
	MessageID string
	Status    string
}

// Provider sends template messages to recipients.
type Provider interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// ProviderError reports a failed send. Transient errors may be retried; the rest are rejections.
type ProviderError struct {
	Transient  bool
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "rejected"
	if e.Transient {
		kind = "transient"
	}
	switch {
	case e.Err != nil:
		return fmt.Sprintf("provider %s: %v", kind, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("provider %s (status %d, code %d): %s", kind, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("provider %s (status %d): %s", kind, e.StatusCode, e.Message)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Reason returns a short description suitable for a delivery error message.
func (e *ProviderError) Reason() string {
	if e.Code != 0 {
		if reason, ok := errorReasons[e.Code]; ok {
			return reason
		}
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "provider rejected message"
}

// IsTransient reports whether a send error is worth retrying. Unclassified
// errors are treated as transport failures; cancellation is never retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient
	}
	return true
}

// ClassifyHTTPStatus reports whether a provider HTTP status is transient.
func ClassifyHTTPStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
