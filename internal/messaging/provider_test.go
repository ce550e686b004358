package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
		http.StatusNotFound:            false,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
	}
	for status, want := range cases {
		require.Equal(t, want, ClassifyHTTPStatus(status), "status %d", status)
	}
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(context.Canceled))
	require.True(t, IsTransient(errors.New("connection reset")))
	require.False(t, IsTransient(&ProviderError{StatusCode: 400}))
	require.True(t, IsTransient(&ProviderError{Transient: true}))
}

func TestLogProviderReturnsMessageID(t *testing.T) {
	p := NewLogProvider(nil)
	require.Equal(t, "log", p.Name())

	res, err := p.Send(context.Background(), SendRequest{To: "+447700900123", TemplateID: "HX1"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.MessageID, "SM"))
	require.Len(t, res.MessageID, 34)

	_, err = p.Send(context.Background(), SendRequest{})
	require.Error(t, err)
}

func TestParseStatusCallback(t *testing.T) {
	form := url.Values{
		"MessageSid":    {"SM1"},
		"MessageStatus": {"Undelivered"},
		"ErrorCode":     {"63016"},
	}
	cb, err := ParseStatusCallback(form)
	require.NoError(t, err)
	require.Equal(t, "SM1", cb.MessageSID)
	require.Equal(t, OutcomeFailed, cb.Outcome())
	require.Equal(t, "outside the WhatsApp session window, template required", cb.FailureReason())

	_, err = ParseStatusCallback(url.Values{"MessageStatus": {"sent"}})
	require.ErrorIs(t, err, ErrMissingMessageSID)
}

func TestStatusCallbackOutcomes(t *testing.T) {
	cases := map[string]Outcome{
		"queued":      OutcomeNone,
		"sending":     OutcomeNone,
		"sent":        OutcomeNone,
		"accepted":    OutcomeNone,
		"delivered":   OutcomeDelivered,
		"read":        OutcomeDelivered,
		"failed":      OutcomeFailed,
		"undelivered": OutcomeFailed,
	}
	for status, want := range cases {
		require.Equal(t, want, StatusCallback{MessageStatus: status}.Outcome(), status)
	}
}

func TestStatusCallbackFailureReasonFallbacks(t *testing.T) {
	require.Equal(t, "carrier said no", StatusCallback{ErrorCode: "99999", ErrorMessage: "carrier said no"}.FailureReason())
	require.Equal(t, "provider error 99999", StatusCallback{ErrorCode: "99999"}.FailureReason())
	require.Equal(t, "message failed", StatusCallback{MessageStatus: "failed"}.FailureReason())
}

func TestSignatureValidation(t *testing.T) {
	params := url.Values{
		"MessageSid":    {"SM1"},
		"MessageStatus": {"delivered"},
	}
	fullURL := "https://hooks.example.com/webhooks/messaging/status"

	sig := ComputeSignature("token", fullURL, params)
	require.True(t, ValidateSignature("token", fullURL, params, sig))
	require.False(t, ValidateSignature("other", fullURL, params, sig))
	require.False(t, ValidateSignature("token", fullURL+"?x=1", params, sig))
	require.False(t, ValidateSignature("token", fullURL, params, ""))

	tampered := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"failed"}}
	require.False(t, ValidateSignature("token", fullURL, tampered, sig))
}
