package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIncludesInternal(t *testing.T) {
	internal := stdErrors.New("boom")
	err := Wrap(internal, "failed")

	if err.Error() != "failed: boom" {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}

func TestWithInternalCopies(t *testing.T) {
	base := New("TEST", "test", 400)
	with := base.WithInternal(stdErrors.New("oops"))

	if with == base {
		t.Fatal("expected WithInternal to return a copy")
	}

	if base.Internal != nil {
		t.Fatal("expected original error to remain unchanged")
	}

	if with.Internal == nil {
		t.Fatal("expected internal error to be set")
	}
}

func TestWithMessageKeepsCodeAndStatus(t *testing.T) {
	err := ErrEntitlementDenied.WithMessage("whatsapp_messaging: blacklisted")

	if err.Code != ErrEntitlementDenied.Code {
		t.Fatalf("expected code %s, got %s", ErrEntitlementDenied.Code, err.Code)
	}
	if err.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", err.StatusCode)
	}
	if ErrEntitlementDenied.Message == err.Message {
		t.Fatal("expected sentinel message to remain unchanged")
	}
}

func TestFromError(t *testing.T) {
	appErr := ErrNotFound
	if out := FromError(appErr); out != appErr {
		t.Fatal("expected FromError to return the same AppError instance")
	}

	wrapped := fmt.Errorf("campaign: %w", ErrInsufficientCredits)
	if out := FromError(wrapped); out != ErrInsufficientCredits {
		t.Fatal("expected FromError to unwrap nested AppError")
	}

	raw := stdErrors.New("raw")
	out := FromError(raw)
	if out.Code != ErrInternalServer.Code {
		t.Fatalf("expected internal server code, got %s", out.Code)
	}
	if out.Internal == nil {
		t.Fatal("expected internal error to be attached")
	}
}

func TestNewBadRequest(t *testing.T) {
	err := NewBadRequest("invalid payload")
	if err.Code != ErrBadRequest.Code {
		t.Fatalf("expected %s, got %s", ErrBadRequest.Code, err.Code)
	}
	if err.Message != "invalid payload" {
		t.Fatalf("unexpected message: %s", err.Message)
	}
	if err.StatusCode != ErrBadRequest.StatusCode {
		t.Fatalf("unexpected status: %d", err.StatusCode)
	}
}
