package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	appErrors "github.com/charlesng35/weddingdesk/pkg/errors"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)

	payload := gin.H{"message": "ok"}
	Success(ctx, http.StatusCreated, payload)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d got %d", http.StatusCreated, rec.Code)
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if !resp.Success {
		t.Fatal("expected success flag to be true")
	}
	if resp.Error != nil {
		t.Fatal("expected no error information")
	}
}

func TestSuccessWithMeta(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)

	meta := &Meta{Page: 1, PerPage: 10, Total: 20, TotalPages: 2}
	SuccessWithMeta(ctx, http.StatusOK, []string{"a", "b"}, meta)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Meta == nil || resp.Meta.Total != 20 {
		t.Fatal("expected metadata to be serialised")
	}
}

func TestErrorWithAppError(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)

	Error(ctx, appErrors.ErrInsufficientCredits)

	if rec.Code != appErrors.ErrInsufficientCredits.StatusCode {
		t.Fatalf("expected status %d got %d", appErrors.ErrInsufficientCredits.StatusCode, rec.Code)
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Success {
		t.Fatal("expected success to be false")
	}
	if resp.Error == nil || resp.Error.Code != appErrors.ErrInsufficientCredits.Code {
		t.Fatal("expected insufficient credits code in response")
	}
}

func TestPaginatedComputesTotalPages(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)

	Paginated(ctx, []int{1, 2, 3}, 2, 3, 7)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Meta == nil {
		t.Fatal("expected metadata")
	}
	if resp.Meta.TotalPages != 3 || resp.Meta.Page != 2 || resp.Meta.Total != 7 {
		t.Fatalf("unexpected meta: %+v", resp.Meta)
	}
}

func TestErrorWithWrappedAppError(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)

	Error(ctx, appErrors.ErrEntitlementDenied.WithMessage("blacklisted"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d got %d", http.StatusForbidden, rec.Code)
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Message != "blacklisted" {
		t.Fatal("expected custom message in response")
	}
}

func TestErrorWithGenericError(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)

	Error(ctx, errors.New("boom"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d got %d", http.StatusInternalServerError, rec.Code)
	}
}
