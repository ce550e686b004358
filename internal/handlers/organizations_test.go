package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/weddingdesk/internal/database"
	"github.com/charlesng35/weddingdesk/internal/handlers"
	"github.com/charlesng35/weddingdesk/internal/handlers/testutil"
	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/internal/services"
)

func TestOrganizationHandler_Lifecycle(t *testing.T) {
	env := testutil.NewEnv(t)

	created := env.Request(http.MethodPost, "/api/organizations", map[string]any{
		"name":      "  Ada & Sam  ",
		"plan_tier": "Premium",
	}, "planner-1")
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())

	var org models.Organization
	testutil.DecodeInto(t, testutil.DecodeResponse(t, created).Data, &org)
	require.NotEmpty(t, org.ID)
	require.Equal(t, "Ada & Sam", org.Name)
	require.Equal(t, "premium", org.PlanTier)
	require.Equal(t, models.OrganizationStatusActive, org.Status)

	got := env.Request(http.MethodGet, "/api/organizations/"+org.ID, nil, "")
	require.Equal(t, http.StatusOK, got.Code)

	suspend := env.Request(http.MethodPut, "/api/organizations/"+org.ID+"/status", map[string]string{"status": "suspended"}, "planner-1")
	require.Equal(t, http.StatusOK, suspend.Code, suspend.Body.String())

	check := env.Request(http.MethodGet, "/api/organizations/"+org.ID+"/entitlements/"+database.FeatureWhatsAppMessaging, nil, "")
	require.Equal(t, http.StatusOK, check.Code)
	var decision services.EntitlementDecision
	testutil.DecodeInto(t, testutil.DecodeResponse(t, check).Data, &decision)
	require.False(t, decision.Allowed)
	require.Equal(t, services.ReasonOrganizationInactive, decision.Reason)

	bad := env.Request(http.MethodPut, "/api/organizations/"+org.ID+"/status", map[string]string{"status": "deleted"}, "planner-1")
	require.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestOrganizationHandler_ValidationAndNotFound(t *testing.T) {
	env := testutil.NewEnv(t)

	missingName := env.Request(http.MethodPost, "/api/organizations", map[string]any{}, "")
	require.Equal(t, http.StatusBadRequest, missingName.Code)
	payload := testutil.DecodeResponse(t, missingName)
	require.False(t, payload.Success)
	require.Contains(t, payload.Error.Message, "name is required")

	unknown := env.Request(http.MethodGet, "/api/organizations/00000000-0000-0000-0000-000000000000", nil, "")
	require.Equal(t, http.StatusNotFound, unknown.Code)
	require.Equal(t, "NOT_FOUND", testutil.DecodeResponse(t, unknown).Error.Code)

	malformed := env.Request(http.MethodPost, "/api/organizations", nil, "")
	require.Equal(t, http.StatusBadRequest, malformed.Code)
}

func TestOrganizationHandler_TopUpIsIdempotent(t *testing.T) {
	env := testutil.NewEnv(t)
	org := env.CreateMessagingOrg(0, 0)

	body := map[string]any{"amount": 25, "pool": "purchased", "note": "bundle"}
	first := env.RequestWithHeaders(http.MethodPost, "/api/organizations/"+org.ID+"/credits", body, map[string]string{handlers.IdempotencyKeyHeader: "order-1"})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	var result struct {
		Entry    models.CreditLedgerEntry `json:"entry"`
		Balances services.PoolBalances    `json:"balances"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, first).Data, &result)
	require.Equal(t, int64(25), result.Balances.Purchased)
	require.Equal(t, models.CreditPoolPurchased, result.Entry.Pool)

	second := env.RequestWithHeaders(http.MethodPost, "/api/organizations/"+org.ID+"/credits", body, map[string]string{handlers.IdempotencyKeyHeader: "order-1"})
	require.Equal(t, http.StatusCreated, second.Code)
	testutil.DecodeInto(t, testutil.DecodeResponse(t, second).Data, &result)
	require.Equal(t, int64(25), result.Balances.Purchased)

	history := env.Request(http.MethodGet, "/api/organizations/"+org.ID+"/ledger?per_page=10", nil, "")
	require.Equal(t, http.StatusOK, history.Code)
	historyPayload := testutil.DecodeResponse(t, history)
	require.NotNil(t, historyPayload.Meta)
	require.Equal(t, 1, historyPayload.Meta.Total)
	require.Equal(t, 10, historyPayload.Meta.PerPage)

	invalidPool := env.Request(http.MethodPost, "/api/organizations/"+org.ID+"/credits", map[string]any{"amount": 5, "pool": "bonus"}, "")
	require.Equal(t, http.StatusBadRequest, invalidPool.Code)
	require.Contains(t, testutil.DecodeResponse(t, invalidPool).Error.Message, "ALLOWANCE or PURCHASED")

	zero := env.Request(http.MethodPost, "/api/organizations/"+org.ID+"/credits", map[string]any{"amount": 0, "pool": "ALLOWANCE"}, "")
	require.Equal(t, http.StatusBadRequest, zero.Code)
}

func TestOrganizationHandler_FeaturesLimitsAndUsage(t *testing.T) {
	env := testutil.NewEnv(t)
	org := env.CreateMessagingOrg(40, 0)

	toggle := env.Request(http.MethodPut, "/api/organizations/"+org.ID+"/features/"+database.FeatureAIChatbot, map[string]any{"enabled": true}, "")
	require.Equal(t, http.StatusOK, toggle.Code, toggle.Body.String())

	missingEnabled := env.Request(http.MethodPut, "/api/organizations/"+org.ID+"/features/"+database.FeatureAIChatbot, map[string]any{}, "")
	require.Equal(t, http.StatusBadRequest, missingEnabled.Code)

	unknownFeature := env.Request(http.MethodPut, "/api/organizations/"+org.ID+"/features/teleport", map[string]any{"enabled": true}, "")
	require.Equal(t, http.StatusNotFound, unknownFeature.Code)

	limit := env.Request(http.MethodPut, "/api/organizations/"+org.ID+"/limits/"+database.LimitMessages, map[string]any{"value": 30}, "")
	require.Equal(t, http.StatusOK, limit.Code, limit.Body.String())

	belowUnlimited := env.Request(http.MethodPut, "/api/organizations/"+org.ID+"/limits/"+database.LimitMessages, map[string]any{"value": -2}, "")
	require.Equal(t, http.StatusBadRequest, belowUnlimited.Code)

	usage := env.Request(http.MethodGet, "/api/organizations/"+org.ID+"/usage", nil, "")
	require.Equal(t, http.StatusOK, usage.Code)
	var report services.UsageReport
	testutil.DecodeInto(t, testutil.DecodeResponse(t, usage).Data, &report)
	require.Equal(t, int64(40), report.Balances.Allowance)
	require.Equal(t, int64(30), report.RemainingMessages)

	var messages *services.LimitUsage
	for i := range report.Limits {
		if report.Limits[i].Name == database.LimitMessages {
			messages = &report.Limits[i]
		}
	}
	require.NotNil(t, messages)
	require.Equal(t, int64(30), messages.Limit)
	require.False(t, messages.Unlimited)
}

func TestFeatureFlagHandler_Update(t *testing.T) {
	env := testutil.NewEnv(t)
	org := env.CreateMessagingOrg(10, 0)

	empty := env.Request(http.MethodPut, "/api/feature-flags/"+database.FeatureWhatsAppMessaging, map[string]any{}, "")
	require.Equal(t, http.StatusBadRequest, empty.Code)

	blacklist := env.Request(http.MethodPut, "/api/feature-flags/"+database.FeatureWhatsAppMessaging, map[string]any{
		"blacklist": []string{org.ID},
	}, "ops-1")
	require.Equal(t, http.StatusOK, blacklist.Code, blacklist.Body.String())

	var flag models.FeatureFlag
	testutil.DecodeInto(t, testutil.DecodeResponse(t, blacklist).Data, &flag)
	require.Equal(t, int64(2), flag.Version)
	require.Contains(t, []string(flag.BlacklistedOrganizations), org.ID)

	check := env.Request(http.MethodGet, "/api/organizations/"+org.ID+"/entitlements/"+database.FeatureWhatsAppMessaging, nil, "")
	var decision services.EntitlementDecision
	testutil.DecodeInto(t, testutil.DecodeResponse(t, check).Data, &decision)
	require.False(t, decision.Allowed)
	require.Equal(t, services.ReasonBlacklisted, decision.Reason)

	got := env.Request(http.MethodGet, "/api/feature-flags/"+database.FeatureWhatsAppMessaging, nil, "")
	require.Equal(t, http.StatusOK, got.Code)

	missing := env.Request(http.MethodGet, "/api/feature-flags/unknown_flag", nil, "")
	require.Equal(t, http.StatusNotFound, missing.Code)
}
