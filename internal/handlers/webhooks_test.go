package handlers_test

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/weddingdesk/internal/handlers/testutil"
	"github.com/charlesng35/weddingdesk/internal/messaging"
	"github.com/charlesng35/weddingdesk/internal/models"
)

const statusPath = "/webhooks/messaging/status"

func signed(form url.Values) map[string]string {
	return map[string]string{
		messaging.SignatureHeader: messaging.ComputeSignature(testutil.WebhookAuthToken, testutil.WebhookURL, form),
	}
}

func sentDelivery(t *testing.T, env *testutil.Env, sid string) models.Delivery {
	t.Helper()

	org := env.CreateMessagingOrg(5, 0)
	event := env.CreateEvent(org.ID, 1)
	campaign := createCampaign(t, env, org.ID, event.ID)
	require.Equal(t, http.StatusAccepted, env.Request(http.MethodPost, "/api/campaigns/"+campaign.ID+"/admit", nil, "").Code)

	delivery := env.Deliveries(campaign.ID)[0]
	env.MarkSent(delivery, sid)
	return delivery
}

func deliveryStatus(env *testutil.Env, id string) models.DeliveryStatus {
	var d models.Delivery
	if err := env.DB.Select("status").First(&d, "id = ?", id).Error; err != nil {
		return ""
	}
	return d.Status
}

func TestWebhookHandler_RejectsInvalidSignature(t *testing.T) {
	env := testutil.NewEnv(t)
	delivery := sentDelivery(t, env, "SM00000000000000000000000000000010")

	form := url.Values{"MessageSid": {"SM00000000000000000000000000000010"}, "MessageStatus": {"delivered"}}

	missing := env.PostForm(statusPath, form, nil)
	require.Equal(t, http.StatusForbidden, missing.Code)
	require.Equal(t, "INVALID_SIGNATURE", testutil.DecodeResponse(t, missing).Error.Code)

	forged := env.PostForm(statusPath, form, map[string]string{messaging.SignatureHeader: "bm90LWEtc2lnbmF0dXJl"})
	require.Equal(t, http.StatusForbidden, forged.Code)

	tampered := signed(form)
	form.Set("MessageStatus", "failed")
	require.Equal(t, http.StatusForbidden, env.PostForm(statusPath, form, tampered).Code)

	require.Equal(t, models.DeliveryStatusSent, deliveryStatus(env, delivery.ID))
}

func TestWebhookHandler_AppliesDeliveredCallback(t *testing.T) {
	env := testutil.NewEnv(t)
	sid := "SM00000000000000000000000000000011"
	delivery := sentDelivery(t, env, sid)

	form := url.Values{"MessageSid": {sid}, "MessageStatus": {"delivered"}, "To": {"whatsapp:+14155550001"}}
	w := env.PostForm(statusPath, form, signed(form))
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		return deliveryStatus(env, delivery.ID) == models.DeliveryStatusDelivered
	}, 2*time.Second, 20*time.Millisecond)

	// Duplicate receipts are acknowledged and leave the delivery unchanged.
	again := env.PostForm(statusPath, form, signed(form))
	require.Equal(t, http.StatusNoContent, again.Code)
	require.Never(t, func() bool {
		return deliveryStatus(env, delivery.ID) != models.DeliveryStatusDelivered
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestWebhookHandler_AppliesFailedCallback(t *testing.T) {
	env := testutil.NewEnv(t)
	sid := "SM00000000000000000000000000000012"
	delivery := sentDelivery(t, env, sid)

	form := url.Values{"MessageSid": {sid}, "MessageStatus": {"undelivered"}, "ErrorCode": {"63016"}}
	w := env.PostForm(statusPath, form, signed(form))
	require.Equal(t, http.StatusNoContent, w.Code)

	require.Eventually(t, func() bool {
		return deliveryStatus(env, delivery.ID) == models.DeliveryStatusFailed
	}, 2*time.Second, 20*time.Millisecond)

	var failed models.Delivery
	require.NoError(t, env.DB.First(&failed, "id = ?", delivery.ID).Error)
	require.NotNil(t, failed.ErrorMessage)
	require.NotEmpty(t, *failed.ErrorMessage)
}

func TestWebhookHandler_IgnoresIntermediateStatuses(t *testing.T) {
	env := testutil.NewEnv(t)
	sid := "SM00000000000000000000000000000013"
	delivery := sentDelivery(t, env, sid)

	for _, status := range []string{"queued", "sent", "accepted"} {
		form := url.Values{"MessageSid": {sid}, "MessageStatus": {status}}
		w := env.PostForm(statusPath, form, signed(form))
		require.Equal(t, http.StatusNoContent, w.Code, status)
	}
	require.Equal(t, models.DeliveryStatusSent, deliveryStatus(env, delivery.ID))
}

func TestWebhookHandler_RequiresMessageSid(t *testing.T) {
	env := testutil.NewEnv(t)

	form := url.Values{"MessageStatus": {"delivered"}}
	w := env.PostForm(statusPath, form, signed(form))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "BAD_REQUEST", testutil.DecodeResponse(t, w).Error.Code)
}

func TestWebhookHandler_UnknownMessageIsAcknowledged(t *testing.T) {
	env := testutil.NewEnv(t)

	form := url.Values{"MessageSid": {"SM000000000000000000000000000000ff"}, "MessageStatus": {"delivered"}}
	w := env.PostForm(statusPath, form, signed(form))
	require.Equal(t, http.StatusNoContent, w.Code)
}
