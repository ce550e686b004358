package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/weddingdesk/internal/handlers/testutil"
	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/internal/services"
)

func createCampaign(t *testing.T, env *testutil.Env, orgID, eventID string) models.Campaign {
	t.Helper()

	w := env.Request(http.MethodPost, "/api/campaigns", map[string]any{
		"organization_id": orgID,
		"event_id":        eventID,
		"name":            "Save the date",
		"template_id":     "HX0123456789abcdef0123456789abcdef",
		"variable_keys":   []string{models.TemplateKeyGuestName, models.TemplateKeyEventDate},
	}, "planner-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var campaign models.Campaign
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &campaign)
	return campaign
}

func TestCampaignHandler_AdmitAndInspect(t *testing.T) {
	env := testutil.NewEnv(t)
	org := env.CreateMessagingOrg(30, 0)
	event := env.CreateEvent(org.ID, 25)

	campaign := createCampaign(t, env, org.ID, event.ID)
	require.Equal(t, models.CampaignStatusCreated, campaign.Status)
	require.Equal(t, "planner-1", campaign.CreatedByID)

	admit := env.Request(http.MethodPost, "/api/campaigns/"+campaign.ID+"/admit", nil, "planner-1")
	require.Equal(t, http.StatusAccepted, admit.Code, admit.Body.String())

	var result services.AdmissionResult
	testutil.DecodeInto(t, testutil.DecodeResponse(t, admit).Data, &result)
	require.Equal(t, 25, result.Recipients)
	require.Equal(t, 2, result.Batches)
	require.Equal(t, int64(4), result.EstimatedSeconds)
	require.Equal(t, 2, env.Queue.Len())

	again := env.Request(http.MethodPost, "/api/campaigns/"+campaign.ID+"/admit", nil, "")
	require.Equal(t, http.StatusConflict, again.Code)
	require.Equal(t, "CONFLICT", testutil.DecodeResponse(t, again).Error.Code)

	detail := env.Request(http.MethodGet, "/api/campaigns/"+campaign.ID, nil, "")
	require.Equal(t, http.StatusOK, detail.Code)
	var got services.CampaignDetail
	testutil.DecodeInto(t, testutil.DecodeResponse(t, detail).Data, &got)
	require.Equal(t, models.CampaignStatusSending, got.Campaign.Status)
	require.Equal(t, services.CampaignStats{Total: 25, Pending: 25}, got.Stats)

	stats := env.Request(http.MethodGet, "/api/campaigns/"+campaign.ID+"/stats", nil, "")
	require.Equal(t, http.StatusOK, stats.Code)

	page := env.Request(http.MethodGet, "/api/campaigns/"+campaign.ID+"/deliveries?status=pending&page=2&per_page=20", nil, "")
	require.Equal(t, http.StatusOK, page.Code)
	pagePayload := testutil.DecodeResponse(t, page)
	var deliveries []models.Delivery
	testutil.DecodeInto(t, pagePayload.Data, &deliveries)
	require.Len(t, deliveries, 5)
	require.Equal(t, 25, pagePayload.Meta.Total)
	require.Equal(t, 2, pagePayload.Meta.TotalPages)

	badStatus := env.Request(http.MethodGet, "/api/campaigns/"+campaign.ID+"/deliveries?status=lost", nil, "")
	require.Equal(t, http.StatusBadRequest, badStatus.Code)
}

func TestCampaignHandler_AdmissionRejections(t *testing.T) {
	env := testutil.NewEnv(t)

	poor := env.CreateMessagingOrg(3, 0)
	poorEvent := env.CreateEvent(poor.ID, 5)
	poorCampaign := createCampaign(t, env, poor.ID, poorEvent.ID)

	rejected := env.Request(http.MethodPost, "/api/campaigns/"+poorCampaign.ID+"/admit", nil, "")
	require.Equal(t, http.StatusPaymentRequired, rejected.Code)
	require.Equal(t, "INSUFFICIENT_CREDITS", testutil.DecodeResponse(t, rejected).Error.Code)
	require.Empty(t, env.Deliveries(poorCampaign.ID))
	require.Zero(t, env.Queue.Len())

	blocked := env.Request(http.MethodPost, "/api/organizations", map[string]any{"name": "No Messaging"}, "")
	require.Equal(t, http.StatusCreated, blocked.Code)
	var org models.Organization
	testutil.DecodeInto(t, testutil.DecodeResponse(t, blocked).Data, &org)
	event := env.CreateEvent(org.ID, 2)
	campaign := createCampaign(t, env, org.ID, event.ID)

	denied := env.Request(http.MethodPost, "/api/campaigns/"+campaign.ID+"/admit", nil, "")
	require.Equal(t, http.StatusForbidden, denied.Code)
	deniedPayload := testutil.DecodeResponse(t, denied)
	require.Equal(t, "ENTITLEMENT_DENIED", deniedPayload.Error.Code)
	require.Contains(t, deniedPayload.Error.Message, services.ReasonFeatureDisabled)
}

func TestCampaignHandler_CreateValidation(t *testing.T) {
	env := testutil.NewEnv(t)
	org := env.CreateMessagingOrg(1, 0)

	missing := env.Request(http.MethodPost, "/api/campaigns", map[string]any{"organization_id": org.ID}, "")
	require.Equal(t, http.StatusBadRequest, missing.Code)

	unknownEvent := env.Request(http.MethodPost, "/api/campaigns", map[string]any{
		"organization_id": org.ID,
		"event_id":        "00000000-0000-0000-0000-000000000000",
		"name":            "Save the date",
		"template_id":     "HX01",
	}, "")
	require.Equal(t, http.StatusNotFound, unknownEvent.Code)

	unknownCampaign := env.Request(http.MethodGet, "/api/campaigns/00000000-0000-0000-0000-000000000000", nil, "")
	require.Equal(t, http.StatusNotFound, unknownCampaign.Code)
}

func TestCampaignHandler_Cancel(t *testing.T) {
	env := testutil.NewEnv(t)
	org := env.CreateMessagingOrg(10, 0)
	event := env.CreateEvent(org.ID, 4)
	campaign := createCampaign(t, env, org.ID, event.ID)

	early := env.Request(http.MethodPost, "/api/campaigns/"+campaign.ID+"/cancel", nil, "")
	require.Equal(t, http.StatusConflict, early.Code)

	admit := env.Request(http.MethodPost, "/api/campaigns/"+campaign.ID+"/admit", nil, "")
	require.Equal(t, http.StatusAccepted, admit.Code)

	cancel := env.Request(http.MethodPost, "/api/campaigns/"+campaign.ID+"/cancel", nil, "planner-1")
	require.Equal(t, http.StatusOK, cancel.Code, cancel.Body.String())

	var progress services.CampaignProgress
	testutil.DecodeInto(t, testutil.DecodeResponse(t, cancel).Data, &progress)
	require.True(t, progress.Cancelled)
	require.Equal(t, models.CampaignStatusCompleted, progress.Status)
	require.Equal(t, services.CampaignStats{Total: 4, Failed: 4}, progress.Stats)

	again := env.Request(http.MethodPost, "/api/campaigns/"+campaign.ID+"/cancel", nil, "")
	require.Equal(t, http.StatusConflict, again.Code)
}

func TestCampaignHandler_StreamPushesProgress(t *testing.T) {
	env := testutil.NewEnv(t)
	org := env.CreateMessagingOrg(10, 0)
	event := env.CreateEvent(org.ID, 2)
	campaign := createCampaign(t, env, org.ID, event.ID)
	require.Equal(t, http.StatusAccepted, env.Request(http.MethodPost, "/api/campaigns/"+campaign.ID+"/admit", nil, "").Code)

	server := httptest.NewServer(env.Router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/campaigns/" + campaign.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	type message struct {
		Event string                    `json:"event"`
		Data  services.CampaignProgress `json:"data"`
	}
	read := func() message {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg message
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	}

	snapshot := read()
	require.Equal(t, "campaign.progress", snapshot.Event)
	require.Equal(t, int64(2), snapshot.Data.Stats.Pending)

	env.MarkSent(env.Deliveries(campaign.ID)[0], "SM00000000000000000000000000000001")

	update := read()
	require.Equal(t, campaign.ID, update.Data.CampaignID)
	require.Equal(t, int64(1), update.Data.Stats.Sent)
	require.Equal(t, int64(1), update.Data.Stats.Pending)
}

func TestCampaignHandler_StreamUnknownCampaign(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/api/campaigns/00000000-0000-0000-0000-000000000000/stream", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}
