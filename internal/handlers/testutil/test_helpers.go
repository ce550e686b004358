package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/api"
	"github.com/charlesng35/weddingdesk/internal/app"
	"github.com/charlesng35/weddingdesk/internal/database"
	sharedtestutil "github.com/charlesng35/weddingdesk/internal/database/testutil"
	"github.com/charlesng35/weddingdesk/internal/middleware"
	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/internal/queue"
	"github.com/charlesng35/weddingdesk/internal/realtime"
	"github.com/charlesng35/weddingdesk/internal/services"
	"github.com/charlesng35/weddingdesk/pkg/response"
)

const (
	// WebhookAuthToken signs provider callbacks in handler tests.
	WebhookAuthToken = "test-auth-token"
	// WebhookURL is the public callback URL the signatures are computed over.
	WebhookURL = "https://hooks.example.com/webhooks/messaging/status"
)

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T      *testing.T
	DB     *gorm.DB
	Router *gin.Engine
	Config *app.Config
	Queue  *queue.MemoryQueue
	Hub    *realtime.Hub

	Organizations *services.OrganizationService
	Entitlements  *services.EntitlementService
	Ledger        *services.LedgerService
	Campaigns     *services.CampaignService
	Tracker       *services.DeliveryTracker
}

// NewEnv provisions a fresh handler test environment with migrations and seed data applied.
// The delivery tracker runs for the lifetime of the test.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithSeedData())

	cfg := &app.Config{
		Messaging: app.MessagingConfig{
			Provider:       "twilio",
			VerifyWebhooks: true,
			Twilio: app.TwilioConfig{
				AuthToken:         WebhookAuthToken,
				StatusCallbackURL: WebhookURL,
			},
			BatchSize:        20,
			StaggerDelay:     time.Second,
			PerBatchEstimate: 2 * time.Second,
		},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
	}

	env := &Env{
		T:      t,
		DB:     db,
		Config: cfg,
		Queue:  queue.NewMemoryQueue(),
		Hub:    realtime.NewHub(),
	}
	t.Cleanup(func() { _ = env.Queue.Close() })

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)
	env.Organizations, err = services.NewOrganizationService(db, audit)
	require.NoError(t, err)
	env.Entitlements, err = services.NewEntitlementService(db, audit, nil, services.EntitlementConfig{CacheTTL: -1})
	require.NoError(t, err)
	env.Ledger, err = services.NewLedgerService(db, audit, services.LedgerConfig{CycleStartDay: 1})
	require.NoError(t, err)
	directory, err := services.NewDirectoryService(db)
	require.NoError(t, err)
	aggregator, err := services.NewStatusAggregator(db, env.Hub)
	require.NoError(t, err)
	env.Tracker, err = services.NewDeliveryTracker(db, env.Ledger, aggregator, services.TrackerConfig{
		CallbackRetries:    3,
		CallbackRetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	env.Campaigns, err = services.NewCampaignService(db, cfg.Messaging.CampaignServiceConfig(), services.CampaignServiceDeps{
		Audit:        audit,
		Entitlements: env.Entitlements,
		Ledger:       env.Ledger,
		Directory:    directory,
		Queue:        env.Queue,
		Tracker:      env.Tracker,
		Aggregator:   aggregator,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.Tracker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	env.Router, err = api.NewRouter(api.Dependencies{
		DB:            db,
		Config:        cfg,
		Organizations: env.Organizations,
		Entitlements:  env.Entitlements,
		Ledger:        env.Ledger,
		Campaigns:     env.Campaigns,
		Callbacks:     env.Tracker,
		Hub:           env.Hub,
	})
	require.NoError(t, err)

	return env
}

// CreateMessagingOrg creates an organization entitled to WhatsApp messaging
// with no message ceiling and the given pool balances.
func (e *Env) CreateMessagingOrg(allowance, purchased int64) *models.Organization {
	e.T.Helper()
	ctx := context.Background()

	org, err := e.Organizations.Create(ctx, services.CreateOrganizationInput{Name: "Ada & Sam", PlanTier: "premium"})
	require.NoError(e.T, err)
	_, err = e.Entitlements.SetOrganizationFeature(ctx, org.ID, database.FeatureWhatsAppMessaging, true)
	require.NoError(e.T, err)
	_, err = e.Ledger.SetLimit(ctx, org.ID, database.LimitMessages, models.UnlimitedLimit)
	require.NoError(e.T, err)

	if allowance > 0 {
		_, err = e.Ledger.RecordTopUp(ctx, org.ID, allowance, models.CreditPoolAllowance, "", "plan allowance")
		require.NoError(e.T, err)
	}
	if purchased > 0 {
		_, err = e.Ledger.RecordTopUp(ctx, org.ID, purchased, models.CreditPoolPurchased, "", "purchase")
		require.NoError(e.T, err)
	}
	return org
}

// CreateEvent inserts an event with guests on +14155550000, +14155550001, ...
func (e *Env) CreateEvent(orgID string, guests int) *models.Event {
	e.T.Helper()

	event := models.Event{
		OrganizationID: orgID,
		Name:           "Ada & Sam's Wedding",
		Date:           time.Date(2026, time.June, 20, 15, 0, 0, 0, time.UTC),
		Venue:          "Kew Gardens",
		RSVPBaseURL:    "https://rsvp.example.com/r/",
	}
	require.NoError(e.T, e.DB.Create(&event).Error)

	for i := 0; i < guests; i++ {
		guest := models.Guest{
			EventID:        event.ID,
			OrganizationID: orgID,
			Name:           fmt.Sprintf("Guest %02d", i),
			Phone:          fmt.Sprintf("+1415555%04d", i),
			RSVPStatus:     models.RSVPStatusPending,
			RSVPToken:      fmt.Sprintf("tok%04d", i),
		}
		require.NoError(e.T, e.DB.Create(&guest).Error)
	}
	return &event
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes a JSON request against the test router as actor.
func (e *Env) Request(method, path string, body any, actor string) *httptest.ResponseRecorder {
	e.T.Helper()

	var headers map[string]string
	if actor != "" {
		headers = map[string]string{middleware.HeaderActorID: actor}
	}
	return e.RequestWithHeaders(method, path, body, headers)
}

// RequestWithHeaders executes a JSON request adding headers verbatim.
func (e *Env) RequestWithHeaders(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// PostForm sends a form-encoded POST, adding headers verbatim.
func (e *Env) PostForm(path string, form url.Values, headers map[string]string) *httptest.ResponseRecorder {
	e.T.Helper()

	req, err := http.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	require.NoError(e.T, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// Deliveries returns the deliveries of a campaign ordered by batch.
func (e *Env) Deliveries(campaignID string) []models.Delivery {
	e.T.Helper()
	var deliveries []models.Delivery
	require.NoError(e.T, e.DB.Where("campaign_id = ?", campaignID).Order("batch ASC").Order("created_at ASC").Find(&deliveries).Error)
	return deliveries
}

// MarkSent debits and sends a delivery the way the dispatcher does.
func (e *Env) MarkSent(d models.Delivery, sid string) {
	e.T.Helper()
	ctx := context.Background()
	_, err := e.Ledger.RecordConsumption(ctx, d.OrganizationID, 1, d.DispatchToken, services.ConsumptionRef{DeliveryID: d.ID})
	require.NoError(e.T, err)
	_, err = e.Tracker.Apply(ctx, services.TransitionCommand{
		DeliveryID:        d.ID,
		To:                models.DeliveryStatusSent,
		ProviderMessageID: sid,
		Source:            services.SourceDispatch,
	})
	require.NoError(e.T, err)
}
