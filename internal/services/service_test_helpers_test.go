package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/database"
	"github.com/charlesng35/weddingdesk/internal/database/testutil"
	"github.com/charlesng35/weddingdesk/internal/messaging"
	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/internal/queue"
)

// fakeProvider records sends and answers them with sequential message ids.
// fail, when set, may return an error for a given call number (1-based).
type fakeProvider struct {
	mu    sync.Mutex
	calls []messaging.SendRequest
	fail  func(req messaging.SendRequest, call int) error
	seq   int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(_ context.Context, req messaging.SendRequest) (messaging.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, req)
	if p.fail != nil {
		if err := p.fail(req, len(p.calls)); err != nil {
			return messaging.SendResult{}, err
		}
	}
	p.seq++
	return messaging.SendResult{MessageID: fmt.Sprintf("SM%032d", p.seq), Status: "queued"}, nil
}

func (p *fakeProvider) Calls() []messaging.SendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]messaging.SendRequest(nil), p.calls...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []CampaignProgress
}

func (n *recordingNotifier) PublishProgress(progress CampaignProgress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, progress)
}

func (n *recordingNotifier) Last() (CampaignProgress, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.updates) == 0 {
		return CampaignProgress{}, false
	}
	return n.updates[len(n.updates)-1], true
}

type testEnv struct {
	db           *gorm.DB
	audit        *AuditService
	orgs         *OrganizationService
	entitlements *EntitlementService
	ledger       *LedgerService
	directory    *DirectoryService
	aggregator   *StatusAggregator
	tracker      *DeliveryTracker
	campaigns    *CampaignService
	dispatcher   *Dispatcher
	reconciler   *Reconciler
	queue        *queue.MemoryQueue
	provider     *fakeProvider
	notifier     *recordingNotifier
}

type testEnvConfig struct {
	campaign   CampaignConfig
	dispatch   DispatcherConfig
	reconciler ReconcilerConfig
}

func newTestEnv(t *testing.T, opts ...func(*testEnvConfig)) *testEnv {
	t.Helper()

	cfg := testEnvConfig{
		campaign: CampaignConfig{BatchSize: 20, StaggerDelay: time.Second, PerBatchEstimate: 2 * time.Second},
		dispatch: DispatcherConfig{
			Workers:              2,
			SendConcurrency:      3,
			MaxSendAttempts:      3,
			RetryInitialInterval: time.Millisecond,
			RetryMaxInterval:     5 * time.Millisecond,
			RetryDelay:           10 * time.Millisecond,
			MaxTaskAttempts:      3,
		},
		reconciler: ReconcilerConfig{
			PendingTimeout:      10 * time.Minute,
			ClaimTTL:            5 * time.Minute,
			MaxDispatchAttempts: 3,
			SentExpiry:          72 * time.Hour,
			StaggerDelay:        time.Second,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	env := &testEnv{
		db:       db,
		queue:    queue.NewMemoryQueue(),
		provider: &fakeProvider{},
		notifier: &recordingNotifier{},
	}
	t.Cleanup(func() { _ = env.queue.Close() })

	var err error
	env.audit, err = NewAuditService(db)
	require.NoError(t, err)
	env.orgs, err = NewOrganizationService(db, env.audit)
	require.NoError(t, err)
	env.entitlements, err = NewEntitlementService(db, env.audit, nil, EntitlementConfig{CacheTTL: -1})
	require.NoError(t, err)
	env.ledger, err = NewLedgerService(db, env.audit, LedgerConfig{CycleStartDay: 1})
	require.NoError(t, err)
	env.directory, err = NewDirectoryService(db)
	require.NoError(t, err)
	env.aggregator, err = NewStatusAggregator(db, env.notifier)
	require.NoError(t, err)
	env.tracker, err = NewDeliveryTracker(db, env.ledger, env.aggregator, TrackerConfig{
		CallbackRetries:    3,
		CallbackRetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	env.campaigns, err = NewCampaignService(db, cfg.campaign, CampaignServiceDeps{
		Audit:        env.audit,
		Entitlements: env.entitlements,
		Ledger:       env.ledger,
		Directory:    env.directory,
		Queue:        env.queue,
		Tracker:      env.tracker,
		Aggregator:   env.aggregator,
	})
	require.NoError(t, err)
	env.dispatcher, err = NewDispatcher(db, env.queue, env.provider, env.ledger, env.tracker, cfg.dispatch)
	require.NoError(t, err)
	env.reconciler, err = NewReconciler(db, env.queue, env.tracker, env.aggregator, cfg.reconciler)
	require.NoError(t, err)

	return env
}

// newMessagingOrg creates an active organization entitled to WhatsApp
// messaging with an unlimited message limit and the given pool balances.
func (e *testEnv) newMessagingOrg(t *testing.T, allowance, purchased int64) *models.Organization {
	t.Helper()
	ctx := context.Background()

	org, err := e.orgs.Create(ctx, CreateOrganizationInput{Name: "Ada & Sam", PlanTier: "premium"})
	require.NoError(t, err)

	_, err = e.entitlements.SetOrganizationFeature(ctx, org.ID, database.FeatureWhatsAppMessaging, true)
	require.NoError(t, err)
	_, err = e.ledger.SetLimit(ctx, org.ID, database.LimitMessages, models.UnlimitedLimit)
	require.NoError(t, err)

	if allowance > 0 {
		_, err = e.ledger.RecordTopUp(ctx, org.ID, allowance, models.CreditPoolAllowance, "", "plan allowance")
		require.NoError(t, err)
	}
	if purchased > 0 {
		_, err = e.ledger.RecordTopUp(ctx, org.ID, purchased, models.CreditPoolPurchased, "", "purchase")
		require.NoError(t, err)
	}
	return org
}

// newEvent creates an event with guests phone numbers +14155550000, +14155550001, ...
func (e *testEnv) newEvent(t *testing.T, orgID string, guests int) *models.Event {
	t.Helper()

	event := models.Event{
		OrganizationID: orgID,
		Name:           "Ada & Sam's Wedding",
		Date:           time.Date(2026, time.June, 20, 15, 0, 0, 0, time.UTC),
		Venue:          "Kew Gardens",
		RSVPBaseURL:    "https://rsvp.example.com/r/",
	}
	require.NoError(t, e.db.Create(&event).Error)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < guests; i++ {
		guest := models.Guest{
			BaseModel:      models.BaseModel{CreatedAt: base.Add(time.Duration(i) * time.Second)},
			EventID:        event.ID,
			OrganizationID: orgID,
			Name:           fmt.Sprintf("Guest %02d", i),
			Phone:          fmt.Sprintf("+1415555%04d", i),
			RSVPStatus:     models.RSVPStatusPending,
			RSVPToken:      fmt.Sprintf("tok%04d", i),
			Attributes:     datatypes.NewJSONType(map[string]string{"table": fmt.Sprintf("%d", i%5+1)}),
		}
		require.NoError(t, e.db.Create(&guest).Error)
	}
	return &event
}

func (e *testEnv) newCampaign(t *testing.T, orgID, eventID string) *models.Campaign {
	t.Helper()

	campaign, err := e.campaigns.Create(context.Background(), orgID, CreateCampaignInput{
		EventID:      eventID,
		Name:         "Save the date",
		TemplateID:   "HX0123456789abcdef0123456789abcdef",
		VariableKeys: []string{models.TemplateKeyGuestName, models.TemplateKeyEventDate},
	})
	require.NoError(t, err)
	return campaign
}

func (e *testEnv) deliveries(t *testing.T, campaignID string) []models.Delivery {
	t.Helper()
	var deliveries []models.Delivery
	require.NoError(t, e.db.Where("campaign_id = ?", campaignID).Order("batch ASC").Order("created_at ASC").Find(&deliveries).Error)
	return deliveries
}

// tasksFor builds one queue task per batch straight from the delivery rows.
func (e *testEnv) tasksFor(t *testing.T, campaignID string) []queue.Task {
	t.Helper()
	byBatch := map[int][]string{}
	maxBatch := -1
	for _, d := range e.deliveries(t, campaignID) {
		byBatch[d.Batch] = append(byBatch[d.Batch], d.ID)
		maxBatch = max(maxBatch, d.Batch)
	}
	tasks := make([]queue.Task, 0, maxBatch+1)
	for b := 0; b <= maxBatch; b++ {
		tasks = append(tasks, queue.Task{ID: fmt.Sprintf("task-%d", b), CampaignID: campaignID, Batch: b, DeliveryIDs: byBatch[b], Attempt: 1})
	}
	return tasks
}

func (e *testEnv) balances(t *testing.T, orgID string) PoolBalances {
	t.Helper()
	balances, err := e.ledger.Balances(context.Background(), orgID)
	require.NoError(t, err)
	return balances
}

func (e *testEnv) campaignStatus(t *testing.T, id string) models.CampaignStatus {
	t.Helper()
	campaign, err := e.campaigns.Get(context.Background(), id)
	require.NoError(t, err)
	return campaign.Status
}

// admitCampaign creates an event with the given guests and admits a campaign for it.
func (e *testEnv) admitCampaign(t *testing.T, orgID string, guests int) (*models.Campaign, []models.Delivery) {
	t.Helper()
	event := e.newEvent(t, orgID, guests)
	campaign := e.newCampaign(t, orgID, event.ID)
	_, err := e.campaigns.Admit(context.Background(), campaign.ID)
	require.NoError(t, err)
	return campaign, e.deliveries(t, campaign.ID)
}

// markSent debits and sends a delivery the way the dispatcher does.
func (e *testEnv) markSent(t *testing.T, d models.Delivery, sid string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.ledger.RecordConsumption(ctx, d.OrganizationID, 1, d.DispatchToken, ConsumptionRef{DeliveryID: d.ID})
	require.NoError(t, err)
	_, err = e.tracker.Apply(ctx, TransitionCommand{DeliveryID: d.ID, To: models.DeliveryStatusSent, ProviderMessageID: sid, Source: SourceDispatch})
	require.NoError(t, err)
}

func (e *testEnv) delivery(t *testing.T, id string) models.Delivery {
	t.Helper()
	var d models.Delivery
	require.NoError(t, e.db.First(&d, "id = ?", id).Error)
	return d
}
