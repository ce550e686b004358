package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/auditctx"
	"github.com/charlesng35/weddingdesk/internal/database"
	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/internal/queue"
	"github.com/charlesng35/weddingdesk/pkg/logger"
	"github.com/charlesng35/weddingdesk/pkg/metrics"
)

const (
	defaultBatchSize        = 20
	defaultStaggerDelay     = time.Second
	defaultPerBatchEstimate = 2 * time.Second
)

// CampaignConfig tunes batching and the processing estimate.
type CampaignConfig struct {
	BatchSize        int
	StaggerDelay     time.Duration
	PerBatchEstimate time.Duration
}

func (c CampaignConfig) withDefaults() CampaignConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.StaggerDelay < 0 {
		c.StaggerDelay = 0
	} else if c.StaggerDelay == 0 {
		c.StaggerDelay = defaultStaggerDelay
	}
	if c.PerBatchEstimate <= 0 {
		c.PerBatchEstimate = defaultPerBatchEstimate
	}
	return c
}

// CampaignServiceDeps are the collaborators of the campaign service.
type CampaignServiceDeps struct {
	Audit        *AuditService
	Entitlements *EntitlementService
	Ledger       *LedgerService
	Directory    *DirectoryService
	Queue        queue.Queue
	Tracker      *DeliveryTracker
	Aggregator   *StatusAggregator
}

// CreateCampaignInput describes a new campaign.
type CreateCampaignInput struct {
	EventID         string
	Name            string
	TemplateID      string
	VariableKeys    []string
	RecipientFilter models.RecipientFilter
}

// AdmissionResult is returned when a campaign is accepted for sending.
type AdmissionResult struct {
	Campaign         *models.Campaign `json:"campaign"`
	Recipients       int              `json:"recipients"`
	Batches          int              `json:"batches"`
	EstimatedSeconds int64            `json:"estimated_seconds"`
}

// CampaignDetail is a campaign with its derived stats.
type CampaignDetail struct {
	Campaign         *models.Campaign `json:"campaign"`
	Stats            CampaignStats    `json:"stats"`
	Batches          int              `json:"batches"`
	EstimatedSeconds int64            `json:"estimated_seconds"`
}

// CampaignService creates, admits and cancels campaigns.
type CampaignService struct {
	db           *gorm.DB
	cfg          CampaignConfig
	audit        *AuditService
	entitlements *EntitlementService
	ledger       *LedgerService
	directory    *DirectoryService
	queue        queue.Queue
	tracker      *DeliveryTracker
	aggregator   *StatusAggregator
	now          func() time.Time
	log          *zap.Logger
}

// NewCampaignService constructs a CampaignService.
func NewCampaignService(db *gorm.DB, cfg CampaignConfig, deps CampaignServiceDeps) (*CampaignService, error) {
	if db == nil {
		return nil, errors.New("campaign service: db is required")
	}
	switch {
	case deps.Entitlements == nil:
		return nil, errors.New("campaign service: entitlements are required")
	case deps.Ledger == nil:
		return nil, errors.New("campaign service: ledger is required")
	case deps.Directory == nil:
		return nil, errors.New("campaign service: directory is required")
	case deps.Queue == nil:
		return nil, errors.New("campaign service: queue is required")
	case deps.Tracker == nil:
		return nil, errors.New("campaign service: tracker is required")
	case deps.Aggregator == nil:
		return nil, errors.New("campaign service: aggregator is required")
	}

	return &CampaignService{
		db:           db,
		cfg:          cfg.withDefaults(),
		audit:        deps.Audit,
		entitlements: deps.Entitlements,
		ledger:       deps.Ledger,
		directory:    deps.Directory,
		queue:        deps.Queue,
		tracker:      deps.Tracker,
		aggregator:   deps.Aggregator,
		now:          time.Now,
		log:          logger.WithModule("campaigns"),
	}, nil
}

// Create stores a new campaign in CREATED state.
func (s *CampaignService) Create(ctx context.Context, orgID string, input CreateCampaignInput) (*models.Campaign, error) {
	ctx = ensureContext(ctx)
	orgID = strings.TrimSpace(orgID)

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, invalidInput("campaign name is required")
	}
	templateID := strings.TrimSpace(input.TemplateID)
	if templateID == "" {
		return nil, invalidInput("template id is required")
	}

	keys := make([]string, 0, len(input.VariableKeys))
	for _, key := range input.VariableKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, invalidInput("template variable keys must not be empty")
		}
		keys = append(keys, key)
	}

	event, err := s.directory.GetEvent(ctx, orgID, input.EventID)
	if err != nil {
		return nil, err
	}

	filter := models.RecipientFilter{
		GuestIDs:     normaliseIDs(input.RecipientFilter.GuestIDs),
		RSVPStatuses: normaliseStatuses(input.RecipientFilter.RSVPStatuses),
	}

	campaign := &models.Campaign{
		OrganizationID:  orgID,
		EventID:         event.ID,
		Name:            name,
		TemplateID:      templateID,
		VariableKeys:    datatypes.NewJSONSlice(keys),
		RecipientFilter: datatypes.NewJSONType(filter),
		Status:          models.CampaignStatusCreated,
		CreatedByID:     auditctx.ActorID(ctx, "system"),
	}
	if err := s.db.WithContext(ctx).Create(campaign).Error; err != nil {
		return nil, fmt.Errorf("campaign service: create: %w", err)
	}

	recordAudit(s.audit, ctx, AuditEntry{
		OrganizationID: orgID,
		Action:         "campaign.create",
		Resource:       campaign.ID,
		Result:         "success",
		Metadata: map[string]any{
			"event_id":    event.ID,
			"template_id": templateID,
		},
	})

	return campaign, nil
}

// Get loads a campaign.
func (s *CampaignService) Get(ctx context.Context, id string) (*models.Campaign, error) {
	ctx = ensureContext(ctx)

	var campaign models.Campaign
	if err := s.db.WithContext(ctx).First(&campaign, "id = ?", strings.TrimSpace(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("campaign service: get: %w", err)
	}
	return &campaign, nil
}

// Admit resolves the campaign's recipients from the guest directory and admits them.
func (s *CampaignService) Admit(ctx context.Context, id string) (*AdmissionResult, error) {
	ctx = ensureContext(ctx)

	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.Status != models.CampaignStatusCreated {
		return nil, fmt.Errorf("%w: campaign is %s", ErrCampaignState, campaign.Status)
	}

	recipients, err := s.directory.Recipients(ctx, campaign.OrganizationID, campaign.EventID, campaign.RecipientFilter.Data())
	if err != nil {
		return nil, err
	}
	return s.AdmitRecipients(ctx, campaign, recipients)
}

// AdmitRecipients gates the campaign on the messaging entitlement and the
// remaining message capacity. On acceptance the campaign moves to SENDING, one
// PENDING delivery is created per recipient and the batches are scheduled with
// a fixed stagger. A rejection leaves no deliveries behind.
func (s *CampaignService) AdmitRecipients(ctx context.Context, campaign *models.Campaign, recipients []Recipient) (*AdmissionResult, error) {
	ctx = ensureContext(ctx)
	if campaign == nil {
		return nil, invalidInput("campaign is required")
	}

	result, err := s.admit(ctx, campaign, recipients)
	switch {
	case err == nil:
		metrics.CampaignAdmissions.WithLabelValues("accepted").Inc()
	case errors.Is(err, ErrEntitlementDenied):
		metrics.CampaignAdmissions.WithLabelValues("entitlement_denied").Inc()
	case errors.Is(err, ErrInsufficientCredits):
		metrics.CampaignAdmissions.WithLabelValues("insufficient_credits").Inc()
	default:
		metrics.CampaignAdmissions.WithLabelValues("error").Inc()
	}

	outcome := "success"
	if err != nil {
		outcome = "rejected"
	}
	metadata := map[string]any{"recipients": len(recipients)}
	if err != nil {
		metadata["reason"] = err.Error()
	}
	recordAudit(s.audit, ctx, AuditEntry{
		OrganizationID: campaign.OrganizationID,
		Action:         "campaign.admit",
		Resource:       campaign.ID,
		Result:         outcome,
		Metadata:       metadata,
	})

	return result, err
}

func (s *CampaignService) admit(ctx context.Context, campaign *models.Campaign, recipients []Recipient) (*AdmissionResult, error) {
	if campaign.Status != models.CampaignStatusCreated {
		return nil, fmt.Errorf("%w: campaign is %s", ErrCampaignState, campaign.Status)
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	if err := s.entitlements.Require(ctx, campaign.OrganizationID, database.FeatureWhatsAppMessaging); err != nil {
		return nil, err
	}

	capacity, err := s.ledger.RemainingCapacity(ctx, campaign.OrganizationID, database.LimitMessages)
	if err != nil {
		return nil, err
	}
	if capacity < int64(len(recipients)) {
		return nil, fmt.Errorf("%w: need %d, remaining %d", ErrInsufficientCredits, len(recipients), capacity)
	}

	batches := PartitionBatches(recipients, s.cfg.BatchSize)
	admittedAt := s.now().UTC()
	tasks := make([]queue.Task, 0, len(batches))

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Campaign{}).
			Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusCreated).
			Updates(map[string]any{
				"status":      models.CampaignStatusSending,
				"admitted_at": admittedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: campaign was admitted concurrently", ErrCampaignState)
		}

		for index, batch := range batches {
			deliveries := make([]models.Delivery, 0, len(batch))
			for _, recipient := range batch {
				deliveries = append(deliveries, models.Delivery{
					CampaignID:        campaign.ID,
					OrganizationID:    campaign.OrganizationID,
					GuestID:           recipient.GuestID,
					Phone:             recipient.Phone,
					Status:            models.DeliveryStatusPending,
					TemplateVariables: datatypes.NewJSONType(recipient.Variables),
					DispatchToken:     uuid.NewString(),
					Batch:             index,
				})
			}
			if err := tx.Create(&deliveries).Error; err != nil {
				return err
			}

			ids := make([]string, 0, len(deliveries))
			for _, d := range deliveries {
				ids = append(ids, d.ID)
			}
			tasks = append(tasks, queue.Task{
				CampaignID:  campaign.ID,
				Batch:       index,
				DeliveryIDs: ids,
				NotBefore:   admittedAt.Add(time.Duration(index) * s.cfg.StaggerDelay),
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCampaignState) {
			return nil, err
		}
		return nil, fmt.Errorf("campaign service: admit: %w", err)
	}

	campaign.Status = models.CampaignStatusSending
	campaign.AdmittedAt = &admittedAt

	for _, task := range tasks {
		if err := s.queue.Enqueue(ctx, task); err != nil {
			// The reconciliation sweep re-enqueues deliveries left PENDING.
			s.log.Error("enqueue batch",
				zap.String("campaign_id", campaign.ID),
				zap.Int("batch", task.Batch),
				zap.Error(err),
			)
		}
	}

	estimate := EstimateProcessingSeconds(len(batches), s.cfg.StaggerDelay, s.cfg.PerBatchEstimate)
	s.log.Info("campaign admitted",
		zap.String("campaign_id", campaign.ID),
		zap.String("organization_id", campaign.OrganizationID),
		zap.Int("recipients", len(recipients)),
		zap.Int("batches", len(batches)),
		zap.Int64("estimated_seconds", estimate),
	)

	return &AdmissionResult{
		Campaign:         campaign,
		Recipients:       len(recipients),
		Batches:          len(batches),
		EstimatedSeconds: estimate,
	}, nil
}

// Cancel stops a SENDING campaign. Deliveries no sender has claimed yet are
// failed atomically with the cancellation; claimed ones finish normally and
// already-sent messages keep their charge.
func (s *CampaignService) Cancel(ctx context.Context, id string) (*CampaignProgress, error) {
	ctx = ensureContext(ctx)

	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var failed int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		res := tx.Model(&models.Campaign{}).
			Where("id = ? AND status = ? AND cancelled_at IS NULL", campaign.ID, models.CampaignStatusSending).
			Update("cancelled_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: only a sending campaign can be cancelled", ErrCampaignState)
		}

		failed, err = s.tracker.FailUnclaimed(tx, campaign.ID, ReasonCampaignCancelled)
		return err
	})
	if err != nil {
		recordAudit(s.audit, ctx, AuditEntry{
			OrganizationID: campaign.OrganizationID,
			Action:         "campaign.cancel",
			Resource:       campaign.ID,
			Result:         "failure",
			Metadata:       map[string]any{"reason": err.Error()},
		})
		if errors.Is(err, ErrCampaignState) {
			return nil, err
		}
		return nil, fmt.Errorf("campaign service: cancel: %w", err)
	}

	s.log.Info("campaign cancelled", zap.String("campaign_id", campaign.ID), zap.Int64("failed_deliveries", failed))
	recordAudit(s.audit, ctx, AuditEntry{
		OrganizationID: campaign.OrganizationID,
		Action:         "campaign.cancel",
		Resource:       campaign.ID,
		Result:         "success",
		Metadata:       map[string]any{"failed_deliveries": failed},
	})

	return s.aggregator.Refresh(ctx, campaign.ID)
}

// Stats returns the derived delivery counts of a campaign.
func (s *CampaignService) Stats(ctx context.Context, id string) (CampaignStats, error) {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return CampaignStats{}, err
	}
	return s.aggregator.Stats(ctx, campaign.ID)
}

// Detail returns the campaign with its stats and processing estimate.
func (s *CampaignService) Detail(ctx context.Context, id string) (*CampaignDetail, error) {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.aggregator.Stats(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}

	batches := BatchCount(int(stats.Total), s.cfg.BatchSize)
	return &CampaignDetail{
		Campaign:         campaign,
		Stats:            stats,
		Batches:          batches,
		EstimatedSeconds: EstimateProcessingSeconds(batches, s.cfg.StaggerDelay, s.cfg.PerBatchEstimate),
	}, nil
}

// ListDeliveries pages through a campaign's deliveries, optionally filtered by status.
func (s *CampaignService) ListDeliveries(ctx context.Context, id string, status models.DeliveryStatus, page, perPage int) ([]models.Delivery, int64, error) {
	ctx = ensureContext(ctx)
	page, perPage = normalisePage(page, perPage)

	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}

	query := s.db.WithContext(ctx).Model(&models.Delivery{}).Where("campaign_id = ?", campaign.ID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("campaign service: count deliveries: %w", err)
	}

	var deliveries []models.Delivery
	if err := query.
		Order("batch ASC").
		Order("created_at ASC").
		Order("id ASC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&deliveries).Error; err != nil {
		return nil, 0, fmt.Errorf("campaign service: list deliveries: %w", err)
	}
	return deliveries, total, nil
}
