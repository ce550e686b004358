package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/pkg/logger"
)

// CampaignStats counts a campaign's deliveries per state. It is always derived
// from the delivery rows and never stored.
type CampaignStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Complete reports whether every delivery reached a terminal state.
func (s CampaignStats) Complete() bool {
	return s.Pending+s.Sent == 0
}

// CampaignProgress is the status and stats of a campaign at one point in time.
type CampaignProgress struct {
	CampaignID string                `json:"campaign_id"`
	Status     models.CampaignStatus `json:"status"`
	Cancelled  bool                  `json:"cancelled"`
	Stats      CampaignStats         `json:"stats"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// ProgressNotifier receives campaign progress after every refresh.
type ProgressNotifier interface {
	PublishProgress(progress CampaignProgress)
}

// StatusAggregator rolls delivery states up into the campaign status.
type StatusAggregator struct {
	db       *gorm.DB
	notifier ProgressNotifier
	now      func() time.Time
	log      *zap.Logger
}

// NewStatusAggregator constructs a StatusAggregator. notifier may be nil.
func NewStatusAggregator(db *gorm.DB, notifier ProgressNotifier) (*StatusAggregator, error) {
	if db == nil {
		return nil, errors.New("status aggregator: db is required")
	}
	return &StatusAggregator{
		db:       db,
		notifier: notifier,
		now:      time.Now,
		log:      logger.WithModule("aggregator"),
	}, nil
}

// Stats returns the delivery counts of a campaign.
func (a *StatusAggregator) Stats(ctx context.Context, campaignID string) (CampaignStats, error) {
	ctx = ensureContext(ctx)
	stats, err := campaignStats(a.db.WithContext(ctx), campaignID)
	if err != nil {
		return CampaignStats{}, fmt.Errorf("status aggregator: stats: %w", err)
	}
	return stats, nil
}

// Refresh recomputes the campaign status, completing a SENDING campaign once
// all of its deliveries are terminal, and publishes the resulting progress.
func (a *StatusAggregator) Refresh(ctx context.Context, campaignID string) (*CampaignProgress, error) {
	ctx = ensureContext(ctx)
	db := a.db.WithContext(ctx)

	var campaign models.Campaign
	if err := db.First(&campaign, "id = ?", campaignID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("status aggregator: load campaign: %w", err)
	}

	stats, err := campaignStats(db, campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("status aggregator: stats: %w", err)
	}

	if campaign.Status == models.CampaignStatusSending && stats.Total > 0 && stats.Complete() {
		now := a.now().UTC()
		res := db.Model(&models.Campaign{}).
			Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusSending).
			Updates(map[string]any{
				"status":       models.CampaignStatusCompleted,
				"completed_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("status aggregator: complete campaign: %w", res.Error)
		}
		campaign.Status = models.CampaignStatusCompleted
		if res.RowsAffected > 0 {
			a.log.Info("campaign completed",
				zap.String("campaign_id", campaign.ID),
				zap.Int64("delivered", stats.Delivered),
				zap.Int64("failed", stats.Failed),
			)
		}
	}

	progress := &CampaignProgress{
		CampaignID: campaign.ID,
		Status:     campaign.Status,
		Cancelled:  campaign.IsCancelled(),
		Stats:      stats,
		UpdatedAt:  a.now().UTC(),
	}
	if a.notifier != nil {
		a.notifier.PublishProgress(*progress)
	}
	return progress, nil
}

func campaignStats(db *gorm.DB, campaignID string) (CampaignStats, error) {
	type row struct {
		Status models.DeliveryStatus
		Count  int64
	}
	var rows []row
	if err := db.Model(&models.Delivery{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return CampaignStats{}, err
	}

	var stats CampaignStats
	for _, r := range rows {
		stats.Total += r.Count
		switch r.Status {
		case models.DeliveryStatusPending:
			stats.Pending = r.Count
		case models.DeliveryStatusSent:
			stats.Sent = r.Count
		case models.DeliveryStatusDelivered:
			stats.Delivered = r.Count
		case models.DeliveryStatusFailed:
			stats.Failed = r.Count
		}
	}
	return stats, nil
}
