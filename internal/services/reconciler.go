package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/internal/queue"
	"github.com/charlesng35/weddingdesk/pkg/logger"
)

// ReconcilerConfig tunes the reconciliation sweep.
type ReconcilerConfig struct {
	// PendingTimeout is how long an unclaimed delivery may stay PENDING past
	// its scheduled batch time.
	PendingTimeout time.Duration
	// ClaimTTL is how long a claimed delivery is considered in flight.
	ClaimTTL time.Duration
	// MaxDispatchAttempts bounds how many claims a delivery gets before it is failed.
	MaxDispatchAttempts int
	// SentExpiry fails SENT deliveries whose receipt never arrived.
	SentExpiry   time.Duration
	StaggerDelay time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 10 * time.Minute
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 5 * time.Minute
	}
	if c.MaxDispatchAttempts <= 0 {
		c.MaxDispatchAttempts = 3
	}
	if c.SentExpiry <= 0 {
		c.SentExpiry = 72 * time.Hour
	}
	if c.StaggerDelay < 0 {
		c.StaggerDelay = 0
	}
	return c
}

// ReconcileReport summarises one sweep.
type ReconcileReport struct {
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Completed int `json:"completed"`
}

// Reconciler recovers deliveries stuck in PENDING or SENT so every campaign
// eventually completes.
type Reconciler struct {
	db         *gorm.DB
	queue      queue.Queue
	tracker    *DeliveryTracker
	aggregator *StatusAggregator
	cfg        ReconcilerConfig
	now        func() time.Time
	log        *zap.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(db *gorm.DB, q queue.Queue, tracker *DeliveryTracker, aggregator *StatusAggregator, cfg ReconcilerConfig) (*Reconciler, error) {
	switch {
	case db == nil:
		return nil, errors.New("reconciler: db is required")
	case q == nil:
		return nil, errors.New("reconciler: queue is required")
	case tracker == nil:
		return nil, errors.New("reconciler: tracker is required")
	case aggregator == nil:
		return nil, errors.New("reconciler: aggregator is required")
	}
	return &Reconciler{
		db:         db,
		queue:      q,
		tracker:    tracker,
		aggregator: aggregator,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		log:        logger.WithModule("reconciler"),
	}, nil
}

// Reconcile runs one sweep over every SENDING campaign.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	ctx = ensureContext(ctx)
	var report ReconcileReport

	var campaigns []models.Campaign
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.CampaignStatusSending).
		Order("admitted_at ASC").
		Find(&campaigns).Error; err != nil {
		return report, fmt.Errorf("reconciler: list sending campaigns: %w", err)
	}

	for i := range campaigns {
		requeued, failed, err := r.recoverPending(ctx, &campaigns[i])
		report.Requeued += requeued
		report.Failed += failed
		if err != nil {
			return report, err
		}
	}

	expired, err := r.tracker.ExpireSent(ctx, r.now().Add(-r.cfg.SentExpiry))
	report.Expired = expired
	if err != nil {
		return report, fmt.Errorf("reconciler: expire sent: %w", err)
	}

	for _, campaign := range campaigns {
		progress, err := r.aggregator.Refresh(ctx, campaign.ID)
		if err != nil {
			return report, fmt.Errorf("reconciler: refresh campaign %s: %w", campaign.ID, err)
		}
		if progress.Status == models.CampaignStatusCompleted {
			report.Completed++
		}
	}

	if report != (ReconcileReport{}) {
		r.log.Info("reconciliation sweep",
			zap.Int("requeued", report.Requeued),
			zap.Int("failed", report.Failed),
			zap.Int("expired", report.Expired),
			zap.Int("completed", report.Completed),
		)
	}
	return report, nil
}

// recoverPending re-enqueues stale PENDING deliveries of one campaign, failing
// those that exhausted their dispatch attempts or belong to a cancelled campaign.
func (r *Reconciler) recoverPending(ctx context.Context, campaign *models.Campaign) (int, int, error) {
	var pending []models.Delivery
	if err := r.db.WithContext(ctx).
		Select("id", "batch", "attempts", "claimed_at", "created_at").
		Where("campaign_id = ? AND status = ?", campaign.ID, models.DeliveryStatusPending).
		Find(&pending).Error; err != nil {
		return 0, 0, fmt.Errorf("reconciler: list pending deliveries: %w", err)
	}

	now := r.now().UTC()
	pendingCutoff := now.Add(-r.cfg.PendingTimeout)
	claimCutoff := now.Add(-r.cfg.ClaimTTL)
	byBatch := make(map[int][]string)
	requeued, failed := 0, 0

	for _, d := range pending {
		if !r.stale(d, pendingCutoff, claimCutoff) {
			continue
		}

		reason := ""
		switch {
		case campaign.IsCancelled():
			reason = ReasonCampaignCancelled
		case d.Attempts >= r.cfg.MaxDispatchAttempts:
			reason = ReasonDispatchExhausted
		}
		if reason != "" {
			_, err := r.tracker.Apply(ctx, TransitionCommand{
				DeliveryID:   d.ID,
				To:           models.DeliveryStatusFailed,
				ErrorMessage: reason,
				Source:       SourceReconcile,
			})
			if err != nil && !errors.Is(err, ErrDuplicateCallback) && !errors.Is(err, ErrInvalidTransition) {
				return requeued, failed, fmt.Errorf("reconciler: fail delivery %s: %w", d.ID, err)
			}
			if err == nil {
				failed++
			}
			continue
		}

		res := r.db.WithContext(ctx).Model(&models.Delivery{}).
			Where("id = ? AND status = ? AND (claimed_at IS NULL OR claimed_at < ?)", d.ID, models.DeliveryStatusPending, claimCutoff).
			Update("claimed_at", nil)
		if res.Error != nil {
			return requeued, failed, fmt.Errorf("reconciler: release delivery %s: %w", d.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		byBatch[d.Batch] = append(byBatch[d.Batch], d.ID)
	}

	batches := make([]int, 0, len(byBatch))
	for batch := range byBatch {
		batches = append(batches, batch)
	}
	sort.Ints(batches)

	for _, batch := range batches {
		ids := byBatch[batch]
		task := queue.Task{
			CampaignID:  campaign.ID,
			Batch:       batch,
			DeliveryIDs: ids,
			NotBefore:   now,
		}
		if err := r.queue.Enqueue(ctx, task); err != nil {
			return requeued, failed, fmt.Errorf("reconciler: enqueue batch %d: %w", batch, err)
		}
		requeued += len(ids)
		r.log.Info("requeued stale deliveries",
			zap.String("campaign_id", campaign.ID),
			zap.Int("batch", batch),
			zap.Int("deliveries", len(ids)),
		)
	}
	return requeued, failed, nil
}

// stale reports whether a PENDING delivery is overdue. Claimed deliveries are
// measured from their claim, unclaimed ones from their scheduled batch time.
func (r *Reconciler) stale(d models.Delivery, pendingCutoff, claimCutoff time.Time) bool {
	if d.ClaimedAt != nil {
		return d.ClaimedAt.Before(claimCutoff)
	}
	due := d.CreatedAt.Add(time.Duration(d.Batch) * r.cfg.StaggerDelay)
	return due.Before(pendingCutoff)
}
