package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/messaging"
	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/pkg/logger"
	"github.com/charlesng35/weddingdesk/pkg/metrics"
)

// Transition sources.
const (
	SourceDispatch  = "dispatch"
	SourceCallback  = "callback"
	SourceReconcile = "reconcile"
	SourceCancel    = "cancel"
)

// Failure reasons recorded by the engine itself.
const (
	ReasonCampaignCancelled   = "campaign cancelled"
	ReasonReceiptNotReceived  = "delivery receipt not received"
	ReasonDispatchExhausted   = "dispatch attempts exhausted"
	ReasonInsufficientCredits = "insufficient credits"
)

const (
	defaultCallbackRetries    = 5
	defaultCallbackRetryDelay = 2 * time.Second
	defaultTrackerBuffer      = 256
	defaultTrackerDrain       = 10 * time.Second
	maxTransitionAttempts     = 3
)

// ErrTrackerStopped is returned by Submit once the tracker loop has exited.
var ErrTrackerStopped = errors.New("delivery tracker: stopped")

// TransitionCommand asks the tracker to move one delivery to a new state. The
// delivery is addressed by DeliveryID or, for provider callbacks, by MessageSID.
type TransitionCommand struct {
	DeliveryID        string
	MessageSID        string
	To                models.DeliveryStatus
	ProviderMessageID string
	ErrorMessage      string
	Source            string
}

// TrackerConfig tunes callback handling.
type TrackerConfig struct {
	// CallbackRetries bounds how often a callback for an unknown message id is retried.
	CallbackRetries    int
	CallbackRetryDelay time.Duration
	Buffer             int
	// DrainTimeout bounds how long Run keeps applying buffered callbacks after
	// its context ends.
	DrainTimeout time.Duration
}

type trackerJob struct {
	cmd     TransitionCommand
	attempt int
}

// DeliveryTracker owns the delivery state machine. Every state change, whether
// from the dispatcher, a provider callback or the reconciler, goes through Apply.
type DeliveryTracker struct {
	db         *gorm.DB
	ledger     *LedgerService
	aggregator *StatusAggregator
	cfg        TrackerConfig
	jobs       chan trackerJob
	done       chan struct{}
	doneOnce   sync.Once
	intake     sync.RWMutex
	stopped    bool
	now        func() time.Time
	log        *zap.Logger
}

// NewDeliveryTracker constructs a DeliveryTracker.
func NewDeliveryTracker(db *gorm.DB, ledger *LedgerService, aggregator *StatusAggregator, cfg TrackerConfig) (*DeliveryTracker, error) {
	if db == nil {
		return nil, errors.New("delivery tracker: db is required")
	}
	if ledger == nil {
		return nil, errors.New("delivery tracker: ledger is required")
	}
	if aggregator == nil {
		return nil, errors.New("delivery tracker: aggregator is required")
	}
	if cfg.CallbackRetries < 0 {
		cfg.CallbackRetries = 0
	} else if cfg.CallbackRetries == 0 {
		cfg.CallbackRetries = defaultCallbackRetries
	}
	if cfg.CallbackRetryDelay <= 0 {
		cfg.CallbackRetryDelay = defaultCallbackRetryDelay
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultTrackerBuffer
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultTrackerDrain
	}
	return &DeliveryTracker{
		db:         db,
		ledger:     ledger,
		aggregator: aggregator,
		cfg:        cfg,
		jobs:       make(chan trackerJob, cfg.Buffer),
		done:       make(chan struct{}),
		now:        time.Now,
		log:        logger.WithModule("tracker"),
	}, nil
}

// CanTransition reports whether from -> to is a legal delivery transition.
func CanTransition(from, to models.DeliveryStatus) bool {
	switch from {
	case models.DeliveryStatusPending:
		return to == models.DeliveryStatusSent || to == models.DeliveryStatusFailed
	case models.DeliveryStatusSent:
		return to == models.DeliveryStatusDelivered || to == models.DeliveryStatusFailed
	default:
		return false
	}
}

// Apply performs one transition. A delivery already in a terminal state yields
// ErrDuplicateCallback and is left untouched. Leaving PENDING for FAILED
// reverses any credit debited under the delivery's dispatch token.
func (t *DeliveryTracker) Apply(ctx context.Context, cmd TransitionCommand) (*models.Delivery, error) {
	ctx = ensureContext(ctx)

	var delivery *models.Delivery
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		current, err := t.load(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() || current.Status == cmd.To {
			return current, ErrDuplicateCallback
		}
		if !CanTransition(current.Status, cmd.To) {
			return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, cmd.To)
		}

		applied, err := t.transition(ctx, current, cmd)
		if err != nil {
			return nil, fmt.Errorf("delivery tracker: apply: %w", err)
		}
		if applied {
			delivery = current
			break
		}
	}
	if delivery == nil {
		return nil, errors.New("delivery tracker: apply: delivery changed concurrently")
	}

	metrics.DeliveryTransitions.WithLabelValues(string(cmd.To)).Inc()
	t.log.Debug("delivery transition",
		zap.String("delivery_id", delivery.ID),
		zap.String("campaign_id", delivery.CampaignID),
		zap.String("to", string(cmd.To)),
		zap.String("source", cmd.Source),
	)

	if _, err := t.aggregator.Refresh(ctx, delivery.CampaignID); err != nil {
		t.log.Warn("refresh campaign status", zap.String("campaign_id", delivery.CampaignID), zap.Error(err))
	}
	return delivery, nil
}

func (t *DeliveryTracker) load(ctx context.Context, cmd TransitionCommand) (*models.Delivery, error) {
	query := t.db.WithContext(ctx)
	var delivery models.Delivery
	var err error
	switch {
	case strings.TrimSpace(cmd.DeliveryID) != "":
		err = query.First(&delivery, "id = ?", strings.TrimSpace(cmd.DeliveryID)).Error
	case strings.TrimSpace(cmd.MessageSID) != "":
		err = query.First(&delivery, "provider_message_id = ?", strings.TrimSpace(cmd.MessageSID)).Error
	default:
		return nil, invalidInput("delivery id or message sid is required")
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("delivery tracker: load delivery: %w", err)
	}
	return &delivery, nil
}

// transition applies cmd guarded on the delivery still being in its observed
// state. It reports false when another writer got there first.
func (t *DeliveryTracker) transition(ctx context.Context, delivery *models.Delivery, cmd TransitionCommand) (bool, error) {
	from := delivery.Status
	now := t.now().UTC()
	updates := map[string]any{"status": cmd.To}

	switch cmd.To {
	case models.DeliveryStatusSent:
		sid := strings.TrimSpace(cmd.ProviderMessageID)
		if sid == "" {
			return false, invalidInput("provider message id is required for SENT")
		}
		updates["provider_message_id"] = sid
		updates["sent_at"] = now
		delivery.ProviderMessageID = &sid
		delivery.SentAt = &now
	case models.DeliveryStatusDelivered:
		updates["delivered_at"] = now
		delivery.DeliveredAt = &now
	case models.DeliveryStatusFailed:
		reason := strings.TrimSpace(cmd.ErrorMessage)
		if reason == "" {
			reason = "unknown error"
		}
		updates["error_message"] = reason
		updates["failed_at"] = now
		delivery.ErrorMessage = &reason
		delivery.FailedAt = &now
	}

	applied := false
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Delivery{}).
			Where("id = ? AND status = ?", delivery.ID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		switch {
		case cmd.To == models.DeliveryStatusSent:
			return t.ledger.annotateTx(tx, delivery.OrganizationID, delivery.DispatchToken, *delivery.ProviderMessageID)
		case from == models.DeliveryStatusPending && cmd.To == models.DeliveryStatusFailed:
			_, err := t.ledger.reverseTx(tx, delivery.OrganizationID, delivery.DispatchToken, *delivery.ErrorMessage)
			return err
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		delivery.Status = cmd.To
	}
	return applied, nil
}

// FailUnclaimed fails every PENDING delivery of a campaign that no sender has
// claimed, reversing any credit held for it. It runs inside tx so the caller
// can combine it with the campaign update.
func (t *DeliveryTracker) FailUnclaimed(tx *gorm.DB, campaignID, reason string) (int64, error) {
	var pending []models.Delivery
	if err := tx.Select("id", "organization_id", "dispatch_token").
		Where("campaign_id = ? AND status = ? AND claimed_at IS NULL", campaignID, models.DeliveryStatusPending).
		Find(&pending).Error; err != nil {
		return 0, err
	}

	now := t.now().UTC()
	var failed int64
	for _, d := range pending {
		res := tx.Model(&models.Delivery{}).
			Where("id = ? AND status = ? AND claimed_at IS NULL", d.ID, models.DeliveryStatusPending).
			Updates(map[string]any{
				"status":        models.DeliveryStatusFailed,
				"error_message": reason,
				"failed_at":     now,
			})
		if res.Error != nil {
			return failed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		if _, err := t.ledger.reverseTx(tx, d.OrganizationID, d.DispatchToken, reason); err != nil {
			return failed, err
		}
		failed++
	}
	if failed > 0 {
		metrics.DeliveryTransitions.WithLabelValues(string(models.DeliveryStatusFailed)).Add(float64(failed))
	}
	return failed, nil
}

// ExpireSent fails SENT deliveries whose receipt never arrived before cutoff.
// Their charges stand since the provider accepted the message.
func (t *DeliveryTracker) ExpireSent(ctx context.Context, cutoff time.Time) (int, error) {
	ctx = ensureContext(ctx)

	var ids []string
	if err := t.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("status = ? AND sent_at < ?", models.DeliveryStatusSent, cutoff.UTC()).
		Limit(500).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("delivery tracker: find expired: %w", err)
	}

	expired := 0
	for _, id := range ids {
		_, err := t.Apply(ctx, TransitionCommand{
			DeliveryID:   id,
			To:           models.DeliveryStatusFailed,
			ErrorMessage: ReasonReceiptNotReceived,
			Source:       SourceReconcile,
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrDuplicateCallback):
		default:
			return expired, err
		}
	}
	return expired, nil
}

// CommandFromCallback converts a provider status callback into a transition.
// ok is false for intermediate statuses that move nothing.
func CommandFromCallback(cb messaging.StatusCallback) (TransitionCommand, bool) {
	cmd := TransitionCommand{MessageSID: cb.MessageSID, Source: SourceCallback}
	switch cb.Outcome() {
	case messaging.OutcomeDelivered:
		cmd.To = models.DeliveryStatusDelivered
	case messaging.OutcomeFailed:
		cmd.To = models.DeliveryStatusFailed
		cmd.ErrorMessage = cb.FailureReason()
	default:
		return TransitionCommand{}, false
	}
	return cmd, true
}

// Submit queues a transition for the tracker loop. Provider callbacks go through
// here so the webhook never mutates deliveries itself.
func (t *DeliveryTracker) Submit(ctx context.Context, cmd TransitionCommand) error {
	ctx = ensureContext(ctx)
	return t.enqueue(ctx, trackerJob{cmd: cmd})
}

func (t *DeliveryTracker) enqueue(ctx context.Context, job trackerJob) error {
	t.intake.RLock()
	defer t.intake.RUnlock()
	if t.stopped {
		return ErrTrackerStopped
	}
	select {
	case t.jobs <- job:
		return nil
	case <-t.done:
		return ErrTrackerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes submitted transitions until ctx ends. Callbacks already
// accepted by Submit are applied before Run returns, bounded by DrainTimeout.
func (t *DeliveryTracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			t.stop()
			t.drain(ctx)
			return nil
		case job := <-t.jobs:
			t.process(ctx, job)
		}
	}
}

// stop closes the intake. Once it returns no further job can enter t.jobs.
func (t *DeliveryTracker) stop() {
	t.doneOnce.Do(func() { close(t.done) })
	t.intake.Lock()
	t.stopped = true
	t.intake.Unlock()
}

func (t *DeliveryTracker) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), t.cfg.DrainTimeout)
	defer cancel()

	applied := 0
	for {
		select {
		case job := <-t.jobs:
			if ctx.Err() != nil {
				metrics.Callbacks.WithLabelValues("dropped").Inc()
				t.log.Warn("drop buffered status on shutdown",
					zap.String("provider_message_id", job.cmd.MessageSID),
					zap.String("delivery_id", job.cmd.DeliveryID),
				)
				continue
			}
			t.process(ctx, job)
			applied++
		default:
			if applied > 0 {
				t.log.Info("drained buffered statuses", zap.Int("applied", applied))
			}
			return
		}
	}
}

func (t *DeliveryTracker) process(ctx context.Context, job trackerJob) {
	_, err := t.Apply(ctx, job.cmd)
	fields := []zap.Field{
		zap.String("provider_message_id", job.cmd.MessageSID),
		zap.String("delivery_id", job.cmd.DeliveryID),
		zap.String("to", string(job.cmd.To)),
	}

	switch {
	case err == nil:
		metrics.Callbacks.WithLabelValues("applied").Inc()
	case errors.Is(err, ErrDuplicateCallback):
		metrics.Callbacks.WithLabelValues("duplicate").Inc()
		t.log.Debug("duplicate status ignored", fields...)
	case errors.Is(err, ErrInvalidTransition):
		metrics.Callbacks.WithLabelValues("ignored").Inc()
		t.log.Info("status ignored", append(fields, zap.Error(err))...)
	case errors.Is(err, ErrDeliveryNotFound) && job.attempt < t.cfg.CallbackRetries:
		// The callback may overtake the SENT transition that records the message id.
		next := trackerJob{cmd: job.cmd, attempt: job.attempt + 1}
		time.AfterFunc(t.cfg.CallbackRetryDelay, func() {
			if err := t.enqueue(ctx, next); err != nil {
				t.log.Warn("drop status retry", append(fields, zap.Error(err))...)
			}
		})
	case errors.Is(err, ErrDeliveryNotFound):
		metrics.Callbacks.WithLabelValues("unknown").Inc()
		t.log.Warn("status for unknown message", fields...)
	default:
		metrics.Callbacks.WithLabelValues("error").Inc()
		t.log.Error("apply status", append(fields, zap.Error(err))...)
	}
}
