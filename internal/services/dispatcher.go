package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/messaging"
	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/internal/queue"
	"github.com/charlesng35/weddingdesk/pkg/logger"
	"github.com/charlesng35/weddingdesk/pkg/metrics"
)

// DispatcherConfig tunes the sender.
type DispatcherConfig struct {
	Workers              int
	SendConcurrency      int
	MaxSendAttempts      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// RetryDelay is multiplied by the attempt number when a batch task is retried.
	RetryDelay        time.Duration
	MaxTaskAttempts   int
	StatusCallbackURL string
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SendConcurrency <= 0 {
		c.SendConcurrency = 5
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = 3
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.MaxTaskAttempts <= 0 {
		c.MaxTaskAttempts = 5
	}
	return c
}

// Dispatcher consumes batch tasks and sends their deliveries through the
// messaging provider. Each delivery is claimed, debited under its dispatch
// token, then sent; the resulting state change goes through the tracker.
type Dispatcher struct {
	db       *gorm.DB
	queue    queue.Queue
	provider messaging.Provider
	ledger   *LedgerService
	tracker  *DeliveryTracker
	cfg      DispatcherConfig
	now      func() time.Time
	log      *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(db *gorm.DB, q queue.Queue, provider messaging.Provider, ledger *LedgerService, tracker *DeliveryTracker, cfg DispatcherConfig) (*Dispatcher, error) {
	switch {
	case db == nil:
		return nil, errors.New("dispatcher: db is required")
	case q == nil:
		return nil, errors.New("dispatcher: queue is required")
	case provider == nil:
		return nil, errors.New("dispatcher: provider is required")
	case ledger == nil:
		return nil, errors.New("dispatcher: ledger is required")
	case tracker == nil:
		return nil, errors.New("dispatcher: tracker is required")
	}
	return &Dispatcher{
		db:       db,
		queue:    q,
		provider: provider,
		ledger:   ledger,
		tracker:  tracker,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		log:      logger.WithModule("dispatcher"),
	}, nil
}

// Run starts the worker pool and blocks until ctx ends or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started",
		zap.String("provider", d.provider.Name()),
		zap.Int("workers", d.cfg.Workers),
		zap.Int("send_concurrency", d.cfg.SendConcurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			return d.work(gctx)
		})
	}
	err := g.Wait()
	d.log.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context) error {
	for {
		task, err := d.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			d.log.Warn("dequeue batch", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.RetryInitialInterval):
			}
			continue
		}

		if err := d.HandleTask(ctx, task); err != nil {
			d.retryOrDrop(ctx, task, err)
			continue
		}
		if err := d.queue.Ack(ctx, task); err != nil {
			d.log.Warn("ack batch", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) retryOrDrop(ctx context.Context, task queue.Task, cause error) {
	fields := []zap.Field{
		zap.String("campaign_id", task.CampaignID),
		zap.Int("batch", task.Batch),
		zap.Int("attempt", task.Attempt),
		zap.Error(cause),
	}

	if task.Attempt < d.cfg.MaxTaskAttempts {
		delay := d.cfg.RetryDelay * time.Duration(max(task.Attempt, 1))
		if err := d.queue.Retry(ctx, task, delay); err != nil {
			d.log.Error("retry batch", append(fields, zap.NamedError("retry_error", err))...)
			return
		}
		d.log.Warn("batch failed, retrying", append(fields, zap.Duration("delay", delay))...)
		return
	}

	// Deliveries still PENDING are picked up by the reconciliation sweep.
	d.log.Error("batch failed, giving up", fields...)
	if err := d.queue.Ack(ctx, task); err != nil {
		d.log.Warn("ack batch", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// HandleTask dispatches the deliveries of one batch with bounded concurrency.
// An error means at least one delivery hit an infrastructure failure and the
// batch should be retried; already-claimed deliveries are skipped on retry.
func (d *Dispatcher) HandleTask(ctx context.Context, task queue.Task) error {
	ctx = ensureContext(ctx)
	start := d.now()
	defer func() {
		metrics.BatchDuration.Observe(d.now().Sub(start).Seconds())
	}()

	var campaign models.Campaign
	if err := d.db.WithContext(ctx).First(&campaign, "id = ?", task.CampaignID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			d.log.Warn("batch for unknown campaign", zap.String("campaign_id", task.CampaignID))
			return nil
		}
		return fmt.Errorf("dispatcher: load campaign: %w", err)
	}
	if campaign.Status != models.CampaignStatusSending || campaign.IsCancelled() {
		metrics.MessagesDispatched.WithLabelValues("skipped").Add(float64(len(task.DeliveryIDs)))
		d.log.Debug("skip batch",
			zap.String("campaign_id", campaign.ID),
			zap.String("status", string(campaign.Status)),
			zap.Bool("cancelled", campaign.IsCancelled()),
		)
		return nil
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.SendConcurrency)
	for _, id := range task.DeliveryIDs {
		g.Go(func() error {
			return d.dispatchOne(ctx, &campaign, id)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, campaign *models.Campaign, deliveryID string) error {
	delivery, claimed, err := d.claim(ctx, campaign.ID, deliveryID)
	if err != nil {
		return err
	}
	if !claimed {
		metrics.MessagesDispatched.WithLabelValues("skipped").Inc()
		return nil
	}

	fields := []zap.Field{
		zap.String("campaign_id", campaign.ID),
		zap.String("delivery_id", delivery.ID),
		zap.String("organization_id", delivery.OrganizationID),
	}

	variables, err := delivery.TemplateVariables.Data().Positional(campaign.VariableKeys)
	if err != nil {
		metrics.MessagesDispatched.WithLabelValues("rejected").Inc()
		return d.fail(ctx, delivery, err.Error())
	}

	if _, err := d.ledger.RecordConsumption(ctx, delivery.OrganizationID, 1, delivery.DispatchToken, ConsumptionRef{DeliveryID: delivery.ID}); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.MessagesDispatched.WithLabelValues("rejected").Inc()
			return d.fail(ctx, delivery, ReasonInsufficientCredits)
		}
		d.release(delivery.ID)
		return fmt.Errorf("dispatcher: debit delivery %s: %w", delivery.ID, err)
	}

	req := messaging.SendRequest{
		To:             delivery.Phone,
		TemplateID:     campaign.TemplateID,
		Variables:      variables,
		StatusCallback: d.cfg.StatusCallbackURL,
		IdempotencyKey: delivery.DispatchToken,
	}
	result, err := d.send(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// Outcome unknown; the claim expires and the sweep takes over.
			return ctx.Err()
		}
		label := "rejected"
		if messaging.IsTransient(err) {
			label = "transient"
		}
		metrics.MessagesDispatched.WithLabelValues(label).Inc()
		d.log.Info("send failed", append(fields, zap.String("result", label), zap.Error(err))...)
		return d.fail(ctx, delivery, failureReason(err))
	}

	metrics.MessagesDispatched.WithLabelValues("sent").Inc()
	_, err = d.tracker.Apply(ctx, TransitionCommand{
		DeliveryID:        delivery.ID,
		To:                models.DeliveryStatusSent,
		ProviderMessageID: result.MessageID,
		Source:            SourceDispatch,
	})
	if err != nil && !errors.Is(err, ErrDuplicateCallback) {
		d.log.Error("record sent delivery", append(fields, zap.String("provider_message_id", result.MessageID), zap.Error(err))...)
	}
	return nil
}

// send calls the provider, retrying transient failures with exponential backoff.
func (d *Dispatcher) send(ctx context.Context, req messaging.SendRequest) (messaging.SendResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.RetryInitialInterval
	policy.MaxInterval = d.cfg.RetryMaxInterval

	return backoff.Retry(ctx, func() (messaging.SendResult, error) {
		result, err := d.provider.Send(ctx, req)
		if err != nil && !messaging.IsTransient(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(d.cfg.MaxSendAttempts)))
}

// claim leases a PENDING delivery for this sender. It reports false when the
// delivery is already claimed, sent, or no longer pending.
func (d *Dispatcher) claim(ctx context.Context, campaignID, deliveryID string) (*models.Delivery, bool, error) {
	now := d.now().UTC()
	res := d.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("id = ? AND campaign_id = ? AND status = ? AND claimed_at IS NULL AND provider_message_id IS NULL",
			deliveryID, campaignID, models.DeliveryStatusPending).
		Updates(map[string]any{
			"claimed_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("dispatcher: claim delivery %s: %w", deliveryID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	var delivery models.Delivery
	if err := d.db.WithContext(ctx).First(&delivery, "id = ?", deliveryID).Error; err != nil {
		return nil, false, fmt.Errorf("dispatcher: load delivery %s: %w", deliveryID, err)
	}
	return &delivery, true, nil
}

// release drops the claim so a retried batch can dispatch the delivery again.
func (d *Dispatcher) release(deliveryID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("id = ? AND status = ?", deliveryID, models.DeliveryStatusPending).
		Update("claimed_at", nil).Error; err != nil {
		d.log.Warn("release claim", zap.String("delivery_id", deliveryID), zap.Error(err))
	}
}

func (d *Dispatcher) fail(ctx context.Context, delivery *models.Delivery, reason string) error {
	_, err := d.tracker.Apply(ctx, TransitionCommand{
		DeliveryID:   delivery.ID,
		To:           models.DeliveryStatusFailed,
		ErrorMessage: reason,
		Source:       SourceDispatch,
	})
	if err != nil && !errors.Is(err, ErrDuplicateCallback) {
		return fmt.Errorf("dispatcher: fail delivery %s: %w", delivery.ID, err)
	}
	return nil
}

func failureReason(err error) string {
	var providerErr *messaging.ProviderError
	if errors.As(err, &providerErr) {
		if reason := strings.TrimSpace(providerErr.Reason()); reason != "" {
			return reason
		}
	}
	return err.Error()
}
