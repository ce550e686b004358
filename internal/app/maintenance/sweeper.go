package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/cache"
	"github.com/charlesng35/weddingdesk/internal/database"
	"github.com/charlesng35/weddingdesk/internal/services"
	"github.com/charlesng35/weddingdesk/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultReconcileSpec      = "@every 1m"
	defaultAuditSpec          = "@daily"
)

// Reconciler recovers stuck deliveries. Implemented by *services.Reconciler.
type Reconciler interface {
	Reconcile(ctx context.Context) (services.ReconcileReport, error)
}

// Sweeper runs the periodic maintenance jobs: the delivery reconciliation
// sweep, expired cache pruning and audit retention.
type Sweeper struct {
	db         *gorm.DB
	reconciler Reconciler
	pruner     cache.Pruner
	audit      *services.AuditService
	cron       *cron.Cron
	now        func() time.Time
	log        *zap.Logger
	retention  int

	reconcileSchedule string
	auditSchedule     string
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used to stamp completed sweeps.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAuditRetentionDays adjusts how long audit logs are retained before cleanup.
func WithAuditRetentionDays(days int) Option {
	return func(s *Sweeper) {
		if days > 0 {
			s.retention = days
		}
	}
}

// WithReconcileSchedule overrides the cron specification for the reconciliation sweep.
func WithReconcileSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.reconcileSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron specification for audit retention enforcement.
func WithAuditSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.auditSchedule = spec
		}
	}
}

// WithPruner enables pruning of expired cache entries during each sweep.
func WithPruner(p cache.Pruner) Option {
	return func(s *Sweeper) {
		s.pruner = p
	}
}

// NewSweeper constructs a Sweeper. A nil reconciler or audit service skips the matching job.
func NewSweeper(db *gorm.DB, reconciler Reconciler, audit *services.AuditService, opts ...Option) *Sweeper {
	s := &Sweeper{
		db:                db,
		reconciler:        reconciler,
		audit:             audit,
		now:               time.Now,
		retention:         defaultAuditRetentionDays,
		reconcileSchedule: defaultReconcileSpec,
		auditSchedule:     defaultAuditSpec,
		log:               logger.WithModule("maintenance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	}
	return s
}

// Start registers the jobs with the scheduler and launches it.
func (s *Sweeper) Start() error {
	if s.reconciler != nil || s.pruner != nil {
		if _, err := s.cron.AddFunc(s.reconcileSchedule, func() {
			if err := s.Sweep(context.Background()); err != nil {
				s.log.Warn("reconciliation sweep failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("maintenance: schedule sweep: %w", err)
		}
	}

	if s.audit != nil && s.retention > 0 {
		if _, err := s.cron.AddFunc(s.auditSchedule, func() {
			if _, err := s.audit.CleanupOlderThan(context.Background(), s.retention); err != nil {
				s.log.Warn("audit cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("maintenance: schedule audit cleanup: %w", err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs finish.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// Sweep reconciles deliveries, prunes the cache and records the completion time.
// Every step runs even when an earlier one fails.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	if s.reconciler != nil {
		if _, err := s.reconciler.Reconcile(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if s.pruner != nil {
		removed, err := s.pruner.PruneExpired(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("maintenance: prune cache: %w", err))
		} else if removed > 0 {
			s.log.Debug("pruned cache entries", zap.Int64("removed", removed))
		}
	}

	if errs == nil && s.db != nil {
		if err := database.RecordSweep(ctx, s.db, s.now()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("maintenance: record sweep: %w", err))
		}
	}
	return errs
}

// RunOnce executes every job sequentially. Used in tests and at shutdown.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	errs := s.Sweep(ctx)
	if s.audit != nil && s.retention > 0 {
		if _, err := s.audit.CleanupOlderThan(ctx, s.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// LastSweep returns when the sweep last completed, or the zero time if it never has.
func LastSweep(ctx context.Context, db *gorm.DB) (time.Time, error) {
	return database.LastSweep(ctx, db)
}
