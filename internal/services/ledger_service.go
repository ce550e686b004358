package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/weddingdesk/internal/database"
	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/pkg/logger"
	"github.com/charlesng35/weddingdesk/pkg/metrics"
)

// UnlimitedCapacity is reported for limits configured as unlimited that are not bound by credits.
const UnlimitedCapacity int64 = math.MaxInt64

// LedgerConfig tunes the credit ledger.
type LedgerConfig struct {
	CycleStartDay int
}

// PoolBalances holds the available credits per pool.
type PoolBalances struct {
	Allowance int64 `json:"allowance"`
	Purchased int64 `json:"purchased"`
}

// Total returns the sum of both pools, never negative.
func (b PoolBalances) Total() int64 {
	return max(b.Allowance, 0) + max(b.Purchased, 0)
}

func (b PoolBalances) of(pool models.CreditPool) int64 {
	if pool == models.CreditPoolPurchased {
		return b.Purchased
	}
	return b.Allowance
}

// ConsumptionRef links a consumption to the delivery it pays for.
type ConsumptionRef struct {
	DeliveryID string
	MessageSID string
}

// DebitResult reports the entries backing a consumption. Duplicate is set when
// the idempotency key had already been debited and nothing new was written.
type DebitResult struct {
	Entries   []models.CreditLedgerEntry
	Duplicate bool
}

// Debited returns the credits taken from each pool.
func (r DebitResult) Debited() map[models.CreditPool]int64 {
	out := make(map[models.CreditPool]int64, len(r.Entries))
	for _, entry := range r.Entries {
		out[entry.Pool] += -entry.Credits
	}
	return out
}

// LimitUsage describes one limit of an organization.
type LimitUsage struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Unit        string            `json:"unit,omitempty"`
	Scope       models.LimitScope `json:"scope"`
	Configured  bool              `json:"configured"`
	Unlimited   bool              `json:"unlimited"`
	Limit       int64             `json:"limit"`
	Usage       int64             `json:"usage"`
	Percentage  float64           `json:"percentage"`
	IsOverLimit bool              `json:"is_over_limit"`
}

// UsageReport is the usage view of an organization.
type UsageReport struct {
	OrganizationID    string       `json:"organization_id"`
	CycleStart        time.Time    `json:"cycle_start"`
	CycleEnd          time.Time    `json:"cycle_end"`
	Balances          PoolBalances `json:"balances"`
	RemainingMessages int64        `json:"remaining_messages"`
	Limits            []LimitUsage `json:"limits"`
}

// UsagePercentage is usage/limit*100 clamped to [0,100]. A zero limit reads as fully used.
func UsagePercentage(usage, limit int64) float64 {
	if limit <= 0 {
		return 100
	}
	pct := float64(usage) / float64(limit) * 100
	return math.Min(100, math.Max(0, pct))
}

// LedgerService is the append-only credit ledger. Every mutation for an
// organization is serialised by a process-local lock plus a row lock on the
// organization, and idempotency keys are protected by a unique index.
type LedgerService struct {
	db    *gorm.DB
	audit *AuditService
	cfg   LedgerConfig
	locks *keyedMutex
	now   func() time.Time
	log   *zap.Logger
}

// NewLedgerService constructs a LedgerService.
func NewLedgerService(db *gorm.DB, audit *AuditService, cfg LedgerConfig) (*LedgerService, error) {
	if db == nil {
		return nil, errors.New("ledger service: db is required")
	}
	if cfg.CycleStartDay <= 0 {
		cfg.CycleStartDay = 1
	}
	return &LedgerService{
		db:    db,
		audit: audit,
		cfg:   cfg,
		locks: newKeyedMutex(),
		now:   time.Now,
		log:   logger.WithModule("ledger"),
	}, nil
}

// RecordTopUp credits pool. A repeated idempotency key returns the original entry.
func (s *LedgerService) RecordTopUp(ctx context.Context, orgID string, amount int64, pool models.CreditPool, idempotencyKey, note string) (*models.CreditLedgerEntry, error) {
	ctx = ensureContext(ctx)
	orgID = strings.TrimSpace(orgID)

	if amount <= 0 {
		return nil, invalidInput("top-up amount must be positive")
	}
	if !pool.Valid() {
		return nil, invalidInput("unknown credit pool %q", pool)
	}

	release := s.locks.Lock(orgID)
	defer release()

	key := strings.TrimSpace(idempotencyKey)
	var entry models.CreditLedgerEntry
	duplicate := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOrganization(tx, orgID); err != nil {
			return err
		}

		if key != "" {
			err := tx.Where("organization_id = ? AND idempotency_key = ? AND type = ?", orgID, key, models.LedgerEntryTopUp).
				First(&entry).Error
			if err == nil {
				duplicate = true
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		entry = models.CreditLedgerEntry{
			OrganizationID: orgID,
			Type:           models.LedgerEntryTopUp,
			Credits:        amount,
			Pool:           pool,
			Note:           strings.TrimSpace(note),
			CreatedAt:      s.now().UTC(),
		}
		if key != "" {
			entry.IdempotencyKey = &key
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		if isUniqueConstraintError(err) && key != "" {
			if loadErr := s.db.WithContext(ctx).
				Where("organization_id = ? AND idempotency_key = ? AND type = ?", orgID, key, models.LedgerEntryTopUp).
				First(&entry).Error; loadErr == nil {
				return &entry, nil
			}
		}
		if errors.Is(err, ErrOrganizationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger service: record top-up: %w", err)
	}

	if !duplicate {
		metrics.LedgerEntries.WithLabelValues(string(models.LedgerEntryTopUp), string(pool)).Inc()
		recordAudit(s.audit, ctx, AuditEntry{
			OrganizationID: orgID,
			Action:         "ledger.top_up",
			Resource:       entry.ID,
			Result:         "success",
			Metadata: map[string]any{
				"credits": amount,
				"pool":    string(pool),
			},
		})
	}

	return &entry, nil
}

// RecordConsumption debits amount credits, ALLOWANCE first and PURCHASED for
// the remainder. The idempotency key makes retries free: a key that was already
// debited returns the original entries with Duplicate set.
func (s *LedgerService) RecordConsumption(ctx context.Context, orgID string, amount int64, idempotencyKey string, ref ConsumptionRef) (DebitResult, error) {
	ctx = ensureContext(ctx)
	orgID = strings.TrimSpace(orgID)
	key := strings.TrimSpace(idempotencyKey)

	if amount <= 0 {
		return DebitResult{}, invalidInput("consumption amount must be positive")
	}
	if key == "" {
		return DebitResult{}, invalidInput("idempotency key is required")
	}

	release := s.locks.Lock(orgID)
	defer release()

	var result DebitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOrganization(tx, orgID); err != nil {
			return err
		}

		existing, err := consumptionEntries(tx, orgID, key)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			result = DebitResult{Entries: existing, Duplicate: true}
			return nil
		}

		capacity, balances, err := s.remainingMessagesTx(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if capacity < amount {
			return fmt.Errorf("%w: need %d, remaining %d", ErrInsufficientCredits, amount, capacity)
		}

		createdAt := s.now().UTC()
		remaining := amount
		for _, pool := range models.CreditPools {
			if remaining == 0 {
				break
			}
			take := min(remaining, max(balances.of(pool), 0))
			if take == 0 {
				continue
			}
			entry := models.CreditLedgerEntry{
				OrganizationID: orgID,
				Type:           models.LedgerEntryConsumption,
				Credits:        -take,
				Pool:           pool,
				IdempotencyKey: &key,
				CreatedAt:      createdAt,
			}
			if ref.DeliveryID != "" {
				deliveryID := ref.DeliveryID
				entry.DeliveryID = &deliveryID
			}
			if ref.MessageSID != "" {
				sid := ref.MessageSID
				entry.RelatedMessageSID = &sid
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
			result.Entries = append(result.Entries, entry)
			remaining -= take
		}
		if remaining > 0 {
			return fmt.Errorf("%w: pools short by %d", ErrInsufficientCredits, remaining)
		}
		return nil
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			// Another process debited the same key between our check and insert.
			existing, loadErr := consumptionEntries(s.db.WithContext(ctx), orgID, key)
			if loadErr == nil && len(existing) > 0 {
				return DebitResult{Entries: existing, Duplicate: true}, nil
			}
		}
		if errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrOrganizationNotFound) {
			return DebitResult{}, err
		}
		return DebitResult{}, fmt.Errorf("ledger service: record consumption: %w", err)
	}

	if result.Duplicate {
		s.log.Debug("consumption already recorded", zap.String("organization_id", orgID), zap.String("idempotency_key", key))
		return result, nil
	}
	for _, entry := range result.Entries {
		metrics.LedgerEntries.WithLabelValues(string(entry.Type), string(entry.Pool)).Inc()
	}
	return result, nil
}

// reverseTx compensates the consumption recorded under key, crediting back the
// same pools. It reports false when there is nothing to reverse or it was already reversed.
func (s *LedgerService) reverseTx(tx *gorm.DB, orgID, key, note string) (bool, error) {
	if key == "" {
		return false, nil
	}

	consumed, err := consumptionEntries(tx, orgID, key)
	if err != nil || len(consumed) == 0 {
		return false, err
	}

	var reversed int64
	if err := tx.Model(&models.CreditLedgerEntry{}).
		Where("organization_id = ? AND idempotency_key = ? AND type = ?", orgID, key, models.LedgerEntryReversal).
		Count(&reversed).Error; err != nil {
		return false, err
	}
	if reversed > 0 {
		return false, nil
	}

	createdAt := s.now().UTC()
	for _, entry := range consumed {
		reversal := models.CreditLedgerEntry{
			OrganizationID:    orgID,
			Type:              models.LedgerEntryReversal,
			Credits:           -entry.Credits,
			Pool:              entry.Pool,
			IdempotencyKey:    entry.IdempotencyKey,
			DeliveryID:        entry.DeliveryID,
			RelatedMessageSID: entry.RelatedMessageSID,
			Note:              truncate(note, 255),
			CreatedAt:         createdAt,
		}
		if err := tx.Create(&reversal).Error; err != nil {
			return false, err
		}
	}
	for _, entry := range consumed {
		metrics.LedgerEntries.WithLabelValues(string(models.LedgerEntryReversal), string(entry.Pool)).Inc()
	}
	return true, nil
}

// annotateTx records the provider message id on the consumption made under key.
// Only this reference column is ever written after insert.
func (s *LedgerService) annotateTx(tx *gorm.DB, orgID, key, messageSID string) error {
	if key == "" || messageSID == "" {
		return nil
	}
	return tx.Model(&models.CreditLedgerEntry{}).
		Where("organization_id = ? AND idempotency_key = ? AND type = ?", orgID, key, models.LedgerEntryConsumption).
		UpdateColumn("related_message_sid", messageSID).Error
}

// Balances returns the available credits per pool.
func (s *LedgerService) Balances(ctx context.Context, orgID string) (PoolBalances, error) {
	ctx = ensureContext(ctx)
	balances, err := poolBalances(s.db.WithContext(ctx), strings.TrimSpace(orgID))
	if err != nil {
		return PoolBalances{}, fmt.Errorf("ledger service: balances: %w", err)
	}
	return balances, nil
}

// RemainingCapacity returns how many more units of limitName the organization may use.
// For messages this is bounded by both the credit balance and the cycle limit.
func (s *LedgerService) RemainingCapacity(ctx context.Context, orgID, limitName string) (int64, error) {
	ctx = ensureContext(ctx)
	orgID = strings.TrimSpace(orgID)
	limitName = strings.TrimSpace(limitName)

	if err := s.ensureOrganization(ctx, orgID); err != nil {
		return 0, err
	}

	if limitName == database.LimitMessages {
		capacity, _, err := s.remainingMessagesTx(ctx, s.db.WithContext(ctx), orgID)
		if err != nil {
			return 0, fmt.Errorf("ledger service: remaining capacity: %w", err)
		}
		return capacity, nil
	}

	def, limit, err := s.loadLimit(s.db.WithContext(ctx), orgID, limitName)
	if err != nil {
		return 0, err
	}
	if limit.IsUnlimited() {
		return UnlimitedCapacity, nil
	}
	if limit == nil || limit.Value <= 0 {
		return 0, nil
	}
	usage, err := s.usage(ctx, s.db.WithContext(ctx), orgID, def.Name)
	if err != nil {
		return 0, fmt.Errorf("ledger service: remaining capacity: %w", err)
	}
	return max(limit.Value-usage, 0), nil
}

func (s *LedgerService) remainingMessagesTx(ctx context.Context, tx *gorm.DB, orgID string) (int64, PoolBalances, error) {
	balances, err := poolBalances(tx, orgID)
	if err != nil {
		return 0, PoolBalances{}, err
	}

	_, limit, err := s.loadLimit(tx, orgID, database.LimitMessages)
	if err != nil && !errors.Is(err, ErrLimitNotFound) {
		return 0, balances, err
	}
	if limit.IsUnlimited() {
		return balances.Total(), balances, nil
	}
	if limit == nil || limit.Value <= 0 {
		return 0, balances, nil
	}

	used, err := s.usage(ctx, tx, orgID, database.LimitMessages)
	if err != nil {
		return 0, balances, err
	}
	return min(balances.Total(), max(limit.Value-used, 0)), balances, nil
}

// Usage reports every defined limit for the organization plus its balances.
func (s *LedgerService) Usage(ctx context.Context, orgID string) (*UsageReport, error) {
	ctx = ensureContext(ctx)
	orgID = strings.TrimSpace(orgID)

	if err := s.ensureOrganization(ctx, orgID); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	balances, err := poolBalances(db, orgID)
	if err != nil {
		return nil, fmt.Errorf("ledger service: usage balances: %w", err)
	}

	var defs []models.LimitDefinition
	if err := db.Order("name ASC").Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("ledger service: list limit definitions: %w", err)
	}

	var configured []models.OrganizationLimit
	if err := db.Where("organization_id = ?", orgID).Find(&configured).Error; err != nil {
		return nil, fmt.Errorf("ledger service: list organization limits: %w", err)
	}
	byDef := make(map[string]models.OrganizationLimit, len(configured))
	for _, l := range configured {
		byDef[l.LimitDefinitionID] = l
	}

	start, end := CycleBounds(s.now(), s.cfg.CycleStartDay)
	report := &UsageReport{
		OrganizationID: orgID,
		CycleStart:     start,
		CycleEnd:       end,
		Balances:       balances,
	}

	for _, def := range defs {
		used, err := s.usage(ctx, db, orgID, def.Name)
		if err != nil {
			return nil, fmt.Errorf("ledger service: usage of %s: %w", def.Name, err)
		}

		item := LimitUsage{
			Name:        def.Name,
			Description: def.Description,
			Unit:        def.Unit,
			Scope:       def.Scope,
			Usage:       used,
		}
		if limit, ok := byDef[def.ID]; ok {
			item.Configured = true
			item.Limit = limit.Value
			item.Unlimited = limit.IsUnlimited()
		}
		if !item.Unlimited {
			item.Percentage = UsagePercentage(used, item.Limit)
			item.IsOverLimit = used >= item.Limit
		}
		report.Limits = append(report.Limits, item)
	}

	remaining, _, err := s.remainingMessagesTx(ctx, db, orgID)
	if err != nil {
		return nil, fmt.Errorf("ledger service: remaining messages: %w", err)
	}
	report.RemainingMessages = remaining

	return report, nil
}

// SetLimit configures the ceiling of limitName for an organization. Use
// models.UnlimitedLimit for no ceiling.
func (s *LedgerService) SetLimit(ctx context.Context, orgID, limitName string, value int64) (*models.OrganizationLimit, error) {
	ctx = ensureContext(ctx)
	orgID = strings.TrimSpace(orgID)

	if value < models.UnlimitedLimit {
		return nil, invalidInput("limit value must be -1 (unlimited) or non-negative")
	}
	if err := s.ensureOrganization(ctx, orgID); err != nil {
		return nil, err
	}

	var def models.LimitDefinition
	if err := s.db.WithContext(ctx).First(&def, "name = ?", strings.TrimSpace(limitName)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLimitNotFound
		}
		return nil, fmt.Errorf("ledger service: load limit definition: %w", err)
	}

	limit := models.OrganizationLimit{
		OrganizationID:    orgID,
		LimitDefinitionID: def.ID,
		Value:             value,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "organization_id"}, {Name: "limit_definition_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&limit).Error; err != nil {
		return nil, fmt.Errorf("ledger service: set limit: %w", err)
	}

	// The upsert may keep an existing row, so reload by natural key.
	var stored models.OrganizationLimit
	if err := s.db.WithContext(ctx).
		First(&stored, "organization_id = ? AND limit_definition_id = ?", orgID, def.ID).Error; err != nil {
		return nil, fmt.Errorf("ledger service: reload limit: %w", err)
	}
	stored.LimitDefinition = &def

	recordAudit(s.audit, ctx, AuditEntry{
		OrganizationID: orgID,
		Action:         "org.limit",
		Resource:       def.Name,
		Result:         "success",
		Metadata:       map[string]any{"value": value},
	})

	return &stored, nil
}

// History lists ledger entries, most recent first.
func (s *LedgerService) History(ctx context.Context, orgID string, page, perPage int) ([]models.CreditLedgerEntry, int64, error) {
	ctx = ensureContext(ctx)
	orgID = strings.TrimSpace(orgID)
	page, perPage = normalisePage(page, perPage)

	if err := s.ensureOrganization(ctx, orgID); err != nil {
		return nil, 0, err
	}

	query := s.db.WithContext(ctx).Model(&models.CreditLedgerEntry{}).Where("organization_id = ?", orgID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("ledger service: count entries: %w", err)
	}

	var entries []models.CreditLedgerEntry
	if err := query.
		Order("created_at DESC").
		Order("id ASC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("ledger service: list entries: %w", err)
	}
	return entries, total, nil
}

func (s *LedgerService) ensureOrganization(ctx context.Context, orgID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Organization{}).Where("id = ?", orgID).Count(&count).Error; err != nil {
		return fmt.Errorf("ledger service: load organization: %w", err)
	}
	if count == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}

// loadLimit returns the definition and the organization's configured limit, which is nil when unset.
func (s *LedgerService) loadLimit(tx *gorm.DB, orgID, name string) (*models.LimitDefinition, *models.OrganizationLimit, error) {
	var def models.LimitDefinition
	if err := tx.First(&def, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrLimitNotFound
		}
		return nil, nil, fmt.Errorf("load limit definition: %w", err)
	}

	var limit models.OrganizationLimit
	err := tx.First(&limit, "organization_id = ? AND limit_definition_id = ?", orgID, def.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &def, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load organization limit: %w", err)
	}
	return &def, &limit, nil
}

// usage measures a limit. Messages count net consumption in the current cycle;
// active events count events that are not archived.
func (s *LedgerService) usage(_ context.Context, tx *gorm.DB, orgID, limitName string) (int64, error) {
	switch limitName {
	case database.LimitMessages:
		start, end := CycleBounds(s.now(), s.cfg.CycleStartDay)
		var net int64
		if err := tx.Model(&models.CreditLedgerEntry{}).
			Select("COALESCE(SUM(credits), 0)").
			Where("organization_id = ? AND type IN ? AND created_at >= ? AND created_at < ?",
				orgID, []models.LedgerEntryType{models.LedgerEntryConsumption, models.LedgerEntryReversal}, start, end).
			Scan(&net).Error; err != nil {
			return 0, err
		}
		return max(-net, 0), nil
	case database.LimitActiveEvents:
		var count int64
		if err := tx.Model(&models.Event{}).
			Where("organization_id = ? AND archived = ?", orgID, false).
			Count(&count).Error; err != nil {
			return 0, err
		}
		return count, nil
	default:
		return 0, nil
	}
}

func lockOrganization(tx *gorm.DB, orgID string) error {
	var org models.Organization
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&org, "id = ?", orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrOrganizationNotFound
	}
	return err
}

func poolBalances(tx *gorm.DB, orgID string) (PoolBalances, error) {
	type row struct {
		Pool  models.CreditPool
		Total int64
	}
	var rows []row
	if err := tx.Model(&models.CreditLedgerEntry{}).
		Select("pool, COALESCE(SUM(credits), 0) AS total").
		Where("organization_id = ?", orgID).
		Group("pool").
		Scan(&rows).Error; err != nil {
		return PoolBalances{}, err
	}

	var balances PoolBalances
	for _, r := range rows {
		switch r.Pool {
		case models.CreditPoolAllowance:
			balances.Allowance = r.Total
		case models.CreditPoolPurchased:
			balances.Purchased = r.Total
		}
	}
	return balances, nil
}

func consumptionEntries(tx *gorm.DB, orgID, key string) ([]models.CreditLedgerEntry, error) {
	var entries []models.CreditLedgerEntry
	err := tx.Where("organization_id = ? AND idempotency_key = ? AND type = ?", orgID, key, models.LedgerEntryConsumption).
		Order("pool ASC").
		Find(&entries).Error
	return entries, err
}

// truncate cuts value to at most limit bytes without splitting a rune.
func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
