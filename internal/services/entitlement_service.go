package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/cache"
	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/pkg/logger"
)

// Reasons reported by entitlement decisions.
const (
	ReasonOrganizationInactive = "organization inactive"
	ReasonBlacklisted          = "blacklisted"
	ReasonNotEnabled           = "not enabled"
	ReasonFeatureDisabled      = "feature disabled for organization"
	ReasonUnknownFeature       = "unknown feature"
	ReasonGlobalEnabled        = "globally enabled"
	ReasonWhitelisted          = "whitelisted"
	ReasonEnabled              = "enabled"
)

const (
	defaultEntitlementCacheTTL = 5 * time.Second
	flagCachePrefix            = "entitlements:flag:"
)

// EntitlementConfig tunes the resolver.
type EntitlementConfig struct {
	// CacheTTL bounds how stale a cached flag may be. Zero uses the default, negative disables caching.
	CacheTTL time.Duration
}

// FlagState is the versioned view of a feature flag as seen by one organization.
type FlagState struct {
	Name          string `json:"name"`
	Exists        bool   `json:"exists"`
	GlobalEnabled bool   `json:"global_enabled"`
	Whitelisted   bool   `json:"whitelisted"`
	Blacklisted   bool   `json:"blacklisted"`
	Version       int64  `json:"version"`
}

// EntitlementSnapshot is everything a decision depends on, read once per resolution.
type EntitlementSnapshot struct {
	OrganizationActive bool
	Flag               FlagState
	DefinitionExists   bool
	ToggleExists       bool
	ToggleEnabled      bool
}

// EntitlementDecision is the outcome of resolving a feature for an organization.
type EntitlementDecision struct {
	OrganizationID string `json:"organization_id"`
	Feature        string `json:"feature"`
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason"`
	FlagVersion    int64  `json:"flag_version,omitempty"`
}

// Evaluate decides access from a snapshot. Blacklisting always wins; the whitelist
// only matters while the flag is globally disabled; the organization's own toggle
// is required whenever the feature is defined.
func Evaluate(s EntitlementSnapshot) (bool, string) {
	if !s.OrganizationActive {
		return false, ReasonOrganizationInactive
	}
	if !s.Flag.Exists && !s.DefinitionExists {
		return false, ReasonUnknownFeature
	}

	reason := ReasonEnabled
	if s.Flag.Exists {
		switch {
		case s.Flag.Blacklisted:
			return false, ReasonBlacklisted
		case s.Flag.GlobalEnabled:
			reason = ReasonGlobalEnabled
		case s.Flag.Whitelisted:
			reason = ReasonWhitelisted
		default:
			return false, ReasonNotEnabled
		}
	}

	if s.DefinitionExists && (!s.ToggleExists || !s.ToggleEnabled) {
		return false, ReasonFeatureDisabled
	}
	return true, reason
}

// FlagUpdate describes changes to a feature flag. Nil fields are left untouched.
type FlagUpdate struct {
	Description   *string
	GlobalEnabled *bool
	Whitelist     *[]string
	Blacklist     *[]string
}

// EntitlementService resolves feature access and administers flags and toggles.
type EntitlementService struct {
	db    *gorm.DB
	audit *AuditService
	store cache.Store
	ttl   time.Duration
	log   *zap.Logger
}

// NewEntitlementService constructs the resolver. store may be nil to disable caching.
func NewEntitlementService(db *gorm.DB, audit *AuditService, store cache.Store, cfg EntitlementConfig) (*EntitlementService, error) {
	if db == nil {
		return nil, errors.New("entitlement service: db is required")
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = defaultEntitlementCacheTTL
	}
	return &EntitlementService{
		db:    db,
		audit: audit,
		store: store,
		ttl:   ttl,
		log:   logger.WithModule("entitlements"),
	}, nil
}

// Resolve reports whether orgID may use feature. It has no side effects.
func (s *EntitlementService) Resolve(ctx context.Context, orgID, feature string) (EntitlementDecision, error) {
	ctx = ensureContext(ctx)
	orgID = strings.TrimSpace(orgID)
	feature = strings.TrimSpace(feature)

	decision := EntitlementDecision{OrganizationID: orgID, Feature: feature}
	if feature == "" {
		return decision, invalidInput("feature is required")
	}

	snapshot, err := s.snapshot(ctx, orgID, feature)
	if err != nil {
		return decision, err
	}

	decision.Allowed, decision.Reason = Evaluate(snapshot)
	decision.FlagVersion = snapshot.Flag.Version
	return decision, nil
}

// Require returns an *EntitlementDeniedError when orgID may not use feature.
func (s *EntitlementService) Require(ctx context.Context, orgID, feature string) error {
	decision, err := s.Resolve(ctx, orgID, feature)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &EntitlementDeniedError{OrganizationID: orgID, Feature: feature, Reason: decision.Reason}
	}
	return nil
}

func (s *EntitlementService) snapshot(ctx context.Context, orgID, feature string) (EntitlementSnapshot, error) {
	var snap EntitlementSnapshot

	var org models.Organization
	if err := s.db.WithContext(ctx).Select("id", "status").First(&org, "id = ?", orgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return snap, ErrOrganizationNotFound
		}
		return snap, fmt.Errorf("entitlement service: load organization: %w", err)
	}
	snap.OrganizationActive = org.IsActive()

	flagName := feature
	var def models.FeatureDefinition
	err := s.db.WithContext(ctx).First(&def, "name = ?", feature).Error
	switch {
	case err == nil:
		snap.DefinitionExists = true
		flagName = def.FlagName()

		var toggle models.OrganizationFeature
		toggleErr := s.db.WithContext(ctx).
			First(&toggle, "organization_id = ? AND feature_definition_id = ?", orgID, def.ID).Error
		switch {
		case toggleErr == nil:
			snap.ToggleExists = true
			snap.ToggleEnabled = toggle.IsEnabled
		case !errors.Is(toggleErr, gorm.ErrRecordNotFound):
			return snap, fmt.Errorf("entitlement service: load organization feature: %w", toggleErr)
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return snap, fmt.Errorf("entitlement service: load feature definition: %w", err)
	}

	flag, err := s.loadFlag(ctx, flagName)
	if err != nil {
		return snap, err
	}
	if flag != nil {
		snap.Flag = FlagState{
			Name:          flag.Name,
			Exists:        true,
			GlobalEnabled: flag.GlobalEnabled,
			Whitelisted:   flag.IsWhitelisted(orgID),
			Blacklisted:   flag.IsBlacklisted(orgID),
			Version:       flag.Version,
		}
	}
	return snap, nil
}

// cachedFlag is the cache representation of a flag; Missing records a negative lookup.
type cachedFlag struct {
	Missing bool                `json:"missing"`
	Flag    *models.FeatureFlag `json:"flag,omitempty"`
}

func (s *EntitlementService) loadFlag(ctx context.Context, name string) (*models.FeatureFlag, error) {
	key := flagCachePrefix + name
	if s.cacheEnabled() {
		var cached cachedFlag
		ok, err := cache.GetJSON(ctx, s.store, key, &cached)
		if err != nil {
			s.log.Warn("flag cache read failed", zap.String("flag", name), zap.Error(err))
		} else if ok {
			if cached.Missing {
				return nil, nil
			}
			return cached.Flag, nil
		}
	}

	var flag models.FeatureFlag
	err := s.db.WithContext(ctx).First(&flag, "name = ?", name).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("entitlement service: load feature flag: %w", err)
	}

	entry := cachedFlag{Missing: err != nil}
	if err == nil {
		entry.Flag = &flag
	}
	if s.cacheEnabled() {
		if cacheErr := cache.SetJSON(ctx, s.store, key, entry, s.ttl); cacheErr != nil {
			s.log.Warn("flag cache write failed", zap.String("flag", name), zap.Error(cacheErr))
		}
	}
	return entry.Flag, nil
}

func (s *EntitlementService) cacheEnabled() bool {
	return s.store != nil && s.ttl > 0
}

func (s *EntitlementService) invalidateFlag(ctx context.Context, name string) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(ctx, flagCachePrefix+name); err != nil {
		s.log.Warn("flag cache invalidation failed", zap.String("flag", name), zap.Error(err))
	}
}

// GetFlag returns a flag by name.
func (s *EntitlementService) GetFlag(ctx context.Context, name string) (*models.FeatureFlag, error) {
	ctx = ensureContext(ctx)

	var flag models.FeatureFlag
	err := s.db.WithContext(ctx).First(&flag, "name = ?", strings.TrimSpace(name)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFeatureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("entitlement service: get flag: %w", err)
	}
	return &flag, nil
}

// SetFlag applies update to the named flag, creating it when missing, and bumps its version.
func (s *EntitlementService) SetFlag(ctx context.Context, name string, update FlagUpdate) (*models.FeatureFlag, error) {
	ctx = ensureContext(ctx)

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidInput("flag name is required")
	}

	var flag models.FeatureFlag
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&flag, "name = ?", name).Error
		creating := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !creating {
			return fmt.Errorf("load flag: %w", err)
		}

		if creating {
			flag = models.FeatureFlag{Name: name}
		}
		if update.Description != nil {
			flag.Description = strings.TrimSpace(*update.Description)
		}
		if update.GlobalEnabled != nil {
			flag.GlobalEnabled = *update.GlobalEnabled
		}
		if update.Whitelist != nil {
			flag.WhitelistedOrganizations = datatypes.JSONSlice[string](normaliseIDs(*update.Whitelist))
		}
		if update.Blacklist != nil {
			flag.BlacklistedOrganizations = datatypes.JSONSlice[string](normaliseIDs(*update.Blacklist))
		}

		if creating {
			return tx.Create(&flag).Error
		}
		flag.Version++
		return tx.Save(&flag).Error
	})
	if err != nil {
		return nil, fmt.Errorf("entitlement service: set flag: %w", err)
	}

	s.invalidateFlag(ctx, name)

	recordAudit(s.audit, ctx, AuditEntry{
		Action:   "feature_flag.update",
		Resource: name,
		Result:   "success",
		Metadata: map[string]any{
			"global_enabled": flag.GlobalEnabled,
			"whitelisted":    len(flag.WhitelistedOrganizations),
			"blacklisted":    len(flag.BlacklistedOrganizations),
			"version":        flag.Version,
		},
	})

	return &flag, nil
}

// SetOrganizationFeature turns a defined feature on or off for an organization.
func (s *EntitlementService) SetOrganizationFeature(ctx context.Context, orgID, feature string, enabled bool) (*models.OrganizationFeature, error) {
	ctx = ensureContext(ctx)
	orgID = strings.TrimSpace(orgID)

	var org models.Organization
	if err := s.db.WithContext(ctx).Select("id").First(&org, "id = ?", orgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("entitlement service: load organization: %w", err)
	}

	var def models.FeatureDefinition
	if err := s.db.WithContext(ctx).First(&def, "name = ?", strings.TrimSpace(feature)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFeatureNotFound
		}
		return nil, fmt.Errorf("entitlement service: load feature definition: %w", err)
	}

	var toggle models.OrganizationFeature
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&toggle, "organization_id = ? AND feature_definition_id = ?", orgID, def.ID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var enabledAt *time.Time
		if enabled {
			now := time.Now().UTC()
			enabledAt = &now
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			toggle = models.OrganizationFeature{
				OrganizationID:      orgID,
				FeatureDefinitionID: def.ID,
				IsEnabled:           enabled,
				EnabledAt:           enabledAt,
			}
			return tx.Create(&toggle).Error
		}

		if toggle.IsEnabled == enabled {
			return nil
		}
		toggle.IsEnabled = enabled
		toggle.EnabledAt = enabledAt
		return tx.Model(&toggle).Select("is_enabled", "enabled_at").Updates(&toggle).Error
	})
	if err != nil {
		return nil, fmt.Errorf("entitlement service: set organization feature: %w", err)
	}
	toggle.FeatureDefinition = &def

	recordAudit(s.audit, ctx, AuditEntry{
		OrganizationID: orgID,
		Action:         "org.feature",
		Resource:       def.Name,
		Result:         "success",
		Metadata:       map[string]any{"enabled": enabled},
	})

	return &toggle, nil
}
