package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// FeatureFlag is a named switch with a global state and per-organization
// overrides. Version increases on every change so a resolver can tell which
// snapshot it evaluated.
type FeatureFlag struct {
	BaseModel

	Name                     string                      `gorm:"uniqueIndex;size:64;not null" json:"name"`
	Description              string                      `json:"description"`
	GlobalEnabled            bool                        `gorm:"not null" json:"global_enabled"`
	WhitelistedOrganizations datatypes.JSONSlice[string] `gorm:"type:json" json:"whitelisted_organizations"`
	BlacklistedOrganizations datatypes.JSONSlice[string] `gorm:"type:json" json:"blacklisted_organizations"`
	Version                  int64                       `gorm:"not null" json:"version"`
}

// BeforeCreate assigns the identifier and the initial version.
func (f *FeatureFlag) BeforeCreate(tx *gorm.DB) error {
	if f.Version == 0 {
		f.Version = 1
	}
	return f.BaseModel.BeforeCreate(tx)
}

// IsWhitelisted reports whether orgID is forced on.
func (f *FeatureFlag) IsWhitelisted(orgID string) bool {
	return containsString(f.WhitelistedOrganizations, orgID)
}

// IsBlacklisted reports whether orgID is forced off.
func (f *FeatureFlag) IsBlacklisted(orgID string) bool {
	return containsString(f.BlacklistedOrganizations, orgID)
}

// FeatureDefinition names a product capability an organization can be
// configured with. FeatureFlagName optionally links it to a FeatureFlag; when
// empty the flag sharing the definition's name applies, if any.
type FeatureDefinition struct {
	BaseModel

	Name            string  `gorm:"uniqueIndex;size:64;not null" json:"name"`
	Description     string  `json:"description"`
	FeatureFlagName *string `gorm:"size:64" json:"feature_flag_name,omitempty"`
}

// FlagName returns the flag that gates this definition.
func (d *FeatureDefinition) FlagName() string {
	if d.FeatureFlagName != nil && *d.FeatureFlagName != "" {
		return *d.FeatureFlagName
	}
	return d.Name
}

// OrganizationFeature toggles a feature definition for one organization.
type OrganizationFeature struct {
	BaseModel

	OrganizationID      string             `gorm:"type:uuid;not null;uniqueIndex:idx_org_feature" json:"organization_id"`
	FeatureDefinitionID string             `gorm:"type:uuid;not null;uniqueIndex:idx_org_feature" json:"feature_definition_id"`
	FeatureDefinition   *FeatureDefinition `gorm:"foreignKey:FeatureDefinitionID" json:"feature_definition,omitempty"`
	IsEnabled           bool               `gorm:"not null" json:"is_enabled"`
	EnabledAt           *time.Time         `json:"enabled_at,omitempty"`
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
