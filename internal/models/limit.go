package models

// UnlimitedLimit marks an OrganizationLimit without a ceiling. A zero or
// missing limit blocks usage instead.
const UnlimitedLimit int64 = -1

// LimitScope describes how usage of a limit is measured.
type LimitScope string

const (
	// LimitScopeCycle limits are measured per billing cycle.
	LimitScopeCycle LimitScope = "cycle"
	// LimitScopeConcurrent limits count currently active resources.
	LimitScopeConcurrent LimitScope = "concurrent"
)

// LimitDefinition names a numeric ceiling such as messages per cycle.
type LimitDefinition struct {
	BaseModel

	Name        string     `gorm:"uniqueIndex;size:64;not null" json:"name"`
	Description string     `json:"description"`
	Unit        string     `gorm:"size:32" json:"unit"`
	Scope       LimitScope `gorm:"type:varchar(16);not null;default:'cycle'" json:"scope"`
}

// OrganizationLimit is the configured ceiling of a limit for one organization.
type OrganizationLimit struct {
	BaseModel

	OrganizationID    string           `gorm:"type:uuid;not null;uniqueIndex:idx_org_limit" json:"organization_id"`
	LimitDefinitionID string           `gorm:"type:uuid;not null;uniqueIndex:idx_org_limit" json:"limit_definition_id"`
	LimitDefinition   *LimitDefinition `gorm:"foreignKey:LimitDefinitionID" json:"limit_definition,omitempty"`
	Value             int64            `gorm:"not null" json:"value"`
}

// IsUnlimited reports whether the limit carries the unlimited sentinel.
func (l *OrganizationLimit) IsUnlimited() bool {
	return l != nil && l.Value == UnlimitedLimit
}
