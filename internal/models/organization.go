package models

// OrganizationStatus captures the soft lifecycle of a tenant.
type OrganizationStatus string

const (
	OrganizationStatusActive    OrganizationStatus = "active"
	OrganizationStatusSuspended OrganizationStatus = "suspended"
)

// Organization is a tenant. Organizations are never hard-deleted; suspension
// is expressed through Status.
type Organization struct {
	BaseModel

	Name     string             `gorm:"not null" json:"name"`
	PlanTier string             `gorm:"type:varchar(32);not null;default:'free'" json:"plan_tier"`
	Status   OrganizationStatus `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`

	Features []OrganizationFeature `gorm:"foreignKey:OrganizationID" json:"features,omitempty"`
	Limits   []OrganizationLimit   `gorm:"foreignKey:OrganizationID" json:"limits,omitempty"`
}

// IsActive reports whether the organization may use any feature.
func (o *Organization) IsActive() bool {
	return o != nil && (o.Status == "" || o.Status == OrganizationStatusActive)
}
