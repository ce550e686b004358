package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditLog records an administrative mutation and who performed it.
type AuditLog struct {
	ID             string            `gorm:"primaryKey;type:uuid" json:"id"`
	ActorID        string            `gorm:"size:64;index" json:"actor_id"`
	OrganizationID *string           `gorm:"type:uuid;index" json:"organization_id,omitempty"`
	Action         string            `gorm:"not null;index" json:"action"`
	Resource       string            `gorm:"index" json:"resource"`
	Result         string            `gorm:"not null" json:"result"`
	IPAddress      string            `json:"ip_address"`
	UserAgent      string            `json:"user_agent"`
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"index" json:"created_at"`
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
