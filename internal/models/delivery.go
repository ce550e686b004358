package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeliveryStatus is the per-recipient state.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "PENDING"
	DeliveryStatusSent      DeliveryStatus = "SENT"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
)

// IsTerminal reports whether no further transition is legal.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusFailed
}

// Delivery is one recipient of a campaign.
type Delivery struct {
	BaseModel

	CampaignID        string                                `gorm:"type:uuid;not null;index;index:idx_delivery_campaign_status,priority:1" json:"campaign_id"`
	OrganizationID    string                                `gorm:"type:uuid;not null;index" json:"organization_id"`
	GuestID           string                                `gorm:"type:uuid;index" json:"guest_id"`
	Phone             string                                `gorm:"size:32;not null" json:"phone"`
	Status            DeliveryStatus                        `gorm:"type:varchar(16);not null;default:'PENDING';index:idx_delivery_campaign_status,priority:2" json:"status"`
	ProviderMessageID *string                               `gorm:"size:64;uniqueIndex" json:"provider_message_id,omitempty"`
	ErrorMessage      *string                               `gorm:"type:text" json:"error_message,omitempty"`
	TemplateVariables datatypes.JSONType[TemplateVariables] `gorm:"type:json" json:"template_variables"`
	DispatchToken     string                                `gorm:"size:64;not null;uniqueIndex" json:"dispatch_token"`
	Batch             int                                   `gorm:"not null" json:"batch"`
	Attempts          int                                   `gorm:"not null" json:"attempts"`
	ClaimedAt         *time.Time                            `json:"claimed_at,omitempty"`
	SentAt            *time.Time                            `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time                            `json:"delivered_at,omitempty"`
	FailedAt          *time.Time                            `json:"failed_at,omitempty"`
}
