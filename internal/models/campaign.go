package models

import (
	"time"

	"gorm.io/datatypes"
)

// CampaignStatus is the rolled-up state of a bulk send.
type CampaignStatus string

const (
	CampaignStatusCreated   CampaignStatus = "CREATED"
	CampaignStatusSending   CampaignStatus = "SENDING"
	CampaignStatusCompleted CampaignStatus = "COMPLETED"
)

// RecipientFilter narrows the guests of an event a campaign targets. An empty
// filter selects every guest with a phone number.
type RecipientFilter struct {
	GuestIDs     []string `json:"guest_ids,omitempty"`
	RSVPStatuses []string `json:"rsvp_statuses,omitempty"`
}

// Campaign is a bulk message job for one event and template.
type Campaign struct {
	BaseModel

	OrganizationID  string                              `gorm:"type:uuid;not null;index" json:"organization_id"`
	EventID         string                              `gorm:"type:uuid;not null;index" json:"event_id"`
	Name            string                              `gorm:"not null" json:"name"`
	TemplateID      string                              `gorm:"size:64;not null" json:"template_id"`
	VariableKeys    datatypes.JSONSlice[string]         `gorm:"type:json" json:"variable_keys"`
	RecipientFilter datatypes.JSONType[RecipientFilter] `gorm:"type:json" json:"recipient_filter"`
	Status          CampaignStatus                      `gorm:"type:varchar(16);not null;default:'CREATED';index" json:"status"`
	CreatedByID     string                              `gorm:"size:64" json:"created_by_id"`
	AdmittedAt      *time.Time                          `json:"admitted_at,omitempty"`
	CancelledAt     *time.Time                          `json:"cancelled_at,omitempty"`
	CompletedAt     *time.Time                          `json:"completed_at,omitempty"`

	Deliveries []Delivery `gorm:"foreignKey:CampaignID;constraint:OnDelete:CASCADE" json:"deliveries,omitempty"`
}

// IsCancelled reports whether the campaign was cancelled while sending.
func (c *Campaign) IsCancelled() bool {
	return c.CancelledAt != nil
}
