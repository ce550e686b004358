package models

import (
	"time"

	"gorm.io/datatypes"
)

// RSVP states recorded for guests.
const (
	RSVPStatusPending   = "pending"
	RSVPStatusAttending = "attending"
	RSVPStatusDeclined  = "declined"
	RSVPStatusMaybe     = "maybe"
)

// Event is a wedding or related occasion owned by an organization.
type Event struct {
	BaseModel

	OrganizationID string    `gorm:"type:uuid;not null;index" json:"organization_id"`
	Name           string    `gorm:"not null" json:"name"`
	Date           time.Time `json:"date"`
	Venue          string    `json:"venue"`
	RSVPBaseURL    string    `json:"rsvp_base_url"`
	Archived       bool      `gorm:"not null;index" json:"archived"`

	Guests []Guest `gorm:"foreignKey:EventID" json:"guests,omitempty"`
}

// Guest is an invitee of an event.
type Guest struct {
	BaseModel

	EventID        string                                `gorm:"type:uuid;not null;index" json:"event_id"`
	OrganizationID string                                `gorm:"type:uuid;not null;index" json:"organization_id"`
	Name           string                                `gorm:"not null" json:"name"`
	Phone          string                                `gorm:"size:32" json:"phone"`
	RSVPStatus     string                                `gorm:"size:16;not null;default:'pending'" json:"rsvp_status"`
	RSVPToken      string                                `gorm:"size:64" json:"rsvp_token"`
	Attributes     datatypes.JSONType[map[string]string] `gorm:"type:json" json:"attributes"`
}
