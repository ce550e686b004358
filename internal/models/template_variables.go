package models

import (
	"fmt"
	"strconv"
)

// Known template variable keys.
const (
	TemplateKeyGuestName = "guest_name"
	TemplateKeyEventName = "event_name"
	TemplateKeyEventDate = "event_date"
	TemplateKeyVenue     = "venue"
	TemplateKeyRSVPLink  = "rsvp_link"
)

// TemplateVariables is the substitution payload of one delivery. Known keys
// are typed fields; Extra carries anything else a template references.
type TemplateVariables struct {
	GuestName string            `json:"guest_name,omitempty"`
	EventName string            `json:"event_name,omitempty"`
	EventDate string            `json:"event_date,omitempty"`
	Venue     string            `json:"venue,omitempty"`
	RSVPLink  string            `json:"rsvp_link,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Lookup resolves a key against the known fields first, then Extra.
func (v TemplateVariables) Lookup(key string) (string, bool) {
	switch key {
	case TemplateKeyGuestName:
		return v.GuestName, v.GuestName != ""
	case TemplateKeyEventName:
		return v.EventName, v.EventName != ""
	case TemplateKeyEventDate:
		return v.EventDate, v.EventDate != ""
	case TemplateKeyVenue:
		return v.Venue, v.Venue != ""
	case TemplateKeyRSVPLink:
		return v.RSVPLink, v.RSVPLink != ""
	}
	value, ok := v.Extra[key]
	return value, ok && value != ""
}

// Positional maps ordered keys to the 1-based placeholders used by provider
// content templates ({"1": ..., "2": ...}).
func (v TemplateVariables) Positional(keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for i, key := range keys {
		value, ok := v.Lookup(key)
		if !ok {
			return nil, fmt.Errorf("template variable %q is missing", key)
		}
		out[strconv.Itoa(i+1)] = value
	}
	return out, nil
}
