package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/models"
)

const eventDateLayout = "Monday, 2 January 2006"

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// Recipient is one addressable guest with the variables its message renders with.
type Recipient struct {
	GuestID   string
	Name      string
	Phone     string
	Variables models.TemplateVariables
}

// DirectoryService is the read-only view of events and guests used to build recipient lists.
type DirectoryService struct {
	db *gorm.DB
}

// NewDirectoryService constructs a DirectoryService.
func NewDirectoryService(db *gorm.DB) (*DirectoryService, error) {
	if db == nil {
		return nil, errors.New("directory service: db is required")
	}
	return &DirectoryService{db: db}, nil
}

// GetEvent loads an event owned by orgID.
func (s *DirectoryService) GetEvent(ctx context.Context, orgID, eventID string) (*models.Event, error) {
	ctx = ensureContext(ctx)

	var event models.Event
	err := s.db.WithContext(ctx).
		First(&event, "id = ? AND organization_id = ?", strings.TrimSpace(eventID), strings.TrimSpace(orgID)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("directory service: get event: %w", err)
	}
	return &event, nil
}

// Recipients lists the guests of an event matching filter. Guests without a
// valid phone number are skipped and each phone number appears once, kept for
// the earliest guest.
func (s *DirectoryService) Recipients(ctx context.Context, orgID, eventID string, filter models.RecipientFilter) ([]Recipient, error) {
	ctx = ensureContext(ctx)

	event, err := s.GetEvent(ctx, orgID, eventID)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).
		Where("event_id = ? AND organization_id = ?", event.ID, event.OrganizationID)
	if ids := normaliseIDs(filter.GuestIDs); len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}
	if statuses := normaliseStatuses(filter.RSVPStatuses); len(statuses) > 0 {
		query = query.Where("rsvp_status IN ?", statuses)
	}

	var guests []models.Guest
	if err := query.Order("created_at ASC").Order("id ASC").Find(&guests).Error; err != nil {
		return nil, fmt.Errorf("directory service: list guests: %w", err)
	}

	seen := make(map[string]struct{}, len(guests))
	recipients := make([]Recipient, 0, len(guests))
	for _, guest := range guests {
		phone, ok := NormalizePhone(guest.Phone)
		if !ok {
			continue
		}
		if _, dup := seen[phone]; dup {
			continue
		}
		seen[phone] = struct{}{}

		recipients = append(recipients, Recipient{
			GuestID:   guest.ID,
			Name:      guest.Name,
			Phone:     phone,
			Variables: guestVariables(event, &guest),
		})
	}
	return recipients, nil
}

// CountActiveEvents counts the organization's events that are not archived.
func (s *DirectoryService) CountActiveEvents(ctx context.Context, orgID string) (int64, error) {
	ctx = ensureContext(ctx)

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("organization_id = ? AND archived = ?", strings.TrimSpace(orgID), false).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("directory service: count events: %w", err)
	}
	return count, nil
}

// NormalizePhone converts a phone number to E.164. Spaces, dashes, dots and
// parentheses are dropped and a leading 00 becomes +.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9', r == '+':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.', r == '(', r == ')':
		default:
			return "", false
		}
	}

	phone := b.String()
	if strings.HasPrefix(phone, "00") {
		phone = "+" + phone[2:]
	}
	if !e164Pattern.MatchString(phone) {
		return "", false
	}
	return phone, true
}

func guestVariables(event *models.Event, guest *models.Guest) models.TemplateVariables {
	vars := models.TemplateVariables{
		GuestName: guest.Name,
		EventName: event.Name,
		Venue:     event.Venue,
	}
	if !event.Date.IsZero() {
		vars.EventDate = event.Date.Format(eventDateLayout)
	}
	if base := strings.TrimRight(strings.TrimSpace(event.RSVPBaseURL), "/"); base != "" && guest.RSVPToken != "" {
		vars.RSVPLink = base + "/" + guest.RSVPToken
	}
	if attrs := guest.Attributes.Data(); len(attrs) > 0 {
		vars.Extra = make(map[string]string, len(attrs))
		for k, v := range attrs {
			vars.Extra[k] = v
		}
	}
	return vars
}

func normaliseStatuses(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" && !containsString(out, v) {
			out = append(out, v)
		}
	}
	return out
}
