package database

import (
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/models"
)

// Seeded feature and limit names.
const (
	FeatureWhatsAppMessaging = "whatsapp_messaging"
	FeatureAIChatbot         = "ai_chatbot"
	FeatureRSVPTracking      = "rsvp_tracking"

	LimitMessages     = "messages"
	LimitActiveEvents = "active_events"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Organization{},
		&models.FeatureFlag{},
		&models.FeatureDefinition{},
		&models.OrganizationFeature{},
		&models.LimitDefinition{},
		&models.OrganizationLimit{},
		&models.CreditLedgerEntry{},
		&models.Event{},
		&models.Guest{},
		&models.Campaign{},
		&models.Delivery{},
		&models.CacheEntry{},
		&models.SystemSetting{},
		&models.AuditLog{},
	)
}

// SeedData populates the default feature flags, feature definitions and limit definitions.
func SeedData(db *gorm.DB) error {
	flags := []models.FeatureFlag{
		{Name: FeatureWhatsAppMessaging, Description: "Bulk WhatsApp campaigns", GlobalEnabled: true},
		{Name: FeatureAIChatbot, Description: "Guest-facing AI assistant", GlobalEnabled: false},
		{Name: FeatureRSVPTracking, Description: "RSVP collection and reminders", GlobalEnabled: true},
	}
	for _, flag := range flags {
		if err := ensureByName(db, flag.Name, &flag, &models.FeatureFlag{}); err != nil {
			return err
		}
	}

	features := []models.FeatureDefinition{
		{Name: FeatureWhatsAppMessaging, Description: "Send template messages to guests over WhatsApp"},
		{Name: FeatureAIChatbot, Description: "Answer guest questions automatically"},
		{Name: FeatureRSVPTracking, Description: "Track guest responses"},
	}
	for _, feature := range features {
		if err := ensureByName(db, feature.Name, &feature, &models.FeatureDefinition{}); err != nil {
			return err
		}
	}

	limits := []models.LimitDefinition{
		{Name: LimitMessages, Description: "Outbound messages per billing cycle", Unit: "messages", Scope: models.LimitScopeCycle},
		{Name: LimitActiveEvents, Description: "Events that are not archived", Unit: "events", Scope: models.LimitScopeConcurrent},
	}
	for _, limit := range limits {
		if err := ensureByName(db, limit.Name, &limit, &models.LimitDefinition{}); err != nil {
			return err
		}
	}

	return nil
}
