package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/weddingdesk/internal/models"
)

// LastSweepSetting records when the reconciliation sweep last completed.
const LastSweepSetting = "maintenance.last_sweep_at"

// GetSystemSetting retrieves a system setting by key. Returns an empty string when not found.
func GetSystemSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("system settings: db is nil")
	}

	var setting models.SystemSetting
	err := db.WithContext(ctx).Take(&setting, "setting_key = ?", key).Error
	if err == nil {
		return setting.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return "", fmt.Errorf("system settings: get %q: %w", key, err)
}

// UpsertSystemSetting stores or updates a system setting value.
func UpsertSystemSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	if db == nil {
		return fmt.Errorf("system settings: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("system settings: key is required")
	}

	record := models.SystemSetting{
		Key:   key,
		Value: value,
	}

	if err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&record).Error; err != nil {
		return fmt.Errorf("system settings: upsert %q: %w", key, err)
	}

	return nil
}

// RecordSweep stores the completion time of a reconciliation sweep.
func RecordSweep(ctx context.Context, db *gorm.DB, at time.Time) error {
	return UpsertSystemSetting(ctx, db, LastSweepSetting, at.UTC().Format(time.RFC3339))
}

// LastSweep returns the completion time of the most recent sweep, or the zero time.
func LastSweep(ctx context.Context, db *gorm.DB) (time.Time, error) {
	raw, err := GetSystemSetting(ctx, db, LastSweepSetting)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("system settings: parse %q: %w", LastSweepSetting, err)
	}
	return at, nil
}
