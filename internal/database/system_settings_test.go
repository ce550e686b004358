package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/models"
)

func TestGetAndUpsertSystemSetting(t *testing.T) {
	db := openSystemSettingTestDB(t)

	value, err := GetSystemSetting(context.Background(), db, "missing")
	require.NoError(t, err)
	require.Equal(t, "", value)

	require.NoError(t, UpsertSystemSetting(context.Background(), db, "sample", "value1"))

	retrieved, err := GetSystemSetting(context.Background(), db, "sample")
	require.NoError(t, err)
	require.Equal(t, "value1", retrieved)

	require.NoError(t, UpsertSystemSetting(context.Background(), db, "sample", "value2"))

	retrieved, err = GetSystemSetting(context.Background(), db, "sample")
	require.NoError(t, err)
	require.Equal(t, "value2", retrieved)
}

func TestUpsertSystemSettingRequiresKey(t *testing.T) {
	db := openSystemSettingTestDB(t)

	require.Error(t, UpsertSystemSetting(context.Background(), db, "  ", "value"))
}

func TestRecordAndReadLastSweep(t *testing.T) {
	db := openSystemSettingTestDB(t)

	at, err := LastSweep(context.Background(), db)
	require.NoError(t, err)
	require.True(t, at.IsZero())

	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	require.NoError(t, RecordSweep(context.Background(), db, now))

	at, err = LastSweep(context.Background(), db)
	require.NoError(t, err)
	require.True(t, now.Equal(at))
}

func openSystemSettingTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db := openTestDB(t)
	require.NoError(t, db.AutoMigrate(&models.SystemSetting{}))
	return db
}
