package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/weddingdesk/internal/database/testutil"
	"github.com/charlesng35/weddingdesk/internal/models"
)

func TestAuditServiceLogAndList(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewAuditService(db)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Log(ctx, AuditEntry{
		OrganizationID: "org-1",
		Action:         "ledger.top_up",
		Resource:       "entry-1",
		Result:         "success",
		Metadata:       map[string]any{"credits": 50},
	}))
	require.NoError(t, svc.Log(ctx, AuditEntry{
		ActorID:  "planner-1",
		Action:   "feature_flag.update",
		Resource: "whatsapp_messaging",
		Result:   "success",
	}))

	logs, total, err := svc.List(ctx, AuditListOptions{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, logs, 2)

	filtered, total, err := svc.List(ctx, AuditListOptions{Filters: AuditFilters{OrganizationID: "org-1"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "system", filtered[0].ActorID)
	require.Equal(t, json.Number("50"), filtered[0].Metadata["credits"])

	require.Error(t, svc.Log(ctx, AuditEntry{Result: "success"}))
	require.Error(t, svc.Log(ctx, AuditEntry{Action: "x"}))
}

func TestAuditServiceCleanupOlderThan(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewAuditService(db)
	require.NoError(t, err)

	old := models.AuditLog{Action: "old.action", Result: "success", CreatedAt: time.Now().AddDate(0, 0, -10)}
	require.NoError(t, db.Create(&old).Error)
	fresh := models.AuditLog{Action: "new.action", Result: "success"}
	require.NoError(t, db.Create(&fresh).Error)

	removed, err := svc.CleanupOlderThan(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	var remaining []models.AuditLog
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, "new.action", remaining[0].Action)

	_, err = svc.CleanupOlderThan(context.Background(), 0)
	require.Error(t, err)
}
