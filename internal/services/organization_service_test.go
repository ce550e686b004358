package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/weddingdesk/internal/auditctx"
	"github.com/charlesng35/weddingdesk/internal/database"
	"github.com/charlesng35/weddingdesk/internal/models"
)

func TestOrganizationServiceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := auditctx.WithActor(context.Background(), auditctx.Actor{ID: "planner-1", IPAddress: "203.0.113.9"})

	org, err := env.orgs.Create(ctx, CreateOrganizationInput{Name: "  Ada & Sam  ", PlanTier: "Premium"})
	require.NoError(t, err)
	require.NotEmpty(t, org.ID)
	require.Equal(t, "Ada & Sam", org.Name)
	require.Equal(t, "premium", org.PlanTier)
	require.Equal(t, models.OrganizationStatusActive, org.Status)

	_, err = env.entitlements.SetOrganizationFeature(ctx, org.ID, database.FeatureRSVPTracking, true)
	require.NoError(t, err)
	_, err = env.ledger.SetLimit(ctx, org.ID, database.LimitMessages, 500)
	require.NoError(t, err)

	loaded, err := env.orgs.GetByID(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Features, 1)
	require.Equal(t, database.FeatureRSVPTracking, loaded.Features[0].FeatureDefinition.Name)
	require.Len(t, loaded.Limits, 1)
	require.Equal(t, int64(500), loaded.Limits[0].Value)

	suspended, err := env.orgs.SetStatus(ctx, org.ID, models.OrganizationStatusSuspended)
	require.NoError(t, err)
	require.Equal(t, models.OrganizationStatusSuspended, suspended.Status)

	_, err = env.orgs.SetStatus(ctx, org.ID, "deleted")
	require.ErrorIs(t, err, ErrInvalidInput)

	all, err := env.orgs.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	logs, _, err := env.audit.List(ctx, AuditListOptions{Filters: AuditFilters{OrganizationID: org.ID, Action: "org.status"}})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "planner-1", logs[0].ActorID)
	require.Equal(t, "203.0.113.9", logs[0].IPAddress)
}

func TestOrganizationServiceValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.orgs.Create(ctx, CreateOrganizationInput{Name: "   "})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.orgs.GetByID(ctx, "missing")
	require.ErrorIs(t, err, ErrOrganizationNotFound)

	_, err = env.orgs.SetStatus(ctx, "missing", models.OrganizationStatusActive)
	require.ErrorIs(t, err, ErrOrganizationNotFound)
}
