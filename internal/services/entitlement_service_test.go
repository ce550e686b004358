package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/weddingdesk/internal/cache"
	"github.com/charlesng35/weddingdesk/internal/database"
	"github.com/charlesng35/weddingdesk/internal/models"
)

func TestEvaluate(t *testing.T) {
	enabledToggle := EntitlementSnapshot{OrganizationActive: true, DefinitionExists: true, ToggleExists: true, ToggleEnabled: true}

	withFlag := func(base EntitlementSnapshot, flag FlagState) EntitlementSnapshot {
		flag.Exists = true
		base.Flag = flag
		return base
	}

	cases := []struct {
		name     string
		snapshot EntitlementSnapshot
		allowed  bool
		reason   string
	}{
		{"global on", withFlag(enabledToggle, FlagState{GlobalEnabled: true}), true, ReasonGlobalEnabled},
		{"whitelisted while global off", withFlag(enabledToggle, FlagState{Whitelisted: true}), true, ReasonWhitelisted},
		{"global off", withFlag(enabledToggle, FlagState{}), false, ReasonNotEnabled},
		{"blacklist beats global", withFlag(enabledToggle, FlagState{GlobalEnabled: true, Blacklisted: true}), false, ReasonBlacklisted},
		{"blacklist beats whitelist", withFlag(enabledToggle, FlagState{Whitelisted: true, Blacklisted: true}), false, ReasonBlacklisted},
		{"toggle off", withFlag(EntitlementSnapshot{OrganizationActive: true, DefinitionExists: true, ToggleExists: true}, FlagState{GlobalEnabled: true}), false, ReasonFeatureDisabled},
		{"toggle missing", withFlag(EntitlementSnapshot{OrganizationActive: true, DefinitionExists: true}, FlagState{GlobalEnabled: true}), false, ReasonFeatureDisabled},
		{"definition without flag", enabledToggle, true, ReasonEnabled},
		{"flag without definition", withFlag(EntitlementSnapshot{OrganizationActive: true}, FlagState{GlobalEnabled: true}), true, ReasonGlobalEnabled},
		{"unknown feature", EntitlementSnapshot{OrganizationActive: true}, false, ReasonUnknownFeature},
		{"inactive organization", withFlag(EntitlementSnapshot{DefinitionExists: true, ToggleExists: true, ToggleEnabled: true}, FlagState{GlobalEnabled: true}), false, ReasonOrganizationInactive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			allowed, reason := Evaluate(tc.snapshot)
			require.Equal(t, tc.allowed, allowed)
			require.Equal(t, tc.reason, reason)
		})
	}
}

func TestEvaluateBlacklistAlwaysDenies(t *testing.T) {
	for _, global := range []bool{false, true} {
		for _, whitelisted := range []bool{false, true} {
			for _, toggle := range []bool{false, true} {
				allowed, reason := Evaluate(EntitlementSnapshot{
					OrganizationActive: true,
					DefinitionExists:   true,
					ToggleExists:       true,
					ToggleEnabled:      toggle,
					Flag: FlagState{
						Exists:        true,
						GlobalEnabled: global,
						Whitelisted:   whitelisted,
						Blacklisted:   true,
					},
				})
				require.False(t, allowed)
				require.Equal(t, ReasonBlacklisted, reason)
			}
		}
	}
}

func TestEntitlementServiceResolve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	org, err := env.orgs.Create(ctx, CreateOrganizationInput{Name: "Ada & Sam"})
	require.NoError(t, err)

	decision, err := env.entitlements.Resolve(ctx, org.ID, database.FeatureWhatsAppMessaging)
	require.NoError(t, err)
	require.False(t, decision.Allowed, "features are disabled until the organization toggles them")
	require.Equal(t, ReasonFeatureDisabled, decision.Reason)

	_, err = env.entitlements.SetOrganizationFeature(ctx, org.ID, database.FeatureWhatsAppMessaging, true)
	require.NoError(t, err)

	decision, err = env.entitlements.Resolve(ctx, org.ID, database.FeatureWhatsAppMessaging)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, ReasonGlobalEnabled, decision.Reason)
	require.Equal(t, int64(1), decision.FlagVersion)

	blacklist := []string{org.ID}
	flag, err := env.entitlements.SetFlag(ctx, database.FeatureWhatsAppMessaging, FlagUpdate{Blacklist: &blacklist})
	require.NoError(t, err)
	require.Equal(t, int64(2), flag.Version)

	err = env.entitlements.Require(ctx, org.ID, database.FeatureWhatsAppMessaging)
	require.ErrorIs(t, err, ErrEntitlementDenied)
	var denied *EntitlementDeniedError
	require.True(t, errors.As(err, &denied))
	require.Equal(t, ReasonBlacklisted, denied.Reason)
}

func TestEntitlementServiceWhitelist(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	org, err := env.orgs.Create(ctx, CreateOrganizationInput{Name: "Beta tester"})
	require.NoError(t, err)
	_, err = env.entitlements.SetOrganizationFeature(ctx, org.ID, database.FeatureAIChatbot, true)
	require.NoError(t, err)

	decision, err := env.entitlements.Resolve(ctx, org.ID, database.FeatureAIChatbot)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonNotEnabled, decision.Reason)

	whitelist := []string{org.ID, " ", org.ID}
	flag, err := env.entitlements.SetFlag(ctx, database.FeatureAIChatbot, FlagUpdate{Whitelist: &whitelist})
	require.NoError(t, err)
	require.Equal(t, []string{org.ID}, []string(flag.WhitelistedOrganizations))

	decision, err = env.entitlements.Resolve(ctx, org.ID, database.FeatureAIChatbot)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, ReasonWhitelisted, decision.Reason)
}

func TestEntitlementServiceSuspendedOrganization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	org := env.newMessagingOrg(t, 0, 0)

	_, err := env.orgs.SetStatus(ctx, org.ID, models.OrganizationStatusSuspended)
	require.NoError(t, err)

	decision, err := env.entitlements.Resolve(ctx, org.ID, database.FeatureWhatsAppMessaging)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonOrganizationInactive, decision.Reason)
}

func TestEntitlementServiceErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	org := env.newMessagingOrg(t, 0, 0)

	_, err := env.entitlements.Resolve(ctx, "missing", database.FeatureWhatsAppMessaging)
	require.ErrorIs(t, err, ErrOrganizationNotFound)

	_, err = env.entitlements.Resolve(ctx, org.ID, "")
	require.ErrorIs(t, err, ErrInvalidInput)

	decision, err := env.entitlements.Resolve(ctx, org.ID, "teleportation")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonUnknownFeature, decision.Reason)

	_, err = env.entitlements.SetOrganizationFeature(ctx, org.ID, "teleportation", true)
	require.ErrorIs(t, err, ErrFeatureNotFound)
}

func TestEntitlementServiceCacheInvalidatedOnFlagChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	org := env.newMessagingOrg(t, 0, 0)

	store := cache.NewDatabaseStore(env.db)
	svc, err := NewEntitlementService(env.db, env.audit, store, EntitlementConfig{CacheTTL: time.Minute})
	require.NoError(t, err)

	require.NoError(t, svc.Require(ctx, org.ID, database.FeatureWhatsAppMessaging))

	raw, ok, err := store.Get(ctx, flagCachePrefix+database.FeatureWhatsAppMessaging)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, raw)

	disabled := false
	_, err = svc.SetFlag(ctx, database.FeatureWhatsAppMessaging, FlagUpdate{GlobalEnabled: &disabled})
	require.NoError(t, err)

	decision, err := svc.Resolve(ctx, org.ID, database.FeatureWhatsAppMessaging)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, int64(2), decision.FlagVersion)
}
