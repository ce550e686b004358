package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/weddingdesk/internal/models"
)

func TestStatusAggregatorCompletesWhenAllTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	org := env.newMessagingOrg(t, 10, 0)
	campaign, deliveries := env.admitCampaign(t, org.ID, 2)

	progress, err := env.aggregator.Refresh(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, models.CampaignStatusSending, progress.Status)
	require.Equal(t, CampaignStats{Total: 2, Pending: 2}, progress.Stats)

	env.markSent(t, deliveries[0], "SM-agg-1")
	env.markSent(t, deliveries[1], "SM-agg-2")

	_, err = env.tracker.Apply(ctx, TransitionCommand{MessageSID: "SM-agg-1", To: models.DeliveryStatusDelivered, Source: SourceCallback})
	require.NoError(t, err)
	require.Equal(t, models.CampaignStatusSending, env.campaignStatus(t, campaign.ID))

	_, err = env.tracker.Apply(ctx, TransitionCommand{MessageSID: "SM-agg-2", To: models.DeliveryStatusFailed, ErrorMessage: "unreachable", Source: SourceCallback})
	require.NoError(t, err)
	require.Equal(t, models.CampaignStatusCompleted, env.campaignStatus(t, campaign.ID))

	last, ok := env.notifier.Last()
	require.True(t, ok)
	require.Equal(t, campaign.ID, last.CampaignID)
	require.Equal(t, models.CampaignStatusCompleted, last.Status)
	require.False(t, last.Cancelled)
	require.Equal(t, CampaignStats{Total: 2, Delivered: 1, Failed: 1}, last.Stats)

	stored, err := env.campaigns.Get(ctx, campaign.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CompletedAt)
}

func TestStatusAggregatorLeavesUnadmittedCampaigns(t *testing.T) {
	env := newTestEnv(t)
	org := env.newMessagingOrg(t, 10, 0)
	event := env.newEvent(t, org.ID, 2)
	campaign := env.newCampaign(t, org.ID, event.ID)

	progress, err := env.aggregator.Refresh(context.Background(), campaign.ID)
	require.NoError(t, err)
	require.Equal(t, models.CampaignStatusCreated, progress.Status)
	require.Zero(t, progress.Stats.Total)

	stats, err := env.aggregator.Stats(context.Background(), campaign.ID)
	require.NoError(t, err)
	require.Equal(t, CampaignStats{}, stats)
}

func TestStatusAggregatorUnknownCampaign(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.aggregator.Refresh(context.Background(), "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestCampaignStatsComplete(t *testing.T) {
	require.True(t, CampaignStats{Total: 3, Delivered: 2, Failed: 1}.Complete())
	require.False(t, CampaignStats{Total: 3, Delivered: 2, Sent: 1}.Complete())
	require.False(t, CampaignStats{Total: 1, Pending: 1}.Complete())
}
