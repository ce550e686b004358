package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/weddingdesk/internal/models"
)

func TestReconcilerLeavesFreshDeliveriesAlone(t *testing.T) {
	env := newTestEnv(t)
	org := env.newMessagingOrg(t, 10, 0)
	env.admitCampaign(t, org.ID, 3)
	queued := env.queue.Len()

	report, err := env.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{}, report)
	require.Equal(t, queued, env.queue.Len())
}

func TestReconcilerRequeuesStaleDeliveries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	org := env.newMessagingOrg(t, 50, 0)
	campaign, deliveries := env.admitCampaign(t, org.ID, 25)
	queued := env.queue.Len()

	// One delivery was claimed by a sender that died mid-flight.
	claimedAt := time.Now().UTC()
	require.NoError(t, env.db.Model(&models.Delivery{}).Where("id = ?", deliveries[0].ID).
		Updates(map[string]any{"claimed_at": claimedAt, "attempts": 1}).Error)

	env.reconciler.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	report, err := env.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 25, report.Requeued)
	require.Zero(t, report.Failed)
	require.Equal(t, queued+2, env.queue.Len(), "one task per batch")

	released := env.delivery(t, deliveries[0].ID)
	require.Nil(t, released.ClaimedAt)
	require.Equal(t, models.DeliveryStatusPending, released.Status)

	// The released deliveries dispatch normally.
	for _, task := range env.tasksFor(t, campaign.ID) {
		require.NoError(t, env.dispatcher.HandleTask(ctx, task))
	}
	require.Equal(t, int64(25), countStatus(env, campaign.ID, models.DeliveryStatusSent))
	require.Len(t, env.provider.Calls(), 25)
	require.Equal(t, 2, env.delivery(t, deliveries[0].ID).Attempts)
}

func TestReconcilerSkipsBatchesNotYetDue(t *testing.T) {
	env := newTestEnv(t, func(cfg *testEnvConfig) {
		cfg.reconciler.StaggerDelay = time.Hour
	})
	org := env.newMessagingOrg(t, 50, 0)
	env.admitCampaign(t, org.ID, 25)

	env.reconciler.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	report, err := env.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, report.Requeued, "the second batch is scheduled an hour out")
}

func TestReconcilerFailsExhaustedDeliveries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	org := env.newMessagingOrg(t, 10, 0)
	campaign, deliveries := env.admitCampaign(t, org.ID, 2)

	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.db.Model(&models.Delivery{}).Where("campaign_id = ?", campaign.ID).
		Updates(map[string]any{"claimed_at": stale, "attempts": 3}).Error)

	_, err := env.ledger.RecordConsumption(ctx, org.ID, 1, deliveries[0].DispatchToken, ConsumptionRef{DeliveryID: deliveries[0].ID})
	require.NoError(t, err)

	report, err := env.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Failed)
	require.Equal(t, 1, report.Completed)
	require.Zero(t, report.Requeued)

	d := env.delivery(t, deliveries[0].ID)
	require.Equal(t, models.DeliveryStatusFailed, d.Status)
	require.Equal(t, ReasonDispatchExhausted, *d.ErrorMessage)
	require.Equal(t, PoolBalances{Allowance: 10}, env.balances(t, org.ID), "the orphaned debit is reversed")
	require.Equal(t, models.CampaignStatusCompleted, env.campaignStatus(t, campaign.ID))
}

func TestReconcilerFinishesCancelledCampaigns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	org := env.newMessagingOrg(t, 10, 0)
	campaign, deliveries := env.admitCampaign(t, org.ID, 3)

	require.NoError(t, env.db.Model(&models.Delivery{}).Where("id = ?", deliveries[0].ID).
		Updates(map[string]any{"claimed_at": time.Now().UTC(), "attempts": 1}).Error)
	_, err := env.campaigns.Cancel(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, models.CampaignStatusSending, env.campaignStatus(t, campaign.ID))

	env.reconciler.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	report, err := env.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Completed)

	d := env.delivery(t, deliveries[0].ID)
	require.Equal(t, ReasonCampaignCancelled, *d.ErrorMessage)
	require.Equal(t, models.CampaignStatusCompleted, env.campaignStatus(t, campaign.ID))
}

func TestReconcilerExpiresMissingReceipts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	org := env.newMessagingOrg(t, 10, 0)
	campaign, deliveries := env.admitCampaign(t, org.ID, 1)
	env.markSent(t, deliveries[0], "SM1")

	env.reconciler.now = func() time.Time { return time.Now().Add(73 * time.Hour) }
	report, err := env.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Expired)
	require.Equal(t, 1, report.Completed)

	d := env.delivery(t, deliveries[0].ID)
	require.Equal(t, models.DeliveryStatusFailed, d.Status)
	require.Equal(t, ReasonReceiptNotReceived, *d.ErrorMessage)
	require.Equal(t, models.CampaignStatusCompleted, env.campaignStatus(t, campaign.ID))
	require.Equal(t, PoolBalances{Allowance: 9}, env.balances(t, org.ID))
}
