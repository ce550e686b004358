package app

import (
	"strings"

	"github.com/charlesng35/weddingdesk/internal/messaging"
	"github.com/charlesng35/weddingdesk/internal/services"
)

// UsesTwilio reports whether outbound messages go to Twilio.
func (m MessagingConfig) UsesTwilio() bool {
	return strings.EqualFold(strings.TrimSpace(m.Provider), "twilio")
}

// TwilioClientConfig converts Twilio settings into the messaging package representation.
func (m MessagingConfig) TwilioClientConfig() messaging.TwilioConfig {
	return messaging.TwilioConfig{
		AccountSID:          strings.TrimSpace(m.Twilio.AccountSID),
		AuthToken:           strings.TrimSpace(m.Twilio.AuthToken),
		From:                strings.TrimSpace(m.Twilio.From),
		MessagingServiceSID: strings.TrimSpace(m.Twilio.MessagingServiceSID),
		BaseURL:             strings.TrimRight(strings.TrimSpace(m.Twilio.BaseURL), "/"),
		Timeout:             m.Twilio.Timeout,
	}
}

// CampaignServiceConfig returns batching parameters for campaign admission.
func (m MessagingConfig) CampaignServiceConfig() services.CampaignConfig {
	return services.CampaignConfig{
		BatchSize:        m.BatchSize,
		StaggerDelay:     m.StaggerDelay,
		PerBatchEstimate: m.PerBatchEstimate,
	}
}

// DispatcherConfig returns worker settings for the dispatcher.
func (m MessagingConfig) DispatcherConfig(q QueueConfig) services.DispatcherConfig {
	return services.DispatcherConfig{
		Workers:              m.Workers,
		SendConcurrency:      m.SendConcurrency,
		MaxSendAttempts:      m.MaxSendAttempts,
		RetryInitialInterval: m.RetryInitialInterval,
		RetryMaxInterval:     m.RetryMaxInterval,
		RetryDelay:           q.RetryDelay,
		MaxTaskAttempts:      q.MaxAttempts,
		StatusCallbackURL:    strings.TrimSpace(m.Twilio.StatusCallbackURL),
	}
}

// ReconcilerConfig returns sweep settings. Claims and batch staggering come from messaging.
func (mc MaintenanceConfig) ReconcilerConfig(m MessagingConfig) services.ReconcilerConfig {
	return services.ReconcilerConfig{
		PendingTimeout:      mc.PendingTimeout,
		ClaimTTL:            m.ClaimTTL,
		MaxDispatchAttempts: mc.MaxDispatchAttempts,
		SentExpiry:          mc.SentExpiry,
		StaggerDelay:        m.StaggerDelay,
	}
}

// TrackerConfig returns callback handling settings for the delivery tracker.
func (m MessagingConfig) TrackerConfig() services.TrackerConfig {
	return services.TrackerConfig{
		CallbackRetries:    m.CallbackRetries,
		CallbackRetryDelay: m.CallbackRetryDelay,
		DrainTimeout:       m.CallbackDrainTimeout,
	}
}

// LedgerServiceConfig converts ledger settings into the services representation.
func (l LedgerConfig) LedgerServiceConfig() services.LedgerConfig {
	return services.LedgerConfig{CycleStartDay: l.CycleStartDay}
}

// EntitlementServiceConfig converts entitlement settings into the services representation.
func (e EntitlementConfig) EntitlementServiceConfig() services.EntitlementConfig {
	return services.EntitlementConfig{CacheTTL: e.CacheTTL}
}
