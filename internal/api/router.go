package api

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/app"
	"github.com/charlesng35/weddingdesk/internal/handlers"
	"github.com/charlesng35/weddingdesk/internal/middleware"
	"github.com/charlesng35/weddingdesk/internal/monitoring"
	"github.com/charlesng35/weddingdesk/internal/realtime"
	"github.com/charlesng35/weddingdesk/internal/services"
)

// Dependencies are the services the HTTP surface is built on.
type Dependencies struct {
	DB            *gorm.DB
	Config        *app.Config
	Organizations *services.OrganizationService
	Entitlements  *services.EntitlementService
	Ledger        *services.LedgerService
	Campaigns     *services.CampaignService
	Callbacks     handlers.CallbackSubmitter
	Hub           *realtime.Hub
	// RateStore backs the request limiter; nil uses a process-local store.
	RateStore middleware.RateStore
	// Health runs the readiness probes; nil probes the database and the sweeper.
	Health *monitoring.HealthManager
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	cfg := deps.Config

	orgHandler, err := handlers.NewOrganizationHandler(deps.Organizations, deps.Entitlements, deps.Ledger)
	if err != nil {
		return nil, err
	}
	flagHandler, err := handlers.NewFeatureFlagHandler(deps.Entitlements)
	if err != nil {
		return nil, err
	}
	campaignHandler, err := handlers.NewCampaignHandler(deps.Campaigns, deps.Hub)
	if err != nil {
		return nil, err
	}
	webhookHandler, err := handlers.NewWebhookHandler(deps.Callbacks, handlers.WebhookConfig{
		Verify:    cfg.Messaging.VerifyWebhooks && cfg.Messaging.UsesTwilio(),
		AuthToken: cfg.Messaging.Twilio.AuthToken,
		PublicURL: cfg.Messaging.Twilio.StatusCallbackURL,
	})
	if err != nil {
		return nil, err
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Actor())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	if rl := cfg.Server.RateLimit; rl.Enabled {
		r.Use(middleware.RateLimit(deps.RateStore, rl.Requests, rl.Window))
	}

	registerHealthRoutes(r, deps.DB, cfg, deps.Health)
	registerWebhookRoutes(r, webhookHandler)

	api := r.Group("/api")
	registerOrganizationRoutes(api, orgHandler)
	registerFeatureFlagRoutes(api, flagHandler)
	registerCampaignRoutes(api, campaignHandler)

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint)
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
