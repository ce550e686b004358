package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/app"
	"github.com/charlesng35/weddingdesk/internal/app/maintenance"
	"github.com/charlesng35/weddingdesk/internal/handlers"
	"github.com/charlesng35/weddingdesk/internal/monitoring"
	"github.com/charlesng35/weddingdesk/internal/monitoring/checks"
)

const readinessTimeout = 3 * time.Second

func registerHealthRoutes(r *gin.Engine, db *gorm.DB, cfg *app.Config, manager *monitoring.HealthManager) {
	if !cfg.Monitoring.Health.Enabled {
		r.GET("/health", disabledHealthHandler)
		r.GET("/health/ready", disabledHealthHandler)
		return
	}
	if manager == nil {
		manager = DefaultHealthManager(db, cfg)
	}
	r.GET("/health", handlers.Health(db))
	r.GET("/health/ready", handlers.Ready(manager))
}

// DefaultHealthManager probes the database and the freshness of the
// reconciliation sweep.
func DefaultHealthManager(db *gorm.DB, cfg *app.Config) *monitoring.HealthManager {
	manager := monitoring.NewHealthManager(readinessTimeout)
	manager.Register(checks.Database(db, 0))
	manager.Register(checks.Maintenance(func(ctx context.Context) (time.Time, error) {
		return maintenance.LastSweep(ctx, db)
	}, sweepMaxAge(cfg), nil))
	return manager
}

// A sweep is stale after missing a few runs of its schedule. Cron specs other
// than "@every" fall back to the checks default.
func sweepMaxAge(cfg *app.Config) time.Duration {
	interval, ok := strings.CutPrefix(strings.TrimSpace(cfg.Maintenance.ReconcileSchedule), "@every ")
	if !ok {
		return 0
	}
	every, err := time.ParseDuration(strings.TrimSpace(interval))
	if err != nil {
		return 0
	}
	return 3 * every
}

func disabledHealthHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"status":  "disabled",
	})
}
