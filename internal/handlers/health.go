package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/app/maintenance"
	"github.com/charlesng35/weddingdesk/internal/monitoring"
)

// Health reports liveness, database reachability and the last maintenance sweep.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := requestContext(c)
		payload := gin.H{
			"status":     "ok",
			"database":   "ok",
			"checked_at": time.Now().UTC(),
		}

		status := http.StatusOK
		if err := pingDatabase(c, db); err != nil {
			status = http.StatusServiceUnavailable
			payload["status"] = "degraded"
			payload["database"] = err.Error()
		} else if last, err := maintenance.LastSweep(ctx, db); err == nil && !last.IsZero() {
			payload["last_sweep_at"] = last.UTC()
		}

		c.JSON(status, gin.H{
			"success": status == http.StatusOK,
			"data":    payload,
		})
	}
}

func pingDatabase(c *gin.Context, db *gorm.DB) error {
	if db == nil {
		return gorm.ErrInvalidDB
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(requestContext(c))
}

// Ready runs the readiness probes and answers 503 unless every dependency is up.
func Ready(manager *monitoring.HealthManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := manager.Evaluate(requestContext(c))
		status := http.StatusOK
		if !report.Success {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"success": report.Success,
			"data":    report,
		})
	}
}
