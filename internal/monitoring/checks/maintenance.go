package checks

import (
	"context"
	"time"

	"github.com/charlesng35/weddingdesk/internal/monitoring"
)

const defaultMaintenanceMaxAge = 10 * time.Minute

// LastRunFunc reports when the reconciliation sweep last completed. A zero
// time means it has not run yet.
type LastRunFunc func(ctx context.Context) (time.Time, error)

// Maintenance verifies that the reconciliation sweep keeps running. A sweep
// older than maxAge degrades readiness since stuck deliveries are no longer
// being recovered.
func Maintenance(lastRun LastRunFunc, maxAge time.Duration, now func() time.Time) monitoring.Check {
	maxAge = chooseTimeout(maxAge, defaultMaintenanceMaxAge)
	if now == nil {
		now = time.Now
	}

	return monitoring.NewCheck("maintenance", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if lastRun == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "no sweeper registered"}
		}

		last, err := lastRun(ctx)
		if err != nil {
			return monitoring.ResultFromError("maintenance", err, time.Since(start))
		}
		if last.IsZero() {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "pending first sweep", Duration: time.Since(start)}
		}
		if age := now().Sub(last); age > maxAge {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "stale sweep " + last.UTC().Format(time.RFC3339),
				Duration: time.Since(start),
			}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp, Duration: time.Since(start)}
	})
}
