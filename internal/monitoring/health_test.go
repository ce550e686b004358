package monitoring_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/weddingdesk/internal/monitoring"
)

func TestHealthManagerEvaluate(t *testing.T) {
	t.Parallel()

	manager := monitoring.NewHealthManager(time.Second)
	manager.Register(monitoring.NewCheck("database", func(ctx context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	}))
	manager.Register(monitoring.NewCheck("redis", func(ctx context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "connection refused"}
	}))
	manager.Register(monitoring.NewCheck("maintenance", func(ctx context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusDegraded}
	}))

	report := manager.Evaluate(context.Background())
	require.False(t, report.Success)
	require.Equal(t, monitoring.StatusDown, report.Status)
	require.Len(t, report.Checks, 3)
	require.Equal(t, "database", report.Checks[0].Component)
	require.Equal(t, "redis", report.Checks[1].Component)
	require.Equal(t, "connection refused", report.Checks[1].Details)
	require.False(t, report.CheckedAt.IsZero())
}

func TestHealthManagerDegraded(t *testing.T) {
	t.Parallel()

	manager := monitoring.NewHealthManager(0)
	manager.Register(monitoring.NewCheck("database", func(ctx context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	}))
	manager.Register(monitoring.NewCheck("maintenance", func(ctx context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: "stale sweep"}
	}))

	report := manager.Evaluate(context.Background())
	require.False(t, report.Success)
	require.Equal(t, monitoring.StatusDegraded, report.Status)
}

func TestHealthManagerRecoversPanicsAndEmptyStatus(t *testing.T) {
	t.Parallel()

	manager := monitoring.NewHealthManager(0)
	manager.Register(monitoring.NewCheck("explodes", func(ctx context.Context) monitoring.ProbeResult {
		panic("boom")
	}))
	manager.Register(monitoring.NewCheck("silent", func(ctx context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{}
	}))
	manager.Register(monitoring.NewCheck("", nil))
	manager.Register(monitoring.NewCheck("unimplemented", nil))

	report := manager.Evaluate(context.Background())
	require.Len(t, report.Checks, 3)
	require.Equal(t, monitoring.StatusDown, report.Checks[0].Status)
	require.Contains(t, report.Checks[0].Details, "boom")
	require.Equal(t, "explodes", report.Checks[0].Component)
	require.Equal(t, monitoring.StatusDown, report.Checks[1].Status)
	require.Equal(t, "probe not implemented", report.Checks[2].Details)
}

func TestHealthManagerAppliesTimeout(t *testing.T) {
	t.Parallel()

	manager := monitoring.NewHealthManager(20 * time.Millisecond)
	manager.Register(monitoring.NewCheck("slow", func(ctx context.Context) monitoring.ProbeResult {
		<-ctx.Done()
		return monitoring.ResultFromError("slow", ctx.Err(), 0)
	}))

	report := manager.Evaluate(context.Background())
	require.Equal(t, monitoring.StatusDegraded, report.Status)
}

func TestEmptyManagerIsUp(t *testing.T) {
	t.Parallel()

	var nilManager *monitoring.HealthManager
	require.True(t, nilManager.Evaluate(context.Background()).Success)
	require.True(t, monitoring.NewHealthManager(0).Evaluate(context.Background()).Success)
}

func TestResultFromError(t *testing.T) {
	t.Parallel()

	require.Equal(t, monitoring.StatusUp, monitoring.ResultFromError("db", nil, time.Millisecond).Status)
	require.Equal(t, monitoring.StatusDown, monitoring.ResultFromError("db", errors.New("refused"), 0).Status)
	require.Equal(t, monitoring.StatusDegraded, monitoring.ResultFromError("db", context.DeadlineExceeded, -1).Status)
}
