package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeStatus encodes the outcome of a health probe.
type ProbeStatus string

const (
	StatusUp       ProbeStatus = "up"
	StatusDown     ProbeStatus = "down"
	StatusDegraded ProbeStatus = "degraded"
)

// ProbeResult captures a single dependency check outcome.
type ProbeResult struct {
	Component string        `json:"component"`
	Status    ProbeStatus   `json:"status"`
	Details   string        `json:"details,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// HealthReport aggregates probe results for a readiness evaluation.
type HealthReport struct {
	Success   bool          `json:"success"`
	Status    ProbeStatus   `json:"status"`
	Checks    []ProbeResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Check encapsulates a single dependency probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) ProbeResult
}

// NewCheck constructs a health check with the provided name and function.
func NewCheck(name string, fn func(ctx context.Context) ProbeResult) Check {
	if fn == nil {
		fn = func(context.Context) ProbeResult {
			return ProbeResult{Status: StatusDown, Details: "probe not implemented"}
		}
	}
	return Check{Name: name, Run: fn}
}

// HealthManager runs the readiness probes of the dispatch engine's dependencies.
type HealthManager struct {
	checks  []Check
	timeout time.Duration
	now     func() time.Time
}

// NewHealthManager constructs a manager whose probes share timeout. A zero
// timeout leaves each probe to bound itself.
func NewHealthManager(timeout time.Duration) *HealthManager {
	return &HealthManager{timeout: timeout, now: time.Now}
}

// Register appends a probe. Unnamed probes are ignored.
func (m *HealthManager) Register(check Check) {
	if m == nil || check.Name == "" {
		return
	}
	m.checks = append(m.checks, check)
}

// Evaluate runs every probe concurrently and folds the results into one
// report. Results keep registration order.
func (m *HealthManager) Evaluate(ctx context.Context) HealthReport {
	if ctx == nil {
		ctx = context.Background()
	}
	report := HealthReport{Success: true, Status: StatusUp, CheckedAt: time.Now().UTC()}
	if m == nil {
		return report
	}
	report.CheckedAt = m.now().UTC()
	if len(m.checks) == 0 {
		return report
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	results := make([]ProbeResult, len(m.checks))
	var g errgroup.Group
	for i, check := range m.checks {
		g.Go(func() error {
			results[i] = runCheck(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	report.Checks = results
	for _, result := range results {
		report.Status = worst(report.Status, result.Status)
	}
	report.Success = report.Status == StatusUp
	return report
}

func runCheck(ctx context.Context, check Check) (result ProbeResult) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result = ProbeResult{Status: StatusDown, Details: fmt.Sprintf("panic: %v", rec)}
		}
		if result.Status == "" {
			result.Status = StatusDown
		}
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		result.Component = check.Name
	}()

	return check.Run(ctx)
}

func worst(current, candidate ProbeStatus) ProbeStatus {
	switch {
	case current == StatusDown || candidate == StatusDown:
		return StatusDown
	case current == StatusDegraded || candidate == StatusDegraded:
		return StatusDegraded
	default:
		return StatusUp
	}
}

// ResultFromError converts an error into a ProbeResult. Timeouts degrade the
// component rather than marking it down.
func ResultFromError(component string, err error, duration time.Duration) ProbeResult {
	if duration < 0 {
		duration = 0
	}
	if err == nil {
		return ProbeResult{Component: component, Status: StatusUp, Duration: duration}
	}

	status := StatusDown
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = StatusDegraded
	}

	return ProbeResult{
		Component: component,
		Status:    status,
		Details:   err.Error(),
		Duration:  duration,
	}
}
