// Package checks holds the dependency probes behind /health.
package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/monitoring"
)

const (
	defaultProbeTimeout = 2 * time.Second
	defaultJobMaxAge    = 6 * time.Hour
)

// Pinger is satisfied by the Redis cache store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobReporter exposes the run history of scheduled jobs.
type JobReporter interface {
	JobStatuses() []monitoring.JobStatus
}

// Database pings the session store database.
func Database(db *gorm.DB, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("database", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if db == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "database not configured"}
		}
		sqlDB, err := db.DB()
		if err != nil {
			return monitoring.ResultFromError("database", err, time.Since(start))
		}
		return ping(ctx, "database", timeout, start, sqlDB.PingContext)
	})
}

// Redis probes the shared rate limit cache. Without Redis configured the probe
// reports up; a configured but unreachable Redis degrades the report since the
// limiter falls back to the database.
func Redis(client Pinger, enabled bool, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("redis", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		switch {
		case !enabled:
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "redis disabled"}
		case client == nil:
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: "redis unavailable"}
		}
		result := ping(ctx, "redis", timeout, start, client.Ping)
		if result.Status == monitoring.StatusDown {
			result.Status = monitoring.StatusDegraded
		}
		return result
	})
}

// Maintenance reports down when a sweep is failing and degraded when a sweep has
// not run within maxAge.
func Maintenance(jobs JobReporter, maxAge time.Duration) monitoring.Check {
	if maxAge <= 0 {
		maxAge = defaultJobMaxAge
	}
	return monitoring.NewCheck("maintenance", func(context.Context) monitoring.ProbeResult {
		if jobs == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "maintenance disabled"}
		}
		statuses := jobs.JobStatuses()
		if len(statuses) == 0 {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "no maintenance jobs registered"}
		}

		now := time.Now()
		status := monitoring.StatusUp
		var problems []string
		for _, job := range statuses {
			switch {
			case job.TotalRuns == 0:
				problems = append(problems, job.Job+": pending first run")
			case job.ConsecutiveFailures > 0:
				status = monitoring.StatusDown
				problems = append(problems, fmt.Sprintf("%s: %d consecutive failures", job.Job, job.ConsecutiveFailures))
			case now.Sub(job.LastRunAt) > maxAge:
				if status != monitoring.StatusDown {
					status = monitoring.StatusDegraded
				}
				problems = append(problems, job.Job+": stale run "+job.LastRunAt.UTC().Format(time.RFC3339))
			}
		}
		return monitoring.ProbeResult{Status: status, Details: strings.Join(problems, "; ")}
	})
}

func ping(ctx context.Context, component string, timeout time.Duration, start time.Time, fn func(context.Context) error) monitoring.ProbeResult {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return monitoring.ResultFromError(component, fn(probeCtx), time.Since(start))
}
