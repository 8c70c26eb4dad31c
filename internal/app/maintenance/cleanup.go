package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/internal/monitoring"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/metrics"
)

const defaultSchedule = "@every 1h"

// Job names reported through metrics and health checks.
const (
	JobSessions     = "sessions"
	JobAutologin    = "autologin_tokens"
	JobFailedLogins = "failed_logins"
	JobAuditLogs    = "audit_logs"
	JobCacheEntries = "cache_entries"
	JobAccountLinks = "account_tokens"
)

// Purger removes expired rows on its own terms.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// CutoffPurger removes rows older than cutoff.
type CutoffPurger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// LinkPurger removes expired and redeemed account link tokens.
type LinkPurger interface {
	PurgeTokens(ctx context.Context) (int64, error)
}

// AuditPruner enforces an audit retention window.
type AuditPruner interface {
	CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

type job struct {
	name string
	run  func(ctx context.Context) (int64, error)
}

// Cleaner runs the storage sweeps on a cron schedule and remembers how each
// one went.
type Cleaner struct {
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger
	schedule string
	jobs     []job

	mu     sync.Mutex
	status map[string]*monitoring.JobStatus
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cutoffs and run timestamps.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSchedule overrides the cron specification shared by every sweep.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// WithSessions sweeps expired session records.
func WithSessions(store Purger) Option {
	return func(cleaner *Cleaner) {
		if store != nil {
			cleaner.add(JobSessions, store.Purge)
		}
	}
}

// WithAutologinTokens removes persistent login tokens older than retention.
func WithAutologinTokens(tokens CutoffPurger, retention time.Duration) Option {
	return func(cleaner *Cleaner) {
		if tokens != nil && retention > 0 {
			cleaner.add(JobAutologin, cleaner.cutoff(tokens, retention))
		}
	}
}

// WithFailedLogins removes unblocked failure records idle for longer than retention.
func WithFailedLogins(failures CutoffPurger, retention time.Duration) Option {
	return func(cleaner *Cleaner) {
		if failures != nil && retention > 0 {
			cleaner.add(JobFailedLogins, cleaner.cutoff(failures, retention))
		}
	}
}

// WithAuditLogs adjusts how long audit logs are retained before cleanup.
func WithAuditLogs(audit AuditPruner, retention time.Duration) Option {
	return func(cleaner *Cleaner) {
		if audit != nil && retention > 0 {
			cleaner.add(JobAuditLogs, func(ctx context.Context) (int64, error) {
				return audit.CleanupOlderThan(ctx, retention)
			})
		}
	}
}

// WithCacheEntries sweeps expired rows of the database cache.
func WithCacheEntries(store Purger) Option {
	return func(cleaner *Cleaner) {
		if store != nil {
			cleaner.add(JobCacheEntries, store.Purge)
		}
	}
}

// WithAccountLinks sweeps activation and password reset tokens.
func WithAccountLinks(links LinkPurger) Option {
	return func(cleaner *Cleaner) {
		if links != nil {
			cleaner.add(JobAccountLinks, links.PurgeTokens)
		}
	}
}

// NewCleaner constructs a Cleaner. Only the sweeps enabled through options are
// registered.
func NewCleaner(opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		now:      time.Now,
		schedule: defaultSchedule,
		log:      logger.WithModule("maintenance"),
		status:   make(map[string]*monitoring.JobStatus),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return cleaner
}

func (c *Cleaner) add(name string, run func(ctx context.Context) (int64, error)) {
	c.jobs = append(c.jobs, job{name: name, run: run})
	c.status[name] = &monitoring.JobStatus{Job: name}
}

func (c *Cleaner) cutoff(target CutoffPurger, retention time.Duration) func(ctx context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		return target.Purge(ctx, c.now().Add(-retention))
	}
}

// Jobs lists the registered sweep names in execution order.
func (c *Cleaner) Jobs() []string {
	names := make([]string, len(c.jobs))
	for i, j := range c.jobs {
		names[i] = j.name
	}
	return names
}

// Start registers one cron entry running every sweep and launches the
// scheduler. A Cleaner without jobs does nothing.
func (c *Cleaner) Start() error {
	if len(c.jobs) == 0 {
		return nil
	}
	if _, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("maintenance run failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	c.cron.Start()
	c.log.Info("maintenance scheduled", zap.String("schedule", c.schedule), zap.Strings("jobs", c.Jobs()))
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every sweep sequentially. A failing sweep does not stop the
// ones after it.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	for _, j := range c.jobs {
		removed, err := j.run(ctx)
		c.observe(j.name, err)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if removed > 0 {
			c.log.Debug("maintenance sweep", zap.String("job", j.name), zap.Int64("removed", removed))
		}
	}
	return errs
}

func (c *Cleaner) observe(name string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.MaintenanceRuns.WithLabelValues(name, result).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	status := c.status[name]
	status.TotalRuns++
	status.LastRunAt = c.now()
	if err != nil {
		status.ConsecutiveFailures++
		status.LastError = err.Error()
		return
	}
	status.ConsecutiveFailures = 0
	status.LastError = ""
}

// JobStatuses reports the outcome of every registered sweep.
func (c *Cleaner) JobStatuses() []monitoring.JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	statuses := make([]monitoring.JobStatus, 0, len(c.jobs))
	for _, j := range c.jobs {
		statuses = append(statuses, *c.status[j.name])
	}
	return statuses
}
