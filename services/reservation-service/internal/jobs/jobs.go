// Package jobs runs the periodic maintenance of the reservation engine on a
// cron schedule, one leader at a time.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

type Store interface {
	EnsureGranules(ctx context.Context, granules []model.Granule) error
	CompleteEnded(ctx context.Context, today time.Time, minute int) (int64, error)
	UnpaidBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	ReleaseOrphanClaims(ctx context.Context, cutoff time.Time) ([]model.Granule, error)
}

// Grid is the granule generation routine; *availability.Aggregator implements it.
type Grid interface {
	ActiveServices(ctx context.Context) ([]model.Service, error)
	Granules(ctx context.Context, serviceID string, date time.Time) ([]model.Granule, error)
	Now() time.Time
	Today() time.Time
	Location() *time.Location
}

type Canceller interface {
	Cancel(ctx context.Context, id, reason string) (model.Reservation, error)
}

type Notifier interface {
	Notify(ctx context.Context, changed []model.Granule)
}

// Purger drops outbox rows already handed to Kafka.
type Purger interface {
	PurgePublished(ctx context.Context, cutoff time.Time) (int64, error)
}

// Locker runs fn only on the replica holding key. *db.Pool implements it.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64, fn func(context.Context) error) (bool, error)
}

type Config struct {
	MaterializeDays int
	PaymentHold     time.Duration
	OrphanClaimAge  time.Duration

	MaterializeSpec string
	CompleteSpec    string
	ExpireSpec      string
	SweepSpec       string
	PurgeSpec       string

	// OutboxRetention keeps published outbox rows this long before purging.
	OutboxRetention time.Duration

	LockKey int64
}

type Runner struct {
	store    Store
	grid     Grid
	cancel   Canceller
	notifier Notifier
	locker   Locker
	purger   Purger
	logger   *slog.Logger
	cfg      Config
}

func NewRunner(store Store, grid Grid, cancel Canceller, notifier Notifier, locker Locker, logger *slog.Logger, cfg Config) *Runner {
	if cfg.MaterializeDays <= 0 {
		cfg.MaterializeDays = 60
	}
	if cfg.PaymentHold <= 0 {
		cfg.PaymentHold = 30 * time.Minute
	}
	if cfg.OrphanClaimAge <= 0 {
		cfg.OrphanClaimAge = 2 * time.Minute
	}
	if cfg.MaterializeSpec == "" {
		cfg.MaterializeSpec = "15 2 * * *"
	}
	if cfg.CompleteSpec == "" {
		cfg.CompleteSpec = "*/5 * * * *"
	}
	if cfg.ExpireSpec == "" {
		cfg.ExpireSpec = "* * * * *"
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = "* * * * *"
	}
	if cfg.PurgeSpec == "" {
		cfg.PurgeSpec = "30 3 * * *"
	}
	if cfg.OutboxRetention <= 0 {
		cfg.OutboxRetention = 7 * 24 * time.Hour
	}
	if cfg.LockKey == 0 {
		cfg.LockKey = 7316001
	}
	return &Runner{store: store, grid: grid, cancel: cancel, notifier: notifier, locker: locker, logger: logger, cfg: cfg}
}

// WithOutboxPurge adds the daily outbox cleanup.
func (r *Runner) WithOutboxPurge(p Purger) *Runner {
	r.purger = p
	return r
}

type job struct {
	name string
	spec string
	run  func(context.Context) error
}

func (r *Runner) jobs() []job {
	jobs := []job{
		{name: "materialize", spec: r.cfg.MaterializeSpec, run: r.Materialize},
		{name: "complete", spec: r.cfg.CompleteSpec, run: r.CompleteEnded},
		{name: "expire-unpaid", spec: r.cfg.ExpireSpec, run: r.ExpireUnpaid},
		{name: "sweep-orphans", spec: r.cfg.SweepSpec, run: r.SweepOrphans},
	}
	if r.purger != nil {
		jobs = append(jobs, job{name: "purge-outbox", spec: r.cfg.PurgeSpec, run: r.PurgeOutbox})
	}
	return jobs
}

// Run schedules every job in the business zone and blocks until ctx ends.
// Materialization also runs once at start.
func (r *Runner) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(r.grid.Location()),
		cron.WithLogger(cronLogger{r.logger}),
		cron.WithChain(cron.Recover(cronLogger{r.logger}), cron.SkipIfStillRunning(cronLogger{r.logger})),
	)
	for i, j := range r.jobs() {
		key := r.cfg.LockKey + int64(i)
		if _, err := c.AddFunc(j.spec, func() { r.exec(ctx, j, key) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
	}

	r.exec(ctx, r.jobs()[0], r.cfg.LockKey)
	c.Start()
	r.logger.Info("maintenance jobs scheduled", "jobs", len(c.Entries()))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (r *Runner) exec(ctx context.Context, j job, key int64) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if r.locker == nil {
		if err := j.run(ctx); err != nil {
			r.logger.Error("job failed", "job", j.name, "err", err)
		}
		return
	}
	ran, err := r.locker.TryAdvisoryLock(ctx, key, j.run)
	switch {
	case err != nil:
		r.logger.Error("job failed", "job", j.name, "err", err)
	case !ran:
		r.logger.Debug("job skipped; lock held by another instance", "job", j.name, "lock_key", key)
	default:
		r.logger.Debug("job finished", "job", j.name, "duration_ms", time.Since(start).Milliseconds())
	}
}

// Materialize writes granule rows for every active service over the horizon.
func (r *Runner) Materialize(ctx context.Context) error {
	services, err := r.grid.ActiveServices(ctx)
	if err != nil {
		return err
	}
	today := r.grid.Today()
	total := 0
	for _, svc := range services {
		for d := 0; d < r.cfg.MaterializeDays; d++ {
			granules, err := r.grid.Granules(ctx, svc.ID, today.AddDate(0, 0, d))
			if err != nil {
				if apperr.Is(err, apperr.KindNotFound) {
					continue
				}
				return err
			}
			if err := r.store.EnsureGranules(ctx, granules); err != nil {
				return err
			}
			total += len(granules)
		}
	}
	r.logger.Info("granules materialized", "services", len(services), "days", r.cfg.MaterializeDays, "granules", total)
	return nil
}

func (r *Runner) CompleteEnded(ctx context.Context) error {
	n, err := r.store.CompleteEnded(ctx, r.grid.Today(), model.MinuteOfDay(r.grid.Now(), r.grid.Location()))
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("reservations completed", "count", n)
	}
	return nil
}

// ExpireUnpaid cancels reservations whose payment hold ran out.
func (r *Runner) ExpireUnpaid(ctx context.Context) error {
	ids, err := r.store.UnpaidBefore(ctx, r.grid.Now().Add(-r.cfg.PaymentHold))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := r.cancel.Cancel(ctx, id, "payment not received"); err != nil {
			r.logger.Warn("expire unpaid reservation failed", "err", err, "reservation_id", id)
			continue
		}
		r.logger.Info("unpaid reservation expired", "reservation_id", id)
	}
	return nil
}

// SweepOrphans releases claims whose reservation row never appeared.
func (r *Runner) SweepOrphans(ctx context.Context) error {
	released, err := r.store.ReleaseOrphanClaims(ctx, r.grid.Now().Add(-r.cfg.OrphanClaimAge))
	if err != nil {
		return err
	}
	if len(released) > 0 {
		r.logger.Warn("orphan claims released", "granules", len(released))
		if r.notifier != nil {
			r.notifier.Notify(ctx, released)
		}
	}
	return nil
}

func (r *Runner) PurgeOutbox(ctx context.Context) error {
	n, err := r.purger.PurgePublished(ctx, r.grid.Now().Add(-r.cfg.OutboxRetention))
	if err != nil {
		return fmt.Errorf("purge outbox: %w", err)
	}
	if n > 0 {
		r.logger.Info("published outbox rows purged", "rows", n)
	}
	return nil
}

type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"err", err}, keysAndValues...)...)
}
