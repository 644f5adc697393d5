package runner

import (
	"context"
	"fmt"
	"log"
	"time"

	"chat-maintenance-scheduler/internal/config"
	"chat-maintenance-scheduler/internal/models"
	"chat-maintenance-scheduler/internal/telemetry"
)

// JobStore is the slice of the persistence layer the runner needs.
type JobStore interface {
	GetJob(ctx context.Context, name string) (models.Job, error)
	ListJobs(ctx context.Context, status, kind string) ([]models.Job, error)
	MarkRunning(ctx context.Context, name string) error
	MarkCompleted(ctx context.Context, name string) (models.Job, error)
	UpdateProgress(ctx context.Context, name string, itemsDelta, totalHint int64) (models.Job, error)
	SetFailed(ctx context.Context, name, errMsg string) error
	RetryFailed(ctx context.Context) (int64, error)
	AppendHistory(ctx context.Context, rec models.ExecutionRecord) error
	CountByStatus(ctx context.Context, status string) (int64, error)
	RecomputeDailyStats(ctx context.Context, date time.Time) error
}

// LeaseStore is the lease protocol the runner drives.
type LeaseStore interface {
	TryAcquire(ctx context.Context, jobName, holder string) (bool, error)
	Renew(ctx context.Context, jobName, holder string) (bool, error)
	Release(ctx context.Context, jobName string) error
	IsLive(ctx context.Context, jobName string, now time.Time) (bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// BatchResult is what a job body reports after one batch. TotalHint lets the
// body establish the item total once it knows it; hints after the total is set
// are ignored by the store.
type BatchResult struct {
	Items     int64
	TotalHint int64
	Done      bool
}

// Handler executes one batch of a job body. It must be resumable: a
// reclaiming worker has no way to know how much of an abandoned batch
// actually committed.
type Handler func(ctx context.Context, job models.Job, batchSize int) (BatchResult, error)

// Runner drives the worker scheduling loop: poll, claim, execute in batches,
// record the outcome. Multiple runners on separate processes coordinate only
// through the stores.
type Runner struct {
	cfg      config.Config
	jobs     JobStore
	leases   LeaseStore
	resolver *Resolver
	handlers map[string]Handler
	holder   string
}

// New builds a runner identified by holder, an opaque string naming this
// worker instance in lease records.
func New(cfg config.Config, jobs JobStore, leases LeaseStore, holder string) *Runner {
	return &Runner{
		cfg:      cfg,
		jobs:     jobs,
		leases:   leases,
		resolver: NewResolver(jobs, leases),
		handlers: make(map[string]Handler),
		holder:   holder,
	}
}

// RegisterHandler binds a job body to a job kind.
func (r *Runner) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	r.handlers[kind] = handler
}

// Run polls for eligible jobs until the context is cancelled. Store
// unavailability backs the whole cycle off; it is never read as lease expiry
// or job completion.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := r.resolver.NextEligible(ctx)
		if err != nil {
			log.Printf("poll failed, backing off: %v", err)
			sleepCtx(ctx, r.cfg.StoreBackoff)
			continue
		}
		if job == nil {
			sleepCtx(ctx, r.cfg.PollInterval)
			continue
		}

		acquired, err := r.leases.TryAcquire(ctx, job.Name, r.holder)
		if err != nil {
			log.Printf("claim %s failed, backing off: %v", job.Name, err)
			sleepCtx(ctx, r.cfg.StoreBackoff)
			continue
		}
		if !acquired {
			// Another worker won the race. Expected, loop straight back.
			telemetry.LeaseContention.Inc()
			continue
		}

		r.execute(ctx, *job)
	}
}

// execute runs one claimed job to completion or failure, holding the lease
// throughout. One history record is appended whatever the outcome.
func (r *Runner) execute(ctx context.Context, job models.Job) {
	start := time.Now()
	var attemptItems int64

	if err := r.jobs.MarkRunning(ctx, job.Name); err != nil {
		log.Printf("mark %s running: %v", job.Name, err)
		_ = r.leases.Release(ctx, job.Name)
		return
	}

	handler, ok := r.handlers[job.Kind]
	if !ok {
		r.fail(ctx, job.Name, start, attemptItems, fmt.Sprintf("no handler registered for kind %q", job.Kind))
		return
	}

	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = r.cfg.DefaultBatchSize
	}

	for {
		if err := ctx.Err(); err != nil {
			// Shutting down mid-job: release so another worker can resume
			// without waiting out the TTL.
			r.history(job.Name, start, attemptItems, models.OutcomeFailed, err.Error())
			_ = r.leases.Release(context.Background(), job.Name)
			return
		}

		res, err := handler(ctx, job, batchSize)
		if err != nil {
			r.fail(ctx, job.Name, start, attemptItems, err.Error())
			return
		}

		renewed, err := r.leases.Renew(ctx, job.Name, r.holder)
		if err != nil {
			r.fail(ctx, job.Name, start, attemptItems, fmt.Sprintf("renew lease: %v", err))
			return
		}
		if !renewed {
			// The lease expired and may already belong to someone else, so
			// neither the job row nor the lease can be touched. Abort.
			log.Printf("lost lease on %s, aborting attempt", job.Name)
			r.history(job.Name, start, attemptItems, models.OutcomeFailed, "lease lost during execution")
			return
		}

		attemptItems += res.Items
		updated, err := r.jobs.UpdateProgress(ctx, job.Name, res.Items, res.TotalHint)
		if err != nil {
			r.fail(ctx, job.Name, start, attemptItems, fmt.Sprintf("update progress: %v", err))
			return
		}
		telemetry.ItemsProcessed.Add(float64(res.Items))

		if updated.Status == models.StatusCompleted {
			r.succeed(ctx, job.Name, start, attemptItems)
			return
		}
		if res.Done {
			// The body ran out of work before the counters crossed the
			// registered total (an overestimate, or no total at all). Trust
			// the body and close the job out.
			if _, err := r.jobs.MarkCompleted(ctx, job.Name); err != nil {
				r.fail(ctx, job.Name, start, attemptItems, fmt.Sprintf("mark completed: %v", err))
				return
			}
			r.succeed(ctx, job.Name, start, attemptItems)
			return
		}

		sleepCtx(ctx, job.BatchPause())
	}
}

func (r *Runner) succeed(ctx context.Context, name string, start time.Time, items int64) {
	_ = r.leases.Release(ctx, name)
	r.history(name, start, items, models.OutcomeSuccess, "")
	telemetry.JobsCompleted.Inc()
	log.Printf("job %s completed: %d items in %s", name, items, time.Since(start).Round(time.Millisecond))
}

func (r *Runner) fail(ctx context.Context, name string, start time.Time, items int64, errMsg string) {
	if err := r.jobs.SetFailed(ctx, name, errMsg); err != nil {
		log.Printf("record failure for %s: %v", name, err)
	}
	_ = r.leases.Release(ctx, name)
	r.history(name, start, items, models.OutcomeFailed, errMsg)
	telemetry.JobsFailed.Inc()
	log.Printf("job %s failed: %s", name, errMsg)
}

// history appends the attempt record on a fresh context so a cancelled worker
// still writes its audit row.
func (r *Runner) history(name string, start time.Time, items int64, outcome, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec := models.ExecutionRecord{
		JobName:        name,
		StartedAt:      start,
		EndedAt:        time.Now(),
		Status:         outcome,
		ItemsProcessed: items,
	}
	if errMsg != "" {
		rec.Error = &errMsg
	}
	if err := r.jobs.AppendHistory(ctx, rec); err != nil {
		log.Printf("append history for %s: %v", name, err)
	}
}

// RunHousekeeping periodically sweeps dead leases, refreshes the daily stats
// rollup and status gauges, and, when configured, runs the bounded retry
// sweep. Independent of any specific job.
func (r *Runner) RunHousekeeping(ctx context.Context) {
	sweep := time.NewTicker(r.cfg.SweepInterval)
	stats := time.NewTicker(r.cfg.StatsInterval)
	defer sweep.Stop()
	defer stats.Stop()

	var retryC <-chan time.Time
	if r.cfg.RetryInterval > 0 {
		retry := time.NewTicker(r.cfg.RetryInterval)
		defer retry.Stop()
		retryC = retry.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n, err := r.leases.Sweep(ctx, time.Now()); err != nil {
				log.Printf("lease sweep: %v", err)
			} else if n > 0 {
				telemetry.LeasesSwept.Add(float64(n))
				log.Printf("swept %d expired leases", n)
			}
		case <-stats.C:
			if err := r.jobs.RecomputeDailyStats(ctx, time.Now()); err != nil {
				log.Printf("recompute stats: %v", err)
			}
			r.updateGauges(ctx)
		case <-retryC:
			if n, err := r.jobs.RetryFailed(ctx); err != nil {
				log.Printf("retry sweep: %v", err)
			} else if n > 0 {
				telemetry.JobsRetried.Add(float64(n))
				log.Printf("returned %d failed jobs to pending", n)
			}
		}
	}
}

func (r *Runner) updateGauges(ctx context.Context) {
	if n, err := r.jobs.CountByStatus(ctx, models.StatusPending); err == nil {
		telemetry.PendingGauge.Set(float64(n))
	}
	if n, err := r.jobs.CountByStatus(ctx, models.StatusRunning); err == nil {
		telemetry.RunningGauge.Set(float64(n))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
