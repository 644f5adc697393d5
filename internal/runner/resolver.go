package runner

import (
	"context"
	"errors"
	"log"
	"time"

	"chat-maintenance-scheduler/internal/models"
	"chat-maintenance-scheduler/internal/store"
)

// Resolver narrows the candidate set a worker may try to claim. It is
// stateless and takes no locks: evaluation and claim are separate steps, and
// any race between them is settled by the lease manager's atomicity.
type Resolver struct {
	jobs   JobStore
	leases LeaseStore
}

// NewResolver builds a resolver over the given stores.
func NewResolver(jobs JobStore, leases LeaseStore) *Resolver {
	return &Resolver{jobs: jobs, leases: leases}
}

// NextEligible returns the oldest claimable job, or nil when there is none.
// A job qualifies when it is pending with every dependency completed, or
// running with a dead lease (abandoned by a crashed worker), and in either
// case holds no live lease right now.
func (r *Resolver) NextEligible(ctx context.Context) (*models.Job, error) {
	pending, err := r.jobs.ListJobs(ctx, models.StatusPending, "")
	if err != nil {
		return nil, err
	}
	running, err := r.jobs.ListJobs(ctx, models.StatusRunning, "")
	if err != nil {
		return nil, err
	}

	candidates := make([]models.Job, 0, len(pending)+len(running))
	candidates = append(candidates, pending...)
	candidates = append(candidates, running...)
	sortByCreation(candidates)

	now := time.Now()
	for i := range candidates {
		job := candidates[i]
		if job.Status == models.StatusPending {
			ok, err := r.dependenciesMet(ctx, job)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		live, err := r.leases.IsLive(ctx, job.Name, now)
		if err != nil {
			return nil, err
		}
		if live {
			continue
		}
		return &job, nil
	}
	return nil, nil
}

// dependenciesMet reports whether every prerequisite exists and is completed.
// A missing prerequisite blocks the job the same as an incomplete one; it is
// logged so an operator notices instead of the job silently running without
// its prerequisite ever having happened.
func (r *Resolver) dependenciesMet(ctx context.Context, job models.Job) (bool, error) {
	for _, dep := range job.DependsOn {
		d, err := r.jobs.GetJob(ctx, dep)
		if errors.Is(err, store.ErrJobNotFound) {
			log.Printf("job %s blocked: dependency %s is not registered", job.Name, dep)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if d.Status != models.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func sortByCreation(jobs []models.Job) {
	// ListJobs already returns creation order per status; a stable insertion
	// sort merges the two slices without disturbing ties.
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].CreatedAt.Before(jobs[j-1].CreatedAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}
