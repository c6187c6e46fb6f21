// Package reaper reclaims liveness from jobs abandoned by a crashed or hung
// worker. A job actively being updated is never reaped: the sweep only matches
// rows whose updated_at predates the staleness threshold, and the threshold
// must exceed any single stage's maximum expected duration.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"content-autopilot/internal/models"
	"content-autopilot/internal/telemetry"
)

// staleStore is the slice of the store the reaper needs.
type staleStore interface {
	ReapStale(ctx context.Context, cutoff time.Time, message string) ([]models.Job, error)
}

// Notifier receives reaped-job notifications. May be nil.
type Notifier interface {
	JobFinished(job models.Job, event string)
}

// Reaper periodically fails non-terminal jobs that stopped making progress.
type Reaper struct {
	store     staleStore
	threshold time.Duration
	interval  time.Duration
	notifier  Notifier
	log       *slog.Logger
}

// New builds a reaper with the given staleness threshold and sweep interval.
func New(st staleStore, threshold, interval time.Duration, notifier Notifier, log *slog.Logger) *Reaper {
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{store: st, threshold: threshold, interval: interval, notifier: notifier, log: log}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.SweepOnce(ctx); err != nil {
				r.log.Error("reaper sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce fails every job stale past the threshold, exactly once per job.
// Running it again over the same set is a no-op.
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.threshold)
	msg := fmt.Sprintf("no progress within %s; reclaimed by reaper", r.threshold)

	reaped, err := r.store.ReapStale(ctx, cutoff, msg)
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	for _, job := range reaped {
		telemetry.JobsReaped.Inc()
		telemetry.JobsFailed.Inc()
		r.log.Warn("reaped stale job", "job", job.ID, "tenant", job.TenantID, "stale_since", job.UpdatedAt)
		if r.notifier != nil {
			r.notifier.JobFinished(job, "reaped")
		}
	}
	return len(reaped), nil
}
