// Package progress derives a read-only completion estimate from a job
// snapshot. Nothing here is persisted.
package progress

import (
	"math"
	"time"

	"content-autopilot/internal/models"
)

// Snapshot is the client-facing progress view.
type Snapshot struct {
	Progress int `json:"progress"`
	// ETASeconds is omitted when the rate is unknowable (no elapsed time or
	// no progress yet). It is never negative.
	ETASeconds *int64 `json:"eta_seconds,omitempty"`
}

// Estimate computes the remaining-time estimate for a job as of now.
func Estimate(job models.Job, now time.Time) Snapshot {
	snap := Snapshot{Progress: job.Progress}

	if job.Status.IsTerminal() {
		zero := int64(0)
		snap.ETASeconds = &zero
		return snap
	}

	elapsed := now.Sub(job.StartedAt).Seconds()
	if elapsed <= 0 || job.Progress <= 0 {
		return snap
	}

	rate := float64(job.Progress) / elapsed // percent per second
	eta := int64(math.Ceil(float64(100-job.Progress) / rate))
	if eta < 0 {
		return snap
	}
	snap.ETASeconds = &eta
	return snap
}
