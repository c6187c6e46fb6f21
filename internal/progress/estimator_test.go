package progress

import (
	"testing"
	"time"

	"content-autopilot/internal/models"
)

func TestEstimateHalfway(t *testing.T) {
	now := time.Now()
	job := models.Job{
		Status:    models.StatusGenerating,
		Progress:  50,
		StartedAt: now.Add(-60 * time.Second),
	}

	snap := Estimate(job, now)
	if snap.Progress != 50 {
		t.Fatalf("progress: got %d want 50", snap.Progress)
	}
	if snap.ETASeconds == nil {
		t.Fatalf("expected an eta")
	}
	// 50 points in 60s, so the remaining 50 take about another 60s.
	if *snap.ETASeconds < 59 || *snap.ETASeconds > 61 {
		t.Fatalf("eta: got %d want ~60", *snap.ETASeconds)
	}
}

func TestEstimateTerminalIsZero(t *testing.T) {
	now := time.Now()
	for _, status := range []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled} {
		job := models.Job{Status: status, Progress: 100, StartedAt: now.Add(-time.Minute)}
		snap := Estimate(job, now)
		if snap.ETASeconds == nil || *snap.ETASeconds != 0 {
			t.Fatalf("%s: eta should be zero, got %v", status, snap.ETASeconds)
		}
	}
}

func TestEstimateUnknowableRateOmitted(t *testing.T) {
	now := time.Now()

	// No progress yet.
	snap := Estimate(models.Job{Status: models.StatusPending, Progress: 0, StartedAt: now.Add(-time.Minute)}, now)
	if snap.ETASeconds != nil {
		t.Fatalf("zero progress: eta should be omitted, got %d", *snap.ETASeconds)
	}

	// No elapsed time yet.
	snap = Estimate(models.Job{Status: models.StatusGenerating, Progress: 10, StartedAt: now}, now)
	if snap.ETASeconds != nil {
		t.Fatalf("zero elapsed: eta should be omitted, got %d", *snap.ETASeconds)
	}
}
