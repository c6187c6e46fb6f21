// Package pipeline drives a claimed job through generate → quality-check →
// publish. Stages read their inputs only from the job's persisted result and
// short-circuit when their output is already recorded, so re-invoking a stage
// never re-bills or re-publishes.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"content-autopilot/internal/generate"
	"content-autopilot/internal/models"
	"content-autopilot/internal/publish"
	"content-autopilot/internal/review"
	"content-autopilot/internal/store"
	"content-autopilot/internal/telemetry"
)

// Generator produces a draft from a job brief.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (generate.Draft, error)
}

// Reviewer runs quality checks over a draft.
type Reviewer interface {
	Analyze(html string) (review.Report, error)
}

// Biller is the slice of the ledger the pipeline needs.
type Biller interface {
	Debit(ctx context.Context, tenantID string, amount float64, reason string) (models.CreditTransaction, error)
	Refund(ctx context.Context, tenantID string, amount float64, reason string) (models.CreditTransaction, error)
}

// Notifier receives terminal job transitions. May be nil.
type Notifier interface {
	JobFinished(job models.Job, event string)
}

// Costs are the per-stage credit prices.
type Costs struct {
	Generate float64
	Review   float64
	Publish  float64 // per target
}

// Summary reports the outcome of a sweep.
type Summary struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Runner owns pipeline execution for claimed jobs.
type Runner struct {
	store           store.Store
	biller          Biller
	generator       Generator
	reviewer        Reviewer
	targets         *publish.Registry
	costs           Costs
	reviewEnabled   bool
	defaultChannels []string
	trialCredits    float64
	batchSize       int
	notifier        Notifier
	log             *slog.Logger
}

// Options collects Runner dependencies.
type Options struct {
	Store           store.Store
	Biller          Biller
	Generator       Generator
	Reviewer        Reviewer
	Targets         *publish.Registry
	Costs           Costs
	ReviewEnabled   bool
	DefaultChannels []string
	TrialCredits    float64
	BatchSize       int
	Notifier        Notifier
	Log             *slog.Logger
}

// NewRunner builds a Runner.
func NewRunner(opts Options) *Runner {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 20
	}
	return &Runner{
		store:           opts.Store,
		biller:          opts.Biller,
		generator:       opts.Generator,
		reviewer:        opts.Reviewer,
		targets:         opts.Targets,
		costs:           opts.Costs,
		reviewEnabled:   opts.ReviewEnabled,
		defaultChannels: opts.DefaultChannels,
		trialCredits:    opts.TrialCredits,
		batchSize:       batch,
		notifier:        opts.Notifier,
		log:             log,
	}
}

// TriggerTarget creates (or reuses) a job for a single article target and runs
// it within the current invocation.
func (r *Runner) TriggerTarget(ctx context.Context, tenantID, articleID string, payload map[string]any) (models.Job, error) {
	if _, err := r.store.EnsureAccount(ctx, tenantID, r.trialCredits); err != nil {
		return models.Job{}, err
	}
	job, reused, err := r.store.CreateJob(ctx, store.CreateJobParams{
		TenantID:  tenantID,
		ArticleID: articleID,
		Payload:   payload,
	})
	if err != nil {
		return models.Job{}, err
	}
	if reused && job.Status != models.StatusPending {
		// Another worker already holds the claim; report progress instead of
		// racing it.
		return job, nil
	}
	if err := r.Process(ctx, job.ID); err != nil {
		r.log.Warn("trigger run failed", "job", job.ID, "err", err)
	}
	return r.store.GetJob(ctx, job.ID)
}

// Sweep claims and runs pending jobs, for one tenant or (with an empty tenant
// id) across all tenants. Per-job failures are recorded on the job and never
// abort the rest of the sweep. An empty sweep is a no-op, not an error.
func (r *Runner) Sweep(ctx context.Context, tenantID string) (Summary, error) {
	jobs, err := r.store.PendingJobs(ctx, tenantID, r.batchSize)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, job := range jobs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Processed++
		if err := r.Process(ctx, job.ID); err != nil {
			sum.Failed++
			r.log.Warn("sweep job failed", "job", job.ID, "tenant", job.TenantID, "err", err)
			continue
		}
		final, err := r.store.GetJob(ctx, job.ID)
		if err == nil && final.Status == models.StatusCompleted {
			sum.Completed++
		} else {
			sum.Skipped++
		}
	}
	return sum, nil
}

// Process claims the job and, if the claim wins, executes the pipeline to a
// terminal state. A lost claim is not an error.
func (r *Runner) Process(ctx context.Context, jobID string) error {
	job, claimed, err := r.store.ClaimJob(ctx, jobID, models.StatusPending, models.StatusGenerating, 5, "generating content")
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()
	return r.run(ctx, job)
}

func (r *Runner) run(ctx context.Context, job models.Job) error {
	job, stop, err := r.stageGenerate(ctx, job)
	if stop || err != nil {
		return err
	}

	if r.reviewEnabled {
		job, stop, err = r.stageReview(ctx, job)
		if stop || err != nil {
			return err
		}
	}

	ok, err := r.store.AdvanceJob(ctx, job.ID, models.StatusGenerating, models.StatusPublishing, 70, "publishing")
	if err != nil {
		return err
	}
	if !ok {
		// Cancelled or reaped between stages; nothing further, no more debits.
		return nil
	}
	job, err = r.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}

	job, stop, err = r.stagePublish(ctx, job)
	if stop || err != nil {
		return err
	}

	done, err := r.store.CompleteJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if done {
		telemetry.JobsCompleted.Inc()
		if final, err := r.store.GetJob(ctx, job.ID); err == nil {
			r.notify(final, "completed")
			r.log.Info("job completed", "job", final.ID, "tenant", final.TenantID)
		}
	}
	return nil
}

// stageGenerate produces the draft. Billable: the debit happens before the
// generator call and is refunded when the call fails irrecoverably.
func (r *Runner) stageGenerate(ctx context.Context, job models.Job) (models.Job, bool, error) {
	job, stop := r.reload(ctx, job)
	if stop {
		return job, true, nil
	}
	if _, ok := job.Result[models.ResultDraft]; ok {
		return job, false, nil
	}

	debited, err := r.debitStage(ctx, job, r.costs.Generate, "content generation")
	if err != nil {
		return job, false, err
	}

	draft, err := r.generator.Generate(ctx, generate.Request{
		TenantID: job.TenantID,
		Topic:    job.PayloadString("topic"),
		Brief:    job.PayloadString("brief"),
	})
	if err != nil {
		return job, false, r.failStage(ctx, job, debited, "content generation", err)
	}

	if err := r.store.MergeResult(ctx, job.ID, map[string]any{models.ResultDraft: asMap(draft)}); err != nil {
		return job, false, err
	}
	if err := r.store.SetProgress(ctx, job.ID, 40, "draft generated"); err != nil {
		return job, false, err
	}
	job, err = r.store.GetJob(ctx, job.ID)
	return job, false, err
}

// stageReview runs quality checks over the stored draft. The scan is billable
// even when its verdict is negative; only a scan that could not run at all is
// refunded.
func (r *Runner) stageReview(ctx context.Context, job models.Job) (models.Job, bool, error) {
	job, stop := r.reload(ctx, job)
	if stop {
		return job, true, nil
	}
	if _, ok := job.Result[models.ResultReview]; ok {
		return job, false, nil
	}

	html := draftHTML(job)
	if html == "" {
		return job, false, r.failStage(ctx, job, 0, "quality check", errors.New("job has no stored draft"))
	}

	debited, err := r.debitStage(ctx, job, r.costs.Review, "quality scan")
	if err != nil {
		return job, false, err
	}

	report, err := r.reviewer.Analyze(html)
	if err != nil {
		return job, false, r.failStage(ctx, job, debited, "quality check", err)
	}

	if err := r.store.MergeResult(ctx, job.ID, map[string]any{models.ResultReview: asMap(report)}); err != nil {
		return job, false, err
	}
	if err := r.store.SetProgress(ctx, job.ID, 60, "quality checked"); err != nil {
		return job, false, err
	}

	if !report.Passed {
		// The scan itself succeeded, so the debit stands.
		err := fmt.Errorf("quality check failed: %v", report.Issues)
		return job, false, r.failStage(ctx, job, 0, "quality check", err)
	}

	job, err = r.store.GetJob(ctx, job.ID)
	return job, false, err
}

// stagePublish dispatches the draft to each requested channel. Channels whose
// external reference is already recorded are skipped without a new call, which
// keeps publishing exactly-once under duplicate triggers.
func (r *Runner) stagePublish(ctx context.Context, job models.Job) (models.Job, bool, error) {
	job, stop := r.reload(ctx, job)
	if stop {
		return job, true, nil
	}

	channels := job.PayloadStrings("channels")
	if len(channels) == 0 {
		channels = r.defaultChannels
	}

	article := publish.Article{
		Title:    draftField(job, "title"),
		HTML:     draftHTML(job),
		CoverURL: job.PayloadString("cover_url"),
	}
	if article.HTML == "" {
		return job, false, r.failStage(ctx, job, 0, "publish", errors.New("job has no stored draft"))
	}

	refs := job.PublishedRefs()
	prog := 70
	for _, name := range channels {
		if refs[name] != "" {
			continue
		}
		target, ok := r.targets.Lookup(name)
		if !ok {
			return job, false, r.failStage(ctx, job, 0, "publish", fmt.Errorf("unknown channel %q", name))
		}

		debited, err := r.debitStage(ctx, job, r.costs.Publish, "publish to "+name)
		if err != nil {
			return job, false, err
		}

		ref, err := target.Publish(ctx, job, article)
		if err != nil {
			return job, false, r.failStage(ctx, job, debited, "publish to "+name, err)
		}
		telemetry.PublishCalls.WithLabelValues(name).Inc()

		refs[name] = ref
		if err := r.store.MergeResult(ctx, job.ID, map[string]any{models.ResultPublished: refsAsAny(refs)}); err != nil {
			return job, false, err
		}
		if prog < 95 {
			prog += 5
		}
		if err := r.store.SetProgress(ctx, job.ID, prog, "published to "+name); err != nil {
			return job, false, err
		}
	}

	job, err := r.store.GetJob(ctx, job.ID)
	return job, false, err
}

// debitStage charges a billable stage up front. An insufficient balance fails
// the job with no external call made.
func (r *Runner) debitStage(ctx context.Context, job models.Job, amount float64, reason string) (float64, error) {
	if amount <= 0 {
		return 0, nil
	}
	tx, err := r.biller.Debit(ctx, job.TenantID, amount, fmt.Sprintf("%s (job %s)", reason, job.ID))
	if err != nil {
		if errors.Is(err, models.ErrInsufficientCredits) {
			msg := fmt.Sprintf("insufficient credits for %s", reason)
			if _, failErr := r.store.FailJob(ctx, job.ID, msg); failErr == nil {
				telemetry.JobsFailed.Inc()
				if final, getErr := r.store.GetJob(ctx, job.ID); getErr == nil {
					r.notify(final, "failed")
				}
			}
			return 0, err
		}
		return 0, err
	}
	// Unlimited accounts come back without a persisted transaction; there is
	// nothing to refund in that case.
	if tx.ID == "" {
		return 0, nil
	}
	return amount, nil
}

// failStage refunds any stage debit, records the error, and moves the job to
// failed exactly once. The stage error is returned so sweeps can count it.
func (r *Runner) failStage(ctx context.Context, job models.Job, refund float64, stage string, cause error) error {
	if refund > 0 {
		reason := fmt.Sprintf("refund: %s failed (job %s)", stage, job.ID)
		if _, err := r.biller.Refund(ctx, job.TenantID, refund, reason); err != nil {
			r.log.Error("refund failed", "job", job.ID, "tenant", job.TenantID, "amount", refund, "err", err)
		}
	}

	msg := fmt.Sprintf("%s: %v", stage, cause)
	changed, err := r.store.FailJob(ctx, job.ID, msg)
	if err != nil {
		return err
	}
	if changed {
		telemetry.JobsFailed.Inc()
		if final, err := r.store.GetJob(ctx, job.ID); err == nil {
			r.notify(final, "failed")
		}
	}
	return fmt.Errorf("%s: %w", stage, cause)
}

// reload refreshes the job and reports whether the pipeline must stop because
// the job reached a terminal state out of band (cancellation is cooperative:
// the next stage boundary exits without further debits).
func (r *Runner) reload(ctx context.Context, job models.Job) (models.Job, bool) {
	fresh, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		return job, true
	}
	if fresh.Status.IsTerminal() {
		return fresh, true
	}
	return fresh, false
}

func (r *Runner) notify(job models.Job, event string) {
	if r.notifier != nil {
		r.notifier.JobFinished(job, event)
	}
}

func draftHTML(job models.Job) string {
	return draftField(job, "html")
}

func draftField(job models.Job, key string) string {
	draft, ok := job.Result[models.ResultDraft].(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := draft[key].(string); ok {
		return v
	}
	return ""
}

// asMap converts a typed stage output into the generic shape stored in the
// job's result payload.
func asMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func refsAsAny(refs map[string]string) map[string]any {
	out := make(map[string]any, len(refs))
	for k, v := range refs {
		out[k] = v
	}
	return out
}
