package models

import (
	"time"
)

// Status enumerates job lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusPublishing Status = "publishing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// NonTerminalStatuses lists states a live worker may still advance.
var NonTerminalStatuses = []Status{StatusPending, StatusGenerating, StatusPublishing}

// IsTerminal reports whether a job in this state accepts no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusFailed, StatusCancelled:
		return true
	case StatusGenerating:
		return s == StatusPending
	case StatusPublishing:
		return s == StatusGenerating
	case StatusCompleted:
		return s == StatusPublishing
	}
	return false
}

// Job is one unit of autonomous multi-stage content work.
type Job struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	ArticleID   *string        `json:"article_id,omitempty"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep string         `json:"current_step"`
	Payload     map[string]any `json:"payload,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Result keys written by the pipeline stages.
const (
	ResultDraft     = "draft"
	ResultReview    = "review"
	ResultPublished = "published"
)

// PublishedRefs returns the per-channel external references recorded so far.
func (j Job) PublishedRefs() map[string]string {
	refs := map[string]string{}
	raw, ok := j.Result[ResultPublished].(map[string]any)
	if !ok {
		return refs
	}
	for name, v := range raw {
		if s, ok := v.(string); ok {
			refs[name] = s
		}
	}
	return refs
}

// PayloadString reads a string field from the trigger payload.
func (j Job) PayloadString(key string) string {
	if v, ok := j.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadStrings reads a string-list field from the trigger payload.
func (j Job) PayloadStrings(key string) []string {
	raw, ok := j.Payload[key].([]any)
	if !ok {
		if typed, ok := j.Payload[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
