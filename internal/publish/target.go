// Package publish models each distribution channel as a tagged target variant
// behind a single capability, dispatched once by name.
package publish

import (
	"context"

	"content-autopilot/internal/models"
)

// Article is the channel-agnostic payload handed to every target.
type Article struct {
	Title    string
	HTML     string
	CoverURL string
}

// Target performs the externally visible side effect for one channel and
// returns a stable external reference. Implementations must not retry
// internally; the pipeline owns retry and idempotency decisions.
type Target interface {
	Name() string
	Publish(ctx context.Context, job models.Job, article Article) (externalRef string, err error)
}

// Registry resolves targets by channel name.
type Registry struct {
	targets map[string]Target
}

// NewRegistry indexes the given targets by name.
func NewRegistry(targets ...Target) *Registry {
	m := make(map[string]Target, len(targets))
	for _, t := range targets {
		if t != nil {
			m[t.Name()] = t
		}
	}
	return &Registry{targets: m}
}

// Lookup returns the target for a channel name.
func (r *Registry) Lookup(name string) (Target, bool) {
	t, ok := r.targets[name]
	return t, ok
}

// Names lists the registered channel names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.targets))
	for name := range r.targets {
		out = append(out, name)
	}
	return out
}
