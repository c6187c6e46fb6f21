// Package events publishes job lifecycle notifications on NATS so other
// services can react without polling. Publishing is fire-and-forget; a nil
// *Publisher is a no-op, which keeps the bus optional.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"content-autopilot/internal/models"
)

// JobEvent is the wire shape for lifecycle notifications.
type JobEvent struct {
	JobID      string `json:"job_id"`
	TenantID   string `json:"tenant_id"`
	Status     string `json:"status"`
	Event      string `json:"event"`
	Error      string `json:"error,omitempty"`
	HappenedAt int64  `json:"happened_at"`
}

// Publisher wraps a NATS connection for lifecycle events.
type Publisher struct {
	nc      *nats.Conn
	subject string
	log     *slog.Logger
}

// Connect dials NATS. An empty URL returns a nil publisher, disabling events.
func Connect(url, subject string, log *slog.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, subject: subject, log: log}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		_ = p.nc.Drain()
	}
}

// JobFinished publishes a terminal transition. Errors are logged, never
// propagated: event delivery must not affect job processing.
func (p *Publisher) JobFinished(job models.Job, event string) {
	if p == nil || p.nc == nil {
		return
	}
	evt := JobEvent{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Status:     string(job.Status),
		Event:      event,
		HappenedAt: time.Now().Unix(),
	}
	if job.Error != nil {
		evt.Error = *job.Error
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := p.nc.Publish(p.subject+"."+event, raw); err != nil {
		p.log.Warn("publish job event failed", "job", job.ID, "event", event, "err", err)
	}
}
