package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"content-autopilot/internal/models"
)

// Webhook posts the article to a generic consumer endpoint (social
// cross-posters, downstream syndication). The consumer replies with an id.
type Webhook struct {
	url        string
	token      string
	httpClient *http.Client
}

var _ Target = (*Webhook)(nil)

// NewWebhook builds the webhook target.
func NewWebhook(url, token string) *Webhook {
	return &Webhook{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Publish delivers the article and returns "hook:<consumer id>".
func (w *Webhook) Publish(ctx context.Context, job models.Job, article Article) (string, error) {
	if w.url == "" {
		return "", &models.UpstreamError{Stage: "publish", Err: fmt.Errorf("webhook target not configured")}
	}

	body, err := json.Marshal(map[string]any{
		"job_id":    job.ID,
		"tenant_id": job.TenantID,
		"title":     article.Title,
		"html":      article.HTML,
		"cover_url": article.CoverURL,
	})
	if err != nil {
		return "", fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", &models.UpstreamError{Stage: "publish", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &models.UpstreamError{
			Stage: "publish",
			Err:   fmt.Errorf("webhook returned %s: %s", resp.Status, strings.TrimSpace(string(detail))),
		}
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || parsed.ID == "" {
		// Consumers that reply without a body still accepted the article; fall
		// back to the job id so the ref stays stable across retries.
		return "hook:" + job.ID, nil
	}
	return "hook:" + parsed.ID, nil
}
