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

// WordPress publishes drafts as posts through the WP REST API.
type WordPress struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ Target = (*WordPress)(nil)

// NewWordPress builds the CMS target. baseURL is the site root, e.g.
// https://blog.example.com.
func NewWordPress(baseURL, token string) *WordPress {
	return &WordPress{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WordPress) Name() string { return "wordpress" }

type wpPostResponse struct {
	ID   int64  `json:"id"`
	Link string `json:"link"`
}

// Publish creates the post and returns "wp:<post id>" as the external ref.
func (w *WordPress) Publish(ctx context.Context, _ models.Job, article Article) (string, error) {
	if w.baseURL == "" {
		return "", &models.UpstreamError{Stage: "publish", Err: fmt.Errorf("wordpress target not configured")}
	}

	body, err := json.Marshal(map[string]any{
		"title":   article.Title,
		"content": article.HTML,
		"status":  "publish",
	})
	if err != nil {
		return "", fmt.Errorf("marshal post: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/wp-json/wp/v2/posts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build post request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
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
			Err:   fmt.Errorf("wordpress returned %s: %s", resp.Status, strings.TrimSpace(string(detail))),
		}
	}

	var post wpPostResponse
	if err := json.NewDecoder(resp.Body).Decode(&post); err != nil {
		return "", &models.UpstreamError{Stage: "publish", Err: fmt.Errorf("decode post response: %w", err)}
	}
	if post.ID == 0 {
		return "", &models.UpstreamError{Stage: "publish", Err: fmt.Errorf("wordpress returned no post id")}
	}
	return fmt.Sprintf("wp:%d", post.ID), nil
}
