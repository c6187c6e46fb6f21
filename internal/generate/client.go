// Package generate calls an OpenAI-compatible chat-completion endpoint to
// produce a publish-ready HTML draft from a job brief.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"content-autopilot/internal/config"
	"content-autopilot/internal/models"
)

// Request is the stage input assembled from the job payload.
type Request struct {
	TenantID string
	Topic    string
	Brief    string
}

// Draft is the generated article recorded in the job result.
type Draft struct {
	Title       string `json:"title"`
	HTML        string `json:"html"`
	Model       string `json:"model"`
	GeneratedAt string `json:"generated_at"`
}

// Client posts chat-completion requests over net/http.
type Client struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	httpClient   *http.Client
}

// NewClient builds a generation client from configuration.
func NewClient(cfg config.Config) *Client {
	timeout := cfg.GeneratorTimeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		endpoint:     cfg.GeneratorEndpoint,
		model:        cfg.GeneratorModel,
		apiKey:       cfg.GeneratorAPIKey,
		systemPrompt: cfg.GeneratorPrompt,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
}

// Generate produces a draft for the request. Failures are wrapped as
// UpstreamError so the pipeline can refund the debit and fail the job.
func (c *Client) Generate(ctx context.Context, req Request) (Draft, error) {
	if c.endpoint == "" || c.model == "" {
		return Draft{}, &models.UpstreamError{Stage: "generate", Err: fmt.Errorf("generator not configured")}
	}
	if req.Topic == "" {
		return Draft{}, &models.ValidationError{Field: "topic", Reason: "required"}
	}

	user := fmt.Sprintf("Write an HTML article about: %s", req.Topic)
	if req.Brief != "" {
		user += "\n\nBrief:\n" + req.Brief
	}
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": c.systemPrompt},
			{"role": "user", "content": user},
		},
	})
	if err != nil {
		return Draft{}, fmt.Errorf("marshal generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Draft{}, fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Draft{}, &models.UpstreamError{Stage: "generate", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Draft{}, &models.UpstreamError{
			Stage: "generate",
			Err:   fmt.Errorf("generator returned %s: %s", resp.Status, strings.TrimSpace(string(detail))),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Draft{}, &models.UpstreamError{Stage: "generate", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return Draft{}, &models.UpstreamError{Stage: "generate", Err: fmt.Errorf("generator returned no content")}
	}

	html := strings.TrimSpace(parsed.Choices[0].Message.Content)
	model := parsed.Model
	if model == "" {
		model = c.model
	}
	return Draft{
		Title:       titleFrom(html, req.Topic),
		HTML:        html,
		Model:       model,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// titleFrom prefers the first <h1> in the draft, falling back to the topic.
func titleFrom(html, topic string) string {
	lower := strings.ToLower(html)
	start := strings.Index(lower, "<h1")
	if start >= 0 {
		if open := strings.Index(lower[start:], ">"); open >= 0 {
			rest := html[start+open+1:]
			if end := strings.Index(strings.ToLower(rest), "</h1>"); end >= 0 {
				if title := strings.TrimSpace(stripTags(rest[:end])); title != "" {
					return title
				}
			}
		}
	}
	return topic
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
