package generate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"content-autopilot/internal/config"
	"content-autopilot/internal/models"
)

func testClient(endpoint string) *Client {
	return NewClient(config.Config{
		GeneratorEndpoint: endpoint,
		GeneratorModel:    "test-model",
		GeneratorAPIKey:   "secret",
		GeneratorPrompt:   "You write publish-ready HTML articles.",
	})
}

func TestGenerate(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" || len(req.Messages) != 2 {
			t.Errorf("bad request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model-2024",
			"choices": []map[string]any{
				{"message": map[string]string{"content": "<h1>Tomato Basics</h1><p>Grow them.</p>"}},
			},
		})
	}))
	defer srv.Close()

	draft, err := testClient(srv.URL).Generate(context.Background(), Request{TenantID: "t1", Topic: "tomatoes", Brief: "keep it short"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	if draft.Title != "Tomato Basics" {
		t.Fatalf("title: got %q", draft.Title)
	}
	if draft.HTML == "" || draft.Model != "test-model-2024" {
		t.Fatalf("draft: %+v", draft)
	}
}

func TestGenerateTitleFallsBackToTopic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "<p>No heading here.</p>"}},
			},
		})
	}))
	defer srv.Close()

	draft, err := testClient(srv.URL).Generate(context.Background(), Request{Topic: "composting"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if draft.Title != "composting" {
		t.Fatalf("title fallback: got %q", draft.Title)
	}
}

func TestGenerateUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Generate(context.Background(), Request{Topic: "tomatoes"})
	var uerr *models.UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if uerr.Stage != "generate" {
		t.Fatalf("stage: got %q", uerr.Stage)
	}
}

func TestGenerateRequiresTopic(t *testing.T) {
	_, err := testClient("http://unused.invalid").Generate(context.Background(), Request{})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Generate(context.Background(), Request{Topic: "tomatoes"})
	var uerr *models.UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}
