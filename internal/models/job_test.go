package models

import "testing"

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusGenerating},
		{StatusGenerating, StatusPublishing},
		{StatusPublishing, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusGenerating, StatusCancelled},
		{StatusPublishing, StatusFailed},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusPublishing},
		{StatusPending, StatusCompleted},
		{StatusGenerating, StatusCompleted},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusGenerating},
		{StatusCancelled, StatusPending},
	}
	for _, tc := range denied {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be denied", tc.from, tc.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range NonTerminalStatuses {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestPublishedRefs(t *testing.T) {
	job := Job{Result: map[string]any{
		ResultPublished: map[string]any{"wordpress": "wp:42", "junk": 7},
	}}
	refs := job.PublishedRefs()
	if refs["wordpress"] != "wp:42" {
		t.Fatalf("refs: %v", refs)
	}
	if _, ok := refs["junk"]; ok {
		t.Fatalf("non-string ref leaked through: %v", refs)
	}
	if len(Job{}.PublishedRefs()) != 0 {
		t.Fatalf("empty job should have no refs")
	}
}

func TestPayloadStrings(t *testing.T) {
	job := Job{Payload: map[string]any{
		"channels": []any{"wordpress", "", 3, "webhook"},
	}}
	got := job.PayloadStrings("channels")
	if len(got) != 2 || got[0] != "wordpress" || got[1] != "webhook" {
		t.Fatalf("channels: %v", got)
	}

	typed := Job{Payload: map[string]any{"channels": []string{"assets"}}}
	if got := typed.PayloadStrings("channels"); len(got) != 1 || got[0] != "assets" {
		t.Fatalf("typed channels: %v", got)
	}
}
