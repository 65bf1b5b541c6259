package server

import (
	"testing"

	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
)

func translatorConfig() *config.Config {
	return &config.Config{
		Branch:      config.BranchConfig{PipelinePrefix: "pipeline/", IntegrationPrefix: "integration/", Main: "main"},
		ProjectPath: "/repo",
	}
}

func TestTranslate_PROpened(t *testing.T) {
	tr := NewTranslator(translatorConfig(), nil)
	body := []byte(`{
		"action": "opened",
		"pull_request": {
			"number": 7,
			"html_url": "https://github.com/acme/w/pull/7",
			"head": {"ref": "issue/12"}
		}
	}`)
	events, err := tr.Translate("pull_request", body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.Type != bus.EventSessionReviewRequested {
		t.Errorf("type = %s", e.Type)
	}
	if e.String("branch") != "issue/12" || e.Int("prNumber") != 7 {
		t.Errorf("data = %v", e.Data)
	}
	if e.Int("issueNumber") != 12 {
		t.Errorf("issueNumber = %d, want 12", e.Int("issueNumber"))
	}
	if e.String("projectPath") != "/repo" {
		t.Errorf("projectPath = %q", e.String("projectPath"))
	}
}

func TestTranslate_MergedIntegrationPR(t *testing.T) {
	tr := NewTranslator(translatorConfig(), nil)
	body := []byte(`{
		"action": "closed",
		"pull_request": {
			"number": 42,
			"merged": true,
			"merge_commit_sha": "abc123",
			"head": {"ref": "integration/feat/a"}
		}
	}`)
	events, err := tr.Translate("pull_request", body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != bus.EventIntegrationPRMerged {
		t.Fatalf("events = %v", events)
	}
	e := events[0]
	if e.String("branch") != "feat/a" {
		t.Errorf("branch = %q", e.String("branch"))
	}
	if e.String("integration_branch") != "integration/feat/a" {
		t.Errorf("integration_branch = %q", e.String("integration_branch"))
	}
	if e.String("pipeline_branch") != "pipeline/feat/a" {
		t.Errorf("pipeline_branch = %q", e.String("pipeline_branch"))
	}
}

func TestTranslate_ClosedUnmergedIgnored(t *testing.T) {
	tr := NewTranslator(translatorConfig(), nil)
	body := []byte(`{
		"action": "closed",
		"pull_request": {"number": 1, "merged": false, "head": {"ref": "integration/feat/a"}}
	}`)
	events, err := tr.Translate("pull_request", body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("unmerged close produced events: %v", events)
	}
}

func TestTranslate_ClosedNonIntegrationIgnored(t *testing.T) {
	tr := NewTranslator(translatorConfig(), nil)
	body := []byte(`{
		"action": "closed",
		"pull_request": {"number": 1, "merged": true, "head": {"ref": "feat/plain"}}
	}`)
	events, err := tr.Translate("pull_request", body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("non-integration merge produced events: %v", events)
	}
}

func TestTranslate_ReviewApproved(t *testing.T) {
	tr := NewTranslator(translatorConfig(), nil)
	body := []byte(`{
		"action": "submitted",
		"review": {"state": "approved"},
		"pull_request": {"number": 9, "head": {"ref": "issue/3"}}
	}`)
	events, err := tr.Translate("pull_request_review", body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want review_requested + pr.approved", len(events))
	}
	if events[0].Type != bus.EventSessionReviewRequested || !events[0].Bool("approved") {
		t.Errorf("first event = %s %v", events[0].Type, events[0].Data)
	}
	if events[1].Type != bus.EventPRApproved {
		t.Errorf("second event = %s", events[1].Type)
	}
}

func TestTranslate_ChangesRequested(t *testing.T) {
	tr := NewTranslator(translatorConfig(), nil)
	body := []byte(`{
		"review": {"state": "changes_requested"},
		"pull_request": {"number": 9, "head": {"ref": "issue/3"}}
	}`)
	events, err := tr.Translate("pull_request_review", body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != bus.EventSessionChangesRequested {
		t.Fatalf("events = %v", events)
	}
}

func TestTranslate_CheckSuite(t *testing.T) {
	tr := NewTranslator(translatorConfig(), nil)
	tests := []struct {
		conclusion string
		wantType   bus.EventType
		wantCount  int
	}{
		{"success", bus.EventSessionCIPassed, 1},
		{"failure", bus.EventSessionCIFailed, 1},
		{"timed_out", bus.EventSessionCIFailed, 1},
		{"cancelled", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.conclusion, func(t *testing.T) {
			body := []byte(`{
				"check_suite": {"conclusion": "` + tt.conclusion + `", "head_branch": "issue/8", "head_sha": "ffff"}
			}`)
			events, err := tr.Translate("check_suite", body)
			if err != nil {
				t.Fatal(err)
			}
			if len(events) != tt.wantCount {
				t.Fatalf("events = %d, want %d", len(events), tt.wantCount)
			}
			if tt.wantCount == 0 {
				return
			}
			e := events[0]
			if e.Type != tt.wantType {
				t.Errorf("type = %s, want %s", e.Type, tt.wantType)
			}
			if e.String("sha") != "ffff" || e.Int("issueNumber") != 8 {
				t.Errorf("data = %v", e.Data)
			}
		})
	}
}

func TestTranslate_SessionLookup(t *testing.T) {
	lookup := func(prNumber int, branch string) string {
		if prNumber == 7 {
			return "session-7"
		}
		return ""
	}
	tr := NewTranslator(translatorConfig(), lookup)
	body := []byte(`{
		"action": "opened",
		"pull_request": {"number": 7, "head": {"ref": "feat/x"}}
	}`)
	events, err := tr.Translate("pull_request", body)
	if err != nil {
		t.Fatal(err)
	}
	if events[0].RequestID != "session-7" {
		t.Errorf("request id = %q, want session-7", events[0].RequestID)
	}
}

func TestIssueNumber(t *testing.T) {
	tests := []struct {
		branch string
		want   int
		ok     bool
	}{
		{"issue/12", 12, true},
		{"issue/12-fix-thing", 12, true},
		{"feat/a", 0, false},
		{"issue/", 0, false},
	}
	for _, tt := range tests {
		got, ok := issueNumber(tt.branch)
		if got != tt.want || ok != tt.ok {
			t.Errorf("issueNumber(%q) = %d,%v want %d,%v", tt.branch, got, ok, tt.want, tt.ok)
		}
	}
}
