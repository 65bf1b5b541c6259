package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ShayCichocki/trunkline/internal/adapters"
	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

type fakePipeline struct {
	states map[string]*models.PipelineState
	runs   int
	runErr error
}

func (f *fakePipeline) Run(req *models.PipelineRequest) (string, error) {
	f.runs++
	if f.runErr != nil {
		return "", f.runErr
	}
	return "generated-id", nil
}

func (f *fakePipeline) Stop(id string) error {
	if _, ok := f.states[id]; !ok {
		return fmt.Errorf("request %s is not running", id)
	}
	return nil
}

func (f *fakePipeline) GetStatus(id string) (*models.PipelineState, bool) {
	state, ok := f.states[id]
	return state, ok
}

type fakeDirector struct{ cycles chan struct{} }

func (f *fakeDirector) RunCycle(ctx context.Context) {
	select {
	case f.cycles <- struct{}{}:
	default:
	}
}

func testServer(t *testing.T, cfg *config.Config, pipeline *fakePipeline) (*Server, *bus.Bus) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Branch.IntegrationPrefix == "" {
		cfg.Branch = config.BranchConfig{PipelinePrefix: "pipeline/", IntegrationPrefix: "integration/", Main: "main"}
	}
	b, err := bus.New(bus.Options{Path: t.TempDir(), Workers: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)
	if pipeline == nil {
		pipeline = &fakePipeline{states: map[string]*models.PipelineState{}}
	}
	s := New(cfg, pipeline, &fakeDirector{cycles: make(chan struct{}, 1)}, b, NewTranslator(cfg, nil), nil)
	return s, b
}

func TestRun_Accepted(t *testing.T) {
	s, _ := testServer(t, nil, nil)
	body, _ := json.Marshal(models.PipelineRequest{Branch: "feat/a", WorktreePath: "/w/a"})
	req := httptest.NewRequest(http.MethodPost, "/pipeline/run", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["request_id"] != "generated-id" {
		t.Errorf("request_id = %q", resp["request_id"])
	}
}

func TestRun_BadBody(t *testing.T) {
	s, _ := testServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/pipeline/run", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRun_RateLimited(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{RunRatePerMin: 2}}
	s, _ := testServer(t, cfg, nil)
	router := s.Router()

	body, _ := json.Marshal(models.PipelineRequest{Branch: "feat/a", WorktreePath: "/w"})
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/pipeline/run", bytes.NewReader(body))
		req.RemoteAddr = "10.0.0.1:4000"
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last.Code)
	}
	if got := last.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}

	// A different peer is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/pipeline/run", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.2:4000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("other peer status = %d, want 202", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	pipeline := &fakePipeline{states: map[string]*models.PipelineState{
		"r1": {RequestID: "r1", Status: models.StatusRunning, Tier: models.TierSmall},
	}}
	s, _ := testServer(t, nil, pipeline)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pipeline/status/r1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var state models.PipelineState
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.Status != models.StatusRunning {
		t.Errorf("state = %+v", state)
	}

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pipeline/status/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rec.Code)
	}
}

func TestStop(t *testing.T) {
	pipeline := &fakePipeline{states: map[string]*models.PipelineState{"r1": {RequestID: "r1"}}}
	s, _ := testServer(t, nil, pipeline)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pipeline/stop/r1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("stop status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pipeline/stop/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("stop missing status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t, nil, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("health body = %v", resp)
	}
}

func TestWebhook_HMACValidation(t *testing.T) {
	cfg := &config.Config{WebhookSecret: "hook-secret"}
	s, _ := testServer(t, cfg, nil)
	router := s.Router()

	body := []byte(`{"action":"opened","pull_request":{"number":5,"head":{"ref":"issue/12"}}}`)

	// Missing signature.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned status = %d, want 401", rec.Code)
	}

	// Wrong signature.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad signature status = %d, want 401", rec.Code)
	}

	// Valid signature.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256="+adapters.Sign("hook-secret", body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("signed status = %d, want 200", rec.Code)
	}
}

func TestWebhook_UnknownEventIgnored(t *testing.T) {
	s, _ := testServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-GitHub-Event", "star")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ignored" {
		t.Errorf("body = %v", resp)
	}
}

func TestWebhook_PublishesTranslatedEvents(t *testing.T) {
	s, b := testServer(t, nil, nil)
	body := []byte(`{
		"action": "closed",
		"pull_request": {
			"number": 42,
			"merged": true,
			"merge_commit_sha": "deadbeef",
			"html_url": "https://github.com/acme/w/pull/42",
			"head": {"ref": "integration/feat/a"}
		}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	events, err := b.GetEvents("feat/a")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != bus.EventIntegrationPRMerged {
		t.Fatalf("events = %v", events)
	}
	if events[0].String("merge_commit_sha") != "deadbeef" || events[0].Int("pr_number") != 42 {
		t.Errorf("payload = %v", events[0].Data)
	}
}

func TestDirectorRun(t *testing.T) {
	s, _ := testServer(t, nil, nil)
	director := &fakeDirector{cycles: make(chan struct{}, 1)}
	s.director = director

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/director/run", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	select {
	case <-director.cycles:
	case <-time.After(2 * time.Second):
		t.Fatal("director cycle never ran")
	}
}
