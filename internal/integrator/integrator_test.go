package integrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/gh"
	"github.com/ShayCichocki/trunkline/internal/resilience"
	"github.com/ShayCichocki/trunkline/internal/saga"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// fakeGit records calls and fails where scripted.
type fakeGit struct {
	calls      []string
	mergeErr   error
	pushErr    error
	rebaseErr  error
	conflicted []string
	exists     bool
}

func (f *fakeGit) record(s string) { f.calls = append(f.calls, s) }

func (f *fakeGit) Run(ctx context.Context, args ...string) (string, error) {
	f.record("run " + strings.Join(args, " "))
	return "", nil
}
func (f *fakeGit) CurrentBranch(ctx context.Context) (string, error) { return "main", nil }
func (f *fakeGit) RevParse(ctx context.Context, ref string) (string, error) {
	f.record("rev-parse " + ref)
	return "sha-" + ref, nil
}
func (f *fakeGit) BranchExists(ctx context.Context, name string) (bool, error) {
	return f.exists, nil
}
func (f *fakeGit) CreateAndCheckoutBranch(ctx context.Context, name, start string) error {
	f.record("create " + name + " from " + start)
	return nil
}
func (f *fakeGit) CheckoutBranch(ctx context.Context, name string) error {
	f.record("checkout " + name)
	return nil
}
func (f *fakeGit) DeleteBranch(ctx context.Context, name string) error {
	f.record("delete " + name)
	return nil
}
func (f *fakeGit) Fetch(ctx context.Context, remote string, refs ...string) error {
	f.record("fetch " + remote + " " + strings.Join(refs, " "))
	return nil
}
func (f *fakeGit) Push(ctx context.Context, remote, branch string) error {
	f.record("push " + branch)
	return nil
}
func (f *fakeGit) PushForceWithLease(ctx context.Context, remote, branch string) error {
	f.record("push-force " + branch)
	return f.pushErr
}
func (f *fakeGit) PushDelete(ctx context.Context, remote, branch string) error {
	f.record("push-delete " + branch)
	return nil
}
func (f *fakeGit) Merge(ctx context.Context, branch string) error { return nil }
func (f *fakeGit) MergeNoFFMessage(ctx context.Context, branch, message string) error {
	f.record("merge " + branch)
	return f.mergeErr
}
func (f *fakeGit) MergeAbort(ctx context.Context) error {
	f.record("merge-abort")
	return nil
}
func (f *fakeGit) Rebase(ctx context.Context, base string) error {
	f.record("rebase " + base)
	return f.rebaseErr
}
func (f *fakeGit) RebaseAbort(ctx context.Context) error {
	f.record("rebase-abort")
	return nil
}
func (f *fakeGit) HasConflicts(ctx context.Context) (bool, error) { return false, nil }
func (f *fakeGit) ConflictedFiles(ctx context.Context) ([]string, error) {
	return f.conflicted, nil
}
func (f *fakeGit) Add(ctx context.Context, paths ...string) error        { return nil }
func (f *fakeGit) Commit(ctx context.Context, message string) error      { return nil }
func (f *fakeGit) DiffStats(ctx context.Context, base, head string) (models.DiffStats, error) {
	return models.DiffStats{}, nil
}
func (f *fakeGit) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	return nil, nil
}

type fakeGH struct {
	pr  *gh.PRInfo
	err error
}

func (f *fakeGH) CreatePR(ctx context.Context, head, base, title, body string) (*gh.PRInfo, error) {
	return f.pr, f.err
}
func (f *fakeGH) ClosePR(ctx context.Context, number int, comment string) error { return nil }
func (f *fakeGH) MergePR(ctx context.Context, number int) error                 { return nil }
func (f *fakeGH) ViewPR(ctx context.Context, number int) (*gh.PRInfo, error)    { return f.pr, nil }

type fakeResolver struct {
	err   error
	files []string
}

func (f *fakeResolver) Resolve(ctx context.Context, projectPath string, files []string) error {
	f.files = files
	return f.err
}

func newIntegrator(t *testing.T, g *fakeGit, ghc gh.Client, resolver ConflictResolver) (*Integrator, *bus.Bus) {
	t.Helper()
	cfg := &config.Config{
		Branch: config.BranchConfig{PipelinePrefix: "pipeline/", IntegrationPrefix: "integration/", Main: "main"},
	}
	b, err := bus.New(bus.Options{Path: t.TempDir(), Workers: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)
	sagas, err := saga.NewEngine(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	breakers := resilience.NewBreakers(map[string]config.BreakerConfig{
		"claude": {FailureThreshold: 5, ResetTimeoutMS: 60000},
		"github": {FailureThreshold: 3, ResetTimeoutMS: 30000},
	}, nil)
	return New(cfg, g, ghc, sagas, resolver, breakers, b, nil), b
}

func entry() models.ReadyEntry {
	return models.ReadyEntry{
		Branch:         "feat/a",
		PipelineBranch: "pipeline/feat/a",
		RequestID:      "r1",
		Tier:           models.TierSmall,
	}
}

func contains(calls []string, want string) bool {
	for _, c := range calls {
		if c == want {
			return true
		}
	}
	return false
}

func TestIntegrate_HappyPath(t *testing.T) {
	g := &fakeGit{}
	ghc := &fakeGH{pr: &gh.PRInfo{Number: 42, URL: "https://github.com/acme/w/pull/42"}}
	it, _ := newIntegrator(t, g, ghc, &fakeResolver{})

	result := it.Integrate(context.Background(), entry(), "/repo")
	if !result.Success {
		t.Fatalf("Integrate() failed: %s", result.Error)
	}
	if result.PRNumber != 42 {
		t.Errorf("pr_number = %d, want 42", result.PRNumber)
	}
	if result.BaseMainSHA != "sha-origin/main" {
		t.Errorf("base_main_sha = %q", result.BaseMainSHA)
	}
	if result.IntegrationBranch != "integration/feat/a" {
		t.Errorf("integration_branch = %q", result.IntegrationBranch)
	}
	for _, want := range []string{
		"fetch origin main",
		"create integration/feat/a from origin/main",
		"merge pipeline/feat/a",
		"push-force integration/feat/a",
		"checkout main",
	} {
		if !contains(g.calls, want) {
			t.Errorf("missing git call %q in %v", want, g.calls)
		}
	}
}

func TestIntegrate_PushFailureCompensates(t *testing.T) {
	g := &fakeGit{pushErr: errors.New("remote rejected")}
	ghc := &fakeGH{pr: &gh.PRInfo{Number: 1}}
	it, _ := newIntegrator(t, g, ghc, &fakeResolver{})

	result := it.Integrate(context.Background(), entry(), "/repo")
	if result.Success {
		t.Fatal("Integrate() succeeded despite push failure")
	}
	// Completed steps unwind newest-first: merge abort, then branch removal.
	if !contains(g.calls, "merge-abort") {
		t.Errorf("merge not compensated: %v", g.calls)
	}
	if !contains(g.calls, "delete integration/feat/a") {
		t.Errorf("integration branch not deleted: %v", g.calls)
	}
	if !contains(g.calls, "checkout main") {
		t.Errorf("not returned to main: %v", g.calls)
	}
}

func TestIntegrate_ConflictAgentResolves(t *testing.T) {
	g := &fakeGit{
		mergeErr:   errors.New("exit status 1"),
		conflicted: []string{"a.go", "b.go"},
	}
	ghc := &fakeGH{pr: &gh.PRInfo{Number: 7, URL: "https://github.com/acme/w/pull/7"}}
	resolver := &fakeResolver{}
	it, b := newIntegrator(t, g, ghc, resolver)

	result := it.Integrate(context.Background(), entry(), "/repo")
	if !result.Success {
		t.Fatalf("Integrate() failed: %s", result.Error)
	}
	if result.ConflictsResolved != 2 {
		t.Errorf("conflicts_resolved = %d, want 2", result.ConflictsResolved)
	}
	if len(resolver.files) != 2 {
		t.Errorf("resolver saw %v", resolver.files)
	}

	waitForEvent(t, b, "r1", bus.EventIntegrationConflictDetected)
	waitForEvent(t, b, "r1", bus.EventIntegrationConflictResolved)
	waitForEvent(t, b, "r1", bus.EventIntegrationPRCreated)
}

func TestIntegrate_ConflictAgentFailure(t *testing.T) {
	g := &fakeGit{
		mergeErr:   errors.New("exit status 1"),
		conflicted: []string{"a.go"},
	}
	resolver := &fakeResolver{err: errors.New("cannot reconcile")}
	it, b := newIntegrator(t, g, &fakeGH{}, resolver)

	result := it.Integrate(context.Background(), entry(), "/repo")
	if result.Success {
		t.Fatal("Integrate() succeeded despite unresolvable conflict")
	}
	if !contains(g.calls, "merge-abort") {
		t.Errorf("merge not aborted: %v", g.calls)
	}
	waitForEvent(t, b, "r1", bus.EventIntegrationFailed)
}

func TestRebase_Success(t *testing.T) {
	g := &fakeGit{}
	it, b := newIntegrator(t, g, &fakeGH{}, &fakeResolver{})

	pending := models.PendingMergeEntry{
		ReadyEntry:        entry(),
		IntegrationBranch: "integration/feat/a",
		PRNumber:          42,
	}
	result := it.Rebase(context.Background(), pending, "/repo", "newsha")
	if !result.Success {
		t.Fatalf("Rebase() failed: %s", result.Error)
	}
	for _, want := range []string{
		"checkout integration/feat/a",
		"rebase origin/main",
		"push-force integration/feat/a",
		"checkout main",
	} {
		if !contains(g.calls, want) {
			t.Errorf("missing %q in %v", want, g.calls)
		}
	}
	waitForEvent(t, b, "r1", bus.EventIntegrationPRRebased)
}

func TestRebase_FailureAbortsAndReturnsToMain(t *testing.T) {
	g := &fakeGit{rebaseErr: errors.New("conflict"), conflicted: nil}
	it, b := newIntegrator(t, g, &fakeGH{}, &fakeResolver{})

	pending := models.PendingMergeEntry{ReadyEntry: entry(), IntegrationBranch: "integration/feat/a"}
	result := it.Rebase(context.Background(), pending, "/repo", "newsha")
	if result.Success {
		t.Fatal("Rebase() succeeded despite unresolvable state")
	}
	if !contains(g.calls, "rebase-abort") {
		t.Errorf("rebase not aborted: %v", g.calls)
	}
	if g.calls[len(g.calls)-1] != "checkout main" {
		t.Errorf("last call = %q, want checkout main", g.calls[len(g.calls)-1])
	}
	waitForEvent(t, b, "r1", bus.EventIntegrationPRRebaseFailed)
}

func waitForEvent(t *testing.T, b *bus.Bus, requestID string, want bus.EventType) {
	t.Helper()
	events, err := b.GetEvents(requestID)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range events {
		if e.Type == want {
			return
		}
	}
	t.Errorf("event %s not found for %s", want, requestID)
}
