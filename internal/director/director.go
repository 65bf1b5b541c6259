// Package director schedules integrator work: it watches pipeline
// completions, keeps the manifest current, and pulls eligible ready entries
// into the integrator in priority order.
package director

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/integrator"
	"github.com/ShayCichocki/trunkline/internal/manifest"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// Failure cooldown: cooldownBase * cooldownFactor^attempts, capped.
const (
	cooldownBase   = 30 * time.Second
	cooldownFactor = 2.0
	cooldownMax    = 30 * time.Minute
)

// Integrator is the saga surface the director drives.
type Integrator interface {
	Integrate(ctx context.Context, entry models.ReadyEntry, projectPath string) integrator.Result
	Rebase(ctx context.Context, entry models.PendingMergeEntry, projectPath, newMainSHA string) integrator.RebaseResult
}

// Trunk reports the current trunk sha for drift detection.
type Trunk interface {
	HeadSHA(ctx context.Context) (string, error)
}

// Director runs the integration scheduling cycle. Only one cycle executes at
// a time; overlapping triggers are dropped.
type Director struct {
	cfg      *config.Config
	manifest *manifest.Manager
	integ    Integrator
	trunk    Trunk
	bus      *bus.Bus
	logger   *zap.SugaredLogger

	cycleMu sync.Mutex
	running bool

	now func() time.Time

	stop    context.CancelFunc
	stopped chan struct{}
	subs    []func()
}

// New creates a director.
func New(cfg *config.Config, m *manifest.Manager, integ Integrator, trunk Trunk, b *bus.Bus, logger *zap.SugaredLogger) *Director {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Director{
		cfg:      cfg,
		manifest: m,
		integ:    integ,
		trunk:    trunk,
		bus:      b,
		logger:   logger.Named("director"),
		now:      time.Now,
	}
}

// Start wires the bus listeners and the optional periodic ticker.
func (d *Director) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	d.stopped = make(chan struct{})

	d.subs = append(d.subs,
		d.bus.OnEventType(bus.EventPipelineCompleted, func(e bus.Event) {
			d.onPipelineCompleted(ctx, e)
		}),
		d.bus.OnEventType(bus.EventIntegrationPRMerged, func(e bus.Event) {
			d.onPRMerged(e)
		}),
	)

	interval := time.Duration(d.cfg.Director.ScheduleIntervalMS) * time.Millisecond
	go func() {
		defer close(d.stopped)
		if interval <= 0 {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.RunCycle(ctx)
			}
		}
	}()
}

// Stop unsubscribes and halts the ticker.
func (d *Director) Stop() {
	for _, unsub := range d.subs {
		unsub()
	}
	d.subs = nil
	if d.stop != nil {
		d.stop()
		<-d.stopped
	}
}

// onPipelineCompleted appends the ready entry and triggers a cycle after the
// configured delay so the manifest write settles first.
func (d *Director) onPipelineCompleted(ctx context.Context, e bus.Event) {
	if e.Bool("skip_merge") {
		d.logger.Infow("branch excluded from integration", "branch", e.String("branch"))
		return
	}

	entry := readyEntryFromEvent(e, d.cfg.Director.DefaultPriority)
	if err := d.manifest.AddToReady(entry); err != nil {
		d.logger.Warnw("manifest append refused",
			"branch", entry.Branch, "request_id", entry.RequestID, "error", err)
		return
	}

	delay := time.Duration(d.cfg.Director.AutoTriggerDelayMS) * time.Millisecond
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		d.RunCycle(ctx)
	})
}

// onPRMerged moves the branch to merge history.
func (d *Director) onPRMerged(e bus.Event) {
	branch := e.String("branch")
	if branch == "" {
		return
	}
	if err := d.manifest.MoveToMergeHistory(branch, e.String("merge_commit_sha")); err != nil {
		d.logger.Warnw("merge record refused", "branch", branch, "error", err)
		return
	}
	d.logger.Infow("branch merged", "branch", branch, "pr_number", e.Int("pr_number"))
}

// RunCycle executes one scheduling pass. A cycle already in flight makes
// this call a no-op.
func (d *Director) RunCycle(ctx context.Context) {
	d.cycleMu.Lock()
	if d.running {
		d.cycleMu.Unlock()
		return
	}
	d.running = true
	d.cycleMu.Unlock()
	defer func() {
		d.cycleMu.Lock()
		d.running = false
		d.cycleMu.Unlock()
	}()

	man, err := d.manifest.Load()
	if err != nil {
		d.logger.Errorw("manifest unreadable, skipping cycle", "error", err)
		return
	}

	d.rebaseStale(ctx, man)
	d.integrateEligible(ctx, man)
}

// rebaseStale rebases pending-merge branches whose base sha no longer
// matches trunk.
func (d *Director) rebaseStale(ctx context.Context, man *models.Manifest) {
	if len(man.PendingMerge) == 0 {
		return
	}
	sha, err := d.trunk.HeadSHA(ctx)
	if err != nil {
		d.logger.Warnw("trunk sha unavailable, skipping drift check", "error", err)
		return
	}
	for _, entry := range man.PendingMerge {
		if ctx.Err() != nil {
			return
		}
		if entry.BaseMainSHA == sha {
			continue
		}
		d.logger.Infow("trunk drift detected",
			"branch", entry.Branch, "base_main_sha", entry.BaseMainSHA, "trunk", sha)
		result := d.integ.Rebase(ctx, entry, d.cfg.ProjectPath, sha)
		if result.Success {
			if err := d.manifest.UpdatePendingBaseSHA(entry.Branch, sha); err != nil {
				d.logger.Errorw("base sha update failed", "branch", entry.Branch, "error", err)
			}
			continue
		}
		// The entry stays in pending_merge; the next drift check retries.
		if err := d.manifest.MarkPendingRebaseFailed(entry.Branch, result.Error); err != nil {
			d.logger.Errorw("rebase failure record failed", "branch", entry.Branch, "error", err)
		}
	}
}

// integrateEligible dispatches ready entries to the integrator one at a
// time, most urgent first.
func (d *Director) integrateEligible(ctx context.Context, man *models.Manifest) {
	eligible := Eligible(man, d.now())
	for _, entry := range eligible {
		if ctx.Err() != nil {
			return
		}
		result := d.integ.Integrate(ctx, entry, d.cfg.ProjectPath)
		if result.Success {
			err := d.manifest.MoveToPendingMerge(entry.Branch, manifest.PRInfo{
				IntegrationBranch: result.IntegrationBranch,
				PRNumber:          result.PRNumber,
				PRURL:             result.PRURL,
				ConflictsResolved: result.ConflictsResolved,
				BaseMainSHA:       result.BaseMainSHA,
			})
			if err != nil {
				d.logger.Errorw("pending-merge move failed", "branch", entry.Branch, "error", err)
			}
			continue
		}
		next := d.now().Add(Cooldown(entry.Attempts))
		if err := d.manifest.RecordFailure(entry.Branch, result.Error, next); err != nil {
			d.logger.Errorw("failure record refused", "branch", entry.Branch, "error", err)
		}
		d.logger.Warnw("integration failed",
			"branch", entry.Branch, "error", result.Error, "next_attempt_at", next)
	}
}

// Eligible filters and orders ready entries: dependencies satisfied,
// cooldown elapsed, ascending priority with ready_at as tiebreak.
func Eligible(man *models.Manifest, now time.Time) []models.ReadyEntry {
	var out []models.ReadyEntry
	for _, entry := range man.Ready {
		if entry.SkipMerge {
			continue
		}
		if !entry.NextAttemptAt.IsZero() && now.Before(entry.NextAttemptAt) {
			continue
		}
		if !depsSatisfied(man, entry.DependsOn) {
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ReadyAt.Before(out[j].ReadyAt)
	})
	return out
}

func depsSatisfied(man *models.Manifest, deps []string) bool {
	for _, dep := range deps {
		if !man.Merged(dep) {
			return false
		}
	}
	return true
}

// Cooldown returns the retry delay after the given number of failed
// integration attempts.
func Cooldown(attempts int) time.Duration {
	delay := time.Duration(float64(cooldownBase) * math.Pow(cooldownFactor, float64(attempts)))
	if delay > cooldownMax {
		return cooldownMax
	}
	return delay
}

// readyEntryFromEvent builds a manifest entry from a pipeline.completed
// payload.
func readyEntryFromEvent(e bus.Event, defaultPriority int) models.ReadyEntry {
	entry := models.ReadyEntry{
		Branch:         e.String("branch"),
		PipelineBranch: e.String("pipeline_branch"),
		WorktreePath:   e.String("worktree_path"),
		RequestID:      e.RequestID,
		Tier:           models.Tier(e.String("tier")),
		ReadyAt:        e.Timestamp,
		Priority:       defaultPriority,
		BaseBranch:     e.String("base_branch"),
		BaseMainSHA:    e.String("base_main_sha"),
	}
	if result, ok := e.Data["result"].(map[string]any); ok {
		entry.PipelineResult = result
	}
	entry.CorrectionsApplied = stringSlice(e.Data["corrections_applied"])
	if _, ok := e.Data["priority"]; ok {
		entry.Priority = e.Int("priority")
	}
	entry.DependsOn = stringSlice(e.Data["depends_on"])
	return entry
}

// stringSlice tolerates both []string and the []any a JSON round-trip
// produces.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
