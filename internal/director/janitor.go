package director

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/git"
)

// janitorTimeout bounds each cleanup pass.
const janitorTimeout = 30 * time.Second

// Janitor removes spent branches after integration settles. Merged branches
// always clean up; failed integrations clean up only when keep_on_failure is
// disabled.
type Janitor struct {
	cfg    *config.Config
	git    git.Runner
	bus    *bus.Bus
	logger *zap.SugaredLogger
	subs   []func()
}

// NewJanitor creates the branch janitor.
func NewJanitor(cfg *config.Config, g git.Runner, b *bus.Bus, logger *zap.SugaredLogger) *Janitor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Janitor{cfg: cfg, git: g, bus: b, logger: logger.Named("janitor")}
}

// Start wires the bus listeners.
func (j *Janitor) Start() {
	j.subs = append(j.subs,
		j.bus.OnEventType(bus.EventIntegrationPRMerged, j.onMerged),
		j.bus.OnEventType(bus.EventIntegrationFailed, j.onFailed),
	)
}

// Stop unsubscribes.
func (j *Janitor) Stop() {
	for _, unsub := range j.subs {
		unsub()
	}
	j.subs = nil
}

// onMerged deletes the local integration and pipeline branches and the
// remote pipeline branch. The remote integration branch is already gone:
// the PR merge deletes it.
func (j *Janitor) onMerged(e bus.Event) {
	branch := e.String("branch")
	if branch == "" {
		return
	}
	integration := e.String("integration_branch")
	if integration == "" {
		integration = j.cfg.IntegrationBranchFor(branch)
	}
	pipeline := e.String("pipeline_branch")
	if pipeline == "" {
		pipeline = j.cfg.PipelineBranchFor(branch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), janitorTimeout)
	defer cancel()

	j.deleteLocal(ctx, integration)
	j.deleteLocal(ctx, pipeline)
	if err := j.git.PushDelete(ctx, "origin", pipeline); err != nil {
		j.logger.Debugw("remote pipeline branch not deleted", "branch", pipeline, "error", err)
	}
	j.logger.Infow("cleaned up merged branch", "branch", branch)
}

// onFailed removes the abandoned integration branch unless configured to
// keep failures around for inspection.
func (j *Janitor) onFailed(e bus.Event) {
	if j.cfg.Cleanup.KeepOnFailure {
		return
	}
	branch := e.String("branch")
	if branch == "" {
		return
	}
	integration := j.cfg.IntegrationBranchFor(branch)

	ctx, cancel := context.WithTimeout(context.Background(), janitorTimeout)
	defer cancel()

	j.deleteLocal(ctx, integration)
	if err := j.git.PushDelete(ctx, "origin", integration); err != nil {
		j.logger.Debugw("remote integration branch not deleted", "branch", integration, "error", err)
	}
	j.logger.Infow("cleaned up failed integration", "branch", branch)
}

// deleteLocal removes a local branch; a branch that never existed locally is
// not an error worth surfacing.
func (j *Janitor) deleteLocal(ctx context.Context, name string) {
	if err := j.git.DeleteBranch(ctx, name); err != nil {
		j.logger.Debugw("local branch not deleted", "branch", name, "error", err)
	}
}
