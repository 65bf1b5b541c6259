// Package app assembles the trunkline services: bus, resilience, pipeline
// runner, integrator, director, session reactions, adapters, and the HTTP
// server, with shutdown in reverse dependency order.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/adapters"
	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/director"
	"github.com/ShayCichocki/trunkline/internal/gh"
	"github.com/ShayCichocki/trunkline/internal/git"
	"github.com/ShayCichocki/trunkline/internal/integrator"
	"github.com/ShayCichocki/trunkline/internal/llm"
	"github.com/ShayCichocki/trunkline/internal/manifest"
	"github.com/ShayCichocki/trunkline/internal/quality"
	"github.com/ShayCichocki/trunkline/internal/reactions"
	"github.com/ShayCichocki/trunkline/internal/resilience"
	"github.com/ShayCichocki/trunkline/internal/runner"
	"github.com/ShayCichocki/trunkline/internal/saga"
	"github.com/ShayCichocki/trunkline/internal/server"
	"github.com/ShayCichocki/trunkline/internal/session"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// shutdownTimeout bounds the HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

// App owns every long-lived service.
type App struct {
	Config    *config.Config
	Logger    *zap.SugaredLogger
	Bus       *bus.Bus
	Breakers  *resilience.Breakers
	Guard     *resilience.IdempotencyGuard
	DLQ       *resilience.DLQ
	Adapters  *adapters.Manager
	Sagas     *saga.Engine
	Manifest  *manifest.Manager
	Runner    *runner.Runner
	Pipeline  server.PipelineService
	Director  *director.Director
	Janitor   *director.Janitor
	Sessions  *session.Store
	Reactions *reactions.Engine
	Server    *server.Server

	unsubscribe []func()
}

// New wires the full service graph from configuration. Nothing is started;
// call Start.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &App{Config: cfg, Logger: logger}

	b, err := bus.New(bus.Options{Path: cfg.Events.Path}, logger)
	if err != nil {
		return nil, fmt.Errorf("create bus: %w", err)
	}
	a.Bus = b

	a.Breakers = resilience.NewBreakers(cfg.Resilience.CircuitBreaker, logger)

	guard, err := resilience.NewIdempotencyGuard(filepath.Join(cfg.PipelineDir(), "idempotency.json"), logger)
	if err != nil {
		return nil, fmt.Errorf("create idempotency guard: %w", err)
	}
	a.Guard = guard

	// The DLQ deliverer resolves through the adapters manager, which itself
	// dead-letters into the DLQ. The closure breaks the construction cycle.
	dlq, err := resilience.NewDLQ(cfg.Resilience.DLQ, func(ctx context.Context, entry resilience.DLQEntry) error {
		return a.Adapters.Deliverer()(ctx, entry)
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create dlq: %w", err)
	}
	a.DLQ = dlq
	a.Adapters = adapters.NewManager(cfg.Adapters, dlq, logger)

	sagas, err := saga.NewEngine(filepath.Join(cfg.PipelineDir(), "sagas"), logger)
	if err != nil {
		return nil, fmt.Errorf("create saga engine: %w", err)
	}
	a.Sagas = sagas

	a.Manifest = manifest.NewManager(filepath.Join(cfg.PipelineDir(), "manifest.json"), logger)

	roles, err := config.LoadRoles(cfg.RolesDir)
	if err != nil {
		return nil, fmt.Errorf("load agent roles: %w", err)
	}

	factory := llm.NewFactory(cfg)
	agentRunner := quality.NewLLMAgentRunner(factory, a.Breakers, logger)
	qualityPipeline := quality.New(agentRunner, cfg.AutoCorrection, logger)

	a.Runner = runner.New(cfg, b, &worktreeVCS{main: cfg.Branch.Main}, qualityPipeline, roles, logger)
	qualityPipeline.OnCorrecting = a.Runner.NotifyCorrecting
	a.Pipeline = &guardedPipeline{runner: a.Runner, guard: guard}

	projectGit := git.NewRunner(cfg.ProjectPath)
	ghClient := gh.NewClient(cfg.ProjectPath)
	resolver := integrator.NewAgentConflictResolver(factory, a.Breakers, cfg.Agents.Conflict, logger)
	integ := integrator.New(cfg, projectGit, ghClient, sagas, resolver, a.Breakers, b, logger)
	a.Director = director.New(cfg, a.Manifest, integ, director.NewGitTrunk(projectGit, cfg), b, logger)
	a.Janitor = director.NewJanitor(cfg, projectGit, b, logger)

	store, err := session.Open(session.DBPath(cfg.ProjectPath))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	a.Sessions = store

	agent := newFixAgent(factory, a.Breakers, cfg, logger)
	merger := &prMerger{gh: ghClient, breakers: a.Breakers}
	a.Reactions = reactions.New(cfg.Reactions, store, b, agent, merger, logger)

	translator := server.NewTranslator(cfg, a.sessionLookup)
	a.Server = server.New(cfg, a.Pipeline, a.Director, b, translator, logger)

	return a, nil
}

// Start launches the background services. The HTTP listener is not started
// here; serve mode calls App.Server.Start on its own goroutine.
func (a *App) Start(ctx context.Context) error {
	// Sagas cut short by a previous process death are flagged before any new
	// integration work starts.
	if interrupted, err := a.Sagas.FlagIncomplete(); err != nil {
		a.Logger.Warnw("saga recovery scan failed", "error", err)
	} else if len(interrupted) > 0 {
		a.Logger.Warnw("interrupted sagas from previous run", "count", len(interrupted))
	}

	if err := a.DLQ.Start(ctx); err != nil {
		return fmt.Errorf("start dlq: %w", err)
	}
	a.Adapters.Start(a.Bus)
	a.Director.Start()
	a.Janitor.Start()
	a.Reactions.Start()

	// Terminal pipeline outcomes release the run's idempotency claims so the
	// branch can be resubmitted.
	unsub := a.Bus.OnEventTypes([]bus.EventType{
		bus.EventPipelineCompleted,
		bus.EventPipelineFailed,
		bus.EventPipelineError,
		bus.EventPipelineStopped,
	}, func(e bus.Event) {
		a.Guard.ReleaseRequest(e.RequestID)
	})
	a.unsubscribe = append(a.unsubscribe, unsub)
	return nil
}

// Shutdown stops services in reverse start order and drains the HTTP server.
func (a *App) Shutdown() {
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Warnw("http shutdown", "error", err)
	}
	a.Runner.StopAll()
	a.Reactions.Stop()
	a.Janitor.Stop()
	a.Director.Stop()
	a.Adapters.Stop()
	a.DLQ.Stop()
	if err := a.Sessions.Close(); err != nil {
		a.Logger.Warnw("close session store", "error", err)
	}
	a.Bus.Close()
}

// sessionLookup resolves inbound webhook deliveries to session ids, by PR
// number first, then branch.
func (a *App) sessionLookup(prNumber int, branch string) string {
	if prNumber > 0 {
		if s, err := a.Sessions.GetByPR(prNumber); err == nil {
			return s.ID
		}
	}
	if branch != "" {
		if s, err := a.Sessions.GetByBranch(branch); err == nil {
			return s.ID
		}
	}
	return ""
}

// guardedPipeline layers restart-surviving dedup over the runner. A claimed
// request id is rejected until its run reaches a terminal event.
type guardedPipeline struct {
	runner *runner.Runner
	guard  *resilience.IdempotencyGuard
}

func (g *guardedPipeline) Run(req *models.PipelineRequest) (string, error) {
	if req.RequestID != "" {
		if !g.guard.Claim(resilience.Fingerprint("pipeline", req.RequestID)) {
			return "", fmt.Errorf("request %s is already claimed", req.RequestID)
		}
		id, err := g.runner.Run(req)
		if err != nil {
			g.guard.Release(resilience.Fingerprint("pipeline", req.RequestID))
		}
		return id, err
	}
	id, err := g.runner.Run(req)
	if err == nil {
		g.guard.Claim(resilience.Fingerprint("pipeline", id))
	}
	return id, err
}

func (g *guardedPipeline) Stop(requestID string) error {
	return g.runner.Stop(requestID)
}

func (g *guardedPipeline) GetStatus(requestID string) (*models.PipelineState, bool) {
	return g.runner.GetStatus(requestID)
}
