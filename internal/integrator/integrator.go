// Package integrator lands approved branches on trunk: it builds an
// integration branch, merges the pipeline branch, resolves conflicts with a
// dedicated agent, pushes, and opens a pull request. The whole sequence runs
// as a saga so a mid-flight failure unwinds cleanly.
package integrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/gh"
	"github.com/ShayCichocki/trunkline/internal/git"
	"github.com/ShayCichocki/trunkline/internal/resilience"
	"github.com/ShayCichocki/trunkline/internal/saga"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// Result is the outcome of one integration attempt.
type Result struct {
	Success           bool
	PRNumber          int
	PRURL             string
	IntegrationBranch string
	BaseMainSHA       string
	ConflictsResolved int
	Error             string
}

// RebaseResult is the outcome of rebasing a pending-merge branch onto a
// moved trunk.
type RebaseResult struct {
	Success           bool
	ConflictsResolved int
	Error             string
}

// Integrator executes the integration saga for one project at a time; the
// director serializes calls.
type Integrator struct {
	cfg      *config.Config
	git      git.Runner
	gh       gh.Client
	sagas    *saga.Engine
	conflict ConflictResolver
	breakers *resilience.Breakers
	bus      *bus.Bus
	logger   *zap.SugaredLogger
}

// New creates an integrator.
func New(cfg *config.Config, g git.Runner, ghc gh.Client, sagas *saga.Engine, conflict ConflictResolver, breakers *resilience.Breakers, b *bus.Bus, logger *zap.SugaredLogger) *Integrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Integrator{
		cfg:      cfg,
		git:      g,
		gh:       ghc,
		sagas:    sagas,
		conflict: conflict,
		breakers: breakers,
		bus:      b,
		logger:   logger.Named("integrator"),
	}
}

// Integrate runs the six-step saga for a ready entry.
func (it *Integrator) Integrate(ctx context.Context, entry models.ReadyEntry, projectPath string) Result {
	main := it.cfg.Branch.Main
	integration := it.cfg.IntegrationBranchFor(entry.Branch)
	base := entry.BaseBranch
	if base == "" {
		base = main
	}

	result := Result{IntegrationBranch: integration}

	it.publish(bus.EventIntegrationStarted, entry.RequestID, map[string]any{
		"branch":             entry.Branch,
		"integration_branch": integration,
	})

	steps := []saga.Step{
		{
			// Idempotent, nothing to undo.
			Name: "fetch_main",
			Run: func(ctx context.Context) error {
				if err := it.git.Fetch(ctx, "origin", main); err != nil {
					return err
				}
				sha, err := it.git.RevParse(ctx, "origin/"+main)
				if err != nil {
					return err
				}
				result.BaseMainSHA = sha
				return nil
			},
		},
		{
			Name: "create_integration_branch",
			Run: func(ctx context.Context) error {
				exists, err := it.git.BranchExists(ctx, integration)
				if err != nil {
					return err
				}
				if exists {
					if err := it.git.DeleteBranch(ctx, integration); err != nil {
						return err
					}
				}
				return it.git.CreateAndCheckoutBranch(ctx, integration, "origin/"+main)
			},
			Compensate: func(ctx context.Context) error {
				if err := it.git.CheckoutBranch(ctx, main); err != nil {
					return err
				}
				return it.git.DeleteBranch(ctx, integration)
			},
		},
		{
			Name: "merge_pipeline",
			Run: func(ctx context.Context) error {
				err := it.git.MergeNoFFMessage(ctx, entry.PipelineBranch,
					fmt.Sprintf("Integrate %s", entry.Branch))
				if err == nil {
					return nil
				}
				resolved, resolveErr := it.resolveMergeConflicts(ctx, entry.RequestID, projectPath)
				if resolveErr != nil {
					return resolveErr
				}
				result.ConflictsResolved = resolved
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return it.git.MergeAbort(ctx)
			},
		},
		{
			Name: "push_branch",
			Run: func(ctx context.Context) error {
				return it.breakers.Execute("github", func() error {
					return it.git.PushForceWithLease(ctx, "origin", integration)
				})
			},
			Compensate: func(ctx context.Context) error {
				return it.git.PushDelete(ctx, "origin", integration)
			},
		},
		{
			// The PR stays visible on failure; closing it would hide evidence.
			Name: "create_pr",
			Run: func(ctx context.Context) error {
				var pr *gh.PRInfo
				err := it.breakers.Execute("github", func() error {
					var prErr error
					pr, prErr = it.gh.CreatePR(ctx, integration, base,
						fmt.Sprintf("Integrate %s", entry.Branch),
						prBody(entry, result.ConflictsResolved))
					return prErr
				})
				if err != nil {
					return err
				}
				result.PRNumber = pr.Number
				result.PRURL = pr.URL
				return nil
			},
		},
		{
			Name: "checkout_main",
			Run: func(ctx context.Context) error {
				return it.git.CheckoutBranch(ctx, main)
			},
		},
	}

	if err := it.sagas.Execute(ctx, "integrate", entry.RequestID, steps); err != nil {
		result.Error = err.Error()
		it.publish(bus.EventIntegrationFailed, entry.RequestID, map[string]any{
			"branch": entry.Branch,
			"error":  err.Error(),
		})
		return result
	}

	result.Success = true
	it.publish(bus.EventIntegrationPRCreated, entry.RequestID, map[string]any{
		"branch":             entry.Branch,
		"pr_number":          result.PRNumber,
		"pr_url":             result.PRURL,
		"integration_branch": integration,
	})
	return result
}

// Rebase moves a pending-merge integration branch onto the current trunk.
// Every failure path runs rebase --abort and returns to main.
func (it *Integrator) Rebase(ctx context.Context, entry models.PendingMergeEntry, projectPath, newMainSHA string) RebaseResult {
	main := it.cfg.Branch.Main
	result := RebaseResult{}

	fail := func(err error) RebaseResult {
		// Abort errors are expected when no rebase is in progress.
		_ = it.git.RebaseAbort(context.WithoutCancel(ctx))
		_ = it.git.CheckoutBranch(context.WithoutCancel(ctx), main)
		result.Error = err.Error()
		it.publish(bus.EventIntegrationPRRebaseFailed, entry.RequestID, map[string]any{
			"branch": entry.Branch,
			"error":  err.Error(),
		})
		return result
	}

	if err := it.git.Fetch(ctx, "origin", main); err != nil {
		return fail(err)
	}
	if err := it.git.CheckoutBranch(ctx, entry.IntegrationBranch); err != nil {
		return fail(err)
	}
	if err := it.git.Rebase(ctx, "origin/"+main); err != nil {
		resolved, resolveErr := it.resolveMergeConflicts(ctx, entry.RequestID, projectPath)
		if resolveErr != nil {
			return fail(resolveErr)
		}
		result.ConflictsResolved = resolved
	}
	if err := it.breakers.Execute("github", func() error {
		return it.git.PushForceWithLease(ctx, "origin", entry.IntegrationBranch)
	}); err != nil {
		return fail(err)
	}
	if err := it.git.CheckoutBranch(ctx, main); err != nil {
		return fail(err)
	}

	result.Success = true
	it.publish(bus.EventIntegrationPRRebased, entry.RequestID, map[string]any{
		"branch":        entry.Branch,
		"base_main_sha": newMainSHA,
	})
	return result
}

// resolveMergeConflicts hands the conflicted files to the conflict agent and
// verifies the tree is clean afterwards.
func (it *Integrator) resolveMergeConflicts(ctx context.Context, requestID, projectPath string) (int, error) {
	files, err := it.git.ConflictedFiles(ctx)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("merge failed without conflict markers")
	}

	it.publish(bus.EventIntegrationConflictDetected, requestID, map[string]any{
		"conflicted_files": files,
		"count":            len(files),
	})

	if err := it.conflict.Resolve(ctx, projectPath, files); err != nil {
		return 0, fmt.Errorf("conflict agent: %w", err)
	}
	remaining, err := it.git.HasConflicts(ctx)
	if err != nil {
		return 0, err
	}
	if remaining {
		return 0, fmt.Errorf("conflict agent left unmerged paths")
	}

	it.publish(bus.EventIntegrationConflictResolved, requestID, map[string]any{
		"count": len(files),
	})
	return len(files), nil
}

func (it *Integrator) publish(t bus.EventType, requestID string, data map[string]any) {
	it.bus.Publish(bus.Event{Type: t, RequestID: requestID, Data: data})
}

func prBody(entry models.ReadyEntry, conflictsResolved int) string {
	body := fmt.Sprintf("Automated integration of `%s` (tier %s, request %s).",
		entry.Branch, entry.Tier, entry.RequestID)
	if len(entry.CorrectionsApplied) > 0 {
		body += fmt.Sprintf("\n\nCorrections applied: %v.", entry.CorrectionsApplied)
	}
	if conflictsResolved > 0 {
		body += fmt.Sprintf("\n\nMerge conflicts resolved automatically: %d files.", conflictsResolved)
	}
	return body
}
