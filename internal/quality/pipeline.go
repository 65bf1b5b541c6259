// Package quality fans a pipeline request out to its quality agents, applies
// the correction cycle, and folds the agent verdicts into one outcome.
package quality

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// AgentRunner executes one quality agent against a worktree. The production
// implementation drives the LLM chat loop; tests substitute fakes.
type AgentRunner interface {
	RunAgent(ctx context.Context, role models.AgentRole, req *models.PipelineRequest, diff models.DiffStats) (*models.AgentResult, error)
}

// Result is the quality pipeline's aggregate outcome.
type Result struct {
	AgentResults       []*models.AgentResult
	CorrectionsApplied []string
	OverallStatus      models.AgentStatus
}

// Pipeline runs agents in parallel with a bounded correction loop.
type Pipeline struct {
	runner AgentRunner
	cfg    config.AutoCorrectionConfig
	logger *zap.SugaredLogger

	// OnCorrecting, when set, is invoked at the start of each correction
	// cycle so the caller can surface the correcting status.
	OnCorrecting func(requestID string, attempt int, agents []string)

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(context.Context, time.Duration)
}

// New creates a quality pipeline.
func New(runner AgentRunner, cfg config.AutoCorrectionConfig, logger *zap.SugaredLogger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pipeline{
		runner: runner,
		cfg:    cfg,
		logger: logger.Named("quality"),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Run executes all agents, then re-runs failed agents whose findings carry
// applied fixes, up to the correction budget with exponential backoff.
func (p *Pipeline) Run(ctx context.Context, req *models.PipelineRequest, roles []models.AgentRole, diff models.DiffStats) (*Result, error) {
	// Nothing changed, nothing to review.
	if diff.Empty() {
		p.logger.Infow("empty diff, skipping agents", "request_id", req.RequestID)
		return &Result{OverallStatus: models.AgentPassed}, nil
	}

	results, err := p.fanOut(ctx, req, roles, diff)
	if err != nil {
		return nil, err
	}

	result := &Result{AgentResults: results}
	byName := make(map[string]models.AgentRole, len(roles))
	for _, r := range roles {
		byName[r.Name] = r
	}

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		retry := correctableAgents(result.AgentResults)
		if len(retry) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if p.OnCorrecting != nil {
			p.OnCorrecting(req.RequestID, attempt+1, retry)
		}
		p.sleep(ctx, p.backoff(attempt))
		p.logger.Infow("correction cycle",
			"request_id", req.RequestID, "attempt", attempt+1, "agents", retry)

		var rerunRoles []models.AgentRole
		for _, name := range retry {
			if role, ok := byName[name]; ok {
				rerunRoles = append(rerunRoles, role)
			}
		}
		rerunResults, err := p.fanOut(ctx, req, rerunRoles, diff)
		if err != nil {
			return nil, err
		}

		result.CorrectionsApplied = append(result.CorrectionsApplied, retry...)
		result.AgentResults = mergeResults(result.AgentResults, rerunResults)
	}

	result.OverallStatus = models.OverallStatus(result.AgentResults)
	return result, nil
}

// fanOut runs the roles in parallel sharing the caller's cancellation. An
// agent whose runner errors is recorded as an error verdict rather than
// aborting its siblings.
func (p *Pipeline) fanOut(ctx context.Context, req *models.PipelineRequest, roles []models.AgentRole, diff models.DiffStats) ([]*models.AgentResult, error) {
	results := make([]*models.AgentResult, len(roles))
	var wg sync.WaitGroup
	for i, role := range roles {
		wg.Add(1)
		go func(i int, role models.AgentRole) {
			defer wg.Done()
			res, err := p.runner.RunAgent(ctx, role, req, diff)
			if err != nil {
				p.logger.Errorw("agent run failed",
					"request_id", req.RequestID, "agent", role.Name, "error", err)
				results[i] = &models.AgentResult{
					Agent:  role.Name,
					Status: models.AgentError,
					Findings: []models.Finding{
						{Severity: "error", Description: err.Error()},
					},
				}
				return
			}
			results[i] = res
		}(i, role)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// correctableAgents names agents that failed but applied fixes, meaning a
// re-run can observe the corrected worktree.
func correctableAgents(results []*models.AgentResult) []string {
	var names []string
	for _, r := range results {
		if r.Status == models.AgentFailed && len(r.FixableFindings()) > 0 {
			names = append(names, r.Agent)
		}
	}
	return names
}

// mergeResults replaces prior verdicts with re-run verdicts by agent name.
func mergeResults(prior, rerun []*models.AgentResult) []*models.AgentResult {
	updated := make(map[string]*models.AgentResult, len(rerun))
	for _, r := range rerun {
		updated[r.Agent] = r
	}
	out := make([]*models.AgentResult, len(prior))
	for i, r := range prior {
		if nr, ok := updated[r.Agent]; ok {
			out[i] = nr
			continue
		}
		out[i] = r
	}
	return out
}

func (p *Pipeline) backoff(attempt int) time.Duration {
	base := float64(p.cfg.BackoffBaseMS)
	if base <= 0 {
		base = 1000
	}
	factor := p.cfg.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	return time.Duration(base*math.Pow(factor, float64(attempt))) * time.Millisecond
}
