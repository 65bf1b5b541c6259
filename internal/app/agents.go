package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/gh"
	"github.com/ShayCichocki/trunkline/internal/llm"
	"github.com/ShayCichocki/trunkline/internal/resilience"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// fixAgent respawns an LLM agent into a session's worktree to act on a
// reaction prompt, wrapped in the claude circuit breaker.
type fixAgent struct {
	factory  *llm.Factory
	breakers *resilience.Breakers
	cfg      *config.Config
	logger   *zap.SugaredLogger
}

func newFixAgent(factory *llm.Factory, breakers *resilience.Breakers, cfg *config.Config, logger *zap.SugaredLogger) *fixAgent {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &fixAgent{factory: factory, breakers: breakers, cfg: cfg, logger: logger.Named("fix-agent")}
}

// Respawn runs the fix agent against the session's checkout. The session
// worktree falls back to the project root when the session never recorded one.
func (f *fixAgent) Respawn(ctx context.Context, s *models.Session, prompt string) error {
	client, err := f.factory.ClientFor("")
	if err != nil {
		return fmt.Errorf("respawn agent provider: %w", err)
	}

	workDir := s.WorktreePath
	if workDir == "" {
		workDir = f.cfg.ProjectPath
	}
	role := models.AgentRole{
		Name:         "fix",
		SystemPrompt: fixSystemPrompt,
		Model:        f.cfg.Agents.Conflict.Model,
		Tools:        []string{"bash", "read", "edit", "glob", "grep"},
		MaxTurns:     f.cfg.Agents.Conflict.MaxTurns,
	}
	loop := llm.NewAgentLoop(client, role, workDir)

	f.logger.Infow("respawning fix agent", "session_id", s.ID, "workdir", workDir)
	return f.breakers.Execute("claude", func() error {
		result, runErr := loop.Run(ctx, prompt)
		if runErr != nil {
			return runErr
		}
		verdict := llm.ParseAgentResult("fix", result.Output)
		if verdict.Status == models.AgentError {
			return fmt.Errorf("fix agent reported error")
		}
		return nil
	})
}

const fixSystemPrompt = `You are a follow-up engineer on an existing branch.
The working directory holds a checkout of the branch under review. Read the
task in the user message, make the required changes, run the relevant checks,
then commit and push with "git add -A && git commit -m <summary> && git push".
Respond with a JSON object {"agent":"fix","status":"passed|error","findings":[]}.`

// prMerger lands approved PRs through the GitHub CLI, wrapped in the github
// circuit breaker.
type prMerger struct {
	gh       gh.Client
	breakers *resilience.Breakers
}

func (m *prMerger) Merge(ctx context.Context, s *models.Session) error {
	if s.PRNumber == 0 {
		return fmt.Errorf("session %s has no pull request", s.ID)
	}
	return m.breakers.Execute("github", func() error {
		return m.gh.MergePR(ctx, s.PRNumber)
	})
}
