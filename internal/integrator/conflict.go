package integrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/llm"
	"github.com/ShayCichocki/trunkline/internal/resilience"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// ConflictResolver drives conflict resolution inside a checkout that has an
// in-progress merge or rebase. Tests substitute fakes.
type ConflictResolver interface {
	Resolve(ctx context.Context, projectPath string, conflictedFiles []string) error
}

// AgentConflictResolver resolves conflicts with a dedicated LLM agent,
// wrapped in the claude circuit breaker.
type AgentConflictResolver struct {
	factory  *llm.Factory
	breakers *resilience.Breakers
	cfg      config.ConflictAgentConfig
	logger   *zap.SugaredLogger
}

// NewAgentConflictResolver creates the production resolver.
func NewAgentConflictResolver(factory *llm.Factory, breakers *resilience.Breakers, cfg config.ConflictAgentConfig, logger *zap.SugaredLogger) *AgentConflictResolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AgentConflictResolver{factory: factory, breakers: breakers, cfg: cfg, logger: logger.Named("conflict")}
}

// Resolve runs the conflict agent. Success requires the agent to have staged
// and committed; the caller verifies no unmerged paths remain.
func (r *AgentConflictResolver) Resolve(ctx context.Context, projectPath string, conflictedFiles []string) error {
	client, err := r.factory.ClientFor("")
	if err != nil {
		return fmt.Errorf("resolve conflict agent provider: %w", err)
	}

	role := models.AgentRole{
		Name:         "conflict",
		SystemPrompt: conflictSystemPrompt,
		Model:        r.cfg.Model,
		Tools:        []string{"bash", "read", "edit", "glob", "grep"},
		MaxTurns:     r.cfg.MaxTurns,
	}
	loop := llm.NewAgentLoop(client, role, projectPath)

	var b strings.Builder
	b.WriteString("The repository has a merge in progress with conflicts in these files:\n")
	for _, f := range conflictedFiles {
		fmt.Fprintf(&b, "  %s\n", f)
	}
	b.WriteString("\nResolve every conflict marker, then stage and commit the result.\n")

	return r.breakers.Execute("claude", func() error {
		result, runErr := loop.Run(ctx, b.String())
		if runErr != nil {
			return runErr
		}
		verdict := llm.ParseAgentResult("conflict", result.Output)
		if verdict.Status == models.AgentError {
			return fmt.Errorf("conflict agent reported error")
		}
		return nil
	})
}

const conflictSystemPrompt = `You are a merge-conflict resolver. The working
directory holds a repository with an in-progress merge. Open each conflicted
file, remove the conflict markers, and produce a coherent result. When the
two sides genuinely contradict, prefer the incoming branch. When done, stage
all files and commit with "git add -A && git commit --no-edit". Respond with
a JSON object {"agent":"conflict","status":"passed|error","findings":[]}.`
