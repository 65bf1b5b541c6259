package quality

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/llm"
	"github.com/ShayCichocki/trunkline/internal/resilience"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// LLMAgentRunner drives real quality agents through the chat loop, wrapping
// every call in the claude circuit breaker.
type LLMAgentRunner struct {
	factory  *llm.Factory
	breakers *resilience.Breakers
	logger   *zap.SugaredLogger
}

// NewLLMAgentRunner creates the production agent runner.
func NewLLMAgentRunner(factory *llm.Factory, breakers *resilience.Breakers, logger *zap.SugaredLogger) *LLMAgentRunner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LLMAgentRunner{factory: factory, breakers: breakers, logger: logger.Named("agent")}
}

// RunAgent resolves the role's provider, runs the loop in the request's
// worktree, and parses the final message into a verdict.
func (r *LLMAgentRunner) RunAgent(ctx context.Context, role models.AgentRole, req *models.PipelineRequest, diff models.DiffStats) (*models.AgentResult, error) {
	client, err := r.factory.ClientFor(role.Provider)
	if err != nil {
		return nil, fmt.Errorf("resolve provider for %s: %w", role.Name, err)
	}

	loop := llm.NewAgentLoop(client, role, req.WorktreePath)
	prompt := buildPrompt(req, diff)

	started := time.Now()
	var loopResult *llm.LoopResult
	err = r.breakers.Execute("claude", func() error {
		var runErr error
		loopResult, runErr = loop.Run(ctx, prompt)
		return runErr
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", role.Name, err)
	}

	result := llm.ParseAgentResult(role.Name, loopResult.Output)
	result.Metadata = models.AgentMetadata{
		DurationMS: time.Since(started).Milliseconds(),
		TurnsUsed:  loopResult.Turns,
		TokensUsed: models.TokenUsage{Input: loopResult.TokensIn, Output: loopResult.TokensOut},
		Model:      role.Model,
		Provider:   client.Provider(),
	}
	r.logger.Infow("agent finished",
		"request_id", req.RequestID, "agent", role.Name, "status", result.Status,
		"turns", loopResult.Turns, "findings", len(result.Findings))
	return result, nil
}

func buildPrompt(req *models.PipelineRequest, diff models.DiffStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review branch %s", req.Branch)
	if req.BaseBranch != "" {
		fmt.Fprintf(&b, " (base %s)", req.BaseBranch)
	}
	fmt.Fprintf(&b, ".\n\nChange summary: %d files, +%d/-%d lines.\n",
		diff.FilesChanged, diff.LinesAdded, diff.LinesDeleted)
	if len(diff.ChangedFiles) > 0 {
		b.WriteString("Changed files:\n")
		for _, f := range diff.ChangedFiles {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}
	b.WriteString("\nWork in the current directory; it is the branch checkout.\n")
	return b.String()
}
