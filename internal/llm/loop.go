package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/trunkline/pkg/models"
)

// AgentLoop manages the API call and tool execution cycle for one agent.
type AgentLoop struct {
	client   *Client
	executor *ToolExecutor
	role     models.AgentRole
	maxTurns int
}

// LoopResult contains the results of an agent loop execution.
type LoopResult struct {
	Output    string
	TokensIn  int64
	TokensOut int64
	ToolCalls int
	Turns     int
}

// NewAgentLoop creates a loop driving role against client, executing tools
// in workDir.
func NewAgentLoop(client *Client, role models.AgentRole, workDir string) *AgentLoop {
	maxTurns := role.MaxTurns
	if maxTurns == 0 {
		maxTurns = 20
	}
	return &AgentLoop{
		client:   client,
		executor: NewToolExecutor(workDir),
		role:     role,
		maxTurns: maxTurns,
	}
}

// Run executes the chat loop until the model stops calling tools or the
// turn budget is exhausted. The final assistant text is returned raw; the
// caller parses it into a verdict.
func (l *AgentLoop) Run(ctx context.Context, userPrompt string) (*LoopResult, error) {
	result := &LoopResult{}
	system := l.role.SystemPrompt
	for _, doc := range l.role.ContextDocs {
		system += "\n\n" + doc
	}
	tools := ToolDefinitions(l.role.Tools)

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
	}

	for result.Turns < l.maxTurns {
		result.Turns++
		if err := ctx.Err(); err != nil {
			return result, err
		}

		resp, err := l.client.sdk().Messages.New(ctx, anthropic.MessageNewParams{
			Model:     l.client.ResolveModel(l.role.Model),
			MaxTokens: 8192,
			System: []anthropic.TextBlockParam{
				{Text: system},
			},
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return result, fmt.Errorf("API call failed: %w", err)
		}

		result.TokensIn += resp.Usage.InputTokens
		result.TokensOut += resp.Usage.OutputTokens
		l.client.Tracker().Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResultBlocks []anthropic.ContentBlockParamUnion
		var textOutput string

		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				textOutput += variant.Text
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				result.ToolCalls++
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				toolResult := l.executor.Execute(ctx, variant.Name, variant.Input)
				toolResultBlocks = append(toolResultBlocks,
					anthropic.NewToolResultBlock(variant.ID, toolResult.Content, toolResult.IsError))
			}
		}

		if resp.StopReason == anthropic.StopReasonEndTurn {
			result.Output = textOutput
			return result, nil
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		if len(toolResultBlocks) > 0 {
			messages = append(messages, anthropic.NewUserMessage(toolResultBlocks...))
		}
	}

	return result, fmt.Errorf("max turns (%d) reached", l.maxTurns)
}
