package models

// AgentRole configures a quality agent: what it reviews, which model runs
// it, and which tools it may call.
type AgentRole struct {
	// Name identifies the agent (tests, style, security, ...).
	Name string `json:"name" yaml:"name"`
	// SystemPrompt is the role instruction sent on every turn.
	SystemPrompt string `json:"systemPrompt" yaml:"system_prompt"`
	// Model is the model identifier resolved through the provider.
	Model string `json:"model" yaml:"model"`
	// Provider selects the LLM provider; empty uses the default provider.
	Provider string `json:"provider,omitempty" yaml:"provider"`
	// Tools lists the tool names the agent may call.
	Tools []string `json:"tools" yaml:"tools"`
	// MaxTurns bounds the chat loop.
	MaxTurns int `json:"maxTurns" yaml:"max_turns"`
	// ContextDocs are extra documents appended to the system prompt.
	ContextDocs []string `json:"contextDocs,omitempty" yaml:"context_docs"`
}

// AgentStatus is the outcome of a single quality agent run.
type AgentStatus string

const (
	AgentPassed AgentStatus = "passed"
	AgentFailed AgentStatus = "failed"
	AgentError  AgentStatus = "error"
)

// Finding is a single issue reported by a quality agent.
type Finding struct {
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	File           string `json:"file,omitempty"`
	Line           int    `json:"line,omitempty"`
	FixApplied     bool   `json:"fix_applied"`
	FixDescription string `json:"fix_description,omitempty"`
}

// TokenUsage records LLM token consumption for a run.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// AgentMetadata records execution detail for an agent run.
type AgentMetadata struct {
	DurationMS int64      `json:"duration_ms"`
	TurnsUsed  int        `json:"turns_used"`
	TokensUsed TokenUsage `json:"tokens_used"`
	Model      string     `json:"model"`
	Provider   string     `json:"provider"`
}

// AgentResult is the structured verdict a quality agent returns.
type AgentResult struct {
	Agent        string        `json:"agent"`
	Status       AgentStatus   `json:"status"`
	Findings     []Finding     `json:"findings"`
	FixesApplied int           `json:"fixes_applied"`
	Metadata     AgentMetadata `json:"metadata"`
}

// FixableFindings returns the findings that carry an applied fix.
func (r *AgentResult) FixableFindings() []Finding {
	var fixed []Finding
	for _, f := range r.Findings {
		if f.FixApplied {
			fixed = append(fixed, f)
		}
	}
	return fixed
}

// OverallStatus folds a set of agent results into a single verdict.
// Severity order: error > failed > passed.
func OverallStatus(results []*AgentResult) AgentStatus {
	status := AgentPassed
	for _, r := range results {
		switch r.Status {
		case AgentError:
			return AgentError
		case AgentFailed:
			status = AgentFailed
		}
	}
	return status
}
