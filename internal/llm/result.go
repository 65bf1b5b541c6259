package llm

import (
	"encoding/json"
	"strings"

	"github.com/ShayCichocki/trunkline/pkg/models"
)

// ParseAgentResult turns the final assistant message into an AgentResult.
// The payload may be raw JSON or fenced in a ```json block. Output that does
// not parse becomes a passed verdict carrying a single info finding, so a
// chatty model never poisons the aggregate.
func ParseAgentResult(agent, output string) *models.AgentResult {
	payload := extractJSON(output)
	if payload != "" {
		var result models.AgentResult
		if err := json.Unmarshal([]byte(payload), &result); err == nil && result.Status != "" {
			if result.Agent == "" {
				result.Agent = agent
			}
			return &result
		}
	}

	return &models.AgentResult{
		Agent:  agent,
		Status: models.AgentPassed,
		Findings: []models.Finding{
			{
				Severity:    "info",
				Description: strings.TrimSpace(output),
			},
		},
	}
}

// extractJSON returns the first fenced JSON block, or the trimmed output if
// it looks like a bare JSON object.
func extractJSON(output string) string {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(output, fence)
		if start < 0 {
			continue
		}
		rest := output[start+len(fence):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		candidate := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(candidate, "{") {
			return candidate
		}
	}
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed
	}
	return ""
}
