package llm

import (
	"github.com/anthropics/anthropic-sdk-go"
)

// ToolDefinitions returns the schemas for the named tools. Unknown names are
// skipped so a misspelled role tool degrades to a smaller tool set rather
// than a hard failure.
func ToolDefinitions(names []string) []anthropic.ToolUnionParam {
	all := allToolDefinitions()
	var tools []anthropic.ToolUnionParam
	for _, name := range names {
		if t, ok := all[name]; ok {
			tools = append(tools, t)
		}
	}
	return tools
}

func allToolDefinitions() map[string]anthropic.ToolUnionParam {
	return map[string]anthropic.ToolUnionParam{
		"bash": {
			OfTool: &anthropic.ToolParam{
				Name:        "bash",
				Description: anthropic.String("Execute a bash command in the worktree and return its output."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"command": map[string]interface{}{
							"type":        "string",
							"description": "The bash command to execute",
						},
						"timeout": map[string]interface{}{
							"type":        "integer",
							"description": "Timeout in milliseconds (optional, default 120000)",
						},
					},
					Required: []string{"command"},
				},
			},
		},
		"read": {
			OfTool: &anthropic.ToolParam{
				Name:        "read",
				Description: anthropic.String("Read a file from the worktree. Returns contents with line numbers."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Path to the file, relative to the worktree",
						},
						"offset": map[string]interface{}{
							"type":        "integer",
							"description": "Line number to start reading from (1-indexed, optional)",
						},
						"limit": map[string]interface{}{
							"type":        "integer",
							"description": "Maximum number of lines to read (optional)",
						},
					},
					Required: []string{"path"},
				},
			},
		},
		"edit": {
			OfTool: &anthropic.ToolParam{
				Name:        "edit",
				Description: anthropic.String("Edit a file by exact-match text replacement. Fails without modifying the file when old_text is absent."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Path to the file to edit",
						},
						"old_text": map[string]interface{}{
							"type":        "string",
							"description": "The exact text to find and replace",
						},
						"new_text": map[string]interface{}{
							"type":        "string",
							"description": "The text to replace it with",
						},
					},
					Required: []string{"path", "old_text", "new_text"},
				},
			},
		},
		"glob": {
			OfTool: &anthropic.ToolParam{
				Name:        "glob",
				Description: anthropic.String("Find files matching a glob pattern. Supports ** recursion; at most 500 results."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"pattern": map[string]interface{}{
							"type":        "string",
							"description": "Glob pattern to match (e.g., '**/*.go')",
						},
					},
					Required: []string{"pattern"},
				},
			},
		},
		"grep": {
			OfTool: &anthropic.ToolParam{
				Name:        "grep",
				Description: anthropic.String("Search file contents with a regex. Uses ripgrep when available."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"pattern": map[string]interface{}{
							"type":        "string",
							"description": "Regex pattern to search for",
						},
						"path": map[string]interface{}{
							"type":        "string",
							"description": "File or directory to search in (optional)",
						},
						"file_glob": map[string]interface{}{
							"type":        "string",
							"description": "Glob pattern to filter files (e.g., '*.go')",
						},
					},
					Required: []string{"pattern"},
				},
			},
		},
	}
}
