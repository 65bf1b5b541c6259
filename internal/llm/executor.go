package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// globLimit caps glob results so a pathological pattern cannot flood the
// model's context.
const globLimit = 500

// ToolExecutor executes tool calls inside one worktree.
type ToolExecutor struct {
	workDir string
}

// NewToolExecutor creates a tool executor rooted at workDir.
func NewToolExecutor(workDir string) *ToolExecutor {
	return &ToolExecutor{workDir: workDir}
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Content string
	IsError bool
}

// Execute runs a tool by name with the given JSON input.
func (e *ToolExecutor) Execute(ctx context.Context, name string, input json.RawMessage) ToolResult {
	switch name {
	case "bash":
		return e.execBash(ctx, input)
	case "read":
		return e.execRead(input)
	case "edit":
		return e.execEdit(input)
	case "glob":
		return e.execGlob(input)
	case "grep":
		return e.execGrep(ctx, input)
	default:
		return ToolResult{Content: fmt.Sprintf("Unknown tool: %s", name), IsError: true}
	}
}

func (e *ToolExecutor) execBash(ctx context.Context, input json.RawMessage) ToolResult {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	timeout := 120 * time.Second
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", params.Command)
	cmd.Dir = e.workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ToolResult{
				Content: fmt.Sprintf("Command timed out after %v:\n%s", timeout, string(output)),
				IsError: true,
			}
		}
		return ToolResult{
			Content: fmt.Sprintf("%s\nError: %v", string(output), err),
			IsError: true,
		}
	}
	return ToolResult{Content: truncateOutput(string(output))}
}

func (e *ToolExecutor) execRead(input json.RawMessage) ToolResult {
	var params struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	content, err := os.ReadFile(e.resolvePath(params.Path))
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to read file: %v", err), IsError: true}
	}

	lines := strings.Split(string(content), "\n")
	start := 0
	if params.Offset > 0 {
		start = params.Offset - 1
		if start >= len(lines) {
			return ToolResult{Content: "Offset beyond end of file", IsError: true}
		}
	}
	end := len(lines)
	if params.Limit > 0 && start+params.Limit < end {
		end = start + params.Limit
	}

	var result strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&result, "%6d\t%s\n", i+1, lines[i])
	}
	return ToolResult{Content: result.String()}
}

func (e *ToolExecutor) execEdit(input json.RawMessage) ToolResult {
	var params struct {
		Path    string `json:"path"`
		OldText string `json:"old_text"`
		NewText string `json:"new_text"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	path := e.resolvePath(params.Path)
	content, err := os.ReadFile(path)
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to read file: %v", err), IsError: true}
	}

	contentStr := string(content)
	if !strings.Contains(contentStr, params.OldText) {
		return ToolResult{Content: "old_text not found in file", IsError: true}
	}
	newContent := strings.Replace(contentStr, params.OldText, params.NewText, 1)
	if err := os.WriteFile(path, []byte(newContent), 0o644); err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to write file: %v", err), IsError: true}
	}
	return ToolResult{Content: "Edit successful"}
}

func (e *ToolExecutor) execGlob(input json.RawMessage) ToolResult {
	var params struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	matches, err := doublestar.Glob(os.DirFS(e.workDir), params.Pattern)
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Glob error: %v", err), IsError: true}
	}
	if len(matches) == 0 {
		return ToolResult{Content: "No files matched the pattern"}
	}
	truncated := false
	if len(matches) > globLimit {
		matches = matches[:globLimit]
		truncated = true
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n... (truncated at %d results)", globLimit)
	}
	return ToolResult{Content: out}
}

func (e *ToolExecutor) execGrep(ctx context.Context, input json.RawMessage) ToolResult {
	var params struct {
		Pattern  string `json:"pattern"`
		Path     string `json:"path"`
		FileGlob string `json:"file_glob"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	searchPath := e.workDir
	if params.Path != "" {
		searchPath = e.resolvePath(params.Path)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := exec.LookPath("rg"); err == nil {
		args := []string{"--color=never", "-n"}
		if params.FileGlob != "" {
			args = append(args, "--glob", params.FileGlob)
		}
		args = append(args, params.Pattern, searchPath)
		// rg exits non-zero on no match; that is not an error here.
		output, _ := exec.CommandContext(ctx, "rg", args...).CombinedOutput()
		if len(output) == 0 {
			return ToolResult{Content: "No matches found"}
		}
		return ToolResult{Content: truncateOutput(string(output))}
	}
	return e.grepFallback(params.Pattern, searchPath, params.FileGlob)
}

// grepFallback is the portable path when ripgrep is not installed.
func (e *ToolExecutor) grepFallback(pattern, searchPath, fileGlob string) ToolResult {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid pattern: %v", err), IsError: true}
	}

	var result strings.Builder
	err = filepath.WalkDir(searchPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && d.Name() != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if fileGlob != "" {
			if matched, _ := filepath.Match(fileGlob, d.Name()); !matched {
				return nil
			}
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(searchPath, path)
		for i, line := range strings.Split(string(content), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&result, "%s:%d:%s\n", rel, i+1, line)
			}
		}
		return nil
	})
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Search error: %v", err), IsError: true}
	}
	if result.Len() == 0 {
		return ToolResult{Content: "No matches found"}
	}
	return ToolResult{Content: truncateOutput(result.String())}
}

func (e *ToolExecutor) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workDir, path)
}

func truncateOutput(s string) string {
	if len(s) > 30000 {
		return s[:30000] + "\n... (output truncated)"
	}
	return s
}
