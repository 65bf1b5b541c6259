// Package gh wraps the GitHub CLI for pull-request operations.
package gh

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// PRInfo holds GitHub PR information.
type PRInfo struct {
	URL            string `json:"url"`
	HeadRefName    string `json:"headRefName"`
	BaseRefName    string `json:"baseRefName"`
	State          string `json:"state"` // OPEN, CLOSED, MERGED
	ReviewDecision string `json:"reviewDecision"`
	Number         int    `json:"number"`
}

// Client is the pull-request surface the integrator depends on.
type Client interface {
	CreatePR(ctx context.Context, head, base, title, body string) (*PRInfo, error)
	ClosePR(ctx context.Context, number int, comment string) error
	MergePR(ctx context.Context, number int) error
	ViewPR(ctx context.Context, number int) (*PRInfo, error)
}

// CLIClient implements Client by shelling out to gh.
type CLIClient struct {
	dir string
}

// NewClient creates a gh client operating in the given repository directory.
func NewClient(dir string) *CLIClient {
	return &CLIClient{dir: dir}
}

func (c *CLIClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = c.dir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("gh %s: %w: %s", strings.Join(args, " "), err, string(exitErr.Stderr))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CreatePR opens a pull request from head into base. gh prints the PR URL;
// the number is the URL's last path segment.
func (c *CLIClient) CreatePR(ctx context.Context, head, base, title, body string) (*PRInfo, error) {
	out, err := c.run(ctx, "pr", "create",
		"--head", head,
		"--base", base,
		"--title", title,
		"--body", body)
	if err != nil {
		return nil, err
	}
	url := lastLine(out)
	number, err := ParsePRNumber(url)
	if err != nil {
		return nil, err
	}
	return &PRInfo{URL: url, Number: number, HeadRefName: head, BaseRefName: base, State: "OPEN"}, nil
}

// ClosePR closes a pull request, optionally leaving a comment.
func (c *CLIClient) ClosePR(ctx context.Context, number int, comment string) error {
	args := []string{"pr", "close", strconv.Itoa(number)}
	if comment != "" {
		args = append(args, "--comment", comment)
	}
	_, err := c.run(ctx, args...)
	return err
}

// MergePR squash-merges a pull request and deletes its branch.
func (c *CLIClient) MergePR(ctx context.Context, number int) error {
	_, err := c.run(ctx, "pr", "merge", strconv.Itoa(number), "--squash", "--delete-branch")
	return err
}

// ViewPR fetches current PR state.
func (c *CLIClient) ViewPR(ctx context.Context, number int) (*PRInfo, error) {
	out, err := c.run(ctx, "pr", "view", strconv.Itoa(number),
		"--json", "number,url,headRefName,baseRefName,state,reviewDecision")
	if err != nil {
		return nil, err
	}
	var info PRInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return nil, fmt.Errorf("parse pr view output: %w", err)
	}
	return &info, nil
}

// ParsePRNumber extracts the PR number from a GitHub pull-request URL.
func ParsePRNumber(url string) (int, error) {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0, fmt.Errorf("no PR number in %q", url)
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("no PR number in %q", url)
	}
	return n, nil
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

var _ Client = (*CLIClient)(nil)
