// Package git provides an interface for git operations.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ShayCichocki/trunkline/pkg/models"
)

// Runner is the git surface the pipeline depends on. Implementations wrap a
// single repository; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	RevParse(ctx context.Context, ref string) (string, error)
	BranchExists(ctx context.Context, name string) (bool, error)
	CreateAndCheckoutBranch(ctx context.Context, name, startPoint string) error
	CheckoutBranch(ctx context.Context, name string) error
	DeleteBranch(ctx context.Context, name string) error
	Fetch(ctx context.Context, remote string, refs ...string) error
	Push(ctx context.Context, remote, branch string) error
	PushForceWithLease(ctx context.Context, remote, branch string) error
	PushDelete(ctx context.Context, remote, branch string) error
	Merge(ctx context.Context, branch string) error
	MergeNoFFMessage(ctx context.Context, branch, message string) error
	MergeAbort(ctx context.Context) error
	Rebase(ctx context.Context, base string) error
	RebaseAbort(ctx context.Context) error
	HasConflicts(ctx context.Context) (bool, error)
	ConflictedFiles(ctx context.Context) ([]string, error)
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) error
	DiffStats(ctx context.Context, base, head string) (models.DiffStats, error)
	ChangedFiles(ctx context.Context, base, head string) ([]string, error)
}

// ExecRunner implements Runner by shelling out to git in a fixed repository.
type ExecRunner struct {
	repoPath string
}

// NewRunner creates a git runner for the repository at the given path.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *ExecRunner) runSilent(ctx context.Context, args ...string) error {
	_, err := r.run(ctx, args...)
	return err
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, args...)
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// RevParse resolves a ref to its commit SHA.
func (r *ExecRunner) RevParse(ctx context.Context, ref string) (string, error) {
	return r.run(ctx, "rev-parse", ref)
}

// BranchExists returns true if the local branch exists.
func (r *ExecRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.repoPath
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means branch doesn't exist (not an error)
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// CreateAndCheckoutBranch creates and switches to a new branch. An empty
// startPoint branches from HEAD.
func (r *ExecRunner) CreateAndCheckoutBranch(ctx context.Context, name, startPoint string) error {
	args := []string{"checkout", "-b", name}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	return r.runSilent(ctx, args...)
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(ctx context.Context, name string) error {
	return r.runSilent(ctx, "checkout", name)
}

// DeleteBranch force-deletes the specified local branch.
func (r *ExecRunner) DeleteBranch(ctx context.Context, name string) error {
	return r.runSilent(ctx, "branch", "-D", name)
}

// Fetch updates the given refs from a remote.
func (r *ExecRunner) Fetch(ctx context.Context, remote string, refs ...string) error {
	args := append([]string{"fetch", remote}, refs...)
	return r.runSilent(ctx, args...)
}

// Push publishes a branch to the remote.
func (r *ExecRunner) Push(ctx context.Context, remote, branch string) error {
	return r.runSilent(ctx, "push", "-u", remote, branch)
}

// PushForceWithLease force-pushes a branch, refusing to clobber unseen
// remote commits.
func (r *ExecRunner) PushForceWithLease(ctx context.Context, remote, branch string) error {
	return r.runSilent(ctx, "push", "--force-with-lease", remote, branch)
}

// PushDelete removes a branch from the remote.
func (r *ExecRunner) PushDelete(ctx context.Context, remote, branch string) error {
	return r.runSilent(ctx, "push", remote, "--delete", branch)
}

// Merge merges the specified branch into the current branch.
func (r *ExecRunner) Merge(ctx context.Context, branch string) error {
	return r.runSilent(ctx, "merge", branch)
}

// MergeNoFFMessage merges with --no-ff and a custom commit message.
func (r *ExecRunner) MergeNoFFMessage(ctx context.Context, branch, message string) error {
	return r.runSilent(ctx, "merge", "--no-ff", "-m", message, branch)
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort(ctx context.Context) error {
	return r.runSilent(ctx, "merge", "--abort")
}

// Rebase rebases the current branch onto the specified base.
func (r *ExecRunner) Rebase(ctx context.Context, base string) error {
	return r.runSilent(ctx, "rebase", base)
}

// RebaseAbort aborts an in-progress rebase.
func (r *ExecRunner) RebaseAbort(ctx context.Context) error {
	return r.runSilent(ctx, "rebase", "--abort")
}

// HasConflicts returns true if the working tree has unmerged paths.
func (r *ExecRunner) HasConflicts(ctx context.Context) (bool, error) {
	files, err := r.ConflictedFiles(ctx)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// ConflictedFiles returns the files with unmerged changes.
func (r *ExecRunner) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Add stages the specified files for commit.
func (r *ExecRunner) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add"}, paths...)
	return r.runSilent(ctx, args...)
}

// Commit creates a new commit with the given message.
func (r *ExecRunner) Commit(ctx context.Context, message string) error {
	return r.runSilent(ctx, "commit", "-m", message)
}

// DiffStats computes changed-file and changed-line totals between two refs
// using three-dot notation, so only commits unique to head are counted.
func (r *ExecRunner) DiffStats(ctx context.Context, base, head string) (models.DiffStats, error) {
	out, err := r.run(ctx, "diff", "--numstat", base+"..."+head)
	if err != nil {
		return models.DiffStats{}, err
	}
	return ParseNumstat(out), nil
}

// ChangedFiles returns files changed on head relative to base.
func (r *ExecRunner) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", base+"..."+head)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ParseNumstat parses `git diff --numstat` output. Binary files report "-"
// for both counts and contribute files but no lines. Fields are tab-separated
// so paths containing spaces survive.
func ParseNumstat(out string) models.DiffStats {
	var stats models.DiffStats
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 3 {
			continue
		}
		stats.FilesChanged++
		stats.ChangedFiles = append(stats.ChangedFiles, fields[2])
		added, err1 := strconv.Atoi(fields[0])
		deleted, err2 := strconv.Atoi(fields[1])
		if err1 == nil {
			stats.LinesAdded += added
		}
		if err2 == nil {
			stats.LinesDeleted += deleted
		}
	}
	return stats
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
