package app

import (
	"context"

	"github.com/ShayCichocki/trunkline/internal/git"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// worktreeVCS implements the runner's VCS seam over per-worktree git
// runners. Each request carries its own checkout, so a runner is built per
// call rather than held.
type worktreeVCS struct {
	main string
}

func (v *worktreeVCS) Stats(ctx context.Context, worktreePath, base, head string) (models.DiffStats, error) {
	return git.NewRunner(worktreePath).DiffStats(ctx, base, head)
}

// MainSHA resolves the trunk head the run was validated against. The remote
// ref is preferred; an unreachable remote falls back to the local branch.
func (v *worktreeVCS) MainSHA(ctx context.Context, worktreePath string) (string, error) {
	g := git.NewRunner(worktreePath)
	if err := g.Fetch(ctx, "origin", v.main); err != nil {
		return g.RevParse(ctx, v.main)
	}
	return g.RevParse(ctx, "origin/"+v.main)
}
