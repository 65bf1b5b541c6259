package director

import (
	"context"

	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/git"
)

// GitTrunk reads the current trunk sha from the remote via the git runner.
type GitTrunk struct {
	git  git.Runner
	main string
}

// NewGitTrunk creates the production trunk reader.
func NewGitTrunk(g git.Runner, cfg *config.Config) *GitTrunk {
	return &GitTrunk{git: g, main: cfg.Branch.Main}
}

// HeadSHA fetches the trunk and returns its remote head.
func (t *GitTrunk) HeadSHA(ctx context.Context) (string, error) {
	if err := t.git.Fetch(ctx, "origin", t.main); err != nil {
		return "", err
	}
	return t.git.RevParse(ctx, "origin/"+t.main)
}
