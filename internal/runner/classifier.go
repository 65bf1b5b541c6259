package runner

import (
	"fmt"

	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// Classify picks the smallest tier whose file and line thresholds both bound
// the change. Thresholds are inclusive; a zero threshold is unbounded. An
// explicit override short-circuits classification.
func Classify(cfg *config.Config, diff models.DiffStats, override models.Tier) (models.Tier, error) {
	if override != "" {
		if _, ok := cfg.TierFor(override); !ok {
			return "", fmt.Errorf("unknown tier override %q", override)
		}
		return override, nil
	}

	for _, tier := range models.TierOrder() {
		thresholds, ok := cfg.TierFor(tier)
		if !ok {
			continue
		}
		if thresholds.Bounds(diff.FilesChanged, diff.TotalLines()) {
			return tier, nil
		}
	}
	// The large tier is unbounded by default, but a config may bound it.
	return "", fmt.Errorf("no tier bounds %d files / %d lines", diff.FilesChanged, diff.TotalLines())
}
