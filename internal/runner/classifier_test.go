package runner

import (
	"testing"

	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Tiers: map[string]config.TierConfig{
			"small":  {MaxFiles: 3, MaxLines: 50, Agents: []string{"tests", "style"}},
			"medium": {MaxFiles: 10, MaxLines: 400, Agents: []string{"tests", "style", "security"}},
			"large":  {Agents: []string{"tests", "style", "security", "architecture"}},
		},
		Branch: config.BranchConfig{PipelinePrefix: "pipeline/", IntegrationPrefix: "integration/", Main: "main"},
	}
}

func TestClassify(t *testing.T) {
	cfg := testConfig(t)
	tests := []struct {
		name  string
		files int
		added int
		want  models.Tier
	}{
		{"empty diff is small", 0, 0, models.TierSmall},
		{"at small boundary", 3, 50, models.TierSmall},
		{"one file over small", 4, 10, models.TierMedium},
		{"one line over small", 2, 51, models.TierMedium},
		{"at medium boundary", 10, 400, models.TierMedium},
		{"over medium", 11, 100, models.TierLarge},
		{"huge", 200, 90000, models.TierLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := models.DiffStats{FilesChanged: tt.files, LinesAdded: tt.added}
			got, err := Classify(cfg, diff, "")
			if err != nil {
				t.Fatalf("Classify() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Classify(%d files, %d lines) = %s, want %s", tt.files, tt.added, got, tt.want)
			}
		})
	}
}

func TestClassify_Override(t *testing.T) {
	cfg := testConfig(t)
	got, err := Classify(cfg, models.DiffStats{FilesChanged: 1, LinesAdded: 1}, models.TierLarge)
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if got != models.TierLarge {
		t.Errorf("override ignored: got %s", got)
	}
}

func TestClassify_UnknownOverride(t *testing.T) {
	cfg := testConfig(t)
	if _, err := Classify(cfg, models.DiffStats{}, models.Tier("gigantic")); err == nil {
		t.Error("unknown override accepted")
	}
}
