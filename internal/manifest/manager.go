// Package manifest persists the integration queue: branches ready to merge,
// branches with open PRs, and the merge history. A branch occupies exactly
// one container at any time; mutations violating that are refused.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/pkg/models"
)

// PRInfo carries the pull-request fields attached when an entry moves from
// ready to pending merge.
type PRInfo struct {
	IntegrationBranch string
	PRNumber          int
	PRURL             string
	ConflictsResolved int
	BaseMainSHA       string
}

// Manager guards .pipeline/manifest.json. All mutations take the manager
// lock and write atomically via temp-file rename.
type Manager struct {
	path   string
	mu     sync.Mutex
	logger *zap.SugaredLogger
}

// NewManager creates a manager for the manifest at path. The file is created
// lazily on first write.
func NewManager(path string, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{path: path, logger: logger.Named("manifest")}
}

// AddToReady appends an entry to the ready container. Refused when the
// branch already exists anywhere in the manifest.
func (m *Manager) AddToReady(entry models.ReadyEntry) error {
	return m.mutate(func(man *models.Manifest) error {
		if man.Contains(entry.Branch) {
			return fmt.Errorf("branch %s already present in manifest", entry.Branch)
		}
		if entry.ReadyAt.IsZero() {
			entry.ReadyAt = time.Now().UTC()
		}
		man.Ready = append(man.Ready, entry)
		return nil
	})
}

// MoveToPendingMerge moves a ready entry to pending merge, attaching PR info.
func (m *Manager) MoveToPendingMerge(branch string, pr PRInfo) error {
	return m.mutate(func(man *models.Manifest) error {
		idx := -1
		for i, e := range man.Ready {
			if e.Branch == branch {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("branch %s not in ready", branch)
		}
		entry := man.Ready[idx]
		entry.LastError = ""
		entry.Attempts = 0
		entry.NextAttemptAt = time.Time{}
		if pr.BaseMainSHA != "" {
			entry.BaseMainSHA = pr.BaseMainSHA
		}
		man.Ready = append(man.Ready[:idx], man.Ready[idx+1:]...)
		man.PendingMerge = append(man.PendingMerge, models.PendingMergeEntry{
			ReadyEntry:        entry,
			IntegrationBranch: pr.IntegrationBranch,
			PRNumber:          pr.PRNumber,
			PRURL:             pr.PRURL,
			ConflictsResolved: pr.ConflictsResolved,
		})
		return nil
	})
}

// MoveToMergeHistory moves a pending-merge entry to merge history with its
// merge commit.
func (m *Manager) MoveToMergeHistory(branch, mergeCommitSHA string) error {
	return m.mutate(func(man *models.Manifest) error {
		idx := -1
		for i, e := range man.PendingMerge {
			if e.Branch == branch {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("branch %s not in pending_merge", branch)
		}
		entry := man.PendingMerge[idx]
		man.PendingMerge = append(man.PendingMerge[:idx], man.PendingMerge[idx+1:]...)
		man.MergeHistory = append(man.MergeHistory, models.MergeRecord{
			Branch:         entry.Branch,
			PipelineBranch: entry.PipelineBranch,
			PRNumber:       entry.PRNumber,
			MergeCommitSHA: mergeCommitSHA,
			MergedAt:       time.Now().UTC(),
		})
		return nil
	})
}

// RollbackToReady returns a pending-merge entry to ready, shedding its PR
// fields. Used when a PR is closed without merging.
func (m *Manager) RollbackToReady(branch string) error {
	return m.mutate(func(man *models.Manifest) error {
		idx := -1
		for i, e := range man.PendingMerge {
			if e.Branch == branch {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("branch %s not in pending_merge", branch)
		}
		entry := man.PendingMerge[idx].ReadyEntry
		man.PendingMerge = append(man.PendingMerge[:idx], man.PendingMerge[idx+1:]...)
		man.Ready = append(man.Ready, entry)
		return nil
	})
}

// RecordFailure annotates a ready entry after a failed integration attempt
// and sets its retry cooldown.
func (m *Manager) RecordFailure(branch, lastError string, nextAttemptAt time.Time) error {
	return m.mutate(func(man *models.Manifest) error {
		for i := range man.Ready {
			if man.Ready[i].Branch == branch {
				man.Ready[i].LastError = lastError
				man.Ready[i].Attempts++
				man.Ready[i].NextAttemptAt = nextAttemptAt
				return nil
			}
		}
		return fmt.Errorf("branch %s not in ready", branch)
	})
}

// MarkPendingRebaseFailed records a rebase failure on a pending-merge entry
// without moving it.
func (m *Manager) MarkPendingRebaseFailed(branch, lastError string) error {
	return m.mutate(func(man *models.Manifest) error {
		for i := range man.PendingMerge {
			if man.PendingMerge[i].Branch == branch {
				man.PendingMerge[i].LastError = lastError
				return nil
			}
		}
		return fmt.Errorf("branch %s not in pending_merge", branch)
	})
}

// UpdatePendingBaseSHA records the new trunk sha after a successful rebase.
func (m *Manager) UpdatePendingBaseSHA(branch, sha string) error {
	return m.mutate(func(man *models.Manifest) error {
		for i := range man.PendingMerge {
			if man.PendingMerge[i].Branch == branch {
				man.PendingMerge[i].BaseMainSHA = sha
				man.PendingMerge[i].LastError = ""
				return nil
			}
		}
		return fmt.Errorf("branch %s not in pending_merge", branch)
	})
}

// Get returns the container name holding the branch and the ready or
// pending entry when applicable.
func (m *Manager) Get(branch string) (container string, ready *models.ReadyEntry, pending *models.PendingMergeEntry, err error) {
	man, err := m.Load()
	if err != nil {
		return "", nil, nil, err
	}
	for i := range man.Ready {
		if man.Ready[i].Branch == branch {
			return "ready", &man.Ready[i], nil, nil
		}
	}
	for i := range man.PendingMerge {
		if man.PendingMerge[i].Branch == branch {
			return "pending_merge", nil, &man.PendingMerge[i], nil
		}
	}
	if man.Merged(branch) {
		return "merge_history", nil, nil, nil
	}
	return "", nil, nil, nil
}

// Load reads the manifest, returning an empty document if the file does not
// exist yet.
func (m *Manager) Load() (*models.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (*models.Manifest, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &models.Manifest{}, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var man models.Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &man, nil
}

// mutate applies fn under the lock and writes the result atomically. A
// returned error from fn refuses the mutation and leaves the file untouched.
func (m *Manager) mutate(fn func(*models.Manifest) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	man, err := m.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(man); err != nil {
		m.logger.Warnw("manifest mutation refused", "error", err)
		return err
	}
	if err := validate(man); err != nil {
		m.logger.Errorw("manifest mutation violates invariants, refused", "error", err)
		return err
	}
	return m.writeLocked(man)
}

// validate enforces one-container-per-branch across the document.
func validate(man *models.Manifest) error {
	seen := make(map[string]string)
	note := func(branch, container string) error {
		if prev, ok := seen[branch]; ok {
			return fmt.Errorf("branch %s present in both %s and %s", branch, prev, container)
		}
		seen[branch] = container
		return nil
	}
	for _, e := range man.Ready {
		if err := note(e.Branch, "ready"); err != nil {
			return err
		}
	}
	for _, e := range man.PendingMerge {
		if err := note(e.Branch, "pending_merge"); err != nil {
			return err
		}
	}
	for _, r := range man.MergeHistory {
		if err := note(r.Branch, "merge_history"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) writeLocked(man *models.Manifest) error {
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}
