package resilience

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// IdempotencyGuard enforces at-most-one in-flight operation per fingerprint.
// Claims survive restarts through a JSON file so a crashed process does not
// lose ownership of work it already started.
type IdempotencyGuard struct {
	mu     sync.Mutex
	claims map[string]struct{}
	path   string
	logger *zap.SugaredLogger
}

// NewIdempotencyGuard loads persisted claims from path, which is created on
// first claim if absent.
func NewIdempotencyGuard(path string, logger *zap.SugaredLogger) (*IdempotencyGuard, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	g := &IdempotencyGuard{
		claims: make(map[string]struct{}),
		path:   path,
		logger: logger.Named("idempotency"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, fmt.Errorf("read idempotency file: %w", err)
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		// A corrupt claim file loses dedup across the restart but must not
		// prevent startup.
		g.logger.Warnw("idempotency file corrupt, starting empty", "path", path, "error", err)
		return g, nil
	}
	for _, k := range keys {
		g.claims[k] = struct{}{}
	}
	return g, nil
}

// Fingerprint builds the canonical claim key for an operation on a request.
func Fingerprint(op, requestID string) string {
	return op + ":" + requestID
}

// Claim takes ownership of a fingerprint. Returns false if already held.
func (g *IdempotencyGuard) Claim(fingerprint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.claims[fingerprint]; held {
		return false
	}
	g.claims[fingerprint] = struct{}{}
	g.persistLocked()
	return true
}

// Release frees a fingerprint. Releasing an unheld fingerprint is a no-op.
func (g *IdempotencyGuard) Release(fingerprint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.claims[fingerprint]; !held {
		return
	}
	delete(g.claims, fingerprint)
	g.persistLocked()
}

// ReleaseRequest frees every claim whose fingerprint belongs to the request.
func (g *IdempotencyGuard) ReleaseRequest(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	changed := false
	suffix := ":" + requestID
	for k := range g.claims {
		if k == requestID || strings.HasSuffix(k, suffix) {
			delete(g.claims, k)
			changed = true
		}
	}
	if changed {
		g.persistLocked()
	}
}

// Held reports whether the fingerprint is currently claimed.
func (g *IdempotencyGuard) Held(fingerprint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.claims[fingerprint]
	return held
}

func (g *IdempotencyGuard) persistLocked() {
	keys := make([]string, 0, len(g.claims))
	for k := range g.claims {
		keys = append(keys, k)
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		g.logger.Errorw("marshal idempotency claims", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		g.logger.Errorw("create idempotency directory", "error", err)
		return
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		g.logger.Errorw("write idempotency claims", "error", err)
		return
	}
	if err := os.Rename(tmp, g.path); err != nil {
		g.logger.Errorw("rename idempotency claims", "error", err)
	}
}
