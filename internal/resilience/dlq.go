package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/config"
)

// DLQEntry is one failed delivery awaiting retry. Each entry lives in its own
// JSON file so concurrent writers never contend on a shared log.
type DLQEntry struct {
	ID          string          `json:"id"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Deliverer retries a dead-lettered payload against its target.
type Deliverer func(ctx context.Context, entry DLQEntry) error

// DLQ is a file-backed dead-letter queue. A sweeper goroutine delivers due
// entries with exponential backoff and quarantines entries that exhaust
// max_retries.
type DLQ struct {
	cfg     config.DLQConfig
	deliver Deliverer
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDLQ creates the queue directories. The deliverer may be nil until
// Start is called.
func NewDLQ(cfg config.DLQConfig, deliver Deliverer, logger *zap.SugaredLogger) (*DLQ, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Path, "quarantine"), 0o755); err != nil {
		return nil, fmt.Errorf("create quarantine directory: %w", err)
	}
	return &DLQ{
		cfg:     cfg,
		deliver: deliver,
		logger:  logger.Named("dlq"),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Enqueue persists a failed delivery for later retry.
func (q *DLQ) Enqueue(target string, payload []byte, lastError string) error {
	if !q.cfg.Enabled {
		return nil
	}
	entry := DLQEntry{
		ID:          uuid.NewString(),
		Target:      target,
		Payload:     payload,
		Attempts:    0,
		NextRetryAt: time.Now().Add(q.backoff(0)),
		LastError:   lastError,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := q.writeEntry(q.entryPath(entry.ID), entry); err != nil {
		return err
	}
	q.kick()
	return nil
}

// Start launches the retry sweeper. Filesystem events on the queue directory
// wake it early; otherwise it polls on the shortest pending backoff.
func (q *DLQ) Start(ctx context.Context) error {
	if !q.cfg.Enabled {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return fmt.Errorf("create dlq watcher: %w", err)
	}
	if err := watcher.Add(q.cfg.Path); err != nil {
		watcher.Close()
		cancel()
		return fmt.Errorf("watch dlq directory: %w", err)
	}

	go func() {
		defer close(q.done)
		defer watcher.Close()
		for {
			next := q.sweep(ctx)
			timer := time.NewTimer(next)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-q.wake:
				timer.Stop()
			case ev := <-watcher.Events:
				timer.Stop()
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
			case err := <-watcher.Errors:
				timer.Stop()
				if err != nil {
					q.logger.Warnw("dlq watcher error", "error", err)
				}
			case <-timer.C:
			}
		}
	}()
	return nil
}

// Stop halts the sweeper and waits for the in-flight entry to settle.
func (q *DLQ) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
}

// Pending returns the entries currently awaiting retry.
func (q *DLQ) Pending() ([]DLQEntry, error) {
	files, err := os.ReadDir(q.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}
	var entries []DLQEntry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		entry, err := q.readEntry(filepath.Join(q.cfg.Path, f.Name()))
		if err != nil {
			q.logger.Warnw("skipping unreadable dlq entry", "file", f.Name(), "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// sweep delivers every due entry once and returns how long to sleep before
// the next pass.
func (q *DLQ) sweep(ctx context.Context) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.Pending()
	if err != nil {
		q.logger.Errorw("dlq sweep failed", "error", err)
		return time.Duration(q.cfg.BaseDelayMS) * time.Millisecond
	}

	next := time.Hour
	now := time.Now()
	for _, entry := range entries {
		if ctx.Err() != nil {
			return next
		}
		if entry.NextRetryAt.After(now) {
			if wait := time.Until(entry.NextRetryAt); wait < next {
				next = wait
			}
			continue
		}
		q.attempt(ctx, entry)
	}
	return next
}

func (q *DLQ) attempt(ctx context.Context, entry DLQEntry) {
	path := q.entryPath(entry.ID)
	err := q.deliver(ctx, entry)
	if err == nil {
		if rmErr := os.Remove(path); rmErr != nil {
			q.logger.Warnw("remove delivered dlq entry", "id", entry.ID, "error", rmErr)
		}
		q.logger.Infow("dlq entry delivered", "id", entry.ID, "target", entry.Target, "attempts", entry.Attempts+1)
		return
	}

	entry.Attempts++
	entry.LastError = err.Error()
	if entry.Attempts >= q.cfg.MaxRetries {
		q.quarantine(entry, path)
		return
	}
	entry.NextRetryAt = time.Now().Add(q.backoff(entry.Attempts))
	if werr := q.writeEntry(path, entry); werr != nil {
		q.logger.Errorw("update dlq entry", "id", entry.ID, "error", werr)
	}
	q.logger.Warnw("dlq delivery failed",
		"id", entry.ID, "target", entry.Target, "attempts", entry.Attempts, "error", err)
}

func (q *DLQ) quarantine(entry DLQEntry, path string) {
	dest := filepath.Join(q.cfg.Path, "quarantine", entry.ID+".json")
	if err := q.writeEntry(dest, entry); err != nil {
		q.logger.Errorw("quarantine dlq entry", "id", entry.ID, "error", err)
		return
	}
	os.Remove(path)
	q.logger.Errorw("dlq entry quarantined after retry budget",
		"id", entry.ID, "target", entry.Target, "attempts", entry.Attempts, "last_error", entry.LastError)
}

func (q *DLQ) backoff(attempts int) time.Duration {
	base := float64(q.cfg.BaseDelayMS)
	if base <= 0 {
		base = 1000
	}
	factor := q.cfg.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	return time.Duration(base*math.Pow(factor, float64(attempts))) * time.Millisecond
}

func (q *DLQ) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *DLQ) entryPath(id string) string {
	return filepath.Join(q.cfg.Path, id+".json")
}

func (q *DLQ) writeEntry(path string, entry DLQEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write dlq entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename dlq entry: %w", err)
	}
	return nil
}

func (q *DLQ) readEntry(path string) (DLQEntry, error) {
	var entry DLQEntry
	data, err := os.ReadFile(path)
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, err
	}
	return entry, nil
}
