package resilience

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/trunkline/internal/config"
)

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b := NewBreakers(map[string]config.BreakerConfig{
		"claude": {FailureThreshold: 3, ResetTimeoutMS: 60000},
	}, nil)

	boom := errors.New("api down")
	for i := 0; i < 3; i++ {
		if err := b.Execute("claude", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: err = %v, want %v", i, err, boom)
		}
	}
	if !b.Open("claude") {
		t.Fatal("breaker should be open after threshold consecutive failures")
	}

	called := false
	err := b.Execute("claude", func() error { called = true; return nil })
	if err == nil {
		t.Error("open breaker should reject immediately")
	}
	if called {
		t.Error("open breaker must not invoke the function")
	}
}

func TestBreakers_SuccessResetsCount(t *testing.T) {
	b := NewBreakers(map[string]config.BreakerConfig{
		"github": {FailureThreshold: 2, ResetTimeoutMS: 30000},
	}, nil)

	boom := errors.New("push failed")
	b.Execute("github", func() error { return boom })
	b.Execute("github", func() error { return nil })
	b.Execute("github", func() error { return boom })

	if b.Open("github") {
		t.Error("breaker opened without reaching consecutive failure threshold")
	}
}

func TestIdempotencyGuard_ClaimAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	g, err := NewIdempotencyGuard(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	fp := Fingerprint("integrate", "r1")
	if !g.Claim(fp) {
		t.Fatal("first claim should succeed")
	}
	if g.Claim(fp) {
		t.Fatal("second claim of held fingerprint should fail")
	}
	g.Release(fp)
	if !g.Claim(fp) {
		t.Fatal("claim after release should succeed")
	}
}

func TestIdempotencyGuard_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	g, err := NewIdempotencyGuard(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	g.Claim(Fingerprint("integrate", "r1"))

	g2, err := NewIdempotencyGuard(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g2.Claim(Fingerprint("integrate", "r1")) {
		t.Error("reloaded guard should still hold the persisted claim")
	}
	if !g2.Claim(Fingerprint("integrate", "r2")) {
		t.Error("unrelated fingerprint should be claimable")
	}
}

func TestIdempotencyGuard_ReleaseRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	g, err := NewIdempotencyGuard(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	g.Claim(Fingerprint("integrate", "r1"))
	g.Claim(Fingerprint("notify", "r1"))
	g.Claim(Fingerprint("integrate", "r2"))

	g.ReleaseRequest("r1")

	if g.Held(Fingerprint("integrate", "r1")) || g.Held(Fingerprint("notify", "r1")) {
		t.Error("claims for released request still held")
	}
	if !g.Held(Fingerprint("integrate", "r2")) {
		t.Error("unrelated request's claim was released")
	}
}

func TestDLQ_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	dlq, err := NewDLQ(config.DLQConfig{
		Enabled:       true,
		Path:          t.TempDir(),
		MaxRetries:    5,
		BaseDelayMS:   1,
		BackoffFactor: 1,
	}, func(ctx context.Context, entry DLQEntry) error {
		if calls.Add(1) < 3 {
			return errors.New("target down")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := dlq.Enqueue("http://example.invalid/hook", []byte(`{"a":1}`), "initial failure"); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := dlq.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer dlq.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := dlq.Pending()
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) == 0 {
			if got := calls.Load(); got != 3 {
				t.Errorf("deliverer called %d times, want 3", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("entry never drained")
}

func TestDLQ_QuarantinesAfterBudget(t *testing.T) {
	dir := t.TempDir()
	dlq, err := NewDLQ(config.DLQConfig{
		Enabled:       true,
		Path:          dir,
		MaxRetries:    2,
		BaseDelayMS:   1,
		BackoffFactor: 1,
	}, func(ctx context.Context, entry DLQEntry) error {
		return errors.New("permanently down")
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := dlq.Enqueue("http://example.invalid/hook", []byte(`{}`), "boom"); err != nil {
		t.Fatal(err)
	}
	if err := dlq.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer dlq.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := dlq.Pending()
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) == 0 {
			quarantined, err := filepath.Glob(filepath.Join(dir, "quarantine", "*.json"))
			if err != nil {
				t.Fatal(err)
			}
			if len(quarantined) != 1 {
				t.Fatalf("quarantine holds %d entries, want 1", len(quarantined))
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("entry never quarantined")
}

func TestDLQ_DisabledDropsSilently(t *testing.T) {
	dlq, err := NewDLQ(config.DLQConfig{Enabled: false, Path: t.TempDir()}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := dlq.Enqueue("target", []byte(`{}`), "x"); err != nil {
		t.Errorf("disabled DLQ Enqueue error: %v", err)
	}
	pending, err := dlq.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("disabled DLQ persisted %d entries", len(pending))
	}
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	l := NewRateLimiter(3, 60000)
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d rejected inside the window budget", i)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Error("request over budget admitted")
	}
	if !l.Allow("5.6.7.8") {
		t.Error("separate key shares the window")
	}

	l.now = func() time.Time { return base.Add(61 * time.Second) }
	if !l.Allow("1.2.3.4") {
		t.Error("window never reset")
	}
}

func TestRateLimiter_EvictsExpiredWindows(t *testing.T) {
	l := NewRateLimiter(3, 60000)
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }

	for i := 0; i < 50; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if got := len(l.windows); got != 50 {
		t.Fatalf("windows = %d, want 50", got)
	}

	// Once every tracked window has elapsed, the next request sweeps them.
	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	if !l.Allow("fresh") {
		t.Error("fresh key rejected")
	}
	if got := len(l.windows); got != 1 {
		t.Errorf("windows = %d after sweep, want 1", got)
	}
}

func TestRateLimiter_RetryAfterRoundsUp(t *testing.T) {
	if got := NewRateLimiter(10, 60000).RetryAfterSeconds(); got != 60 {
		t.Errorf("RetryAfterSeconds() = %d, want 60", got)
	}
	if got := NewRateLimiter(10, 1500).RetryAfterSeconds(); got != 2 {
		t.Errorf("RetryAfterSeconds() = %d, want 2", got)
	}
}
