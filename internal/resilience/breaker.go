// Package resilience provides the failure-handling primitives the pipeline
// builds on: circuit breakers around external services, an idempotency guard
// for at-most-once operations, a dead-letter queue for failed deliveries, and
// a request rate limiter.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/config"
)

// Breakers holds the named circuit breakers protecting external services.
// Callers look breakers up by service name (claude, github).
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.SugaredLogger
}

// NewBreakers builds one breaker per configured service.
func NewBreakers(cfgs map[string]config.BreakerConfig, logger *zap.SugaredLogger) *Breakers {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	b := &Breakers{
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(cfgs)),
		logger:   logger.Named("breaker"),
	}
	for name, cfg := range cfgs {
		b.breakers[name] = b.build(name, cfg)
	}
	return b
}

func (b *Breakers) build(name string, cfg config.BreakerConfig) *gobreaker.CircuitBreaker {
	threshold := uint32(cfg.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	timeout := time.Duration(cfg.ResetTimeoutMS) * time.Millisecond
	if timeout == 0 {
		timeout = time.Minute
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warnw("circuit breaker state change",
				"service", name, "from", from.String(), "to", to.String())
		},
	})
}

// Execute runs fn through the named breaker. An unknown name gets a breaker
// with default settings on first use.
func (b *Breakers) Execute(name string, fn func() error) error {
	br := b.get(name)
	_, err := br.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState {
		return fmt.Errorf("%s unavailable: %w", name, err)
	}
	return err
}

// Open reports whether the named breaker is currently rejecting calls.
func (b *Breakers) Open(name string) bool {
	return b.get(name).State() == gobreaker.StateOpen
}

func (b *Breakers) get(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.breakers[name]
	if !ok {
		br = b.build(name, config.BreakerConfig{})
		b.breakers[name] = br
	}
	return br
}
