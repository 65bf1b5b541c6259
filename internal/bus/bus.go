package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trunkline_events_published_total",
	Help: "Events published on the bus, by type.",
}, []string{"type"})

// Handler receives published events. Handlers run on the bus worker pool; a
// panicking handler is recovered and logged without affecting others.
type Handler func(Event)

// subscriber pairs a handler with an optional type filter. A nil filter
// receives every event.
type subscriber struct {
	id    int
	types map[EventType]struct{}
	fn    Handler
}

// Bus is the process-wide event conduit. Persistence precedes dispatch:
// subscribers never observe an event that is not on disk.
type Bus struct {
	path   string
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	subs   []*subscriber
	nextID int
	closed bool

	workers []chan Event
	wg      sync.WaitGroup
	pubs    sync.WaitGroup

	fileMu sync.Mutex
}

// Options configures bus construction.
type Options struct {
	// Path is the directory holding per-request JSONL logs.
	Path string
	// Workers bounds concurrent dispatch. Defaults to 4.
	Workers int
	// QueueSize is the per-worker buffer. Defaults to 256.
	QueueSize int
}

// New creates a bus persisting events under opts.Path.
func New(opts Options, logger *zap.SugaredLogger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create events directory: %w", err)
	}

	b := &Bus{
		path:    opts.Path,
		logger:  logger.Named("bus"),
		workers: make([]chan Event, opts.Workers),
	}
	for i := range b.workers {
		ch := make(chan Event, opts.QueueSize)
		b.workers[i] = ch
		b.wg.Add(1)
		go b.worker(ch)
	}
	return b, nil
}

// Publish persists the event to the request's JSONL log, then hands it to
// the dispatch pool. Events for the same request id are delivered in publish
// order; persistence failure is logged but does not block dispatch.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Data == nil {
		event.Data = map[string]any{}
	}

	if err := b.persist(event); err != nil {
		b.logger.Errorw("event persistence failed",
			"request_id", event.RequestID, "type", event.Type, "error", err)
	}
	eventsPublished.WithLabelValues(string(event.Type)).Inc()

	// The publisher count is raised under the lock that Close uses to flip
	// closed, and Close waits for it to drain before closing worker channels,
	// so a publish in flight can never hit a closed channel.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.pubs.Add(1)
	b.mu.RUnlock()
	defer b.pubs.Done()

	// Same request id always hashes to the same worker so per-request
	// ordering survives the pool.
	h := fnv.New32a()
	h.Write([]byte(event.RequestID))
	b.workers[int(h.Sum32())%len(b.workers)] <- event
}

// On subscribes to every event. The returned function unsubscribes.
func (b *Bus) On(fn Handler) func() {
	return b.subscribe(nil, fn)
}

// OnEventType subscribes to a single event type.
func (b *Bus) OnEventType(t EventType, fn Handler) func() {
	return b.OnEventTypes([]EventType{t}, fn)
}

// OnEventTypes subscribes to a set of event types.
func (b *Bus) OnEventTypes(types []EventType, fn Handler) func() {
	filter := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}
	return b.subscribe(filter, fn)
}

func (b *Bus) subscribe(filter map[EventType]struct{}, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, types: filter, fn: fn}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// GetEvents reads back the persisted event sequence for a request in file
// order. Corrupt lines are skipped so a single bad event cannot destroy the
// forensic log.
func (b *Bus) GetEvents(requestID string) ([]Event, error) {
	f, err := os.Open(b.logPath(requestID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			b.logger.Warnw("skipping corrupt event line",
				"request_id", requestID, "line", line, "error", err)
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}

// Close stops the dispatch pool after draining queued events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	// In-flight publishes finish their sends before the channels close.
	b.pubs.Wait()
	for _, ch := range b.workers {
		close(ch)
	}
	b.wg.Wait()
}

func (b *Bus) worker(ch <-chan Event) {
	defer b.wg.Done()
	for event := range ch {
		b.dispatch(event)
	}
}

// dispatch delivers one event to every matching subscriber in registration
// order, isolating panics per subscriber.
func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Errorw("subscriber panicked",
						"type", event.Type, "request_id", event.RequestID, "panic", r)
				}
			}()
			sub.fn(event)
		}()
	}
}

func (b *Bus) persist(event Event) error {
	line, err := event.MarshalLine()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b.fileMu.Lock()
	defer b.fileMu.Unlock()
	f, err := os.OpenFile(b.logPath(event.RequestID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (b *Bus) logPath(requestID string) string {
	return filepath.Join(b.path, requestID+".jsonl")
}

// Path returns the directory the bus persists into.
func (b *Bus) Path() string {
	return b.path
}
