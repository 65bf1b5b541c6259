// Package adapters fans bus events out to configured HTTP webhook targets.
// Failed deliveries land in the dead-letter queue for retry.
package adapters

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/resilience"
)

const defaultTimeout = 10 * time.Second

// Manager owns the outbound webhook adapters.
type Manager struct {
	adapters []*webhookAdapter
	dlq      *resilience.DLQ
	logger   *zap.SugaredLogger
	subs     []func()
}

// NewManager builds one adapter per configured webhook target.
func NewManager(cfg config.AdaptersConfig, dlq *resilience.DLQ, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &Manager{dlq: dlq, logger: logger.Named("adapters")}
	for _, wc := range cfg.Webhooks {
		if wc.URL == "" {
			continue
		}
		m.adapters = append(m.adapters, newWebhookAdapter(wc, dlq, m.logger))
	}
	return m
}

// Start subscribes every adapter to the bus.
func (m *Manager) Start(b *bus.Bus) {
	for _, a := range m.adapters {
		adapter := a
		if len(adapter.events) > 0 {
			types := make([]bus.EventType, 0, len(adapter.events))
			for t := range adapter.events {
				types = append(types, t)
			}
			m.subs = append(m.subs, b.OnEventTypes(types, adapter.handle))
			continue
		}
		m.subs = append(m.subs, b.On(adapter.handle))
	}
}

// Stop unsubscribes all adapters.
func (m *Manager) Stop() {
	for _, unsub := range m.subs {
		unsub()
	}
	m.subs = nil
}

// Deliverer returns the DLQ retry function for dead-lettered webhook
// payloads. The entry target is the destination URL; the signing secret is
// recovered from the adapter matching that URL.
func (m *Manager) Deliverer() resilience.Deliverer {
	return func(ctx context.Context, entry resilience.DLQEntry) error {
		for _, a := range m.adapters {
			if a.url == entry.Target {
				return a.post(ctx, entry.Payload)
			}
		}
		// Target no longer configured; deliver unsigned.
		return post(ctx, http.DefaultClient, entry.Target, "", entry.Payload)
	}
}

// webhookAdapter delivers events to a single HTTP target.
type webhookAdapter struct {
	url    string
	secret string
	events map[bus.EventType]struct{}
	client *http.Client
	dlq    *resilience.DLQ
	logger *zap.SugaredLogger
}

func newWebhookAdapter(cfg config.WebhookAdapterConfig, dlq *resilience.DLQ, logger *zap.SugaredLogger) *webhookAdapter {
	timeout := defaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	a := &webhookAdapter{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
		dlq:    dlq,
		logger: logger,
	}
	if len(cfg.Events) > 0 {
		a.events = make(map[bus.EventType]struct{}, len(cfg.Events))
		for _, e := range cfg.Events {
			a.events[bus.EventType(e)] = struct{}{}
		}
	}
	return a
}

// handle delivers one event, dead-lettering on failure.
func (a *webhookAdapter) handle(event bus.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		a.logger.Errorw("webhook payload marshal failed", "url", a.url, "error", err)
		return
	}
	if err := a.post(context.Background(), payload); err != nil {
		a.logger.Warnw("webhook delivery failed, dead-lettering",
			"url", a.url, "type", event.Type, "error", err)
		if dlqErr := a.dlq.Enqueue(a.url, payload, err.Error()); dlqErr != nil {
			a.logger.Errorw("dead-letter enqueue failed", "url", a.url, "error", dlqErr)
		}
	}
}

func (a *webhookAdapter) post(ctx context.Context, payload []byte) error {
	return post(ctx, a.client, a.url, a.secret, payload)
}

func post(ctx context.Context, client *http.Client, url, secret string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", "sha256="+Sign(secret, payload))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook target returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA-256 of the payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
