// Package server exposes the HTTP ingress: pipeline control, director
// trigger, VCS webhook intake, health, and metrics.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/resilience"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// PipelineService is the runner surface the HTTP layer needs.
type PipelineService interface {
	Run(req *models.PipelineRequest) (string, error)
	Stop(requestID string) error
	GetStatus(requestID string) (*models.PipelineState, bool)
}

// DirectorService triggers scheduling cycles.
type DirectorService interface {
	RunCycle(ctx context.Context)
}

// Server is the HTTP ingress.
type Server struct {
	cfg        *config.Config
	pipeline   PipelineService
	director   DirectorService
	bus        *bus.Bus
	translator *Translator
	logger     *zap.SugaredLogger

	runLimit     *resilience.RateLimiter
	webhookLimit *resilience.RateLimiter

	httpServer *http.Server
}

// New creates the server. Rate limits default to 10 runs and 60 webhook
// deliveries per minute per peer.
func New(cfg *config.Config, pipeline PipelineService, director DirectorService, b *bus.Bus, translator *Translator, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	runRate := cfg.Server.RunRatePerMin
	if runRate <= 0 {
		runRate = 10
	}
	webhookRate := cfg.Server.WebhookRatePerMin
	if webhookRate <= 0 {
		webhookRate = 60
	}
	return &Server{
		cfg:          cfg,
		pipeline:     pipeline,
		director:     director,
		bus:          b,
		translator:   translator,
		logger:       logger.Named("server"),
		runLimit:     resilience.NewRateLimiter(runRate, 60_000),
		webhookLimit: resilience.NewRateLimiter(webhookRate, 60_000),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/pipeline/run", s.handleRun)
	r.Post("/pipeline/stop/{request_id}", s.handleStop)
	r.Get("/pipeline/status/{request_id}", s.handleStatus)
	r.Post("/director/run", s.handleDirectorRun)
	r.Post("/webhooks/{vcs}", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	port := s.cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.runLimit) {
		return
	}

	var req models.PipelineRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	id, err := s.pipeline.Run(&req)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"request_id": id})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	if err := s.pipeline.Stop(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "status": "stopping"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	state, ok := s.pipeline.GetStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("request %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDirectorRun(w http.ResponseWriter, r *http.Request) {
	// The cycle may take a while; run it off the request goroutine.
	go s.director.RunCycle(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "scheduled"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.webhookLimit) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if s.cfg.WebhookSecret != "" {
		if !validSignature(s.cfg.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			writeError(w, http.StatusUnauthorized, "signature mismatch")
			return
		}
	}

	eventName := r.Header.Get("X-GitHub-Event")
	events, err := s.translator.Translate(eventName, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	for _, event := range events {
		s.bus.Publish(event)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "events": len(events)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// allow applies a rate limiter keyed by client IP, writing the 429 itself
// when the window is exhausted.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, limiter *resilience.RateLimiter) bool {
	if limiter.Allow(clientKey(r)) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfterSeconds()))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// validSignature compares the sha256=<hex> header against the body HMAC in
// constant time.
func validSignature(secret string, body []byte, header string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
