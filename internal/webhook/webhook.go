package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"

	"github.com/schaermu/branchdeployd/internal/config"
	"github.com/schaermu/branchdeployd/internal/deploy"
)

// defaultDebounce is how long the server waits for more pushes before it
// starts a run.
const defaultDebounce = 2 * time.Second

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Runner executes one deploy run.
type Runner interface {
	Run(ctx context.Context) (*deploy.Result, error)
}

// Server implements the webhook HTTP server
type Server struct {
	cfg    config.ServeConfig
	runner Runner
	logger *slog.Logger
	secret []byte

	// slot admits one run at a time; pending records one queued re-run.
	slot      *semaphore.Weighted
	pendingMu sync.Mutex // guards running and pending
	running   bool
	pending   bool
	debounce  *debouncer

	// runCtx is the server lifetime context debounced runs execute under.
	runCtx context.Context

	statusMu sync.RWMutex
	last     *runStatus
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg config.ServeConfig, runner Runner, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.GitHubWebhookSecretFile)
	}

	return &Server{
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		secret:   secret,
		slot:     semaphore.NewWeighted(1),
		debounce: &debouncer{delay: defaultDebounce},
		runCtx:   context.Background(),
	}, nil
}

// Routes returns the router serving the webhook, health and status endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/webhook", s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)

	return r
}

// Start performs an initial run and then serves on l until ctx is done.
func (s *Server) Start(ctx context.Context, l net.Listener) error {
	s.runCtx = ctx

	s.logger.Info("performing initial deploy before starting webhook server")
	s.performRun(ctx)

	server := &http.Server{
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", l.Addr().String())
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType, "request_id", middleware.GetReqID(r.Context()))

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for deploy\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for deploy\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"deleted", event.Deleted,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performRun(s.runCtx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Deploy triggered\n")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.AllowedEventTypes) == 0 {
		return true // no filter configured
	}
	return slices.Contains(s.cfg.AllowedEventTypes, eventType)
}

// isRefAllowed checks if the ref is in the allowed list. Entries ending in
// "*" match by prefix, so "refs/heads/*" admits every branch.
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.AllowedRefs) == 0 {
		return true // no filter configured
	}
	for _, allowed := range s.cfg.AllowedRefs {
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok {
			if strings.HasPrefix(ref, prefix) {
				return true
			}
			continue
		}
		if ref == allowed {
			return true
		}
	}
	return false
}

// performRun executes a deploy run with single-flight semantics. If a run
// is already in progress, at most one additional run is queued; further
// concurrent requests are folded into it.
func (s *Server) performRun(ctx context.Context) {
	s.pendingMu.Lock()
	if !s.slot.TryAcquire(1) {
		s.pending = true
		s.pendingMu.Unlock()
		s.logger.Info("deploy already in progress, queuing pending re-run")
		return
	}
	s.running = true
	s.pendingMu.Unlock()

	for {
		s.runOnce(ctx)

		// Release the slot and the pending flag together so a request that
		// failed to acquire the slot is never lost.
		s.pendingMu.Lock()
		if !s.pending {
			s.running = false
			s.slot.Release(1)
			s.pendingMu.Unlock()
			return
		}
		s.pending = false
		s.pendingMu.Unlock()

		s.logger.Info("re-running deploy due to pending request")
	}
}

func (s *Server) runOnce(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		s.logger.Info("skipping deploy, server is shutting down")
		return
	}

	res, err := s.runner.Run(ctx)
	switch {
	case err != nil:
		s.logger.Error("deploy failed", "error", err)
	case res.Success():
		s.logger.Info("deploy completed successfully", "run_id", res.RunID, "branches", len(res.Outcomes))
	default:
		s.logger.Warn("deploy completed with failures", "run_id", res.RunID, "failed", len(res.Failed()))
	}

	s.statusMu.Lock()
	s.last = newRunStatus(res, err)
	s.statusMu.Unlock()
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
