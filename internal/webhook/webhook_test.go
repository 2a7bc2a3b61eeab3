package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/branchdeployd/internal/config"
	"github.com/schaermu/branchdeployd/internal/deploy"
)

const testSecret = "test-secret-key"

// mockRunner is a mock implementation of Runner
type mockRunner struct {
	mu     sync.Mutex
	calls  int
	result *deploy.Result
	err    error
}

func (m *mockRunner) Run(context.Context) (*deploy.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &deploy.Result{RunID: "run-1"}, nil
}

func (m *mockRunner) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestConfig(t *testing.T) config.ServeConfig {
	t.Helper()
	secretPath := filepath.Join(t.TempDir(), "webhook_secret")
	require.NoError(t, os.WriteFile(secretPath, []byte(testSecret+"\n"), 0600))

	return config.ServeConfig{
		ListenAddr:              "127.0.0.1:0",
		GitHubWebhookSecretFile: secretPath,
		AllowedEventTypes:       []string{"push"},
		AllowedRefs:             []string{"refs/heads/main", "refs/heads/feature/*"},
	}
}

func newTestServer(t *testing.T, runner Runner) *Server {
	t.Helper()
	s, err := NewServer(setupTestConfig(t), runner, testLogger())
	require.NoError(t, err)
	s.debounce.delay = 10 * time.Millisecond
	return s
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushRequest(t *testing.T, ref string) *http.Request {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"ref":        ref,
		"after":      "abc123",
		"repository": map[string]string{"full_name": "acme/shop"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, testSecret))
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	s := newTestServer(t, &mockRunner{})
	assert.Equal(t, []byte(testSecret), s.secret, "secret must be trimmed")
}

func TestNewServer_SecretErrors(t *testing.T) {
	cfg := setupTestConfig(t)
	cfg.GitHubWebhookSecretFile = filepath.Join(t.TempDir(), "missing")
	_, err := NewServer(cfg, &mockRunner{}, testLogger())
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0600))
	cfg.GitHubWebhookSecretFile = empty
	_, err = NewServer(cfg, &mockRunner{}, testLogger())
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	s := newTestServer(t, &mockRunner{})
	body := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid", computeSignature(body, testSecret), true},
		{"wrong secret", computeSignature(body, "other"), false},
		{"missing prefix", computeSignature(body, testSecret)[len("sha256="):], false},
		{"empty", "", false},
		{"prefix only", "sha256=", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.verifySignature(body, tt.signature))
		})
	}
}

func TestIsRefAllowed(t *testing.T) {
	s := newTestServer(t, &mockRunner{})

	assert.True(t, s.isRefAllowed("refs/heads/main"))
	assert.True(t, s.isRefAllowed("refs/heads/feature/login"))
	assert.False(t, s.isRefAllowed("refs/heads/develop"))
	assert.False(t, s.isRefAllowed("refs/tags/v1.0"))

	s.cfg.AllowedRefs = nil
	assert.True(t, s.isRefAllowed("refs/tags/v1.0"))
}

func TestIsEventTypeAllowed(t *testing.T) {
	s := newTestServer(t, &mockRunner{})

	assert.True(t, s.isEventTypeAllowed("push"))
	assert.False(t, s.isEventTypeAllowed("issues"))

	s.cfg.AllowedEventTypes = nil
	assert.True(t, s.isEventTypeAllowed("issues"))
}

func TestHandleWebhook_ValidRequestTriggersRun(t *testing.T) {
	runner := &mockRunner{}
	s := newTestServer(t, runner)

	rec := serve(s, pushRequest(t, "refs/heads/main"))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "Deploy triggered")
	assert.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandleWebhook_DebouncesBursts(t *testing.T) {
	runner := &mockRunner{}
	s := newTestServer(t, runner)
	s.debounce.delay = 50 * time.Millisecond

	for i := 0; i < 5; i++ {
		rec := serve(s, pushRequest(t, "refs/heads/main"))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	assert.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, runner.count())
}

func TestHandleWebhook_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(r *http.Request)
		ref      string
		wantCode int
	}{
		{
			name:     "invalid content type",
			mutate:   func(r *http.Request) { r.Header.Set("Content-Type", "text/plain") },
			ref:      "refs/heads/main",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "invalid signature",
			mutate:   func(r *http.Request) { r.Header.Set("X-Hub-Signature-256", "sha256=deadbeef") },
			ref:      "refs/heads/main",
			wantCode: http.StatusForbidden,
		},
		{
			name:     "disallowed event type",
			mutate:   func(r *http.Request) { r.Header.Set("X-GitHub-Event", "issues") },
			ref:      "refs/heads/main",
			wantCode: http.StatusOK,
		},
		{
			name:     "disallowed ref",
			mutate:   func(*http.Request) {},
			ref:      "refs/heads/develop",
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{}
			s := newTestServer(t, runner)

			req := pushRequest(t, tt.ref)
			tt.mutate(req)
			rec := serve(s, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			time.Sleep(30 * time.Millisecond)
			assert.Zero(t, runner.count())
		})
	}
}

func TestHandleWebhook_InvalidPayload(t *testing.T) {
	s := newTestServer(t, &mockRunner{})
	body := []byte(`{"ref": `)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, testSecret))

	assert.Equal(t, http.StatusBadRequest, serve(s, req).Code)
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &mockRunner{})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &mockRunner{})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	runner := &mockRunner{result: &deploy.Result{
		RunID: "run-42",
		Outcomes: []deploy.Outcome{
			{Branch: "main", Action: deploy.ActionUpdated, Planned: deploy.ActionUpdated, Previous: "c1", Current: "c2", Stage: deploy.StageDone},
			{Branch: "dev", Action: deploy.ActionFailed, Planned: deploy.ActionCreated, Current: "d1", Stage: deploy.StagePulled, Err: errors.New("no such ref")},
		},
		StateSaved: true,
	}}
	s := newTestServer(t, runner)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running": false, "pending": false, "last_run": null}`, rec.Body.String())

	s.performRun(context.Background())

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/status", nil))
	var got struct {
		LastRun struct {
			RunID    string `json:"run_id"`
			Success  bool   `json:"success"`
			Outcomes []struct {
				Branch string `json:"branch"`
				Action string `json:"action"`
				Stage  string `json:"stage"`
				Error  string `json:"error"`
			} `json:"outcomes"`
		} `json:"last_run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-42", got.LastRun.RunID)
	assert.False(t, got.LastRun.Success)
	require.Len(t, got.LastRun.Outcomes, 2)
	assert.Equal(t, "updated", got.LastRun.Outcomes[0].Action)
	assert.Equal(t, "failed", got.LastRun.Outcomes[1].Action)
	assert.Equal(t, "pulled", got.LastRun.Outcomes[1].Stage)
	assert.Equal(t, "no such ref", got.LastRun.Outcomes[1].Error)
}

func TestStatus_RunError(t *testing.T) {
	s := newTestServer(t, &mockRunner{err: errors.New("target root unavailable")})
	s.performRun(context.Background())

	st := s.Status()
	require.NotNil(t, st.LastRun)
	assert.Equal(t, "target root unavailable", st.LastRun.Error)
	assert.False(t, st.LastRun.Success)
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, callCount)
}

func TestDebouncer_Stop(t *testing.T) {
	called := make(chan struct{}, 1)
	d := &debouncer{delay: 20 * time.Millisecond}
	d.trigger(func() { called <- struct{}{} })
	d.stop()

	select {
	case <-called:
		t.Fatal("stopped debouncer must not fire")
	case <-time.After(60 * time.Millisecond):
	}
}

// blockingRunner blocks every run until proceed is closed.
type blockingRunner struct {
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
	mu      sync.Mutex
	calls   int
}

func (b *blockingRunner) Run(context.Context) (*deploy.Result, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.once.Do(func() { close(b.started) })
	<-b.proceed
	return &deploy.Result{RunID: "blocked"}, nil
}

// TestPerformRun_SingleFlight verifies that concurrent performRun calls use
// single-flight semantics: at most one run at a time and at most one
// additional run queued.
func TestPerformRun_SingleFlight(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), proceed: make(chan struct{})}
	s := newTestServer(t, runner)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.performRun(ctx)
	}()
	<-runner.started

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.performRun(ctx)
		}()
	}
	wg.Wait()

	st := s.Status()
	assert.True(t, st.Running)
	assert.True(t, st.Pending)

	close(runner.proceed)
	<-done

	st = s.Status()
	assert.False(t, st.Running)
	assert.False(t, st.Pending)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 2, runner.calls, "one run plus exactly one queued re-run")
}

func TestStart_PerformsInitialRunAndServes(t *testing.T) {
	runner := &mockRunner{}
	s := newTestServer(t, runner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx, l) }()

	url := "http://" + l.Addr().String() + "/healthz"
	assert.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, runner.count())

	cancel()
	assert.NoError(t, <-errCh)
}

func TestStart_CancelledContextSkipsRun(t *testing.T) {
	runner := &mockRunner{}
	s := newTestServer(t, runner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, s.Start(ctx, l))
	assert.Zero(t, runner.count())
}
