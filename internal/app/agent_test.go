package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailpulse/internal/config"
	"mailpulse/internal/connstate"
	"mailpulse/internal/logging"
	"mailpulse/internal/negotiate"
	"mailpulse/internal/realtime"
	"mailpulse/internal/token"
)

func newTestLogger() *logging.Logger {
	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)
	return logger
}

func TestNew_RejectsInvalidOptions(t *testing.T) {
	if _, err := New(config.Options{}, newTestLogger(), Callbacks{}); err == nil {
		t.Fatal("New() expected error with no endpoints configured")
	}
	if _, err := New(config.Options{BaseURL: "https://svc.example.test", TenantID: "t"}, newTestLogger(), Callbacks{}); err == nil {
		t.Fatal("New() expected error for partial credential set")
	}
}

func TestAgent_TokenFallsBackToStatic(t *testing.T) {
	agent, err := New(config.Options{
		HubURL:      "https://hub.example.test",
		StaticToken: " static-tok ",
	}, newTestLogger(), Callbacks{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, err := agent.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if got != "static-tok" {
		t.Fatalf("Token() = %q, want trimmed static token", got)
	}

	statuses := agent.TokenStatus()
	if statuses.Delegated != nil || statuses.AppCredentials != nil {
		t.Fatalf("TokenStatus() = %+v, want no managed sources", statuses)
	}
}

func TestAgent_NoTokenSource(t *testing.T) {
	agent, err := New(config.Options{HubURL: "https://hub.example.test"}, newTestLogger(), Callbacks{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := agent.Token(context.Background()); err == nil {
		t.Fatal("Token() expected error with no source configured")
	}
}

func TestAgent_ConnectionConfigBindsHubMethods(t *testing.T) {
	agent, err := New(config.Options{
		BaseURL:     "https://svc.example.test",
		StaticToken: "tok",
	}, newTestLogger(), Callbacks{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cfg := agent.connectionConfig()
	if cfg.NegotiateEndpoint != "https://svc.example.test/api/notifications/negotiate" {
		t.Fatalf("NegotiateEndpoint = %q", cfg.NegotiateEndpoint)
	}
	if cfg.HubURL != "https://svc.example.test/api/notifications/hub" {
		t.Fatalf("HubURL = %q", cfg.HubURL)
	}
	for _, method := range []string{"newMail", "mailUpdated", "notification"} {
		if cfg.Handlers[method] == nil {
			t.Fatalf("no handler bound for %q", method)
		}
	}
	if len(cfg.BackoffSchedule) == 0 {
		t.Fatal("no reconnect schedule configured")
	}
}

func TestAgent_StatusCallbackDedupes(t *testing.T) {
	var seen []string
	agent, err := New(config.Options{HubURL: "https://hub.example.test", StaticToken: "tok"},
		newTestLogger(), Callbacks{OnStatusChange: func(status string) { seen = append(seen, status) }})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	agent.setStatus(connstate.Connecting)
	agent.setStatus(connstate.Connecting)
	agent.setStatus(connstate.Connected)

	if len(seen) != 2 {
		t.Fatalf("status callbacks = %v, want deduped transitions", seen)
	}
	if seen[0] != connstate.Connecting || seen[1] != connstate.Connected {
		t.Fatalf("status callbacks = %v", seen)
	}
	if agent.Status() != connstate.Connected {
		t.Fatalf("Status() = %q", agent.Status())
	}
}

func TestAgent_FailedConnectDoesNotStartRestart(t *testing.T) {
	var requests atomic.Int32
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer hub.Close()

	var mu sync.Mutex
	var seen []string
	agent, err := New(config.Options{HubURL: hub.URL, StaticToken: "tok"},
		newTestLogger(), Callbacks{OnStatusChange: func(status string) {
			mu.Lock()
			seen = append(seen, status)
			mu.Unlock()
		}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := agent.Connect(context.Background()); err == nil {
		t.Fatal("Connect() expected error from failing hub")
	}
	attemptsAfterConnect := requests.Load()

	// Give any stray supervisor goroutine time to issue another attempt.
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	statuses := append([]string(nil), seen...)
	mu.Unlock()
	for _, status := range statuses {
		if status == connstate.Reconnecting {
			t.Fatalf("statuses after failed Connect = %v, session that never connected must not reconnect", statuses)
		}
	}
	if agent.Status() != connstate.Disconnected {
		t.Fatalf("Status() = %q, want %q", agent.Status(), connstate.Disconnected)
	}
	if got := requests.Load(); got != attemptsAfterConnect {
		t.Fatalf("hub requests grew from %d to %d after Connect returned", attemptsAfterConnect, got)
	}

	agent.mu.Lock()
	wants := agent.wantConnected
	agent.mu.Unlock()
	if wants {
		t.Fatal("wantConnected still set after failed Connect")
	}
}

func TestAgent_IsAuthFailure(t *testing.T) {
	agent, err := New(config.Options{HubURL: "https://hub.example.test", StaticToken: "tok"},
		newTestLogger(), Callbacks{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	authLike := []error{
		&token.AuthError{Reason: token.ReasonNotSignedIn},
		&negotiate.AuthFailedError{StatusCode: http.StatusUnauthorized},
		&realtime.HTTPStatusError{StatusCode: http.StatusForbidden},
	}
	for _, err := range authLike {
		if !agent.isAuthFailure(err) {
			t.Errorf("isAuthFailure(%v) = false, want true", err)
		}
	}

	transient := []error{
		errors.New("connection reset"),
		&realtime.HTTPStatusError{StatusCode: http.StatusBadGateway},
		&negotiate.ExhaustedError{Attempts: 3, Err: errors.New("busy")},
	}
	for _, err := range transient {
		if agent.isAuthFailure(err) {
			t.Errorf("isAuthFailure(%v) = true, want false", err)
		}
	}
}

func TestSecretReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	if err := os.WriteFile(path, []byte("  file-secret\n"), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}

	fromFile := secretReader(config.Options{ClientSecretFile: path})
	got, err := fromFile()
	if err != nil {
		t.Fatalf("file reader error = %v", err)
	}
	if got != "file-secret" {
		t.Fatalf("file reader = %q, want trimmed content", got)
	}

	// Rotation on disk is visible on the next read without restart.
	if err := os.WriteFile(path, []byte("rotated"), 0o600); err != nil {
		t.Fatalf("rotate secret file: %v", err)
	}
	if got, _ := fromFile(); got != "rotated" {
		t.Fatalf("file reader after rotation = %q", got)
	}

	fromStatic := secretReader(config.Options{ClientSecret: " inline "})
	if got, _ := fromStatic(); got != "inline" {
		t.Fatalf("static reader = %q", got)
	}
}

func TestWatchSecretFile_TriggersRefreshOnRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	if err := os.WriteFile(path, []byte("v1"), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}

	probe := &refreshProbe{}
	manager := token.NewManager(probe, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher, err := watchSecretFile(ctx, path, manager, newTestLogger())
	if err != nil {
		t.Fatalf("watchSecretFile() error = %v", err)
	}
	defer watcher.Close()

	// Prime the cache, then rotate: the watcher must invalidate it so the
	// next acquisition re-reads credentials.
	if _, err := manager.Token(ctx); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("v2"), 0o600); err != nil {
		t.Fatalf("rotate secret file: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for probe.acquisitions() < 2 {
		if _, err := manager.Token(ctx); err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		select {
		case <-deadline:
			t.Fatal("rotation never invalidated the cached token")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

type refreshProbe struct {
	calls atomic.Int32
}

func (p *refreshProbe) Name() string { return "probe" }

func (p *refreshProbe) Acquire(context.Context, bool) (token.CachedToken, error) {
	p.calls.Add(1)
	return token.CachedToken{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (p *refreshProbe) acquisitions() int { return int(p.calls.Load()) }
