package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/taskmirror/internal/config"
	"github.com/agentworkforce/taskmirror/internal/session"
	"github.com/agentworkforce/taskmirror/internal/tasks"
)

const (
	paintID = "0b7e5e8a-3f0c-4a43-9f6e-2a1d4c5b6e7f"
	walkID  = "5d1c2b3a-4e5f-4a6b-8c7d-9e0f1a2b3c4d"
)

type fakeAPI struct {
	mu      sync.Mutex
	auth    []string
	applies []map[string]any
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/api/tasks/available":
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"results":[
			{"id":%q,"title":"Paint fence","address":"Leeds","budget_min":20,"budget_max":40,"poster":{"display_name":"Sam"}},
			{"id":%q,"title":"Walk dog","status":"open"}
		]}`, paintID, walkID)
	case strings.HasPrefix(r.URL.Path, "/errands/") && r.Method == http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.applies = append(f.applies, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.auth)
}

func (f *fakeAPI) authHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.auth...)
}

func (f *fakeAPI) offers() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.applies...)
}

func setupEnv(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	t.Setenv("TASKMIRROR_CONFIG", "")
	t.Setenv("TASKMIRROR_BASE_URL", server.URL)
	t.Setenv("TASKMIRROR_STORAGE_DSN", "memory://"+strings.ToLower(t.Name()))
	t.Setenv("TASKMIRROR_MAX_RETRIES", "0")
	return api
}

func mustToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out, log.New(io.Discard, "", 0))
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRefreshWithoutLoginRequiresAuthentication(t *testing.T) {
	api := setupEnv(t)

	out, err := runCLI(t, "refresh")
	if !errors.Is(err, session.ErrAuthenticationRequired) {
		t.Fatalf("expected authentication required, got %v", err)
	}
	if !strings.Contains(out, "No tasks available.") {
		t.Fatalf("expected empty list output, got %q", out)
	}
	if api.calls() != 0 {
		t.Fatalf("expected no network calls without credentials, got %d", api.calls())
	}
}

func TestLoginRefreshWithdrawList(t *testing.T) {
	api := setupEnv(t)
	token := mustToken(t, time.Now().Add(time.Hour))

	out, err := runCLI(t, "login", "--access", token, "--refresh", "refresh-1")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !strings.Contains(out, "Logged in") {
		t.Fatalf("unexpected login output %q", out)
	}

	out, err = runCLI(t, "refresh")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	for _, want := range []string{"Paint fence", "Sam", "Leeds", "20.00-40.00", "Walk dog"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected refresh output to contain %q:\n%s", want, out)
		}
	}
	if got := api.authHeaders()[0]; got != "Bearer "+token {
		t.Fatalf("expected bearer token, got %q", got)
	}

	out, err = runCLI(t, "withdraw", paintID)
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if !strings.Contains(out, `Withdrew "Paint fence".`) {
		t.Fatalf("unexpected withdraw output %q", out)
	}

	calls := api.calls()
	out, err = runCLI(t, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.Contains(out, "Paint fence") || !strings.Contains(out, "Walk dog") {
		t.Fatalf("expected only the remaining task in list output:\n%s", out)
	}
	if api.calls() != calls {
		t.Fatalf("list must not contact the server")
	}

	out, err = runCLI(t, "list", "--json")
	if err != nil {
		t.Fatalf("list --json failed: %v", err)
	}
	var snap struct {
		Tasks []tasks.Record `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("decode json output: %v", err)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].ID != walkID {
		t.Fatalf("unexpected json tasks %+v", snap.Tasks)
	}
}

func TestWithdrawRejectsInvalidIdentity(t *testing.T) {
	setupEnv(t)
	_, err := runCLI(t, "withdraw", "42")
	if !errors.Is(err, tasks.ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
	if !strings.Contains(err.Error(), "lowercase UUIDs") {
		t.Fatalf("expected hint in error, got %v", err)
	}
}

func TestApplySendsOffer(t *testing.T) {
	api := setupEnv(t)
	if _, err := runCLI(t, "login", "--access", mustToken(t, time.Now().Add(time.Hour)), "--refresh", "r"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if _, err := runCLI(t, "apply", "not-a-uuid", "--offer", "10"); !errors.Is(err, tasks.ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
	if api.calls() != 0 {
		t.Fatalf("expected no request for an invalid id")
	}

	out, err := runCLI(t, "apply", walkID, "--offer", "12.5", "--message", " happy to help ")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !strings.Contains(out, "Offer sent") {
		t.Fatalf("unexpected apply output %q", out)
	}
	offers := api.offers()
	if len(offers) != 1 || offers[0]["offer_amount"] != 12.5 || offers[0]["message"] != "happy to help" {
		t.Fatalf("unexpected apply body %+v", offers)
	}
}

func TestLogoutPurgeClearsCache(t *testing.T) {
	setupEnv(t)
	if _, err := runCLI(t, "login", "--access", mustToken(t, time.Now().Add(time.Hour)), "--refresh", "r"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := runCLI(t, "refresh"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if _, err := runCLI(t, "logout", "--purge"); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	out, err := runCLI(t, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "No tasks available.") {
		t.Fatalf("expected empty cache after purge, got %q", out)
	}
	if _, err := runCLI(t, "refresh"); !errors.Is(err, session.ErrAuthenticationRequired) {
		t.Fatalf("expected credentials to be gone, got %v", err)
	}
}

func TestServeFeedStopsOnCancel(t *testing.T) {
	setupEnv(t)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	rt, err := openRuntime(cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	engine, err := rt.newEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveFeed(ctx, rt, engine, listener) }()

	resp, err := http.Get("http://" + listener.Addr().String() + "/health")
	if err != nil {
		cancel()
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop after cancel")
	}
}

func TestRedactDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://user:secret@db:5432/app": "postgres://***@db:5432/app",
		"redis://:pw@cache:6379/0":           "redis://***@cache:6379/0",
		"~/.config/taskmirror/store":         "~/.config/taskmirror/store",
	}
	for in, want := range cases {
		if got := redactDSN(in); got != want {
			t.Fatalf("redactDSN(%q) = %q, want %q", in, got, want)
		}
	}
}
