package portpilot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/portpilot/internal/testutil"
)

func TestHelperProcess(t *testing.T) { testutil.RunHelper() }

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func closeOnCleanup(t *testing.T, m *Manager) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
}

func TestManagerFacadeStartStop(t *testing.T) {
	requireUnix(t)
	m := New(Options{ReadyTimeout: 5 * time.Second})
	closeOnCleanup(t, m)

	cmd, env := testutil.Command(testutil.ModeServe)
	req := Request{Name: "pf1", Framework: "generic", Command: cmd, Env: env, Workspace: t.TempDir(), DesiredPort: testutil.FreePort(t)}
	h, err := m.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got, ok := m.Find(req.Workspace, req.DesiredPort); !ok || got != h {
		t.Fatalf("find did not return the started handle")
	}
	_, err = m.Start(context.Background(), req)
	if !IsBusy(err) || IsCancelled(err) {
		t.Fatalf("expected busy, got %v", err)
	}
	if se, ok := AsStartError(err); !ok || se.Kind.String() != "busy" {
		t.Fatalf("expected a busy StartError, got %v", err)
	}
	if err := m.Stop(context.Background(), h); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(m.Servers()) != 0 {
		t.Fatalf("servers left after stop")
	}
}

func TestNewFromConfig(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cmd, env := testutil.Command(testutil.ModeServe)
	port := testutil.FreePort(t)
	data := "history = [\"sqlite://" + filepath.Join(dir, "history.db") + "\"]\n" +
		"foreign_policy = \"cancel\"\n" +
		"[[servers]]\n" +
		"name = \"web\"\n" +
		"framework = \"generic\"\n" +
		"command = \"" + cmd + "\"\n" +
		"port = " + strconv.Itoa(port) + "\n" +
		"env = [\"" + strings.Join(env, "\", \"") + "\"]\n"
	path := filepath.Join(dir, "portpilot.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.ForeignPolicy != ForeignCancel {
		t.Fatalf("unexpected foreign policy %s", c.ForeignPolicy)
	}
	m, err := NewFromConfig(c, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	closeOnCleanup(t, m)

	req, err := c.Request("web")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	h, err := m.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.ResolvedPort() != port {
		t.Fatalf("resolved %d want %d", h.ResolvedPort(), port)
	}
}

func TestNewFromConfigBadHistory(t *testing.T) {
	c, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	c.File.History = []string{"mysql://nope"}
	if _, err := NewFromConfig(c, nil, nil); err == nil {
		t.Fatalf("expected error for unsupported history DSN")
	}
}

func TestHandlerAndMetrics(t *testing.T) {
	m := New(Options{})
	closeOnCleanup(t, m)
	if err := RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("register twice: %v", err)
	}
	rec := httptest.NewRecorder()
	Handler(m, "/api").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/servers", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("servers: %d %s", rec.Code, rec.Body.String())
	}
}
