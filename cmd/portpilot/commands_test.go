package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/portpilot"
	"github.com/loykin/portpilot/internal/testutil"
	"github.com/loykin/portpilot/pkg/client"
)

func TestHelperProcess(t *testing.T) { testutil.RunHelper() }

// syncBuffer is a bytes.Buffer safe for the writer goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "portpilot.toml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func newCommand(t *testing.T, configBody string, out *syncBuffer) command {
	t.Helper()
	return command{
		global: &GlobalFlags{ConfigPath: writeConfig(t, configBody), LogLevel: "error"},
		in:     strings.NewReader(""),
		out:    out,
	}
}

func TestStartRequestMergesConfigAndFlags(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("FROM_FILE=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := portpilot.LoadConfig(writeConfig(t, `
[[servers]]
name = "web"
framework = "vite"
dir = "/srv/web"
port = 5173
env = ["MODE=dev"]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	req, err := startRequest(cfg, StartFlags{
		Port:          5180,
		Policy:        "Aggressive",
		ForeignPolicy: "cancel",
		EnvFiles:      []string{envFile},
		EnvKVs:        []string{"EXTRA=2"},
	}, []string{"web"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Name != "web" || req.Framework != "vite" || req.Dir != "/srv/web" || req.DesiredPort != 5180 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Policy != portpilot.PolicyAggressive || req.ForeignPolicy != portpilot.ForeignCancel {
		t.Fatalf("unexpected policies: %s %s", req.Policy, req.ForeignPolicy)
	}
	if got := strings.Join(req.Env, ","); got != "MODE=dev,FROM_FILE=1,EXTRA=2" {
		t.Fatalf("unexpected env order: %s", got)
	}
}

func TestStartRequestErrors(t *testing.T) {
	cfg, err := portpilot.LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := map[string]struct {
		flags StartFlags
		args  []string
	}{
		"nothing to run":  {flags: StartFlags{Port: 3000}},
		"unknown server":  {args: []string{"api"}},
		"bad policy":      {flags: StartFlags{Command: "true", Policy: "polite"}},
		"bad foreign":     {flags: StartFlags{Command: "true", ForeignPolicy: "nuke"}},
		"missing envfile": {flags: StartFlags{Command: "true", EnvFiles: []string{"/nonexistent/.env"}}},
	}
	for name, tc := range cases {
		if _, err := startRequest(cfg, tc.flags, tc.args); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestProviderSelection(t *testing.T) {
	c := command{global: &GlobalFlags{}, in: strings.NewReader(""), out: &bytes.Buffer{}}
	p, err := c.provider("stop")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	a, _ := p.Decide(context.Background(), portpilot.Prompt{})
	if a != portpilot.ActionStopOther {
		t.Fatalf("static answer ignored: %v", a)
	}
	if _, err := c.provider("maybe"); err == nil {
		t.Fatalf("expected error for unknown answer")
	}
	p, err = c.provider("")
	if err != nil || p != nil {
		t.Fatalf("non-terminal stdin should leave the default provider: %v %v", p, err)
	}
}

func TestProbeAndWho(t *testing.T) {
	out := &syncBuffer{}
	c := newCommand(t, `excluded_ports = []`, out)
	port, _ := testutil.Occupy(t)

	if err := c.Probe(context.Background(), port, ProbeFlags{Count: 2}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	var res struct {
		Port         int   `json:"port"`
		Available    bool  `json:"available"`
		Alternatives []int `json:"alternatives"`
	}
	if err := json.Unmarshal([]byte(out.String()), &res); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if res.Available || res.Port != port || len(res.Alternatives) == 0 || len(res.Alternatives) > 2 {
		t.Fatalf("unexpected probe result: %+v", res)
	}

	out2 := &syncBuffer{}
	c.out = out2
	free := testutil.FreePort(t)
	if err := c.Who(context.Background(), free); err != nil {
		t.Fatalf("who: %v", err)
	}
	var st portpilot.PortStatus
	if err := json.Unmarshal([]byte(out2.String()), &st); err != nil || !st.Available {
		t.Fatalf("unexpected who output: %v %s", err, out2.String())
	}
}

func TestFreeOnFreePort(t *testing.T) {
	out := &syncBuffer{}
	c := newCommand(t, ``, out)
	port := testutil.FreePort(t)
	if err := c.Free(context.Background(), port); err != nil {
		t.Fatalf("free: %v", err)
	}
	if !strings.Contains(out.String(), "already free") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestStartForegroundUntilCancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper servers rely on unix signals")
	}
	out := &syncBuffer{}
	c := newCommand(t, `
[shutdown]
interrupt_wait = "1s"
terminate_wait = "500ms"
`, out)
	cmdline, env := testutil.Command(testutil.ModeServe)
	port := testutil.FreePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, StartFlags{
			Name:         "helper",
			Framework:    "generic",
			Command:      cmdline,
			EnvKVs:       env,
			Workspace:    t.TempDir(),
			Port:         port,
			ReadyTimeout: 5 * time.Second,
		}, nil)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(out.String(), "ready on http://localhost:"+strconv.Itoa(port)) {
		if time.Now().After(deadline) {
			t.Fatalf("server output never arrived: %s", out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "helper ready at") {
		t.Fatalf("missing ready banner: %s", out.String())
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("start did not return after cancel")
	}
}

func TestStartReportsCrash(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper servers rely on unix signals")
	}
	out := &syncBuffer{}
	c := newCommand(t, ``, out)
	cmdline, env := testutil.Command(testutil.ModeCrash, "cannot", "find", "module")
	err := c.Start(context.Background(), StartFlags{
		Framework: "generic",
		Command:   cmdline,
		EnvKVs:    env,
		Workspace: t.TempDir(),
		Port:      testutil.FreePort(t),
	}, nil)
	if err == nil {
		t.Fatalf("expected crash to fail the start")
	}
	if !strings.Contains(out.String(), "cannot find module") {
		t.Fatalf("stderr excerpt not printed: %s", out.String())
	}
}

func TestServeUntilCancelled(t *testing.T) {
	out := &syncBuffer{}
	c := newCommand(t, ``, out)
	addr := "127.0.0.1:" + strconv.Itoa(testutil.FreePort(t))
	pidFile := filepath.Join(t.TempDir(), "serve.pid")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, ServeFlags{Listen: addr, BasePath: "/pp", PidFile: pidFile}) }()

	api := client.New(client.Config{BaseURL: "http://" + addr + "/pp", Timeout: time.Second})
	deadline := time.Now().Add(5 * time.Second)
	for !api.IsReachable(ctx) {
		if time.Now().After(deadline) {
			t.Fatalf("daemon never came up: %s", out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := os.Stat(pidFile); err != nil {
		t.Fatalf("pid file missing: %v", err)
	}
	list := &syncBuffer{}
	remote := command{global: &GlobalFlags{}, out: list}
	if err := remote.List(ctx, RemoteFlags{APIUrl: "http://" + addr + "/pp"}); err != nil {
		t.Fatalf("ps: %v", err)
	}
	if strings.TrimSpace(list.String()) != "[]" {
		t.Fatalf("unexpected server list: %s", list.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not stop")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed on shutdown")
	}
	if !strings.Contains(out.String(), "Starting portpilot HTTP server") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}
