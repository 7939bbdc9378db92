package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/portpilot"
	"github.com/loykin/portpilot/pkg/client"
	"github.com/mattn/go-isatty"
)

const (
	defaultConfigFile = "portpilot.toml"
	closeTimeout      = 15 * time.Second
)

// command carries what every subcommand needs; it is kept free of cobra so
// tests can drive it directly.
type command struct {
	global *GlobalFlags
	in     io.Reader
	out    io.Writer
}

// config loads --config, or ./portpilot.toml when present, and applies the log flags.
func (c command) config() (*portpilot.Config, error) {
	path := c.global.ConfigPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	cfg, err := portpilot.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if c.global.LogLevel != "" {
		cfg.File.Log.Level = c.global.LogLevel
	}
	if c.global.LogFormat != "" {
		cfg.File.Log.Format = c.global.LogFormat
	}
	return cfg, nil
}

func (c command) manager(cfg *portpilot.Config, provider portpilot.DecisionProvider) (*portpilot.Manager, error) {
	return portpilot.NewFromConfig(cfg, portpilot.NewLogger(cfg.File.Log), provider)
}

// provider answers conflict prompts: a fixed --answer, the terminal when
// stdin is interactive, or nil to let the manager pick an alternative port.
func (c command) provider(answer string) (portpilot.DecisionProvider, error) {
	if answer != "" {
		a, err := portpilot.ParseAction(answer)
		if err != nil {
			return nil, err
		}
		return portpilot.StaticDecision(a), nil
	}
	if f, ok := c.in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return newTerminalPrompt(f, c.out), nil
	}
	return nil, nil
}

func closeManager(m *portpilot.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = m.Close(ctx)
}

// startRequest builds the request from a named [[servers]] entry when given,
// with flags overriding it.
func startRequest(cfg *portpilot.Config, f StartFlags, args []string) (portpilot.Request, error) {
	var req portpilot.Request
	if len(args) > 0 {
		r, err := cfg.Request(args[0])
		if err != nil {
			return req, err
		}
		req = r
		req.Env = append([]string(nil), r.Env...)
	}
	if f.Name != "" {
		req.Name = f.Name
	}
	if f.Framework != "" {
		req.Framework = f.Framework
	}
	if f.Command != "" {
		req.Command = f.Command
	}
	if f.Dir != "" {
		req.Dir = f.Dir
	}
	if f.Workspace != "" {
		req.Workspace = f.Workspace
	}
	if f.Port != 0 {
		req.DesiredPort = f.Port
	}
	if f.ReadyTimeout != 0 {
		req.ReadyTimeout = f.ReadyTimeout
	}
	if f.Policy != "" {
		p, err := portpilot.ParsePolicy(f.Policy)
		if err != nil {
			return req, err
		}
		req.Policy = p
	}
	if f.ForeignPolicy != "" {
		p, err := portpilot.ParseForeignPolicy(f.ForeignPolicy)
		if err != nil {
			return req, err
		}
		req.ForeignPolicy = p
	}
	if f.UseOSEnv {
		req.Env = append(os.Environ(), req.Env...)
	}
	for _, file := range f.EnvFiles {
		kvs, err := portpilot.LoadEnvFile(file)
		if err != nil {
			return req, err
		}
		req.Env = append(req.Env, kvs...)
	}
	req.Env = append(req.Env, f.EnvKVs...)
	if req.Command == "" && req.Framework == "" {
		return req, errors.New("a configured server name, --command, or --framework is required")
	}
	return req, nil
}

// Start runs one server in the foreground, echoing its output until it
// exits or ctx ends, then stops it.
func (c command) Start(ctx context.Context, f StartFlags, args []string) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	req, err := startRequest(cfg, f, args)
	if err != nil {
		return err
	}
	provider, err := c.provider(f.Answer)
	if err != nil {
		return err
	}
	mgr, err := c.manager(cfg, provider)
	if err != nil {
		return err
	}
	defer closeManager(mgr)

	h, err := mgr.Start(ctx, req)
	if err != nil {
		return c.describeStartError(err)
	}
	info := h.Snapshot()
	_, _ = fmt.Fprintf(c.out, "%s ready at %s (pid %d)\n", info.Name, displayURL(info), info.PID)
	return c.follow(ctx, mgr, h)
}

func displayURL(info portpilot.Info) string {
	if info.URL != "" {
		return info.URL
	}
	return fmt.Sprintf("http://localhost:%d", info.ResolvedPort)
}

func (c command) describeStartError(err error) error {
	se, ok := portpilot.AsStartError(err)
	if !ok {
		return err
	}
	if se.StderrExcerpt != "" {
		_, _ = fmt.Fprintln(c.out, strings.TrimRight(se.StderrExcerpt, "\n"))
	}
	if len(se.Alternatives) > 0 {
		_, _ = fmt.Fprintf(c.out, "free ports nearby: %s\n", joinPorts(se.Alternatives))
	}
	return err
}

func (c command) follow(ctx context.Context, mgr *portpilot.Manager, h *portpilot.Handle) error {
	sub := h.Output().Subscribe(256)
	defer sub.Unsubscribe()
	lines := sub.C()
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			_, _ = fmt.Fprintln(c.out, l.Text)
		case <-h.Done():
			if lines != nil {
				for l := range lines {
					_, _ = fmt.Fprintln(c.out, l.Text)
				}
			}
			if _, code := h.Exited(); code != 0 {
				return fmt.Errorf("%s exited with code %d", h.Snapshot().Name, code)
			}
			return nil
		case <-ctx.Done():
			rep, err := mgr.StopReport(context.WithoutCancel(ctx), h)
			if err != nil {
				return err
			}
			if rep.Warning != nil {
				_, _ = fmt.Fprintln(c.out, "warning:", rep.Warning)
			}
			return nil
		}
	}
}

// Probe reports whether port is free and suggests alternatives.
func (c command) Probe(ctx context.Context, port int, f ProbeFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	mgr, err := c.manager(cfg, nil)
	if err != nil {
		return err
	}
	defer closeManager(mgr)

	st, err := mgr.Who(ctx, port)
	if err != nil {
		return err
	}
	out := struct {
		Port         int   `json:"port"`
		Available    bool  `json:"available"`
		Alternatives []int `json:"alternatives,omitempty"`
	}{Port: port, Available: st.Available}
	if !st.Available {
		out.Alternatives = mgr.Alternatives(port, f.Framework, f.Count)
	}
	printJSON(c.out, out)
	return nil
}

// Who prints the occupant of port.
func (c command) Who(ctx context.Context, port int) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	mgr, err := c.manager(cfg, nil)
	if err != nil {
		return err
	}
	defer closeManager(mgr)

	st, err := mgr.Who(ctx, port)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// Free stops whatever listens on port.
func (c command) Free(ctx context.Context, port int) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	mgr, err := c.manager(cfg, nil)
	if err != nil {
		return err
	}
	defer closeManager(mgr)

	rep, err := mgr.Free(ctx, port)
	if err != nil {
		return err
	}
	switch {
	case rep.Skipped:
		_, _ = fmt.Fprintf(c.out, "port %d is already free\n", port)
	case rep.Warning != nil:
		_, _ = fmt.Fprintln(c.out, "warning:", rep.Warning)
	default:
		_, _ = fmt.Fprintf(c.out, "port %d freed\n", port)
	}
	return nil
}

// Serve runs the HTTP API until ctx ends.
func (c command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	listen := cfg.File.Server.Listen
	if f.Listen != "" {
		listen = f.Listen
	}
	base := cfg.File.Server.BasePath
	if f.BasePath != "" {
		base = f.BasePath
	}
	mgr, err := c.manager(cfg, nil)
	if err != nil {
		return err
	}
	defer closeManager(mgr)

	protocol := "HTTP"
	var server *http.Server
	if tc := cfg.ServerTLS(); tc.Enabled {
		protocol = "HTTPS"
		server, err = portpilot.NewTLSServer(listen, base, mgr, tc)
	} else {
		server, err = portpilot.NewHTTPServer(listen, base, mgr)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s server: %w", protocol, err)
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}
	_, _ = fmt.Fprintf(c.out, "Starting portpilot %s server on %s%s\n", protocol, listen, base)

	<-ctx.Done()
	_, _ = fmt.Fprintln(c.out, "Shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (f RemoteFlags) client() *client.Client {
	cfg := client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Insecure: f.Insecure}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	return client.New(cfg)
}

// List prints the servers a running daemon manages.
func (c command) List(ctx context.Context, f RemoteFlags) error {
	api := f.client()
	if !api.IsReachable(ctx) {
		return fmt.Errorf("portpilot daemon not reachable at %s", api.BaseURL())
	}
	servers, err := api.Servers(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, servers)
	return nil
}

// Stop stops one server on a running daemon.
func (c command) Stop(ctx context.Context, f StopFlags) error {
	if f.ID == "" && (f.Workspace == "" || f.Port == 0) {
		return errors.New("--id or --workspace with --port is required")
	}
	if f.Workspace != "" {
		abs, err := filepath.Abs(f.Workspace)
		if err != nil {
			return err
		}
		f.Workspace = abs
	}
	res, err := f.client().Stop(ctx, client.Selector{ID: f.ID, Workspace: f.Workspace, Port: f.Port})
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}
