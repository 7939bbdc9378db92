package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/portpilot/internal/framework"
	"github.com/loykin/portpilot/internal/history"
	"github.com/loykin/portpilot/internal/logger"
	"github.com/loykin/portpilot/internal/manager"
	"github.com/loykin/portpilot/internal/model"
	tlsconf "github.com/loykin/portpilot/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PORTPILOT_FOREIGN_POLICY.
const EnvPrefix = "PORTPILOT"

// FileConfig represents the top-level TOML structure.
//
//	port_conflict_resolution = "ask"
//	foreign_policy = "alternative"
//	excluded_ports = [5432]
//
//	[[frameworks]]
//	name = "astro"
//	default_port = 4321
//
//	[[servers]]
//	name = "web"
//	framework = "vite"
//	dir = "./web"
type FileConfig struct {
	PortConflictResolution string        `toml:"port_conflict_resolution" mapstructure:"port_conflict_resolution"`
	ForeignPolicy          string        `toml:"foreign_policy" mapstructure:"foreign_policy"`
	ExcludedPorts          []int         `toml:"excluded_ports" mapstructure:"excluded_ports"`
	ReadyTimeout           time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	Hosts                  []string      `toml:"hosts" mapstructure:"hosts"`
	MaxScan                int           `toml:"max_scan" mapstructure:"max_scan"`
	ReleaseRetries         int           `toml:"release_retries" mapstructure:"release_retries"`
	ReleaseInterval        time.Duration `toml:"release_interval" mapstructure:"release_interval"`
	Workspaces             []string      `toml:"workspaces" mapstructure:"workspaces"`

	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	// History lists sink DSNs, see history/factory.
	History []string `toml:"history" mapstructure:"history"`

	Log        logger.Config     `toml:"log" mapstructure:"log"`
	Shutdown   ShutdownConfig    `toml:"shutdown" mapstructure:"shutdown"`
	Server     ServerConfig      `toml:"server" mapstructure:"server"`
	Metrics    MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	Frameworks []FrameworkConfig `toml:"frameworks" mapstructure:"frameworks"`
	Servers    []ServerEntry     `toml:"servers" mapstructure:"servers"`
}

// ShutdownConfig sets the waits of the interrupt, terminate, kill plan.
type ShutdownConfig struct {
	InterruptWait time.Duration `toml:"interrupt_wait" mapstructure:"interrupt_wait"`
	TerminateWait time.Duration `toml:"terminate_wait" mapstructure:"terminate_wait"`
}

// ServerConfig configures the HTTP API started by `portpilot serve`.
type ServerConfig struct {
	Listen   string         `toml:"listen" mapstructure:"listen"`
	BasePath string         `toml:"base_path" mapstructure:"base_path"`
	TLS      tlsconf.Config `toml:"tls" mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled       bool          `toml:"enabled" mapstructure:"enabled"`
	UsageInterval time.Duration `toml:"usage_interval" mapstructure:"usage_interval"`
}

// FrameworkConfig adds a framework to the catalogue or overrides a built-in one.
type FrameworkConfig struct {
	Name          string   `toml:"name" mapstructure:"name"`
	DefaultPort   int      `toml:"default_port" mapstructure:"default_port"`
	Alternates    []int    `toml:"alternates" mapstructure:"alternates"`
	Command       string   `toml:"command" mapstructure:"command"`
	Signatures    []string `toml:"signatures" mapstructure:"signatures"`
	ReadyPatterns []string `toml:"ready_patterns" mapstructure:"ready_patterns"`
	PortArgs      []string `toml:"port_args" mapstructure:"port_args"`
}

// ServerEntry is a named dev server that `portpilot start <name>` can launch.
type ServerEntry struct {
	Name          string        `toml:"name" mapstructure:"name"`
	Framework     string        `toml:"framework" mapstructure:"framework"`
	Command       string        `toml:"command" mapstructure:"command"`
	Args          []string      `toml:"args" mapstructure:"args"`
	Dir           string        `toml:"dir" mapstructure:"dir"`
	Port          int           `toml:"port" mapstructure:"port"`
	Env           []string      `toml:"env" mapstructure:"env"`
	Policy        string        `toml:"port_conflict_resolution" mapstructure:"port_conflict_resolution"`
	ForeignPolicy string        `toml:"foreign_policy" mapstructure:"foreign_policy"`
	ReadyTimeout  time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
}

// Config is a loaded and validated configuration.
type Config struct {
	File          FileConfig
	Policy        model.Policy
	ForeignPolicy model.ForeignPolicy
	Frameworks    []framework.Framework
	// Env is the merged global environment: OS (optional), env_files, then env.
	Env []string
	// Path is the file the configuration came from, empty for defaults only.
	Path string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port_conflict_resolution", string(model.PolicyAsk))
	v.SetDefault("foreign_policy", string(model.ForeignAlternative))
	v.SetDefault("ready_timeout", "10s")
	v.SetDefault("release_retries", 3)
	v.SetDefault("release_interval", "1s")
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("shutdown.interrupt_wait", "3s")
	v.SetDefault("shutdown.terminate_wait", "2s")
	v.SetDefault("server.listen", "127.0.0.1:7171")
	v.SetDefault("server.base_path", "/api")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the TOML file at path. An empty path yields the defaults plus
// PORTPILOT_ environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg := &Config{File: fc, Path: path}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	env, err := globalEnv(fc, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.Env = env
	return cfg, nil
}

func (c *Config) validate() error {
	var err error
	fc := c.File
	if c.Policy, err = model.ParsePolicy(fc.PortConflictResolution); err != nil {
		return err
	}
	if c.ForeignPolicy, err = model.ParseForeignPolicy(fc.ForeignPolicy); err != nil {
		return err
	}
	for _, p := range fc.ExcludedPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("excluded_ports: invalid port %d", p)
		}
	}
	if err := fc.Server.TLS.Validate(); err != nil {
		return err
	}
	for _, f := range fc.Frameworks {
		fw, err := f.build()
		if err != nil {
			return err
		}
		c.Frameworks = append(c.Frameworks, fw)
	}
	seen := make(map[string]bool, len(fc.Servers))
	for _, s := range fc.Servers {
		if s.Name == "" {
			return errors.New("server entry requires name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server %q", s.Name)
		}
		seen[s.Name] = true
		if s.Command == "" && s.Framework == "" {
			return fmt.Errorf("server %s needs a command or a framework", s.Name)
		}
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("server %s: invalid port %d", s.Name, s.Port)
		}
		if s.Policy != "" {
			if _, err := model.ParsePolicy(s.Policy); err != nil {
				return fmt.Errorf("server %s: %w", s.Name, err)
			}
		}
		if s.ForeignPolicy != "" {
			if _, err := model.ParseForeignPolicy(s.ForeignPolicy); err != nil {
				return fmt.Errorf("server %s: %w", s.Name, err)
			}
		}
	}
	return nil
}

func (f FrameworkConfig) build() (framework.Framework, error) {
	if strings.TrimSpace(f.Name) == "" {
		return framework.Framework{}, errors.New("framework entry requires name")
	}
	if f.DefaultPort < 0 || f.DefaultPort > 65535 {
		return framework.Framework{}, fmt.Errorf("framework %s: invalid default_port %d", f.Name, f.DefaultPort)
	}
	fw := framework.Framework{
		Name:        f.Name,
		DefaultPort: f.DefaultPort,
		Alternates:  f.Alternates,
		Command:     f.Command,
		PortArgs:    f.PortArgs,
	}
	for _, s := range f.Signatures {
		fw.Signatures = append(fw.Signatures, framework.ParseSignature(s))
	}
	for _, p := range f.ReadyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return framework.Framework{}, fmt.Errorf("framework %s: ready pattern %q: %w", f.Name, p, err)
		}
		fw.ReadyPatterns = append(fw.ReadyPatterns, re)
	}
	return fw, nil
}

// ShutdownPlan returns interrupt, terminate, kill with the configured waits.
func (c *Config) ShutdownPlan() model.ShutdownPlan {
	plan := model.DefaultShutdownPlan()
	if w := c.File.Shutdown.InterruptWait; w > 0 {
		plan[0].Wait = w
	}
	if w := c.File.Shutdown.TerminateWait; w > 0 {
		plan[1].Wait = w
	}
	return plan
}

// ManagerOptions converts the configuration. The caller opens history sinks
// and supplies the decision provider.
func (c *Config) ManagerOptions(log *slog.Logger, sinks ...history.Sink) manager.Options {
	fc := c.File
	return manager.Options{
		Policy:          c.Policy,
		ForeignPolicy:   c.ForeignPolicy,
		ExcludedPorts:   fc.ExcludedPorts,
		ReadyTimeout:    fc.ReadyTimeout,
		ShutdownPlan:    c.ShutdownPlan(),
		Hosts:           fc.Hosts,
		MaxScan:         fc.MaxScan,
		ReleaseRetries:  fc.ReleaseRetries,
		ReleaseInterval: fc.ReleaseInterval,
		Env:             c.Env,
		Frameworks:      c.Frameworks,
		Workspaces:      c.resolve(fc.Workspaces...),
		Log:             fc.Log.File,
		Sinks:           sinks,
		UsageInterval:   fc.Metrics.UsageInterval,
		Logger:          log,
	}
}

// Request builds the start request for the named server entry. Relative
// directories are resolved against the configuration file.
func (c *Config) Request(name string) (manager.Request, error) {
	for _, s := range c.File.Servers {
		if s.Name != name {
			continue
		}
		dir := ""
		if s.Dir != "" {
			dir = c.resolve(s.Dir)[0]
		}
		return manager.Request{
			Name:          s.Name,
			Framework:     s.Framework,
			Command:       s.Command,
			Args:          s.Args,
			Dir:           dir,
			DesiredPort:   s.Port,
			Env:           s.Env,
			Policy:        model.Policy(strings.ToLower(s.Policy)),
			ForeignPolicy: model.ForeignPolicy(strings.ToLower(s.ForeignPolicy)),
			ReadyTimeout:  s.ReadyTimeout,
		}, nil
	}
	return manager.Request{}, fmt.Errorf("no server named %q in config", name)
}

// ServerTLS returns the [server.tls] section with paths resolved against the
// config file's directory.
func (c *Config) ServerTLS() tlsconf.Config {
	t := c.File.Server.TLS
	if t.CertFile != "" {
		t.CertFile = c.resolve(t.CertFile)[0]
	}
	if t.KeyFile != "" {
		t.KeyFile = c.resolve(t.KeyFile)[0]
	}
	if t.Dir != "" {
		t.Dir = c.resolve(t.Dir)[0]
	}
	return t
}

// ServerNames lists the configured server entries in file order.
func (c *Config) ServerNames() []string {
	out := make([]string, 0, len(c.File.Servers))
	for _, s := range c.File.Servers {
		out = append(out, s.Name)
	}
	return out
}

func (c *Config) resolve(paths ...string) []string {
	base := "."
	if c.Path != "" {
		base = filepath.Dir(c.Path)
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}

// LoadGlobalEnv merges env from config: top-level env, env_files contents, and optionally OS env when UseOSEnv is true.
// Precedence: OS env (when enabled) provides base; then apply file vars; then top-level env list overrides last.
func LoadGlobalEnv(path string) ([]string, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return cfg.Env, nil
}

func globalEnv(fc FileConfig, base string) ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				set(k, v)
			}
		}
	}
	for _, p := range fc.EnvFiles {
		if !filepath.IsAbs(p) && base != "" {
			p = filepath.Join(base, p)
		}
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range fc.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			set(k, v)
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	pairs, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, kv[0]+"="+kv[1])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines in file order. Lines starting with #
// are ignored, as is a leading "export ". Matching surrounding quotes are
// stripped from values.
func loadEnvFile(path string) ([][2]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		if k != "" {
			out = append(out, [2]string{k, v})
		}
	}
	return out, nil
}
