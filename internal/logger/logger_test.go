package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func writeAndClose(t *testing.T, w io.WriteCloser, s string) {
	t.Helper()
	if w == nil {
		return
	}
	if _, err := io.WriteString(w, s); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()
}

func TestServerOutputFiles(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]struct {
		cfg              FileConfig
		wantOut, wantErr string
	}{
		"dir derives names from the server": {
			cfg:     FileConfig{Dir: filepath.Join(dir, "logs")},
			wantOut: filepath.Join(dir, "logs", "vite-5173.stdout.log"),
			wantErr: filepath.Join(dir, "logs", "vite-5173.stderr.log"),
		},
		"explicit paths win over dir": {
			cfg:     FileConfig{Dir: dir, StdoutPath: filepath.Join(dir, "web.out"), StderrPath: filepath.Join(dir, "web.err")},
			wantOut: filepath.Join(dir, "web.out"),
			wantErr: filepath.Join(dir, "web.err"),
		},
		"stdout only": {
			cfg:     FileConfig{StdoutPath: filepath.Join(dir, "only.out")},
			wantOut: filepath.Join(dir, "only.out"),
		},
		"stderr only": {
			cfg:     FileConfig{StderrPath: filepath.Join(dir, "only.err")},
			wantErr: filepath.Join(dir, "only.err"),
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if !tc.cfg.Enabled() {
				t.Fatalf("config should count as enabled")
			}
			outW, errW, err := tc.cfg.Writers("vite-5173")
			if err != nil {
				t.Fatalf("writers: %v", err)
			}
			if (outW != nil) != (tc.wantOut != "") || (errW != nil) != (tc.wantErr != "") {
				t.Fatalf("unexpected writers: stdout=%v stderr=%v", outW != nil, errW != nil)
			}
			writeAndClose(t, outW, "VITE ready in 300 ms\n")
			writeAndClose(t, errW, "port 5173 is in use\n")
			for _, p := range []string{tc.wantOut, tc.wantErr} {
				if p == "" {
					continue
				}
				if _, err := os.Stat(p); err != nil {
					t.Fatalf("expected %s: %v", p, err)
				}
			}
		})
	}
}

func TestServerOutputDisabled(t *testing.T) {
	var fc FileConfig
	if fc.Enabled() {
		t.Fatalf("zero config must be disabled")
	}
	outW, errW, err := fc.Writers("next-3000")
	if err != nil || outW != nil || errW != nil {
		t.Fatalf("expected no writers, got %v %v %v", outW, errW, err)
	}
}

func TestServerOutputRotation(t *testing.T) {
	dir := t.TempDir()
	outW, _, _ := FileConfig{Dir: dir}.Writers("astro-4321")
	l, ok := outW.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is %T, want lumberjack", outW)
	}
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays || l.Compress {
		t.Fatalf("unexpected defaults: %+v", l)
	}
	_ = l.Close()

	outW, _, _ = FileConfig{Dir: dir, MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 2, Compress: true}.Writers("astro-4321")
	l = outW.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 2 || !l.Compress {
		t.Fatalf("overrides not applied: %+v", l)
	}
	_ = l.Close()
}

func TestNew_FormatsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn"}, &buf)
	l.Info("hidden")
	l.Warn("port still bound", "port", 3000)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "port=3000") || strings.Contains(out, "time=") {
		t.Fatalf("unexpected text output: %q", out)
	}

	buf.Reset()
	New(Config{Format: "json", Level: "debug"}, &buf).Debug("scan", "port", 5173)
	if !strings.Contains(buf.String(), `"port":5173`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Color: true}, &buf).With("component", "negotiate")
	l.Error("stop failed")
	out := buf.String()
	if !strings.HasPrefix(out, "\033[31mERROR\033[0m ") {
		t.Fatalf("level should lead the line in color: %q", out)
	}
	if strings.Contains(out, `\x1b`) || strings.Contains(out, "level=") {
		t.Fatalf("color codes must not be escaped into attributes: %q", out)
	}
	if !strings.Contains(out, `msg="stop failed"`) || !strings.Contains(out, "component=negotiate") {
		t.Fatalf("unexpected colored output: %q", out)
	}

	buf.Reset()
	l.Info("ready")
	if !strings.HasPrefix(buf.String(), "\033[32mINFO \033[0m msg=ready") {
		t.Fatalf("unexpected info line: %q", buf.String())
	}
}

func TestColorTextHandlerConcurrentLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Color: true, Level: "debug"}, &buf)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.With("server", "vite").Debug("line")
		}()
	}
	wg.Wait()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.HasPrefix(line, "\033[36mDEBUG\033[0m msg=line") {
			t.Fatalf("prefix and record interleaved: %q", line)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
