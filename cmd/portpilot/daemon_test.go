package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "portpilot.pid")
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile failed: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil || string(b) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("unexpected pid file: %q %v", b, err)
	}
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("PID file was not removed")
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty pid file should be a no-op: %v", err)
	}
}

func TestDaemonArgs(t *testing.T) {
	in := []string{"serve", "--daemonize", "--logfile", "/tmp/pp.log", "--pidfile=/tmp/old.pid", "--listen", ":7171"}
	got := strings.Join(daemonArgs(in, "/tmp/pp.pid"), " ")
	if got != "serve --listen :7171 --pidfile /tmp/pp.pid" {
		t.Fatalf("unexpected args: %s", got)
	}
}
