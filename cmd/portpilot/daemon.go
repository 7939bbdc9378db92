package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// daemonize re-executes serve in the background without --daemonize and
// exits the parent.
func daemonize(pidFile string, logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	args := daemonArgs(os.Args[1:], pidFile)

	// #nosec 204
	cmd := exec.Command(executable, args...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec 304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		cmd.Stdout = logF
		cmd.Stderr = logF
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

// daemonArgs drops the flags only the parent acts on. The child writes the
// pid file itself so it can remove it on shutdown.
func daemonArgs(in []string, pidFile string) []string {
	var out []string
	skipNext := false
	for _, arg := range in {
		if skipNext {
			skipNext = false
			continue
		}
		switch arg {
		case "--daemonize":
			continue
		case "--pidfile", "--logfile":
			skipNext = true
			continue
		}
		if strings.HasPrefix(arg, "--pidfile=") || strings.HasPrefix(arg, "--logfile=") {
			continue
		}
		out = append(out, arg)
	}
	if pidFile != "" {
		out = append(out, "--pidfile", pidFile)
	}
	return out
}

// writePidFile writes the daemon PID to a file
func writePidFile(pidFile string, pid int) error {
	// #nosec 302
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// removePidFile removes the PID file
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
