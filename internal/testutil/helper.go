// Package testutil turns a package's test binary into a scriptable dev server
// so lifecycle tests can spawn real child processes.
//
// A test package opts in with:
//
//	func TestHelperProcess(t *testing.T) { testutil.RunHelper() }
package testutil

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

const envKey = "GO_WANT_HELPER_PROCESS"

// Modes understood by RunHelper.
const (
	// ModeServe listens on PORT and prints "ready on http://localhost:<port>/".
	ModeServe = "serve"
	// ModeStubborn listens on PORT, ignores interrupt and terminate.
	ModeStubborn = "stubborn"
	// ModeQuiet prints nothing and never binds.
	ModeQuiet = "quiet"
	// ModeCrash writes its argument to stderr and exits 3.
	ModeCrash = "crash"
	// ModeEnv prints the value of the named variable and stays up.
	ModeEnv = "env"
	// ModeStdin reads stdin to EOF, prints "stdin: <n> bytes" and stays up.
	ModeStdin = "stdin"
)

// Command returns a command line that re-executes the current test binary in
// the given mode, plus the environment entry that activates it.
func Command(mode string, args ...string) (string, []string) {
	parts := append([]string{os.Args[0], "-test.run=^TestHelperProcess$", "--", mode}, args...)
	return strings.Join(parts, " "), []string{envKey + "=1"}
}

// RunHelper does nothing in a normal test run. In a helper child it runs the
// requested mode and exits.
func RunHelper() {
	if os.Getenv(envKey) != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "helper: no mode")
		os.Exit(2)
	}
	switch args[0] {
	case ModeServe:
		ln := listen()
		fmt.Printf("ready on http://localhost:%d/\n", ln.Addr().(*net.TCPAddr).Port)
		waitSignal()
		_ = ln.Close()
		os.Exit(0)
	case ModeStubborn:
		signal.Ignore(syscall.SIGINT, syscall.SIGTERM)
		_ = listen()
		fmt.Println("stubborn server up")
		for {
			time.Sleep(time.Hour)
		}
	case ModeQuiet:
		for {
			time.Sleep(time.Hour)
		}
	case ModeCrash:
		msg := "boom"
		if len(args) > 1 {
			msg = strings.Join(args[1:], " ")
		}
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(3)
	case ModeEnv:
		if len(args) > 1 {
			fmt.Printf("%s=%s\n", args[1], os.Getenv(args[1]))
		}
		waitSignal()
		os.Exit(0)
	case ModeStdin:
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stdin:", err)
			os.Exit(5)
		}
		fmt.Printf("stdin: %d bytes\n", len(b))
		waitSignal()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "helper: unknown mode %q\n", args[0])
		os.Exit(2)
	}
}

func listen() net.Listener {
	port, _ := strconv.Atoi(os.Getenv("PORT"))
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(4)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	return ln
}

func waitSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}

// FreePort returns a loopback port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	p := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return p
}

// Occupy keeps a loopback port busy until the test ends.
func Occupy(t testing.TB) (int, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("occupy: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port, ln
}
