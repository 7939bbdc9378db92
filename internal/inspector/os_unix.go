//go:build !windows

package inspector

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"

	"github.com/loykin/portpilot/internal/model"
)

func platformEnumerators() []Enumerator {
	return []Enumerator{SocketTable{}, LsofTool{}}
}

func unixSignal(sig model.Signal) syscall.Signal {
	switch sig {
	case model.SignalInterrupt:
		return syscall.SIGINT
	case model.SignalTerminate:
		return syscall.SIGTERM
	default:
		return syscall.SIGKILL
	}
}

// signalPID signals the process group when asked and falls back to the single
// pid when pid does not lead a group. A process that is already gone counts
// as delivered.
func signalPID(pid int, sig model.Signal, group bool) error {
	s := unixSignal(sig)
	if group {
		err := syscall.Kill(-pid, s)
		if err == nil {
			return nil
		}
		if !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	err := syscall.Kill(pid, s)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func pidAlive(pid int) bool {
	// A quickly-exiting child stays a zombie until reaped; treat that as dead.
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// getProcStartUnix returns the process start time as Unix seconds, 0 when unknown.
func getProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return getProcStartUnixLinux(pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// getProcStartUnixLinux reads starttime (field 22, clock ticks since boot)
// from /proc/<pid>/stat and adds btime from /proc/stat.
func getProcStartUnixLinux(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	// comm may contain spaces; it ends at the last ") "
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	parts := strings.Fields(line[end+2:])
	if len(parts) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	btime := bootTime()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + ticks/clk
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return bt
			}
			return 0
		}
	}
	return 0
}
