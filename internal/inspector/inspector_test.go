package inspector

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/portpilot/internal/model"
)

type fakeEnum struct {
	pid   int
	found bool
	err   error
	calls int
}

func (f *fakeEnum) ListenerPID(context.Context, int) (int, bool, error) {
	f.calls++
	return f.pid, f.found, f.err
}

func (f *fakeEnum) Describe() string { return "fake" }

func TestResolveOwner_DescribesProcess(t *testing.T) {
	s := NewWithEnumerators(nil, &fakeEnum{pid: os.Getpid(), found: true})
	b, err := s.ResolveOwner(context.Background(), 3000)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 3000, b.Port)
	assert.Equal(t, os.Getpid(), b.PID)
	assert.NotEmpty(t, b.CommandLine)
	assert.Equal(t, model.OwnerUnknown, b.Owner)
	assert.False(t, b.DiscoveredAt.IsZero())

	wd, err := os.Getwd()
	require.NoError(t, err)
	if b.WorkingDir != "" {
		assert.Equal(t, wd, b.WorkingDir)
	}
}

func TestResolveOwner_NoListener(t *testing.T) {
	second := &fakeEnum{pid: 42, found: true}
	s := NewWithEnumerators(nil, &fakeEnum{}, second)
	b, err := s.ResolveOwner(context.Background(), 3000)
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Zero(t, second.calls, "a definitive answer stops the chain")
}

func TestResolveOwner_FallsBackAfterError(t *testing.T) {
	s := NewWithEnumerators(nil, &fakeEnum{err: errors.New("permission denied")}, &fakeEnum{pid: os.Getpid(), found: true})
	b, err := s.ResolveOwner(context.Background(), 3000)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, os.Getpid(), b.PID)
}

func TestResolveOwner_AnonymousListener(t *testing.T) {
	s := NewWithEnumerators(nil, &fakeEnum{found: true}, &fakeEnum{err: errors.New("lsof missing")})
	b, err := s.ResolveOwner(context.Background(), 8080)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Zero(t, b.PID)
	assert.Equal(t, "unknown", b.OwnerName)
}

func TestResolveOwner_AllEnumeratorsFail(t *testing.T) {
	s := NewWithEnumerators(nil, &fakeEnum{err: errors.New("a")}, &fakeEnum{err: errors.New("b")})
	b, err := s.ResolveOwner(context.Background(), 3000)
	assert.Nil(t, b)
	require.ErrorIs(t, err, ErrEnumerationFailed)
	assert.Contains(t, err.Error(), "fake: a")

	_, err = NewWithEnumerators(nil).ResolveOwner(context.Background(), 3000)
	assert.ErrorIs(t, err, ErrEnumerationFailed)
}

func TestResolveOwner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewWithEnumerators(nil, &fakeEnum{}).ResolveOwner(ctx, 3000)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSocketTableFindsOwnListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	pid, found, err := SocketTable{}.ListenerPID(context.Background(), port)
	if err != nil {
		t.Skipf("socket table unavailable: %v", err)
	}
	require.True(t, found)
	if pid != 0 {
		assert.Equal(t, os.Getpid(), pid)
	}
}

func TestParseLsof(t *testing.T) {
	pid, ok := parseLsof("\n 4242\n4243\n")
	assert.True(t, ok)
	assert.Equal(t, 4242, pid)

	_, ok = parseLsof("")
	assert.False(t, ok)
}

func TestParseNetstat(t *testing.T) {
	out := `
Active Connections

  Proto  Local Address          Foreign Address        State           PID
  TCP    0.0.0.0:135            0.0.0.0:0              LISTENING       1012
  TCP    0.0.0.0:30000          0.0.0.0:0              LISTENING       7
  TCP    127.0.0.1:3000         127.0.0.1:51234        ESTABLISHED     9999
  TCP    [::]:3000              [::]:0                 LISTENING       5150
`
	pid, ok := parseNetstat(out, 3000)
	require.True(t, ok)
	assert.Equal(t, 5150, pid)

	_, ok = parseNetstat(out, 4000)
	assert.False(t, ok)
}

func TestAliveAndStartTime(t *testing.T) {
	s := New(nil)
	assert.True(t, s.Alive(os.Getpid()))
	assert.False(t, s.Alive(0))
	assert.False(t, s.Alive(-5))
	assert.Error(t, s.Signal(0, model.SignalTerminate, false))

	start := s.StartTime(os.Getpid())
	assert.True(t, SameProcess(s, os.Getpid(), start))
	if start > 0 {
		assert.False(t, SameProcess(s, os.Getpid(), start-3600), "a different start time means a recycled pid")
	}
	assert.NotEmpty(t, s.Enumerators())
}
