package env

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrderAndForcedPort(t *testing.T) {
	t.Setenv("PORTPILOT_TEST_BASE", "os")
	t.Setenv("PORT", "1111")

	e := New().WithSet("PORTPILOT_TEST_BASE", "global").WithSet("APP_URL", "http://localhost:${PORT}")
	out := e.Merge([]string{"NODE_ENV=development", "PORT=2222", "=broken"}, "PORT=3001")

	v, ok := Lookup(out, "PORTPILOT_TEST_BASE")
	require.True(t, ok)
	assert.Equal(t, "global", v)

	v, _ = Lookup(out, "PORT")
	assert.Equal(t, "3001", v, "forced entries win over every layer")
	v, _ = Lookup(out, "NODE_ENV")
	assert.Equal(t, "development", v)
	v, _ = Lookup(out, "APP_URL")
	assert.Equal(t, "http://localhost:3001", v)

	for i := 1; i < len(out); i++ {
		assert.LessOrEqual(t, out[i-1], out[i])
	}
	count := 0
	for _, kv := range out {
		if len(kv) >= 5 && kv[:5] == "PORT=" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestWithSetDoesNotMutate(t *testing.T) {
	a := New()
	a.Set("A", "1")
	b := a.WithSet("B", "2")
	_, ok := a.Get("B")
	assert.False(t, ok)
	v, _ := b.Get("A")
	assert.Equal(t, "1", v)
	a.Unset("A")
	v, _ = b.Get("A")
	assert.Equal(t, "1", v)
}

func TestOSEnvOnlyAfterFromOS(t *testing.T) {
	t.Setenv("PORTPILOT_TEST_SECRET", "from-shell")

	clean := New().Merge(nil, "PORT=5173")
	_, ok := Lookup(clean, "PORTPILOT_TEST_SECRET")
	assert.False(t, ok, "servers must not inherit the shell environment unless asked")
	assert.Equal(t, []string{"PORT=5173"}, clean)

	inherit := New()
	inherit.FromOS()
	v, ok := Lookup(inherit.Merge(nil), "PORTPILOT_TEST_SECRET")
	require.True(t, ok)
	assert.Equal(t, "from-shell", v)

	t.Setenv("PORTPILOT_TEST_SECRET", "changed-later")
	v, _ = Lookup(inherit.Merge(nil), "PORTPILOT_TEST_SECRET")
	assert.Equal(t, "from-shell", v, "the OS layer is a snapshot")
}

func TestConcurrentMerge(t *testing.T) {
	e := New()
	e.FromOS()
	e.Set("NODE_ENV", "development")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			out := e.Merge([]string{"API=http://localhost:${PORT}"}, "PORT="+strconv.Itoa(port))
			v, _ := Lookup(out, "API")
			assert.Equal(t, "http://localhost:"+strconv.Itoa(port), v)
		}(3000 + i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.Set("WORKER_"+strconv.Itoa(i), "1")
		}(i)
	}
	wg.Wait()
}

func TestExpandLeavesUnknownReferences(t *testing.T) {
	assert.Equal(t, "x-${NOPE}", expand("x-${NOPE}", Var{}))
	assert.Equal(t, "$PLAIN", expand("$PLAIN", Var{"PLAIN": "v"}))
}
