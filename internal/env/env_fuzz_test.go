package env

import (
	"strconv"
	"strings"
	"testing"
)

// FuzzMergeKeepsForcedPort feeds arbitrary global and per-server entries
// through Merge and checks that the injected PORT always survives intact.
func FuzzMergeKeepsForcedPort(f *testing.F) {
	f.Add("NODE_ENV=development\nVITE_API=http://localhost:${PORT}", "PORT=1\nHOST=0.0.0.0", uint16(5173))
	f.Add("A=${B}\nB=${A}", "A=${A}", uint16(3000))
	f.Add("=nokey\nPORT=${PORT}", "", uint16(1))

	f.Fuzz(func(t *testing.T, globals, perServer string, port uint16) {
		if port == 0 {
			port = 1
		}
		e := New()
		for _, kv := range lines(globals, 32) {
			if k, v, ok := strings.Cut(kv, "="); ok {
				e.Set(k, v)
			}
		}
		forced := "PORT=" + strconv.Itoa(int(port))
		out := e.Merge(lines(perServer, 32), forced)

		seen := 0
		for i, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("malformed entry %q", kv)
			}
			if i > 0 && out[i-1] > kv {
				t.Fatalf("not sorted: %q before %q", out[i-1], kv)
			}
			if k == "PORT" {
				seen++
				if kv != forced {
					t.Fatalf("PORT overridden: %q", kv)
				}
			}
		}
		if seen != 1 {
			t.Fatalf("PORT appears %d times in %v", seen, out)
		}
	})
}

func lines(s string, max int) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
		if len(out) == max {
			break
		}
	}
	return out
}
