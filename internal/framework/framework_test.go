package framework

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogLookupAndFallback(t *testing.T) {
	c := NewCatalog()
	next, ok := c.Lookup("Next")
	require.True(t, ok)
	assert.Equal(t, 3000, next.DefaultPort)
	assert.Equal(t, []int{3001, 3002, 3003}, next.Alternates)

	g := c.Get("does-not-exist")
	assert.Equal(t, Generic, g.Name)
}

func TestSignatureMatch(t *testing.T) {
	tests := []struct {
		sig     string
		cmdline string
		want    bool
	}{
		{"next dev", "node /w/app/node_modules/.bin/next dev -p 3000", true},
		{"next dev", "node /w/app/node_modules/next/dist/bin/next dev", true},
		{"next dev", "node /w/app/node_modules/.bin/next build", false},
		{"vite", "node /w/app/node_modules/vite/bin/vite.js --port 5173", true},
		{"manage.py runserver", "python3 manage.py runserver 8000", true},
		{"rails s", "ruby bin/rails s -p 3000", true},
		{"ng serve", "postgres -D /var/lib/postgres", false},
		{"", "anything", false},
	}
	for _, tt := range tests {
		got := ParseSignature(tt.sig).Match(splitFields(tt.cmdline))
		assert.Equal(t, tt.want, got, "%s vs %s", tt.sig, tt.cmdline)
	}
}

func splitFields(s string) []string {
	return regexp.MustCompile(`\s+`).Split(s, -1)
}

func TestMatchReadyStripsANSIAndExtractsURL(t *testing.T) {
	c := NewCatalog()
	vite := c.Get("vite")
	ok, url, port := vite.MatchReady("  \x1b[32m➜\x1b[39m  \x1b[1mLocal\x1b[22m:   \x1b[36mhttp://localhost:\x1b[1m5174\x1b[22m/\x1b[39m")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:5174/", url)
	assert.Equal(t, 5174, port)

	next := c.Get("next")
	ok, _, _ = next.MatchReady("ready - started server on 0.0.0.0:3000, url: http://localhost:3000")
	assert.True(t, ok)

	ok, _, _ = next.MatchReady("compiling /page ...")
	assert.False(t, ok)
}

func TestPortArguments(t *testing.T) {
	c := NewCatalog()
	assert.Equal(t, []string{"-p", "3001"}, c.Get("next").PortArguments(3001))
	assert.Nil(t, c.Get("cra").PortArguments(3001))
	assert.Equal(t, []string{"8001"}, c.Get("django").PortArguments(8001))
}

func TestRegisterOverridesAndMatchAny(t *testing.T) {
	c := NewCatalog()
	c.Register(Framework{Name: " Custom ", DefaultPort: 9000, Signatures: []Signature{ParseSignature("devd serve")}})
	f, ok := c.Lookup("custom")
	require.True(t, ok)
	assert.Equal(t, 9000, f.DefaultPort)

	m, ok := c.MatchAny("/usr/local/bin/devd serve --root .")
	require.True(t, ok)
	assert.Equal(t, "custom", m.Name)

	_, ok = c.MatchAny("sleep 100")
	assert.False(t, ok)
}

func TestExtractURLNoMatch(t *testing.T) {
	u, p := ExtractURL("nothing here")
	assert.Empty(t, u)
	assert.Zero(t, p)
}
