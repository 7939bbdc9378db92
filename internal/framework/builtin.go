package framework

import "regexp"

var (
	localURL    = regexp.MustCompile(`(?i)local:\s+https?://`)
	listeningOn = regexp.MustCompile(`(?i)listening (on|at)\b`)
)

func sigs(s ...string) []Signature {
	out := make([]Signature, 0, len(s))
	for _, v := range s {
		out = append(out, ParseSignature(v))
	}
	return out
}

func res(s ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(s))
	for _, v := range s {
		out = append(out, regexp.MustCompile(v))
	}
	return out
}

func builtins() []Framework {
	return []Framework{
		{
			Name:          "next",
			DefaultPort:   3000,
			Alternates:    []int{3001, 3002, 3003},
			Command:       "npx next dev",
			Signatures:    sigs("next dev", "next start"),
			ReadyPatterns: append(res(`(?i)\bready\b.*(started server|in \d+)`, `(?i)started server on`, `✓ Ready`), localURL),
			PortArgs:      []string{"-p", PortPlaceholder},
		},
		{
			Name:          "vite",
			DefaultPort:   5173,
			Alternates:    []int{5174, 5175, 4173},
			Command:       "npx vite",
			Signatures:    sigs("vite", "vite dev", "vite preview"),
			ReadyPatterns: append(res(`(?i)vite v?[\d.]+\s+ready in`), localURL),
			PortArgs:      []string{"--port", PortPlaceholder},
		},
		{
			Name:          "cra",
			DefaultPort:   3000,
			Alternates:    []int{3001, 3002},
			Command:       "npx react-scripts start",
			Signatures:    sigs("react-scripts start"),
			ReadyPatterns: res(`(?i)compiled successfully`, `(?i)you can now view`),
		},
		{
			Name:          "angular",
			DefaultPort:   4200,
			Alternates:    []int{4201, 4202},
			Command:       "npx ng serve",
			Signatures:    sigs("ng serve"),
			ReadyPatterns: append(res(`(?i)angular live development server is listening`, `(?i)compiled successfully`), localURL),
			PortArgs:      []string{"--port", PortPlaceholder},
		},
		{
			Name:          "vue",
			DefaultPort:   8080,
			Alternates:    []int{8081, 8082},
			Command:       "npx vue-cli-service serve",
			Signatures:    sigs("vue-cli-service serve"),
			ReadyPatterns: append(res(`(?i)app running at`), localURL),
			PortArgs:      []string{"--port", PortPlaceholder},
		},
		{
			Name:          "nuxt",
			DefaultPort:   3000,
			Alternates:    []int{3001, 3002},
			Command:       "npx nuxi dev",
			Signatures:    sigs("nuxi dev", "nuxt dev"),
			ReadyPatterns: res(`(?i)local:\s+https?://`, `(?i)listening on`),
			PortArgs:      []string{"--port", PortPlaceholder},
		},
		{
			Name:          "astro",
			DefaultPort:   4321,
			Alternates:    []int{4322, 4323},
			Command:       "npx astro dev",
			Signatures:    sigs("astro dev"),
			ReadyPatterns: append(res(`(?i)astro\s+v?[\d.]+\s+ready in`), localURL),
			PortArgs:      []string{"--port", PortPlaceholder},
		},
		{
			Name:          "remix",
			DefaultPort:   3000,
			Alternates:    []int{3001, 3002},
			Command:       "npx remix dev",
			Signatures:    sigs("remix dev", "remix vite:dev"),
			ReadyPatterns: append(res(`(?i)remix app server started`), localURL),
			PortArgs:      []string{"--port", PortPlaceholder},
		},
		{
			Name:          "gatsby",
			DefaultPort:   8000,
			Alternates:    []int{8001, 8002},
			Command:       "npx gatsby develop",
			Signatures:    sigs("gatsby develop"),
			ReadyPatterns: res(`(?i)you can now view`),
			PortArgs:      []string{"-p", PortPlaceholder},
		},
		{
			Name:          "django",
			DefaultPort:   8000,
			Alternates:    []int{8001, 8080},
			Command:       "python manage.py runserver",
			Signatures:    sigs("manage.py runserver"),
			ReadyPatterns: res(`(?i)starting development server at`),
			PortArgs:      []string{PortPlaceholder},
		},
		{
			Name:          "flask",
			DefaultPort:   5000,
			Alternates:    []int{5001, 5002},
			Command:       "flask run",
			Signatures:    sigs("flask run"),
			ReadyPatterns: res(`(?i)running on https?://`),
			PortArgs:      []string{"--port", PortPlaceholder},
		},
		{
			Name:          "rails",
			DefaultPort:   3000,
			Alternates:    []int{3001, 3002},
			Command:       "bin/rails server",
			Signatures:    sigs("rails server", "rails s"),
			ReadyPatterns: res(`(?i)listening on`, `(?i)use ctrl-c to stop`),
			PortArgs:      []string{"-p", PortPlaceholder},
		},
		{
			Name:          "hugo",
			DefaultPort:   1313,
			Alternates:    []int{1314, 1315},
			Command:       "hugo server",
			Signatures:    sigs("hugo server"),
			ReadyPatterns: res(`(?i)web server is available at`),
			PortArgs:      []string{"--port", PortPlaceholder},
		},
		{
			Name:          Generic,
			ReadyPatterns: append(res(`(?i)server (is )?(running|started|ready)`, `(?i)\bready\b`), listeningOn, localURL),
		},
	}
}
