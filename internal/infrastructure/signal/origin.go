package signal

import (
	"fmt"
	"net/http"

	"github.com/gobwas/glob"
)

// originMatcher checks the Origin header of upgrade requests against glob
// patterns such as "https://*.example.com" or "*".
type originMatcher struct {
	patterns []glob.Glob
	any      bool
}

func newOriginMatcher(patterns []string) (*originMatcher, error) {
	m := &originMatcher{}
	for _, p := range patterns {
		if p == "*" {
			m.any = true
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed origin %q: %w", p, err)
		}
		m.patterns = append(m.patterns, g)
	}
	return m, nil
}

func (m *originMatcher) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Non-browser clients send no Origin.
	if origin == "" || m.any {
		return true
	}
	for _, g := range m.patterns {
		if g.Match(origin) {
			return true
		}
	}
	return false
}
