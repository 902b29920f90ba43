package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// originPolicy enforces the Origin allowlist before the upgrade.
type originPolicy struct {
	required bool
	allowed  []string
	// Derived for websocket.Accept, which authorizes same-host origins by default but
	// requires OriginPatterns for cross-origin requests.
	patterns []string
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	return originPolicy{
		required: required,
		allowed:  allowed,
		patterns: deriveOriginPatterns(allowed),
	}
}

func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(p.allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range p.allowed {
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns returns the sorted, de-duplicated hosts of the allowlist.
// websocket.Accept matches them against the origin host with filepath.Match.
func deriveOriginPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
