package crawler

import (
	"slices"
	"strings"
)

// hostPattern matches one host, or with subdomains set, the host and
// everything below it.
type hostPattern struct {
	host       string
	subdomains bool
}

// hostPatterns is a set of patterns such as "example.org", "*.ru" or ".gov".
// A nil set matches nothing.
type hostPatterns []hostPattern

func parseHostPatterns(raw []string) hostPatterns {
	var out hostPatterns
	for _, r := range raw {
		v := strings.ToLower(strings.TrimSpace(r))
		p := hostPattern{host: v}
		if rest, ok := strings.CutPrefix(v, "*."); ok {
			p = hostPattern{host: rest, subdomains: true}
		} else if rest, ok := strings.CutPrefix(v, "."); ok {
			p = hostPattern{host: rest, subdomains: true}
		}
		if p.host == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (ps hostPatterns) match(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	return slices.ContainsFunc(ps, func(p hostPattern) bool {
		if host == p.host {
			return true
		}
		return p.subdomains && strings.HasSuffix(host, "."+p.host)
	})
}

// hostFilter decides which discovered links a crawl may yield.
type hostFilter struct {
	allow hostPatterns
	deny  hostPatterns
}

func newHostFilter(allow, deny []string) hostFilter {
	return hostFilter{allow: parseHostPatterns(allow), deny: parseHostPatterns(deny)}
}

// permits reports whether host passes: not denied, and allowed when an
// allow list is configured.
func (f hostFilter) permits(host string) bool {
	if f.deny.match(host) {
		return false
	}
	return len(f.allow) == 0 || f.allow.match(host)
}
