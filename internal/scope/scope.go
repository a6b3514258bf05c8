// Package scope bounds what a scan may touch. Stages that ingest data
// from external sources (wayback archives, fuzzing, passive subdomain
// feeds) filter every artifact through the target's scope before it is
// persisted.
package scope

import (
	"net"
	"net/url"
	"strings"

	"github.com/mzaki/scanward/internal/models"
)

// Scope holds the compiled include/exclude rules of one target.
// The exclude list always wins over the include list.
type Scope struct {
	include []string
	exclude []string
	cidrs   []*net.IPNet
}

// ForTarget builds the scope for a target. A target with no include
// patterns falls back to its primary domain and all hosts under it.
func ForTarget(t *models.Target) *Scope {
	include := t.ScopeInclude
	if len(include) == 0 && t.Domain != "" {
		include = []string{t.Domain, "*." + t.Domain}
	}

	var cidrs []*net.IPNet
	for _, r := range t.IPRanges {
		if _, network, err := net.ParseCIDR(r); err == nil {
			cidrs = append(cidrs, network)
		}
	}

	return &Scope{
		include: include,
		exclude: t.ScopeExclude,
		cidrs:   cidrs,
	}
}

// Allows reports whether a hostname is in scope
func (s *Scope) Allows(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	for _, pattern := range s.exclude {
		if domainMatches(host, pattern) {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, pattern := range s.include {
		if domainMatches(host, pattern) {
			return true
		}
	}
	return false
}

// AllowsURL reports whether a URL's hostname is in scope. Unparseable
// URLs are out of scope by definition.
func (s *Scope) AllowsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	return s.Allows(u.Hostname())
}

// AllowsIP reports whether an address falls inside the target's declared
// ranges. With no ranges declared every address resolved from an
// in-scope hostname is allowed.
func (s *Scope) AllowsIP(ip string) bool {
	if len(s.cidrs) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range s.cidrs {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// domainMatches reports whether host satisfies a scope pattern.
//
//   - "example.com" matches only the exact string "example.com".
//   - "*.example.com" matches any host under example.com, however deep,
//     but not example.com itself.
//
// Comparison is case-insensitive.
func domainMatches(host, pattern string) bool {
	pattern = strings.ToLower(pattern)

	if !strings.HasPrefix(pattern, "*.") {
		return host == pattern
	}
	return strings.HasSuffix(host, pattern[1:]) && len(host) > len(pattern)-1
}
