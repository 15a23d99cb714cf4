// Package matchurl compiles the dev-proxy watch set — the include/exclude
// URL patterns that gate both TLS decryption and plugin dispatch — into a
// host-level predicate and a URL-level predicate.
//
// Grounded on the teacher's rule matcher (internal/engine/matcher.go),
// which pre-compiles gobwas/glob patterns once at load time to keep
// per-evaluation cost low; the same approach is used here for the
// watch-set patterns and, separately, for mock-response URL globs.
package matchurl

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gobwas/glob"
)

// Entry is a compiled watch-set entry: a pattern plus its exclude flag
// (spec Section 3: "Url-to-watch entry").
type Entry struct {
	Pattern string
	Exclude bool

	hostOnly   bool // pattern has no scheme and no path — host-only
	hostGlob   glob.Glob
	urlGlobs   []glob.Glob // one entry, except schemeless patterns which expand to http+https
	matchCount atomic.Uint64 // supplemented: per-host request counter (SPEC_FULL §C.1)
}

// MatchCount returns how many times this entry has matched a full URL.
// Diagnostics only; never consulted by matching logic.
func (e *Entry) MatchCount() uint64 { return e.matchCount.Load() }

// Set is a compiled watch set: an ordered list of Entry values. A URL
// matches if at least one include entry matches and no exclude entry
// matches (spec Section 3 set semantics).
type Set struct {
	entries []*Entry
}

// Compile builds a Set from watch patterns. Patterns with neither a
// scheme nor a path are host-only: they gate TLS decryption and match
// every URL on that host over http or https. Patterns with a path but no
// explicit scheme match http and https alike (spec Section 4.1 edge
// policy).
func Compile(patterns []string, excludes []string) (*Set, error) {
	s := &Set{}
	for _, p := range patterns {
		e, err := compileEntry(p, false)
		if err != nil {
			return nil, err
		}
		s.entries = append(s.entries, e)
	}
	for _, p := range excludes {
		e, err := compileEntry(p, true)
		if err != nil {
			return nil, err
		}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

func compileEntry(pattern string, exclude bool) (*Entry, error) {
	e := &Entry{Pattern: pattern, Exclude: exclude}

	// Matching is case-insensitive (spec Section 4.1): lowercase the
	// pattern itself before it ever reaches glob.Compile. gobwas/glob
	// does literal byte comparison, so a mixed-case pattern would
	// otherwise compile a matcher that never matches the lowercased
	// input MatchesHost/MatchesURL feed it.
	pattern = strings.ToLower(pattern)

	hasScheme := strings.Contains(pattern, "://")
	rest := pattern
	if idx := strings.Index(pattern, "://"); idx >= 0 {
		rest = pattern[idx+3:]
	}
	hasPath := strings.Contains(rest, "/")
	e.hostOnly = !hasScheme && !strings.Contains(pattern, "/")

	// Host-only glob: strip scheme/path/port, translate wildcards.
	hostPattern := hostPortion(pattern)
	hg, err := glob.Compile(hostPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid watch pattern %q (host glob): %w", pattern, err)
	}
	e.hostGlob = hg

	// Full-URL glob(s). Patterns with a path but no scheme match http(s)
	// alike — compile one glob per implied scheme (spec Section 4.1 edge
	// policy).
	switch {
	case hasScheme:
		ug, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid watch pattern %q (url glob): %w", pattern, err)
		}
		e.urlGlobs = []glob.Glob{ug}
	case e.hostOnly:
		// A bare host pattern watches the whole host, any path.
		for _, scheme := range [...]string{"http://", "https://"} {
			ug, err := glob.Compile(scheme + pattern + "/*")
			if err != nil {
				return nil, fmt.Errorf("invalid watch pattern %q (url glob): %w", pattern, err)
			}
			e.urlGlobs = append(e.urlGlobs, ug)
		}
	case hasPath:
		for _, scheme := range [...]string{"http://", "https://"} {
			ug, err := glob.Compile(scheme + pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid watch pattern %q (url glob): %w", pattern, err)
			}
			e.urlGlobs = append(e.urlGlobs, ug)
		}
	}

	return e, nil
}

// hostPortion strips scheme, path and port from a watch pattern, leaving
// just the host glob used for the CONNECT-time decrypt decision.
func hostPortion(pattern string) string {
	s := pattern
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "/"); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		// Only strip if what follows looks like a port (digits or '*').
		maybePort := s[idx+1:]
		if maybePort == "*" || isDigits(maybePort) {
			s = s[:idx]
		}
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MatchesHost decides whether the given CONNECT target hostname is
// watched, used to gate TLS decryption (spec Section 4.1 host-only
// decision). Matching is case-insensitive.
func (s *Set) MatchesHost(host string) bool {
	host = strings.ToLower(stripPort(host))

	matched := false
	for _, e := range s.entries {
		if e.hostGlob == nil {
			continue
		}
		if e.hostGlob.Match(host) {
			if e.Exclude {
				return false
			}
			matched = true
		}
	}
	return matched
}

// MatchesURL decides whether an absolute URL is watched, gating plugin
// dispatch on every intercepted request (spec Section 4.1 full-URL
// decision). An exclude entry overrides any include.
func (s *Set) MatchesURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)

	matched := false
	for _, e := range s.entries {
		hit := false
		for _, ug := range e.urlGlobs {
			if ug.Match(lower) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		if e.Exclude {
			return false
		}
		matched = true
		e.matchCount.Add(1)
	}
	return matched
}

func stripPort(hostport string) string {
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		return hostport[:idx]
	}
	return hostport
}
