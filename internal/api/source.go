package api

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// SourceKind names which gem source a request resolved to
type SourceKind string

const (
	// SourcePrivate serves the local catalog and resource store
	SourcePrivate SourceKind = "private"

	// SourceUpstream proxies a named upstream, mirroring gem bytes locally
	SourceUpstream SourceKind = "upstream"

	// SourceRedirect serves dependency metadata for a named upstream but
	// redirects gem downloads to it instead of proxying bytes
	SourceRedirect SourceKind = "redirect"

	// SourceDefault proxies the configured default upstream, or the one
	// named by an X-Gemfile-Source header
	SourceDefault SourceKind = "default"
)

// Source is the result of source matching, selected once per request and
// held for its lifetime
type Source struct {
	Kind SourceKind

	// Upstream is the upstream base URL; empty for the private source
	Upstream string
}

// Proxies reports whether gem downloads are served through the local store
func (s Source) Proxies() bool {
	return s.Kind == SourceUpstream || s.Kind == SourceDefault
}

// Anchored so "/private-other" does not match "/private", and the upstream
// segment never spans a slash
var (
	privateMatcher  = regexp.MustCompile(`^/private(/|$)`)
	upstreamMatcher = regexp.MustCompile(`^/(upstream|redirect)/([^/]+)(/|$)`)
)

// MatchSource resolves path against the source matchers in priority order:
// private, named upstream or redirect, then the always-matching default.
// It returns the source and the path relative to the source root; exactly
// one prefix strip happens per request. gemfileSource is the request's
// X-Gemfile-Source header, which overrides defaultUpstream for the default
// source only.
func MatchSource(path, gemfileSource, defaultUpstream string) (Source, string) {
	if path == "" {
		path = "/"
	}

	if m := privateMatcher.FindStringSubmatch(path); m != nil {
		return Source{Kind: SourcePrivate}, stripSourcePrefix(path, "/private")
	}

	if m := upstreamMatcher.FindStringSubmatch(path); m != nil {
		kind := SourceUpstream
		if m[1] == "redirect" {
			kind = SourceRedirect
		}
		upstream, err := url.PathUnescape(m[2])
		if err != nil {
			upstream = m[2]
		}
		return Source{Kind: kind, Upstream: upstream}, stripSourcePrefix(path, "/"+m[1]+"/"+m[2])
	}

	if defaultUpstream == "" && gemfileSource == "" {
		// The default matcher always matches; reaching here with no upstream
		// to serve is a wiring bug, not a client error
		panic(fmt.Sprintf("no source matched path %q and no default upstream is configured", path))
	}

	upstream := defaultUpstream
	if gemfileSource != "" {
		upstream = gemfileSource
	}
	return Source{Kind: SourceDefault, Upstream: upstream}, path
}

func stripSourcePrefix(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		panic(fmt.Sprintf("source prefix %q not present in matched path %q", prefix, path))
	}
	stripped := strings.TrimPrefix(path, prefix)
	if stripped == "" {
		return "/"
	}
	return stripped
}

type sourceContextKey struct{}

// WithSource attaches the matched source to a request context
func WithSource(ctx context.Context, source Source) context.Context {
	return context.WithValue(ctx, sourceContextKey{}, source)
}

// SourceFrom returns the source matched for this request. Requests reach
// handlers only through the source-matching wrapper, so the value is always
// present.
func SourceFrom(ctx context.Context) Source {
	source, ok := ctx.Value(sourceContextKey{}).(Source)
	if !ok {
		panic("request context carries no matched source")
	}
	return source
}
