// Package rewrite builds the upstream target URI from a request URI, a
// literal prefix to strip and a backend base address.
package rewrite

import (
	"fmt"
	"net/url"
	"strings"
)

const schemeSep = "://"

// StripPrefix removes prefix from the start of uri when present (byte-exact);
// otherwise uri is returned unchanged.
func StripPrefix(uri, prefix string) string {
	return strings.TrimPrefix(uri, prefix)
}

// CollapseSlashes replaces every run of two or more '/' after the first "://"
// with a single '/'. Strings without "://" are returned as is.
func CollapseSlashes(s string) string {
	i := strings.Index(s, schemeSep)
	if i < 0 {
		return s
	}
	head, rest := s[:i+len(schemeSep)], s[i+len(schemeSep):]
	if !strings.Contains(rest, "//") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(head)
	prevSlash := false
	for j := 0; j < len(rest); j++ {
		c := rest[j]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Target returns backend + StripPrefix(uri, prefix) with duplicate slashes
// collapsed.
func Target(uri, prefix, backend string) string {
	return CollapseSlashes(backend + StripPrefix(uri, prefix))
}

// Parse parses a rewritten target and requires an absolute http(s) URL.
func Parse(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse upstream target %q: %w", target, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream target %q: missing scheme or host", target)
	}
	return u, nil
}
