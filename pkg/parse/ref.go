package parse

import (
	"fmt"
	"net/url"
	"strings"

	"ssb-archive/pkg/utils"
)

// Ref is an origin-relative reference split into canonical parts.
// Path and Query are canonical: two spellings of the same reference produce equal values.
type Ref struct {
	Path     string // Always starts with '/', segments encoded with component rules
	Query    string // Sorted, re-encoded query; empty when absent
	Fragment string // Verbatim, never part of the identity
}

// ParseRef validates raw as an origin-relative reference and canonicalizes it.
// Absolute URLs, protocol-relative URLs and anything not starting with '/' are ErrUnresolvable.
func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, `/\`) {
		return Ref{}, fmt.Errorf("%w: '%s' is not origin-relative", utils.ErrUnresolvable, raw)
	}

	var ref Ref
	rest := raw
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		ref.Fragment = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		ref.Query = CanonicalQuery(rest[i+1:])
		rest = rest[:i]
	}
	ref.Path = CanonicalPath(rest)
	return ref, nil
}

// MustParseRef is ParseRef for references known to be valid (seeds, configured routes)
func MustParseRef(raw string) Ref {
	ref, err := ParseRef(raw)
	if err != nil {
		panic(err)
	}
	return ref
}

// Key is the normalized reference: path plus query, fragment stripped
func (r Ref) Key() string {
	if r.Query == "" {
		return r.Path
	}
	return r.Path + "?" + r.Query
}

func (r Ref) String() string {
	if r.Fragment == "" {
		return r.Key()
	}
	return r.Key() + "#" + r.Fragment
}

// HasPathPrefix matches prefix against the path. A prefix ending in '/' matches anything below it;
// otherwise it matches the exact path or anything below prefix + "/".
func (r Ref) HasPathPrefix(prefix string) bool {
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(r.Path, prefix)
	}
	return r.Path == prefix || strings.HasPrefix(r.Path, prefix+"/")
}

// ReplacePathPrefix swaps a matching prefix for replacement. No-op when the prefix does not match.
func (r Ref) ReplacePathPrefix(prefix, replacement string) Ref {
	if !r.HasPathPrefix(prefix) {
		return r
	}
	r.Path = replacement + strings.TrimPrefix(r.Path, prefix)
	if !strings.HasPrefix(r.Path, "/") {
		r.Path = "/" + r.Path
	}
	return r
}

// CanonicalPath decodes and re-encodes every segment, drops empty interior segments
// and keeps a trailing slash.
func CanonicalPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	trailing := strings.HasSuffix(p, "/")
	var b strings.Builder
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(EncodeComponent(DecodeSegment(seg)))
	}
	if b.Len() == 0 {
		return "/"
	}
	if trailing {
		b.WriteByte('/')
	}
	return b.String()
}

// CanonicalQuery sorts and re-encodes a query string; unparseable queries are kept verbatim
func CanonicalQuery(q string) string {
	if q == "" {
		return ""
	}
	values, err := url.ParseQuery(q)
	if err != nil {
		return q
	}
	return values.Encode()
}

// DecodeSegment percent-decodes one path segment. Invalid escapes leave the segment as literal text.
func DecodeSegment(seg string) string {
	decoded, err := url.PathUnescape(seg)
	if err != nil {
		return seg
	}
	return decoded
}

// EncodeComponent escapes s like encodeURIComponent: only A-Z a-z 0-9 and -_.!~*'() stay literal
func EncodeComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0F])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

// Segments splits the canonical path into its segments; a trailing slash yields a final empty segment
func (r Ref) Segments() []string {
	return strings.Split(strings.TrimPrefix(r.Path, "/"), "/")
}
