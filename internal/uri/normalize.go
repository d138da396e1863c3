// Package uri canonicalizes web document addresses so that trivially
// different spellings of the same page compare equal.
package uri

import (
	"sort"
	"strconv"
	"strings"
)

var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
}

// Tracking parameters that never change the identity of a page.
var blacklistedQueryParams = map[string]struct{}{
	"utm_campaign": {},
	"utm_content":  {},
	"utm_medium":   {},
	"utm_source":   {},
	"utm_term":     {},
}

const (
	safePathSegment = "-._~:@!$&'()*+,;="
	safeQueryName   = "-._~:@!$'()*,"
	safeQueryValue  = "-._~:@!$'()*,="
)

// Normalize returns the comparison form of raw. URIs with a scheme other than
// http or https are returned unchanged. Normalize never fails: components it
// cannot parse are passed through as they were.
func Normalize(raw string) string {
	scheme, rest, ok := splitScheme(raw)
	if !ok {
		return raw
	}
	scheme = strings.ToLower(scheme)
	if _, web := defaultPorts[scheme]; !web {
		return raw
	}

	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	query := ""
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, query = rest[:i], rest[i+1:]
	}
	netloc, path := "", rest
	hasAuthority := strings.HasPrefix(rest, "//")
	if hasAuthority {
		rest = rest[2:]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			netloc, path = rest[:i], rest[i:]
		} else {
			netloc, path = rest, ""
		}
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString(":")
	if hasAuthority {
		b.WriteString("//")
		b.WriteString(normalizeNetloc(scheme, netloc))
	}
	b.WriteString(normalizePath(path))
	if q := normalizeQuery(query); q != "" {
		b.WriteString("?")
		b.WriteString(q)
	}
	return b.String()
}

// Equivalent reports whether a and b normalize to the same string.
func Equivalent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

func splitScheme(raw string) (string, string, bool) {
	i := strings.IndexByte(raw, ':')
	if i <= 0 {
		return "", "", false
	}
	for j := 0; j < i; j++ {
		c := raw[j]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case j > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return "", "", false
		}
	}
	return raw[:i], raw[i+1:], true
}

func normalizeNetloc(scheme, netloc string) string {
	userinfo := ""
	hostport := netloc
	if i := strings.LastIndexByte(netloc, '@'); i >= 0 {
		userinfo, hostport = netloc[:i+1], netloc[i+1:]
	}

	host, port := hostport, ""
	if strings.HasPrefix(hostport, "[") {
		if end := strings.IndexByte(hostport, ']'); end >= 0 {
			host = hostport[:end+1]
			if rest := hostport[end+1:]; strings.HasPrefix(rest, ":") {
				port = rest[1:]
			}
		}
	} else if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host, port = hostport[:i], hostport[i+1:]
	}
	host = strings.ToLower(host)

	if port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			if n == defaultPorts[scheme] {
				port = ""
			} else {
				port = strconv.Itoa(n)
			}
		}
	}

	if port == "" {
		return userinfo + host
	}
	return userinfo + host + ":" + port
}

func normalizePath(path string) string {
	path = strings.TrimRight(path, "/")
	if path == "" {
		return ""
	}
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = escape(unescape(segment, false), safePathSegment)
	}
	return strings.Join(segments, "/")
}

func normalizeQuery(query string) string {
	if query == "" {
		return ""
	}
	type pair struct{ name, value string }

	fields := strings.Split(query, "&")
	pairs := make([]pair, 0, len(fields))
	for _, field := range fields {
		name, value, found := strings.Cut(field, "=")
		if !found || !validEscapes(name) || !validEscapes(value) {
			return query
		}
		name = unescape(name, true)
		if _, drop := blacklistedQueryParams[name]; drop {
			continue
		}
		pairs = append(pairs, pair{name: name, value: unescape(value, true)})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].name < pairs[j].name })

	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = escape(p.name, safeQueryName) + "=" + escape(p.value, safeQueryValue)
	}
	return strings.Join(encoded, "&")
}

func validEscapes(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			continue
		}
		if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
			return false
		}
		i += 2
	}
	return true
}

// unescape decodes %XX sequences, leaving malformed ones as literal text.
func unescape(s string, plusAsSpace bool) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		case c == '+' && plusAsSpace:
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func escape(s, safe string) string {
	const upperhex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || strings.IndexByte(safe, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9'
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
