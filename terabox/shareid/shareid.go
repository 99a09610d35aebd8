// Package shareid normalizes share links into bare share identifiers.
package shareid

import (
	"regexp"
	"strings"
)

const idGroupIndex = 1 // capture group holding the identifier

// template is a known share link shape. Templates are tried in order and
// the first match wins.
type template struct {
	name    string
	pattern *regexp.Regexp
}

var templates = []template{
	{"teraboxapp", regexp.MustCompile(`teraboxapp\.com/s/([^/?]+)`)},
	{"1024tera-surl", regexp.MustCompile(`1024tera\.com/sharing/link\?surl=([^&]+)`)},
	{"terabox.tech", regexp.MustCompile(`terabox\.tech/s/([^/?]+)`)},
	{"terabox.app", regexp.MustCompile(`terabox\.app/s/([^/?]+)`)},
	{"generic", regexp.MustCompile(`/s/([^/?]+)`)},
}

// Extract returns the share identifier contained in input.
//
// When no template matches, the last path segment (without query string) is
// returned verbatim, so a bare identifier passes through unchanged. Extract
// never fails; callers must reject empty input and empty results themselves.
func Extract(input string) string {
	if id, ok := Match(input); ok {
		return id
	}
	seg := input
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	if i := strings.Index(seg, "?"); i >= 0 {
		seg = seg[:i]
	}
	return seg
}

// Match reports the identifier captured by the first matching template.
func Match(input string) (string, bool) {
	for _, t := range templates {
		if m := t.pattern.FindStringSubmatch(input); len(m) > idGroupIndex {
			return m[idGroupIndex], true
		}
	}
	return "", false
}
