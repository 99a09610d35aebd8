// Package sanitize makes share file names safe for disk paths and
// Content-Disposition headers.
package sanitize

import (
	"path"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxFilenameLength is the maximum allowed length in bytes for the name
	// without its extension.
	MaxFilenameLength = 120
	// DefaultExt is the default extension used when none is provided.
	DefaultExt = "mp4"
	// DefaultName is the replacement name when the title is empty.
	DefaultName = "video"
	// MaxExtLength is the longest extension, dot included, that is kept as
	// an extension rather than treated as part of the name.
	MaxExtLength = 8
)

var unsafeChars = regexp.MustCompile(`[\\/:*?"<>|]+`)

// ToSafeFilename builds a cross-platform safe filename from title and extension (without dot in ext).
func ToSafeFilename(title, ext string) string {
	name := clean(title)
	if name == "" || name == "." || name == ".." {
		name = DefaultName
	}
	name = truncate(name, MaxFilenameLength)
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		ext = DefaultExt
	}
	return name + "." + ext
}

// Filename sanitizes a complete file name such as "My Clip.mkv", keeping its
// extension. A name without extension gets DefaultExt; an empty name becomes
// "video.mp4".
func Filename(name string) string {
	name = clean(name)
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if len(ext) <= 1 || len(ext) > MaxExtLength || strings.ContainsRune(ext, ' ') {
		base, ext = name, ""
	}
	return ToSafeFilename(base, ext)
}

// ContentDisposition returns an attachment header value for name. Non-ASCII
// names also get an RFC 5987 filename* parameter.
func ContentDisposition(name string) string {
	name = Filename(name)
	ascii := asciiFallback(name)
	v := `attachment; filename="` + ascii + `"`
	if ascii != name {
		v += "; filename*=UTF-8''" + pathEscape(name)
	}
	return v
}

func clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = unsafeChars.ReplaceAllString(s, "_")
	return strings.Trim(strings.TrimSpace(s), ".")
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return strings.TrimSpace(s)
}

func asciiFallback(s string) string {
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return '_'
		}
		return r
	}, s)
}

// pathEscape percent-encodes everything outside RFC 5987 attr-char.
func pathEscape(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			strings.IndexByte("!#$&+-.^_`|~", c) >= 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}
