// Package mimeext maps media types to file extensions for files whose share
// name carries none.
package mimeext

import (
	"mime"
	"path"
	"strings"

	"github.com/ytget/teraproxy/internal/sanitize"
)

// DefaultExt is the extension used when the media type is unknown or empty.
const DefaultExt = "mp4"

var known = map[string]string{
	"video/mp4":                     "mp4",
	"audio/mp4":                     "m4a",
	"video/webm":                    "webm",
	"audio/webm":                    "webm",
	"video/x-matroska":              "mkv",
	"video/quicktime":               "mov",
	"video/x-msvideo":               "avi",
	"video/mp2t":                    "ts",
	"video/x-flv":                   "flv",
	"video/3gpp":                    "3gp",
	"audio/mpeg":                    "mp3",
	"application/vnd.apple.mpegurl": "m3u8",
	"application/x-mpegurl":         "m3u8",
	"image/jpeg":                    "jpg",
	"image/png":                     "png",
	"application/zip":               "zip",
	"application/pdf":               "pdf",
}

// generic types carry no useful extension.
var generic = map[string]bool{
	"application/octet-stream":   true,
	"binary/octet-stream":        true,
	"application/force-download": true,
}

// ExtFromMime returns the extension (without dot) for a Content-Type value.
// Parameters are ignored. Unknown video/audio subtypes are used as-is; anything
// else falls back to DefaultExt.
func ExtFromMime(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return DefaultExt
	}
	base, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		base = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	if ext, ok := known[base]; ok {
		return ext
	}
	if generic[base] {
		return DefaultExt
	}
	major, sub, ok := strings.Cut(base, "/")
	if ok && sub != "" && (major == "video" || major == "audio") && !strings.ContainsAny(sub, "+.") {
		return sub
	}
	return DefaultExt
}

// HasExt reports whether name already ends in a plausible extension.
func HasExt(name string) bool {
	ext := path.Ext(name)
	return len(ext) > 1 && len(ext) <= sanitize.MaxExtLength && !strings.ContainsAny(ext, " ")
}

// EnsureExt appends the extension derived from contentType when name has none.
func EnsureExt(name, contentType string) string {
	if HasExt(name) {
		return name
	}
	return name + "." + ExtFromMime(contentType)
}
