// Package playlist emits the single-entry HLS playlist that points players at
// the byte-range stream endpoint.
package playlist

import (
	"strconv"
	"strings"
)

const (
	// ContentType is the media type playlists are served with.
	ContentType = "application/vnd.apple.mpegurl"
	// CacheControl is the caching policy playlists are served with.
	CacheControl = "public, max-age=3600"

	// TargetDuration is declared regardless of the entry length.
	TargetDuration = 10
	// FallbackDuration is used when the file duration is unknown.
	FallbackDuration = 600.0
)

// Build returns a VOD playlist with exactly one entry for streamURL. A nil or
// non-positive duration uses FallbackDuration. Lines are joined with "\n" and
// there is no trailing newline.
func Build(streamURL string, duration *float64) string {
	d := FallbackDuration
	if duration != nil && *duration > 0 {
		d = *duration
	}

	lines := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-TARGETDURATION:" + strconv.Itoa(TargetDuration),
		"#EXT-X-MEDIA-SEQUENCE:0",
		"#EXT-X-PLAYLIST-TYPE:VOD",
		"#EXTINF:" + strconv.FormatFloat(d, 'f', -1, 64) + ",",
		streamURL,
		"#EXT-X-ENDLIST",
	}
	return strings.Join(lines, "\n")
}
