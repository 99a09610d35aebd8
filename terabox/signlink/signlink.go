// Package signlink turns a raw download link into an upstream-fetchable URL.
package signlink

import (
	"errors"
	"net/url"
	"strings"

	"github.com/ytget/teraproxy/terabox/quality"
	"github.com/ytget/teraproxy/types"
)

const (
	paramSign      = "sign"
	paramTimestamp = "timestamp"
	paramQuality   = "quality"
)

var errNotAbsolute = errors.New("missing scheme or host")

// Build sets the signing parameters on rawLink and, for non-default tiers,
// the quality hint. Existing sign/timestamp values are overwritten in place;
// every other parameter keeps its position and encoding. The values must be
// passed exactly as the metadata API returned them.
//
// Build is pure: the same inputs always produce the same URL.
func Build(rawLink, sign, timestamp string, tier quality.Tier) (string, error) {
	u, err := url.Parse(rawLink)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", &url.Error{Op: "parse", URL: rawLink, Err: errNotAbsolute}
	}
	q := setParam(u.RawQuery, paramSign, sign)
	q = setParam(q, paramTimestamp, timestamp)
	if v, ok := tier.QueryValue(); ok {
		q = setParam(q, paramQuality, v)
	}
	u.RawQuery = q
	return u.String(), nil
}

// setParam replaces the first key parameter of rawQuery with value and drops
// any later duplicates. An absent key is appended.
func setParam(rawQuery, key, value string) string {
	pair := key + "=" + url.QueryEscape(value)
	var out []string
	found := false
	for _, p := range strings.Split(rawQuery, "&") {
		if p == "" {
			continue
		}
		name, _, _ := strings.Cut(p, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if name != key {
			out = append(out, p)
			continue
		}
		if !found {
			out = append(out, pair)
			found = true
		}
	}
	if !found {
		out = append(out, pair)
	}
	return strings.Join(out, "&")
}

// ForDescriptor builds the authenticated URL for a descriptor's download link.
func ForDescriptor(d *types.FileDescriptor, tier quality.Tier) (string, error) {
	return Build(d.DownloadLink, d.Signing.Sign, d.Signing.Timestamp.String(), tier)
}
