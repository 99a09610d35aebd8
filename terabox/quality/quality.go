// Package quality models the requested encoding tier of a relayed file.
package quality

import "strings"

// Tier is a client-requested quality hint. The upstream is free to ignore it.
type Tier string

const (
	HD   Tier = "hd"
	SD   Tier = "sd"
	Fast Tier = "fast"

	// Default is used when the request does not name a tier.
	Default = HD
)

// All lists the tiers in the order they are advertised to clients.
var All = []Tier{HD, SD, Fast}

// Parse maps a query value onto a Tier. Empty and unknown values yield Default.
func Parse(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case SD:
		return SD
	case Fast:
		return Fast
	default:
		return Default
	}
}

// QueryValue returns the value of the upstream `quality` parameter for the tier.
// The boolean is false when the parameter must be left out.
func (t Tier) QueryValue() (string, bool) {
	switch t {
	case SD:
		return "sd", true
	case Fast:
		return "low", true
	default:
		return "", false
	}
}

func (t Tier) String() string { return string(t) }
