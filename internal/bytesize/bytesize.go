// Package bytesize renders byte counts for humans.
package bytesize

import (
	"math"
	"strconv"
)

var units = []string{"Bytes", "KB", "MB", "GB", "TB"}

// Format renders n with base-1024 units, rounding to at most decimals
// fractional digits and dropping trailing zeros: 1536 -> "1.5 KB".
// Values beyond the TB range stay in TB.
func Format(n int64, decimals int) string {
	if n == 0 {
		return "0 Bytes"
	}
	if decimals < 0 {
		decimals = 0
	}
	neg := n < 0
	v := math.Abs(float64(n))

	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}

	s := strconv.FormatFloat(v, 'f', decimals, 64)
	// Round trip through ParseFloat to trim trailing zeros.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		s = strconv.FormatFloat(f, 'f', -1, 64)
	}
	if neg {
		s = "-" + s
	}
	return s + " " + units[i]
}

// FormatDefault is Format with two decimals.
func FormatDefault(n int64) string {
	return Format(n, 2)
}
