package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var byteUnits = []string{"B", "KB", "MB", "GB"}

// FormatBytes renders n in 1024-based units with at most one decimal.
// go-humanize's IBytes prints "KiB" and always keeps the decimal, which is
// not the label the UI shows.
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	v := float64(n)
	unit := 0
	for v >= 1024 && unit < len(byteUnits)-1 {
		v /= 1024
		unit++
	}
	s := strconv.FormatFloat(v, 'f', 1, 64)
	s = strings.TrimSuffix(s, ".0")
	return s + " " + byteUnits[unit]
}

func FormatRelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	if d := now.Sub(t); d < time.Minute && d > -time.Minute {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
