package store

import (
	"strconv"
	"strings"
	"time"
)

// Elapsed returns how long a record has been running: from start to finish,
// or to now while unfinished. ok is false before the record started.
func Elapsed(start, finish *time.Time, now time.Time) (d time.Duration, ok bool) {
	if start == nil {
		return 0, false
	}
	end := now
	if finish != nil {
		end = *finish
	}
	d = end.Sub(*start)
	if d < 0 {
		d = 0
	}
	return d, true
}

// HumanDuration formats d as "1h 2m 3s", "2m 3s" or "3s".
func HumanDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	rest := seconds % 60

	var parts []string
	if hours > 0 {
		parts = append(parts, strconv.FormatInt(hours, 10)+"h")
	}
	if minutes > 0 || hours > 0 {
		parts = append(parts, strconv.FormatInt(minutes, 10)+"m")
	}
	parts = append(parts, strconv.FormatInt(rest, 10)+"s")
	return strings.Join(parts, " ")
}
