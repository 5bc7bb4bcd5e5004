package storage

import (
	"fmt"
	"time"
)

// timeLayout is the canonical text form for every timestamp column. The
// width is fixed (microseconds always rendered) so that lexicographic
// comparison of stored values matches chronological order on both backends.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in the canonical column form, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a timestamp column value. Values written by other tools
// in plain RFC 3339 are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Now returns the current UTC time truncated to microseconds, the precision
// the timestamp columns carry.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
