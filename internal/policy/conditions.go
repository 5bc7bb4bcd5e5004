package policy

import (
	"strconv"
	"strings"
	"time"
)

var dayNames = [...]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// conditionsPass evaluates a rule's conditions against the agent's
// environment and a UTC reference clock. Nil conditions always pass;
// present keys are AND-ed.
func conditionsPass(c *Conditions, env string, now time.Time) bool {
	if c == nil {
		return true
	}
	now = now.UTC()

	if len(c.Env) > 0 {
		found := false
		for _, e := range c.Env {
			if e == env {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if c.TimeRange != nil {
		start := parseHHMM(c.TimeRange.Start, "00:00")
		end := parseHHMM(c.TimeRange.End, "23:59")
		// tz is recorded but evaluation stays in UTC for now.
		minutes := now.Hour()*60 + now.Minute()
		if minutes < start || minutes > end {
			return false
		}
	}

	if len(c.DayOfWeek) > 0 {
		// time.Weekday starts the week on Sunday; the stored names start
		// on Monday.
		today := dayNames[(int(now.Weekday())+6)%7]
		found := false
		for _, d := range c.DayOfWeek {
			if strings.EqualFold(d, today) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// parseHHMM converts "HH:MM" to minutes since midnight. An absent value
// takes the given default; a present but malformed one collapses to 0,
// matching the lenient handling of legacy stored rules.
func parseHHMM(value, def string) int {
	if value == "" {
		value = def
	}
	h, m, ok := strings.Cut(value, ":")
	if !ok {
		return 0
	}
	hour, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0
	}
	minute, err := strconv.Atoi(strings.TrimSpace(m))
	if err != nil {
		return 0
	}
	return hour*60 + minute
}
