package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// clockMinutes is a time of day in minutes since midnight.
type clockMinutes int

func parseClock(s string) (clockMinutes, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return clockMinutes(h*60 + m), nil
}

// IsTradingTime reports whether now falls inside any configured session on a
// trading day. Weekends and configured holidays are closed. ForceTrading
// overrides the check entirely.
func (t *TradingConfig) IsTradingTime(now time.Time) bool {
	if t.ForceTrading {
		return true
	}
	if len(t.Sessions) == 0 {
		return false
	}
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	day := now.Format("2006-01-02")
	for _, h := range t.Holidays {
		if h == day {
			return false
		}
	}

	cur := clockMinutes(now.Hour()*60 + now.Minute())
	for _, w := range t.Sessions {
		start, err := parseClock(w.Start)
		if err != nil {
			continue
		}
		end, err := parseClock(w.End)
		if err != nil {
			continue
		}
		if start <= end {
			if cur >= start && cur < end {
				return true
			}
		} else {
			// Night session wrapping midnight.
			if cur >= start || cur < end {
				return true
			}
		}
	}
	return false
}
