// Package windowspec parses the "/^\d+[smhd]$/" window-string config format
// shared by rate-limit windows, cache TTLs, and time-session durations.
package windowspec

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var pattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// Parse converts a window string like "1s", "5m", "1h", "1d" into a
// time.Duration. Invalid strings are a configuration error.
func Parse(s string) (time.Duration, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("windowspec: invalid window string %q (expected /^\\d+[smhd]$/)", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("windowspec: invalid window string %q: %w", s, err)
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}
