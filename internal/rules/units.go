package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// ageUnits is ordered so longer suffixes are tried first ("mo" before "m",
// "min" before "m").
var ageUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"min", time.Minute},
	{"mo", month},
	{"s", time.Second},
	{"h", time.Hour},
	{"d", day},
	{"w", week},
	{"m", month},
	{"y", year},
}

// ParseAge parses an age such as "30d", "2w", "6mo", "1y" or "12h". A bare "m"
// means months, matching Gmail's older_than syntax; use "min" for minutes.
// Anything else falls back to time.ParseDuration ("1h30m").
func ParseAge(raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrBadValue)
	}
	for _, u := range ageUnits {
		num, ok := strings.CutSuffix(s, u.suffix)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
		if err != nil {
			break
		}
		if n <= 0 {
			return 0, fmt.Errorf("%w: duration %q must be positive", ErrBadValue, raw)
		}
		if n > math.MaxInt64/int64(u.unit) {
			return 0, fmt.Errorf("%w: duration %q is too large", ErrBadValue, raw)
		}
		return time.Duration(n) * u.unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q: %w", ErrBadValue, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: duration %q must be positive", ErrBadValue, raw)
	}
	return d, nil
}

var sizeUnits = []struct {
	suffix string
	unit   int64
}{
	{"kb", 1 << 10},
	{"mb", 1 << 20},
	{"gb", 1 << 30},
	{"k", 1 << 10},
	{"m", 1 << 20},
	{"g", 1 << 30},
	{"b", 1},
}

// ParseSize parses a byte count such as "1048576", "512K", "5M" or "1GB".
func ParseSize(raw string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("%w: empty size", ErrBadValue)
	}
	unit := int64(1)
	for _, u := range sizeUnits {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			s, unit = strings.TrimSpace(num), u.unit
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q", ErrBadValue, raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: size %q must not be negative", ErrBadValue, raw)
	}
	if n > math.MaxInt64/unit {
		return 0, fmt.Errorf("%w: size %q is too large", ErrBadValue, raw)
	}
	return n * unit, nil
}
