package admin

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidTime = errors.New("invalid time")

// ParseTime accepts HH:MM, HHMM, HMM and H or HH (minute 0).
func ParseTime(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("%w: empty", ErrInvalidTime)
	}

	var hs, ms string
	if h, m, ok := strings.Cut(s, ":"); ok {
		if !digits(h) || !digits(m) || strings.Contains(m, ":") {
			return 0, 0, fmt.Errorf("%w: %q, want HH:MM", ErrInvalidTime, s)
		}
		hs, ms = h, m
	} else {
		if !digits(s) {
			return 0, 0, fmt.Errorf("%w: %q, want HH:MM or HHMM", ErrInvalidTime, s)
		}
		switch len(s) {
		case 4:
			hs, ms = s[:2], s[2:]
		case 3:
			hs, ms = s[:1], s[1:]
		case 1, 2:
			hs, ms = s, "0"
		default:
			return 0, 0, fmt.Errorf("%w: %q, want HHMM, HMM or H", ErrInvalidTime, s)
		}
	}

	hour, _ = strconv.Atoi(hs)
	minute, _ = strconv.Atoi(ms)
	if hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour %d out of range 0-23", ErrInvalidTime, hour)
	}
	if minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute %d out of range 0-59", ErrInvalidTime, minute)
	}
	return hour, minute, nil
}

func digits(s string) bool {
	if s == "" || len(s) > 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
