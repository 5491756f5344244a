// Package reminder turns reminder preferences into concrete delays and posts
// them to the worker as SCHEDULE_NOTIFICATION messages.
package reminder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultCutoffHour is the hour after which the weekly event day itself
// counts as past, so the reminder rolls to the following week.
const DefaultCutoffHour = 20

// ErrInvalidClock is returned by ParseClock for anything but a valid "HH:MM".
var ErrInvalidClock = errors.New("invalid clock time")

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (24h). Single-digit hours are accepted.
func ParseClock(s string) (Clock, error) {
	h, m, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || len(m) != 2 || minute < 0 || minute > 59 {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// on returns c on the calendar day of t, in t's location, with zero seconds.
func (c Clock) on(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

// UntilDaily returns the delay from now to the next hour:minute. A time that
// is not strictly after now (including exactly now) rolls to tomorrow.
//
// Callers recompute it on every scheduling pass instead of storing an
// absolute instant, so a zone change between passes is picked up.
func UntilDaily(now time.Time, hour, minute int) time.Duration {
	target := Clock{Hour: hour, Minute: minute}.on(now)
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target.Sub(now)
}

// UntilWeekly returns the delay from now to lead before the next event on
// weekday at event. If today is weekday and now is at or past cutoffHour, the
// event rolls to next week. ok is false when the notification time is not in
// the future; the caller must skip scheduling rather than fire late.
func UntilWeekly(now time.Time, weekday time.Weekday, event Clock, lead time.Duration, cutoffHour int) (delay time.Duration, ok bool) {
	days := (int(weekday) - int(now.Weekday()) + 7) % 7
	if days == 0 && now.Hour() >= cutoffHour {
		days = 7
	}

	day := now.AddDate(0, 0, days)
	notifyAt := event.on(day).Add(-lead)

	delay = notifyAt.Sub(now)
	if delay <= 0 {
		return 0, false
	}
	return delay, true
}
