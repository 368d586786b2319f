// Package daywindow decides when live room status is worth polling: only
// inside the opening hours of a conference day.
package daywindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"confsync/internal/model"
)

const (
	DefaultStart    = 8*time.Hour + 30*time.Minute
	DefaultEnd      = 19 * time.Hour
	DefaultLocation = "Europe/Brussels"
)

// Window is the result of one evaluation.
type Window struct {
	Live bool
	// NextWake is when the evaluation must be repeated. Zero means never:
	// every known day is over.
	NextWake time.Time
}

// Evaluate returns whether now falls inside the window [date+start, date+end)
// of one of days, and when the answer next changes. Days are expected in
// chronological order; the first day whose window has not ended decides.
// start and end are offsets from midnight in loc.
func Evaluate(days []model.Day, now time.Time, start, end time.Duration, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	for _, day := range days {
		from, to := Bounds(day, start, end, loc)
		if !now.Before(to) {
			continue
		}
		if now.Before(from) {
			return Window{Live: false, NextWake: from}
		}
		return Window{Live: true, NextWake: to}
	}
	return Window{}
}

// Bounds returns the window of day. Offsets are wall-clock times in loc, so
// "08:30" stays 08:30 on a DST transition day.
func Bounds(day model.Day, start, end time.Duration, loc *time.Location) (time.Time, time.Time) {
	d := day.Date.In(loc)
	return wallClock(d, start, loc), wallClock(d, end, loc)
}

func wallClock(d time.Time, offset time.Duration, loc *time.Location) time.Time {
	h := int(offset / time.Hour)
	m := int((offset % time.Hour) / time.Minute)
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc)
}

// ParseTimeOfDay parses "HH:MM" into an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("daywindow: expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("daywindow: invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("daywindow: invalid minute in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// FormatTimeOfDay is the inverse of ParseTimeOfDay.
func FormatTimeOfDay(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int((d%time.Hour)/time.Minute))
}
