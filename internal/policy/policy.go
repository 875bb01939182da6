// Package policy implements the time-of-day admission rules for salons:
// mapping wall-clock time to an admission status, and validating proposed
// deploy-hour windows against the organization-wide blackout window.
//
// Everything here is a pure function of configuration and time; no state.
package policy

import (
	"fmt"
	"time"
)

// TimeStatus is a salon's current admission status.
type TimeStatus string

const (
	// AfterHours means deploys are closed for the day.
	AfterHours TimeStatus = "after_hours"

	// WorkTime means deploys are open.
	WorkTime TimeStatus = "work_time"

	// CleanupTime is the final hour of the deploy window: finish what is
	// in flight, do not start anything new and risky.
	CleanupTime TimeStatus = "cleanup_time"
)

// Clock is a time of day with minute resolution.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses a "HH:MM" string.
func ParseClock(s string) (Clock, error) {
	var c Clock
	if _, err := fmt.Sscanf(s, "%d:%d", &c.Hour, &c.Minute); err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 {
		return Clock{}, fmt.Errorf("invalid time of day %q", s)
	}
	return c, nil
}

// String renders the clock as "HH:MM".
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Minutes returns the clock as minutes since midnight.
func (c Clock) Minutes() int {
	return c.Hour*60 + c.Minute
}

// After reports whether c is strictly after other.
func (c Clock) After(other Clock) bool {
	return c.Minutes() > other.Minutes()
}

// workWeekdays are the days deploys are admitted at all. Fridays and
// weekends are always after-hours.
var workWeekdays = map[time.Weekday]bool{
	time.Monday:    true,
	time.Tuesday:   true,
	time.Wednesday: true,
	time.Thursday:  true,
}

// Status maps now to the salon's admission status. start and end are the
// salon's deploy hours in loc; the final hour before end is cleanup time.
func Status(start, end Clock, loc *time.Location, now time.Time) TimeStatus {
	local := now.In(loc)
	current := Clock{Hour: local.Hour(), Minute: local.Minute()}

	if current.Minutes() < start.Minutes() {
		return AfterHours
	}

	if !workWeekdays[local.Weekday()] {
		return AfterHours
	}

	if current.Minutes() < end.Minutes()-60 {
		return WorkTime
	}
	if current.Minutes() < end.Minutes() {
		return CleanupTime
	}
	return AfterHours
}

// Window is a time-of-day range in a specific zone.
type Window struct {
	Start Clock
	End   Clock
	TZ    string
}

// Location resolves the window's zone.
func (w Window) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(w.TZ)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", w.TZ, err)
	}
	return loc, nil
}

// OverlapError reports that a candidate deploy-hours window overlaps the
// blackout window, with the offending absolute range.
type OverlapError struct {
	BlackoutStart time.Time
	BlackoutEnd   time.Time
}

func (e *OverlapError) Error() string {
	return "deploy hours overlap the blackout window " + e.Range()
}

// Range renders the offending blackout range for user display.
func (e *OverlapError) Range() string {
	return fmt.Sprintf("%s - %s",
		e.BlackoutStart.Format("15:04 MST"), e.BlackoutEnd.Format("15:04 MST"))
}

// ErrInvalidRange is returned when a window's start is after its end.
var ErrInvalidRange = fmt.Errorf("deploy hours start must not be after end")

// ValidateHours checks a candidate deploy-hours window against the global
// blackout window. Both windows recur daily and may be expressed in
// different zones, so the candidate's "today" can straddle the blackout's
// calendar day in either direction; the blackout is re-checked shifted by
// one calendar day each way in its own zone.
func ValidateHours(candidate, blackout Window, now time.Time) error {
	if candidate.Start.After(candidate.End) {
		return ErrInvalidRange
	}

	candLoc, err := candidate.Location()
	if err != nil {
		return err
	}
	blackLoc, err := blackout.Location()
	if err != nil {
		return err
	}

	candStart, candEnd := instants(candidate, candLoc, now, 0)
	for _, offset := range []int{-1, 0, 1} {
		blackStart, blackEnd := instants(blackout, blackLoc, now, offset)
		if overlaps(candStart, candEnd, blackStart, blackEnd) {
			return &OverlapError{BlackoutStart: blackStart, BlackoutEnd: blackEnd}
		}
	}
	return nil
}

// instants converts a window to absolute start/end instants for "today"
// (in the window's own zone), shifted by offset calendar days.
func instants(w Window, loc *time.Location, now time.Time, offset int) (time.Time, time.Time) {
	local := now.In(loc)
	y, m, d := local.Date()
	start := time.Date(y, m, d+offset, w.Start.Hour, w.Start.Minute, 0, 0, loc)
	end := time.Date(y, m, d+offset, w.End.Hour, w.End.Minute, 0, 0, loc)
	return start, end
}

// overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	latestStart := aStart
	if bStart.After(latestStart) {
		latestStart = bStart
	}
	earliestEnd := aEnd
	if bEnd.Before(earliestEnd) {
		earliestEnd = bEnd
	}
	return latestStart.Before(earliestEnd)
}
