package schedule

import (
	"fmt"
	"time"

	"replybot/internal/model"
)

const (
	minutesPerDay = 24 * 60
	dateLayout    = "2006-01-02"
)

// ParseClock converts an HH:mm string into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil || len(s) != 5 {
		return 0, fmt.Errorf("invalid clock %q, want HH:mm", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ParseDate validates a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

// InWindow reports whether minute m of the day falls in [start, end).
// end < start wraps midnight; start == end covers the whole day.
func InWindow(m, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return m >= start && m < end
	default:
		return m >= start || m < end
	}
}

// IsPaused reports whether any enabled, non-excepted schedule covers now.
// now must already be in the user's local time zone.
func IsPaused(now time.Time, schedules []model.PauseSchedule) bool {
	return Active(now, schedules) != nil
}

// Active returns the first schedule pausing activity at now, or nil.
func Active(now time.Time, schedules []model.PauseSchedule) *model.PauseSchedule {
	m := now.Hour()*60 + now.Minute()
	today := now.Format(dateLayout)
	for i := range schedules {
		s := &schedules[i]
		if !s.Enabled || excepted(s, today) {
			continue
		}
		// Stored values are validated on write; anything else never matches.
		start, err := ParseClock(s.StartTime)
		if err != nil {
			continue
		}
		end, err := ParseClock(s.EndTime)
		if err != nil {
			continue
		}
		if InWindow(m, start, end) {
			return s
		}
	}
	return nil
}

func excepted(s *model.PauseSchedule, date string) bool {
	for _, d := range s.Exceptions {
		if d == date {
			return true
		}
	}
	return false
}

// NextResume returns the first minute at or after now when activity is not
// paused, searching up to two days ahead. ok is false if every minute in
// that range is paused.
func NextResume(now time.Time, schedules []model.PauseSchedule) (time.Time, bool) {
	cand := now.Truncate(time.Minute)
	for i := 0; i <= 2*minutesPerDay; i++ {
		if !IsPaused(cand, schedules) {
			if cand.Before(now) {
				return now, true
			}
			return cand, true
		}
		cand = cand.Add(time.Minute)
	}
	return time.Time{}, false
}

// Local converts now into the IANA zone tz. An empty or unknown zone is UTC.
func Local(now time.Time, tz string) time.Time {
	if tz == "" {
		return now.UTC()
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return now.UTC()
	}
	return now.In(loc)
}
