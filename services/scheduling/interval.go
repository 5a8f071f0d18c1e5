package scheduling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout    = "2006-01-02"
	minutesPerDay = 24 * 60
)

// TimeOfDay is a wall-clock time expressed in minutes since midnight.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from an hour and a minute.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ClockOf returns the wall-clock part of t in t's own location.
func ClockOf(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute())
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// On places the time of day on the calendar day of date, in loc.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTimeOfDay accepts "15:04", "15:04:05", RFC3339 and MySQL datetime strings and
// keeps only the hour and minute.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("time value cannot be empty")
	}

	layout := "15:04"
	if strings.Count(value, ":") >= 2 {
		layout = "15:04:05"
	}

	t, err := time.Parse(layout, value)
	if err == nil {
		return ClockOf(t), nil
	}

	fallbackLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02T15:04",
	}
	for _, fallback := range fallbackLayouts {
		if parsed, altErr := time.Parse(fallback, value); altErr == nil {
			return ClockOf(parsed), nil
		}
	}

	return 0, fmt.Errorf("invalid time format %q: %w", value, err)
}

// TimeRange is a half-open [Start, End) interval within one day.
type TimeRange struct {
	Start TimeOfDay `json:"start_time"`
	End   TimeOfDay `json:"end_time"`
}

func (r TimeRange) Valid() bool {
	return r.Start >= 0 && r.End <= minutesPerDay && r.Start < r.End
}

func (r TimeRange) Duration() time.Duration {
	return time.Duration(r.End-r.Start) * time.Minute
}

func (r TimeRange) Overlaps(other TimeRange) bool {
	return Overlaps(r.Start, r.End, other.Start, other.End)
}

func (r TimeRange) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) share any instant.
// Back-to-back intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd TimeOfDay) bool {
	return aStart < bEnd && bStart < aEnd
}

// DateOf drops the clock from t and returns its calendar day as midnight UTC, so
// dates from different locations compare and index consistently.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a "2006-01-02" calendar date.
func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD", value)
	}
	return t, nil
}

func dateKey(t time.Time) string {
	return t.Format(dateLayout)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
