package scheduling

import (
	"sort"
	"time"
)

// DefaultHorizonYears bounds how far the generator walks before giving up.
const DefaultHorizonYears = 10

// RecurrencePattern is "meets on these weekdays from StartDate until
// TargetSessionCount sessions have happened, skipping the branch's holidays".
type RecurrencePattern struct {
	DaysOfWeek         []time.Weekday `json:"days_of_week"`
	StartDate          time.Time      `json:"start_date"`
	TargetSessionCount int            `json:"target_session_count"`
	BranchID           uint           `json:"branch_id"`

	// Optional session time. Both zero means the sessions are untimed.
	StartTime TimeOfDay `json:"start_time"`
	EndTime   TimeOfDay `json:"end_time"`
	// Per-weekday overrides of StartTime/EndTime.
	SessionTimes map[time.Weekday]TimeRange `json:"session_times,omitempty"`
}

// GeneratedSession is one concrete occurrence of a class.
type GeneratedSession struct {
	SessionNumber int       `json:"session_number"`
	WeekNumber    int       `json:"week_number"`
	Date          time.Time `json:"date"`
	StartTime     TimeOfDay `json:"start_time"`
	EndTime       TimeOfDay `json:"end_time"`
	// Held is a vacated session whose makeup is still live. It keeps its date
	// and counts toward the target but is never regenerated.
	Held bool `json:"held,omitempty"`
}

// SkippedDate is a meeting day the generator passed over because of a holiday.
type SkippedDate struct {
	Date        time.Time `json:"date"`
	HolidayName string    `json:"holiday_name,omitempty"`
}

// Plan is the full generator output.
type Plan struct {
	Sessions []GeneratedSession `json:"sessions"`
	// FixedCount is how many leading sessions came from the completed input.
	FixedCount int           `json:"fixed_count"`
	EndDate    time.Time     `json:"end_date"`
	Skipped    []SkippedDate `json:"skipped,omitempty"`
}

// Generator expands recurrence patterns. The zero value uses DefaultHorizonYears.
type Generator struct {
	HorizonYears int
}

// GenerateSessions expands pattern with the default generator.
func GenerateSessions(pattern RecurrencePattern, completed []GeneratedSession, calendar HolidayLookup) ([]GeneratedSession, time.Time, error) {
	return Generator{}.Generate(pattern, completed, calendar)
}

// Generate returns exactly pattern.TargetSessionCount sessions numbered 1..N, the
// completed ones first, and the date of the last one as the new end date.
func (g Generator) Generate(pattern RecurrencePattern, completed []GeneratedSession, calendar HolidayLookup) ([]GeneratedSession, time.Time, error) {
	plan, err := g.Plan(pattern, completed, calendar)
	if err != nil {
		return nil, time.Time{}, err
	}
	return plan.Sessions, plan.EndDate, nil
}

// Plan is Generate plus the holidays that pushed the course out.
func (g Generator) Plan(pattern RecurrencePattern, completed []GeneratedSession, calendar HolidayLookup) (Plan, error) {
	return g.PlanAround(pattern, completed, nil, calendar)
}

// PlanAround is Plan for a class that also has held sessions. Held dates are
// not reused, and the held sessions are numbered in date order together with
// the newly placed ones after the completed prefix.
func (g Generator) PlanAround(pattern RecurrencePattern, completed, held []GeneratedSession, calendar HolidayLookup) (Plan, error) {
	if err := pattern.Validate(); err != nil {
		return Plan{}, err
	}

	horizon := g.HorizonYears
	if horizon <= 0 {
		horizon = DefaultHorizonYears
	}

	var meets [7]bool
	for _, day := range pattern.DaysOfWeek {
		meets[day] = true
	}

	if len(completed)+len(held) > pattern.TargetSessionCount {
		return Plan{}, wrapf(ErrCompletedExceedsTarget, "%d completed and %d held, target %d",
			len(completed), len(held), pattern.TargetSessionCount)
	}

	sessions := fixedPrefix(completed)
	plan := Plan{FixedCount: len(sessions)}

	tail := make([]GeneratedSession, 0, pattern.TargetSessionCount-len(sessions))
	taken := make(map[string]bool, len(held))
	for _, session := range held {
		session.Date = DateOf(session.Date)
		session.Held = true
		taken[dateKey(session.Date)] = true
		tail = append(tail, session)
	}

	start := DateOf(pattern.StartDate)
	firstWeek := start.AddDate(0, 0, -int(start.Weekday()))

	resume := start
	if len(sessions) > 0 {
		resume = sessions[len(sessions)-1].Date.AddDate(0, 0, 1)
	}
	deadline := resume.AddDate(horizon, 0, 0)

	for day := resume; len(sessions)+len(tail) < pattern.TargetSessionCount; day = day.AddDate(0, 0, 1) {
		if day.After(deadline) {
			return Plan{}, wrapf(ErrUnsatisfiable, "placed %d of %d sessions before %s",
				len(sessions)+len(tail), pattern.TargetSessionCount, dateKey(deadline))
		}
		if !meets[day.Weekday()] || taken[dateKey(day)] {
			continue
		}
		if calendar != nil && calendar.IsHoliday(day, pattern.BranchID) {
			plan.Skipped = append(plan.Skipped, SkippedDate{Date: day, HolidayName: holidayName(calendar, day, pattern.BranchID)})
			continue
		}

		slot := pattern.timesFor(day.Weekday())
		tail = append(tail, GeneratedSession{
			WeekNumber: int(day.Sub(firstWeek).Hours()/24)/7 + 1,
			Date:       day,
			StartTime:  slot.Start,
			EndTime:    slot.End,
		})
	}

	sort.SliceStable(tail, func(i, j int) bool { return tail[i].Date.Before(tail[j].Date) })
	for i := range tail {
		tail[i].SessionNumber = len(sessions) + i + 1
	}
	sessions = append(sessions, tail...)

	plan.Sessions = sessions
	if len(sessions) > 0 {
		plan.EndDate = sessions[len(sessions)-1].Date
	}
	return plan, nil
}

// Validate checks the pattern before any date is walked.
func (p RecurrencePattern) Validate() error {
	if len(p.DaysOfWeek) == 0 {
		return ErrNoWeekdays
	}
	for _, day := range p.DaysOfWeek {
		if day < time.Sunday || day > time.Saturday {
			return wrapf(ErrInvalidWeekday, "got %d", int(day))
		}
	}
	if p.TargetSessionCount <= 0 {
		return wrapf(ErrInvalidTargetCount, "got %d", p.TargetSessionCount)
	}
	if p.StartDate.IsZero() {
		return ErrMissingStartDate
	}
	if p.timed() && !(TimeRange{Start: p.StartTime, End: p.EndTime}).Valid() {
		return wrapf(ErrInvalidTimeRange, "%s-%s", p.StartTime, p.EndTime)
	}
	for day, r := range p.SessionTimes {
		if !r.Valid() {
			return wrapf(ErrInvalidTimeRange, "%s %s", day, r)
		}
	}
	return nil
}

func (p RecurrencePattern) timed() bool {
	return p.StartTime != 0 || p.EndTime != 0
}

func (p RecurrencePattern) timesFor(day time.Weekday) TimeRange {
	if r, ok := p.SessionTimes[day]; ok {
		return r
	}
	return TimeRange{Start: p.StartTime, End: p.EndTime}
}

// fixedPrefix orders completed sessions by date and renumbers them 1..K.
func fixedPrefix(completed []GeneratedSession) []GeneratedSession {
	fixed := make([]GeneratedSession, len(completed))
	copy(fixed, completed)
	sort.SliceStable(fixed, func(i, j int) bool {
		if fixed[i].Date.Equal(fixed[j].Date) {
			return fixed[i].SessionNumber < fixed[j].SessionNumber
		}
		return fixed[i].Date.Before(fixed[j].Date)
	})
	for i := range fixed {
		fixed[i].Date = DateOf(fixed[i].Date)
		fixed[i].SessionNumber = i + 1
	}
	return fixed
}

func holidayName(calendar HolidayLookup, day time.Time, branchID uint) string {
	if named, ok := calendar.(interface {
		HolidayName(time.Time, uint) (string, bool)
	}); ok {
		name, _ := named.HolidayName(day, branchID)
		return name
	}
	return ""
}

// SessionCountForHours converts an hours budget into a session count, rounding
// a partial last session up.
func SessionCountForHours(totalHours, hoursPerSession int) int {
	if totalHours <= 0 || hoursPerSession <= 0 {
		return 0
	}
	return (totalHours + hoursPerSession - 1) / hoursPerSession
}
