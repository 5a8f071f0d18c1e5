package scheduling

import (
	"fmt"
	"strings"
	"time"
)

// HolidayScope says which branches a holiday closes.
type HolidayScope string

const (
	ScopeNational HolidayScope = "national"
	ScopeBranch   HolidayScope = "branch"
)

// ParseHolidayScope validates a scope coming from storage or a request.
func ParseHolidayScope(value string) (HolidayScope, error) {
	switch scope := HolidayScope(strings.ToLower(strings.TrimSpace(value))); scope {
	case ScopeNational, ScopeBranch:
		return scope, nil
	default:
		return "", fmt.Errorf("invalid holiday scope %q", value)
	}
}

// HolidayRecord is one non-teaching day. BranchIDs is ignored for national holidays.
type HolidayRecord struct {
	Date      time.Time
	Scope     HolidayScope
	BranchIDs []uint
	Name      string
}

// HolidayLookup is what the generator and the checker need from a calendar.
type HolidayLookup interface {
	IsHoliday(date time.Time, branchID uint) bool
}

type holidayDay struct {
	national      bool
	nationalNames []string
	branches      map[uint][]string
}

// HolidayCalendar is an immutable snapshot of holiday records indexed by date.
// A nil *HolidayCalendar has no holidays.
type HolidayCalendar struct {
	days  map[string]*holidayDay
	count int
}

// NewHolidayCalendar indexes records by calendar date.
func NewHolidayCalendar(records []HolidayRecord) *HolidayCalendar {
	c := &HolidayCalendar{days: make(map[string]*holidayDay, len(records))}
	for _, record := range records {
		if record.Date.IsZero() {
			continue
		}
		key := dateKey(record.Date)
		day, ok := c.days[key]
		if !ok {
			day = &holidayDay{branches: make(map[uint][]string)}
			c.days[key] = day
		}
		if record.Scope == ScopeNational {
			day.national = true
			day.nationalNames = append(day.nationalNames, record.Name)
		} else {
			for _, branchID := range record.BranchIDs {
				day.branches[branchID] = append(day.branches[branchID], record.Name)
			}
		}
		c.count++
	}
	return c
}

// IsHoliday reports whether date is a non-teaching day for branchID.
func (c *HolidayCalendar) IsHoliday(date time.Time, branchID uint) bool {
	_, ok := c.HolidayName(date, branchID)
	return ok
}

// HolidayName returns the name of the holiday closing branchID on date. National
// holidays win over branch ones when both exist.
func (c *HolidayCalendar) HolidayName(date time.Time, branchID uint) (string, bool) {
	if c == nil {
		return "", false
	}
	day, ok := c.days[dateKey(date)]
	if !ok {
		return "", false
	}
	if day.national {
		return strings.Join(day.nationalNames, ", "), true
	}
	if names, ok := day.branches[branchID]; ok {
		return strings.Join(names, ", "), true
	}
	return "", false
}

// Len is the number of records in the snapshot.
func (c *HolidayCalendar) Len() int {
	if c == nil {
		return 0
	}
	return c.count
}
