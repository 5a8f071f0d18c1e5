package scheduling

import (
	"fmt"
	"strings"
	"time"
)

// SlotKind is the closed set of bookings that occupy a room and a teacher.
type SlotKind string

const (
	KindClass  SlotKind = "class"
	KindMakeup SlotKind = "makeup"
	KindTrial  SlotKind = "trial"
)

// ParseSlotKind validates a kind coming from a request or from storage.
func ParseSlotKind(value string) (SlotKind, error) {
	switch kind := SlotKind(strings.ToLower(strings.TrimSpace(value))); kind {
	case KindClass, KindMakeup, KindTrial:
		return kind, nil
	default:
		return "", fmt.Errorf("invalid slot kind %q", value)
	}
}

// ResourceSlot is an existing booking on one date. Zero RoomID or TeacherID means
// the booking holds no room or no teacher.
type ResourceSlot struct {
	Date      time.Time `json:"date"`
	StartTime TimeOfDay `json:"start_time"`
	EndTime   TimeOfDay `json:"end_time"`
	BranchID  uint      `json:"branch_id"`
	RoomID    uint      `json:"room_id"`
	TeacherID uint      `json:"teacher_id"`
	Kind      SlotKind  `json:"kind"`
	OwnerID   uint      `json:"owner_id"`
	Label     string    `json:"label,omitempty"`
}

func (s ResourceSlot) Range() TimeRange {
	return TimeRange{Start: s.StartTime, End: s.EndTime}
}

func (s ResourceSlot) describe() string {
	name := s.Label
	if name == "" {
		name = fmt.Sprintf("%s #%d", s.Kind, s.OwnerID)
	}
	return fmt.Sprintf("%s (%s %s)", name, dateKey(s.Date), s.Range())
}

// ProposedSlot is a booking not persisted yet. During a reschedule ExcludeOwnerID
// and ExcludeKind name the booking being moved so it does not collide with itself.
type ProposedSlot struct {
	ResourceSlot
	ExcludeOwnerID uint     `json:"exclude_owner_id,omitempty"`
	ExcludeKind    SlotKind `json:"exclude_kind,omitempty"`
}

func (p ProposedSlot) excludes(slot ResourceSlot) bool {
	return p.ExcludeKind != "" && slot.OwnerID == p.ExcludeOwnerID && slot.Kind == p.ExcludeKind
}

type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

type IssueCode string

const (
	IssueInvalidRange    IssueCode = "invalid_range"
	IssueHoliday         IssueCode = "holiday"
	IssueRoomConflict    IssueCode = "room_conflict"
	IssueTeacherConflict IssueCode = "teacher_conflict"
)

// AvailabilityIssue is one finding of a check.
type AvailabilityIssue struct {
	Severity        Severity      `json:"severity"`
	Code            IssueCode     `json:"code"`
	Message         string        `json:"message"`
	ConflictingSlot *ResourceSlot `json:"conflicting_slot,omitempty"`
}

// AvailabilityResult lists issues in discovery order. An empty list means the slot
// is free.
type AvailabilityResult struct {
	Issues []AvailabilityIssue `json:"issues"`
}

func (r AvailabilityResult) HasBlocking() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

func (r AvailabilityResult) Blocking() []AvailabilityIssue {
	return r.filter(SeverityBlocking)
}

func (r AvailabilityResult) Warnings() []AvailabilityIssue {
	return r.filter(SeverityWarning)
}

func (r AvailabilityResult) Clear() bool {
	return len(r.Issues) == 0
}

func (r AvailabilityResult) filter(severity Severity) []AvailabilityIssue {
	out := make([]AvailabilityIssue, 0, len(r.Issues))
	for _, issue := range r.Issues {
		if issue.Severity == severity {
			out = append(out, issue)
		}
	}
	return out
}

// ConflictPolicy controls how hard room double-bookings are. Escalation only
// touches makeup/trial pairs: trial-on-trial sharing and anything involving a
// class slot stay warnings under every policy.
type ConflictPolicy struct {
	EscalateRoomWarnings bool `json:"escalate_room_warnings"`
}

// CheckAvailability classifies everything that stands in the way of booking
// proposed. It never returns an error: a bad time range is reported as a blocking
// issue. A holiday is reported alone, without the room and teacher conflicts.
func CheckAvailability(proposed ProposedSlot, calendar HolidayLookup, busySlots []ResourceSlot, policy ConflictPolicy) AvailabilityResult {
	result := AvailabilityResult{Issues: []AvailabilityIssue{}}

	if !proposed.Range().Valid() {
		result.Issues = append(result.Issues, AvailabilityIssue{
			Severity: SeverityBlocking,
			Code:     IssueInvalidRange,
			Message:  fmt.Sprintf("start time %s must be before end time %s", proposed.StartTime, proposed.EndTime),
		})
		return result
	}

	if calendar != nil && calendar.IsHoliday(proposed.Date, proposed.BranchID) {
		message := fmt.Sprintf("%s is a holiday for this branch", dateKey(proposed.Date))
		if name := holidayName(calendar, proposed.Date, proposed.BranchID); name != "" {
			message = fmt.Sprintf("%s is a holiday for this branch (%s)", dateKey(proposed.Date), name)
		}
		result.Issues = append(result.Issues, AvailabilityIssue{
			Severity: SeverityBlocking,
			Code:     IssueHoliday,
			Message:  message,
		})
		return result
	}

	for i := range busySlots {
		candidate := busySlots[i]
		if !sameDate(candidate.Date, proposed.Date) || candidate.BranchID != proposed.BranchID {
			continue
		}
		if proposed.excludes(candidate) {
			continue
		}
		if !candidate.Range().Valid() || !proposed.Range().Overlaps(candidate.Range()) {
			continue
		}

		if proposed.RoomID != 0 && candidate.RoomID == proposed.RoomID {
			slot := candidate
			result.Issues = append(result.Issues, AvailabilityIssue{
				Severity:        roomSeverity(proposed.Kind, candidate.Kind, policy),
				Code:            IssueRoomConflict,
				Message:         fmt.Sprintf("room %d is already booked by %s", proposed.RoomID, candidate.describe()),
				ConflictingSlot: &slot,
			})
		}
		if proposed.TeacherID != 0 && candidate.TeacherID == proposed.TeacherID {
			slot := candidate
			result.Issues = append(result.Issues, AvailabilityIssue{
				Severity:        SeverityWarning,
				Code:            IssueTeacherConflict,
				Message:         fmt.Sprintf("teacher %d is already teaching %s", proposed.TeacherID, candidate.describe()),
				ConflictingSlot: &slot,
			})
		}
	}

	return result
}

func roomSeverity(proposed, existing SlotKind, policy ConflictPolicy) Severity {
	if !proposed.known() || !existing.known() {
		// Unknown kinds never pass silently.
		return SeverityBlocking
	}
	// class slots only ever warn; holidays are the one thing that blocks them.
	if proposed == KindClass || existing == KindClass {
		return SeverityWarning
	}
	if proposed == KindTrial && existing == KindTrial {
		return SeverityWarning
	}
	if policy.EscalateRoomWarnings {
		return SeverityBlocking
	}
	return SeverityWarning
}

func (k SlotKind) known() bool {
	switch k {
	case KindClass, KindMakeup, KindTrial:
		return true
	}
	return false
}
