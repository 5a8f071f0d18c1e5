package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"englishkorat_scheduler/models"
	"englishkorat_scheduler/services/scheduling"

	"gorm.io/gorm"
)

const (
	SessionStatusScheduled   = "scheduled"
	SessionStatusCompleted   = "completed"
	SessionStatusCancelled   = "cancelled"
	SessionStatusRescheduled = "rescheduled"
	SessionStatusNoShow      = "no-show"

	TrialStatusBooked = "booked"
)

// สถานะ session ที่ไม่ใช้ห้อง/ครูแล้ว
var releasedSessionStatuses = []string{SessionStatusCancelled, SessionStatusNoShow, SessionStatusRescheduled}

// classes that hold rooms on the calendar
var bookedScheduleStatuses = []string{string(scheduling.ClassScheduled), string(scheduling.ClassAssigned)}

// ScheduleStore is the GORM adapter between the scheduling engine and MySQL.
type ScheduleStore struct {
	db  *gorm.DB
	loc *time.Location
}

func NewScheduleStore(db *gorm.DB, loc *time.Location) *ScheduleStore {
	if loc == nil {
		loc = time.Local
	}
	return &ScheduleStore{db: db, loc: loc}
}

func (s *ScheduleStore) Location() *time.Location { return s.loc }

// LoadHolidayCalendar snapshots every holiday into an engine calendar.
func (s *ScheduleStore) LoadHolidayCalendar(ctx context.Context) (*scheduling.HolidayCalendar, error) {
	var holidays []models.Holiday
	if err := s.db.WithContext(ctx).Preload("Branches").Find(&holidays).Error; err != nil {
		return nil, fmt.Errorf("load holidays: %w", err)
	}

	records := make([]scheduling.HolidayRecord, 0, len(holidays))
	for _, h := range holidays {
		records = append(records, holidayRecord(h))
	}
	return scheduling.NewHolidayCalendar(records), nil
}

func holidayRecord(h models.Holiday) scheduling.HolidayRecord {
	scope, err := scheduling.ParseHolidayScope(h.Scope)
	if err != nil {
		// unknown scope rows close nothing rather than everything
		scope = scheduling.ScopeBranch
	}
	branchIDs := make([]uint, 0, len(h.Branches))
	for _, b := range h.Branches {
		branchIDs = append(branchIDs, b.BranchID)
	}
	return scheduling.HolidayRecord{
		Date:      scheduling.DateOf(h.Date),
		Scope:     scope,
		BranchIDs: branchIDs,
		Name:      h.Name,
	}
}

type busySessionRow struct {
	SessionID    uint       `gorm:"column:session_id"`
	ScheduleID   uint       `gorm:"column:schedule_id"`
	ScheduleName string     `gorm:"column:schedule_name"`
	BranchID     uint       `gorm:"column:branch_id"`
	SessionDate  *time.Time `gorm:"column:session_date"`
	StartTime    *time.Time `gorm:"column:start_time"`
	EndTime      *time.Time `gorm:"column:end_time"`
	IsMakeup     bool       `gorm:"column:is_makeup"`
	RoomID       *uint      `gorm:"column:room_id"`
	TeacherID    *uint      `gorm:"column:teacher_id"`
}

// BusySlots returns every class, makeup and trial booking of a branch on date.
func (s *ScheduleStore) BusySlots(ctx context.Context, branchID uint, date time.Time) ([]scheduling.ResourceSlot, error) {
	day := dateValue(date)

	var rows []busySessionRow
	err := s.db.WithContext(ctx).Table("schedule_sessions").
		Select("schedule_sessions.id AS session_id, schedule_sessions.schedule_id, schedules.schedule_name, schedules.branch_id, schedule_sessions.session_date, schedule_sessions.start_time, schedule_sessions.end_time, schedule_sessions.is_makeup, COALESCE(schedule_sessions.room_id, schedules.default_room_id) AS room_id, COALESCE(schedule_sessions.assigned_teacher_id, schedules.default_teacher_id) AS teacher_id").
		Joins("JOIN schedules ON schedules.id = schedule_sessions.schedule_id").
		Where("schedules.branch_id = ?", branchID).
		Where("schedule_sessions.session_date = ?", day).
		Where("schedule_sessions.status NOT IN ?", releasedSessionStatuses).
		Where("schedules.status IN ?", bookedScheduleStatuses).
		Where("schedule_sessions.deleted_at IS NULL AND schedules.deleted_at IS NULL").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load busy sessions: %w", err)
	}

	var trials []models.TrialSession
	err = s.db.WithContext(ctx).
		Where("branch_id = ? AND session_date = ? AND status = ?", branchID, day, TrialStatusBooked).
		Find(&trials).Error
	if err != nil {
		return nil, fmt.Errorf("load busy trials: %w", err)
	}

	slots := make([]scheduling.ResourceSlot, 0, len(rows)+len(trials))
	for _, row := range rows {
		if slot, ok := sessionSlot(row, s.loc); ok {
			slots = append(slots, slot)
		}
	}
	for _, trial := range trials {
		if slot, ok := trialSlot(trial, s.loc); ok {
			slots = append(slots, slot)
		}
	}
	sortSlots(slots)
	return slots, nil
}

// sessionSlot projects a session row. Regular sessions are owned by their class,
// makeups by themselves.
func sessionSlot(row busySessionRow, loc *time.Location) (scheduling.ResourceSlot, bool) {
	if row.SessionDate == nil || row.StartTime == nil || row.EndTime == nil {
		return scheduling.ResourceSlot{}, false
	}
	slot := scheduling.ResourceSlot{
		Date:      scheduling.DateOf(*row.SessionDate),
		StartTime: scheduling.ClockOf(row.StartTime.In(loc)),
		EndTime:   scheduling.ClockOf(row.EndTime.In(loc)),
		BranchID:  row.BranchID,
		RoomID:    derefUint(row.RoomID),
		TeacherID: derefUint(row.TeacherID),
		Kind:      scheduling.KindClass,
		OwnerID:   row.ScheduleID,
		Label:     row.ScheduleName,
	}
	if row.IsMakeup {
		slot.Kind = scheduling.KindMakeup
		slot.OwnerID = row.SessionID
		slot.Label = row.ScheduleName + " (makeup)"
	}
	return slot, true
}

func trialSlot(trial models.TrialSession, loc *time.Location) (scheduling.ResourceSlot, bool) {
	if trial.Session_date == nil || trial.Start_time == nil || trial.End_time == nil {
		return scheduling.ResourceSlot{}, false
	}
	label := "Trial"
	if trial.StudentName != "" {
		label = "Trial: " + trial.StudentName
	}
	return scheduling.ResourceSlot{
		Date:      scheduling.DateOf(*trial.Session_date),
		StartTime: scheduling.ClockOf(trial.Start_time.In(loc)),
		EndTime:   scheduling.ClockOf(trial.End_time.In(loc)),
		BranchID:  trial.BranchID,
		RoomID:    derefUint(trial.RoomID),
		TeacherID: derefUint(trial.TeacherID),
		Kind:      scheduling.KindTrial,
		OwnerID:   trial.ID,
		Label:     label,
	}, true
}

// ActiveClasses loads every class the bulk rescheduler should regenerate. A class
// whose stored pattern cannot be read is reported in loadErrors instead of failing
// the whole load.
func (s *ScheduleStore) ActiveClasses(ctx context.Context) (classes []scheduling.ClassWithPattern, loadErrors map[uint]error, err error) {
	var schedules []models.Schedules
	err = s.db.WithContext(ctx).
		Preload("Sessions").
		Where("schedule_type = ? AND auto_reschedule_holiday = ?", "class", true).
		Where("status NOT IN ?", []string{string(scheduling.ClassCompleted), string(scheduling.ClassCancelled)}).
		Order("id").
		Find(&schedules).Error
	if err != nil {
		return nil, nil, fmt.Errorf("load active classes: %w", err)
	}

	loadErrors = make(map[uint]error)
	classes = make([]scheduling.ClassWithPattern, 0, len(schedules))
	for _, schedule := range schedules {
		class, convErr := ClassFromSchedule(schedule, s.loc)
		if convErr != nil {
			loadErrors[schedule.ID] = convErr
			continue
		}
		classes = append(classes, class)
	}
	return classes, loadErrors, nil
}

// ClassByID loads one class with its sessions.
func (s *ScheduleStore) ClassByID(ctx context.Context, id uint) (scheduling.ClassWithPattern, error) {
	var schedule models.Schedules
	err := s.db.WithContext(ctx).
		Preload("Sessions").
		First(&schedule, id).Error
	if err != nil {
		return scheduling.ClassWithPattern{}, err
	}
	return ClassFromSchedule(schedule, s.loc)
}

// ClassFromSchedule converts a stored class into engine input.
func ClassFromSchedule(schedule models.Schedules, loc *time.Location) (scheduling.ClassWithPattern, error) {
	pattern, err := PatternFromSchedule(schedule)
	if err != nil {
		return scheduling.ClassWithPattern{}, err
	}

	// originals whose makeup still runs
	madeUp := make(map[uint]bool)
	for _, session := range schedule.Sessions {
		if session.Is_makeup && session.Makeup_for_session_id != nil && session.Status != SessionStatusCancelled {
			madeUp[*session.Makeup_for_session_id] = true
		}
	}

	sessions := make([]scheduling.StoredSession, 0, len(schedule.Sessions))
	for _, session := range schedule.Sessions {
		if session.Is_makeup || session.Session_date == nil {
			continue
		}
		completed := session.Status == SessionStatusCompleted
		stored := scheduling.StoredSession{
			GeneratedSession: scheduling.GeneratedSession{
				SessionNumber: session.Session_number,
				WeekNumber:    session.Week_number,
				Date:          scheduling.DateOf(*session.Session_date),
				Held:          !completed && madeUp[session.ID],
			},
			Completed: completed,
		}
		if session.Start_time != nil && session.End_time != nil {
			stored.StartTime = scheduling.ClockOf(session.Start_time.In(loc))
			stored.EndTime = scheduling.ClockOf(session.End_time.In(loc))
		}
		sessions = append(sessions, stored)
	}

	return scheduling.ClassWithPattern{
		ClassID:  schedule.ID,
		Name:     schedule.ScheduleName,
		Status:   scheduling.ClassStatus(schedule.Status),
		Pattern:  pattern,
		Sessions: sessions,
	}, nil
}

// PatternFromSchedule reads the recurrence of a stored class. Weekday and count
// checks are left to the generator so they surface with engine error codes.
func PatternFromSchedule(schedule models.Schedules) (scheduling.RecurrencePattern, error) {
	pattern := scheduling.RecurrencePattern{
		StartDate:          scheduling.DateOf(schedule.Start_date),
		TargetSessionCount: schedule.Target_session_count,
		BranchID:           schedule.BranchID,
	}
	if pattern.TargetSessionCount == 0 {
		pattern.TargetSessionCount = scheduling.SessionCountForHours(schedule.Total_hours, schedule.Hours_per_session)
	}

	for _, d := range schedule.Days_of_week {
		pattern.DaysOfWeek = append(pattern.DaysOfWeek, time.Weekday(d))
	}

	if schedule.Start_time != "" {
		start, err := scheduling.ParseTimeOfDay(schedule.Start_time)
		if err != nil {
			return pattern, fmt.Errorf("schedule %d start_time: %w", schedule.ID, err)
		}
		pattern.StartTime = start
		switch {
		case schedule.End_time != "":
			end, err := scheduling.ParseTimeOfDay(schedule.End_time)
			if err != nil {
				return pattern, fmt.Errorf("schedule %d end_time: %w", schedule.ID, err)
			}
			pattern.EndTime = end
		case schedule.Hours_per_session > 0:
			pattern.EndTime = start + scheduling.TimeOfDay(schedule.Hours_per_session*60)
		}
	}

	overrides := schedule.Session_times.Data()
	if len(overrides) > 0 {
		pattern.SessionTimes = make(map[time.Weekday]scheduling.TimeRange, len(overrides))
		for key, slot := range overrides {
			weekday, err := strconv.Atoi(key)
			if err != nil || weekday < 0 || weekday > 6 {
				return pattern, fmt.Errorf("schedule %d session_times: invalid weekday %q", schedule.ID, key)
			}
			start, err := scheduling.ParseTimeOfDay(slot.StartTime)
			if err != nil {
				return pattern, fmt.Errorf("schedule %d session_times[%s]: %w", schedule.ID, key, err)
			}
			end, err := scheduling.ParseTimeOfDay(slot.EndTime)
			if err != nil {
				return pattern, fmt.Errorf("schedule %d session_times[%s]: %w", schedule.ID, key, err)
			}
			pattern.SessionTimes[time.Weekday(weekday)] = scheduling.TimeRange{Start: start, End: end}
		}
	}

	return pattern, nil
}

// ReplaceSessions swaps every non-completed regular session of a class for the
// regenerated ones and stores the new end date, all in one transaction. Held
// sessions stay and are only renumbered.
func (s *ScheduleStore) ReplaceSessions(ctx context.Context, regen scheduling.Regeneration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var schedule models.Schedules
		if err := tx.First(&schedule, regen.ClassID).Error; err != nil {
			return fmt.Errorf("load schedule %d: %w", regen.ClassID, err)
		}

		var completed []models.Schedule_Sessions
		err := tx.Where("schedule_id = ? AND is_makeup = ? AND status = ?", schedule.ID, false, SessionStatusCompleted).
			Order("session_date, session_number").
			Find(&completed).Error
		if err != nil {
			return fmt.Errorf("load completed sessions: %w", err)
		}
		if len(completed) != regen.FixedCount {
			return fmt.Errorf("schedule %d: %d completed sessions changed to %d during regeneration", schedule.ID, regen.FixedCount, len(completed))
		}
		// คาบที่เรียนไปแล้วเรียงเลขใหม่ 1..K ให้ตรงกับที่ generator ใช้
		for i := range completed {
			if completed[i].Session_number == i+1 {
				continue
			}
			err := tx.Model(&completed[i]).Update("session_number", i+1).Error
			if err != nil {
				return fmt.Errorf("renumber session %d: %w", completed[i].ID, err)
			}
		}

		var planned, held []scheduling.GeneratedSession
		for _, session := range regen.Sessions[regen.FixedCount:] {
			if session.Held {
				held = append(held, session)
			} else {
				planned = append(planned, session)
			}
		}
		keep, err := s.renumberHeld(tx, schedule.ID, held)
		if err != nil {
			return err
		}

		stale := tx.Where("schedule_id = ? AND is_makeup = ? AND status <> ?", schedule.ID, false, SessionStatusCompleted)
		if len(keep) > 0 {
			stale = stale.Where("id NOT IN ?", keep)
		}
		if err := stale.Delete(&models.Schedule_Sessions{}).Error; err != nil {
			return fmt.Errorf("clear future sessions: %w", err)
		}

		fresh := sessionRows(schedule, planned, s.loc)
		if len(fresh) > 0 {
			if err := tx.Create(&fresh).Error; err != nil {
				return fmt.Errorf("insert sessions: %w", err)
			}
		}

		var end interface{}
		if !regen.EndDate.IsZero() {
			end = dateValue(regen.EndDate)
		}
		if err := tx.Model(&schedule).Update("estimated_end_date", end).Error; err != nil {
			return fmt.Errorf("update end date: %w", err)
		}
		return nil
	})
}

// renumberHeld gives vacated sessions that still have a live makeup their planned
// numbers, together with their makeups, and returns their ids so they survive the
// clear. held must be in date order.
func (s *ScheduleStore) renumberHeld(tx *gorm.DB, scheduleID uint, held []scheduling.GeneratedSession) ([]uint, error) {
	var originalIDs []uint
	err := tx.Model(&models.Schedule_Sessions{}).
		Where("schedule_id = ? AND is_makeup = ? AND status <> ? AND makeup_for_session_id IS NOT NULL", scheduleID, true, SessionStatusCancelled).
		Pluck("makeup_for_session_id", &originalIDs).Error
	if err != nil {
		return nil, fmt.Errorf("load live makeups: %w", err)
	}

	var originals []models.Schedule_Sessions
	if len(originalIDs) > 0 {
		err = tx.Where("id IN ? AND is_makeup = ? AND status <> ?", originalIDs, false, SessionStatusCompleted).
			Order("session_date, session_number").
			Find(&originals).Error
		if err != nil {
			return nil, fmt.Errorf("load held sessions: %w", err)
		}
	}
	if len(originals) != len(held) {
		return nil, fmt.Errorf("schedule %d: %d held sessions changed to %d during regeneration", scheduleID, len(held), len(originals))
	}

	keep := make([]uint, 0, len(originals))
	for i := range originals {
		keep = append(keep, originals[i].ID)
		number := held[i].SessionNumber
		if originals[i].Session_number == number {
			continue
		}
		err := tx.Model(&models.Schedule_Sessions{}).
			Where("id = ? OR makeup_for_session_id = ?", originals[i].ID, originals[i].ID).
			Update("session_number", number).Error
		if err != nil {
			return nil, fmt.Errorf("renumber held session %d: %w", originals[i].ID, err)
		}
	}
	return keep, nil
}

// sessionRows builds unsaved session rows for generated sessions of schedule.
func sessionRows(schedule models.Schedules, sessions []scheduling.GeneratedSession, loc *time.Location) []models.Schedule_Sessions {
	rows := make([]models.Schedule_Sessions, 0, len(sessions))
	for _, generated := range sessions {
		date := dateValue(generated.Date)
		row := models.Schedule_Sessions{
			ScheduleID:        schedule.ID,
			Session_date:      &date,
			Session_number:    generated.SessionNumber,
			Week_number:       generated.WeekNumber,
			Status:            SessionStatusScheduled,
			AssignedTeacherID: schedule.DefaultTeacherID,
			RoomID:            schedule.DefaultRoomID,
		}
		if r := (scheduling.TimeRange{Start: generated.StartTime, End: generated.EndTime}); r.Valid() {
			start := generated.StartTime.On(generated.Date, loc)
			end := generated.EndTime.On(generated.Date, loc)
			row.Start_time = &start
			row.End_time = &end
		}
		rows = append(rows, row)
	}
	return rows
}

// dateValue is the value written to DATE columns. The driver converts to its own
// location, so the calendar day is pinned there.
func dateValue(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

func derefUint(v *uint) uint {
	if v == nil {
		return 0
	}
	return *v
}

func uintPtr(v uint) *uint {
	if v == 0 {
		return nil
	}
	return &v
}

// sortSlots orders slots by date then start time.
func sortSlots(slots []scheduling.ResourceSlot) {
	sort.SliceStable(slots, func(i, j int) bool {
		if !slots[i].Date.Equal(slots[j].Date) {
			return slots[i].Date.Before(slots[j].Date)
		}
		return slots[i].StartTime < slots[j].StartTime
	})
}
