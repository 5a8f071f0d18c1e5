package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"englishkorat_scheduler/models"
	"englishkorat_scheduler/services/scheduling"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBookingBlocked       = errors.New("slot has blocking issues")
	ErrConfirmationRequired = errors.New("slot has warnings that must be confirmed")
	ErrInvalidBooking       = errors.New("invalid booking request")
)

// BookingRejectedError carries the availability result that stopped a booking.
type BookingRejectedError struct {
	Err    error
	Result scheduling.AvailabilityResult
}

func (e *BookingRejectedError) Error() string { return e.Err.Error() }
func (e *BookingRejectedError) Unwrap() error { return e.Err }

// SlotSource supplies the snapshot an availability check runs against.
type SlotSource interface {
	LoadHolidayCalendar(ctx context.Context) (*scheduling.HolidayCalendar, error)
	BusySlots(ctx context.Context, branchID uint, date time.Time) ([]scheduling.ResourceSlot, error)
}

// BookingOptions is the caller's stance on conflicts.
type BookingOptions struct {
	Policy scheduling.ConflictPolicy
	// ConfirmWarnings books despite warning issues.
	ConfirmWarnings bool
}

type MakeupRequest struct {
	OriginalSessionID uint
	Date              time.Time
	StartTime         scheduling.TimeOfDay
	// EndTime zero keeps the original session length
	EndTime          scheduling.TimeOfDay
	RoomID           *uint
	TeacherID        *uint
	OriginalStatus   string
	CancellingReason string
	Options          BookingOptions
}

type TrialRequest struct {
	BranchID     uint
	RoomID       uint
	TeacherID    uint
	Date         time.Time
	StartTime    scheduling.TimeOfDay
	EndTime      scheduling.TimeOfDay
	StudentName  string
	ContactPhone string
	Notes        string
	Options      BookingOptions
}

// BookingService books makeup and trial sessions. Every booking takes the
// branch/day lock, re-checks availability inside it and writes before releasing.
type BookingService struct {
	db      *gorm.DB
	slots   SlotSource
	locker  BookingLocker
	loc     *time.Location
	lockTTL time.Duration
	metrics *Metrics
}

func NewBookingService(db *gorm.DB, slots SlotSource, locker BookingLocker, loc *time.Location, lockTTL time.Duration, metrics *Metrics) *BookingService {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if loc == nil {
		loc = time.Local
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &BookingService{db: db, slots: slots, locker: locker, loc: loc, lockTTL: lockTTL, metrics: metrics}
}

// CheckAvailability is the advisory pre-check used by forms before submitting.
func (s *BookingService) CheckAvailability(ctx context.Context, proposed scheduling.ProposedSlot, policy scheduling.ConflictPolicy) (scheduling.AvailabilityResult, error) {
	calendar, err := s.slots.LoadHolidayCalendar(ctx)
	if err != nil {
		return scheduling.AvailabilityResult{}, err
	}
	busy, err := s.slots.BusySlots(ctx, proposed.BranchID, proposed.Date)
	if err != nil {
		return scheduling.AvailabilityResult{}, err
	}
	result := scheduling.CheckAvailability(proposed, calendar, busy, policy)
	s.metrics.ObserveAvailability(result)
	return result, nil
}

func lockKey(branchID uint, date time.Time) string {
	return fmt.Sprintf("booking:%d:%s", branchID, scheduling.DateOf(date).Format("2006-01-02"))
}

// guarded runs write only if proposed is still bookable while holding the lock.
func (s *BookingService) guarded(ctx context.Context, proposed scheduling.ProposedSlot, opts BookingOptions, write func(ctx context.Context) error) (scheduling.AvailabilityResult, error) {
	release, err := s.locker.Acquire(ctx, lockKey(proposed.BranchID, proposed.Date), s.lockTTL, s.lockTTL)
	if err != nil {
		return scheduling.AvailabilityResult{}, err
	}
	defer release()

	result, err := s.CheckAvailability(ctx, proposed, opts.Policy)
	if err != nil {
		return result, err
	}
	if result.HasBlocking() {
		s.metrics.ObserveBooking(proposed.Kind, "blocked")
		return result, &BookingRejectedError{Err: ErrBookingBlocked, Result: result}
	}
	if !result.Clear() && !opts.ConfirmWarnings {
		s.metrics.ObserveBooking(proposed.Kind, "needs_confirmation")
		return result, &BookingRejectedError{Err: ErrConfirmationRequired, Result: result}
	}

	if err := write(ctx); err != nil {
		s.metrics.ObserveBooking(proposed.Kind, "error")
		return result, err
	}
	s.metrics.ObserveBooking(proposed.Kind, "created")
	return result, nil
}

var makeupOriginalStatuses = map[string]bool{
	SessionStatusCancelled:   true,
	SessionStatusRescheduled: true,
	SessionStatusNoShow:      true,
}

// ScheduleMakeup creates a makeup for a session and marks the original.
func (s *BookingService) ScheduleMakeup(ctx context.Context, req MakeupRequest) (*models.Schedule_Sessions, scheduling.AvailabilityResult, error) {
	if req.OriginalStatus == "" {
		req.OriginalStatus = SessionStatusRescheduled
	}
	if !makeupOriginalStatuses[req.OriginalStatus] {
		return nil, scheduling.AvailabilityResult{}, fmt.Errorf("%w: original status must be cancelled, rescheduled or no-show", ErrInvalidBooking)
	}

	original, err := makeupOriginal(s.db.WithContext(ctx), req.OriginalSessionID)
	if err != nil {
		return nil, scheduling.AvailabilityResult{}, err
	}
	var schedule models.Schedules
	if err := s.db.WithContext(ctx).First(&schedule, original.ScheduleID).Error; err != nil {
		return nil, scheduling.AvailabilityResult{}, fmt.Errorf("schedule: %w", err)
	}

	proposed := makeupProposal(req, original, schedule, s.loc)

	var makeup models.Schedule_Sessions
	result, err := s.guarded(ctx, proposed, req.Options, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// the original may have changed while we waited for the lock
			if _, err := makeupOriginal(tx.Clauses(clause.Locking{Strength: "UPDATE"}), original.ID); err != nil {
				return err
			}
			err := tx.Model(&original).Updates(map[string]interface{}{
				"status":            req.OriginalStatus,
				"cancelling_reason": req.CancellingReason,
			}).Error
			if err != nil {
				return fmt.Errorf("update original session: %w", err)
			}

			date := dateValue(proposed.Date)
			start := proposed.StartTime.On(proposed.Date, s.loc)
			end := proposed.EndTime.On(proposed.Date, s.loc)
			makeup = models.Schedule_Sessions{
				ScheduleID:            original.ScheduleID,
				Session_date:          &date,
				Start_time:            &start,
				End_time:              &end,
				Session_number:        original.Session_number,
				Week_number:           original.Week_number,
				Status:                SessionStatusScheduled,
				Is_makeup:             true,
				Makeup_for_session_id: &original.ID,
				AssignedTeacherID:     uintPtr(proposed.TeacherID),
				RoomID:                uintPtr(proposed.RoomID),
			}
			if err := tx.Create(&makeup).Error; err != nil {
				return fmt.Errorf("create makeup session: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, result, err
	}

	logrus.WithFields(logrus.Fields{
		"schedule_id": original.ScheduleID,
		"original_id": original.ID,
		"makeup_id":   makeup.ID,
		"date":        proposed.Date.Format("2006-01-02"),
		"warnings":    len(result.Warnings()),
	}).Info("Makeup session created")
	return &makeup, result, nil
}

// makeupOriginal loads the session a makeup replaces. Completed sessions, makeups
// and sessions that already have a live makeup cannot be made up again.
func makeupOriginal(db *gorm.DB, id uint) (models.Schedule_Sessions, error) {
	var original models.Schedule_Sessions
	if err := db.First(&original, id).Error; err != nil {
		return original, fmt.Errorf("original session: %w", err)
	}
	switch {
	case original.Is_makeup:
		return original, fmt.Errorf("%w: session %d is already a makeup", ErrInvalidBooking, original.ID)
	case original.Status == SessionStatusCompleted:
		return original, fmt.Errorf("%w: session %d is completed", ErrInvalidBooking, original.ID)
	}

	var live int64
	err := db.Session(&gorm.Session{NewDB: true}).Model(&models.Schedule_Sessions{}).
		Where("makeup_for_session_id = ? AND status <> ?", original.ID, SessionStatusCancelled).
		Count(&live).Error
	if err != nil {
		return original, fmt.Errorf("count makeups: %w", err)
	}
	if live > 0 {
		return original, fmt.Errorf("%w: session %d already has a makeup", ErrInvalidBooking, original.ID)
	}
	return original, nil
}

// makeupProposal fills the makeup slot from the request, falling back to the
// original session's room, teacher and length.
func makeupProposal(req MakeupRequest, original models.Schedule_Sessions, schedule models.Schedules, loc *time.Location) scheduling.ProposedSlot {
	end := req.EndTime
	if end == 0 {
		length := scheduling.TimeOfDay(60)
		switch {
		case original.Start_time != nil && original.End_time != nil:
			length = scheduling.TimeOfDay(original.End_time.Sub(*original.Start_time) / time.Minute)
		case schedule.Hours_per_session > 0:
			length = scheduling.TimeOfDay(schedule.Hours_per_session * 60)
		}
		end = req.StartTime + length
	}

	room := firstUint(req.RoomID, original.RoomID, schedule.DefaultRoomID)
	teacher := firstUint(req.TeacherID, original.AssignedTeacherID, schedule.DefaultTeacherID)

	proposed := scheduling.ProposedSlot{
		ResourceSlot: scheduling.ResourceSlot{
			Date:      scheduling.DateOf(req.Date),
			StartTime: req.StartTime,
			EndTime:   end,
			BranchID:  schedule.BranchID,
			RoomID:    room,
			TeacherID: teacher,
			Kind:      scheduling.KindMakeup,
		},
	}
	// the original session is being vacated, so it must not conflict with its own makeup
	if original.Session_date != nil && scheduling.DateOf(*original.Session_date).Equal(proposed.Date) {
		proposed.ExcludeOwnerID = schedule.ID
		proposed.ExcludeKind = scheduling.KindClass
	}
	return proposed
}

func firstUint(values ...*uint) uint {
	for _, v := range values {
		if v != nil && *v != 0 {
			return *v
		}
	}
	return 0
}

// BookTrial books a trial session.
func (s *BookingService) BookTrial(ctx context.Context, req TrialRequest) (*models.TrialSession, scheduling.AvailabilityResult, error) {
	if req.BranchID == 0 {
		return nil, scheduling.AvailabilityResult{}, fmt.Errorf("%w: branch is required", ErrInvalidBooking)
	}
	if strings.TrimSpace(req.StudentName) == "" {
		return nil, scheduling.AvailabilityResult{}, fmt.Errorf("%w: student name is required", ErrInvalidBooking)
	}
	proposed := trialProposal(req)

	var trial models.TrialSession
	result, err := s.guarded(ctx, proposed, req.Options, func(ctx context.Context) error {
		date := dateValue(req.Date)
		start := req.StartTime.On(req.Date, s.loc)
		end := req.EndTime.On(req.Date, s.loc)
		trial = models.TrialSession{
			BranchID:      req.BranchID,
			RoomID:        uintPtr(req.RoomID),
			TeacherID:     uintPtr(req.TeacherID),
			Session_date:  &date,
			Start_time:    &start,
			End_time:      &end,
			Status:        TrialStatusBooked,
			StudentName:   req.StudentName,
			ContactPhone:  req.ContactPhone,
			ReferenceCode: uuid.NewString(),
			Notes:         req.Notes,
		}
		return s.db.WithContext(ctx).Create(&trial).Error
	})
	if err != nil {
		return nil, result, err
	}

	logrus.WithFields(logrus.Fields{
		"trial_id":  trial.ID,
		"branch_id": trial.BranchID,
		"date":      req.Date.Format("2006-01-02"),
	}).Info("Trial session booked")
	return &trial, result, nil
}

// RescheduleTrial moves a booked trial. The trial's current slot is excluded from
// the conflict check.
func (s *BookingService) RescheduleTrial(ctx context.Context, trialID uint, req TrialRequest) (*models.TrialSession, scheduling.AvailabilityResult, error) {
	var trial models.TrialSession
	if err := s.db.WithContext(ctx).First(&trial, trialID).Error; err != nil {
		return nil, scheduling.AvailabilityResult{}, fmt.Errorf("trial session: %w", err)
	}
	if trial.Status != TrialStatusBooked {
		return nil, scheduling.AvailabilityResult{}, fmt.Errorf("%w: trial %d is %s", ErrInvalidBooking, trial.ID, trial.Status)
	}
	if req.BranchID == 0 {
		req.BranchID = trial.BranchID
	}

	proposed := trialProposal(req)
	proposed.OwnerID = trial.ID
	proposed.ExcludeOwnerID = trial.ID
	proposed.ExcludeKind = scheduling.KindTrial

	result, err := s.guarded(ctx, proposed, req.Options, func(ctx context.Context) error {
		date := dateValue(req.Date)
		start := req.StartTime.On(req.Date, s.loc)
		end := req.EndTime.On(req.Date, s.loc)
		trial.BranchID = req.BranchID
		trial.RoomID = uintPtr(req.RoomID)
		trial.TeacherID = uintPtr(req.TeacherID)
		trial.Session_date = &date
		trial.Start_time = &start
		trial.End_time = &end
		if req.Notes != "" {
			trial.Notes = req.Notes
		}
		return s.db.WithContext(ctx).Save(&trial).Error
	})
	if err != nil {
		return nil, result, err
	}
	return &trial, result, nil
}

func trialProposal(req TrialRequest) scheduling.ProposedSlot {
	return scheduling.ProposedSlot{
		ResourceSlot: scheduling.ResourceSlot{
			Date:      scheduling.DateOf(req.Date),
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
			BranchID:  req.BranchID,
			RoomID:    req.RoomID,
			TeacherID: req.TeacherID,
			Kind:      scheduling.KindTrial,
		},
	}
}

// RoomStatusAvailable is the only room status that can take bookings.
const RoomStatusAvailable = "available"

// FreeRooms lists the branch's rooms that proposed could use without any issue.
// The proposal's own room and teacher are ignored.
func (s *BookingService) FreeRooms(ctx context.Context, proposed scheduling.ProposedSlot, minCapacity int) ([]models.Room, error) {
	if proposed.BranchID == 0 {
		return nil, fmt.Errorf("%w: branch is required", ErrInvalidBooking)
	}
	calendar, err := s.slots.LoadHolidayCalendar(ctx)
	if err != nil {
		return nil, err
	}
	busy, err := s.slots.BusySlots(ctx, proposed.BranchID, proposed.Date)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Where("branch_id = ? AND status = ?", proposed.BranchID, RoomStatusAvailable)
	if minCapacity > 0 {
		query = query.Where("capacity >= ?", minCapacity)
	}
	var rooms []models.Room
	if err := query.Order("room_name").Find(&rooms).Error; err != nil {
		return nil, err
	}

	free := make([]models.Room, 0, len(rooms))
	for _, room := range rooms {
		candidate := proposed
		candidate.RoomID = room.ID
		candidate.TeacherID = 0
		if scheduling.CheckAvailability(candidate, calendar, busy, scheduling.ConflictPolicy{}).Clear() {
			free = append(free, room)
		}
	}
	return free, nil
}
