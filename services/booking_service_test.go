package services

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"englishkorat_scheduler/models"
	"englishkorat_scheduler/services/scheduling"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSlots struct {
	mu       sync.Mutex
	calendar *scheduling.HolidayCalendar
	busy     []scheduling.ResourceSlot
}

func (f *fakeSlots) LoadHolidayCalendar(ctx context.Context) (*scheduling.HolidayCalendar, error) {
	return f.calendar, nil
}

func (f *fakeSlots) BusySlots(ctx context.Context, branchID uint, date time.Time) ([]scheduling.ResourceSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduling.ResourceSlot, len(f.busy))
	copy(out, f.busy)
	return out, nil
}

func (f *fakeSlots) add(slot scheduling.ResourceSlot) {
	f.mu.Lock()
	f.busy = append(f.busy, slot)
	f.mu.Unlock()
}

func trialAt(date time.Time, start, end scheduling.TimeOfDay, room, teacher uint) TrialRequest {
	return TrialRequest{
		BranchID:    1,
		RoomID:      room,
		TeacherID:   teacher,
		Date:        date,
		StartTime:   start,
		EndTime:     end,
		StudentName: "Ploy",
	}
}

func TestBookTrialBlockedOnHoliday(t *testing.T) {
	db, mock := newMockDB(t)
	slots := &fakeSlots{calendar: scheduling.NewHolidayCalendar([]scheduling.HolidayRecord{
		{Date: ymd(2024, 4, 13), Scope: scheduling.ScopeNational, Name: "Songkran"},
	})}
	svc := NewBookingService(db, slots, NewLocalLocker(), ict, time.Second, nil)

	_, result, err := svc.BookTrial(context.Background(), trialAt(ymd(2024, 4, 13), scheduling.NewTimeOfDay(10, 0), scheduling.NewTimeOfDay(11, 0), 2, 5))

	require.ErrorIs(t, err, ErrBookingBlocked)
	var rejected *BookingRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, scheduling.IssueHoliday, rejected.Result.Issues[0].Code)
	assert.True(t, result.HasBlocking())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookTrialNeedsConfirmationForWarnings(t *testing.T) {
	date := ymd(2024, 3, 4)
	slots := &fakeSlots{busy: []scheduling.ResourceSlot{{
		Date: date, StartTime: scheduling.NewTimeOfDay(10, 0), EndTime: scheduling.NewTimeOfDay(11, 0),
		BranchID: 1, RoomID: 9, TeacherID: 5, Kind: scheduling.KindClass, OwnerID: 7, Label: "Kids A1",
	}}}
	req := trialAt(date, scheduling.NewTimeOfDay(10, 30), scheduling.NewTimeOfDay(11, 30), 2, 5)

	t.Run("unconfirmed", func(t *testing.T) {
		db, mock := newMockDB(t)
		svc := NewBookingService(db, slots, NewLocalLocker(), ict, time.Second, nil)

		_, result, err := svc.BookTrial(context.Background(), req)
		require.ErrorIs(t, err, ErrConfirmationRequired)
		require.Len(t, result.Warnings(), 1)
		assert.Equal(t, scheduling.IssueTeacherConflict, result.Warnings()[0].Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("confirmed", func(t *testing.T) {
		db, mock := newMockDB(t)
		svc := NewBookingService(db, slots, NewLocalLocker(), ict, time.Second, nil)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `trial_sessions`")).
			WillReturnResult(sqlmock.NewResult(12, 1))
		mock.ExpectCommit()

		confirmed := req
		confirmed.Options.ConfirmWarnings = true
		trial, result, err := svc.BookTrial(context.Background(), confirmed)
		require.NoError(t, err)
		assert.Len(t, result.Warnings(), 1)
		assert.Equal(t, uint(12), trial.ID)
		assert.Equal(t, TrialStatusBooked, trial.Status)
		assert.Len(t, trial.ReferenceCode, 36)
		assert.Equal(t, 10, trial.Start_time.In(ict).Hour())
		assert.Equal(t, 30, trial.Start_time.In(ict).Minute())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBookTrialRejectsMissingBranch(t *testing.T) {
	db, _ := newMockDB(t)
	svc := NewBookingService(db, &fakeSlots{}, nil, ict, 0, nil)

	req := trialAt(ymd(2024, 3, 4), scheduling.NewTimeOfDay(10, 0), scheduling.NewTimeOfDay(11, 0), 2, 5)
	req.BranchID = 0
	_, _, err := svc.BookTrial(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidBooking)
}

// two bookings racing for the same room: the second re-check sees the first write
func TestGuardedSerializesConflictingBookings(t *testing.T) {
	db, _ := newMockDB(t)
	slots := &fakeSlots{}
	svc := NewBookingService(db, slots, NewLocalLocker(), ict, time.Second, nil)

	proposed := scheduling.ProposedSlot{ResourceSlot: scheduling.ResourceSlot{
		Date: ymd(2024, 3, 4), StartTime: scheduling.NewTimeOfDay(14, 0), EndTime: scheduling.NewTimeOfDay(15, 0),
		BranchID: 1, RoomID: 3, Kind: scheduling.KindMakeup,
	}}
	opts := BookingOptions{Policy: scheduling.ConflictPolicy{EscalateRoomWarnings: true}}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.guarded(context.Background(), proposed, opts, func(ctx context.Context) error {
				time.Sleep(20 * time.Millisecond)
				booked := proposed.ResourceSlot
				booked.OwnerID = uint(100 + i)
				slots.add(booked)
				return nil
			})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrBookingBlocked)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, slots.busy, 1)
}

func TestGuardedPropagatesWriteError(t *testing.T) {
	db, _ := newMockDB(t)
	svc := NewBookingService(db, &fakeSlots{}, NewLocalLocker(), ict, time.Second, NewMetrics())

	boom := errors.New("insert failed")
	proposed := scheduling.ProposedSlot{ResourceSlot: scheduling.ResourceSlot{
		Date: ymd(2024, 3, 4), StartTime: scheduling.NewTimeOfDay(9, 0), EndTime: scheduling.NewTimeOfDay(10, 0),
		BranchID: 1, Kind: scheduling.KindTrial,
	}}
	_, err := svc.guarded(context.Background(), proposed, BookingOptions{}, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestMakeupProposal(t *testing.T) {
	room, teacher := uint(4), uint(8)
	origDate := time.Date(2024, 3, 4, 0, 0, 0, 0, ict)
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, ict)
	end := time.Date(2024, 3, 4, 11, 30, 0, 0, ict)
	original := models.Schedule_Sessions{
		ScheduleID:   7,
		Session_date: &origDate,
		Start_time:   &start,
		End_time:     &end,
		RoomID:       &room,
	}
	original.ID = 40
	schedule := models.Schedules{BranchID: 2, DefaultTeacherID: &teacher, Hours_per_session: 2}
	schedule.ID = 7

	t.Run("falls back to original room, class teacher and length", func(t *testing.T) {
		p := makeupProposal(MakeupRequest{Date: ymd(2024, 3, 6), StartTime: scheduling.NewTimeOfDay(13, 0)}, original, schedule, ict)
		assert.Equal(t, uint(2), p.BranchID)
		assert.Equal(t, uint(4), p.RoomID)
		assert.Equal(t, uint(8), p.TeacherID)
		assert.Equal(t, scheduling.NewTimeOfDay(14, 30), p.EndTime)
		assert.Equal(t, scheduling.KindMakeup, p.Kind)
		assert.Zero(t, p.ExcludeOwnerID)
	})

	t.Run("same day excludes the class's own sessions", func(t *testing.T) {
		other := uint(6)
		p := makeupProposal(MakeupRequest{
			Date: ymd(2024, 3, 4), StartTime: scheduling.NewTimeOfDay(15, 0), EndTime: scheduling.NewTimeOfDay(16, 0), RoomID: &other,
		}, original, schedule, ict)
		assert.Equal(t, uint(6), p.RoomID)
		assert.Equal(t, scheduling.NewTimeOfDay(16, 0), p.EndTime)
		assert.Equal(t, uint(7), p.ExcludeOwnerID)
		assert.Equal(t, scheduling.KindClass, p.ExcludeKind)
	})
}

func TestScheduleMakeupRejectsBadOriginalStatus(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewBookingService(db, &fakeSlots{}, NewLocalLocker(), ict, time.Second, nil)

	_, _, err := svc.ScheduleMakeup(context.Background(), MakeupRequest{OriginalSessionID: 1, OriginalStatus: "completed"})
	assert.ErrorIs(t, err, ErrInvalidBooking)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func sessionRow(id uint, status string, isMakeup bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "schedule_id", "status", "is_makeup"}).
		AddRow(id, 7, status, isMakeup)
}

func TestScheduleMakeupRejectsUsedOriginals(t *testing.T) {
	t.Run("completed original", func(t *testing.T) {
		db, mock := newMockDB(t)
		svc := NewBookingService(db, &fakeSlots{}, NewLocalLocker(), ict, time.Second, nil)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `schedule_sessions`")).
			WillReturnRows(sessionRow(40, SessionStatusCompleted, false))

		_, _, err := svc.ScheduleMakeup(context.Background(), MakeupRequest{OriginalSessionID: 40})
		assert.ErrorIs(t, err, ErrInvalidBooking)
		assert.Contains(t, err.Error(), "completed")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("original already made up", func(t *testing.T) {
		db, mock := newMockDB(t)
		svc := NewBookingService(db, &fakeSlots{}, NewLocalLocker(), ict, time.Second, nil)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `schedule_sessions`")).
			WillReturnRows(sessionRow(40, SessionStatusRescheduled, false))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM `schedule_sessions` WHERE")).
			WithArgs(40, SessionStatusCancelled).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		_, _, err := svc.ScheduleMakeup(context.Background(), MakeupRequest{OriginalSessionID: 40, OriginalStatus: SessionStatusCancelled})
		assert.ErrorIs(t, err, ErrInvalidBooking)
		assert.Contains(t, err.Error(), "already has a makeup")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("original completed while waiting for the lock", func(t *testing.T) {
		db, mock := newMockDB(t)
		slots := &fakeSlots{}
		svc := NewBookingService(db, slots, NewLocalLocker(), ict, time.Second, nil)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `schedule_sessions`")).
			WillReturnRows(sessionRow(40, SessionStatusScheduled, false))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM `schedule_sessions`")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `schedules`")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "branch_id"}).AddRow(7, 1))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `schedule_sessions` WHERE .* FOR UPDATE").
			WillReturnRows(sessionRow(40, SessionStatusCompleted, false))
		mock.ExpectRollback()

		_, _, err := svc.ScheduleMakeup(context.Background(), MakeupRequest{
			OriginalSessionID: 40,
			Date:              ymd(2024, 3, 6),
			StartTime:         scheduling.NewTimeOfDay(13, 0),
			EndTime:           scheduling.NewTimeOfDay(14, 0),
		})
		assert.ErrorIs(t, err, ErrInvalidBooking)
		assert.Empty(t, slots.busy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFreeRoomsSkipsBookedRooms(t *testing.T) {
	db, mock := newMockDB(t)
	date := ymd(2024, 3, 4)
	slots := &fakeSlots{busy: []scheduling.ResourceSlot{{
		Date: date, StartTime: scheduling.NewTimeOfDay(10, 0), EndTime: scheduling.NewTimeOfDay(11, 0),
		BranchID: 1, RoomID: 2, TeacherID: 5, Kind: scheduling.KindClass, OwnerID: 7,
	}}}
	svc := NewBookingService(db, slots, nil, ict, 0, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `rooms` WHERE (branch_id = ? AND status = ?) AND capacity >= ?")).
		WithArgs(1, RoomStatusAvailable, 4).
		WillReturnRows(sqlmock.NewRows([]string{"id", "branch_id", "room_name", "capacity", "status"}).
			AddRow(2, 1, "A", 8, "available").
			AddRow(3, 1, "B", 6, "available"))

	rooms, err := svc.FreeRooms(context.Background(), scheduling.ProposedSlot{ResourceSlot: scheduling.ResourceSlot{
		Date: date, StartTime: scheduling.NewTimeOfDay(10, 30), EndTime: scheduling.NewTimeOfDay(11, 30),
		BranchID: 1, TeacherID: 5, Kind: scheduling.KindTrial,
	}}, 4)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, uint(3), rooms[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFreeRoomsEmptyOnHoliday(t *testing.T) {
	db, mock := newMockDB(t)
	slots := &fakeSlots{calendar: scheduling.NewHolidayCalendar([]scheduling.HolidayRecord{
		{Date: ymd(2024, 4, 13), Scope: scheduling.ScopeNational, Name: "Songkran"},
	})}
	svc := NewBookingService(db, slots, nil, ict, 0, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `rooms`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "branch_id", "room_name", "capacity", "status"}).
			AddRow(2, 1, "A", 8, "available"))

	rooms, err := svc.FreeRooms(context.Background(), scheduling.ProposedSlot{ResourceSlot: scheduling.ResourceSlot{
		Date: ymd(2024, 4, 13), StartTime: scheduling.NewTimeOfDay(10, 0), EndTime: scheduling.NewTimeOfDay(11, 0),
		BranchID: 1, Kind: scheduling.KindMakeup,
	}}, 0)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}
