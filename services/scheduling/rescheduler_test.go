package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu     sync.Mutex
	saved  map[uint]Regeneration
	failOn map[uint]error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: map[uint]Regeneration{}, failOn: map[uint]error{}}
}

func (s *memoryStore) ReplaceSessions(_ context.Context, regen Regeneration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failOn[regen.ClassID]; ok {
		return err
	}
	s.saved[regen.ClassID] = regen
	return nil
}

func batch() []ClassWithPattern {
	return []ClassWithPattern{
		{
			ClassID: 1,
			Name:    "Kids A1",
			Status:  ClassAssigned,
			Pattern: RecurrencePattern{DaysOfWeek: []time.Weekday{time.Monday}, StartDate: day(2024, 1, 1), TargetSessionCount: 4, BranchID: 7},
			Sessions: []StoredSession{
				{GeneratedSession: GeneratedSession{SessionNumber: 1, Date: day(2024, 1, 1)}, Completed: true},
				{GeneratedSession: GeneratedSession{SessionNumber: 2, Date: day(2024, 1, 8)}},
				{GeneratedSession: GeneratedSession{SessionNumber: 3, Date: day(2024, 1, 15)}},
			},
		},
		{
			ClassID: 2,
			Name:    "Broken",
			Status:  ClassScheduled,
			Pattern: RecurrencePattern{StartDate: day(2024, 1, 1), TargetSessionCount: 4, BranchID: 7},
		},
		{
			ClassID: 3,
			Name:    "Adults B2",
			Status:  ClassPaused,
			Pattern: RecurrencePattern{DaysOfWeek: []time.Weekday{time.Tuesday, time.Thursday}, StartDate: day(2024, 1, 2), TargetSessionCount: 3, BranchID: 8},
		},
	}
}

func TestRescheduleAllIsolatesFailures(t *testing.T) {
	cal := NewHolidayCalendar([]HolidayRecord{{Date: day(2024, 1, 15), Scope: ScopeBranch, BranchIDs: []uint{7}}})

	for _, workers := range []int{0, 1, 4} {
		store := newMemoryStore()
		report := RescheduleAll(context.Background(), batch(), cal, store, RescheduleOptions{Workers: workers})

		assert.Equal(t, 2, report.ProcessedCount)
		assert.Equal(t, 1, report.FailedCount)
		require.Len(t, report.Errors, 1)
		assert.True(t, errors.Is(report.Errors[2], ErrNoWeekdays))
		_, touched := store.saved[2]
		assert.False(t, touched, "failed class must not be written")

		first := store.saved[1]
		assert.Equal(t, 1, first.FixedCount)
		assert.Equal(t, []string{"2024-01-01", "2024-01-08", "2024-01-22", "2024-01-29"}, dates(first.Sessions))
		assert.Equal(t, day(2024, 1, 29), first.EndDate)

		third := store.saved[3]
		assert.Equal(t, []string{"2024-01-02", "2024-01-04", "2024-01-09"}, dates(third.Sessions))

		require.Len(t, report.Outcomes, 3)
		assert.Equal(t, OutcomeSucceeded, report.Outcomes[0].Status)
		assert.Equal(t, OutcomeFailed, report.Outcomes[1].Status)
		assert.Equal(t, CodeValidation, report.Outcomes[1].ErrorCode)
		assert.Equal(t, OutcomeSucceeded, report.Outcomes[2].Status)
	}
}

func TestRescheduleAllSkipsInactiveClasses(t *testing.T) {
	classes := batch()[:1]
	classes[0].Status = ClassCompleted
	store := newMemoryStore()

	report := RescheduleAll(context.Background(), classes, nil, store, RescheduleOptions{})

	assert.Equal(t, 0, report.ProcessedCount)
	assert.Equal(t, 1, report.SkippedCount)
	assert.Empty(t, store.saved)
}

func TestRescheduleAllRecordsStoreErrors(t *testing.T) {
	store := newMemoryStore()
	store.failOn[3] = errors.New("deadlock found when trying to get lock")

	report := RescheduleAll(context.Background(), batch(), nil, store, RescheduleOptions{Workers: 2})

	assert.Equal(t, 1, report.ProcessedCount)
	assert.Equal(t, 2, report.FailedCount)
	assert.EqualError(t, report.Errors[3], "deadlock found when trying to get lock")
	assert.Equal(t, ErrorCode(""), report.Outcomes[2].ErrorCode)
}

func TestRescheduleAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := RescheduleAll(ctx, batch(), nil, newMemoryStore(), RescheduleOptions{})

	assert.Equal(t, 0, report.ProcessedCount)
	assert.Equal(t, 3, report.FailedCount)
	assert.True(t, errors.Is(report.Errors[1], context.Canceled))
}

func TestClassStatusActive(t *testing.T) {
	assert.True(t, ClassScheduled.Active())
	assert.True(t, ClassPaused.Active())
	assert.False(t, ClassCompleted.Active())
	assert.False(t, ClassCancelled.Active())
}

func TestReportRecordFailedOutcome(t *testing.T) {
	var report RescheduleReport
	report.Record(FailedOutcome(11, "Corrupt pattern", wrapf(ErrInvalidWeekday, "weekday %d", 9)))
	report.Record(ClassOutcome{ClassID: 12, Status: OutcomeSkipped})

	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, 1, report.FailedCount)
	assert.Equal(t, 1, report.SkippedCount)
	assert.Equal(t, CodeValidation, report.Outcomes[0].ErrorCode)
	assert.ErrorIs(t, report.Errors[11], ErrInvalidWeekday)
}

func TestRescheduleAllLeavesOverCompletedClassAlone(t *testing.T) {
	class := ClassWithPattern{
		ClassID: 9,
		Name:    "Shrunk course",
		Status:  ClassAssigned,
		Pattern: RecurrencePattern{DaysOfWeek: []time.Weekday{time.Monday}, StartDate: day(2024, 1, 1), TargetSessionCount: 2, BranchID: 7},
		Sessions: []StoredSession{
			{GeneratedSession: GeneratedSession{SessionNumber: 1, Date: day(2024, 1, 1)}, Completed: true},
			{GeneratedSession: GeneratedSession{SessionNumber: 2, Date: day(2024, 1, 8)}, Completed: true},
			{GeneratedSession: GeneratedSession{SessionNumber: 3, Date: day(2024, 1, 15)}, Completed: true},
		},
	}
	store := newMemoryStore()

	report := RescheduleAll(context.Background(), []ClassWithPattern{class}, nil, store, RescheduleOptions{})

	assert.Equal(t, 1, report.FailedCount)
	assert.True(t, errors.Is(report.Errors[9], ErrCompletedExceedsTarget))
	assert.Empty(t, store.saved)
}

func TestRescheduleAllKeepsHeldSessionDates(t *testing.T) {
	class := ClassWithPattern{
		ClassID: 4,
		Name:    "Teens A2",
		Status:  ClassScheduled,
		Pattern: RecurrencePattern{DaysOfWeek: []time.Weekday{time.Monday}, StartDate: day(2024, 1, 1), TargetSessionCount: 3, BranchID: 7},
		Sessions: []StoredSession{
			{GeneratedSession: GeneratedSession{SessionNumber: 1, Date: day(2024, 1, 1)}, Completed: true},
			{GeneratedSession: GeneratedSession{SessionNumber: 2, Date: day(2024, 1, 8), Held: true}},
			{GeneratedSession: GeneratedSession{SessionNumber: 3, Date: day(2024, 1, 15)}},
		},
	}
	cal := NewHolidayCalendar([]HolidayRecord{{Date: day(2024, 1, 15), Scope: ScopeNational}})
	store := newMemoryStore()

	report := RescheduleAll(context.Background(), []ClassWithPattern{class}, cal, store, RescheduleOptions{})
	require.Equal(t, 0, report.FailedCount)

	saved := store.saved[4]
	assert.Equal(t, []string{"2024-01-01", "2024-01-08", "2024-01-22"}, dates(saved.Sessions))
	assert.True(t, saved.Sessions[1].Held)
	assert.Equal(t, 2, saved.Sessions[1].SessionNumber)
}
