package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"englishkorat_scheduler/models"
	"englishkorat_scheduler/services/scheduling"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	years []int
	err   error
}

func (f *fakeSyncer) SyncNational(ctx context.Context, years ...int) (int, error) {
	f.years = append(f.years, years...)
	return len(years), f.err
}

type fakeRunner struct {
	triggers []string
	err      error
}

func (f *fakeRunner) RunAll(ctx context.Context, trigger string) (*models.RescheduleRun, scheduling.RescheduleReport, error) {
	f.triggers = append(f.triggers, trigger)
	return &models.RescheduleRun{Trigger: trigger}, scheduling.RescheduleReport{}, f.err
}

func TestRunNightly(t *testing.T) {
	tests := []struct {
		name    string
		syncErr error
		runErr  error
	}{
		{"ok", nil, nil},
		{"sync failure still reschedules", errors.New("feed down"), nil},
		{"run in progress", nil, ErrRescheduleInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{err: tt.syncErr}
			runner := &fakeRunner{err: tt.runErr}
			sm, err := NewScheduleManager("0 2 * * *", ict, syncer, runner)
			require.NoError(t, err)
			// 31 Dec 18:00 UTC is already 1 Jan in Bangkok
			sm.now = func() time.Time { return time.Date(2024, 12, 31, 18, 0, 0, 0, time.UTC) }

			sm.RunNightly(context.Background())

			assert.Equal(t, []int{2025, 2026}, syncer.years)
			assert.Equal(t, []string{TriggerCron}, runner.triggers)
		})
	}
}

func TestNewScheduleManagerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduleManager("every night", ict, &fakeSyncer{}, &fakeRunner{})
	assert.Error(t, err)
}
