package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"englishkorat_scheduler/models"
	"englishkorat_scheduler/services/scheduling"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type nationalSyncer interface {
	SyncNational(ctx context.Context, years ...int) (int, error)
}

type bulkRescheduler interface {
	RunAll(ctx context.Context, trigger string) (*models.RescheduleRun, scheduling.RescheduleReport, error)
}

// ScheduleManager จัดการงานตั้งเวลา: sync วันหยุดแล้ว reschedule ทุกคืน
type ScheduleManager struct {
	cron       *cron.Cron
	holidays   nationalSyncer
	reschedule bulkRescheduler
	loc        *time.Location
	timeout    time.Duration
	now        func() time.Time
}

// NewScheduleManager ตั้ง cron ตาม spec (5 fields) ใน timezone ของโรงเรียน
func NewScheduleManager(spec string, loc *time.Location, holidays nationalSyncer, reschedule bulkRescheduler) (*ScheduleManager, error) {
	if loc == nil {
		loc = time.Local
	}
	sm := &ScheduleManager{
		cron:       cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		holidays:   holidays,
		reschedule: reschedule,
		loc:        loc,
		timeout:    20 * time.Minute,
		now:        time.Now,
	}
	if _, err := sm.cron.AddFunc(spec, sm.nightly); err != nil {
		return nil, fmt.Errorf("invalid reschedule cron %q: %w", spec, err)
	}
	return sm, nil
}

// Start เริ่ม cron
func (sm *ScheduleManager) Start() {
	sm.cron.Start()
	for _, entry := range sm.cron.Entries() {
		logrus.WithField("next", entry.Next.Format(time.RFC3339)).Info("Schedule manager started")
	}
}

// Stop หยุด cron และรอ job ที่กำลังทำงานอยู่
func (sm *ScheduleManager) Stop() {
	<-sm.cron.Stop().Done()
	logrus.Info("Schedule manager stopped")
}

func (sm *ScheduleManager) nightly() {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()
	sm.RunNightly(ctx)
}

// RunNightly syncs this year's and next year's national holidays, then
// regenerates every class. A failed sync still reschedules against what is stored.
func (sm *ScheduleManager) RunNightly(ctx context.Context) {
	year := sm.now().In(sm.loc).Year()
	if added, err := sm.holidays.SyncNational(ctx, year, year+1); err != nil {
		logrus.WithError(err).Warn("National holiday sync failed")
	} else {
		logrus.WithField("added", added).Info("National holiday sync finished")
	}

	_, report, err := sm.reschedule.RunAll(ctx, TriggerCron)
	switch {
	case errors.Is(err, ErrRescheduleInProgress):
		logrus.Info("Nightly reschedule skipped, another run is in progress")
	case err != nil:
		logrus.WithError(err).Error("Nightly reschedule failed")
	default:
		logrus.WithFields(logrus.Fields{
			"processed": report.ProcessedCount,
			"failed":    report.FailedCount,
		}).Info("Nightly reschedule finished")
	}
}
