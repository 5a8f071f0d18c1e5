package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"englishkorat_scheduler/models"
	"englishkorat_scheduler/services/scheduling"
	"englishkorat_scheduler/storage"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	TriggerManual  = "manual"
	TriggerCron    = "cron"
	TriggerHoliday = "holiday"

	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"

	rescheduleLockKey = "reschedule:all"
	rescheduleLockTTL = 30 * time.Minute

	defaultTriggerRetry = 30 * time.Second
)

var (
	ErrRescheduleInProgress = errors.New("a reschedule run is already in progress")
	ErrReportNotArchived    = errors.New("run has no archived report")
)

// ReportArchiver stores run reports outside the database.
type ReportArchiver interface {
	Upload(ctx context.Context, summary storage.RunSummary, report scheduling.RescheduleReport) (string, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

// RescheduleService regenerates class sessions against the current holidays.
type RescheduleService struct {
	db        *gorm.DB
	store     *ScheduleStore
	locker    BookingLocker
	archive   ReportArchiver
	metrics   *Metrics
	workers   int
	generator scheduling.Generator
	retry     time.Duration

	mu      sync.Mutex
	running bool   // this process holds the run lock
	pending string // trigger folded into one run after the current one
}

type RescheduleConfig struct {
	Workers      int
	HorizonYears int
	// TriggerRetry is how often Trigger polls a lock held by another instance.
	TriggerRetry time.Duration
}

// NewRescheduleService wires the service. archive may be nil.
func NewRescheduleService(db *gorm.DB, store *ScheduleStore, locker BookingLocker, archive ReportArchiver, metrics *Metrics, cfg RescheduleConfig) *RescheduleService {
	if locker == nil {
		locker = NewLocalLocker()
	}
	retry := cfg.TriggerRetry
	if retry <= 0 {
		retry = defaultTriggerRetry
	}
	return &RescheduleService{
		db:        db,
		store:     store,
		locker:    locker,
		archive:   archive,
		metrics:   metrics,
		workers:   cfg.Workers,
		generator: scheduling.Generator{HorizonYears: cfg.HorizonYears},
		retry:     retry,
	}
}

// RunAll regenerates every active class. Only one run may be in flight.
func (s *RescheduleService) RunAll(ctx context.Context, trigger string) (*models.RescheduleRun, scheduling.RescheduleReport, error) {
	release, err := s.locker.Acquire(ctx, rescheduleLockKey, rescheduleLockTTL, 0)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			return nil, scheduling.RescheduleReport{}, ErrRescheduleInProgress
		}
		return nil, scheduling.RescheduleReport{}, err
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		release()
		s.mu.Lock()
		s.running = false
		next := s.pending
		s.pending = ""
		s.mu.Unlock()
		if next != "" {
			go s.Trigger(context.WithoutCancel(ctx), next)
		}
	}()

	started := time.Now()
	run := &models.RescheduleRun{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: started,
		Status:    RunStatusRunning,
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, scheduling.RescheduleReport{}, fmt.Errorf("create reschedule run: %w", err)
	}

	log := logrus.WithFields(logrus.Fields{"run_id": run.RunID, "trigger": trigger})
	log.Info("Reschedule run started")

	report, err := s.reschedule(ctx)
	if err != nil {
		s.finish(ctx, run, report, err)
		s.metrics.ObserveReschedule(RunStatusFailed, report, time.Since(started))
		log.WithError(err).Error("Reschedule run failed")
		return run, report, err
	}

	s.finish(ctx, run, report, nil)
	s.metrics.ObserveReschedule(RunStatusCompleted, report, time.Since(started))
	log.WithFields(logrus.Fields{
		"processed": report.ProcessedCount,
		"failed":    report.FailedCount,
		"skipped":   report.SkippedCount,
		"duration":  time.Since(started).String(),
	}).Info("Reschedule run completed")
	return run, report, nil
}

// Trigger runs RunAll for an event such as a holiday change. If this process is
// already running, the trigger is queued and every trigger queued during that run
// becomes a single follow-up run. A lock held by another instance is polled until
// it frees up or ctx ends.
func (s *RescheduleService) Trigger(ctx context.Context, trigger string) {
	log := logrus.WithField("trigger", trigger)
	for {
		_, _, err := s.RunAll(ctx, trigger)
		if !errors.Is(err, ErrRescheduleInProgress) {
			if err != nil {
				log.WithError(err).Error("Triggered reschedule failed")
			}
			return
		}

		s.mu.Lock()
		if s.running {
			s.pending = trigger
			s.mu.Unlock()
			log.Info("Reschedule already running, follow-up run queued")
			return
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			log.WithError(ctx.Err()).Warn("Gave up waiting for the reschedule lock")
			return
		case <-time.After(s.retry):
		}
	}
}

// reschedule reads the calendar once so every class sees the same snapshot.
func (s *RescheduleService) reschedule(ctx context.Context) (scheduling.RescheduleReport, error) {
	calendar, err := s.store.LoadHolidayCalendar(ctx)
	if err != nil {
		return scheduling.RescheduleReport{}, err
	}
	classes, loadErrors, err := s.store.ActiveClasses(ctx)
	if err != nil {
		return scheduling.RescheduleReport{}, err
	}

	report := scheduling.RescheduleAll(ctx, classes, calendar, s.store, scheduling.RescheduleOptions{
		Workers:   s.workers,
		Generator: s.generator,
	})
	for classID, loadErr := range loadErrors {
		report.Record(scheduling.FailedOutcome(classID, "", loadErr))
	}
	return report, nil
}

type runError struct {
	ClassID uint   `json:"class_id"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
}

func (s *RescheduleService) finish(ctx context.Context, run *models.RescheduleRun, report scheduling.RescheduleReport, runErr error) {
	finished := time.Now()
	run.FinishedAt = &finished
	run.ProcessedCount = report.ProcessedCount
	run.FailedCount = report.FailedCount
	run.SkippedCount = report.SkippedCount
	run.Status = RunStatusCompleted

	errs := make([]runError, 0, report.FailedCount+1)
	if runErr != nil {
		run.Status = RunStatusFailed
		errs = append(errs, runError{Error: runErr.Error()})
	}
	for _, o := range report.Outcomes {
		if o.Status == scheduling.OutcomeFailed {
			errs = append(errs, runError{ClassID: o.ClassID, Code: string(o.ErrorCode), Error: o.Error})
		}
	}
	if len(errs) > 0 {
		if raw, err := json.Marshal(errs); err == nil {
			run.Errors = models.JSON(raw)
		}
	}

	if s.archive != nil && runErr == nil {
		key, err := s.archive.Upload(ctx, storage.RunSummary{
			RunID:          run.RunID,
			Trigger:        run.Trigger,
			StartedAt:      run.StartedAt,
			FinishedAt:     finished,
			ProcessedCount: run.ProcessedCount,
			FailedCount:    run.FailedCount,
			SkippedCount:   run.SkippedCount,
		}, report)
		if err != nil {
			logrus.WithError(err).WithField("run_id", run.RunID).Warn("Failed to archive reschedule report")
		} else {
			run.S3Key = key
		}
	}

	// the run row is written even when the caller's context is gone
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Save(run).Error; err != nil {
		logrus.WithError(err).WithField("run_id", run.RunID).Error("Failed to save reschedule run")
	}
}

// RegenerateClass regenerates a single class outside a bulk run.
func (s *RescheduleService) RegenerateClass(ctx context.Context, classID uint) (scheduling.ClassOutcome, error) {
	class, err := s.store.ClassByID(ctx, classID)
	if err != nil {
		return scheduling.ClassOutcome{}, err
	}
	calendar, err := s.store.LoadHolidayCalendar(ctx)
	if err != nil {
		return scheduling.ClassOutcome{}, err
	}

	report := scheduling.RescheduleAll(ctx, []scheduling.ClassWithPattern{class}, calendar, s.store, scheduling.RescheduleOptions{
		Workers:   1,
		Generator: s.generator,
	})
	outcome := report.Outcomes[0]
	logrus.WithFields(logrus.Fields{
		"schedule_id": classID,
		"status":      outcome.Status,
		"sessions":    outcome.SessionCount,
	}).Info("Class regenerated")
	return outcome, outcome.Err()
}

// PreviewClass returns what a regeneration of the class would produce, without
// writing anything.
func (s *RescheduleService) PreviewClass(ctx context.Context, classID uint) (scheduling.Plan, error) {
	class, err := s.store.ClassByID(ctx, classID)
	if err != nil {
		return scheduling.Plan{}, err
	}
	calendar, err := s.store.LoadHolidayCalendar(ctx)
	if err != nil {
		return scheduling.Plan{}, err
	}

	completed, held := class.Kept()
	return s.generator.PlanAround(class.Pattern, completed, held, calendar)
}

// PreviewPattern generates sessions for a class that has not been saved yet.
func (s *RescheduleService) PreviewPattern(ctx context.Context, pattern scheduling.RecurrencePattern) (scheduling.Plan, error) {
	calendar, err := s.store.LoadHolidayCalendar(ctx)
	if err != nil {
		return scheduling.Plan{}, err
	}
	started := time.Now()
	plan, err := s.generator.Plan(pattern, nil, calendar)
	s.metrics.ObserveGeneration(time.Since(started))
	return plan, err
}

func (s *RescheduleService) ListRuns(ctx context.Context, limit int) ([]models.RescheduleRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []models.RescheduleRun
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

func (s *RescheduleService) GetRun(ctx context.Context, runID string) (*models.RescheduleRun, error) {
	var run models.RescheduleRun
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// DownloadReport streams the archived zip of a run.
func (s *RescheduleService) DownloadReport(ctx context.Context, runID string) (io.ReadCloser, string, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, "", err
	}
	if run.S3Key == "" || s.archive == nil {
		return nil, "", ErrReportNotArchived
	}
	body, err := s.archive.Download(ctx, run.S3Key)
	if err != nil {
		return nil, "", err
	}
	return body, fmt.Sprintf("reschedule_%s.zip", run.RunID), nil
}
