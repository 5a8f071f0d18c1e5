package scheduling

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// ClassStatus mirrors the lifecycle of a class schedule.
type ClassStatus string

const (
	ClassScheduled ClassStatus = "scheduled"
	ClassAssigned  ClassStatus = "assigned"
	ClassPaused    ClassStatus = "paused"
	ClassCompleted ClassStatus = "completed"
	ClassCancelled ClassStatus = "cancelled"
)

// Active is true for every class that still has sessions to run.
func (s ClassStatus) Active() bool {
	return s != ClassCompleted && s != ClassCancelled
}

// StoredSession is a session as the store currently holds it.
type StoredSession struct {
	GeneratedSession
	Completed bool `json:"completed"`
}

// ClassWithPattern is the input of a bulk reschedule for one class.
type ClassWithPattern struct {
	ClassID  uint              `json:"class_id"`
	Name     string            `json:"name"`
	Status   ClassStatus       `json:"status"`
	Pattern  RecurrencePattern `json:"pattern"`
	Sessions []StoredSession   `json:"sessions"`
}

// Kept splits the stored sessions a regeneration must not move: completed ones
// and held ones. Everything else is replaced.
func (c ClassWithPattern) Kept() (completed, held []GeneratedSession) {
	for _, session := range c.Sessions {
		switch {
		case session.Completed:
			completed = append(completed, session.GeneratedSession)
		case session.Held:
			held = append(held, session.GeneratedSession)
		}
	}
	return completed, held
}

// Regeneration is what the store persists for one class. Sessions[:FixedCount] are
// the preserved completed sessions. After them, Held entries are existing sessions
// that only take a new number, the rest replace every other non-completed session.
type Regeneration struct {
	ClassID    uint
	Sessions   []GeneratedSession
	FixedCount int
	EndDate    time.Time
}

// SessionStore persists a regenerated schedule. ReplaceSessions must be all or
// nothing for a class.
type SessionStore interface {
	ReplaceSessions(ctx context.Context, regen Regeneration) error
}

type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// ClassOutcome is the per-class line of a RescheduleReport.
type ClassOutcome struct {
	ClassID        uint          `json:"class_id"`
	Name           string        `json:"name,omitempty"`
	Status         OutcomeStatus `json:"status"`
	PreservedCount int           `json:"preserved_count"`
	SessionCount   int           `json:"session_count"`
	EndDate        *time.Time    `json:"end_date,omitempty"`
	Error          string        `json:"error,omitempty"`
	ErrorCode      ErrorCode     `json:"error_code,omitempty"`

	err error
}

// Err returns the failure of a failed outcome.
func (o ClassOutcome) Err() error { return o.err }

// RescheduleReport summarises a bulk run. Errors is keyed by class id.
type RescheduleReport struct {
	ProcessedCount int            `json:"processed_count"`
	FailedCount    int            `json:"failed_count"`
	SkippedCount   int            `json:"skipped_count"`
	Outcomes       []ClassOutcome `json:"outcomes"`
	Errors         map[uint]error `json:"-"`
}

// RescheduleOptions tunes RescheduleAll. Workers <= 1 processes classes in order.
type RescheduleOptions struct {
	Workers   int
	Generator Generator
}

// RescheduleAll regenerates every active class against one calendar snapshot.
// A failing class is recorded and left untouched; the batch always completes.
func RescheduleAll(ctx context.Context, classes []ClassWithPattern, calendar HolidayLookup, store SessionStore, opts RescheduleOptions) RescheduleReport {
	outcomes := make([]ClassOutcome, len(classes))

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i := range classes {
		i := i
		g.Go(func() error {
			outcomes[i] = rescheduleClass(ctx, classes[i], calendar, store, opts.Generator)
			return nil
		})
	}
	_ = g.Wait()

	report := RescheduleReport{
		Outcomes: make([]ClassOutcome, 0, len(outcomes)),
		Errors:   make(map[uint]error),
	}
	for _, outcome := range outcomes {
		report.Record(outcome)
	}
	return report
}

// Record appends an outcome and updates the counters.
func (r *RescheduleReport) Record(outcome ClassOutcome) {
	r.Outcomes = append(r.Outcomes, outcome)
	switch outcome.Status {
	case OutcomeSucceeded:
		r.ProcessedCount++
	case OutcomeSkipped:
		r.SkippedCount++
	case OutcomeFailed:
		r.FailedCount++
		if r.Errors == nil {
			r.Errors = make(map[uint]error)
		}
		r.Errors[outcome.ClassID] = outcome.err
	}
}

// FailedOutcome reports a class that could not be loaded into the engine.
func FailedOutcome(classID uint, name string, err error) ClassOutcome {
	return ClassOutcome{ClassID: classID, Name: name}.fail(err)
}

func rescheduleClass(ctx context.Context, class ClassWithPattern, calendar HolidayLookup, store SessionStore, gen Generator) ClassOutcome {
	outcome := ClassOutcome{ClassID: class.ClassID, Name: class.Name}

	if !class.Status.Active() {
		outcome.Status = OutcomeSkipped
		return outcome
	}
	if err := ctx.Err(); err != nil {
		return outcome.fail(err)
	}

	completed, held := class.Kept()
	plan, err := gen.PlanAround(class.Pattern, completed, held, calendar)
	if err != nil {
		return outcome.fail(err)
	}

	regen := Regeneration{
		ClassID:    class.ClassID,
		Sessions:   plan.Sessions,
		FixedCount: plan.FixedCount,
		EndDate:    plan.EndDate,
	}
	if err := store.ReplaceSessions(ctx, regen); err != nil {
		return outcome.fail(err)
	}

	end := plan.EndDate
	outcome.Status = OutcomeSucceeded
	outcome.PreservedCount = plan.FixedCount
	outcome.SessionCount = len(plan.Sessions)
	outcome.EndDate = &end
	return outcome
}

func (o ClassOutcome) fail(err error) ClassOutcome {
	o.Status = OutcomeFailed
	o.err = err
	o.Error = err.Error()
	o.ErrorCode = CodeOf(err)
	return o
}
