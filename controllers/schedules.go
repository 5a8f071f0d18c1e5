package controllers

import (
	"fmt"
	"strconv"
	"time"

	"englishkorat_scheduler/middleware"
	"englishkorat_scheduler/services"
	"englishkorat_scheduler/services/scheduling"

	"github.com/gofiber/fiber/v2"
)

type ScheduleController struct {
	booking    *services.BookingService
	reschedule *services.RescheduleService
}

func NewScheduleController(booking *services.BookingService, reschedule *services.RescheduleService) *ScheduleController {
	return &ScheduleController{booking: booking, reschedule: reschedule}
}

type SessionTimeSlot struct {
	Weekday   int    `json:"weekday" validate:"min=0,max=6"`
	StartTime string `json:"start_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
}

type PreviewScheduleRequest struct {
	// existing class: preview its regeneration, other fields are ignored
	ScheduleID *uint `json:"schedule_id"`

	BranchID           uint              `json:"branch_id"`
	DaysOfWeek         []int             `json:"days_of_week"` // 0=อาทิตย์ ... 6=เสาร์
	StartDate          string            `json:"start_date"`
	TargetSessionCount int               `json:"target_session_count" validate:"min=0"`
	TotalHours         int               `json:"total_hours" validate:"min=0"`
	HoursPerSession    int               `json:"hours_per_session" validate:"min=0"`
	StartTime          string            `json:"start_time"`
	EndTime            string            `json:"end_time"`
	SessionTimes       []SessionTimeSlot `json:"session_times,omitempty" validate:"dive"`
}

type AvailabilityRequest struct {
	BranchID       uint   `json:"branch_id" validate:"required"`
	Date           string `json:"date" validate:"required"`
	StartTime      string `json:"start_time" validate:"required"`
	EndTime        string `json:"end_time" validate:"required"`
	RoomID         uint   `json:"room_id"`
	TeacherID      uint   `json:"teacher_id"`
	Kind           string `json:"kind" validate:"omitempty,oneof=class makeup trial"`
	ExcludeOwnerID uint   `json:"exclude_owner_id"`
	ExcludeKind    string `json:"exclude_kind" validate:"omitempty,oneof=class makeup trial"`
	AllowConflicts *bool  `json:"allow_conflicts"`
}

type CreateMakeupSessionRequest struct {
	OriginalSessionID uint   `json:"original_session_id" validate:"required"`
	NewSessionDate    string `json:"new_session_date" validate:"required"`
	NewStartTime      string `json:"new_start_time" validate:"required"`
	NewEndTime        string `json:"new_end_time"`
	RoomID            *uint  `json:"room_id"`
	TeacherID         *uint  `json:"teacher_id"`
	CancellingReason  string `json:"cancelling_reason" validate:"required"`
	NewSessionStatus  string `json:"new_session_status" validate:"required,oneof=cancelled rescheduled no-show"`
	ConfirmWarnings   bool   `json:"confirm_warnings"`
	AllowConflicts    *bool  `json:"allow_conflicts"`
}

func parseTimeField(name, value string) (scheduling.TimeOfDay, error) {
	t, err := scheduling.ParseTimeOfDay(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

func (r PreviewScheduleRequest) pattern() (scheduling.RecurrencePattern, error) {
	pattern := scheduling.RecurrencePattern{
		BranchID:           r.BranchID,
		TargetSessionCount: r.TargetSessionCount,
	}
	if pattern.TargetSessionCount == 0 {
		pattern.TargetSessionCount = scheduling.SessionCountForHours(r.TotalHours, r.HoursPerSession)
	}
	for _, d := range r.DaysOfWeek {
		pattern.DaysOfWeek = append(pattern.DaysOfWeek, time.Weekday(d))
	}
	if r.StartDate != "" {
		start, err := scheduling.ParseDate(r.StartDate)
		if err != nil {
			return pattern, err
		}
		pattern.StartDate = start
	}

	if r.StartTime != "" {
		start, err := parseTimeField("start_time", r.StartTime)
		if err != nil {
			return pattern, err
		}
		pattern.StartTime = start
		switch {
		case r.EndTime != "":
			if pattern.EndTime, err = parseTimeField("end_time", r.EndTime); err != nil {
				return pattern, err
			}
		case r.HoursPerSession > 0:
			pattern.EndTime = start + scheduling.TimeOfDay(r.HoursPerSession*60)
		}
	}

	if len(r.SessionTimes) > 0 {
		pattern.SessionTimes = make(map[time.Weekday]scheduling.TimeRange, len(r.SessionTimes))
		for _, slot := range r.SessionTimes {
			start, err := parseTimeField("session_times.start_time", slot.StartTime)
			if err != nil {
				return pattern, err
			}
			end, err := parseTimeField("session_times.end_time", slot.EndTime)
			if err != nil {
				return pattern, err
			}
			pattern.SessionTimes[time.Weekday(slot.Weekday)] = scheduling.TimeRange{Start: start, End: end}
		}
	}
	return pattern, nil
}

func (r AvailabilityRequest) proposal() (scheduling.ProposedSlot, error) {
	date, err := scheduling.ParseDate(r.Date)
	if err != nil {
		return scheduling.ProposedSlot{}, err
	}
	start, err := parseTimeField("start_time", r.StartTime)
	if err != nil {
		return scheduling.ProposedSlot{}, err
	}
	end, err := parseTimeField("end_time", r.EndTime)
	if err != nil {
		return scheduling.ProposedSlot{}, err
	}
	kind := scheduling.KindMakeup
	if r.Kind != "" {
		if kind, err = scheduling.ParseSlotKind(r.Kind); err != nil {
			return scheduling.ProposedSlot{}, err
		}
	}

	proposed := scheduling.ProposedSlot{
		ResourceSlot: scheduling.ResourceSlot{
			Date:      date,
			StartTime: start,
			EndTime:   end,
			BranchID:  r.BranchID,
			RoomID:    r.RoomID,
			TeacherID: r.TeacherID,
			Kind:      kind,
		},
		ExcludeOwnerID: r.ExcludeOwnerID,
	}
	if r.ExcludeKind != "" {
		if proposed.ExcludeKind, err = scheduling.ParseSlotKind(r.ExcludeKind); err != nil {
			return scheduling.ProposedSlot{}, err
		}
	}
	return proposed, nil
}

func (r CreateMakeupSessionRequest) makeupRequest() (services.MakeupRequest, error) {
	date, err := scheduling.ParseDate(r.NewSessionDate)
	if err != nil {
		return services.MakeupRequest{}, err
	}
	start, err := parseTimeField("new_start_time", r.NewStartTime)
	if err != nil {
		return services.MakeupRequest{}, err
	}
	var end scheduling.TimeOfDay
	if r.NewEndTime != "" {
		if end, err = parseTimeField("new_end_time", r.NewEndTime); err != nil {
			return services.MakeupRequest{}, err
		}
	}
	return services.MakeupRequest{
		OriginalSessionID: r.OriginalSessionID,
		Date:              date,
		StartTime:         start,
		EndTime:           end,
		RoomID:            r.RoomID,
		TeacherID:         r.TeacherID,
		OriginalStatus:    r.NewSessionStatus,
		CancellingReason:  r.CancellingReason,
		Options: services.BookingOptions{
			Policy:          conflictPolicy(r.AllowConflicts),
			ConfirmWarnings: r.ConfirmWarnings,
		},
	}, nil
}

// PreviewSchedule แสดงตัวอย่าง sessions และวันหยุดที่ข้าม โดยไม่บันทึก
func (sc *ScheduleController) PreviewSchedule(c *fiber.Ctx) error {
	var req PreviewScheduleRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	var (
		plan scheduling.Plan
		err  error
	)
	if req.ScheduleID != nil {
		plan, err = sc.reschedule.PreviewClass(c.UserContext(), *req.ScheduleID)
	} else {
		pattern, perr := req.pattern()
		if perr != nil {
			return validationError(c, perr)
		}
		plan, err = sc.reschedule.PreviewPattern(c.UserContext(), pattern)
	}
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"message":       "Preview generated",
		"session_count": len(plan.Sessions),
		"plan":          plan,
	})
}

// CheckAvailability is advisory: the booking endpoints check again under lock.
func (sc *ScheduleController) CheckAvailability(c *fiber.Ctx) error {
	var req AvailabilityRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	proposed, err := req.proposal()
	if err != nil {
		return validationError(c, err)
	}

	result, err := sc.booking.CheckAvailability(c.UserContext(), proposed, conflictPolicy(req.AllowConflicts))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"available":    !result.HasBlocking(),
		"has_warnings": len(result.Warnings()) > 0,
		"issues":       result.Issues,
	})
}

// CreateMakeupSession สร้าง session ชดเชย
func (sc *ScheduleController) CreateMakeupSession(c *fiber.Ctx) error {
	var req CreateMakeupSessionRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	makeup, err := req.makeupRequest()
	if err != nil {
		return validationError(c, err)
	}

	session, result, err := sc.booking.ScheduleMakeup(c.UserContext(), makeup)
	if err != nil {
		return errorResponse(c, err)
	}

	middleware.LogActivity(c, "CREATE", "makeup_sessions", session.ID, map[string]interface{}{
		"original_session_id": req.OriginalSessionID,
		"schedule_id":         session.ScheduleID,
	})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Makeup session created successfully",
		"session":  session,
		"warnings": result.Warnings(),
	})
}

// RegenerateSchedule rebuilds the remaining sessions of one class.
func (sc *ScheduleController) RegenerateSchedule(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid schedule ID",
		})
	}

	outcome, err := sc.reschedule.RegenerateClass(c.UserContext(), uint(id))
	if err != nil {
		return errorResponse(c, err)
	}

	middleware.LogActivity(c, "REGENERATE", "schedules", uint(id), map[string]interface{}{
		"session_count": outcome.SessionCount,
	})
	return c.JSON(fiber.Map{
		"message": "Schedule regenerated",
		"outcome": outcome,
	})
}

// RescheduleAll runs the bulk regeneration synchronously and returns its report.
func (sc *ScheduleController) RescheduleAll(c *fiber.Ctx) error {
	run, report, err := sc.reschedule.RunAll(c.UserContext(), services.TriggerManual)
	if err != nil {
		return errorResponse(c, err)
	}

	middleware.LogActivity(c, "RESCHEDULE_ALL", "reschedule_runs", run.ID, map[string]interface{}{
		"run_id": run.RunID,
		"failed": report.FailedCount,
	})
	return c.JSON(fiber.Map{
		"message": "Reschedule completed",
		"run":     run,
		"report":  report,
	})
}

func (sc *ScheduleController) ListRescheduleRuns(c *fiber.Ctx) error {
	runs, err := sc.reschedule.ListRuns(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"runs": runs})
}

func (sc *ScheduleController) DownloadRescheduleReport(c *fiber.Ctx) error {
	body, filename, err := sc.reschedule.DownloadReport(c.UserContext(), c.Params("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	c.Set(fiber.HeaderContentType, "application/zip")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.SendStream(body)
}
