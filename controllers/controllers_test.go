package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"englishkorat_scheduler/services"
	"englishkorat_scheduler/services/scheduling"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stubSlots struct {
	calendar *scheduling.HolidayCalendar
	busy     []scheduling.ResourceSlot
}

func (s stubSlots) LoadHolidayCalendar(ctx context.Context) (*scheduling.HolidayCalendar, error) {
	return s.calendar, nil
}

func (s stubSlots) BusySlots(ctx context.Context, branchID uint, date time.Time) ([]scheduling.ResourceSlot, error) {
	return s.busy, nil
}

func boolPtr(b bool) *bool { return &b }

func decode(t *testing.T, body io.Reader) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestPreviewRequestPattern(t *testing.T) {
	req := PreviewScheduleRequest{
		BranchID:        2,
		DaysOfWeek:      []int{1, 3},
		StartDate:       "2024-03-04",
		TotalHours:      30,
		HoursPerSession: 2,
		StartTime:       "18:00",
		SessionTimes: []SessionTimeSlot{
			{Weekday: 3, StartTime: "09:00", EndTime: "10:30"},
		},
	}

	pattern, err := req.pattern()
	require.NoError(t, err)
	assert.Equal(t, 15, pattern.TargetSessionCount)
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday}, pattern.DaysOfWeek)
	assert.Equal(t, scheduling.NewTimeOfDay(18, 0), pattern.StartTime)
	assert.Equal(t, scheduling.NewTimeOfDay(20, 0), pattern.EndTime)
	assert.Equal(t, scheduling.TimeRange{Start: scheduling.NewTimeOfDay(9, 0), End: scheduling.NewTimeOfDay(10, 30)}, pattern.SessionTimes[time.Wednesday])

	req.StartDate = "04/03/2024"
	_, err = req.pattern()
	assert.Error(t, err)
}

func TestAvailabilityRequestProposal(t *testing.T) {
	req := AvailabilityRequest{
		BranchID:       1,
		Date:           "2024-03-04",
		StartTime:      "10:00",
		EndTime:        "11:00",
		RoomID:         3,
		ExcludeOwnerID: 7,
		ExcludeKind:    "class",
	}
	proposed, err := req.proposal()
	require.NoError(t, err)
	assert.Equal(t, scheduling.KindMakeup, proposed.Kind)
	assert.Equal(t, scheduling.KindClass, proposed.ExcludeKind)
	assert.Equal(t, uint(7), proposed.ExcludeOwnerID)

	req.EndTime = "25:00"
	_, err = req.proposal()
	assert.ErrorContains(t, err, "end_time")
}

func TestMakeupRequestMapping(t *testing.T) {
	room := uint(5)
	req := CreateMakeupSessionRequest{
		OriginalSessionID: 40,
		NewSessionDate:    "2024-03-06",
		NewStartTime:      "13:00",
		RoomID:            &room,
		CancellingReason:  "teacher sick",
		NewSessionStatus:  "cancelled",
		AllowConflicts:    boolPtr(false),
	}
	makeup, err := req.makeupRequest()
	require.NoError(t, err)
	assert.Zero(t, makeup.EndTime)
	assert.Equal(t, "cancelled", makeup.OriginalStatus)
	assert.Equal(t, &room, makeup.RoomID)
	assert.True(t, makeup.Options.Policy.EscalateRoomWarnings)
}

func TestConflictPolicy(t *testing.T) {
	assert.False(t, conflictPolicy(nil).EscalateRoomWarnings)
	assert.False(t, conflictPolicy(boolPtr(true)).EscalateRoomWarnings)
	assert.True(t, conflictPolicy(boolPtr(false)).EscalateRoomWarnings)
}

func TestErrorResponseMapping(t *testing.T) {
	blocked := &services.BookingRejectedError{
		Err: services.ErrBookingBlocked,
		Result: scheduling.AvailabilityResult{Issues: []scheduling.AvailabilityIssue{
			{Severity: scheduling.SeverityBlocking, Code: scheduling.IssueHoliday, Message: "Songkran"},
		}},
	}
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"blocked booking", blocked, fiber.StatusConflict, "slot_blocked"},
		{"needs confirmation", &services.BookingRejectedError{Err: services.ErrConfirmationRequired}, fiber.StatusConflict, "confirmation_required"},
		{"unsatisfiable", fmt.Errorf("class 3: %w", scheduling.ErrUnsatisfiable), fiber.StatusUnprocessableEntity, "unsatisfiable_generation"},
		{"engine validation", scheduling.ErrNoWeekdays, fiber.StatusBadRequest, "validation_error"},
		{"invalid holiday", fmt.Errorf("%w: name is required", services.ErrInvalidHoliday), fiber.StatusBadRequest, "validation_error"},
		{"lock busy", services.ErrLockBusy, fiber.StatusConflict, "lock_busy"},
		{"run in progress", services.ErrRescheduleInProgress, fiber.StatusConflict, "reschedule_in_progress"},
		{"not found", gorm.ErrRecordNotFound, fiber.StatusNotFound, ""},
		{"unexpected", errors.New("disk full"), fiber.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", func(c *fiber.Ctx) error { return errorResponse(c, tt.err) })

			resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			body := decode(t, resp.Body)
			if tt.code != "" {
				assert.Equal(t, tt.code, body["code"])
			}
			if tt.err == error(blocked) {
				assert.Len(t, body["issues"], 1)
			}
		})
	}
}

func TestBindJSONReportsFieldErrors(t *testing.T) {
	app := fiber.New()
	app.Post("/", func(c *fiber.Ctx) error {
		var req AvailabilityRequest
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"branch_id":1,"kind":"party"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	fields := decode(t, resp.Body)["fields"].(map[string]interface{})
	assert.Equal(t, "required", fields["Date"])
	assert.Equal(t, "oneof", fields["Kind"])
}

func TestCheckAvailabilityEndpoint(t *testing.T) {
	date := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	slots := stubSlots{
		calendar: scheduling.NewHolidayCalendar([]scheduling.HolidayRecord{
			{Date: time.Date(2024, 4, 13, 0, 0, 0, 0, time.UTC), Scope: scheduling.ScopeNational, Name: "Songkran"},
		}),
		busy: []scheduling.ResourceSlot{{
			Date: date, StartTime: scheduling.NewTimeOfDay(10, 0), EndTime: scheduling.NewTimeOfDay(11, 0),
			BranchID: 1, RoomID: 3, Kind: scheduling.KindMakeup, OwnerID: 9,
		}, {
			Date: date, StartTime: scheduling.NewTimeOfDay(10, 0), EndTime: scheduling.NewTimeOfDay(11, 0),
			BranchID: 1, RoomID: 4, Kind: scheduling.KindClass, OwnerID: 10,
		}},
	}
	booking := services.NewBookingService(nil, slots, nil, time.UTC, time.Second, nil)
	ctrl := NewScheduleController(booking, nil)

	app := fiber.New()
	app.Post("/availability", ctrl.CheckAvailability)

	tests := []struct {
		name        string
		body        string
		available   bool
		hasWarnings bool
	}{
		{"free slot", `{"branch_id":1,"date":"2024-03-04","start_time":"12:00","end_time":"13:00","room_id":3}`, true, false},
		{"room overlap warns", `{"branch_id":1,"date":"2024-03-04","start_time":"10:30","end_time":"11:30","room_id":3}`, true, true},
		{"room overlap escalated", `{"branch_id":1,"date":"2024-03-04","start_time":"10:30","end_time":"11:30","room_id":3,"allow_conflicts":false}`, false, false},
		{"class overlap stays a warning", `{"branch_id":1,"date":"2024-03-04","start_time":"10:30","end_time":"11:30","room_id":4,"allow_conflicts":false}`, true, true},
		{"holiday", `{"branch_id":1,"date":"2024-04-13","start_time":"10:00","end_time":"11:00","room_id":3}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/availability", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, fiber.StatusOK, resp.StatusCode)

			body := decode(t, resp.Body)
			assert.Equal(t, tt.available, body["available"])
			assert.Equal(t, tt.hasWarnings, body["has_warnings"])
		})
	}
}

func TestTrialRequestMapping(t *testing.T) {
	req := TrialSessionRequest{
		BranchID:        1,
		Date:            "2024-03-04",
		StartTime:       "10:00",
		EndTime:         "11:00",
		StudentName:     "Ploy",
		ConfirmWarnings: true,
	}
	trial, err := req.trialRequest()
	require.NoError(t, err)
	assert.Equal(t, scheduling.NewTimeOfDay(11, 0), trial.EndTime)
	assert.True(t, trial.Options.ConfirmWarnings)
	assert.False(t, trial.Options.Policy.EscalateRoomWarnings)
}
