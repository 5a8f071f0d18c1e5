package controllers

import (
	"strconv"

	"englishkorat_scheduler/middleware"
	"englishkorat_scheduler/services"
	"englishkorat_scheduler/services/scheduling"

	"github.com/gofiber/fiber/v2"
)

type TrialController struct {
	booking *services.BookingService
}

func NewTrialController(booking *services.BookingService) *TrialController {
	return &TrialController{booking: booking}
}

type TrialSessionRequest struct {
	BranchID        uint   `json:"branch_id"`
	RoomID          uint   `json:"room_id"`
	TeacherID       uint   `json:"teacher_id"`
	Date            string `json:"date" validate:"required"`
	StartTime       string `json:"start_time" validate:"required"`
	EndTime         string `json:"end_time" validate:"required"`
	StudentName     string `json:"student_name" validate:"max=200"`
	ContactPhone    string `json:"contact_phone" validate:"max=20"`
	Notes           string `json:"notes"`
	ConfirmWarnings bool   `json:"confirm_warnings"`
	AllowConflicts  *bool  `json:"allow_conflicts"`
}

func (r TrialSessionRequest) trialRequest() (services.TrialRequest, error) {
	date, err := scheduling.ParseDate(r.Date)
	if err != nil {
		return services.TrialRequest{}, err
	}
	start, err := parseTimeField("start_time", r.StartTime)
	if err != nil {
		return services.TrialRequest{}, err
	}
	end, err := parseTimeField("end_time", r.EndTime)
	if err != nil {
		return services.TrialRequest{}, err
	}
	return services.TrialRequest{
		BranchID:     r.BranchID,
		RoomID:       r.RoomID,
		TeacherID:    r.TeacherID,
		Date:         date,
		StartTime:    start,
		EndTime:      end,
		StudentName:  r.StudentName,
		ContactPhone: r.ContactPhone,
		Notes:        r.Notes,
		Options: services.BookingOptions{
			Policy:          conflictPolicy(r.AllowConflicts),
			ConfirmWarnings: r.ConfirmWarnings,
		},
	}, nil
}

// BookTrial จองคลาสทดลองเรียน
func (tc *TrialController) BookTrial(c *fiber.Ctx) error {
	var req TrialSessionRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.BranchID == 0 {
		if claims, err := middleware.GetCurrentClaims(c); err == nil {
			req.BranchID = claims.BranchID
		}
	}
	trialReq, err := req.trialRequest()
	if err != nil {
		return validationError(c, err)
	}

	trial, result, err := tc.booking.BookTrial(c.UserContext(), trialReq)
	if err != nil {
		return errorResponse(c, err)
	}

	middleware.LogActivity(c, "CREATE", "trial_sessions", trial.ID, map[string]interface{}{
		"branch_id": trial.BranchID,
	})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Trial session booked",
		"trial":    trial,
		"warnings": result.Warnings(),
	})
}

// RescheduleTrial ย้ายคลาสทดลองเรียนไปเวลาใหม่
func (tc *TrialController) RescheduleTrial(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid trial ID",
		})
	}
	var req TrialSessionRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	trialReq, err := req.trialRequest()
	if err != nil {
		return validationError(c, err)
	}

	trial, result, err := tc.booking.RescheduleTrial(c.UserContext(), uint(id), trialReq)
	if err != nil {
		return errorResponse(c, err)
	}

	middleware.LogActivity(c, "UPDATE", "trial_sessions", trial.ID, nil)
	return c.JSON(fiber.Map{
		"message":  "Trial session rescheduled",
		"trial":    trial,
		"warnings": result.Warnings(),
	})
}
