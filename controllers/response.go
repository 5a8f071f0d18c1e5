package controllers

import (
	"errors"

	"englishkorat_scheduler/services"
	"englishkorat_scheduler/services/scheduling"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var validate = validator.New()

// bindJSON parses the body into req and runs the struct's validate tags.
func bindJSON(c *fiber.Ctx, req interface{}) error {
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := validate.Struct(req); err != nil {
		return validationError(c, err)
	}
	return nil
}

func validationError(c *fiber.Ctx, err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"code":  scheduling.CodeValidation,
		})
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fe.Tag()
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":  "Validation failed",
		"code":   scheduling.CodeValidation,
		"fields": fields,
	})
}

// errorResponse maps service and engine errors onto HTTP responses.
func errorResponse(c *fiber.Ctx, err error) error {
	var rejected *services.BookingRejectedError
	switch {
	case errors.As(err, &rejected):
		code := "slot_blocked"
		if errors.Is(err, services.ErrConfirmationRequired) {
			code = "confirmation_required"
		}
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":  rejected.Error(),
			"code":   code,
			"issues": rejected.Result.Issues,
		})
	case scheduling.CodeOf(err) == scheduling.CodeUnsatisfiable:
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
			"code":  scheduling.CodeUnsatisfiable,
		})
	case scheduling.IsValidation(err),
		errors.Is(err, services.ErrInvalidBooking),
		errors.Is(err, services.ErrInvalidHoliday):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"code":  scheduling.CodeValidation,
		})
	case errors.Is(err, services.ErrLockBusy):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "lock_busy",
		})
	case errors.Is(err, services.ErrRescheduleInProgress):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "reschedule_in_progress",
		})
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, services.ErrReportNotArchived):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Not found",
		})
	}

	logrus.WithError(err).WithField("path", c.Path()).Error("Request failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal server error",
	})
}

// conflictPolicy: allow_conflicts=false makes room double-bookings blocking.
func conflictPolicy(allowConflicts *bool) scheduling.ConflictPolicy {
	return scheduling.ConflictPolicy{EscalateRoomWarnings: allowConflicts != nil && !*allowConflicts}
}
