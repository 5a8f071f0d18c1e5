package controllers

import (
	"englishkorat_scheduler/services"
	"englishkorat_scheduler/services/scheduling"

	"github.com/gofiber/fiber/v2"
)

type RoomController struct {
	booking *services.BookingService
}

func NewRoomController(booking *services.BookingService) *RoomController {
	return &RoomController{booking: booking}
}

// GetAvailableRooms returns rooms that are free for the whole requested slot.
// ?branch_id=1&date=2024-03-04&start_time=10:00&end_time=11:00&kind=trial&min_capacity=4
func (rc *RoomController) GetAvailableRooms(c *fiber.Ctx) error {
	req := AvailabilityRequest{
		BranchID:  uint(c.QueryInt("branch_id", 0)),
		Date:      c.Query("date"),
		StartTime: c.Query("start_time"),
		EndTime:   c.Query("end_time"),
		Kind:      c.Query("kind"),
	}
	if err := validate.Struct(req); err != nil {
		return validationError(c, err)
	}
	proposed, err := req.proposal()
	if err != nil {
		return validationError(c, err)
	}
	if !proposed.Range().Valid() {
		return validationError(c, scheduling.ErrInvalidTimeRange)
	}

	rooms, err := rc.booking.FreeRooms(c.UserContext(), proposed, c.QueryInt("min_capacity", 0))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"rooms": rooms,
		"total": len(rooms),
	})
}
