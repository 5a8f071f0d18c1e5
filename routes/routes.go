package routes

import (
	"englishkorat_scheduler/controllers"
	"englishkorat_scheduler/middleware"

	"github.com/gofiber/fiber/v2"
)

// Controllers groups every handler the API exposes.
type Controllers struct {
	Health   *controllers.HealthController
	Schedule *controllers.ScheduleController
	Trial    *controllers.TrialController
	Holiday  *controllers.HolidayController
	Room     *controllers.RoomController
}

// SetupRoutes configures all application routes
func SetupRoutes(app *fiber.App, ctrl Controllers) {
	app.Get("/health", ctrl.Health.GetHealthStatus)

	api := app.Group("/api")

	// Protected routes (require authentication)
	protected := api.Group("/", middleware.JWTMiddleware())

	// Schedule engine
	schedules := protected.Group("/schedules")
	schedules.Post("/preview", middleware.RequireTeacherOrAbove(), ctrl.Schedule.PreviewSchedule)
	schedules.Post("/availability", middleware.RequireTeacherOrAbove(), ctrl.Schedule.CheckAvailability)
	schedules.Post("/sessions/makeup", middleware.RequireTeacherOrAbove(), ctrl.Schedule.CreateMakeupSession) // สร้าง makeup session
	schedules.Post("/reschedule-all", middleware.RequireOwnerOrAdmin(), ctrl.Schedule.RescheduleAll)
	schedules.Get("/reschedule-runs", middleware.RequireOwnerOrAdmin(), ctrl.Schedule.ListRescheduleRuns)
	schedules.Get("/reschedule-runs/:run_id/report", middleware.RequireOwnerOrAdmin(), ctrl.Schedule.DownloadRescheduleReport)
	schedules.Post("/:id/regenerate", middleware.RequireOwnerOrAdmin(), ctrl.Schedule.RegenerateSchedule)

	// Trial lessons
	trials := protected.Group("/trials", middleware.RequireTeacherOrAbove())
	trials.Post("/", ctrl.Trial.BookTrial)
	trials.Put("/:id", ctrl.Trial.RescheduleTrial)

	// Holidays
	holidays := protected.Group("/holidays")
	holidays.Get("/", middleware.RequireTeacherOrAbove(), ctrl.Holiday.ListHolidays)
	holidays.Post("/", middleware.RequireOwnerOrAdmin(), ctrl.Holiday.CreateHoliday)
	holidays.Post("/import", middleware.RequireOwnerOrAdmin(), ctrl.Holiday.ImportHolidays)
	holidays.Post("/sync", middleware.RequireOwnerOrAdmin(), ctrl.Holiday.SyncHolidays)
	holidays.Delete("/:id", middleware.RequireOwnerOrAdmin(), ctrl.Holiday.DeleteHoliday)

	// Rooms
	protected.Get("/rooms/available", middleware.RequireTeacherOrAbove(), ctrl.Room.GetAvailableRooms)
}
