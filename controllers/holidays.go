package controllers

import (
	"strconv"
	"time"

	"englishkorat_scheduler/middleware"
	"englishkorat_scheduler/services"
	"englishkorat_scheduler/services/scheduling"
	"englishkorat_scheduler/utils"

	"github.com/gofiber/fiber/v2"
)

type HolidayController struct {
	holidays *services.HolidayService
	loc      *time.Location
}

func NewHolidayController(holidays *services.HolidayService, loc *time.Location) *HolidayController {
	if loc == nil {
		loc = time.Local
	}
	return &HolidayController{holidays: holidays, loc: loc}
}

type CreateHolidayRequest struct {
	Date      string `json:"date" validate:"required"`
	Name      string `json:"name" validate:"required,max=255"`
	Scope     string `json:"scope" validate:"omitempty,oneof=national branch"`
	BranchIDs []uint `json:"branch_ids"`
}

type SyncHolidaysRequest struct {
	Years []int `json:"years" validate:"omitempty,dive,min=2000,max=2200"`
}

// ListHolidays supports ?from=YYYY-MM-DD&to=YYYY-MM-DD&branch_id=N
func (hc *HolidayController) ListHolidays(c *fiber.Ctx) error {
	var from, to time.Time
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = scheduling.ParseDate(v); err != nil {
			return validationError(c, err)
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = scheduling.ParseDate(v); err != nil {
			return validationError(c, err)
		}
	}

	holidays, err := hc.holidays.List(c.UserContext(), from, to, uint(c.QueryInt("branch_id", 0)))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"holidays": holidays})
}

func (hc *HolidayController) CreateHoliday(c *fiber.Ctx) error {
	var req CreateHolidayRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	date, err := scheduling.ParseDate(req.Date)
	if err != nil {
		return validationError(c, err)
	}

	holiday, err := hc.holidays.Create(c.UserContext(), services.HolidayInput{
		Date:      date,
		Name:      req.Name,
		Scope:     scheduling.HolidayScope(req.Scope),
		BranchIDs: req.BranchIDs,
	})
	if err != nil {
		return errorResponse(c, err)
	}

	middleware.LogActivity(c, "CREATE", "holidays", holiday.ID, map[string]interface{}{"date": req.Date})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Holiday created, classes will be rescheduled",
		"holiday": holiday,
	})
}

func (hc *HolidayController) DeleteHoliday(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid holiday ID",
		})
	}
	if err := hc.holidays.Delete(c.UserContext(), uint(id)); err != nil {
		return errorResponse(c, err)
	}

	middleware.LogActivity(c, "DELETE", "holidays", uint(id), nil)
	return c.JSON(fiber.Map{"message": "Holiday deleted, classes will be rescheduled"})
}

// ImportHolidays รับไฟล์ .xlsx (date, name, branch_ids)
func (hc *HolidayController) ImportHolidays(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "File is required",
		})
	}
	if !utils.IsValidFileExtension(file.Filename, []string{"xlsx"}) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Only .xlsx files are supported",
		})
	}
	src, err := file.Open()
	if err != nil {
		return errorResponse(c, err)
	}
	defer src.Close()

	result, err := hc.holidays.ImportBranchHolidays(c.UserContext(), src)
	if err != nil {
		return errorResponse(c, err)
	}

	middleware.LogActivity(c, "IMPORT", "holidays", 0, map[string]interface{}{
		"file":    utils.SanitizeString(file.Filename),
		"created": result.Created,
	})
	return c.JSON(fiber.Map{
		"message": "Holidays imported",
		"result":  result,
	})
}

// SyncHolidays pulls national holidays; without years it syncs this year and next.
func (hc *HolidayController) SyncHolidays(c *fiber.Ctx) error {
	var req SyncHolidaysRequest
	if len(c.Body()) > 0 {
		if err := bindJSON(c, &req); err != nil {
			return err
		}
	}
	if len(req.Years) == 0 {
		year := time.Now().In(hc.loc).Year()
		req.Years = []int{year, year + 1}
	}

	added, err := hc.holidays.SyncNational(c.UserContext(), req.Years...)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
			"added": added,
		})
	}

	middleware.LogActivity(c, "SYNC", "holidays", 0, map[string]interface{}{"added": added})
	return c.JSON(fiber.Map{
		"message": "National holidays synced",
		"years":   req.Years,
		"added":   added,
	})
}
