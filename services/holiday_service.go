package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"englishkorat_scheduler/models"
	"englishkorat_scheduler/services/scheduling"
	"englishkorat_scheduler/utils"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	HolidaySourceManual = "manual"
	HolidaySourceMyhora = "myhora"
	HolidaySourceImport = "import"
)

var ErrInvalidHoliday = errors.New("invalid holiday")

// myhoraResponse is the iCal-as-JSON shape of the myhora feed.
type myhoraResponse struct {
	VCALENDAR []struct {
		VEVENT []struct {
			DTStart string `json:"DTSTART"`
			Summary string `json:"SUMMARY"`
		} `json:"VEVENT"`
	} `json:"VCALENDAR"`
}

// NationalHoliday is one entry of the national feed.
type NationalHoliday struct {
	Date time.Time
	Name string
}

type HolidayInput struct {
	Date      time.Time               `json:"date"`
	Name      string                  `json:"name"`
	Scope     scheduling.HolidayScope `json:"scope"`
	BranchIDs []uint                  `json:"branch_ids"`
}

// ImportRowError points at a sheet row that was not imported. Row is 1-based as
// shown in Excel.
type ImportRowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

type ImportResult struct {
	Created int              `json:"created"`
	Errors  []ImportRowError `json:"errors"`
}

// HolidayService maintains the holiday table. Every change that alters the
// calendar is reported to the change hook.
type HolidayService struct {
	db        *gorm.DB
	client    *http.Client
	limiter   *rate.Limiter
	sourceURL string
	onChange  func(reason string)
}

func NewHolidayService(db *gorm.DB, sourceURL string) *HolidayService {
	return &HolidayService{
		db:        db,
		client:    &http.Client{Timeout: 15 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		sourceURL: sourceURL,
	}
}

// OnChange registers the hook called after the calendar changed.
func (s *HolidayService) OnChange(fn func(reason string)) {
	s.onChange = fn
}

func (s *HolidayService) changed(reason string) {
	if s.onChange != nil {
		s.onChange(reason)
	}
}

// List returns holidays between from and to (inclusive, zero = open). branchID != 0
// keeps national holidays and the holidays of that branch.
func (s *HolidayService) List(ctx context.Context, from, to time.Time, branchID uint) ([]models.Holiday, error) {
	query := s.db.WithContext(ctx).Preload("Branches").Order("date")
	if !from.IsZero() {
		query = query.Where("date >= ?", dateValue(from))
	}
	if !to.IsZero() {
		query = query.Where("date <= ?", dateValue(to))
	}
	if branchID != 0 {
		query = query.Where("scope = ? OR id IN (?)", scheduling.ScopeNational,
			s.db.Model(&models.HolidayBranch{}).Select("holiday_id").Where("branch_id = ?", branchID))
	}

	var holidays []models.Holiday
	if err := query.Find(&holidays).Error; err != nil {
		return nil, fmt.Errorf("list holidays: %w", err)
	}
	return holidays, nil
}

func validateHoliday(input HolidayInput) (HolidayInput, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Date.IsZero() {
		return input, fmt.Errorf("%w: date is required", ErrInvalidHoliday)
	}
	if input.Name == "" {
		return input, fmt.Errorf("%w: name is required", ErrInvalidHoliday)
	}
	if input.Scope == "" {
		input.Scope = scheduling.ScopeNational
		if len(input.BranchIDs) > 0 {
			input.Scope = scheduling.ScopeBranch
		}
	}
	scope, err := scheduling.ParseHolidayScope(string(input.Scope))
	if err != nil {
		return input, fmt.Errorf("%w: %v", ErrInvalidHoliday, err)
	}
	input.Scope = scope
	switch scope {
	case scheduling.ScopeBranch:
		if len(input.BranchIDs) == 0 {
			return input, fmt.Errorf("%w: branch holiday needs at least one branch", ErrInvalidHoliday)
		}
	case scheduling.ScopeNational:
		input.BranchIDs = nil
	}
	input.Date = scheduling.DateOf(input.Date)
	return input, nil
}

func holidayModel(input HolidayInput, source string) models.Holiday {
	holiday := models.Holiday{
		Date:   dateValue(input.Date),
		Name:   input.Name,
		Scope:  string(input.Scope),
		Source: source,
	}
	for _, id := range input.BranchIDs {
		holiday.Branches = append(holiday.Branches, models.HolidayBranch{BranchID: id})
	}
	return holiday
}

func (s *HolidayService) Create(ctx context.Context, input HolidayInput) (*models.Holiday, error) {
	input, err := validateHoliday(input)
	if err != nil {
		return nil, err
	}
	holiday := holidayModel(input, HolidaySourceManual)
	if err := s.db.WithContext(ctx).Create(&holiday).Error; err != nil {
		return nil, fmt.Errorf("create holiday: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"holiday_id": holiday.ID,
		"date":       input.Date.Format("2006-01-02"),
		"scope":      holiday.Scope,
	}).Info("Holiday created")
	s.changed("holiday created")
	return &holiday, nil
}

func (s *HolidayService) Delete(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var holiday models.Holiday
		if err := tx.First(&holiday, id).Error; err != nil {
			return err
		}
		if err := tx.Where("holiday_id = ?", id).Delete(&models.HolidayBranch{}).Error; err != nil {
			return err
		}
		return tx.Delete(&holiday).Error
	})
	if err != nil {
		return err
	}
	logrus.WithField("holiday_id", id).Info("Holiday deleted")
	s.changed("holiday deleted")
	return nil
}

// SyncNational pulls the national feed for each Gregorian year and stores dates
// not yet known. It returns the number of holidays added.
func (s *HolidayService) SyncNational(ctx context.Context, years ...int) (int, error) {
	added := 0
	for _, year := range years {
		if err := s.limiter.Wait(ctx); err != nil {
			return added, err
		}
		feed, err := s.fetchNational(ctx, year)
		if err != nil {
			return added, err
		}
		n, err := s.storeNational(ctx, year, feed)
		added += n
		if err != nil {
			return added, err
		}
	}

	logrus.WithFields(logrus.Fields{"years": years, "added": added}).Info("National holidays synced")
	if added > 0 {
		s.changed("national holidays synced")
	}
	return added, nil
}

func (s *HolidayService) fetchNational(ctx context.Context, year int) ([]NationalHoliday, error) {
	// feed ใช้ปี พ.ศ.
	url := fmt.Sprintf(s.sourceURL, year+543)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch holidays for %d: %w", year, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch holidays for %d: unexpected status %d", year, resp.StatusCode)
	}
	return ParseMyhoraFeed(resp.Body)
}

func (s *HolidayService) storeNational(ctx context.Context, year int, feed []NationalHoliday) (int, error) {
	if len(feed) == 0 {
		return 0, nil
	}
	first := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)

	var existing []time.Time
	err := s.db.WithContext(ctx).Model(&models.Holiday{}).
		Where("scope = ? AND date BETWEEN ? AND ?", scheduling.ScopeNational, dateValue(first), dateValue(last)).
		Pluck("date", &existing).Error
	if err != nil {
		return 0, fmt.Errorf("load national holidays: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, d := range existing {
		known[d.Format("2006-01-02")] = true
	}

	var fresh []models.Holiday
	for _, h := range feed {
		key := h.Date.Format("2006-01-02")
		if known[key] {
			continue
		}
		known[key] = true
		fresh = append(fresh, holidayModel(HolidayInput{Date: h.Date, Name: h.Name, Scope: scheduling.ScopeNational}, HolidaySourceMyhora))
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := s.db.WithContext(ctx).Create(&fresh).Error; err != nil {
		return 0, fmt.Errorf("store national holidays: %w", err)
	}
	return len(fresh), nil
}

// ParseMyhoraFeed reads the feed. Events without a readable DTSTART are skipped.
func ParseMyhoraFeed(r io.Reader) ([]NationalHoliday, error) {
	var resp myhoraResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode holiday feed: %w", err)
	}

	var out []NationalHoliday
	for _, calendar := range resp.VCALENDAR {
		for _, event := range calendar.VEVENT {
			raw := strings.TrimSpace(event.DTStart)
			if len(raw) < 8 {
				continue
			}
			date, err := time.Parse("20060102", raw[:8])
			if err != nil {
				continue
			}
			name := strings.TrimSpace(event.Summary)
			if name == "" {
				name = "Holiday"
			}
			out = append(out, NationalHoliday{Date: date, Name: name})
		}
	}
	return out, nil
}

// ImportBranchHolidays reads an .xlsx whose first sheet has date, name and
// branch_ids columns. Bad rows are reported and skipped.
func (s *HolidayService) ImportBranchHolidays(ctx context.Context, r io.Reader) (ImportResult, error) {
	inputs, rowErrors, err := ParseHolidayWorkbook(r)
	if err != nil {
		return ImportResult{}, err
	}
	result := ImportResult{Errors: rowErrors}
	if len(inputs) == 0 {
		return result, nil
	}

	holidays := make([]models.Holiday, 0, len(inputs))
	for _, input := range inputs {
		holidays = append(holidays, holidayModel(input, HolidaySourceImport))
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&holidays).Error
	})
	if err != nil {
		return result, fmt.Errorf("import holidays: %w", err)
	}
	result.Created = len(holidays)

	logrus.WithFields(logrus.Fields{"created": result.Created, "skipped": len(rowErrors)}).Info("Branch holidays imported")
	s.changed("branch holidays imported")
	return result, nil
}

// ParseHolidayWorkbook opens the workbook and parses its first sheet.
func ParseHolidayWorkbook(r io.Reader) ([]HolidayInput, []ImportRowError, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		sheet = "Sheet1"
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	inputs, rowErrors := ParseHolidaySheet(rows)
	return inputs, rowErrors, nil
}

// ParseHolidaySheet maps sheet rows by header name. The header row is required.
func ParseHolidaySheet(rows [][]string) ([]HolidayInput, []ImportRowError) {
	if len(rows) == 0 {
		return nil, []ImportRowError{{Row: 1, Error: "sheet is empty"}}
	}

	cols := map[string]int{}
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"date", "name", "branch_ids"} {
		if _, ok := cols[required]; !ok {
			return nil, []ImportRowError{{Row: 1, Error: fmt.Sprintf("missing column %q", required)}}
		}
	}
	cell := func(row []string, name string) string {
		i := cols[name]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var inputs []HolidayInput
	var rowErrors []ImportRowError
	for idx, row := range rows[1:] {
		line := idx + 2
		if strings.TrimSpace(strings.Join(row, "")) == "" {
			continue
		}
		date, err := utils.ParseDateFlexible(cell(row, "date"))
		if err != nil {
			rowErrors = append(rowErrors, ImportRowError{Row: line, Error: err.Error()})
			continue
		}
		branchIDs, err := utils.ParseUintList(cell(row, "branch_ids"))
		if err != nil {
			rowErrors = append(rowErrors, ImportRowError{Row: line, Error: err.Error()})
			continue
		}
		input, err := validateHoliday(HolidayInput{
			Date:      date,
			Name:      cell(row, "name"),
			Scope:     scheduling.ScopeBranch,
			BranchIDs: branchIDs,
		})
		if err != nil {
			rowErrors = append(rowErrors, ImportRowError{Row: line, Error: err.Error()})
			continue
		}
		inputs = append(inputs, input)
	}
	return inputs, rowErrors
}
