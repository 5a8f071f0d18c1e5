package services

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"englishkorat_scheduler/services/scheduling"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const myhoraSample = `{"VCALENDAR":[{"VEVENT":[
	{"DTSTART":"20240101","SUMMARY":"วันขึ้นปีใหม่"},
	{"DTSTART":"20240413","SUMMARY":"วันสงกรานต์"},
	{"DTSTART":"","SUMMARY":"broken"},
	{"DTSTART":"2024XX13","SUMMARY":"broken"}
]}]}`

func TestParseMyhoraFeed(t *testing.T) {
	holidays, err := ParseMyhoraFeed(strings.NewReader(myhoraSample))
	require.NoError(t, err)
	require.Len(t, holidays, 2)
	assert.Equal(t, ymd(2024, 1, 1), holidays[0].Date)
	assert.Equal(t, "วันสงกรานต์", holidays[1].Name)

	_, err = ParseMyhoraFeed(strings.NewReader("<html>"))
	assert.Error(t, err)
}

func TestSyncNationalStoresOnlyNewDates(t *testing.T) {
	var requested string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.RawQuery
		w.Write([]byte(myhoraSample))
	}))
	defer server.Close()

	db, mock := newMockDB(t)
	svc := NewHolidayService(db, server.URL+"/holiday.aspx?%d.json")
	var reasons []string
	svc.OnChange(func(reason string) { reasons = append(reasons, reason) })

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `date` FROM `holidays`")).
		WillReturnRows(sqlmock.NewRows([]string{"date"}).AddRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `holidays`")).
		WillReturnResult(sqlmock.NewResult(10, 1))
	mock.ExpectCommit()

	added, err := svc.SyncNational(context.Background(), 2024)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, added)
	assert.Equal(t, "2567.json", requested)
	assert.Equal(t, []string{"national holidays synced"}, reasons)
}

func TestSyncNationalReportsHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	db, _ := newMockDB(t)
	svc := NewHolidayService(db, server.URL+"/?%d")
	_, err := svc.SyncNational(context.Background(), 2024)
	assert.ErrorContains(t, err, "unexpected status 502")
}

func TestValidateHoliday(t *testing.T) {
	tests := []struct {
		name    string
		input   HolidayInput
		scope   scheduling.HolidayScope
		wantErr bool
	}{
		{"national by default", HolidayInput{Date: ymd(2024, 4, 13), Name: "Songkran"}, scheduling.ScopeNational, false},
		{"branch inferred from ids", HolidayInput{Date: ymd(2024, 4, 13), Name: "Staff day", BranchIDs: []uint{2}}, scheduling.ScopeBranch, false},
		{"branch without ids", HolidayInput{Date: ymd(2024, 4, 13), Name: "Staff day", Scope: scheduling.ScopeBranch}, "", true},
		{"missing name", HolidayInput{Date: ymd(2024, 4, 13), Name: "  "}, "", true},
		{"missing date", HolidayInput{Name: "Songkran"}, "", true},
		{"unknown scope", HolidayInput{Date: ymd(2024, 4, 13), Name: "x", Scope: "regional"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateHoliday(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidHoliday)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scope, got.Scope)
		})
	}
}

func TestParseHolidaySheet(t *testing.T) {
	rows := [][]string{
		{"Date", "Name", "Branch_IDs"},
		{"13/04/2567", "Songkran break", "1, 2"},
		{},
		{"not a date", "Oops", "1"},
		{"2024-05-01", "Labour day", ""},
		{"2024-05-02", "Short row"},
	}

	inputs, rowErrors := ParseHolidaySheet(rows)
	require.Len(t, inputs, 1)
	assert.Equal(t, ymd(2024, 4, 13), inputs[0].Date)
	assert.Equal(t, []uint{1, 2}, inputs[0].BranchIDs)
	assert.Equal(t, scheduling.ScopeBranch, inputs[0].Scope)

	require.Len(t, rowErrors, 3)
	assert.Equal(t, 4, rowErrors[0].Row)
	assert.Equal(t, 5, rowErrors[1].Row)
	assert.Equal(t, 6, rowErrors[2].Row)
}

func TestParseHolidaySheetMissingColumn(t *testing.T) {
	_, rowErrors := ParseHolidaySheet([][]string{{"date", "name"}})
	require.Len(t, rowErrors, 1)
	assert.Contains(t, rowErrors[0].Error, "branch_ids")
}

func TestParseHolidayWorkbook(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"date", "name", "branch_ids"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"2024-07-29", "Branch closed", "3"}))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	inputs, rowErrors, err := ParseHolidayWorkbook(&buf)
	require.NoError(t, err)
	assert.Empty(t, rowErrors)
	require.Len(t, inputs, 1)
	assert.Equal(t, []uint{3}, inputs[0].BranchIDs)
}
