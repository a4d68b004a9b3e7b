// Package report renders attendance history for download.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"example.com/attendance/internal/domain"
)

// ContentType is the media type of workbooks produced by WriteHistoryWorkbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var historyHeader = []interface{}{"Date", "Status", "Clock In", "Clock Out", "Active", "Active Seconds", "Daily Report"}

// SheetName returns the worksheet name used for a month.
func SheetName(year, month int) string {
	return fmt.Sprintf("Attendance %04d-%02d", year, month)
}

// FileName returns a download name for a user's monthly history.
func FileName(userID string, year, month int) string {
	return fmt.Sprintf("attendance-%s-%04d-%02d.xlsx", userID, year, month)
}

// WriteHistoryWorkbook writes one sheet with a row per record followed by the
// month totals. Times are rendered in loc.
func WriteHistoryWorkbook(w io.Writer, history domain.History, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := SheetName(history.Year, history.Month)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	if err := f.SetSheetRow(sheet, "A1", &historyHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", "G1", bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	row := 2
	for _, entry := range history.Records {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		values := []interface{}{
			entry.Date.In(loc).Format(time.DateOnly),
			string(entry.Status),
			clockTime(entry.ClockIn, loc),
			clockTime(entry.ClockOut, loc),
			formatDuration(entry.ActiveSeconds),
			entry.ActiveSeconds,
			entry.DailyReport,
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
		row++
	}

	row++
	totals := [][]interface{}{
		{"Days Present", history.DaysPresent},
		{"Total Working Hours", history.TotalWorkingHours},
	}
	for _, values := range totals {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write totals: %w", err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, bold); err != nil {
			return fmt.Errorf("style totals: %w", err)
		}
		row++
	}

	if err := f.SetColWidth(sheet, "A", "F", 16); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "G", "G", 60); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func clockTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format("15:04:05")
}

// formatDuration renders seconds as H:MM:SS.
func formatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
}
