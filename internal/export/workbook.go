/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package export renders run history as a spreadsheet and schedules as an
// iCalendar feed.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

// RunHistorySheet is the worksheet name of the run history workbook.
const RunHistorySheet = "Run History"

// XLSXContentType is the MIME type of the workbook.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var runHistoryHeaders = []string{
	"Started", "Ended", "Run Type", "Status", "Template", "Targets", "Succeeded", "Failed", "Errors",
}

var runHistoryWidths = []float64{20, 20, 12, 12, 30, 10, 10, 10, 60}

const sheetTimeLayout = "2006-01-02 15:04:05"

// RunHistoryWorkbook builds a workbook with one row per run, times shown
// in loc. The caller closes the file.
func RunHistoryWorkbook(runs []models.BroadcastRun, loc *time.Location) (*excelize.File, error) {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()

	index, err := f.NewSheet(RunHistorySheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}

	header := make([]any, len(runHistoryHeaders))
	for i, h := range runHistoryHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(RunHistorySheet, "A1", &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(runHistoryHeaders))
	if err := f.SetCellStyle(RunHistorySheet, "A1", lastCol+"1", headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("style header: %w", err)
	}
	for i, w := range runHistoryWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(RunHistorySheet, col, col, w); err != nil {
			f.Close()
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	for i, run := range runs {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		row := runRow(run, loc)
		if err := f.SetSheetRow(RunHistorySheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(RunHistorySheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("freeze header: %w", err)
	}
	return f, nil
}

// WriteRunHistory writes the run history workbook to w.
func WriteRunHistory(w io.Writer, runs []models.BroadcastRun, loc *time.Location) error {
	f, err := RunHistoryWorkbook(runs, loc)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func runRow(run models.BroadcastRun, loc *time.Location) []any {
	ended := ""
	if run.EndedAt != nil {
		ended = run.EndedAt.In(loc).Format(sheetTimeLayout)
	}
	name := run.TemplateName
	if name == "" {
		name = run.TemplateID
	}
	return []any{
		run.StartedAt.In(loc).Format(sheetTimeLayout),
		ended,
		string(run.RunType),
		string(run.Status),
		name,
		run.Result.TotalTargets,
		run.Result.SuccessCount,
		run.Result.FailCount,
		strings.Join(run.Result.Errors, "; "),
	}
}
