package eval

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	resultsSheet = "Results"
)

var summaryHeader = []interface{}{
	"Course", "Cases", "Answered", "Errors", "No context",
	"Answered rate", "No-context rate", "Mean contexts", "Token recall",
}

var resultsHeader = []interface{}{
	"Course", "Question", "Expected", "Answer", "Contexts", "No context", "Token recall", "Error",
}

// WriteXLSX exports the report as a workbook with a summary sheet and one row
// per case.
func WriteXLSX(path string, report *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(resultsSheet); err != nil {
		return err
	}

	rows := [][]interface{}{summaryHeader}
	for _, course := range CourseNames(*report) {
		rows = append(rows, metricsRow(course, report.Courses[course]))
	}
	rows = append(rows, metricsRow("Overall", report.Overall))
	if err := writeRows(f, summarySheet, rows); err != nil {
		return err
	}

	rows = [][]interface{}{resultsHeader}
	for _, rec := range report.Records {
		rows = append(rows, []interface{}{
			rec.Course,
			rec.Question,
			rec.GroundTruth,
			rec.Answer,
			strings.Join(rec.Contexts, "\n\n"),
			rec.NoContext,
			rec.TokenRecall,
			rec.Error,
		})
	}
	if err := writeRows(f, resultsSheet, rows); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func metricsRow(label string, m Metrics) []interface{} {
	return []interface{}{
		label, m.Cases, m.Answered, m.Errors, m.NoContext,
		m.AnsweredRate, m.NoContextRate, m.MeanContexts, m.TokenRecall,
	}
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
