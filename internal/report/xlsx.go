// Package report exports batch status as an XLSX workbook.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/status"
)

const (
	summarySheet   = "Summary"
	documentsSheet = "Documents"
	failuresSheet  = "Failures"
)

// WriteXLSX writes a workbook with a summary sheet, one row per document
// and the failed documents with their errors.
func WriteXLSX(w io.Writer, summary *models.BatchSummary, generatedAt time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, sheet := range []string{documentsSheet, failuresSheet} {
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("create sheet %s: %w", sheet, err)
		}
	}

	st := status.Stats(summary)
	summaryRows := [][]any{
		{"Batch ID", summary.BatchID},
		{"Generated", generatedAt.UTC().Format(time.RFC3339)},
		{"Total", st.Total},
		{"Completed", st.Completed},
		{"Running", st.Running},
		{"Queued", st.Queued},
		{"Failed", st.Failed},
		{"Unknown", st.Unknown},
		{"Completion %", round(st.CompletionPercent)},
		{"Success rate %", round(st.SuccessRate)},
		{"Average duration (s)", round(st.AverageDuration.Seconds())},
		{"Terminal", summary.IsTerminal},
	}
	writeRows(f, summarySheet, 1, summaryRows)
	_ = f.SetColWidth(summarySheet, "A", "A", 22)
	_ = f.SetColWidth(summarySheet, "B", "B", 48)

	writeRows(f, documentsSheet, 1, [][]any{{"Document ID", "Status", "Current Step", "Duration (s)", "Completed At", "Error"}})
	var docRows [][]any
	for _, r := range status.Rows(summary) {
		docRows = append(docRows, []any{
			r.DocumentID,
			string(r.Status),
			r.CurrentStep,
			durationCell(r.Duration),
			timeCell(r.CompletedAt),
			r.Error,
		})
	}
	writeRows(f, documentsSheet, 2, docRows)
	_ = f.SetColWidth(documentsSheet, "A", "A", 40)
	_ = f.SetColWidth(documentsSheet, "B", "C", 14)
	_ = f.SetColWidth(documentsSheet, "D", "E", 22)
	_ = f.SetColWidth(documentsSheet, "F", "F", 60)

	writeRows(f, failuresSheet, 1, [][]any{{"Document ID", "Failed Step", "Error"}})
	var failRows [][]any
	for _, r := range status.Failures(summary) {
		failRows = append(failRows, []any{r.DocumentID, r.FailedStep, r.Error})
	}
	writeRows(f, failuresSheet, 2, failRows)
	_ = f.SetColWidth(failuresSheet, "A", "A", 40)
	_ = f.SetColWidth(failuresSheet, "B", "B", 16)
	_ = f.SetColWidth(failuresSheet, "C", "C", 80)

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, firstRow int, rows [][]any) {
	for i, row := range rows {
		for j, v := range row {
			cell, _ := excelize.CoordinatesToCellName(j+1, firstRow+i)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
}

func durationCell(d time.Duration) any {
	if d <= 0 {
		return ""
	}
	return round(d.Seconds())
}

func timeCell(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func round(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
