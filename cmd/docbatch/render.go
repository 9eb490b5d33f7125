package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/status"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

const recentCompletions = 5

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// writeStructured encodes v as JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// statusView is the structured form of a batch status.
type statusView struct {
	BatchID    string               `json:"batch_id" yaml:"batch_id"`
	IsTerminal bool                 `json:"is_terminal" yaml:"is_terminal"`
	Statistics status.Statistics    `json:"statistics" yaml:"statistics"`
	Documents  []status.DocumentRow `json:"documents" yaml:"documents"`
}

func newStatusView(s *models.BatchSummary) statusView {
	return statusView{
		BatchID:    s.BatchID,
		IsTerminal: s.IsTerminal,
		Statistics: status.Stats(s),
		Documents:  status.Rows(s),
	}
}

// renderSummary draws the progress view of one batch.
func renderSummary(s *models.BatchSummary, elapsed time.Duration) string {
	st := status.Stats(s)
	var b strings.Builder

	fmt.Fprintf(&b, "Batch %s\n", s.BatchID)
	fmt.Fprintf(&b, "%s %5.1f%%  (%d/%d finished)\n", progressBar(st.CompletionPercent, 30), st.CompletionPercent, st.Completed+st.Failed, st.Total)
	if elapsed > 0 {
		fmt.Fprintf(&b, "Elapsed: %s\n", elapsed.Round(time.Second))
	}
	b.WriteString("\n")

	counts := [][]string{}
	for _, ds := range models.AllStatuses {
		counts = append(counts, []string{string(ds), fmt.Sprint(s.Counts[ds])})
	}
	counts = append(counts, []string{"TOTAL", fmt.Sprint(s.Total)})
	b.WriteString(renderTable([]string{"Status", "Documents"}, counts, []columnAlignment{alignLeft, alignRight}))
	b.WriteString("\n")

	if st.Completed+st.Failed > 0 {
		fmt.Fprintf(&b, "Success rate: %.1f%%", st.SuccessRate)
		if st.AverageDuration > 0 {
			fmt.Fprintf(&b, "   Average duration: %s", st.AverageDuration.Round(time.Second))
		}
		b.WriteString("\n")
	}

	if recent := status.RecentCompletions(s, recentCompletions); len(recent) > 0 {
		rows := make([][]string, 0, len(recent))
		for _, r := range recent {
			rows = append(rows, []string{r.DocumentID, formatDuration(r.Duration), formatTime(r.CompletedAt)})
		}
		b.WriteString("\nRecently completed\n")
		b.WriteString(renderTable([]string{"Document", "Duration", "Completed"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft}))
		b.WriteString("\n")
	}

	if failures := status.Failures(s); len(failures) > 0 {
		rows := make([][]string, 0, len(failures))
		for _, r := range failures {
			rows = append(rows, []string{r.DocumentID, string(r.Status), r.FailedStep, truncate(r.Error, 80)})
		}
		b.WriteString("\nFailed\n")
		b.WriteString(renderTable([]string{"Document", "Status", "Step", "Error"}, rows, nil))
		b.WriteString("\n")
	}
	return b.String()
}

func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
