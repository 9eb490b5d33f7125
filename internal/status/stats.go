package status

import (
	"sort"
	"time"

	"github.com/Lllllllleong/docbatch/internal/models"
)

// Statistics are the derived numbers shown under a status table.
type Statistics struct {
	Total             int           `json:"total" yaml:"total"`
	Completed         int           `json:"completed" yaml:"completed"`
	Failed            int           `json:"failed" yaml:"failed"`
	Running           int           `json:"running" yaml:"running"`
	Queued            int           `json:"queued" yaml:"queued"`
	Unknown           int           `json:"unknown" yaml:"unknown"`
	CompletionPercent float64       `json:"completion_percent" yaml:"completion_percent"`
	SuccessRate       float64       `json:"success_rate" yaml:"success_rate"`
	AverageDuration   time.Duration `json:"average_duration" yaml:"average_duration"`
}

// Stats computes completion and success percentages and the mean duration
// of completed documents.
func Stats(s *models.BatchSummary) Statistics {
	st := Statistics{
		Total:     s.Total,
		Completed: s.Counts[models.StatusCompleted],
		Failed:    s.Counts[models.StatusFailed],
		Running:   s.Counts[models.StatusRunning],
		Queued:    s.Counts[models.StatusQueued],
		Unknown:   s.Counts[models.StatusUnknown],
	}
	finished := st.Completed + st.Failed
	if st.Total > 0 {
		st.CompletionPercent = float64(finished) / float64(st.Total) * 100
	}
	if finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished) * 100
	}

	var sum time.Duration
	n := 0
	for _, r := range s.Documents {
		if r.Status == models.StatusCompleted && r.Duration > 0 {
			sum += r.Duration
			n++
		}
	}
	if n > 0 {
		st.AverageDuration = sum / time.Duration(n)
	}
	return st
}

// DocumentRow pairs a document ID with its result.
type DocumentRow struct {
	DocumentID string `json:"document_id" yaml:"document_id"`
	models.DocumentResult `yaml:",inline"`
}

// Rows returns every document in batch order.
func Rows(s *models.BatchSummary) []DocumentRow {
	rows := make([]DocumentRow, 0, len(s.Order))
	for _, id := range s.Order {
		rows = append(rows, DocumentRow{DocumentID: id, DocumentResult: s.Documents[id]})
	}
	return rows
}

// Failures returns the FAILED documents in batch order.
func Failures(s *models.BatchSummary) []DocumentRow {
	var rows []DocumentRow
	for _, r := range Rows(s) {
		if r.Status == models.StatusFailed {
			rows = append(rows, r)
		}
	}
	return rows
}

// RecentCompletions returns up to n COMPLETED documents, newest first.
func RecentCompletions(s *models.BatchSummary, n int) []DocumentRow {
	var rows []DocumentRow
	for _, r := range Rows(s) {
		if r.Status == models.StatusCompleted {
			rows = append(rows, r)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CompletedAt.After(rows[j].CompletedAt)
	})
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}
