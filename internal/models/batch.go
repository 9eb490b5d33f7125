package models

import "time"

// Batch is a submitted, durably recorded unit of work. It is passed
// explicitly between the submitter, the registry and the monitor.
type Batch struct {
	ID          string          `json:"batch_id" yaml:"batch_id"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	Entries     []BatchDocument `json:"entries" yaml:"entries"`
	Steps       []string        `json:"steps,omitempty" yaml:"steps,omitempty"`
	RegistryURI string          `json:"registry_uri" yaml:"registry_uri"`
	Source      string          `json:"source,omitempty" yaml:"source,omitempty"`
}

// BatchDocument is an admitted document of a batch.
type BatchDocument struct {
	DocumentID string `json:"document_id" yaml:"document_id"`
	SourceRef  string `json:"source_ref" yaml:"source_ref"`
	StagedKey  string `json:"staged_key" yaml:"staged_key"`
	TrackingID string `json:"tracking_id" yaml:"tracking_id"`
}

// DocumentIDs returns the document IDs in entry order.
func (b *Batch) DocumentIDs() []string {
	ids := make([]string, 0, len(b.Entries))
	for _, e := range b.Entries {
		ids = append(ids, e.DocumentID)
	}
	return ids
}

// DocumentStatus is the client-side view of a document's lifecycle.
type DocumentStatus string

const (
	StatusQueued    DocumentStatus = "QUEUED"
	StatusRunning   DocumentStatus = "RUNNING"
	StatusCompleted DocumentStatus = "COMPLETED"
	StatusFailed    DocumentStatus = "FAILED"
	// StatusUnknown means there is no tracking record yet or the lookup
	// failed. It is never a failure.
	StatusUnknown DocumentStatus = "UNKNOWN"
)

// AllStatuses lists statuses in display order.
var AllStatuses = []DocumentStatus{StatusCompleted, StatusRunning, StatusQueued, StatusFailed, StatusUnknown}

// IsTerminal reports whether no further transitions are expected.
func (s DocumentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DocumentResult is the per-document part of a BatchSummary.
type DocumentResult struct {
	Status      DocumentStatus `json:"status" yaml:"status"`
	Duration    time.Duration  `json:"duration,omitempty" yaml:"duration,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	FailedStep  string         `json:"failed_step,omitempty" yaml:"failed_step,omitempty"`
	CurrentStep string         `json:"current_step,omitempty" yaml:"current_step,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// BatchSummary is derived on every poll and never cached authoritatively.
type BatchSummary struct {
	BatchID    string                    `json:"batch_id" yaml:"batch_id"`
	Total      int                       `json:"total" yaml:"total"`
	Counts     map[DocumentStatus]int    `json:"counts" yaml:"counts"`
	Documents  map[string]DocumentResult `json:"documents" yaml:"documents"`
	IsTerminal bool                      `json:"is_terminal" yaml:"is_terminal"`
	// Order keeps the batch's document order for rendering.
	Order []string `json:"-" yaml:"-"`
}

// HasFailures reports whether any document ended in FAILED.
func (s *BatchSummary) HasFailures() bool {
	return s != nil && s.Counts[StatusFailed] > 0
}
