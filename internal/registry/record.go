// Package registry persists submitted batches so that status, listing and
// resubmission work across runs and machines.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Lllllllleong/docbatch/internal/models"
)

// EntryState is the submission outcome of one manifest entry.
type EntryState string

const (
	StatePending        EntryState = "pending"
	StateEnqueued       EntryState = "enqueued"
	StateTransferFailed EntryState = "transfer_failed"
	StateEnqueueFailed  EntryState = "enqueue_failed"
)

var (
	// ErrNotFound is returned when no record exists for a batch ID.
	ErrNotFound = errors.New("batch not found")
	// ErrExists is returned by Create when the batch is already recorded.
	ErrExists = errors.New("batch already exists")
	// ErrConflict is returned by Update when the record changed since it was loaded.
	ErrConflict = errors.New("batch record was modified concurrently")
)

// RegistryError wraps every failure of a registry backend.
type RegistryError struct {
	BatchID string
	Op      string
	Err     error
}

func (e *RegistryError) Error() string {
	if e.BatchID == "" {
		return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.BatchID, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

func wrap(op, batchID string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *RegistryError
	if errors.As(err, &rerr) {
		return err
	}
	return &RegistryError{BatchID: batchID, Op: op, Err: err}
}

// EntryRecord is the durable state of one manifest entry.
type EntryRecord struct {
	DocumentID   string           `json:"document_id"`
	SourceRef    string           `json:"source_ref"`
	Kind         models.EntryKind `json:"kind"`
	RelativePath string           `json:"relative_path"`
	StagedKey    string           `json:"staged_key,omitempty"`
	TrackingID   string           `json:"tracking_id,omitempty"`
	BaselineRef  string           `json:"baseline_ref,omitempty"`
	PageCount    int              `json:"page_count,omitempty"`
	State        EntryState       `json:"state"`
	Reason       string           `json:"reason,omitempty"`
	Error        string           `json:"error,omitempty"`
	EnqueuedAt   *time.Time       `json:"enqueued_at,omitempty"`
}

// Record is the registry document of one batch.
type Record struct {
	BatchID   string        `json:"batch_id"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Source    string        `json:"source,omitempty"`
	Steps     []string      `json:"steps,omitempty"`
	Entries   []EntryRecord `json:"entries"`

	// Generation guards Update against lost writes. Backends set it.
	Generation int64 `json:"-"`
}

// NewRecord starts a record with every manifest entry pending.
func NewRecord(batchID string, m *models.Manifest, now time.Time) *Record {
	r := &Record{
		BatchID:   batchID,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
		Source:    m.Source,
		Steps:     m.Steps,
	}
	r.Merge(m)
	return r
}

// Merge appends manifest entries the record does not know yet and returns
// how many were added.
func (r *Record) Merge(m *models.Manifest) int {
	known := make(map[string]bool, len(r.Entries))
	for _, e := range r.Entries {
		known[e.DocumentID] = true
	}
	added := 0
	for _, e := range m.Entries {
		if known[e.DocumentID] {
			continue
		}
		r.Entries = append(r.Entries, EntryRecord{
			DocumentID:   e.DocumentID,
			SourceRef:    e.SourceRef,
			Kind:         e.Kind,
			RelativePath: e.RelativePath,
			BaselineRef:  e.BaselineRef,
			State:        StatePending,
		})
		known[e.DocumentID] = true
		added++
	}
	return added
}

// Clone returns a copy of r whose entries can be changed independently.
func (r *Record) Clone() *Record {
	c := *r
	c.Steps = slices.Clone(r.Steps)
	c.Entries = slices.Clone(r.Entries)
	return &c
}

// Entry returns the entry for documentID, or nil.
func (r *Record) Entry(documentID string) *EntryRecord {
	for i := range r.Entries {
		if r.Entries[i].DocumentID == documentID {
			return &r.Entries[i]
		}
	}
	return nil
}

// Batch returns the batch made of the enqueued entries, in record order.
func (r *Record) Batch(registryURI string) *models.Batch {
	b := &models.Batch{
		ID:          r.BatchID,
		CreatedAt:   r.CreatedAt,
		Steps:       r.Steps,
		RegistryURI: registryURI,
		Source:      r.Source,
	}
	for _, e := range r.Entries {
		if e.State != StateEnqueued {
			continue
		}
		b.Entries = append(b.Entries, models.BatchDocument{
			DocumentID: e.DocumentID,
			SourceRef:  e.SourceRef,
			StagedKey:  e.StagedKey,
			TrackingID: e.TrackingID,
		})
	}
	return b
}

// Info summarises the record for listings.
func (r *Record) Info() BatchInfo {
	info := BatchInfo{
		BatchID:   r.BatchID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Source:    r.Source,
		Documents: len(r.Entries),
	}
	for _, e := range r.Entries {
		switch e.State {
		case StateEnqueued:
			info.Enqueued++
		case StateTransferFailed, StateEnqueueFailed:
			info.Failed++
		}
	}
	return info
}

// BatchInfo is one row of list-batches.
type BatchInfo struct {
	BatchID   string    `json:"batch_id" yaml:"batch_id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	Source    string    `json:"source,omitempty" yaml:"source,omitempty"`
	Documents int       `json:"documents" yaml:"documents"`
	Enqueued  int       `json:"enqueued" yaml:"enqueued"`
	Failed    int       `json:"failed" yaml:"failed"`
}
