package models

// EntryKind says where a manifest entry's payload currently lives.
type EntryKind string

const (
	// KindLocal is a file on the local filesystem that must be uploaded.
	KindLocal EntryKind = "local"
	// KindRemote is an object in another bucket that must be copied.
	KindRemote EntryKind = "remote"
	// KindStaged is an object already in the staging bucket.
	KindStaged EntryKind = "staged"
)

// ManifestEntry is one document to process, independent of the manifest
// format it came from.
type ManifestEntry struct {
	SourceRef    string    `json:"source_ref" yaml:"source_ref"`
	DocumentID   string    `json:"document_id" yaml:"document_id"`
	BaselineRef  string    `json:"baseline_ref,omitempty" yaml:"baseline_ref,omitempty"`
	Kind         EntryKind `json:"kind" yaml:"kind"`
	RelativePath string    `json:"relative_path" yaml:"relative_path"`
	Row          int       `json:"row,omitempty" yaml:"row,omitempty"`
}

// Manifest is the validated, ordered list of documents for one submission.
type Manifest struct {
	Entries     []ManifestEntry
	Steps       []string
	BatchPrefix string
	// Source describes where the manifest came from (file path, directory or gs:// prefix).
	Source string
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Entries)
}
