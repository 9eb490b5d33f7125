package models

// These structs define the JSON payloads exchanged between the CLI, the
// admission processor and the processing workflow.

// AdmissionMessage is the per-document work item handed to the admission
// queue. Exactly one is sent per manifest entry.
type AdmissionMessage struct {
	DocumentID    string   `json:"documentId"`
	BatchID       string   `json:"batchId"`
	StagedKey     string   `json:"stagedKey"`
	StagingBucket string   `json:"stagingBucket"`
	TrackingID    string   `json:"trackingId"`
	Steps         []string `json:"steps,omitempty"`
	PageCount     int      `json:"pageCount,omitempty"`
	// StartStep and RerunID are set when an already processed document is
	// sent through the pipeline again.
	StartStep string `json:"startStep,omitempty"`
	RerunID   string `json:"rerunId,omitempty"`
}

// WorkflowArgument is the argument of a processing workflow execution.
type WorkflowArgument struct {
	DocumentID string   `json:"documentId"`
	BatchID    string   `json:"batchId"`
	TrackingID string   `json:"trackingId"`
	GCSUri     string   `json:"gcsUri"`
	Steps      []string `json:"steps,omitempty"`
	PageCount  int      `json:"pageCount,omitempty"`
	StartStep  string   `json:"startStep,omitempty"`
	RerunID    string   `json:"rerunId,omitempty"`
}

// ResultsDownloadRequest selects which processing outputs of a batch to fetch.
type ResultsDownloadRequest struct {
	BatchID   string
	OutputDir string
	FileTypes []string
}

// ResultsDownloadResponse reports what was written locally.
type ResultsDownloadResponse struct {
	FilesDownloaded     int    `json:"filesDownloaded" yaml:"files_downloaded"`
	DocumentsDownloaded int    `json:"documentsDownloaded" yaml:"documents_downloaded"`
	OutputDir           string `json:"outputDir" yaml:"output_dir"`
}
