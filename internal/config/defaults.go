package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/Lllllllleong/docbatch/internal/models"
)

const (
	DefaultRegistryPrefix   = "cli-batches"
	DefaultCollection       = "documents"
	DefaultBackend          = "cloudevents"
	DefaultWorkflowID       = "document-processing-orchestrator"
	DefaultWorkflowLocation = "us-central1"
	DefaultWorkers          = 10
	DefaultUploadTimeout    = 50 * time.Second
	DefaultUploadAttempts   = 4
	DefaultBatchPrefix      = models.DefaultBatchPrefix
	DefaultLookupWorkers    = 16
	DefaultLookupTimeout    = 10 * time.Second
	DefaultRefreshInterval  = 5 * time.Second
	DefaultPollTimeout      = 60 * time.Second
)

// DefaultConfig returns configuration with defaults for every optional
// setting.
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			Prefix:    DefaultRegistryPrefix,
			CachePath: defaultCachePath(),
		},
		Tracking: TrackingConfig{
			Collection: DefaultCollection,
		},
		Admission: AdmissionConfig{
			Backend:          DefaultBackend,
			WorkflowID:       DefaultWorkflowID,
			WorkflowLocation: DefaultWorkflowLocation,
		},
		Submit: SubmitConfig{
			Workers:        DefaultWorkers,
			UploadTimeout:  DefaultUploadTimeout,
			UploadAttempts: DefaultUploadAttempts,
			BatchPrefix:    DefaultBatchPrefix,
		},
		Status: StatusConfig{
			LookupConcurrency: DefaultLookupWorkers,
			LookupTimeout:     DefaultLookupTimeout,
			RefreshInterval:   DefaultRefreshInterval,
			PollTimeout:       DefaultPollTimeout,
		},
	}
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = filepath.Join(os.TempDir(), "docbatch-cache")
	}
	return filepath.Join(dir, "docbatch", "registry.db")
}
