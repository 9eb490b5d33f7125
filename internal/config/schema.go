package config

import "time"

// Config holds docbatch configuration.
type Config struct {
	ProjectID string          `mapstructure:"project_id" yaml:"project_id"`
	Staging   StagingConfig   `mapstructure:"staging" yaml:"staging"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Tracking  TrackingConfig  `mapstructure:"tracking" yaml:"tracking"`
	Admission AdmissionConfig `mapstructure:"admission" yaml:"admission"`
	Submit    SubmitConfig    `mapstructure:"submit" yaml:"submit"`
	Status    StatusConfig    `mapstructure:"status" yaml:"status"`
}

// StagingConfig names the buckets documents move through.
type StagingConfig struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	BaselineBucket string `mapstructure:"baseline_bucket" yaml:"baseline_bucket"`
	// OutputBucket holds processing results, read by download-results.
	OutputBucket string `mapstructure:"output_bucket" yaml:"output_bucket"`
}

// RegistryConfig locates batch records. Without a bucket the local cache
// is the registry.
type RegistryConfig struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	CachePath string `mapstructure:"cache_path" yaml:"cache_path"`
}

// TrackingConfig locates the per-document tracking records.
type TrackingConfig struct {
	Collection          string `mapstructure:"collection" yaml:"collection"`
	ReconcileExecutions bool   `mapstructure:"reconcile_executions" yaml:"reconcile_executions"`
}

// AdmissionConfig selects how documents are handed to the pipeline.
type AdmissionConfig struct {
	Backend          string `mapstructure:"backend" yaml:"backend"` // "cloudevents" or "workflows"
	Endpoint         string `mapstructure:"endpoint" yaml:"endpoint"`
	WorkflowID       string `mapstructure:"workflow_id" yaml:"workflow_id"`
	WorkflowLocation string `mapstructure:"workflow_location" yaml:"workflow_location"`
}

// SubmitConfig tunes transfers.
type SubmitConfig struct {
	Workers        int           `mapstructure:"workers" yaml:"workers"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout" yaml:"upload_timeout"`
	UploadAttempts uint          `mapstructure:"upload_attempts" yaml:"upload_attempts"`
	BatchPrefix    string        `mapstructure:"batch_prefix" yaml:"batch_prefix"`
}

// StatusConfig tunes status polling.
type StatusConfig struct {
	LookupConcurrency int           `mapstructure:"lookup_concurrency" yaml:"lookup_concurrency"`
	LookupTimeout     time.Duration `mapstructure:"lookup_timeout" yaml:"lookup_timeout"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
}
