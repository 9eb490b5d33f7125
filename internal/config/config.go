// Package config loads docbatch settings from a YAML file, DOCBATCH_*
// environment variables and the variables the Cloud Functions use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Lllllllleong/docbatch/internal/admission"
)

// Command names whose settings Validate checks.
const (
	CommandSubmit   = "submit"
	CommandStatus   = "status"
	CommandList     = "list-batches"
	CommandDownload = "download-results"
	CommandRerun    = "rerun"
)

// Load reads configuration. When cfgFile is empty ./docbatch.yaml and then
// $HOME/.docbatch/config.yaml are tried. Running without a file is fine.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DOCBATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names shared with the deployed functions.
	_ = v.BindEnv("project_id", "DOCBATCH_PROJECT_ID", "PROJECT_ID", "GOOGLE_CLOUD_PROJECT")
	_ = v.BindEnv("staging.bucket", "DOCBATCH_STAGING_BUCKET", "STAGING_BUCKET")
	_ = v.BindEnv("tracking.collection", "DOCBATCH_TRACKING_COLLECTION", "FIRESTORE_COLLECTION")
	_ = v.BindEnv("admission.workflow_id", "DOCBATCH_ADMISSION_WORKFLOW_ID", "WORKFLOW_ID")
	_ = v.BindEnv("admission.workflow_location", "DOCBATCH_ADMISSION_WORKFLOW_LOCATION", "WORKFLOW_LOCATION")

	if cfgFile == "" {
		cfgFile = findConfigFile()
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			var configFileNotFoundError viper.ConfigFileNotFoundError
			if !errors.As(err, &configFileNotFoundError) {
				return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

// findConfigFile returns the first default config file that exists.
func findConfigFile() string {
	candidates := []string{"docbatch.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".docbatch", "config.yaml"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("project_id", d.ProjectID)
	v.SetDefault("staging.bucket", d.Staging.Bucket)
	v.SetDefault("staging.baseline_bucket", d.Staging.BaselineBucket)
	v.SetDefault("staging.output_bucket", d.Staging.OutputBucket)
	v.SetDefault("registry.bucket", d.Registry.Bucket)
	v.SetDefault("registry.prefix", d.Registry.Prefix)
	v.SetDefault("registry.cache_path", d.Registry.CachePath)
	v.SetDefault("tracking.collection", d.Tracking.Collection)
	v.SetDefault("tracking.reconcile_executions", d.Tracking.ReconcileExecutions)
	v.SetDefault("admission.backend", d.Admission.Backend)
	v.SetDefault("admission.endpoint", d.Admission.Endpoint)
	v.SetDefault("admission.workflow_id", d.Admission.WorkflowID)
	v.SetDefault("admission.workflow_location", d.Admission.WorkflowLocation)
	v.SetDefault("submit.workers", d.Submit.Workers)
	v.SetDefault("submit.upload_timeout", d.Submit.UploadTimeout)
	v.SetDefault("submit.upload_attempts", d.Submit.UploadAttempts)
	v.SetDefault("submit.batch_prefix", d.Submit.BatchPrefix)
	v.SetDefault("status.lookup_concurrency", d.Status.LookupConcurrency)
	v.SetDefault("status.lookup_timeout", d.Status.LookupTimeout)
	v.SetDefault("status.refresh_interval", d.Status.RefreshInterval)
	v.SetDefault("status.poll_timeout", d.Status.PollTimeout)
}

func (c *Config) normalize() {
	d := DefaultConfig()
	c.Admission.Backend = strings.ToLower(strings.TrimSpace(c.Admission.Backend))
	c.Registry.Prefix = strings.Trim(c.Registry.Prefix, "/")
	if c.Submit.Workers <= 0 {
		c.Submit.Workers = d.Submit.Workers
	}
	if c.Submit.UploadAttempts == 0 {
		c.Submit.UploadAttempts = d.Submit.UploadAttempts
	}
	if c.Status.LookupConcurrency <= 0 {
		c.Status.LookupConcurrency = d.Status.LookupConcurrency
	}
	if c.Status.RefreshInterval <= 0 {
		c.Status.RefreshInterval = d.Status.RefreshInterval
	}
	if c.Registry.CachePath == "" {
		c.Registry.CachePath = d.Registry.CachePath
	}
}

// Validate reports every setting command needs but does not have.
func (c *Config) Validate(command string) error {
	var (
		errs []error
		seen = make(map[string]bool)
	)
	missing := func(key, env string) {
		if seen[key] {
			return
		}
		seen[key] = true
		errs = append(errs, fmt.Errorf("%s is not set (config key %q or $%s)", key, key, env))
	}

	var stagingNeeded, admissionNeeded, trackingNeeded bool
	switch command {
	case CommandSubmit:
		stagingNeeded, admissionNeeded = true, true
	case CommandStatus:
		trackingNeeded = true
	case CommandRerun:
		stagingNeeded, admissionNeeded, trackingNeeded = true, true, true
	case CommandDownload:
		if c.Staging.OutputBucket == "" {
			missing("staging.output_bucket", "DOCBATCH_STAGING_OUTPUT_BUCKET")
		}
	}

	if stagingNeeded && c.Staging.Bucket == "" {
		missing("staging.bucket", "DOCBATCH_STAGING_BUCKET")
	}
	if admissionNeeded {
		switch c.Admission.Backend {
		case admission.BackendCloudEvents:
			if c.Admission.Endpoint == "" {
				missing("admission.endpoint", "DOCBATCH_ADMISSION_ENDPOINT")
			}
		case admission.BackendWorkflows:
			if c.ProjectID == "" {
				missing("project_id", "DOCBATCH_PROJECT_ID")
			}
			if c.Admission.WorkflowID == "" {
				missing("admission.workflow_id", "DOCBATCH_ADMISSION_WORKFLOW_ID")
			}
		default:
			errs = append(errs, fmt.Errorf("admission.backend %q is not supported (use %s or %s)",
				c.Admission.Backend, admission.BackendCloudEvents, admission.BackendWorkflows))
		}
	}
	if trackingNeeded {
		if c.ProjectID == "" {
			missing("project_id", "DOCBATCH_PROJECT_ID")
		}
		if c.Tracking.Collection == "" {
			missing("tracking.collection", "DOCBATCH_TRACKING_COLLECTION")
		}
	}
	return errors.Join(errs...)
}
