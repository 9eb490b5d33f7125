package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/docbatch/internal/admission"
	"github.com/Lllllllleong/docbatch/internal/config"
	"github.com/Lllllllleong/docbatch/internal/registry"
	"github.com/Lllllllleong/docbatch/internal/rerun"
	"github.com/Lllllllleong/docbatch/internal/source"
	"github.com/Lllllllleong/docbatch/internal/staging"
	"github.com/Lllllllleong/docbatch/internal/status"
	"github.com/Lllllllleong/docbatch/internal/tracking"
)

// openRegistry returns the batch registry. With a registry bucket the
// bucket is authoritative and the SQLite cache mirrors it; fallback lets
// reads use the cache when the bucket is unreachable. Without a bucket the
// SQLite database is the registry.
func (c *commandContext) openRegistry(ctx context.Context, fallback bool) (registry.Store, error) {
	cfg := c.cfg
	local, err := registry.OpenSQLiteStore(cfg.Registry.CachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local registry %s: %w", cfg.Registry.CachePath, err)
	}
	c.closers = append(c.closers, local.Close)

	if cfg.Registry.Bucket == "" {
		slog.Debug("No registry bucket configured, using the local registry.", "path", cfg.Registry.CachePath)
		return local, nil
	}
	client, err := c.storageClient(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := registry.NewGCSStore(client, cfg.Registry.Bucket, cfg.Registry.Prefix)
	if err != nil {
		return nil, err
	}
	return &registry.CachedStore{Remote: remote, Local: local, Fallback: fallback}, nil
}

func (c *commandContext) newResolver(ctx context.Context, opts source.Options) (source.Resolver, error) {
	var lister source.ObjectLister
	if opts.Prefix != "" {
		client, err := c.storageClient(ctx)
		if err != nil {
			return nil, err
		}
		lister = &source.GCSLister{Client: client}
	}
	return source.New(opts, lister)
}

func (c *commandContext) newStager(ctx context.Context) (staging.Stager, error) {
	client, err := c.storageClient(ctx)
	if err != nil {
		return nil, err
	}
	return staging.NewGCSStager(client, staging.Config{
		Bucket:         c.cfg.Staging.Bucket,
		BaselineBucket: c.cfg.Staging.BaselineBucket,
		Attempts:       c.cfg.Submit.UploadAttempts,
		AttemptTimeout: c.cfg.Submit.UploadTimeout,
	})
}

func (c *commandContext) newAdmitter(ctx context.Context) (admission.Admitter, error) {
	cfg := c.cfg.Admission
	switch cfg.Backend {
	case admission.BackendCloudEvents:
		return admission.NewEventAdmitter(cfg.Endpoint)
	case admission.BackendWorkflows:
		client, err := c.executionsClient(ctx)
		if err != nil {
			return nil, err
		}
		return admission.NewWorkflowAdmitter(client, c.cfg.ProjectID, cfg.WorkflowLocation, cfg.WorkflowID)
	default:
		return nil, fmt.Errorf("unsupported admission backend %q", cfg.Backend)
	}
}

func (c *commandContext) newTracker(ctx context.Context) (tracking.Tracker, error) {
	client, err := c.firestoreClient(ctx)
	if err != nil {
		return nil, err
	}
	var tracker tracking.Tracker = tracking.NewFirestoreTracker(client, c.cfg.Tracking.Collection)
	if c.cfg.Tracking.ReconcileExecutions {
		execClient, err := c.executionsClient(ctx)
		if err != nil {
			return nil, err
		}
		tracker = &tracking.ExecutionReconciler{Tracker: tracker, Executions: execClient}
	}
	return tracker, nil
}

func (c *commandContext) newRerunner(ctx context.Context, store registry.Store) (*rerun.Rerunner, error) {
	client, err := c.firestoreClient(ctx)
	if err != nil {
		return nil, err
	}
	admitter, err := c.newAdmitter(ctx)
	if err != nil {
		return nil, err
	}
	return rerun.New(store, tracking.NewFirestoreTracker(client, c.cfg.Tracking.Collection), admitter, rerun.Options{
		Workers:       c.cfg.Submit.Workers,
		StagingBucket: c.cfg.Staging.Bucket,
	}), nil
}

func (c *commandContext) newAggregator(ctx context.Context) (*status.Aggregator, error) {
	tracker, err := c.newTracker(ctx)
	if err != nil {
		return nil, err
	}
	return status.NewAggregator(tracker, status.Options{
		Concurrency:   c.cfg.Status.LookupConcurrency,
		LookupTimeout: c.cfg.Status.LookupTimeout,
	}), nil
}

// loadConfig loads configuration and checks what command needs.
func (c *commandContext) loadConfig(command string) (*config.Config, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(command); err != nil {
		return nil, fmt.Errorf("incomplete configuration for %s:\n%w", command, err)
	}
	return cfg, nil
}
