package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"

	"github.com/Lllllllleong/docbatch/internal/config"
	"github.com/Lllllllleong/docbatch/internal/gcp"
)

// Output formats accepted by --output.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// commandContext holds global flags and the clients commands open lazily.
type commandContext struct {
	configFile string
	output     string
	logLevel   string
	logFormat  string

	cfg *config.Config

	storage    *storage.Client
	firestore  *firestore.Client
	executions *executions.Client
	closers    []func() error
}

func (c *commandContext) setup(stderr io.Writer) error {
	switch c.output {
	case outputTable, outputJSON, outputYAML:
	default:
		return fmt.Errorf("unsupported --output %q (use table, json or yaml)", c.output)
	}
	logger, err := newLogger(stderr, c.logLevel, c.logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) storageClient(ctx context.Context) (*storage.Client, error) {
	if c.storage == nil {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		c.storage = client
		c.closers = append(c.closers, client.Close)
	}
	return c.storage, nil
}

func (c *commandContext) firestoreClient(ctx context.Context) (*firestore.Client, error) {
	if c.firestore == nil {
		client, err := gcp.NewFirestoreClient(ctx, c.cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		c.firestore = client
		c.closers = append(c.closers, client.Close)
	}
	return c.firestore, nil
}

func (c *commandContext) executionsClient(ctx context.Context) (*executions.Client, error) {
	if c.executions == nil {
		client, err := gcp.NewExecutionsClient(ctx)
		if err != nil {
			return nil, err
		}
		c.executions = client
		c.closers = append(c.closers, client.Close)
	}
	return c.executions, nil
}

func (c *commandContext) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			slog.Debug("Failed to close client.", "error", err)
		}
	}
	c.closers = nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(level)))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (use text or json)", format)
	}
}
