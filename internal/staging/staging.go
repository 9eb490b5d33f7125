// Package staging moves documents into the staging bucket the pipeline
// reads from.
package staging

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/docbatch/internal/gcp"
	"github.com/Lllllllleong/docbatch/internal/models"
)

// ErrNotInStagingBucket is returned for a staged entry that points
// somewhere other than the configured staging bucket.
var ErrNotInStagingBucket = errors.New("staged object is not in the staging bucket")

// Object is a document as it exists in the staging bucket.
type Object struct {
	Bucket    string
	Key       string
	PageCount int
}

// URI returns the gs:// URI of the object.
func (o Object) URI() string {
	return gcp.URI(o.Bucket, o.Key)
}

// Stager places one document at its staging key.
type Stager interface {
	Stage(ctx context.Context, batchID string, entry models.ManifestEntry, key string) (Object, error)
	// StageBaseline copies the reference outputs for a document next to its
	// staged key and returns how many files were copied.
	StageBaseline(ctx context.Context, baselineRef, stagedKey string) (int, error)
	Bucket() string
}

// Config controls uploads.
type Config struct {
	Bucket         string
	BaselineBucket string
	Attempts       uint
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Attempts == 0 {
		c.Attempts = 4
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 50 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// StagedKey is where a batch entry lands in the staging bucket.
func StagedKey(batchID, relativePath string) string {
	return batchID + "/" + strings.TrimPrefix(relativePath, "/")
}

// baselineKey nests a baseline file under the document's staged key.
func baselineKey(stagedKey, rel string) string {
	return path.Join(stagedKey, strings.TrimPrefix(rel, "/"))
}

// PageCount returns the number of pages of a local PDF, or 0 when the file
// is not a readable PDF.
func PageCount(localPath string) int {
	if !strings.EqualFold(path.Ext(localPath), ".pdf") {
		return 0
	}
	f, err := os.Open(localPath)
	if err != nil {
		return 0
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(f, conf)
	if err != nil {
		slog.Debug("Could not read page count.", "path", localPath, "error", err)
		return 0
	}
	return n
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return gcp.IsNotFound(err) || gcp.IsPermissionDenied(err) ||
		errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, ErrNotInStagingBucket)
}

// withRetry runs fn with exponential backoff. Every attempt gets its own
// timeout so one stalled upload cannot hold a worker forever.
func withRetry(ctx context.Context, cfg Config, object string, fn func(ctx context.Context) error) error {
	return retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
			defer cancel()
			err := fn(attemptCtx)
			if err != nil && permanent(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Transfer failed, will retry.",
				"gcsObject", object,
				"attempt", n+1,
				"maxAttempts", cfg.Attempts,
				"error", err,
			)
		}),
	)
}

// copyAll drains r into w and closes w, reporting the first error.
func copyAll(w io.WriteCloser, r io.Reader) error {
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
