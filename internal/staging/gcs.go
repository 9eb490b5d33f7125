package staging

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/docbatch/internal/gcp"
	"github.com/Lllllllleong/docbatch/internal/models"
)

// GCSStager stages documents with a Cloud Storage client.
type GCSStager struct {
	client *storage.Client
	config Config
}

// NewGCSStager returns a Stager writing to cfg.Bucket.
func NewGCSStager(client *storage.Client, cfg Config) (*GCSStager, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("a staging bucket must be configured")
	}
	return &GCSStager{client: client, config: cfg.withDefaults()}, nil
}

// Bucket returns the staging bucket name.
func (s *GCSStager) Bucket() string {
	return s.config.Bucket
}

// Stage uploads a local file, copies a remote object or accepts an object
// already in the staging bucket.
func (s *GCSStager) Stage(ctx context.Context, batchID string, entry models.ManifestEntry, key string) (Object, error) {
	obj := Object{Bucket: s.config.Bucket, Key: key}
	metadata := map[string]string{
		"batch-id":    batchID,
		"document-id": entry.DocumentID,
		"source-ref":  entry.SourceRef,
	}

	switch entry.Kind {
	case models.KindStaged:
		bucket, existing, err := gcp.ParseURI(entry.SourceRef)
		if err != nil {
			return obj, err
		}
		if bucket != s.config.Bucket {
			return obj, fmt.Errorf("%w: %s", ErrNotInStagingBucket, entry.SourceRef)
		}
		obj.Key = existing
		return obj, nil

	case models.KindLocal:
		obj.PageCount = PageCount(entry.SourceRef)
		if obj.PageCount > 0 {
			metadata["page-count"] = strconv.Itoa(obj.PageCount)
		}
		err := withRetry(ctx, s.config, key, func(ctx context.Context) error {
			return s.uploadFile(ctx, entry.SourceRef, s.config.Bucket, key, metadata)
		})
		if err != nil {
			return obj, fmt.Errorf("upload of %s to %s failed: %w", entry.SourceRef, obj.URI(), err)
		}
		return obj, nil

	case models.KindRemote:
		bucket, srcKey, err := gcp.ParseURI(entry.SourceRef)
		if err != nil {
			return obj, err
		}
		err = withRetry(ctx, s.config, key, func(ctx context.Context) error {
			return s.copyObject(ctx, bucket, srcKey, s.config.Bucket, key, metadata)
		})
		if err != nil {
			return obj, fmt.Errorf("copy of %s to %s failed: %w", entry.SourceRef, obj.URI(), err)
		}
		return obj, nil
	}
	return obj, fmt.Errorf("unknown entry kind %q for %s", entry.Kind, entry.DocumentID)
}

// StageBaseline copies a baseline file, directory or gs:// prefix under
// gs://{baseline_bucket}/{stagedKey}/. Nothing happens without a
// baseline bucket.
func (s *GCSStager) StageBaseline(ctx context.Context, baselineRef, stagedKey string) (int, error) {
	if baselineRef == "" || s.config.BaselineBucket == "" {
		return 0, nil
	}
	logCtx := slog.With("baseline", baselineRef, "stagedKey", stagedKey)

	if gcp.IsRemoteURI(baselineRef) {
		bucket, prefix, err := gcp.ParseURI(baselineRef)
		if err != nil {
			return 0, err
		}
		return s.copyPrefix(ctx, logCtx, bucket, prefix, stagedKey)
	}

	info, err := os.Stat(baselineRef)
	if err != nil {
		return 0, fmt.Errorf("baseline %s: %w", baselineRef, err)
	}
	if !info.IsDir() {
		dest := baselineKey(stagedKey, filepath.Base(baselineRef))
		if err := withRetry(ctx, s.config, dest, func(ctx context.Context) error {
			return s.uploadFile(ctx, baselineRef, s.config.BaselineBucket, dest, nil)
		}); err != nil {
			return 0, err
		}
		return 1, nil
	}

	copied := 0
	err = filepath.WalkDir(baselineRef, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(baselineRef, p)
		if err != nil {
			return err
		}
		dest := baselineKey(stagedKey, filepath.ToSlash(rel))
		if err := withRetry(ctx, s.config, dest, func(ctx context.Context) error {
			return s.uploadFile(ctx, p, s.config.BaselineBucket, dest, nil)
		}); err != nil {
			return err
		}
		copied++
		return nil
	})
	if err != nil {
		return copied, fmt.Errorf("failed to stage baseline directory %s: %w", baselineRef, err)
	}
	logCtx.Debug("Baseline staged.", "files", copied)
	return copied, nil
}

func (s *GCSStager) copyPrefix(ctx context.Context, logCtx *slog.Logger, bucket, prefix, stagedKey string) (int, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	copied := 0
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return copied, fmt.Errorf("failed to list baseline gs://%s/%s: %w", bucket, prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(attrs.Name, prefix), "/")
		if rel == "" {
			rel = filepath.Base(attrs.Name)
		}
		dest := baselineKey(stagedKey, rel)
		if err := withRetry(ctx, s.config, dest, func(ctx context.Context) error {
			return s.copyObject(ctx, bucket, attrs.Name, s.config.BaselineBucket, dest, nil)
		}); err != nil {
			return copied, err
		}
		copied++
	}
	logCtx.Debug("Baseline staged.", "files", copied)
	return copied, nil
}

func (s *GCSStager) uploadFile(ctx context.Context, localPath, bucket, object string, metadata map[string]string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("could not open local file %s: %w", localPath, err)
	}
	defer f.Close()

	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType(localPath)
	w.Metadata = metadata
	if err := copyAll(w, f); err != nil {
		return fmt.Errorf("failed to finalize upload: %w", err)
	}
	return nil
}

func (s *GCSStager) copyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, metadata map[string]string) error {
	src := s.client.Bucket(srcBucket).Object(srcKey)
	copier := s.client.Bucket(dstBucket).Object(dstKey).CopierFrom(src)
	if metadata != nil {
		copier.Metadata = metadata
	}
	if _, err := copier.Run(ctx); err != nil {
		return fmt.Errorf("server-side copy failed: %w", err)
	}
	return nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
