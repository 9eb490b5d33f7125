package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/source"
)

// FileTypeAll selects every output of a batch.
const FileTypeAll = "all"

// ResultFileTypes are the output folders a document can have.
var ResultFileTypes = []string{"pages", "sections", "summary"}

// ResultsDownloader copies the processing outputs of a batch from the
// output bucket, laid out as {batchId}/{documentId}/{fileType}/..., into a
// local directory.
type ResultsDownloader struct {
	lister  source.ObjectLister
	open    func(ctx context.Context, bucket, name string) (io.ReadCloser, error)
	bucket  string
	workers int
}

// NewResultsDownloader reads outputs from bucket.
func NewResultsDownloader(client *storage.Client, bucket string) *ResultsDownloader {
	return &ResultsDownloader{
		lister: &source.GCSLister{Client: client},
		open: func(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
			return client.Bucket(bucket).Object(name).NewReader(ctx)
		},
		bucket:  bucket,
		workers: 10,
	}
}

// Download fetches every selected object under the batch prefix.
func (d *ResultsDownloader) Download(ctx context.Context, req models.ResultsDownloadRequest) (*models.ResultsDownloadResponse, error) {
	logCtx := slog.With("batchId", req.BatchID, "outputBucket", d.bucket)
	logCtx.Info("Starting results download.", "fileTypes", req.FileTypes)

	names, err := d.lister.ListObjects(ctx, d.bucket, req.BatchID+"/", true)
	if err != nil {
		return nil, fmt.Errorf("failed to list results of batch %s: %w", req.BatchID, err)
	}
	var selected []string
	for _, name := range names {
		if MatchesFileTypes(name, req.FileTypes) {
			selected = append(selected, name)
		}
	}
	logCtx.Info("Found files to download.", "fileCount", len(selected))

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", req.OutputDir, err)
	}

	var mu sync.Mutex
	documents := make(map[string]bool)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(d.workers)
	for _, name := range selected {
		eg.Go(func() error {
			dest, err := LocalResultPath(req.OutputDir, name)
			if err != nil {
				return err
			}
			if err := d.downloadFile(gctx, name, dest); err != nil {
				return err
			}
			mu.Lock()
			documents[documentFromKey(name)] = true
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		logCtx.Error("Results download failed", "error", err)
		return nil, err
	}

	logCtx.Info("Results download complete.", "documentCount", len(documents))
	return &models.ResultsDownloadResponse{
		FilesDownloaded:     len(selected),
		DocumentsDownloaded: len(documents),
		OutputDir:           req.OutputDir,
	}, nil
}

func (d *ResultsDownloader) downloadFile(ctx context.Context, name, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}
	reader, err := d.open(ctx, d.bucket, name)
	if err != nil {
		return fmt.Errorf("failed to open gs://%s/%s: %w", d.bucket, name, err)
	}
	defer reader.Close()

	localFile, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(localFile, reader); err != nil {
		localFile.Close()
		return fmt.Errorf("failed to download gs://%s/%s: %w", d.bucket, name, err)
	}
	return localFile.Close()
}

// MatchesFileTypes reports whether an output key lies in one of the
// requested type folders. An empty selection or "all" matches everything.
func MatchesFileTypes(key string, fileTypes []string) bool {
	if len(fileTypes) == 0 {
		return !strings.HasSuffix(key, "/")
	}
	for _, t := range fileTypes {
		if t == FileTypeAll || strings.Contains(key, "/"+t+"/") {
			return !strings.HasSuffix(key, "/")
		}
	}
	return false
}

// ParseFileTypes splits a comma-separated --file-types value.
func ParseFileTypes(value string) ([]string, error) {
	var types []string
	for _, t := range strings.Split(value, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if t == FileTypeAll {
			return []string{FileTypeAll}, nil
		}
		known := false
		for _, k := range ResultFileTypes {
			known = known || k == t
		}
		if !known {
			return nil, fmt.Errorf("unknown file type %q (use all or %s)", t, strings.Join(ResultFileTypes, ", "))
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return []string{FileTypeAll}, nil
	}
	return types, nil
}

// LocalResultPath maps an object key under outputDir, refusing keys that
// would escape it.
func LocalResultPath(outputDir, key string) (string, error) {
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("refusing to write object %q outside %s", key, outputDir)
		}
	}
	rel := strings.Trim(path.Clean("/"+key), "/")
	if rel == "" {
		return "", fmt.Errorf("object key %q has no file name", key)
	}
	return filepath.Join(outputDir, filepath.FromSlash(rel)), nil
}

func documentFromKey(key string) string {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 2 {
		return key
	}
	return parts[1]
}
