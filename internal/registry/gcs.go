package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/docbatch/internal/gcp"
)

const recordFile = "batch.json"

// GCSStore keeps one JSON object per batch at
// gs://{bucket}/{prefix}/{batch_id}/batch.json.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore returns a store rooted at gs://bucket/prefix.
func NewGCSStore(client *storage.Client, bucket, prefix string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("a registry bucket must be configured")
	}
	return &GCSStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *GCSStore) objectName(batchID string) string {
	return path.Join(s.prefix, batchID, recordFile)
}

// URI returns the gs:// URI of a batch record.
func (s *GCSStore) URI(batchID string) string {
	return gcp.URI(s.bucket, s.objectName(batchID))
}

// Create writes a new record; it fails with ErrExists rather than
// overwriting.
func (s *GCSStore) Create(ctx context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return wrap("create", rec.BatchID, err)
	}
	gen, created, err := gcp.CreateObjectIfAbsent(ctx, s.client.Bucket(s.bucket), s.objectName(rec.BatchID), data, "application/json")
	if err != nil {
		return wrap("create", rec.BatchID, err)
	}
	if !created {
		return wrap("create", rec.BatchID, ErrExists)
	}
	rec.Generation = gen
	return nil
}

// Load reads a record and remembers its generation.
func (s *GCSStore) Load(ctx context.Context, batchID string) (*Record, error) {
	data, gen, err := gcp.ReadObject(ctx, s.client.Bucket(s.bucket), s.objectName(batchID))
	if err != nil {
		if gcp.IsNotFound(err) {
			return nil, wrap("load", batchID, ErrNotFound)
		}
		return nil, wrap("load", batchID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, wrap("load", batchID, fmt.Errorf("corrupt record %s: %w", s.URI(batchID), err))
	}
	rec.Generation = gen
	return &rec, nil
}

// Update replaces the record if nobody wrote it since it was loaded.
func (s *GCSStore) Update(ctx context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return wrap("update", rec.BatchID, err)
	}
	gen, err := gcp.ReplaceObject(ctx, s.client.Bucket(s.bucket), s.objectName(rec.BatchID), rec.Generation, data, "application/json")
	if err != nil {
		if gcp.IsPreconditionFailed(err) {
			return wrap("update", rec.BatchID, ErrConflict)
		}
		return wrap("update", rec.BatchID, err)
	}
	rec.Generation = gen
	return nil
}

// List returns the most recently created batches first.
func (s *GCSStore) List(ctx context.Context, limit int) ([]BatchInfo, error) {
	prefix := ""
	if s.prefix != "" {
		prefix = s.prefix + "/"
	}
	type found struct {
		batchID string
		created int64
	}
	var records []found

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrap("list", "", fmt.Errorf("failed to list gs://%s/%s: %w", s.bucket, prefix, err))
		}
		rel := strings.TrimPrefix(attrs.Name, prefix)
		batchID, file, ok := strings.Cut(rel, "/")
		if !ok || file != recordFile {
			continue
		}
		records = append(records, found{batchID: batchID, created: attrs.Created.UnixNano()})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].created != records[j].created {
			return records[i].created > records[j].created
		}
		return records[i].batchID > records[j].batchID
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	infos := make([]BatchInfo, 0, len(records))
	for _, f := range records {
		rec, err := s.Load(ctx, f.batchID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, rec.Info())
	}
	return infos, nil
}
