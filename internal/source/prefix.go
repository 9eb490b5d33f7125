package source

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/docbatch/internal/gcp"
	"github.com/Lllllllleong/docbatch/internal/manifest"
	"github.com/Lllllllleong/docbatch/internal/models"
)

// ObjectLister lists object names under a prefix.
type ObjectLister interface {
	ListObjects(ctx context.Context, bucket, prefix string, recursive bool) ([]string, error)
}

// GCSLister lists objects with a Cloud Storage client.
type GCSLister struct {
	Client *storage.Client
}

// ListObjects returns object names in lexical order. Without recursion only
// objects directly under prefix are returned.
func (l *GCSLister) ListObjects(ctx context.Context, bucket, prefix string, recursive bool) ([]string, error) {
	query := &storage.Query{Prefix: prefix}
	if !recursive {
		query.Delimiter = "/"
	}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, err
	}
	it := l.Client.Bucket(bucket).Objects(ctx, query)

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in gs://%s/%s: %w", bucket, prefix, err)
		}
		// Synthetic directory entries only carry Prefix.
		if attrs.Name == "" || strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

type prefixResolver struct {
	uri           string
	pattern       string
	recursive     bool
	stagingBucket string
	lister        ObjectLister
}

// Resolve lists the prefix. Objects already in the staging bucket are used
// in place; anything else is copied at submission time.
func (r *prefixResolver) Resolve(ctx context.Context) (*models.Manifest, error) {
	bucket, prefix, err := gcp.ParseURI(r.uri)
	if err != nil {
		return nil, err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	names, err := r.lister.ListObjects(ctx, bucket, prefix, r.recursive)
	if err != nil {
		return nil, err
	}

	kind := models.KindRemote
	if bucket == r.stagingBucket {
		kind = models.KindStaged
	}

	b := manifest.NewBuilder(r.uri)
	for _, name := range names {
		rel := strings.TrimPrefix(name, prefix)
		if rel == "" || strings.HasPrefix(path.Base(rel), ".") {
			continue
		}
		if !r.recursive && strings.Contains(rel, "/") {
			continue
		}
		if ok, _ := path.Match(r.pattern, path.Base(rel)); !ok {
			continue
		}
		b.AddEntry(models.ManifestEntry{
			SourceRef:    gcp.URI(bucket, name),
			DocumentID:   stem(rel),
			Kind:         kind,
			RelativePath: rel,
		})
	}
	m, err := b.Build()
	if err != nil {
		return nil, err
	}
	if m.Len() == 0 {
		return nil, fmt.Errorf("%w under %s matching %q", ErrNoDocuments, r.uri, r.pattern)
	}
	return m, nil
}
