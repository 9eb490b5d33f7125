// Package source resolves the documents of a submission from a manifest
// file, a local directory or a Cloud Storage prefix.
package source

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/Lllllllleong/docbatch/internal/manifest"
	"github.com/Lllllllleong/docbatch/internal/models"
)

// DefaultFilePattern matches the documents the pipeline accepts.
const DefaultFilePattern = "*.pdf"

var (
	// ErrNoSource is returned when no input option is set.
	ErrNoSource = errors.New("one of --manifest, --dir or --gs-uri is required")
	// ErrConflictingSources is returned when more than one input option is set.
	ErrConflictingSources = errors.New("--manifest, --dir and --gs-uri are mutually exclusive")
	// ErrNoDocuments is returned when a scan finds nothing to submit.
	ErrNoDocuments = errors.New("no documents found")
)

// Resolver produces a validated manifest. Implementations never upload.
type Resolver interface {
	Resolve(ctx context.Context) (*models.Manifest, error)
}

// Options selects exactly one input.
type Options struct {
	ManifestPath string
	Directory    string
	Prefix       string

	FilePattern   string
	Recursive     bool
	StagingBucket string
}

// New picks the resolver for opts. Prefix resolution lists through lister.
func New(opts Options, lister ObjectLister) (Resolver, error) {
	set := 0
	for _, v := range []string{opts.ManifestPath, opts.Directory, opts.Prefix} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	switch {
	case set == 0:
		return nil, ErrNoSource
	case set > 1:
		return nil, ErrConflictingSources
	}

	pattern := opts.FilePattern
	if pattern == "" {
		pattern = DefaultFilePattern
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}

	switch {
	case opts.ManifestPath != "":
		return &fileResolver{path: opts.ManifestPath}, nil
	case opts.Directory != "":
		return &directoryResolver{root: opts.Directory, pattern: pattern, recursive: opts.Recursive}, nil
	default:
		if lister == nil {
			return nil, errors.New("listing a Cloud Storage prefix requires a storage client")
		}
		return &prefixResolver{
			uri:           opts.Prefix,
			pattern:       pattern,
			recursive:     opts.Recursive,
			stagingBucket: opts.StagingBucket,
			lister:        lister,
		}, nil
	}
}

type fileResolver struct {
	path string
}

func (r *fileResolver) Resolve(context.Context) (*models.Manifest, error) {
	return manifest.Load(r.path)
}

// stem strips the extension from a slash-separated path.
func stem(p string) string {
	return strings.TrimSuffix(p, path.Ext(p))
}
