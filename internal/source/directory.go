package source

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/docbatch/internal/manifest"
	"github.com/Lllllllleong/docbatch/internal/models"
)

type directoryResolver struct {
	root      string
	pattern   string
	recursive bool
}

// Resolve walks the directory in lexical order. Document IDs are the path
// relative to the root without the extension, so a/x.pdf and b/x.pdf stay
// distinct.
func (r *directoryResolver) Resolve(ctx context.Context) (*models.Manifest, error) {
	root, err := filepath.Abs(r.root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory %s: %w", r.root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", r.root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", r.root)
	}

	b := manifest.NewBuilder(r.root)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !r.recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ok, _ := path.Match(r.pattern, d.Name()); !ok {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		b.AddEntry(models.ManifestEntry{
			SourceRef:    p,
			DocumentID:   stem(rel),
			Kind:         models.KindLocal,
			RelativePath: rel,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan directory %s: %w", r.root, err)
	}
	m, err := b.Build()
	if err != nil {
		return nil, err
	}
	if m.Len() == 0 {
		return nil, fmt.Errorf("%w in %s matching %q", ErrNoDocuments, r.root, r.pattern)
	}
	return m, nil
}
