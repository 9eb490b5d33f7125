package manifest

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Lllllllleong/docbatch/internal/gcp"
	"github.com/Lllllllleong/docbatch/internal/models"
)

// rawRow is a manifest row before normalisation, whatever the file format.
type rawRow struct {
	Row        int
	Path       string
	DocumentID string
	Baseline   string
}

// Builder turns raw rows into validated entries. Every format parser feeds
// the same builder so nothing downstream branches on the format.
type Builder struct {
	source   string
	entries  []models.ManifestEntry
	explicit map[int]bool
	errs     *ValidationError
}

// NewBuilder returns a Builder reporting errors against source.
func NewBuilder(source string) *Builder {
	return &Builder{
		source:   source,
		explicit: make(map[int]bool),
		errs:     &ValidationError{Source: source},
	}
}

func (b *Builder) add(r rawRow) {
	ref := strings.TrimSpace(r.Path)
	if ref == "" {
		b.errs.add([]int{r.Row}, "", "missing required field 'document_path' or 'path'")
		return
	}

	entry := models.ManifestEntry{
		SourceRef:   ref,
		BaselineRef: strings.TrimSpace(r.Baseline),
		Row:         r.Row,
	}

	var fileName string
	switch {
	case gcp.IsRemoteURI(ref):
		if !strings.HasPrefix(ref, gcp.URIScheme) {
			b.errs.add([]int{r.Row}, "", "unsupported remote URI %q: only %s URIs are supported", ref, gcp.URIScheme)
			return
		}
		_, key, err := gcp.ParseURI(ref)
		if err != nil {
			b.errs.add([]int{r.Row}, "", "%v", err)
			return
		}
		if key == "" || strings.HasSuffix(key, "/") {
			b.errs.add([]int{r.Row}, "", "invalid Cloud Storage URI %q: no object key", ref)
			return
		}
		entry.Kind = models.KindRemote
		fileName = path.Base(key)
	default:
		info, err := os.Stat(ref)
		exists := err == nil
		if !filepath.IsAbs(ref) && !exists {
			b.errs.add([]int{r.Row}, "", "invalid path %q: use an absolute local path, an existing file, or a %s URI", ref, gcp.URIScheme)
			return
		}
		if !exists {
			if errors.Is(err, fs.ErrNotExist) {
				b.errs.add([]int{r.Row}, "", "local file not found: %s", ref)
			} else {
				b.errs.add([]int{r.Row}, "", "cannot access %s: %v", ref, err)
			}
			return
		}
		if info.IsDir() {
			b.errs.add([]int{r.Row}, "", "%s is a directory, not a document", ref)
			return
		}
		entry.Kind = models.KindLocal
		fileName = filepath.Base(ref)
	}

	ext := path.Ext(fileName)
	id := strings.TrimSpace(r.DocumentID)
	if id != "" {
		b.explicit[r.Row] = true
	} else {
		id = strings.TrimSuffix(fileName, ext)
	}
	if msg := checkDocumentID(id); msg != "" {
		b.errs.add([]int{r.Row}, id, "%s", msg)
		return
	}
	entry.DocumentID = id
	entry.RelativePath = id + ext
	b.entries = append(b.entries, entry)
}

// AddEntry appends an entry produced by a scanner (directory or prefix).
// Scanned entries always carry a derived ID.
func (b *Builder) AddEntry(e models.ManifestEntry) {
	if e.Row == 0 {
		e.Row = len(b.entries) + len(b.errs.Rows) + 1
	}
	if msg := checkDocumentID(e.DocumentID); msg != "" {
		b.errs.add([]int{e.Row}, e.DocumentID, "%s", msg)
		return
	}
	b.entries = append(b.entries, e)
}

// Build checks collisions and returns the manifest, or a ValidationError
// listing every problem found.
func (b *Builder) Build() (*models.Manifest, error) {
	b.checkCollisions()
	if !b.errs.empty() {
		sort.SliceStable(b.errs.Rows, func(i, j int) bool {
			return firstRow(b.errs.Rows[i]) < firstRow(b.errs.Rows[j])
		})
		return nil, b.errs
	}
	return &models.Manifest{Entries: b.entries, Source: b.source}, nil
}

func (b *Builder) checkCollisions() {
	byID := make(map[string][]int)
	byKey := make(map[string][]int)
	var idOrder, keyOrder []string
	for _, e := range b.entries {
		if _, ok := byID[e.DocumentID]; !ok {
			idOrder = append(idOrder, e.DocumentID)
		}
		byID[e.DocumentID] = append(byID[e.DocumentID], e.Row)
		if _, ok := byKey[e.RelativePath]; !ok {
			keyOrder = append(keyOrder, e.RelativePath)
		}
		byKey[e.RelativePath] = append(byKey[e.RelativePath], e.Row)
	}

	reported := make(map[int]bool)
	for _, id := range idOrder {
		rows := byID[id]
		if len(rows) < 2 {
			continue
		}
		anyExplicit := false
		for _, r := range rows {
			reported[r] = true
			anyExplicit = anyExplicit || b.explicit[r]
		}
		if anyExplicit {
			b.errs.add(rows, id, "duplicate document_id %q", id)
		} else {
			b.errs.add(rows, id, "duplicate derived document_id %q from files with the same name; set document_id explicitly", id)
		}
	}
	for _, key := range keyOrder {
		rows := byKey[key]
		if len(rows) < 2 || reported[rows[0]] {
			continue
		}
		b.errs.add(rows, "", "entries would overwrite each other at staging key %q", key)
	}
}

func checkDocumentID(id string) string {
	switch {
	case id == "":
		return "document_id is empty"
	case strings.HasPrefix(id, "/"):
		return "document_id must not start with '/'"
	case strings.ContainsAny(id, "\\\x00"):
		return "document_id must not contain '\\' or NUL"
	}
	for _, seg := range strings.Split(id, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "document_id " + `"` + id + `"` + " contains an empty, '.' or '..' path segment"
		}
	}
	return ""
}

func firstRow(e RowError) int {
	if len(e.Rows) == 0 {
		return 0
	}
	return e.Rows[0]
}
