// Package manifest parses and validates batch manifests. Validation is
// exhaustive and never contacts a remote system.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/docbatch/internal/models"
)

// Format is a manifest file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrUnsupportedFormat is returned for manifest files with an unknown extension.
var ErrUnsupportedFormat = errors.New("unsupported manifest format")

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".json", ".jsonl":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q (use .csv, .txt, .json, .jsonl, .yaml or .yml)", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Load reads, parses and validates the manifest at path.
func Load(path string) (*models.Manifest, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, format, path)
}

// Parse validates a manifest read from r. Entries keep manifest order.
func Parse(r io.Reader, format Format, source string) (*models.Manifest, error) {
	b := NewBuilder(source)
	var (
		cfg documentConfig
		err error
	)
	switch format {
	case FormatCSV:
		err = parseCSV(r, b)
	case FormatJSON:
		cfg, err = parseJSON(r, b)
	case FormatYAML:
		cfg, err = parseYAML(r, b)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	m, err := b.Build()
	if err != nil {
		return nil, err
	}
	if m.Len() == 0 {
		return nil, &ValidationError{Source: b.source, Rows: []RowError{{Message: "manifest contains no documents"}}}
	}
	m.Steps = cfg.Steps
	m.BatchPrefix = cfg.BatchPrefix
	return m, nil
}

// Validate checks the manifest at path and returns the number of valid
// entries. It is Load without keeping the result.
func Validate(path string) (int, error) {
	m, err := Load(path)
	if err != nil {
		return 0, err
	}
	return m.Len(), nil
}
