package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed manifest.schema.json
var schemaJSON []byte

const schemaURL = "manifest.schema.json"

var (
	schemaOnce   sync.Once
	listSchema   *jsonschema.Schema
	objectSchema *jsonschema.Schema
	schemaErr    error
)

func compiledSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add manifest schema: %w", err)
			return
		}
		if listSchema, schemaErr = compiler.Compile(schemaURL + "#/$defs/documentList"); schemaErr != nil {
			schemaErr = fmt.Errorf("compile manifest schema: %w", schemaErr)
			return
		}
		if objectSchema, schemaErr = compiler.Compile(schemaURL + "#/$defs/manifestObject"); schemaErr != nil {
			schemaErr = fmt.Errorf("compile manifest schema: %w", schemaErr)
		}
	})
	return listSchema, objectSchema, schemaErr
}

// documentConfig is the optional config block of an object manifest.
type documentConfig struct {
	Steps       []string `json:"steps"`
	BatchPrefix string   `json:"batch_prefix"`
}

type jsonDocument struct {
	DocumentPath   string  `json:"document_path"`
	Path           string  `json:"path"`
	DocumentID     string  `json:"document_id"`
	ID             string  `json:"id"`
	BaselineSource *string `json:"baseline_source"`
}

type jsonManifest struct {
	Documents []jsonDocument `json:"documents"`
	Config    documentConfig `json:"config"`
}

func parseJSON(r io.Reader, b *Builder) (documentConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return documentConfig{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	return parseJSONBytes(data, b)
}

// parseJSONBytes accepts either a bare array of documents or an object
// with a documents array and an optional config block. Positions in the
// array are reported as rows starting at 1. A stream of objects, one per
// line, is read as a bare array.
func parseJSONBytes(data []byte, b *Builder) (documentConfig, error) {
	var cfg documentConfig

	values, err := decodeValues(data)
	if err != nil {
		return cfg, &ValidationError{Source: b.source, Rows: []RowError{{Message: fmt.Sprintf("malformed manifest: %v", err)}}}
	}
	doc := values[0]
	if len(values) > 1 {
		doc = values
		if data, err = json.Marshal(values); err != nil {
			return cfg, fmt.Errorf("failed to decode manifest: %w", err)
		}
	}

	list, object, err := compiledSchemas()
	if err != nil {
		return cfg, err
	}

	var docs []jsonDocument
	switch doc.(type) {
	case []any:
		if err := schemaCheck(list, doc, b); err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(data, &docs); err != nil {
			return cfg, fmt.Errorf("failed to decode manifest: %w", err)
		}
	case map[string]any:
		if err := schemaCheck(object, doc, b); err != nil {
			return cfg, err
		}
		var m jsonManifest
		if err := json.Unmarshal(data, &m); err != nil {
			return cfg, fmt.Errorf("failed to decode manifest: %w", err)
		}
		docs, cfg = m.Documents, m.Config
	default:
		return cfg, &ValidationError{Source: b.source, Rows: []RowError{{
			Message: "manifest must be a list of documents or an object with a 'documents' list",
		}}}
	}

	for i, d := range docs {
		row := rawRow{Row: i + 1, Path: d.DocumentPath, DocumentID: d.DocumentID}
		if row.Path == "" {
			row.Path = d.Path
		}
		if row.DocumentID == "" {
			row.DocumentID = d.ID
		}
		if d.BaselineSource != nil {
			row.Baseline = *d.BaselineSource
		}
		b.add(row)
	}
	return cfg, nil
}

// decodeValues reads every top-level JSON value in data.
func decodeValues(data []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var values []any
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, errors.New("no JSON content")
	}
	return values, nil
}

func schemaCheck(schema *jsonschema.Schema, doc any, b *Builder) error {
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("failed to validate manifest: %w", err)
	}
	out := &ValidationError{Source: b.source}
	for _, leaf := range leaves(verr) {
		var rows []int
		if row, ok := rowFromLocation(leaf.InstanceLocation); ok {
			rows = []int{row}
		}
		msg := leaf.Message
		if leaf.InstanceLocation != "" {
			msg = fmt.Sprintf("%s: %s", leaf.InstanceLocation, leaf.Message)
		}
		out.add(rows, "", "%s", msg)
	}
	return out
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

// rowFromLocation maps "/3/path" or "/documents/3/path" to row 4.
func rowFromLocation(loc string) (int, bool) {
	parts := strings.Split(strings.TrimPrefix(loc, "/"), "/")
	if len(parts) > 0 && parts[0] == "documents" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return 0, false
	}
	idx, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return idx + 1, true
}
