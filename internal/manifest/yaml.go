package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// parseYAML accepts the same shapes as the JSON format.
func parseYAML(r io.Reader, b *Builder) (documentConfig, error) {
	var doc any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return documentConfig{}, &ValidationError{Source: b.source, Rows: []RowError{{Message: "manifest is empty"}}}
		}
		return documentConfig{}, &ValidationError{Source: b.source, Rows: []RowError{{Message: fmt.Sprintf("malformed manifest: %v", err)}}}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return documentConfig{}, &ValidationError{Source: b.source, Rows: []RowError{{Message: fmt.Sprintf("manifest keys must be strings: %v", err)}}}
	}
	return parseJSONBytes(data, b)
}
