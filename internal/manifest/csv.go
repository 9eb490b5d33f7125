package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	pathColumns     = []string{"document_path", "path"}
	idColumns       = []string{"document_id", "id"}
	baselineColumns = []string{"baseline_source"}
)

// parseCSV reads a header row followed by one document per row. Row
// numbers count the header as row 1.
func parseCSV(r io.Reader, b *Builder) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &ValidationError{Source: b.source, Rows: []RowError{{Message: "manifest is empty"}}}
	}
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}
	pathCol := lookupColumn(columns, pathColumns)
	if pathCol < 0 {
		return &ValidationError{Source: b.source, Rows: []RowError{{
			Rows:    []int{1},
			Message: "missing required column 'document_path' or 'path'",
		}}}
	}
	idCol := lookupColumn(columns, idColumns)
	baselineCol := lookupColumn(columns, baselineColumns)

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				b.errs.add([]int{perr.StartLine}, "", "malformed CSV: %v", perr.Err)
				continue
			}
			return fmt.Errorf("failed to read CSV: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if isBlank(record) {
			continue
		}
		b.add(rawRow{
			Row:        line,
			Path:       field(record, pathCol),
			DocumentID: field(record, idCol),
			Baseline:   field(record, baselineCol),
		})
	}
}

func lookupColumn(columns map[string]int, names []string) int {
	for _, n := range names {
		if i, ok := columns[n]; ok {
			return i
		}
	}
	return -1
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
