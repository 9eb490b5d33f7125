package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
)

// GeneratedRow is one line of a generated CSV manifest.
type GeneratedRow struct {
	DocumentPath   string
	DocumentID     string
	BaselineSource string
}

// WriteCSV writes rows as a manifest that Load accepts.
func WriteCSV(w io.Writer, rows []GeneratedRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"document_path", "document_id", "baseline_source"}); err != nil {
		return fmt.Errorf("failed to write manifest header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.DocumentPath, r.DocumentID, r.BaselineSource}); err != nil {
			return fmt.Errorf("failed to write manifest row for %s: %w", r.DocumentPath, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
