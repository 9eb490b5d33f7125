package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// RowError describes one problem in a manifest. Collisions name every
// row involved.
type RowError struct {
	Rows       []int
	DocumentID string
	Message    string
}

func (e RowError) Error() string {
	if len(e.Rows) == 0 {
		return e.Message
	}
	label := "row"
	if len(e.Rows) > 1 {
		label = "rows"
	}
	nums := make([]string, len(e.Rows))
	for i, r := range e.Rows {
		nums[i] = strconv.Itoa(r)
	}
	return fmt.Sprintf("%s %s: %s", label, strings.Join(nums, ", "), e.Message)
}

// ValidationError collects every problem found in a manifest. It never
// touches remote systems.
type ValidationError struct {
	Source string
	Rows   []RowError
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Source != "" {
		fmt.Fprintf(&b, "manifest %s is invalid", e.Source)
	} else {
		b.WriteString("manifest is invalid")
	}
	fmt.Fprintf(&b, " (%d problem", len(e.Rows))
	if len(e.Rows) != 1 {
		b.WriteString("s")
	}
	b.WriteString(")")
	for _, r := range e.Rows {
		b.WriteString("\n  - ")
		b.WriteString(r.Error())
	}
	return b.String()
}

func (e *ValidationError) add(rows []int, documentID, format string, args ...any) {
	e.Rows = append(e.Rows, RowError{Rows: rows, DocumentID: documentID, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) empty() bool {
	return len(e.Rows) == 0
}
