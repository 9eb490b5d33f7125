package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBatchPrefix is used when neither a batch ID nor a prefix is given.
const DefaultBatchPrefix = "cli-batch"

const maxBatchIDLength = 128

var batchIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// NewBatchID builds "{prefix}-{YYYYMMDD-HHMMSS}-{8 hex}". The random suffix
// is what keeps two submissions in the same second apart; the registry is
// not consulted.
func NewBatchID(prefix string, now time.Time) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultBatchPrefix
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102-150405"), suffix)
}

// ValidateBatchID rejects IDs that are unsafe as an object key segment.
func ValidateBatchID(id string) error {
	if id == "" {
		return fmt.Errorf("batch id must not be empty")
	}
	if len(id) > maxBatchIDLength {
		return fmt.Errorf("batch id %q is longer than %d characters", id, maxBatchIDLength)
	}
	if !batchIDPattern.MatchString(id) {
		return fmt.Errorf("batch id %q may only contain letters, digits, '.', '_' and '-' and must start with a letter or digit", id)
	}
	return nil
}

// ResolveBatchID returns the explicit ID when given (after validation),
// otherwise a freshly generated one.
func ResolveBatchID(explicit, prefix string, now time.Time) (string, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		if err := ValidateBatchID(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	if prefix != "" {
		if err := ValidateBatchID(prefix); err != nil {
			return "", fmt.Errorf("invalid batch prefix: %w", err)
		}
	}
	return NewBatchID(prefix, now), nil
}
