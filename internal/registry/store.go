package registry

import "context"

// Store persists batch records. Update only succeeds when the record's
// Generation still matches the stored one.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Load(ctx context.Context, batchID string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	List(ctx context.Context, limit int) ([]BatchInfo, error)
	// URI names where a batch record lives, for display.
	URI(batchID string) string
}
