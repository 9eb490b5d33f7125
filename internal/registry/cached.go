package registry

import (
	"context"
	"errors"
	"log/slog"
)

// CachedStore writes through to a remote store and mirrors every record it
// sees into a local SQLite cache. With Fallback set, reads that fail for any
// reason other than ErrNotFound are served from the cache instead.
type CachedStore struct {
	Remote   Store
	Local    *SQLiteStore
	Fallback bool
}

// URI names the remote location.
func (s *CachedStore) URI(batchID string) string {
	return s.Remote.URI(batchID)
}

func (s *CachedStore) mirror(ctx context.Context, rec *Record) {
	if err := s.Local.Put(ctx, rec); err != nil {
		slog.Warn("Failed to update the local registry cache.", "batchId", rec.BatchID, "error", err)
	}
}

// Create creates the record remotely, then caches it.
func (s *CachedStore) Create(ctx context.Context, rec *Record) error {
	if err := s.Remote.Create(ctx, rec); err != nil {
		return err
	}
	s.mirror(ctx, rec)
	return nil
}

// Update updates the record remotely, then caches it.
func (s *CachedStore) Update(ctx context.Context, rec *Record) error {
	if err := s.Remote.Update(ctx, rec); err != nil {
		return err
	}
	s.mirror(ctx, rec)
	return nil
}

// Load reads the remote record, falling back to the cache when allowed.
func (s *CachedStore) Load(ctx context.Context, batchID string) (*Record, error) {
	rec, err := s.Remote.Load(ctx, batchID)
	if err == nil {
		s.mirror(ctx, rec)
		return rec, nil
	}
	if !s.Fallback || errors.Is(err, ErrNotFound) {
		return nil, err
	}
	cached, cacheErr := s.Local.Load(ctx, batchID)
	if cacheErr != nil {
		return nil, err
	}
	slog.Warn("Registry unreachable, using the cached batch record.", "batchId", batchID, "error", err)
	return cached, nil
}

// List lists remote batches, falling back to the cache when allowed.
func (s *CachedStore) List(ctx context.Context, limit int) ([]BatchInfo, error) {
	infos, err := s.Remote.List(ctx, limit)
	if err == nil || !s.Fallback {
		return infos, err
	}
	cached, cacheErr := s.Local.List(ctx, limit)
	if cacheErr != nil {
		return nil, err
	}
	slog.Warn("Registry unreachable, listing cached batches.", "error", err)
	return cached, nil
}
