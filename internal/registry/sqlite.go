package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a local registry. It serves as the offline mirror of the
// Cloud Storage registry and as the only registry when no bucket is
// configured.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore opens or creates the database at dbPath.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure registry cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS batches (
        batch_id TEXT PRIMARY KEY,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL,
        generation INTEGER NOT NULL,
        record_json TEXT NOT NULL
    )`)
	if err != nil {
		return fmt.Errorf("create batches table: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// URI returns the local location of a batch record.
func (s *SQLiteStore) URI(batchID string) string {
	return fmt.Sprintf("sqlite://%s#%s", s.path, batchID)
}

// Create inserts a record with generation 1.
func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return wrap("create", rec.BatchID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (batch_id, created_at, updated_at, generation, record_json)
         VALUES (?, ?, ?, 1, ?) ON CONFLICT(batch_id) DO NOTHING`,
		rec.BatchID, timestamp(rec.CreatedAt), timestamp(rec.UpdatedAt), string(data))
	if err != nil {
		return wrap("create", rec.BatchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap("create", rec.BatchID, ErrExists)
	}
	rec.Generation = 1
	return nil
}

// Load reads a record.
func (s *SQLiteStore) Load(ctx context.Context, batchID string) (*Record, error) {
	var (
		data string
		gen  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json, generation FROM batches WHERE batch_id = ?`, batchID).Scan(&data, &gen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("load", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("load", batchID, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, wrap("load", batchID, fmt.Errorf("corrupt cached record: %w", err))
	}
	rec.Generation = gen
	return &rec, nil
}

// Update bumps the generation when it still matches rec.Generation.
func (s *SQLiteStore) Update(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return wrap("update", rec.BatchID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET updated_at = ?, generation = generation + 1, record_json = ?
         WHERE batch_id = ? AND generation = ?`,
		timestamp(rec.UpdatedAt), string(data), rec.BatchID, rec.Generation)
	if err != nil {
		return wrap("update", rec.BatchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap("update", rec.BatchID, ErrConflict)
	}
	rec.Generation++
	return nil
}

// Put stores a copy of a record read from another store, keeping its
// generation.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return wrap("cache", rec.BatchID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches (batch_id, created_at, updated_at, generation, record_json)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(batch_id) DO UPDATE SET
            updated_at = excluded.updated_at,
            generation = excluded.generation,
            record_json = excluded.record_json`,
		rec.BatchID, timestamp(rec.CreatedAt), timestamp(rec.UpdatedAt), rec.Generation, string(data))
	return wrap("cache", rec.BatchID, err)
}

// List returns the most recently created batches first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]BatchInfo, error) {
	query := `SELECT record_json FROM batches ORDER BY created_at DESC, batch_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list", "", err)
	}
	defer rows.Close()

	var infos []BatchInfo
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, wrap("list", "", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, wrap("list", "", fmt.Errorf("corrupt cached record: %w", err))
		}
		infos = append(infos, rec.Info())
	}
	return infos, wrap("list", "", rows.Err())
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
