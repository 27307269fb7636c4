package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNoSession      = errors.New("no saved session")
	ErrImageNotFound  = errors.New("image not found")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrEmptyImage     = errors.New("image data is empty")
	ErrInvalidImageID = errors.New("image id is required")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_key TEXT PRIMARY KEY,
    record_json TEXT NOT NULL,
    saved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS images (
    id TEXT PRIMARY KEY,
    data BLOB NOT NULL,
    mime_type TEXT NOT NULL,
    size INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_images_created_at ON images(created_at);
`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ops struct {
	q        querier
	maxBytes int64
}

type Store struct {
	ops
	db *sql.DB
}

type Tx struct {
	ops
	tx *sql.Tx
}

type StoreOptions struct {
	// MaxBytes caps Size(); 0 disables the quota.
	MaxBytes int64
}

func NewStoreWithPath(dbPath string, opts StoreOptions) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writes ordered and pins PRAGMAs to the handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	return &Store{ops: ops{q: db, maxBytes: opts.MaxBytes}, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{ops: ops{q: sqlTx, maxBytes: s.maxBytes}, tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (o *ops) PutSession(ctx context.Context, rec *SessionRecord) error {
	rec.Key = CurrentKey
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if o.maxBytes > 0 {
		var imagesSize, otherSessions int64
		if err := o.q.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM images`).Scan(&imagesSize); err != nil {
			return err
		}
		if err := o.q.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(CAST(record_json AS BLOB))), 0) FROM sessions WHERE session_key != ?`,
			CurrentKey).Scan(&otherSessions); err != nil {
			return err
		}
		if imagesSize+otherSessions+int64(len(data)) > o.maxBytes {
			return fmt.Errorf("%w: session record of %d bytes", ErrQuotaExceeded, len(data))
		}
	}

	_, err = o.q.ExecContext(ctx,
		`INSERT INTO sessions (session_key, record_json, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET record_json = excluded.record_json, saved_at = excluded.saved_at`,
		CurrentKey, string(data), rec.SavedAt)
	return err
}

func (o *ops) GetSession(ctx context.Context) (*SessionRecord, error) {
	var data string
	err := o.q.QueryRowContext(ctx,
		`SELECT record_json FROM sessions WHERE session_key = ?`, CurrentKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}

	var rec SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &rec, nil
}

func (o *ops) HasSession(ctx context.Context) (bool, error) {
	var count int
	err := o.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE session_key = ?`, CurrentKey).Scan(&count)
	return count > 0, err
}

func (o *ops) DeleteSession(ctx context.Context) error {
	_, err := o.q.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, CurrentKey)
	return err
}

func (o *ops) PutImage(ctx context.Context, img *StoredImage) error {
	if img.ID == "" {
		return ErrInvalidImageID
	}
	if len(img.Data) == 0 {
		return ErrEmptyImage
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now()
	}

	if o.maxBytes > 0 {
		used, err := o.Size(ctx)
		if err != nil {
			return err
		}
		var existing int64
		err = o.q.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(size), 0) FROM images WHERE id = ?`, img.ID).Scan(&existing)
		if err != nil {
			return err
		}
		if used-existing+int64(len(img.Data)) > o.maxBytes {
			return fmt.Errorf("%w: image %s of %d bytes", ErrQuotaExceeded, img.ID, len(img.Data))
		}
	}

	_, err := o.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO images (id, data, mime_type, size, created_at) VALUES (?, ?, ?, ?, ?)`,
		img.ID, img.Data, img.MimeType, len(img.Data), img.CreatedAt)
	return err
}

func (o *ops) GetImage(ctx context.Context, id string) (*StoredImage, error) {
	img := &StoredImage{}
	err := o.q.QueryRowContext(ctx,
		`SELECT id, data, mime_type, created_at FROM images WHERE id = ?`, id).
		Scan(&img.ID, &img.Data, &img.MimeType, &img.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (o *ops) HasImage(ctx context.Context, id string) (bool, error) {
	var count int
	err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM images WHERE id = ?`, id).Scan(&count)
	return count > 0, err
}

func (o *ops) DeleteImage(ctx context.Context, id string) error {
	_, err := o.q.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	return err
}

func (o *ops) DeleteImages(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := o.q.ExecContext(ctx, `DELETE FROM images WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (o *ops) CountImages(ctx context.Context) (int, error) {
	var count int
	err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&count)
	return count, err
}

func (o *ops) ListImageIDs(ctx context.Context) ([]string, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT id FROM images ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (o *ops) Size(ctx context.Context) (int64, error) {
	var recordSize, imagesSize int64
	if err := o.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(CAST(record_json AS BLOB))), 0) FROM sessions`).Scan(&recordSize); err != nil {
		return 0, err
	}
	if err := o.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM images`).Scan(&imagesSize); err != nil {
		return 0, err
	}
	return recordSize + imagesSize, nil
}

func (s *Store) ClearSession(ctx context.Context) (int, error) {
	var deleted int
	err := s.WithTx(ctx, func(tx *Tx) error {
		rec, err := tx.GetSession(ctx)
		if errors.Is(err, ErrNoSession) {
			return nil
		}
		if err != nil {
			return err
		}
		deleted, err = tx.DeleteImages(ctx, rec.ImageIDs())
		if err != nil {
			return err
		}
		return tx.DeleteSession(ctx)
	})
	return deleted, err
}

func (o *ops) PruneOrphans(ctx context.Context) (int, error) {
	keep := make(map[string]bool)
	rec, err := o.GetSession(ctx)
	switch {
	case errors.Is(err, ErrNoSession):
	case err != nil:
		return 0, err
	default:
		for _, id := range rec.ImageIDs() {
			keep[id] = true
		}
	}

	ids, err := o.ListImageIDs(ctx)
	if err != nil {
		return 0, err
	}
	var orphans []string
	for _, id := range ids {
		if !keep[id] {
			orphans = append(orphans, id)
		}
	}
	return o.DeleteImages(ctx, orphans)
}
