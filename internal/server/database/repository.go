package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrShareNotFound = errors.New("share not found")
	ErrTaskNotFound  = errors.New("task not found")
	ErrUserNotFound  = errors.New("user not found")
	ErrFileNotFound  = errors.New("file not found")
)

// Repository provides the store operations for shares, files, downloads,
// tasks and admin users.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository over the given pool.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// UpsertFile inserts or refreshes a files row by canonical path and returns
// its id. The path is the stable identity; size is refreshed on every call.
func (r *Repository) UpsertFile(ctx context.Context, path string, size int64) (int64, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	var id int64
	err := r.db.Pool.QueryRowContext(ctx, `
		INSERT INTO files (path, file_size) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET file_size = excluded.file_size
		RETURNING id
	`, path, size).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert file %s: %w", path, err)
	}
	return id, nil
}

// GetFileByID retrieves a persisted file row.
func (r *Repository) GetFileByID(ctx context.Context, id int64) (*PersistedFile, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	f := &PersistedFile{}
	err := r.db.Pool.QueryRowContext(ctx, `
		SELECT id, path, sha256, file_size, info FROM files WHERE id = ?
	`, id).Scan(&f.ID, &f.Path, &f.SHA256, &f.FileSize, &f.Info)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// CreateShare atomically inserts a share row plus its ordered join rows.
// File order is preserved via the position column.
func (r *Repository) CreateShare(ctx context.Context, share *ShareLink, fileIDs []int64) error {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	tx, err := r.db.Pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO share_links (id, expiration, created_at) VALUES (?, ?, ?)
	`, share.ID, share.Expiration, share.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert share link: %w", err)
	}

	for pos, fileID := range fileIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO share_link_files (share_link_id, file_id, position) VALUES (?, ?, ?)
		`, share.ID, fileID, pos); err != nil {
			return fmt.Errorf("failed to insert share file %d: %w", fileID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit share: %w", err)
	}
	return nil
}

// GetShare retrieves a share link by token.
func (r *Repository) GetShare(ctx context.Context, id string) (*ShareLink, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	s := &ShareLink{}
	err := r.db.Pool.QueryRowContext(ctx, `
		SELECT id, expiration, created_at FROM share_links WHERE id = ?
	`, id).Scan(&s.ID, &s.Expiration, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to get share: %w", err)
	}
	return s, nil
}

// GetShareFiles returns the files of a share in insertion order.
func (r *Repository) GetShareFiles(ctx context.Context, shareID string) ([]PersistedFile, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	rows, err := r.db.Pool.QueryContext(ctx, `
		SELECT f.id, f.path, f.sha256, f.file_size, f.info
		FROM files f
		JOIN share_link_files slf ON slf.file_id = f.id
		WHERE slf.share_link_id = ?
		ORDER BY slf.position
	`, shareID)
	if err != nil {
		return nil, fmt.Errorf("failed to query share files: %w", err)
	}
	defer rows.Close()

	var files []PersistedFile
	for rows.Next() {
		var f PersistedFile
		if err := rows.Scan(&f.ID, &f.Path, &f.SHA256, &f.FileSize, &f.Info); err != nil {
			return nil, fmt.Errorf("failed to scan share file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
